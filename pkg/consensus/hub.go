package consensus

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StakeSource resolves a validator's on-ledger voting power. The l1 client
// implements it; tests supply a static map.
type StakeSource interface {
	StakeOf(ctx context.Context, address string) (*big.Int, error)
	MinStake(ctx context.Context) (*big.Int, error)
}

// registerRequest is a validator's opening handshake message.
type registerRequest struct {
	Address string `json:"address"`
}

// registerResponse acknowledges or rejects the handshake.
type registerResponse struct {
	Registered  bool   `json:"registered"`
	VotingPower string `json:"votingPower,omitempty"`
	Error       string `json:"error,omitempty"`
}

// validatorSession is one registered validator connection. Writes are
// serialized through writeMu; gorilla connections allow one concurrent
// writer.
type validatorSession struct {
	address     string
	votingPower *big.Int
	conn        *websocket.Conn
	writeMu     sync.Mutex
}

func (s *validatorSession) send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub is the coordinator: validators register over websocket, the relayer
// submits verify requests over websocket, and the hub returns a single
// aggregated tally per request. Validators that disconnect mid-request
// simply stop contributing.
type Hub struct {
	stake        StakeSource
	thresholdBps int64
	collectWait  time.Duration
	upgrader     websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*websocket.Conn]*validatorSession
	pending  map[string]chan *VerifyResponse
}

// NewHub creates a coordinator backed by the given stake source.
func NewHub(stake StakeSource, thresholdBps int64, collectWait time.Duration) *Hub {
	if thresholdBps <= 0 {
		thresholdBps = DefaultThresholdBps
	}
	if collectWait <= 0 {
		collectWait = 15 * time.Second
	}
	return &Hub{
		stake:        stake,
		thresholdBps: thresholdBps,
		collectWait:  collectWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*websocket.Conn]*validatorSession),
		pending:  make(map[string]chan *VerifyResponse),
	}
}

// Routes mounts the hub's websocket endpoints on a mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/validator", h.HandleValidator)
	mux.HandleFunc("/ws/relay", h.HandleRelay)
}

// HandleValidator upgrades a validator connection, runs the registration
// handshake and then routes its verify responses.
func (h *Hub) HandleValidator(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade validator connection")
		return
	}
	defer conn.Close()

	var reg registerRequest
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&reg); err != nil {
		log.Warn().Err(err).Msg("Validator handshake failed")
		return
	}
	conn.SetReadDeadline(time.Time{})

	session, err := h.register(r.Context(), conn, reg.Address)
	if err != nil {
		conn.WriteJSON(&registerResponse{Error: err.Error()})
		log.Warn().Err(err).Str("validator", reg.Address).Msg("Rejected validator registration")
		return
	}
	if err := session.send(&registerResponse{Registered: true, VotingPower: session.votingPower.String()}); err != nil {
		h.unregister(conn)
		return
	}
	log.Info().
		Str("validator", session.address).
		Str("voting_power", session.votingPower.String()).
		Msg("Validator registered")

	defer h.unregister(conn)
	for {
		var resp VerifyResponse
		if err := conn.ReadJSON(&resp); err != nil {
			log.Info().Err(err).Str("validator", session.address).Msg("Validator disconnected")
			return
		}
		// The validator does not know its own registered power; stamp it.
		resp.Validator = session.address
		resp.VotingPower = session.votingPower.String()
		h.route(&resp)
	}
}

func (h *Hub) register(ctx context.Context, conn *websocket.Conn, address string) (*validatorSession, error) {
	if address == "" {
		return nil, fmt.Errorf("missing validator address")
	}
	power, err := h.stake.StakeOf(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stake: %v", err)
	}
	min, err := h.stake.MinStake(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve minimum stake: %v", err)
	}
	if power.Cmp(min) < 0 {
		return nil, fmt.Errorf("stake %s below minimum %s", power.String(), min.String())
	}
	session := &validatorSession{address: address, votingPower: power, conn: conn}
	h.mu.Lock()
	h.sessions[conn] = session
	h.mu.Unlock()
	return session, nil
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.sessions, conn)
	h.mu.Unlock()
}

func (h *Hub) route(resp *VerifyResponse) {
	h.mu.RLock()
	ch, ok := h.pending[resp.RequestID]
	h.mu.RUnlock()
	if !ok {
		log.Debug().Str("request_id", resp.RequestID).Msg("Dropping late validator response")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// HandleRelay serves the relayer side: each incoming VerifyRequest is
// fanned out to the registered validators and answered with one
// aggregated VerifyResponse.
func (h *Hub) HandleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade relay connection")
		return
	}
	defer conn.Close()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Relayer connected")

	var writeMu sync.Mutex
	for {
		var req VerifyRequest
		if err := conn.ReadJSON(&req); err != nil {
			log.Info().Err(err).Msg("Relayer disconnected")
			return
		}
		go func(req VerifyRequest) {
			resp := h.Verify(r.Context(), &req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(resp); err != nil {
				log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to deliver aggregated response")
			}
		}(req)
	}
}

// Verify pushes one request to every registered validator, collects their
// answers and returns the aggregated tally. The total voting power is the
// power of the validators registered at push time, so a validator that
// drops mid-request still counts against the threshold.
func (h *Hub) Verify(ctx context.Context, req *VerifyRequest) *VerifyResponse {
	h.mu.RLock()
	targets := make([]*validatorSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	agg := &VerifyResponse{RequestID: req.RequestID, Aggregated: true}
	if len(targets) == 0 {
		agg.TotalVotingPower = "0"
		agg.ValidVotingPower = "0"
		log.Warn().Str("request_id", req.RequestID).Msg("No validators registered")
		return agg
	}

	responses := make(chan *VerifyResponse, len(targets))
	h.mu.Lock()
	h.pending[req.RequestID] = responses
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, req.RequestID)
		h.mu.Unlock()
	}()

	total := big.NewInt(0)
	pushed := 0
	for _, s := range targets {
		if err := s.send(req); err != nil {
			log.Warn().Err(err).Str("validator", s.address).Msg("Failed to push verify request")
			continue
		}
		total.Add(total, s.votingPower)
		pushed++
	}
	log.Info().
		Str("request_id", req.RequestID).
		Int("validators", pushed).
		Str("total_power", total.String()).
		Msg("Pushed verify request to validators")

	valid := big.NewInt(0)
	var signatures []Attestation
	timer := time.NewTimer(h.collectWait)
	defer timer.Stop()
	for received := 0; received < pushed; {
		select {
		case <-ctx.Done():
			received = pushed
		case <-timer.C:
			received = pushed
		case resp := <-responses:
			received++
			att, err := resp.attestation()
			if err != nil {
				log.Warn().Err(err).Msg("Discarding malformed validator response")
				continue
			}
			if att.Valid {
				valid.Add(valid, att.VotingPower)
				signatures = append(signatures, *att)
			}
		}
	}

	agg.TotalVotingPower = total.String()
	agg.ValidVotingPower = valid.String()
	agg.Signatures = signatures
	agg.Valid = MeetsThreshold(valid, total, h.thresholdBps)
	log.Info().
		Str("request_id", req.RequestID).
		Str("valid_power", valid.String()).
		Bool("accepted", agg.Valid).
		Msg("Aggregation complete")
	return agg
}
