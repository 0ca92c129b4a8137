package consensus

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/prover"
)

// Validator answers verify requests: it checks the proof against its
// verification keys, signs the proof digest and reports its vote. The
// same responder backs the libp2p stream handler and the coordinator
// websocket session.
type Validator struct {
	address string
	key     *ecdsa.PrivateKey
	// vkeys are the JSON verification keys this validator accepts,
	// tried in order. A proof valid under any of them gets a yes vote.
	vkeys [][]byte
	// votingPower is advertised in direct mode; the coordinator stamps
	// its own ledger-derived value instead.
	votingPower string
}

// NewValidator builds a responder from its signing key and verification
// keys.
func NewValidator(key *ecdsa.PrivateKey, vkeys [][]byte, votingPower string) *Validator {
	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	return &Validator{
		address:     address,
		key:         key,
		vkeys:       vkeys,
		votingPower: votingPower,
	}
}

// Address returns the validator's settlement address.
func (v *Validator) Address() string {
	return v.address
}

// Handle produces this validator's response to one request. Verification
// failures vote no rather than erroring; only a malformed request errors.
func (v *Validator) Handle(ctx context.Context, req *VerifyRequest) *VerifyResponse {
	resp := &VerifyResponse{
		RequestID:   req.RequestID,
		Validator:   v.address,
		VotingPower: v.votingPower,
		Timestamp:   time.Now().Unix(),
	}
	if req.Proof == nil {
		resp.Error = "missing proof"
		return resp
	}

	valid := false
	for i, vkey := range v.vkeys {
		ok, err := prover.VerifyWithKey(req.Proof, req.PublicInputs, vkey)
		if err != nil {
			log.Debug().Err(err).Int("vkey", i).Str("request_id", req.RequestID).Msg("Verification attempt failed")
			continue
		}
		if ok {
			valid = true
			break
		}
	}
	resp.Valid = valid

	sig, err := v.sign(req)
	if err != nil {
		resp.Error = fmt.Sprintf("failed to sign attestation: %v", err)
		resp.Valid = false
		return resp
	}
	resp.Signature = sig

	log.Info().
		Str("request_id", req.RequestID).
		Bool("valid", valid).
		Msg("Answered verify request")
	return resp
}

// ServeCoordinator connects to a coordinator hub, registers and answers
// pushed verify requests until the context ends or the connection drops.
func (v *Validator) ServeCoordinator(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial coordinator %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(&registerRequest{Address: v.address}); err != nil {
		return fmt.Errorf("failed to send registration: %v", err)
	}
	var ack registerResponse
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("failed to read registration response: %v", err)
	}
	if !ack.Registered {
		return fmt.Errorf("registration rejected: %s", ack.Error)
	}
	log.Info().Str("voting_power", ack.VotingPower).Msg("Registered with coordinator")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var req VerifyRequest
		if err := conn.ReadJSON(&req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("coordinator connection lost: %v", err)
		}
		resp := v.Handle(ctx, &req)
		if err := conn.WriteJSON(resp); err != nil {
			return fmt.Errorf("failed to send response: %v", err)
		}
	}
}

// sign produces the attestation signature over the proof digest.
func (v *Validator) sign(req *VerifyRequest) (string, error) {
	proofJSON, err := json.Marshal(req.Proof)
	if err != nil {
		return "", err
	}
	signalsJSON, err := json.Marshal(req.PublicInputs)
	if err != nil {
		return "", err
	}
	digest := ethcrypto.Keccak256(proofJSON, signalsJSON)
	sig, err := ethcrypto.Sign(digest, v.key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}
