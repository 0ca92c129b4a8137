package consensus

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/prover"
)

// Querier performs one verification round-trip against a single validator
// endpoint. The transport (libp2p stream, websocket coordinator) is
// supplied by the caller.
type Querier interface {
	Verify(ctx context.Context, endpoint string, req *VerifyRequest) (*VerifyResponse, error)
}

// Config holds the network's operating parameters.
type Config struct {
	// Endpoints is the fixed validator list for direct mode.
	Endpoints []string
	// Coordinator, when set, switches to aggregated mode: the single
	// coordinator endpoint is queried and its pre-aggregated response is
	// special-cased.
	Coordinator string
	// ThresholdBps is the acceptance threshold in basis points.
	ThresholdBps int64
	// QueryTimeout bounds each individual attempt.
	QueryTimeout time.Duration
	// MaxAttempts bounds the retries per validator.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// DefaultConfig returns the reference operating parameters.
func DefaultConfig() Config {
	return Config{
		ThresholdBps: DefaultThresholdBps,
		QueryTimeout: 20 * time.Second,
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
	}
}

// Network broadcasts proofs to the validator set and computes the
// stake-weighted threshold decision. All validators are queried
// concurrently and the aggregator waits for every outcome: voting power is
// unknown until each response is accounted, so an early exit could decide
// on a partial tally.
type Network struct {
	cfg     Config
	querier Querier
}

// NewNetwork wires a transport into the consensus configuration.
func NewNetwork(cfg Config, querier Querier) (*Network, error) {
	if cfg.ThresholdBps <= 0 || cfg.ThresholdBps > 10000 {
		return nil, fmt.Errorf("invalid threshold %d basis points", cfg.ThresholdBps)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 20 * time.Second
	}
	return &Network{cfg: cfg, querier: querier}, nil
}

// VerifyProof runs one full consensus round for a proof. The returned
// Result always carries the final phase; rejection is expressed through
// Result.Reason rather than an error.
func (n *Network) VerifyProof(ctx context.Context, proof *prover.Proof, publicInputs []string) (*Result, error) {
	req := &VerifyRequest{
		RequestID:    uuid.NewString(),
		Proof:        proof,
		PublicInputs: publicInputs,
	}

	if n.cfg.Coordinator != "" {
		return n.verifyAggregated(ctx, req)
	}
	return n.verifyDirect(ctx, req)
}

func (n *Network) verifyDirect(ctx context.Context, req *VerifyRequest) (*Result, error) {
	if len(n.cfg.Endpoints) == 0 {
		log.Warn().Str("request_id", req.RequestID).Msg("No validators configured, rejecting with no quorum")
		return decide(big.NewInt(0), big.NewInt(0), nil, n.cfg.ThresholdBps), nil
	}

	log.Info().
		Str("request_id", req.RequestID).
		Str("phase", Broadcasting.String()).
		Int("validators", len(n.cfg.Endpoints)).
		Msg("Broadcasting proof to validator set")

	// Fan out to every validator concurrently; a slow or dead validator
	// only zeroes its own contribution.
	results := make(chan *Attestation, len(n.cfg.Endpoints))
	var wg sync.WaitGroup
	for _, endpoint := range n.cfg.Endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			att := n.queryWithRetry(ctx, endpoint, req)
			if att != nil {
				results <- att
			}
		}(endpoint)
	}

	log.Debug().Str("request_id", req.RequestID).Str("phase", Collecting.String()).Msg("Collecting attestations")
	wg.Wait()
	close(results)

	attestations := make([]Attestation, 0, len(n.cfg.Endpoints))
	for att := range results {
		attestations = append(attestations, *att)
	}

	res := Aggregate(attestations, n.cfg.ThresholdBps)
	log.Info().
		Str("request_id", req.RequestID).
		Str("phase", res.Phase.String()).
		Str("total_power", res.TotalVotingPower.String()).
		Str("valid_power", res.ValidVotingPower.String()).
		Int("signatures", len(res.Signatures)).
		Msg("Consensus round finished")
	return res, nil
}

// queryWithRetry performs up to MaxAttempts round-trips with exponential
// backoff. A validator that never answers contributes nothing.
func (n *Network) queryWithRetry(ctx context.Context, endpoint string, req *VerifyRequest) *Attestation {
	delay := n.cfg.BackoffBase
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
		resp, err := n.querier.Verify(attemptCtx, endpoint, req)
		cancel()
		if err == nil && resp.Error == "" {
			att, aerr := resp.attestation()
			if aerr != nil {
				log.Warn().Err(aerr).Str("endpoint", endpoint).Msg("Discarding malformed attestation")
				return nil
			}
			return att
		}
		if err == nil {
			err = fmt.Errorf("validator error: %s", resp.Error)
		}
		log.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_attempts", n.cfg.MaxAttempts).
			Msg("Validator query failed")
		if attempt == n.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil
}

// verifyAggregated queries the single coordinator endpoint, whose response
// embeds a pre-aggregated tally. The embedded totals are reduced through
// the identical basis-point formula as direct mode.
func (n *Network) verifyAggregated(ctx context.Context, req *VerifyRequest) (*Result, error) {
	log.Info().
		Str("request_id", req.RequestID).
		Str("coordinator", n.cfg.Coordinator).
		Str("phase", Broadcasting.String()).
		Msg("Delegating proof verification to coordinator")

	var resp *VerifyResponse
	delay := n.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
		r, err := n.querier.Verify(attemptCtx, n.cfg.Coordinator, req)
		cancel()
		if err == nil {
			resp = r
			break
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Coordinator query failed")
		if attempt == n.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if resp == nil {
		// The coordinator is unreachable: nobody voted.
		log.Error().Err(lastErr).Msg("Coordinator unreachable, rejecting with no quorum")
		return decide(big.NewInt(0), big.NewInt(0), nil, n.cfg.ThresholdBps), nil
	}

	if !resp.Aggregated {
		// A bare response is one validator's vote, not a tally.
		att, err := resp.attestation()
		if err != nil {
			return nil, fmt.Errorf("malformed coordinator response: %v", err)
		}
		return Aggregate([]Attestation{*att}, n.cfg.ThresholdBps), nil
	}

	total, ok := new(big.Int).SetString(resp.TotalVotingPower, 10)
	if !ok {
		return nil, fmt.Errorf("invalid aggregated total voting power %q", resp.TotalVotingPower)
	}
	valid, ok := new(big.Int).SetString(resp.ValidVotingPower, 10)
	if !ok {
		return nil, fmt.Errorf("invalid aggregated valid voting power %q", resp.ValidVotingPower)
	}
	validSigs := make([]Attestation, 0, len(resp.Signatures))
	for i := range resp.Signatures {
		a := resp.Signatures[i]
		if err := a.normalize(); err != nil {
			return nil, fmt.Errorf("malformed aggregated signature: %v", err)
		}
		if a.Valid {
			validSigs = append(validSigs, a)
		}
	}
	res := decide(total, valid, validSigs, n.cfg.ThresholdBps)
	log.Info().
		Str("request_id", req.RequestID).
		Str("phase", res.Phase.String()).
		Str("total_power", total.String()).
		Str("valid_power", valid.String()).
		Msg("Aggregated consensus round finished")
	return res, nil
}
