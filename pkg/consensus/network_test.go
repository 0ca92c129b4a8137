package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldrelay/pkg/prover"
)

// fakeQuerier routes each endpoint to a scripted response or error and
// counts attempts per endpoint.
type fakeQuerier struct {
	mu        sync.Mutex
	responses map[string]*VerifyResponse
	errors    map[string]error
	attempts  map[string]int
	times     map[string][]time.Time
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		responses: make(map[string]*VerifyResponse),
		errors:    make(map[string]error),
		attempts:  make(map[string]int),
		times:     make(map[string][]time.Time),
	}
}

func (f *fakeQuerier) Verify(ctx context.Context, endpoint string, req *VerifyRequest) (*VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[endpoint]++
	f.times[endpoint] = append(f.times[endpoint], time.Now())
	if err, ok := f.errors[endpoint]; ok {
		return nil, err
	}
	resp := *f.responses[endpoint]
	resp.RequestID = req.RequestID
	return &resp, nil
}

func (f *fakeQuerier) attemptCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[endpoint]
}

func (f *fakeQuerier) attemptTimes(endpoint string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times[endpoint]...)
}

func testConfig(endpoints ...string) Config {
	return Config{
		Endpoints:    endpoints,
		ThresholdBps: DefaultThresholdBps,
		QueryTimeout: time.Second,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
	}
}

func vote(validator, power string, valid bool) *VerifyResponse {
	return &VerifyResponse{Validator: validator, VotingPower: power, Signature: "0xsig", Valid: valid}
}

func TestVerifyProofDirectAccepted(t *testing.T) {
	q := newFakeQuerier()
	q.responses["v1"] = vote("0xa", "100", true)
	q.responses["v2"] = vote("0xb", "100", false)
	q.responses["v3"] = vote("0xc", "200", true)

	n, err := NewNetwork(testConfig("v1", "v2", "v3"), q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, []string{"1"})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, int64(400), res.TotalVotingPower.Int64())
	require.Equal(t, int64(300), res.ValidVotingPower.Int64())
	require.Len(t, res.Signatures, 2)
}

func TestVerifyProofDeadValidatorExcluded(t *testing.T) {
	q := newFakeQuerier()
	q.responses["v1"] = vote("0xa", "100", true)
	q.errors["v2"] = fmt.Errorf("connection refused")

	n, err := NewNetwork(testConfig("v1", "v2"), q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	// The dead validator contributes nothing either way.
	require.True(t, res.Accepted)
	require.Equal(t, int64(100), res.TotalVotingPower.Int64())
	// And was retried exactly up to the bound.
	require.Equal(t, 3, q.attemptCount("v2"))
	require.Equal(t, 1, q.attemptCount("v1"))
}

func TestVerifyProofAllDeadNoQuorum(t *testing.T) {
	q := newFakeQuerier()
	q.errors["v1"] = fmt.Errorf("timeout")

	n, err := NewNetwork(testConfig("v1"), q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, NoQuorum, res.Phase)
}

func TestVerifyProofNoEndpoints(t *testing.T) {
	n, err := NewNetwork(testConfig(), newFakeQuerier())
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	require.Equal(t, NoQuorum, res.Phase)
}

func TestVerifyProofValidatorErrorRetried(t *testing.T) {
	q := newFakeQuerier()
	q.responses["v1"] = &VerifyResponse{Error: "verification unavailable"}

	n, err := NewNetwork(testConfig("v1"), q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	require.Equal(t, NoQuorum, res.Phase)
	require.Equal(t, 3, q.attemptCount("v1"))
}

func TestRetryDelaysStrictlyIncrease(t *testing.T) {
	q := newFakeQuerier()
	q.errors["v1"] = fmt.Errorf("connection refused")

	cfg := testConfig("v1")
	// A base large enough that doubling dominates scheduler jitter.
	cfg.BackoffBase = 40 * time.Millisecond
	n, err := NewNetwork(cfg, q)
	require.NoError(t, err)

	_, err = n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)

	stamps := q.attemptTimes("v1")
	require.Len(t, stamps, 3)
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	require.GreaterOrEqual(t, first, 40*time.Millisecond)
	require.Greater(t, second, first)
}

func TestVerifyProofAggregatedMatchesDirect(t *testing.T) {
	q := newFakeQuerier()
	q.responses["coord"] = &VerifyResponse{
		Aggregated:       true,
		TotalVotingPower: "400",
		ValidVotingPower: "300",
		Signatures: []Attestation{
			att("a", 100, true),
			att("c", 200, true),
		},
	}

	cfg := testConfig()
	cfg.Coordinator = "coord"
	n, err := NewNetwork(cfg, q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)

	direct := Aggregate([]Attestation{
		att("a", 100, true),
		att("b", 100, false),
		att("c", 200, true),
	}, DefaultThresholdBps)

	require.Equal(t, direct.Accepted, res.Accepted)
	require.Equal(t, direct.Phase, res.Phase)
	require.Equal(t, 0, direct.TotalVotingPower.Cmp(res.TotalVotingPower))
	require.Equal(t, 0, direct.ValidVotingPower.Cmp(res.ValidVotingPower))
}

func TestVerifyProofCoordinatorUnreachable(t *testing.T) {
	q := newFakeQuerier()
	q.errors["coord"] = fmt.Errorf("dial failed")

	cfg := testConfig()
	cfg.Coordinator = "coord"
	n, err := NewNetwork(cfg, q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	require.Equal(t, NoQuorum, res.Phase)
	require.Equal(t, 3, q.attemptCount("coord"))
}

func TestVerifyProofBareCoordinatorResponseIsOneVote(t *testing.T) {
	q := newFakeQuerier()
	q.responses["coord"] = vote("0xa", "100", true)

	cfg := testConfig()
	cfg.Coordinator = "coord"
	n, err := NewNetwork(cfg, q)
	require.NoError(t, err)

	res, err := n.VerifyProof(context.Background(), &prover.Proof{}, nil)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, int64(100), res.TotalVotingPower.Int64())
}

func TestNewNetworkRejectsBadThreshold(t *testing.T) {
	cfg := testConfig("v1")
	cfg.ThresholdBps = 0
	_, err := NewNetwork(cfg, newFakeQuerier())
	require.Error(t, err)

	cfg.ThresholdBps = 10001
	_, err = NewNetwork(cfg, newFakeQuerier())
	require.Error(t, err)
}
