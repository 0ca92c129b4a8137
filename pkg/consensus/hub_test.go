package consensus

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticStake struct {
	stakes map[string]*big.Int
	min    *big.Int
}

func (s *staticStake) StakeOf(ctx context.Context, address string) (*big.Int, error) {
	if v, ok := s.stakes[address]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (s *staticStake) MinStake(ctx context.Context) (*big.Int, error) {
	return s.min, nil
}

func testHub() *Hub {
	return NewHub(&staticStake{
		stakes: map[string]*big.Int{
			"0xstaked": big.NewInt(500),
			"0xsmall":  big.NewInt(5),
		},
		min: big.NewInt(100),
	}, DefaultThresholdBps, 100*time.Millisecond)
}

func TestHubRegisterEnforcesMinStake(t *testing.T) {
	h := testHub()

	session, err := h.register(context.Background(), nil, "0xstaked")
	require.NoError(t, err)
	require.Equal(t, int64(500), session.votingPower.Int64())

	_, err = h.register(context.Background(), nil, "0xsmall")
	require.Error(t, err)
	require.Contains(t, err.Error(), "below minimum")

	_, err = h.register(context.Background(), nil, "0xunknown")
	require.Error(t, err)

	_, err = h.register(context.Background(), nil, "")
	require.Error(t, err)
}

func TestHubVerifyWithoutValidators(t *testing.T) {
	h := testHub()

	resp := h.Verify(context.Background(), &VerifyRequest{RequestID: "r1"})
	require.True(t, resp.Aggregated)
	require.Equal(t, "r1", resp.RequestID)
	require.Equal(t, "0", resp.TotalVotingPower)
	require.Equal(t, "0", resp.ValidVotingPower)
	require.False(t, resp.Valid)
}

func TestHubRouteDropsUnknownRequest(t *testing.T) {
	h := testHub()
	// Must not panic or block on a response nobody is waiting for.
	h.route(&VerifyResponse{RequestID: "ghost"})
}

func TestHubDefaults(t *testing.T) {
	h := NewHub(&staticStake{min: big.NewInt(0)}, 0, 0)
	require.Equal(t, int64(DefaultThresholdBps), h.thresholdBps)
	require.Equal(t, 15*time.Second, h.collectWait)
}
