package consensus

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func att(validator string, power int64, valid bool) Attestation {
	return Attestation{
		Validator:      validator,
		VotingPowerStr: big.NewInt(power).String(),
		Signature:      "0xsig-" + validator,
		Valid:          valid,
		Timestamp:      1700000000,
	}
}

func TestMeetsThreshold(t *testing.T) {
	// 200 of 400 is 50%, below the 66% default.
	require.False(t, MeetsThreshold(big.NewInt(200), big.NewInt(400), DefaultThresholdBps))
	// 300 of 400 is 75%.
	require.True(t, MeetsThreshold(big.NewInt(300), big.NewInt(400), DefaultThresholdBps))
	// Exact boundary: 66 of 100 at 6600 bps.
	require.True(t, MeetsThreshold(big.NewInt(66), big.NewInt(100), DefaultThresholdBps))
	require.False(t, MeetsThreshold(big.NewInt(65), big.NewInt(100), DefaultThresholdBps))
	// Zero total never passes.
	require.False(t, MeetsThreshold(big.NewInt(0), big.NewInt(0), DefaultThresholdBps))
	require.False(t, MeetsThreshold(big.NewInt(0), nil, DefaultThresholdBps))
}

func TestAggregateBelowThreshold(t *testing.T) {
	res := Aggregate([]Attestation{
		att("a", 100, true),
		att("b", 100, true),
		att("c", 200, false),
	}, DefaultThresholdBps)

	require.False(t, res.Accepted)
	require.Equal(t, ThresholdNotMet, res.Phase)
	require.Equal(t, ReasonThresholdNotMet, res.Reason)
	require.Equal(t, int64(400), res.TotalVotingPower.Int64())
	require.Equal(t, int64(200), res.ValidVotingPower.Int64())
	require.Empty(t, res.Signatures)
}

func TestAggregateAboveThreshold(t *testing.T) {
	res := Aggregate([]Attestation{
		att("a", 100, true),
		att("b", 100, false),
		att("c", 200, true),
	}, DefaultThresholdBps)

	require.True(t, res.Accepted)
	require.Equal(t, ThresholdMet, res.Phase)
	require.Equal(t, int64(300), res.ValidVotingPower.Int64())
	// Only yes votes become on-chain signatures.
	require.Len(t, res.Signatures, 2)
	for _, sig := range res.Signatures {
		require.True(t, sig.Valid)
	}
}

func TestAggregateNoQuorum(t *testing.T) {
	res := Aggregate(nil, DefaultThresholdBps)
	require.False(t, res.Accepted)
	require.Equal(t, NoQuorum, res.Phase)
	require.Equal(t, ReasonNoQuorum, res.Reason)
}

func TestAggregateNonRespondersAbsent(t *testing.T) {
	// A single responder carries the whole responding power.
	res := Aggregate([]Attestation{att("a", 100, true)}, DefaultThresholdBps)
	require.True(t, res.Accepted)
	require.Equal(t, int64(100), res.TotalVotingPower.Int64())
}

func TestAggregateSkipsMalformedPower(t *testing.T) {
	bad := att("a", 100, true)
	bad.VotingPowerStr = "not-a-number"
	res := Aggregate([]Attestation{bad, att("b", 50, true)}, DefaultThresholdBps)
	require.Equal(t, int64(50), res.TotalVotingPower.Int64())
}

func TestResponseToAttestation(t *testing.T) {
	resp := &VerifyResponse{
		RequestID:   "r1",
		Valid:       true,
		Validator:   "0xabc",
		VotingPower: "250",
		Signature:   "0xsig",
	}
	a, err := resp.attestation()
	require.NoError(t, err)
	require.Equal(t, int64(250), a.VotingPower.Int64())
	require.NotZero(t, a.Timestamp)

	resp.VotingPower = "bogus"
	_, err = resp.attestation()
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "THRESHOLD_MET", ThresholdMet.String())
	require.Equal(t, "NO_QUORUM", NoQuorum.String())
	require.Equal(t, "Unknown", Phase(99).String())
}
