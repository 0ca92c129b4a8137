package consensus

import (
	"fmt"
	"math/big"
	"time"

	"shieldrelay/pkg/prover"
)

// Phase tracks a verification request through the consensus state machine.
type Phase int

const (
	Broadcasting Phase = iota
	Collecting
	ThresholdMet
	ThresholdNotMet
	NoQuorum
)

func (p Phase) String() string {
	switch p {
	case Broadcasting:
		return "BROADCASTING"
	case Collecting:
		return "COLLECTING"
	case ThresholdMet:
		return "THRESHOLD_MET"
	case ThresholdNotMet:
		return "THRESHOLD_NOT_MET"
	case NoQuorum:
		return "NO_QUORUM"
	default:
		return "Unknown"
	}
}

// Rejection reasons surfaced to the caller.
const (
	ReasonNoQuorum        = "NoQuorum"
	ReasonThresholdNotMet = "ThresholdNotMet"
)

// DefaultThresholdBps is the default acceptance threshold: 66% of the
// responding voting power, expressed in basis points.
const DefaultThresholdBps = 6600

// Attestation is one validator's signed validity statement. It is created
// by the validator, consumed exactly once by the aggregator and never
// mutated.
type Attestation struct {
	Validator   string   `json:"validator"`
	VotingPower *big.Int `json:"-"`
	// VotingPowerStr carries the power on the wire as a decimal string.
	VotingPowerStr string `json:"votingPower"`
	Signature      string `json:"signature"`
	Valid          bool   `json:"valid"`
	Timestamp      int64  `json:"timestamp"`
}

// normalize fills VotingPower from its wire form.
func (a *Attestation) normalize() error {
	if a.VotingPower != nil {
		return nil
	}
	if a.VotingPowerStr == "" {
		a.VotingPower = big.NewInt(0)
		return nil
	}
	p, ok := new(big.Int).SetString(a.VotingPowerStr, 10)
	if !ok {
		return fmt.Errorf("invalid voting power %q from validator %s", a.VotingPowerStr, a.Validator)
	}
	a.VotingPower = p
	return nil
}

// Result is the stake-weighted threshold decision for one proof. Only the
// attestations that voted valid are carried upward; they become the
// on-chain validation signatures.
type Result struct {
	Accepted         bool
	Phase            Phase
	Signatures       []Attestation
	TotalVotingPower *big.Int
	ValidVotingPower *big.Int
	Reason           string
}

// VerifyRequest is the broadcast payload.
type VerifyRequest struct {
	RequestID    string        `json:"requestId"`
	Proof        *prover.Proof `json:"proof"`
	PublicInputs []string      `json:"publicInputs"`
}

// VerifyResponse is a single validator's answer, or, when Aggregated is
// set, a coordinator's pre-aggregated tally that must be special-cased by
// the aggregator rather than treated as one validator's vote.
type VerifyResponse struct {
	RequestID   string `json:"requestId"`
	Valid       bool   `json:"valid"`
	Validator   string `json:"validator"`
	VotingPower string `json:"votingPower"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`

	Aggregated       bool          `json:"aggregated,omitempty"`
	TotalVotingPower string        `json:"totalVotingPower,omitempty"`
	ValidVotingPower string        `json:"validVotingPower,omitempty"`
	Signatures       []Attestation `json:"signatures,omitempty"`

	Error string `json:"error,omitempty"`
}

// attestation converts a direct-mode response into an attestation.
func (r *VerifyResponse) attestation() (*Attestation, error) {
	a := &Attestation{
		Validator:      r.Validator,
		VotingPowerStr: r.VotingPower,
		Signature:      r.Signature,
		Valid:          r.Valid,
		Timestamp:      r.Timestamp,
	}
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().Unix()
	}
	if err := a.normalize(); err != nil {
		return nil, err
	}
	return a, nil
}

// MeetsThreshold applies the basis-point acceptance rule:
// valid*10000 >= total*thresholdBps. Zero total power never meets the
// threshold.
func MeetsThreshold(valid, total *big.Int, thresholdBps int64) bool {
	if total == nil || total.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(valid, big.NewInt(10000))
	rhs := new(big.Int).Mul(total, big.NewInt(thresholdBps))
	return lhs.Cmp(rhs) >= 0
}

// Aggregate reduces a set of attestations to the threshold decision.
// Validators that never responded are simply absent: they contribute zero
// voting power and zero vote.
func Aggregate(attestations []Attestation, thresholdBps int64) *Result {
	total := big.NewInt(0)
	valid := big.NewInt(0)
	validSigs := []Attestation{}
	for i := range attestations {
		a := attestations[i]
		if err := a.normalize(); err != nil || a.VotingPower == nil {
			continue
		}
		total.Add(total, a.VotingPower)
		if a.Valid {
			valid.Add(valid, a.VotingPower)
			validSigs = append(validSigs, a)
		}
	}
	return decide(total, valid, validSigs, thresholdBps)
}

func decide(total, valid *big.Int, validSigs []Attestation, thresholdBps int64) *Result {
	res := &Result{
		TotalVotingPower: total,
		ValidVotingPower: valid,
	}
	if total.Sign() == 0 {
		res.Phase = NoQuorum
		res.Reason = ReasonNoQuorum
		return res
	}
	if MeetsThreshold(valid, total, thresholdBps) {
		res.Accepted = true
		res.Phase = ThresholdMet
		res.Signatures = validSigs
		return res
	}
	res.Phase = ThresholdNotMet
	res.Reason = ReasonThresholdNotMet
	return res
}
