package prover

import (
	"encoding/json"
	"fmt"
)

// ProofKind selects the circuit artifacts and the statistics bucket.
type ProofKind string

const (
	KindSwap      ProofKind = "swap"
	KindWithdraw  ProofKind = "withdraw"
	KindPortfolio ProofKind = "portfolio"
)

// ErrInvalidTransition marks transition data whose conservation or
// commitment invariants cannot be satisfied even after best-effort
// correction.
var ErrInvalidTransition = fmt.Errorf("invalid transition")

// GenerationError is returned once every proving backend has been
// exhausted. Attempts preserves the per-backend failure chain.
type GenerationError struct {
	Kind     ProofKind
	Attempts []string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("all proving backends exhausted for %s proof: %v", e.Kind, e.Attempts)
}

// TransitionData is the heterogeneous caller-supplied description of a
// private balance transition. Numeric fields accept decimal strings,
// 0x-prefixed hex strings, comma-separated byte lists, []byte or *big.Int;
// the input builder normalizes them once at the boundary.
type TransitionData struct {
	Kind ProofKind

	AssetID       interface{}
	InputAmount   interface{}
	InputBlinding interface{}
	OwnerKey      interface{}

	// Declared digests, recomputed and overwritten when inconsistent.
	InputCommitment interface{}
	InputNullifier  interface{}

	TransferAmount       interface{}
	TransferBlinding     interface{}
	TransferRecipientKey interface{}
	TransferCommitment   interface{}

	ChangeAmount     interface{}
	ChangeBlinding   interface{}
	ChangeCommitment interface{}

	ProtocolFee interface{}
	GasRefund   interface{}

	LeafIndex         uint64
	MerkleRoot        interface{}
	MerklePath        []interface{}
	MerklePathIndices []int
}

// CircuitInputs is the flat, canonicalized record handed to the proving
// backends. Every scalar is a field-element decimal string. Built once per
// proof request and immutable thereafter.
type CircuitInputs struct {
	MerkleRoot      string `json:"merkleRoot"`
	InputCommitment string `json:"inputCommitment"`
	InputNullifier  string `json:"inputNullifier"`
	OwnerKey        string `json:"ownerKey"`
	AssetID         string `json:"assetId"`

	InputAmount   string `json:"inputAmount"`
	InputBlinding string `json:"inputBlinding"`

	TransferAmount       string `json:"transferAmount"`
	TransferBlinding     string `json:"transferBlinding"`
	TransferRecipientKey string `json:"transferRecipientKey"`
	TransferCommitment   string `json:"transferCommitment"`

	ChangeAmount     string `json:"changeAmount"`
	ChangeBlinding   string `json:"changeBlinding"`
	ChangeCommitment string `json:"changeCommitment"`

	ProtocolFee string `json:"protocolFee"`
	GasRefund   string `json:"gasRefund"`

	LeafIndex         string     `json:"leafIndex"`
	MerklePath        [10]string `json:"merklePath"`
	MerklePathIndices [10]string `json:"merklePathIndices"`
}

// MarshalJSON output doubles as the witness-generator input file and the
// post-mortem debug artifact.
func (c *CircuitInputs) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Proof is the canonical internal Groth16 proof representation: three G1/G2
// points as decimal coordinate strings, in the proving library's native
// ordering. Heterogeneous wire encodings are normalized into it exactly
// once, at ParseProof.
type Proof struct {
	PiA      [3]string    `json:"pi_a"`
	PiB      [3][2]string `json:"pi_b"`
	PiC      [3]string    `json:"pi_c"`
	Protocol string       `json:"protocol"`
}

// looseProof accepts both field-name conventions seen on the wire
// (pi_a/pi_b/pi_c and a/b/c).
type looseProof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	A        []string   `json:"a"`
	B        [][]string `json:"b"`
	C        []string   `json:"c"`
	Protocol string     `json:"protocol"`
}

// ParseProof normalizes a wire-encoded proof into the canonical internal
// representation, accepting either naming convention.
func ParseProof(data []byte) (*Proof, error) {
	var raw looseProof
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proof: %v", err)
	}
	a, b, c := raw.PiA, raw.PiB, raw.PiC
	if len(a) == 0 && len(raw.A) > 0 {
		a, b, c = raw.A, raw.B, raw.C
	}
	if len(a) < 2 || len(b) < 2 || len(c) < 2 {
		return nil, fmt.Errorf("proof is missing curve points")
	}
	p := &Proof{Protocol: raw.Protocol}
	if p.Protocol == "" {
		p.Protocol = "groth16"
	}
	copyPoint := func(dst *[3]string, src []string) {
		dst[2] = "1"
		for i := 0; i < len(src) && i < 3; i++ {
			dst[i] = src[i]
		}
	}
	copyPoint(&p.PiA, a)
	copyPoint(&p.PiC, c)
	p.PiB[2] = [2]string{"1", "0"}
	for i := 0; i < len(b) && i < 3; i++ {
		for j := 0; j < len(b[i]) && j < 2; j++ {
			p.PiB[i][j] = b[i][j]
		}
	}
	return p, nil
}

// Result is the outcome of a successful proving run. Proof is set by the
// circom-compatible backends; the local development backend emits
// RawProof/RawPublic in the proving library's own serialization instead.
type Result struct {
	Proof         *Proof
	RawProof      []byte
	RawPublic     []byte
	PublicSignals []string
	Backend       string
	ElapsedMs     int64
}

// Submittable reports whether the proof can be encoded for on-chain
// submission.
func (r *Result) Submittable() bool {
	return r.Proof != nil
}
