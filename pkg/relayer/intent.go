package relayer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"shieldrelay/pkg/prover"
)

// intentDomain separates intent digests from any other signed payloads.
const intentDomain = "shieldrelay.intent.v1"

// TransitionRequest is the wire form of a transition. Every scalar is a
// string; decimal, 0x hex and comma-separated byte encodings are all
// accepted downstream.
type TransitionRequest struct {
	AssetID       string `json:"assetId"`
	InputAmount   string `json:"inputAmount"`
	InputBlinding string `json:"inputBlinding"`
	OwnerKey      string `json:"ownerKey"`

	InputCommitment string `json:"inputCommitment,omitempty"`
	InputNullifier  string `json:"inputNullifier,omitempty"`

	TransferAmount       string `json:"transferAmount"`
	TransferBlinding     string `json:"transferBlinding"`
	TransferRecipientKey string `json:"transferRecipientKey"`
	TransferCommitment   string `json:"transferCommitment,omitempty"`

	ChangeAmount     string `json:"changeAmount"`
	ChangeBlinding   string `json:"changeBlinding"`
	ChangeCommitment string `json:"changeCommitment,omitempty"`

	ProtocolFee string `json:"protocolFee"`
	GasRefund   string `json:"gasRefund"`

	LeafIndex uint64 `json:"leafIndex"`

	// Recipient is the payout address for withdraw intents.
	Recipient string `json:"recipient,omitempty"`
}

// IntentRequest is a user's signed settlement request.
type IntentRequest struct {
	Kind       prover.ProofKind  `json:"kind"`
	Sender     string            `json:"sender"`
	Transition TransitionRequest `json:"transition"`
	Signature  string            `json:"signature"`
}

// Digest computes the domain-separated hash the sender signs.
func (r *IntentRequest) Digest() ([]byte, error) {
	payload, err := json.Marshal(&r.Transition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transition: %v", err)
	}
	inner := crypto.Keccak256(
		[]byte(intentDomain),
		[]byte(r.Kind),
		[]byte(strings.ToLower(r.Sender)),
		payload,
	)
	// Personal-sign envelope, so wallets can produce the signature.
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256([]byte(prefix), inner), nil
}

// RecoverSender checks the signature and returns the recovered address.
// The recovered address must equal the declared sender.
func (r *IntentRequest) RecoverSender() (common.Address, error) {
	digest, err := r.Digest()
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(r.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %v", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature has %d bytes, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), r.Sender) {
		return common.Address{}, fmt.Errorf("signature by %s, intent claims %s", recovered.Hex(), r.Sender)
	}
	return recovered, nil
}

// transitionData converts the wire transition into the prover's form. The
// merkle root and path are filled later from the rebuilt accumulator.
func (r *IntentRequest) transitionData() *prover.TransitionData {
	t := &r.Transition
	return &prover.TransitionData{
		Kind:                 r.Kind,
		AssetID:              t.AssetID,
		InputAmount:          t.InputAmount,
		InputBlinding:        t.InputBlinding,
		OwnerKey:             t.OwnerKey,
		InputCommitment:      t.InputCommitment,
		InputNullifier:       t.InputNullifier,
		TransferAmount:       t.TransferAmount,
		TransferBlinding:     t.TransferBlinding,
		TransferRecipientKey: t.TransferRecipientKey,
		TransferCommitment:   t.TransferCommitment,
		ChangeAmount:         t.ChangeAmount,
		ChangeBlinding:       t.ChangeBlinding,
		ChangeCommitment:     t.ChangeCommitment,
		ProtocolFee:          t.ProtocolFee,
		GasRefund:            t.GasRefund,
		LeafIndex:            t.LeafIndex,
	}
}
