package prover

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/field"
	"shieldrelay/pkg/note"
)

// InputBuilder converts heterogeneous transition data into canonical
// circuit inputs, enforcing the value-conservation and
// commitment-consistency invariants. By default it corrects inconsistent
// caller-supplied digests and change amounts rather than rejecting them,
// logging every correction; Strict mode rejects instead.
type InputBuilder struct {
	// Strict rejects inconsistent caller data instead of correcting it.
	Strict bool
	// DebugDir, when set, receives one JSON artifact per built input set
	// for post-mortem analysis on proof failure.
	DebugDir string
	// TreeDepth is the expected merkle path length.
	TreeDepth int
}

// NewInputBuilder returns a builder with the ledger's tree depth.
func NewInputBuilder(strict bool, debugDir string) *InputBuilder {
	return &InputBuilder{Strict: strict, DebugDir: debugDir, TreeDepth: 10}
}

type normalizedTransition struct {
	assetID, inputAmount, inputBlinding, ownerKey       *big.Int
	inputCommitment, inputNullifier                     *big.Int
	transferAmount, transferBlinding, transferRecipient *big.Int
	transferCommitment                                  *big.Int
	changeAmount, changeBlinding, changeCommitment      *big.Int
	protocolFee, gasRefund                              *big.Int
	merkleRoot                                          *big.Int
	merklePath                                          []*big.Int
}

// Build produces immutable circuit inputs or fails with ErrInvalidTransition.
func (b *InputBuilder) Build(data *TransitionData) (*CircuitInputs, error) {
	n, err := b.normalize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	if err := b.enforceConservation(n); err != nil {
		return nil, err
	}
	if err := b.enforceCommitments(n); err != nil {
		return nil, err
	}

	// Self-check the supplied path against the target root before paying
	// for proving. A mismatch is logged exhaustively but is non-fatal: the
	// backend's own constraint check is the authoritative gate.
	b.selfCheckMerklePath(n, data.LeafIndex)

	inputs := &CircuitInputs{
		MerkleRoot:           field.Decimal(n.merkleRoot),
		InputCommitment:      field.Decimal(n.inputCommitment),
		InputNullifier:       field.Decimal(n.inputNullifier),
		OwnerKey:             field.Decimal(n.ownerKey),
		AssetID:              field.Decimal(n.assetID),
		InputAmount:          field.Decimal(n.inputAmount),
		InputBlinding:        field.Decimal(n.inputBlinding),
		TransferAmount:       field.Decimal(n.transferAmount),
		TransferBlinding:     field.Decimal(n.transferBlinding),
		TransferRecipientKey: field.Decimal(n.transferRecipient),
		TransferCommitment:   field.Decimal(n.transferCommitment),
		ChangeAmount:         field.Decimal(n.changeAmount),
		ChangeBlinding:       field.Decimal(n.changeBlinding),
		ChangeCommitment:     field.Decimal(n.changeCommitment),
		ProtocolFee:          field.Decimal(n.protocolFee),
		GasRefund:            field.Decimal(n.gasRefund),
		LeafIndex:            fmt.Sprintf("%d", data.LeafIndex),
	}
	for i := 0; i < b.TreeDepth; i++ {
		inputs.MerklePath[i] = field.Decimal(n.merklePath[i])
		idx := 0
		if i < len(data.MerklePathIndices) {
			idx = data.MerklePathIndices[i]
		}
		if idx != 0 && idx != 1 {
			return nil, fmt.Errorf("%w: merkle path index %d at level %d is not a bit", ErrInvalidTransition, idx, i)
		}
		inputs.MerklePathIndices[i] = fmt.Sprintf("%d", idx)
	}
	// Unused levels of a shallower tree still need well-formed entries.
	for i := b.TreeDepth; i < len(inputs.MerklePath); i++ {
		inputs.MerklePath[i] = "0"
		inputs.MerklePathIndices[i] = "0"
	}

	b.writeDebugArtifact(data.Kind, inputs)
	return inputs, nil
}

func (b *InputBuilder) normalize(data *TransitionData) (*normalizedTransition, error) {
	n := &normalizedTransition{}
	fields := []struct {
		name string
		raw  interface{}
		dst  **big.Int
	}{
		{"assetId", data.AssetID, &n.assetID},
		{"inputAmount", data.InputAmount, &n.inputAmount},
		{"inputBlinding", data.InputBlinding, &n.inputBlinding},
		{"ownerKey", data.OwnerKey, &n.ownerKey},
		{"inputCommitment", data.InputCommitment, &n.inputCommitment},
		{"inputNullifier", data.InputNullifier, &n.inputNullifier},
		{"transferAmount", data.TransferAmount, &n.transferAmount},
		{"transferBlinding", data.TransferBlinding, &n.transferBlinding},
		{"transferRecipientKey", data.TransferRecipientKey, &n.transferRecipient},
		{"transferCommitment", data.TransferCommitment, &n.transferCommitment},
		{"changeAmount", data.ChangeAmount, &n.changeAmount},
		{"changeBlinding", data.ChangeBlinding, &n.changeBlinding},
		{"changeCommitment", data.ChangeCommitment, &n.changeCommitment},
		{"protocolFee", data.ProtocolFee, &n.protocolFee},
		{"gasRefund", data.GasRefund, &n.gasRefund},
		{"merkleRoot", data.MerkleRoot, &n.merkleRoot},
	}
	for _, f := range fields {
		v, err := field.FromAny(f.raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %v", f.name, err)
		}
		*f.dst = v
	}
	if len(data.MerklePath) != b.TreeDepth {
		return nil, fmt.Errorf("merkle path has %d levels, want %d", len(data.MerklePath), b.TreeDepth)
	}
	n.merklePath = make([]*big.Int, b.TreeDepth)
	for i, raw := range data.MerklePath {
		v, err := field.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("merkle path level %d: %v", i, err)
		}
		n.merklePath[i] = v
	}
	return n, nil
}

// enforceConservation checks changeAmount = inputAmount - transferAmount -
// protocolFee - gasRefund, recomputing the change on violation (or
// rejecting in strict mode). A transition whose outflows exceed the input
// cannot be corrected and is always rejected.
func (b *InputBuilder) enforceConservation(n *normalizedTransition) error {
	outflow := new(big.Int).Add(n.transferAmount, n.protocolFee)
	outflow.Add(outflow, n.gasRefund)
	expected := new(big.Int).Sub(n.inputAmount, outflow)
	if expected.Sign() < 0 {
		return fmt.Errorf("%w: outflows %s exceed input amount %s", ErrInvalidTransition, outflow, n.inputAmount)
	}
	if n.changeAmount.Cmp(expected) == 0 {
		return nil
	}
	if b.Strict {
		return fmt.Errorf("%w: change amount %s violates conservation, expected %s", ErrInvalidTransition, n.changeAmount, expected)
	}
	log.Warn().
		Str("declared_change", n.changeAmount.String()).
		Str("recomputed_change", expected.String()).
		Str("input_amount", n.inputAmount.String()).
		Str("transfer_amount", n.transferAmount.String()).
		Str("protocol_fee", n.protocolFee.String()).
		Str("gas_refund", n.gasRefund.String()).
		Msg("Correcting change amount to restore value conservation")
	n.changeAmount = expected
	// The declared change commitment was derived from the bad amount;
	// force a recompute below.
	n.changeCommitment = big.NewInt(0)
	return nil
}

// enforceCommitments recomputes every digest from its own declared fields
// and overwrites inconsistent caller values (or rejects in strict mode).
func (b *InputBuilder) enforceCommitments(n *normalizedTransition) error {
	inputNote := &note.Note{AssetID: n.assetID, Amount: n.inputAmount, Blinding: n.inputBlinding, OwnerKey: n.ownerKey}
	if err := b.reconcile("inputCommitment", &n.inputCommitment, inputNote.Commitment); err != nil {
		return err
	}
	if err := b.reconcile("inputNullifier", &n.inputNullifier, func() (*big.Int, error) {
		return note.NullifierFor(n.inputCommitment, n.ownerKey)
	}); err != nil {
		return err
	}
	transferNote := &note.Note{AssetID: n.assetID, Amount: n.transferAmount, Blinding: n.transferBlinding, OwnerKey: n.transferRecipient}
	if err := b.reconcile("transferCommitment", &n.transferCommitment, transferNote.Commitment); err != nil {
		return err
	}
	changeNote := &note.Note{AssetID: n.assetID, Amount: n.changeAmount, Blinding: n.changeBlinding, OwnerKey: n.ownerKey}
	return b.reconcile("changeCommitment", &n.changeCommitment, changeNote.Commitment)
}

func (b *InputBuilder) reconcile(name string, declared **big.Int, recompute func() (*big.Int, error)) error {
	want, err := recompute()
	if err != nil {
		return fmt.Errorf("%w: failed to recompute %s: %v", ErrInvalidTransition, name, err)
	}
	if (*declared).Cmp(want) == 0 {
		return nil
	}
	if b.Strict {
		return fmt.Errorf("%w: declared %s %s does not match recomputed %s", ErrInvalidTransition, name, *declared, want)
	}
	log.Warn().
		Str("field", name).
		Str("declared", (*declared).String()).
		Str("recomputed", want.String()).
		Msg("Overwriting inconsistent caller-supplied digest")
	*declared = want
	return nil
}

// selfCheckMerklePath recombines the input commitment through the supplied
// path with the ledger's combination rule and compares against the target
// root, logging every per-level intermediate on mismatch.
func (b *InputBuilder) selfCheckMerklePath(n *normalizedTransition, leafIndex uint64) {
	current := new(big.Int).Set(n.inputCommitment)
	intermediates := make([]string, 0, b.TreeDepth+1)
	intermediates = append(intermediates, current.String())
	pos := leafIndex
	for i := 0; i < b.TreeDepth; i++ {
		var (
			next *big.Int
			err  error
		)
		if pos%2 == 0 {
			next, err = note.Hash2(current, n.merklePath[i])
		} else {
			next, err = note.Hash2(n.merklePath[i], current)
		}
		if err != nil {
			log.Error().Err(err).Int("level", i).Msg("Merkle self-check hash failed")
			return
		}
		current = next
		intermediates = append(intermediates, current.String())
		pos /= 2
	}
	if current.Cmp(n.merkleRoot) != 0 {
		log.Warn().
			Uint64("leaf_index", leafIndex).
			Str("recomputed_root", current.String()).
			Str("target_root", n.merkleRoot.String()).
			Strs("intermediates", intermediates).
			Msg("Merkle path self-check failed; proceeding, backend constraint check is authoritative")
	}
}

func (b *InputBuilder) writeDebugArtifact(kind ProofKind, inputs *CircuitInputs) {
	if b.DebugDir == "" {
		return
	}
	data, err := inputs.JSON()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal circuit inputs for debug artifact")
		return
	}
	if err := os.MkdirAll(b.DebugDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", b.DebugDir).Msg("Failed to create debug artifact directory")
		return
	}
	name := fmt.Sprintf("%s-inputs-%d.json", kind, time.Now().UnixNano())
	path := filepath.Join(b.DebugDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to write debug artifact")
		return
	}
	log.Debug().Str("path", path).Msg("Persisted circuit input artifact")
}
