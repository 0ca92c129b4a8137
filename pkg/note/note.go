package note

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"

	"shieldrelay/pkg/field"
)

// ErrCommitmentMismatch is returned when a note's declared commitment or
// nullifier does not match the value recomputed from its own fields.
var ErrCommitmentMismatch = fmt.Errorf("note commitment mismatch")

// Note is a private balance fragment. Commitment and nullifier are always
// recomputable from the remaining fields.
type Note struct {
	AssetID  *big.Int
	Amount   *big.Int
	Blinding *big.Int
	OwnerKey *big.Int
}

// Hash2 is the fixed-arity compression function shared by commitments,
// nullifiers and Merkle node hashing. It must match the on-chain Poseidon
// instance exactly.
func Hash2(left, right *big.Int) (*big.Int, error) {
	return poseidon.Hash([]*big.Int{field.Normalize(left), field.Normalize(right)})
}

// Commitment derives H(H(H(assetId, amount), blinding), ownerKey).
func (n *Note) Commitment() (*big.Int, error) {
	h, err := Hash2(n.AssetID, n.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to hash asset and amount: %v", err)
	}
	h, err = Hash2(h, n.Blinding)
	if err != nil {
		return nil, fmt.Errorf("failed to hash blinding factor: %v", err)
	}
	h, err = Hash2(h, n.OwnerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to hash owner key: %v", err)
	}
	return h, nil
}

// Nullifier derives H(commitment, ownerKey) for a spent note.
func (n *Note) Nullifier() (*big.Int, error) {
	c, err := n.Commitment()
	if err != nil {
		return nil, err
	}
	return Hash2(c, n.OwnerKey)
}

// NullifierFor derives the nullifier for an already-known commitment.
func NullifierFor(commitment, ownerKey *big.Int) (*big.Int, error) {
	return Hash2(commitment, ownerKey)
}

// VerifyCommitment recomputes the commitment and compares it against the
// declared value. A mismatch is a hard validation failure.
func (n *Note) VerifyCommitment(declared *big.Int) error {
	c, err := n.Commitment()
	if err != nil {
		return err
	}
	if c.Cmp(field.Normalize(declared)) != 0 {
		return fmt.Errorf("%w: declared %s, recomputed %s", ErrCommitmentMismatch, declared.String(), c.String())
	}
	return nil
}

// VerifyNullifier recomputes the nullifier and compares it against the
// declared value.
func (n *Note) VerifyNullifier(declared *big.Int) error {
	nf, err := n.Nullifier()
	if err != nil {
		return err
	}
	if nf.Cmp(field.Normalize(declared)) != 0 {
		return fmt.Errorf("%w: declared nullifier %s, recomputed %s", ErrCommitmentMismatch, declared.String(), nf.String())
	}
	return nil
}
