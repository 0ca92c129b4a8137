package note

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldrelay/pkg/field"
)

func testNote() *Note {
	return &Note{
		AssetID:  big.NewInt(1),
		Amount:   big.NewInt(1000),
		Blinding: big.NewInt(42),
		OwnerKey: big.NewInt(777),
	}
}

func TestCommitmentIsDeterministic(t *testing.T) {
	a, err := testNote().Commitment()
	require.NoError(t, err)
	b, err := testNote().Commitment()
	require.NoError(t, err)
	require.Equal(t, 0, a.Cmp(b))
}

func TestCommitmentAgreesAcrossEncodings(t *testing.T) {
	// The same note described with hex and byte-list scalars must hash
	// identically once normalized at the boundary.
	fromHex := func(s string) *big.Int {
		v, err := field.FromAny(s)
		require.NoError(t, err)
		return v
	}
	alt := &Note{
		AssetID:  fromHex("0x1"),
		Amount:   fromHex("0x3e8"),
		Blinding: fromHex("42"),
		OwnerKey: fromHex("3,9"), // 3*256 + 9 = 777
	}
	want, err := testNote().Commitment()
	require.NoError(t, err)
	got, err := alt.Commitment()
	require.NoError(t, err)
	require.Equal(t, 0, want.Cmp(got))
}

func TestCommitmentSensitivity(t *testing.T) {
	base, err := testNote().Commitment()
	require.NoError(t, err)

	changed := testNote()
	changed.Amount = big.NewInt(1001)
	other, err := changed.Commitment()
	require.NoError(t, err)
	require.NotEqual(t, 0, base.Cmp(other))
}

func TestNullifierBindsCommitmentAndOwner(t *testing.T) {
	n := testNote()
	nf1, err := n.Nullifier()
	require.NoError(t, err)

	commitment, err := n.Commitment()
	require.NoError(t, err)
	nf2, err := NullifierFor(commitment, n.OwnerKey)
	require.NoError(t, err)
	require.Equal(t, 0, nf1.Cmp(nf2))

	// Different owner, same commitment: different nullifier.
	nf3, err := NullifierFor(commitment, big.NewInt(778))
	require.NoError(t, err)
	require.NotEqual(t, 0, nf1.Cmp(nf3))
}

func TestVerifyCommitmentMismatch(t *testing.T) {
	n := testNote()
	commitment, err := n.Commitment()
	require.NoError(t, err)

	require.NoError(t, n.VerifyCommitment(commitment))

	err = n.VerifyCommitment(big.NewInt(123))
	require.Error(t, err)
}

func TestVerifyNullifierMismatch(t *testing.T) {
	n := testNote()
	nf, err := n.Nullifier()
	require.NoError(t, err)

	require.NoError(t, n.VerifyNullifier(nf))
	require.Error(t, n.VerifyNullifier(big.NewInt(9)))
}

func TestHash2OrderMatters(t *testing.T) {
	ab, err := Hash2(big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	ba, err := Hash2(big.NewInt(2), big.NewInt(1))
	require.NoError(t, err)
	require.NotEqual(t, 0, ab.Cmp(ba))
}
