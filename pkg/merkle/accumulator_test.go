package merkle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldrelay/pkg/note"
)

func leaves(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(int64(i + 1))
	}
	return out
}

func TestEmptyRootIsZeroChain(t *testing.T) {
	acc, err := NewAccumulator(4)
	require.NoError(t, err)

	// Fold the zero leaf up by hand.
	current := big.NewInt(0)
	for i := 0; i < 4; i++ {
		current, err = note.Hash2(current, current)
		require.NoError(t, err)
	}
	require.Equal(t, 0, current.Cmp(acc.CurrentRoot()))
	require.Equal(t, uint64(0), acc.Size())
}

func TestInsertMatchesManualHashing(t *testing.T) {
	acc, err := NewAccumulator(2)
	require.NoError(t, err)

	a, b := big.NewInt(11), big.NewInt(22)
	_, err = acc.Insert(a)
	require.NoError(t, err)
	_, err = acc.Insert(b)
	require.NoError(t, err)

	// root = H(H(a,b), H(z1,z1)) with z1 = H(0,0)
	ab, err := note.Hash2(a, b)
	require.NoError(t, err)
	z1, err := note.Hash2(big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	zz, err := note.Hash2(z1, z1)
	require.NoError(t, err)
	want, err := note.Hash2(ab, zz)
	require.NoError(t, err)

	require.Equal(t, 0, want.Cmp(acc.CurrentRoot()))
}

func TestPathRoundTrip(t *testing.T) {
	acc, err := NewAccumulator(5)
	require.NoError(t, err)

	inserted := leaves(9)
	for _, l := range inserted {
		_, err := acc.Insert(l)
		require.NoError(t, err)
	}

	// First, a middle and the last leaf.
	for _, idx := range []uint64{0, 4, 8} {
		root, path, indices, err := acc.PathTo(idx)
		require.NoError(t, err)
		require.Len(t, path, 5)

		got, err := RecombinePath(inserted[idx], path, indices)
		require.NoError(t, err)
		require.Equal(t, 0, root.Cmp(got), "leaf %d", idx)
	}
}

func TestPathValidAfterLaterInsertions(t *testing.T) {
	acc, err := NewAccumulator(4)
	require.NoError(t, err)

	first := big.NewInt(100)
	_, err = acc.Insert(first)
	require.NoError(t, err)

	for _, l := range leaves(7) {
		_, err := acc.Insert(l)
		require.NoError(t, err)
	}

	// The path for leaf 0 must recombine to the current root, not the
	// root at insertion time.
	root, path, indices, err := acc.PathTo(0)
	require.NoError(t, err)
	got, err := RecombinePath(first, path, indices)
	require.NoError(t, err)
	require.Equal(t, 0, root.Cmp(got))
}

func TestPathToUninsertedLeaf(t *testing.T) {
	acc, err := NewAccumulator(3)
	require.NoError(t, err)
	_, err = acc.Insert(big.NewInt(1))
	require.NoError(t, err)

	_, _, _, err = acc.PathTo(1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestTreeFull(t *testing.T) {
	acc, err := NewAccumulator(2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := acc.Insert(big.NewInt(int64(i)))
		require.NoError(t, err)
	}
	_, err = acc.Insert(big.NewInt(99))
	require.ErrorIs(t, err, ErrTreeFull)
	require.Equal(t, uint64(4), acc.Size())
}

func TestFullCapacityAtLedgerDepth(t *testing.T) {
	acc, err := NewAccumulator(10)
	require.NoError(t, err)

	inserted := leaves(1024)
	for _, l := range inserted {
		_, err := acc.Insert(l)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(1024), acc.Size())

	// Leaf 1025 overflows; the tree must stay usable afterwards.
	_, err = acc.Insert(big.NewInt(9999))
	require.ErrorIs(t, err, ErrTreeFull)
	require.Equal(t, uint64(1024), acc.Size())

	root, path, indices, err := acc.PathTo(1023)
	require.NoError(t, err)
	require.Len(t, path, 10)
	got, err := RecombinePath(inserted[1023], path, indices)
	require.NoError(t, err)
	require.Equal(t, 0, root.Cmp(got))
}

func TestRebuildFromMatchesIncremental(t *testing.T) {
	ordered := leaves(6)

	incremental, err := NewAccumulator(4)
	require.NoError(t, err)
	for _, c := range ordered {
		_, err := incremental.Insert(c)
		require.NoError(t, err)
	}

	rebuilt, err := NewAccumulator(4)
	require.NoError(t, err)
	root, err := rebuilt.RebuildFrom(ordered, incremental.CurrentRoot())
	require.NoError(t, err)
	require.Equal(t, 0, incremental.CurrentRoot().Cmp(root))
	require.Equal(t, uint64(6), rebuilt.Size())

	// Paths must work after a rebuild.
	gotRoot, path, indices, err := rebuilt.PathTo(3)
	require.NoError(t, err)
	recombined, err := RecombinePath(ordered[3], path, indices)
	require.NoError(t, err)
	require.Equal(t, 0, gotRoot.Cmp(recombined))
}

func TestRebuildDesync(t *testing.T) {
	acc, err := NewAccumulator(4)
	require.NoError(t, err)

	before := acc.CurrentRoot()
	_, err = acc.RebuildFrom(leaves(3), big.NewInt(12345))
	require.Error(t, err)

	var desync *DesyncError
	require.True(t, errors.As(err, &desync))
	require.Equal(t, 0, big.NewInt(12345).Cmp(desync.LedgerRoot))

	// The failed rebuild must not have replaced the served state.
	require.Equal(t, uint64(0), acc.Size())
	require.Equal(t, 0, before.Cmp(acc.CurrentRoot()))
}

func TestZeroAt(t *testing.T) {
	acc, err := NewAccumulator(3)
	require.NoError(t, err)

	z0, err := acc.ZeroAt(0)
	require.NoError(t, err)
	require.Equal(t, 0, z0.Sign())

	z1, err := acc.ZeroAt(1)
	require.NoError(t, err)
	want, err := note.Hash2(big.NewInt(0), big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, 0, want.Cmp(z1))

	_, err = acc.ZeroAt(4)
	require.Error(t, err)
}
