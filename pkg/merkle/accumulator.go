package merkle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/note"
)

// DefaultDepth matches the ledger contract's commitment tree.
const DefaultDepth = 10

var (
	// ErrTreeFull is returned when inserting into a tree that already holds
	// 2^depth leaves. The ledger reverts in the same situation; wrapping
	// around silently would desync the cache.
	ErrTreeFull = fmt.Errorf("merkle tree is full")

	// ErrIndexOutOfRange is returned when a path is requested for a leaf
	// that was never inserted.
	ErrIndexOutOfRange = fmt.Errorf("leaf index out of range")
)

// DesyncError reports that the locally replayed root disagrees with the
// root the ledger reports. The accumulator must not serve paths in this
// state; callers trigger a full rebuild from the ledger.
type DesyncError struct {
	LocalRoot  *big.Int
	LedgerRoot *big.Int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("merkle state desync: local root %s, ledger root %s", e.LocalRoot, e.LedgerRoot)
}

// Accumulator reproduces the on-chain incremental Merkle tree bit-for-bit.
// Per level it keeps the "filled subtree" slot (the last left-hand value
// still waiting for a right-hand partner) plus a per-level zero constant,
// and additionally retains every node value ever computed so that
// authentication paths can be served for any historical leaf. The retained
// table is required because a path's sibling at some level may be an old
// filled-subtree value, a zero, or a node produced by a later insertion.
type Accumulator struct {
	mu sync.RWMutex

	depth          int
	capacity       uint64
	nextIndex      uint64
	root           *big.Int
	zeros          []*big.Int
	filledSubtrees []*big.Int
	// nodes[level][position] -> node value, level 0 being the leaves.
	nodes []map[uint64]*big.Int
}

// NewAccumulator creates an empty accumulator of the given depth. The
// per-level zero constants are zero[0]=0, zero[i]=H(zero[i-1], zero[i-1]),
// and the empty root is the zero chain folded all the way up.
func NewAccumulator(depth int) (*Accumulator, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("invalid tree depth %d", depth)
	}
	zeros := make([]*big.Int, depth+1)
	zeros[0] = big.NewInt(0)
	for i := 1; i <= depth; i++ {
		h, err := note.Hash2(zeros[i-1], zeros[i-1])
		if err != nil {
			return nil, fmt.Errorf("failed to precompute zero hash at level %d: %v", i, err)
		}
		zeros[i] = h
	}
	filled := make([]*big.Int, depth)
	copy(filled, zeros[:depth])
	nodes := make([]map[uint64]*big.Int, depth+1)
	for i := range nodes {
		nodes[i] = make(map[uint64]*big.Int)
	}
	return &Accumulator{
		depth:          depth,
		capacity:       1 << uint(depth),
		root:           zeros[depth],
		zeros:          zeros,
		filledSubtrees: filled,
		nodes:          nodes,
	}, nil
}

// Depth returns the tree depth.
func (a *Accumulator) Depth() int {
	return a.depth
}

// Size returns the number of inserted leaves.
func (a *Accumulator) Size() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextIndex
}

// CurrentRoot returns the root after the last insertion.
func (a *Accumulator) CurrentRoot() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.root)
}

// Insert appends a commitment and returns its leaf index. The walk mirrors
// the ledger contract: at each level an even position stores the running
// hash as the level's filled subtree and pairs it with the zero constant,
// an odd position pairs the stored filled subtree with the running hash.
func (a *Accumulator) Insert(commitment *big.Int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertLocked(commitment)
}

func (a *Accumulator) insertLocked(commitment *big.Int) (uint64, error) {
	if a.nextIndex >= a.capacity {
		return 0, ErrTreeFull
	}
	index := a.nextIndex
	current := new(big.Int).Set(commitment)
	pos := index

	a.nodes[0][pos] = new(big.Int).Set(current)
	for level := 0; level < a.depth; level++ {
		var err error
		if pos%2 == 0 {
			a.filledSubtrees[level] = new(big.Int).Set(current)
			current, err = note.Hash2(current, a.zeros[level])
		} else {
			current, err = note.Hash2(a.filledSubtrees[level], current)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to hash level %d: %v", level, err)
		}
		pos /= 2
		a.nodes[level+1][pos] = new(big.Int).Set(current)
	}

	a.root = current
	a.nextIndex++
	return index, nil
}

// PathTo returns the current root plus the authentication path and
// left/right indices for a previously inserted leaf. Siblings that were
// never computed resolve to the level's zero constant.
func (a *Accumulator) PathTo(index uint64) (*big.Int, []*big.Int, []int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if index >= a.nextIndex {
		return nil, nil, nil, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, a.nextIndex)
	}

	path := make([]*big.Int, a.depth)
	indices := make([]int, a.depth)
	pos := index
	for level := 0; level < a.depth; level++ {
		indices[level] = int(pos % 2)
		sibling := pos ^ 1
		if v, ok := a.nodes[level][sibling]; ok {
			path[level] = new(big.Int).Set(v)
		} else {
			path[level] = new(big.Int).Set(a.zeros[level])
		}
		pos /= 2
	}
	return new(big.Int).Set(a.root), path, indices, nil
}

// RecombinePath folds a leaf with its authentication path using the same
// per-level combination rule as the insertion walk. indices[i] is 0 when
// the running hash is the left operand at level i.
func RecombinePath(leaf *big.Int, path []*big.Int, indices []int) (*big.Int, error) {
	if len(path) != len(indices) {
		return nil, fmt.Errorf("path length %d does not match indices length %d", len(path), len(indices))
	}
	current := new(big.Int).Set(leaf)
	var err error
	for i := range path {
		if indices[i] == 0 {
			current, err = note.Hash2(current, path[i])
		} else {
			current, err = note.Hash2(path[i], current)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to recombine at level %d: %v", i, err)
		}
	}
	return current, nil
}

// RebuildFrom discards all local state and replays the ledger's ordered
// commitment list through the insertion algorithm, restoring the
// filled-subtree slots and the retained node table. If expectedRoot is
// non-nil and the replayed root differs, the rebuild fails with a
// DesyncError and the accumulator keeps the replayed state out of service
// by returning the error to the caller, which must not serve stale paths.
func (a *Accumulator) RebuildFrom(ordered []*big.Int, expectedRoot *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh, err := NewAccumulator(a.depth)
	if err != nil {
		return nil, err
	}
	for i, c := range ordered {
		if _, err := fresh.insertLocked(c); err != nil {
			return nil, fmt.Errorf("replay failed at commitment %d: %v", i, err)
		}
	}
	if expectedRoot != nil && fresh.root.Cmp(expectedRoot) != 0 {
		log.Error().
			Str("local_root", fresh.root.String()).
			Str("ledger_root", expectedRoot.String()).
			Int("commitments", len(ordered)).
			Msg("Replayed merkle root disagrees with ledger root")
		return nil, &DesyncError{LocalRoot: new(big.Int).Set(fresh.root), LedgerRoot: new(big.Int).Set(expectedRoot)}
	}

	a.nextIndex = fresh.nextIndex
	a.root = fresh.root
	a.filledSubtrees = fresh.filledSubtrees
	a.nodes = fresh.nodes
	log.Info().Uint64("leaves", a.nextIndex).Str("root", a.root.String()).Msg("Rebuilt merkle accumulator from ledger")
	return new(big.Int).Set(a.root), nil
}

// ZeroAt returns the zero constant for a level, used by callers that need
// to fill paths for positions beyond the highest inserted index.
func (a *Accumulator) ZeroAt(level int) (*big.Int, error) {
	if level < 0 || level > a.depth {
		return nil, fmt.Errorf("level %d out of range", level)
	}
	return new(big.Int).Set(a.zeros[level]), nil
}
