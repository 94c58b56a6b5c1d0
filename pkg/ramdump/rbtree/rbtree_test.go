package rbtree

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ramparse/pkg/iter"
	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
	"github.com/grafana/ramparse/pkg/ramdump/memtest"
)

// keyOffset is where the key sits before the embedded rb_node of a test
// entry: struct { u64 key; struct rb_node node; }.
const keyOffset = 8

type testTree struct {
	m     *memtest.Memory
	root  core.Address // struct rb_root
	nodes map[uint64]core.Address
}

func newTestTree(t *testing.T, ptrSize int64, keys []uint64) *testTree {
	t.Helper()
	m := memtest.NewKernel(core.V(5, 10, 0), ptrSize)
	tr := &testTree{m: m, root: m.AllocType("rb_root"), nodes: map[uint64]core.Address{}}
	for i, k := range keys {
		tr.insert(k, uint64(i)%2)
	}
	return tr
}

// insert adds key with a plain binary search tree insertion. Colours are
// noise for the walker, so they are set but not balanced.
func (tr *testTree) insert(key, color uint64) {
	m := tr.m
	size, _ := m.Sizeof("rb_node")
	entry := m.Alloc(keyOffset + size)
	m.WriteU64(entry, key)
	node := entry.Add(keyOffset)
	tr.nodes[key] = node

	top, _ := m.ReadWord(tr.root)
	if top == 0 {
		m.Put(tr.root, "rb_root", "rb_node", uint64(node))
		m.Put(node, "rb_node", "__rb_parent_color", color)
		return
	}
	cur := core.Address(top)
	for {
		field := "rb_right"
		if key < tr.key(cur) {
			field = "rb_left"
		}
		off, _ := m.FieldOffset("rb_node", field)
		next, _ := m.ReadWord(cur.Add(off))
		if next == 0 {
			m.Put(cur, "rb_node", field, uint64(node))
			m.Put(node, "rb_node", "__rb_parent_color", uint64(cur)|color)
			return
		}
		cur = core.Address(next)
	}
}

func (tr *testTree) key(node core.Address) uint64 {
	k, err := tr.m.ReadU64(node.Add(-keyOffset))
	if err != nil {
		panic(err)
	}
	return k
}

func (tr *testTree) keys(nodes []core.Address) []uint64 {
	out := make([]uint64, len(nodes))
	for i, n := range nodes {
		out[i] = tr.key(n)
	}
	return out
}

func shuffled(n int, seed int64) []uint64 {
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i+1) * 10
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

func ascending(n int) []uint64 {
	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = uint64(i+1) * 10
	}
	return keys
}

func TestIterate_Ascending(t *testing.T) {
	for _, ptrSize := range []int64{4, 8} {
		for _, n := range []int{1, 2, 17, 200} {
			tr := newTestTree(t, ptrSize, shuffled(n, int64(n)))
			w := New(nil, tr.m)

			nodes, err := iter.Slice(w.Iterate(tr.root))
			require.NoError(t, err)
			assert.Equal(t, ascending(n), tr.keys(nodes), "ptrSize=%d n=%d", ptrSize, n)

			// Iteration can be restarted.
			again, err := iter.Slice(w.Iterate(tr.root))
			require.NoError(t, err)
			assert.Equal(t, nodes, again)
		}
	}
}

func TestIterate_Limit(t *testing.T) {
	tr := newTestTree(t, 8, shuffled(50, 9))
	w := New(nil, tr.m)

	nodes, err := iter.Slice(iter.NewLimitIterator(w.Iterate(tr.root), 5))
	require.NoError(t, err)
	assert.Equal(t, ascending(50)[:5], tr.keys(nodes))
}

func TestIterate_MissingLayout(t *testing.T) {
	m := memtest.New(core.V(5, 10, 0), 8)
	root := m.Alloc(64)

	nodes, err := iter.Slice(New(nil, m).Iterate(root))
	assert.ErrorIs(t, err, core.ErrNoField)
	assert.Empty(t, nodes)

	tr := newTestTree(t, 8, []uint64{1, 2})
	_, err = iter.Slice(New(nil, tr.m, WithTypes("rb_root_cached", "rb_node")).Iterate(tr.root))
	assert.ErrorIs(t, err, core.ErrNoField)
}

func TestWalk_InOrder(t *testing.T) {
	tr := newTestTree(t, 8, shuffled(64, 3))
	w := New(nil, tr.m, WithStrict(true))

	var nodes []core.Address
	require.NoError(t, w.Walk(tr.root, func(n core.Address) error {
		nodes = append(nodes, n)
		return nil
	}))
	assert.Equal(t, ascending(64), tr.keys(nodes))
}

func TestEmptyTrees(t *testing.T) {
	tr := newTestTree(t, 8, nil)
	w := New(nil, tr.m)

	for _, root := range []core.Address{0, tr.root} {
		nodes, err := iter.Slice(w.Iterate(root))
		require.NoError(t, err)
		assert.Empty(t, nodes)

		calls := 0
		require.NoError(t, w.Walk(root, func(core.Address) error { calls++; return nil }))
		assert.Zero(t, calls)
	}
}

// balanced builds the tree 40 / (20 / 10 30) (60 / 50 70).
func balanced(t *testing.T) *testTree {
	return newTestTree(t, 8, []uint64{40, 20, 60, 10, 30, 50, 70})
}

func TestWalk_CycleTerminates(t *testing.T) {
	tr := balanced(t)
	// The largest node's right child points back at the root.
	tr.m.Put(tr.nodes[70], "rb_node", "rb_right", uint64(tr.nodes[40]))
	// And a leaf's left child points at its grandparent.
	tr.m.Put(tr.nodes[10], "rb_node", "rb_left", uint64(tr.nodes[40]))

	metrics := diag.NewMetrics(nil)
	w := New(nil, tr.m, WithMetrics(metrics))

	counts := map[core.Address]int{}
	require.NoError(t, w.Walk(tr.root, func(n core.Address) error {
		counts[n]++
		return nil
	}))
	assert.Len(t, counts, 7)
	for n, c := range counts {
		assert.Equal(t, 1, c, "node %s visited %d times", n, c)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Collectors()[4]))

	nodes, err := iter.Slice(w.Iterate(tr.root))
	require.NoError(t, err)
	assert.Len(t, nodes, 7)
}

func TestWalk_StrictPrunesBackEdge(t *testing.T) {
	tr := balanced(t)
	// 30's parent is redirected from 20 to the root.
	tr.m.Put(tr.nodes[30], "rb_node", "__rb_parent_color", uint64(tr.nodes[40]))

	metrics := diag.NewMetrics(nil)
	strict := New(nil, tr.m, WithStrict(true), WithMetrics(metrics))

	assert.False(t, strict.Validate(tr.nodes[20], tr.nodes[30]))
	assert.True(t, strict.Validate(tr.nodes[20], tr.nodes[10]))
	assert.True(t, strict.Validate(tr.nodes[20], 0))

	var nodes []core.Address
	require.NoError(t, strict.Walk(tr.root, func(n core.Address) error {
		nodes = append(nodes, n)
		return nil
	}))
	assert.Equal(t, []uint64{10, 20, 40, 50, 60, 70}, tr.keys(nodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Collectors()[1]))

	// Without strict checking the edge is followed.
	lenient := New(nil, tr.m)
	all, err := iter.Slice(lenient.Iterate(tr.root))
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 20, 30, 40, 50, 60, 70}, tr.keys(all))
}

func TestWalk_UnreadableChild(t *testing.T) {
	tr := balanced(t)
	bad := tr.m.Base().Add(0x7fff0000)
	tr.m.Put(tr.nodes[60], "rb_node", "rb_left", uint64(bad))

	metrics := diag.NewMetrics(nil)
	w := New(nil, tr.m, WithMetrics(metrics))
	var nodes []core.Address
	require.NoError(t, w.Walk(tr.root, func(n core.Address) error {
		nodes = append(nodes, n)
		return nil
	}))
	// The bad node is reported once; its links read as empty.
	assert.Contains(t, nodes, bad)
	assert.Len(t, nodes, 7)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Collectors()[0]))

	// Links are memoized: another walk does not read the bad node again.
	require.NoError(t, w.Walk(tr.root, func(core.Address) error { return nil }))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Collectors()[0]))

	strict := New(nil, tr.m, WithStrict(true))
	nodes = nodes[:0]
	require.NoError(t, strict.Walk(tr.root, func(n core.Address) error {
		nodes = append(nodes, n)
		return nil
	}))
	assert.NotContains(t, nodes, bad)
	assert.Len(t, nodes, 6)
}

func TestWalk_VisitorError(t *testing.T) {
	tr := balanced(t)
	w := New(nil, tr.m)
	stop := assert.AnError
	calls := 0
	err := w.Walk(tr.root, func(core.Address) error {
		calls++
		if calls == 3 {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 3, calls)
}

func TestFirstNext(t *testing.T) {
	tr := balanced(t)
	w := New(nil, tr.m)
	n := w.First(tr.root)
	assert.Equal(t, tr.nodes[10], n)
	assert.Equal(t, tr.nodes[20], w.Next(n))
	assert.Equal(t, tr.nodes[40], w.Next(tr.nodes[30]))
	assert.Equal(t, core.Address(0), w.Next(tr.nodes[70]))
	assert.Equal(t, tr.nodes[40], w.Parent(tr.nodes[60]))
}
