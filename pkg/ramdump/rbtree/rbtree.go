// Package rbtree walks kernel red-black trees (struct rb_root / rb_node)
// found in a dump. Trees are assumed to be corrupted: every neighbour read
// may fail, and parent/child links may disagree or form cycles. Walks always
// terminate and return whatever part of the tree was reachable.
package rbtree

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/iter"
	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
)

const component = "rbtree"

// colorMask covers the colour bits packed into __rb_parent_color.
const colorMask = 3

type links struct {
	parent, left, right core.Address
}

// Walker traverses trees of one node layout. It remembers the links of every
// node it has read, so a node reached twice is read once.
type Walker struct {
	logger  log.Logger
	view    core.MemoryView
	metrics *diag.Metrics

	strict   bool
	rootType string
	nodeType string

	links map[core.Address]links
}

type Option func(*Walker)

// WithStrict enables the parent/child cross-check on every edge followed.
func WithStrict(strict bool) Option {
	return func(w *Walker) { w.strict = strict }
}

func WithMetrics(m *diag.Metrics) Option {
	return func(w *Walker) { w.metrics = m }
}

// WithTypes overrides the root and node struct names ("rb_root", "rb_node").
func WithTypes(rootType, nodeType string) Option {
	return func(w *Walker) {
		w.rootType = rootType
		w.nodeType = nodeType
	}
}

func New(logger log.Logger, view core.MemoryView, opts ...Option) *Walker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w := &Walker{
		logger:   log.With(logger, "component", component),
		view:     view,
		rootType: "rb_root",
		nodeType: "rb_node",
		links:    map[core.Address]links{},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Root returns the top node of the tree whose rb_root lives at root.
func (w *Walker) Root(root core.Address) core.Address {
	if root == 0 {
		return 0
	}
	n, err := core.ReadPtrField(w.view, root, w.rootType, "rb_node")
	if err != nil {
		w.readFailed(root, err)
		return 0
	}
	return n
}

func (w *Walker) Parent(node core.Address) core.Address { return w.load(node).parent }
func (w *Walker) Left(node core.Address) core.Address   { return w.load(node).left }
func (w *Walker) Right(node core.Address) core.Address  { return w.load(node).right }

func (w *Walker) load(node core.Address) links {
	if node == 0 {
		return links{}
	}
	if l, ok := w.links[node]; ok {
		return l
	}
	var l links
	if pc, err := core.ReadWordField(w.view, node, w.nodeType, "__rb_parent_color"); err != nil {
		w.readFailed(node, err)
	} else {
		l.parent = core.Address(pc &^ colorMask)
	}
	if r, err := core.ReadPtrField(w.view, node, w.nodeType, "rb_right"); err != nil {
		w.readFailed(node, err)
	} else {
		l.right = r
	}
	if lf, err := core.ReadPtrField(w.view, node, w.nodeType, "rb_left"); err != nil {
		w.readFailed(node, err)
	} else {
		l.left = lf
	}
	w.links[node] = l
	return l
}

func (w *Walker) readFailed(a core.Address, err error) {
	level.Debug(w.logger).Log("msg", "failed to read rb node", "addr", a, "err", err)
	w.metrics.ReadFailure(component)
}

// Validate reports whether child names parent as its parent. It never
// fails; a mismatch means one of the two nodes is corrupted.
func (w *Walker) Validate(parent, child core.Address) bool {
	if child == 0 {
		return true
	}
	return w.Parent(child) == parent
}

// child returns the left or right child of node, or 0 when strict checking
// rejects the edge.
func (w *Walker) child(node core.Address, left bool) core.Address {
	var c core.Address
	if left {
		c = w.Left(node)
	} else {
		c = w.Right(node)
	}
	if w.strict && c != 0 && !w.Validate(node, c) {
		w.prune(node, c)
		return 0
	}
	return c
}

// parent returns the parent of node, or 0 when strict checking finds that
// the parent does not list node as a child.
func (w *Walker) parent(node core.Address) core.Address {
	p := w.Parent(node)
	if w.strict && p != 0 && w.Left(p) != node && w.Right(p) != node {
		w.prune(p, node)
		return 0
	}
	return p
}

func (w *Walker) prune(parent, child core.Address) {
	level.Warn(w.logger).Log("msg", "rb node parent mismatch, pruning edge", "parent", parent, "child", child, "child_parent", w.Parent(child))
	w.metrics.PrunedEdge(component)
}

// leftmost descends left from node. A left chain that loops back on itself
// ends at the last node before the loop.
func (w *Walker) leftmost(node core.Address) core.Address {
	seen := map[core.Address]struct{}{}
	for node != 0 {
		seen[node] = struct{}{}
		l := w.child(node, true)
		if l == 0 {
			return node
		}
		if _, ok := seen[l]; ok {
			w.metrics.TruncatedWalk(component)
			return node
		}
		node = l
	}
	return 0
}

// First returns the smallest node of the tree rooted at the rb_root root.
func (w *Walker) First(root core.Address) core.Address {
	return w.leftmost(w.Root(root))
}

// Next returns the in-order successor of node, or 0 at the end.
func (w *Walker) Next(node core.Address) core.Address {
	if node == 0 {
		return 0
	}
	if r := w.child(node, false); r != 0 {
		return w.leftmost(r)
	}
	// Climb until we arrive from a left child.
	seen := map[core.Address]struct{}{node: {}}
	p := w.parent(node)
	for p != 0 && node == w.Right(p) {
		if _, ok := seen[p]; ok {
			w.metrics.TruncatedWalk(component)
			return 0
		}
		seen[p] = struct{}{}
		node = p
		p = w.parent(node)
	}
	return p
}

// Iterate returns the nodes of the tree in ascending order. Each call starts
// a new iteration. A node produced twice means the links loop, and ends the
// sequence. A layout without the root or node fields yields only an error.
func (w *Walker) Iterate(root core.Address) iter.Iterator[core.Address] {
	if err := w.checkLayout(); err != nil {
		return iter.NewErrIterator[core.Address](err)
	}
	return &iterator{w: w, root: root, yielded: map[core.Address]struct{}{}}
}

func (w *Walker) checkLayout() error {
	if _, ok := w.view.FieldOffset(w.rootType, "rb_node"); !ok {
		return errors.Wrapf(core.ErrNoField, "%s.rb_node", w.rootType)
	}
	for _, f := range []string{"__rb_parent_color", "rb_right", "rb_left"} {
		if _, ok := w.view.FieldOffset(w.nodeType, f); !ok {
			return errors.Wrapf(core.ErrNoField, "%s.%s", w.nodeType, f)
		}
	}
	return nil
}

type iterator struct {
	w       *Walker
	root    core.Address
	cur     core.Address
	started bool
	done    bool
	yielded map[core.Address]struct{}
}

func (it *iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		it.cur = it.w.First(it.root)
	} else {
		it.cur = it.w.Next(it.cur)
	}
	if it.cur == 0 {
		it.done = true
		return false
	}
	if _, ok := it.yielded[it.cur]; ok {
		level.Warn(it.w.logger).Log("msg", "rb tree iteration revisited a node, stopping", "root", it.root, "addr", it.cur)
		it.w.metrics.TruncatedWalk(component)
		it.cur = 0
		it.done = true
		return false
	}
	it.yielded[it.cur] = struct{}{}
	return true
}

func (it *iterator) At() core.Address { return it.cur }
func (it *iterator) Err() error       { return nil }
func (it *iterator) Close() error     { return nil }

// Walk calls visit for every node reachable from the rb_root at root: left
// subtree, node, right subtree. Every address is entered at most once, so
// the work done is bounded by the number of distinct nodes even when the
// links form cycles. An error from visit stops the walk and is returned.
func (w *Walker) Walk(root core.Address, visit func(node core.Address) error) error {
	visited := map[core.Address]struct{}{}
	var stack []core.Address
	cur := w.Root(root)
	for {
		for cur != 0 {
			if _, ok := visited[cur]; ok {
				level.Warn(w.logger).Log("msg", "rb tree node reached twice, treating as leaf", "root", root, "addr", cur)
				w.metrics.TruncatedWalk(component)
				break
			}
			visited[cur] = struct{}{}
			stack = append(stack, cur)
			cur = w.child(cur, true)
		}
		if len(stack) == 0 {
			return nil
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := visit(n); err != nil {
			return err
		}
		cur = w.child(n, false)
	}
}
