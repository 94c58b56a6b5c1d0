// Package radix walks the kernel's shift-indexed tries: the legacy radix
// tree, its xarray successor, and containers stored in the same node format.
package radix

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
)

const component = "radix"

// Layout is the tagging scheme of internal node pointers.
type Layout int

const (
	// LayoutLegacy tags internal nodes with low bits 01.
	LayoutLegacy Layout = iota
	// LayoutXArray tags internal nodes with low bits 10.
	LayoutXArray
)

// Cutover is the first kernel storing xarrays instead of radix trees.
var Cutover = core.V(4, 20, 0)

func (l Layout) tag() uint64 {
	if l == LayoutXArray {
		return 2
	}
	return 1
}

func (l Layout) String() string {
	if l == LayoutXArray {
		return "xarray"
	}
	return "radix"
}

// LayoutFor returns the layout used by kernel v.
func LayoutFor(v core.Version) Layout {
	if v.AtLeast(Cutover) {
		return LayoutXArray
	}
	return LayoutLegacy
}

const (
	mapShiftSmall   = 4
	mapShiftDefault = 6
	tagMask         = 3
	// Internal xarray entries at or below this value are sibling and retry
	// markers, not node pointers.
	maxInternalValue = 4096
)

// Container names the structs of one trie flavour.
type Container struct {
	RootType   string
	HeadField  string
	NodeType   string
	ShiftField string
	SlotsField string
}

var (
	RadixTreeRoot = Container{RootType: "radix_tree_root", HeadField: "rnode", NodeType: "radix_tree_node", ShiftField: "shift", SlotsField: "slots"}
	XArrayRoot    = Container{RootType: "xarray", HeadField: "xa_head", NodeType: "xa_node", ShiftField: "shift", SlotsField: "slots"}
	MapleTreeRoot = Container{RootType: "maple_tree", HeadField: "ma_root", NodeType: "xa_node", ShiftField: "shift", SlotsField: "slots"}
)

// ContainerFor returns the page-cache style container used by kernel v.
func ContainerFor(v core.Version) Container {
	if v.AtLeast(Cutover) {
		return XArrayRoot
	}
	return RadixTreeRoot
}

type Walker struct {
	logger  log.Logger
	view    core.MemoryView
	metrics *diag.Metrics

	layout    Layout
	mapShift  uint
	container Container
}

type Option func(*Walker)

// WithLayout forces the tagging scheme instead of deriving it from the
// kernel version.
func WithLayout(l Layout) Option {
	return func(w *Walker) { w.layout = l }
}

// WithBaseSmall selects the CONFIG_BASE_SMALL node size (16 slots).
func WithBaseSmall(small bool) Option {
	return func(w *Walker) {
		if small {
			w.mapShift = mapShiftSmall
		} else {
			w.mapShift = mapShiftDefault
		}
	}
}

func WithContainer(c Container) Option {
	return func(w *Walker) { w.container = c }
}

func WithMetrics(m *diag.Metrics) Option {
	return func(w *Walker) { w.metrics = m }
}

func New(logger log.Logger, view core.MemoryView, opts ...Option) *Walker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	v := view.KernelVersion()
	w := &Walker{
		logger:    log.With(logger, "component", component),
		view:      view,
		layout:    LayoutFor(v),
		mapShift:  mapShiftDefault,
		container: ContainerFor(v),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Walker) Layout() Layout  { return w.layout }
func (w *Walker) MapShift() uint  { return w.mapShift }
func (w *Walker) FanOut() int     { return 1 << w.mapShift }
func (w *Walker) maxHeight() uint { return (64 + w.mapShift - 1) / w.mapShift }

func (w *Walker) isInternal(entry uint64) bool {
	if entry&tagMask != w.layout.tag() {
		return false
	}
	return w.layout == LayoutLegacy || entry > maxInternalValue
}

func (w *Walker) untag(entry uint64) core.Address {
	return core.Address(entry &^ tagMask)
}

// Walk calls visit for every non-empty leaf of the trie rooted at root.
func (w *Walker) Walk(root core.Address, visit func(entry core.Address) error) error {
	return w.WalkIndexed(root, func(_ uint64, entry core.Address) error {
		return visit(entry)
	})
}

// WalkIndexed calls visit for every non-empty leaf together with the index
// it was stored under. Unreadable slots are skipped. Missing layout entries
// for the container are reported as errors.
func (w *Walker) WalkIndexed(root core.Address, visit func(index uint64, entry core.Address) error) error {
	if root == 0 {
		return nil
	}
	c := w.container
	head, err := core.ReadWordField(w.view, root, c.RootType, c.HeadField)
	if err != nil {
		return w.failed(root, err)
	}
	if head == 0 {
		return nil
	}
	if !w.isInternal(head) {
		if head&tagMask == w.layout.tag() {
			return nil
		}
		return visit(0, core.Address(head))
	}
	node := w.untag(head)
	shift, err := core.ReadU8Field(w.view, node, c.NodeType, c.ShiftField)
	if err != nil {
		return w.failed(node, err)
	}
	height := uint(shift)/w.mapShift + 1
	if height > w.maxHeight() {
		level.Warn(w.logger).Log("msg", "trie root height out of range", "root", root, "node", node, "shift", shift)
		w.metrics.TruncatedWalk(component)
		return nil
	}
	slots, ok := w.view.FieldOffset(c.NodeType, c.SlotsField)
	if !ok {
		return errors.Wrapf(core.ErrNoField, "%s.%s", c.NodeType, c.SlotsField)
	}
	seen := map[core.Address]struct{}{}
	return w.walkNode(node, slots, height, 0, seen, visit)
}

func (w *Walker) failed(a core.Address, err error) error {
	if errors.Is(err, core.ErrNoField) {
		return err
	}
	level.Debug(w.logger).Log("msg", "failed to read trie node", "addr", a, "err", err)
	w.metrics.ReadFailure(component)
	return nil
}

// walkNode descends into node. Nodes already in seen are not entered again.
func (w *Walker) walkNode(node core.Address, slots int64, height uint, base uint64, seen map[core.Address]struct{}, visit func(uint64, core.Address) error) error {
	if _, ok := seen[node]; ok {
		level.Warn(w.logger).Log("msg", "trie node reached twice", "node", node)
		w.metrics.TruncatedWalk(component)
		return nil
	}
	seen[node] = struct{}{}
	ptr := w.view.PtrSize()
	shift := (height - 1) * w.mapShift
	for i := 0; i < w.FanOut(); i++ {
		sa := node.Add(slots + int64(i)*ptr)
		entry, err := w.view.ReadWord(sa)
		if err != nil {
			level.Debug(w.logger).Log("msg", "failed to read trie slot", "node", node, "slot", i, "err", err)
			w.metrics.ReadFailure(component)
			continue
		}
		if entry == 0 {
			continue
		}
		index := base | uint64(i)<<shift
		switch {
		case height > 1 && w.isInternal(entry):
			if err := w.walkNode(w.untag(entry), slots, height-1, index, seen, visit); err != nil {
				return err
			}
		case entry&tagMask == w.layout.tag():
			// Sibling or retry marker.
			continue
		default:
			if err := visit(index, core.Address(entry)); err != nil {
				return err
			}
		}
	}
	return nil
}
