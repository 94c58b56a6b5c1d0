package mmu

import (
	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const (
	arm64Levels    = 4
	arm64IndexBits = 9
	arm64DescValid = 1 << 0
	arm64DescTable = 1 << 1
	arm64OAMask    = 0x0000fffffffff000
)

type arm64Walker struct {
	phys core.PhysReader
	root core.PhysAddr
}

// lookup returns the descriptor that maps va and the level it sits at.
// ok is false when a table could not be read or an upper level is empty.
func (w *arm64Walker) lookup(va core.Address) (desc uint64, lvl int, ok bool) {
	table := w.root
	for lvl = 0; lvl < arm64Levels; lvl++ {
		shift := uint(core.PageShift + arm64IndexBits*(arm64Levels-1-lvl))
		idx := (uint64(va) >> shift) & (1<<arm64IndexBits - 1)
		d, err := core.ReadPhysU64(w.phys, table.Add(int64(idx*8)))
		if err != nil {
			return 0, lvl, false
		}
		if lvl == arm64Levels-1 || d&arm64DescValid == 0 || d&arm64DescTable == 0 {
			return d, lvl, true
		}
		table = core.PhysAddr(d & arm64OAMask)
	}
	return 0, lvl, false
}

func (w *arm64Walker) VirtToPhys(va core.Address) (core.PhysAddr, bool) {
	d, lvl, ok := w.lookup(va)
	if !ok || d&arm64DescValid == 0 {
		return 0, false
	}
	switch lvl {
	case 1, 2:
		// Block descriptor.
		shift := uint(core.PageShift + arm64IndexBits*(arm64Levels-1-lvl))
		mask := uint64(1)<<shift - 1
		return core.PhysAddr(d&arm64OAMask&^mask | uint64(va)&mask), true
	case 3:
		if d&arm64DescTable == 0 {
			// Reserved encoding at the last level.
			return 0, false
		}
		return core.PhysAddr(d&arm64OAMask | uint64(va.PageOffset())), true
	}
	return 0, false
}

func (w *arm64Walker) SwapPTE(va core.Address) (uint64, bool) {
	d, lvl, ok := w.lookup(va)
	if !ok || lvl != arm64Levels-1 || d == 0 || d&arm64DescValid != 0 {
		return 0, false
	}
	return d, true
}
