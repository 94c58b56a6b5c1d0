package mmu

import (
	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const (
	armL1Shift      = 20
	armL2Shift      = core.PageShift
	armL2Entries    = 256
	armTypeMask     = 3
	armL1Coarse     = 1
	armL1Section    = 2
	armSuperSection = 1 << 18
	armL2Large      = 1
	// The kernel keeps its own view of each hardware table 2 KiB below it.
	// Swap entries only live in that copy.
	armLinuxPTEOffset = 2048
	armLinuxPresent   = 1 << 0
)

type armWalker struct {
	phys core.PhysReader
	root core.PhysAddr
}

// l2Entry returns the physical address of the second level hardware entry
// for va, or false when the first level does not point at a page table.
func (w *armWalker) l2Entry(va core.Address) (uint32, core.PhysAddr, bool) {
	l1, err := core.ReadPhysU32(w.phys, w.root.Add(int64(uint32(va)>>armL1Shift)*4))
	if err != nil {
		return l1, 0, false
	}
	if l1&armTypeMask != armL1Coarse {
		return l1, 0, false
	}
	table := core.PhysAddr(l1 &^ 0x3ff)
	idx := (uint32(va) >> armL2Shift) & (armL2Entries - 1)
	return l1, table.Add(int64(idx) * 4), true
}

func (w *armWalker) VirtToPhys(va core.Address) (core.PhysAddr, bool) {
	v := uint32(va)
	l1, pte, ok := w.l2Entry(va)
	if !ok {
		if l1&armTypeMask != armL1Section {
			return 0, false
		}
		if l1&armSuperSection != 0 {
			return core.PhysAddr(l1&0xff000000 | v&0x00ffffff), true
		}
		return core.PhysAddr(l1&0xfff00000 | v&0x000fffff), true
	}
	l2, err := core.ReadPhysU32(w.phys, pte)
	if err != nil {
		return 0, false
	}
	switch l2 & armTypeMask {
	case 0:
		return 0, false
	case armL2Large:
		return core.PhysAddr(l2&0xffff0000 | v&0xffff), true
	default:
		return core.PhysAddr(l2&0xfffff000 | v&0xfff), true
	}
}

func (w *armWalker) SwapPTE(va core.Address) (uint64, bool) {
	_, pte, ok := w.l2Entry(va)
	if !ok {
		return 0, false
	}
	l2, err := core.ReadPhysU32(w.phys, pte)
	if err != nil || l2&armTypeMask != 0 {
		return 0, false
	}
	linux, err := core.ReadPhysU32(w.phys, pte.Add(-armLinuxPTEOffset))
	if err != nil || linux == 0 || linux&armLinuxPresent != 0 {
		return 0, false
	}
	return uint64(linux), true
}
