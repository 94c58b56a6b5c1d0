package memtest

import (
	"encoding/binary"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// PageTable64 builds 4 KiB granule, 4 level page tables in the image.
type PageTable64 struct {
	m    *Memory
	Root core.PhysAddr
}

func (m *Memory) NewPageTable64() *PageTable64 {
	return &PageTable64{m: m, Root: m.AllocPage()}
}

func (m *Memory) readPhys64(pa core.PhysAddr) uint64 {
	var b [8]byte
	if err := m.ReadPhysAt(b[:], pa); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (m *Memory) writePhys64(pa core.PhysAddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WritePhys(pa, b[:])
}

func (m *Memory) writePhys32(pa core.PhysAddr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.WritePhys(pa, b[:])
}

// entry returns the address of the descriptor for va at level lvl,
// creating intermediate tables on the way.
func (pt *PageTable64) entry(va core.Address, lvl int) core.PhysAddr {
	table := pt.Root
	for l := 0; ; l++ {
		shift := uint(core.PageShift + 9*(3-l))
		slot := table.Add(int64((uint64(va)>>shift)&0x1ff) * 8)
		if l == lvl {
			return slot
		}
		d := pt.m.readPhys64(slot)
		if d&3 != 3 {
			next := pt.m.AllocPage()
			d = uint64(next) | 3
			pt.m.writePhys64(slot, d)
		}
		table = core.PhysAddr(d & 0x0000fffffffff000)
	}
}

// Map maps the 4 KiB page at va to pa.
func (pt *PageTable64) Map(va core.Address, pa core.PhysAddr) {
	pt.m.writePhys64(pt.entry(va, 3), uint64(pa)&^(core.PageSize-1)|3)
}

// MapBlock maps a 1 GiB (lvl 1) or 2 MiB (lvl 2) block.
func (pt *PageTable64) MapBlock(va core.Address, pa core.PhysAddr, lvl int) {
	pt.m.writePhys64(pt.entry(va, lvl), uint64(pa)|1)
}

// SetPTE stores a raw last level descriptor for va.
func (pt *PageTable64) SetPTE(va core.Address, pte uint64) {
	pt.m.writePhys64(pt.entry(va, 3), pte)
}

// PageTable32 builds ARMv7 short-descriptor tables laid out like the
// kernel does it: each second level page holds the kernel's own entries in
// its first half and the hardware entries 2 KiB above them.
type PageTable32 struct {
	m    *Memory
	Root core.PhysAddr
}

func (m *Memory) NewPageTable32() *PageTable32 {
	return &PageTable32{m: m, Root: m.AllocPhys(16<<10, 16<<10)}
}

func (pt *PageTable32) l1(va core.Address) core.PhysAddr {
	return pt.Root.Add(int64(uint32(va)>>20) * 4)
}

// hw returns the hardware entry for va, allocating its table.
func (pt *PageTable32) hw(va core.Address) core.PhysAddr {
	slot := pt.l1(va)
	var b [4]byte
	if err := pt.m.ReadPhysAt(b[:], slot); err != nil {
		panic(err)
	}
	d := binary.LittleEndian.Uint32(b[:])
	if d&3 != 1 {
		page := pt.m.AllocPage()
		d = uint32(page.Add(2048)) | 1
		pt.m.writePhys32(slot, d)
	}
	table := core.PhysAddr(d &^ 0x3ff)
	return table.Add(int64((uint32(va)>>12)&0xff) * 4)
}

// MapSection maps the 1 MiB section at va to pa.
func (pt *PageTable32) MapSection(va core.Address, pa core.PhysAddr) {
	pt.m.writePhys32(pt.l1(va), uint32(pa)&0xfff00000|2)
}

// Map maps the 4 KiB small page at va to pa.
func (pt *PageTable32) Map(va core.Address, pa core.PhysAddr) {
	e := pt.hw(va)
	pt.m.writePhys32(e, uint32(pa)&0xfffff000|2)
	pt.m.writePhys32(e.Add(-2048), uint32(pa)&0xfffff000|1)
}

// MapLarge maps the 64 KiB large page at va to pa. Large entries repeat
// over 16 consecutive slots.
func (pt *PageTable32) MapLarge(va core.Address, pa core.PhysAddr) {
	base := core.Address(uint32(va) &^ 0xffff)
	for i := int64(0); i < 16; i++ {
		pt.m.writePhys32(pt.hw(base.Add(i*core.PageSize)), uint32(pa)&0xffff0000|1)
	}
}

// SetSwap leaves the hardware entry empty and stores pte in the kernel's
// copy.
func (pt *PageTable32) SetSwap(va core.Address, pte uint32) {
	e := pt.hw(va)
	pt.m.writePhys32(e, 0)
	pt.m.writePhys32(e.Add(-2048), pte)
}
