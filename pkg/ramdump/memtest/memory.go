// Package memtest builds synthetic kernel memory images for tests: a sparse
// physical memory, a linear kernel mapping over it, a layout table and
// symbols. Bytes that were never written are unreadable, like holes in a
// real dump.
package memtest

import (
	"encoding/binary"
	"fmt"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/layout"
)

const (
	// KernelBase64 is where physical address 0 appears in the kernel's
	// linear map of a 64-bit image.
	KernelBase64 core.Address = 0xffffff8000000000
	// KernelBase32 is the 32-bit equivalent.
	KernelBase32 core.Address = 0xc0000000
)

// Memory implements core.MemoryView over sparse physical pages.
type Memory struct {
	Layout *layout.Table

	base    core.Address
	pages   map[uint64]*[core.PageSize]byte
	valid   map[uint64]*[core.PageSize]bool
	syms    map[string]core.Address
	next    core.PhysAddr
	version core.Version
}

// New returns an empty image for a kernel of version v with ptrSize byte
// pointers. Allocations start at physical address 0x1000 so that the null
// page stays unreadable.
func New(v core.Version, ptrSize int64) *Memory {
	base := KernelBase64
	if ptrSize == 4 {
		base = KernelBase32
	}
	return &Memory{
		Layout:  layout.NewTable(v, ptrSize),
		base:    base,
		pages:   map[uint64]*[core.PageSize]byte{},
		valid:   map[uint64]*[core.PageSize]bool{},
		syms:    map[string]core.Address{},
		next:    core.PageSize,
		version: v,
	}
}

// Base returns the kernel virtual address of physical 0.
func (m *Memory) Base() core.Address { return m.base }

// KernelAddr returns the linear map address of pa.
func (m *Memory) KernelAddr(pa core.PhysAddr) core.Address {
	return m.base + core.Address(pa)
}

// AllocPhys reserves size bytes of zeroed, readable physical memory aligned
// to align (a power of two).
func (m *Memory) AllocPhys(size, align int64) core.PhysAddr {
	if align < 8 {
		align = 8
	}
	pa := (m.next + core.PhysAddr(align) - 1) &^ (core.PhysAddr(align) - 1)
	m.next = pa.Add(size)
	m.WritePhys(pa, make([]byte, size))
	return pa
}

// Alloc reserves size bytes in the kernel linear map.
func (m *Memory) Alloc(size int64) core.Address {
	return m.KernelAddr(m.AllocPhys(size, 16))
}

// AllocType reserves sizeof(typ) bytes; the size must be in the layout.
func (m *Memory) AllocType(typ string) core.Address {
	size, ok := m.Layout.Sizeof(typ)
	if !ok {
		panic("memtest: no size for " + typ)
	}
	return m.Alloc(size)
}

// AllocPage reserves a fresh page aligned physical page.
func (m *Memory) AllocPage() core.PhysAddr {
	return m.AllocPhys(core.PageSize, core.PageSize)
}

func (m *Memory) WritePhys(pa core.PhysAddr, b []byte) {
	for len(b) > 0 {
		pfn := pa.PFN()
		p, ok := m.pages[pfn]
		if !ok {
			p = new([core.PageSize]byte)
			m.pages[pfn] = p
			m.valid[pfn] = new([core.PageSize]bool)
		}
		in := int(uint64(pa) % core.PageSize)
		n := copy(p[in:], b)
		for i := in; i < in+n; i++ {
			m.valid[pfn][i] = true
		}
		b = b[n:]
		pa = pa.Add(int64(n))
	}
}

func (m *Memory) ReadPhysAt(b []byte, pa core.PhysAddr) error {
	for len(b) > 0 {
		pfn := pa.PFN()
		p, ok := m.pages[pfn]
		if !ok {
			return core.UnreadablePhys(pa)
		}
		in := int(uint64(pa) % core.PageSize)
		n := len(b)
		if n > core.PageSize-in {
			n = core.PageSize - in
		}
		for i := in; i < in+n; i++ {
			if !m.valid[pfn][i] {
				return core.UnreadablePhys(pa.Add(int64(i - in)))
			}
		}
		copy(b, p[in:in+n])
		b = b[n:]
		pa = pa.Add(int64(n))
	}
	return nil
}

// Invalidate makes [pa, pa+n) unreadable again.
func (m *Memory) Invalidate(pa core.PhysAddr, n int64) {
	for i := int64(0); i < n; i++ {
		a := pa.Add(i)
		if v, ok := m.valid[a.PFN()]; ok {
			v[uint64(a)%core.PageSize] = false
		}
	}
}

func (m *Memory) Phys(a core.Address) (core.PhysAddr, error) {
	if a < m.base {
		return 0, core.Unreadable(a)
	}
	return core.PhysAddr(a - m.base), nil
}

func (m *Memory) read(a core.Address, n int) ([]byte, error) {
	pa, err := m.Phys(a)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err := m.ReadPhysAt(b, pa); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Memory) write(a core.Address, b []byte) {
	pa, err := m.Phys(a)
	if err != nil {
		panic(err)
	}
	m.WritePhys(pa, b)
}

func (m *Memory) PtrSize() int64 { return m.Layout.PtrSize }

func (m *Memory) ReadU8(a core.Address) (uint8, error) {
	b, err := m.read(a, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) ReadU16(a core.Address) (uint16, error) {
	b, err := m.read(a, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) ReadU32(a core.Address) (uint32, error) {
	b, err := m.read(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) ReadU64(a core.Address) (uint64, error) {
	b, err := m.read(a, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) ReadWord(a core.Address) (uint64, error) {
	if m.PtrSize() == 4 {
		v, err := m.ReadU32(a)
		return uint64(v), err
	}
	return m.ReadU64(a)
}

func (m *Memory) ReadCString(a core.Address, max int) (string, error) {
	var out []byte
	for i := 0; i < max; i++ {
		c, err := m.ReadU8(a.Add(int64(i)))
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out), nil
}

func (m *Memory) FieldOffset(typ, field string) (int64, bool) {
	return m.Layout.FieldOffset(typ, field)
}

func (m *Memory) Sizeof(typ string) (int64, bool) {
	return m.Layout.Sizeof(typ)
}

func (m *Memory) KernelVersion() core.Version { return m.version }

func (m *Memory) Symbol(name string) (core.Address, bool) {
	a, ok := m.syms[name]
	return a, ok
}

func (m *Memory) SetSymbol(name string, a core.Address) {
	m.syms[name] = a
}

func (m *Memory) WriteU8(a core.Address, v uint8) {
	m.write(a, []byte{v})
}

func (m *Memory) WriteU32(a core.Address, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.write(a, b[:])
}

func (m *Memory) WriteU64(a core.Address, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.write(a, b[:])
}

func (m *Memory) WriteWord(a core.Address, v uint64) {
	if m.PtrSize() == 4 {
		m.WriteU32(a, uint32(v))
		return
	}
	m.WriteU64(a, v)
}

func (m *Memory) WriteBytes(a core.Address, b []byte) {
	m.write(a, b)
}

func (m *Memory) WriteCString(a core.Address, s string) {
	m.write(a, append([]byte(s), 0))
}

// Put writes v into typ.field of the object at a, using the field size from
// the layout (pointer size when unset).
func (m *Memory) Put(a core.Address, typ, field string, v uint64) {
	off, ok := m.Layout.FieldOffset(typ, field)
	if !ok {
		panic(fmt.Sprintf("memtest: no field %s.%s", typ, field))
	}
	size, _ := m.Layout.FieldSize(typ, field)
	if size == 0 {
		size = m.PtrSize()
	}
	fa := a.Add(off)
	switch size {
	case 1:
		m.WriteU8(fa, uint8(v))
	case 4:
		m.WriteU32(fa, uint32(v))
	case 8:
		m.WriteU64(fa, v)
	default:
		panic(fmt.Sprintf("memtest: field %s.%s has size %d", typ, field, size))
	}
}

// PutString writes s into the char array typ.field of the object at a.
func (m *Memory) PutString(a core.Address, typ, field, s string) {
	off, ok := m.Layout.FieldOffset(typ, field)
	if !ok {
		panic(fmt.Sprintf("memtest: no field %s.%s", typ, field))
	}
	m.WriteCString(a.Add(off), s)
}
