// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"io"
)

// A Mapping represents a contiguous range of captured physical memory and
// the file region holding its bytes.
type Mapping struct {
	min PhysAddr
	max PhysAddr

	name string      // segment the bytes came from
	r    io.ReaderAt // file backing this region
	off  int64       // offset of start of this mapping in r
	end  int64       // offset just past the segment's bytes in r

	// Contents of r at offset off when the backing file is memory mapped.
	// Length=max-min. Nil means reads go through r.
	contents []byte
}

// Min returns the lowest physical address of the mapping.
func (m *Mapping) Min() PhysAddr {
	return m.min
}

// Max returns the physical address of the byte just beyond the mapping.
func (m *Mapping) Max() PhysAddr {
	return m.max
}

// Size returns int64(Max-Min)
func (m *Mapping) Size() int64 {
	return m.max.Sub(m.min)
}

// Name returns the dump segment backing the mapping.
func (m *Mapping) Name() string {
	return m.name
}

// Source returns the file offset of the start of the mapping.
func (m *Mapping) Source() (io.ReaderAt, int64) {
	return m.r, m.off
}

// Physical memory is captured in 4K pages at least, so every mapping starts
// at a multiple of 4K. The remaining 64-12 = 52 bits are divided into levels
// of a lookup table.
type pageTable0 [1 << 10]*Mapping
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTable4 [1 << 12]*pageTable3

const pageSize PhysAddr = PageSize

// findMapping is simple enough that it inlines.
func (p *pageTable4) findMapping(a PhysAddr) *Mapping {
	t3 := p[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[a>>42%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[a>>32%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[a>>22%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[a>>12%(1<<10)]
}

func (p *pageTable4) addMapping(m *Mapping) error {
	if m.min%(pageSize) != 0 {
		return fmt.Errorf("mapping start %x isn't a multiple of 4096", m.min)
	}
	if m.max%(pageSize) != 0 {
		return fmt.Errorf("mapping end %x isn't a multiple of 4096", m.max)
	}
	for a := m.min; a < m.max; a += pageSize {
		i3 := a >> 52
		t3 := p[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			p[i3] = t3
		}
		i2 := a >> 42 % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := a >> 32 % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := a >> 22 % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[a>>12%(1<<10)] = m
	}
	return nil
}

// splicedMemory represents a physical memory space formed from multiple
// segments. A later segment overlapping an earlier one wins.
type splicedMemory struct {
	mappings []*Mapping
}

func (s *splicedMemory) Add(min, max PhysAddr, name string, r io.ReaderAt, off int64, contents []byte) {
	if max <= min {
		return
	}
	end := off + max.Sub(min)

	// Align max.
	if max%pageSize != 0 {
		max = (max + pageSize) & ^(pageSize - 1)
	}
	// Align min.
	if gap := min % pageSize; gap != 0 {
		off -= int64(gap)
		min -= gap
		contents = nil
	}

	newMappings := make([]*Mapping, 0, len(s.mappings)+1)
	add := func(m *Mapping) {
		if m.Size() <= 0 {
			return
		}
		newMappings = append(newMappings, m)
	}
	fresh := func() *Mapping {
		return &Mapping{min: min, max: max, name: name, r: r, off: off, end: end, contents: contents}
	}

	inserted := false
	for _, entry := range s.mappings {
		switch {
		case entry.max <= min: // entry is completely before the new region.
			add(entry)
		case max <= entry.min: // entry is completely after the new region.
			if !inserted {
				add(fresh())
				inserted = true
			}
			add(entry)
		case min <= entry.min && entry.max <= max:
			// entry is completely overwritten by the new region. Drop.
		case entry.min <= min && entry.max <= max:
			// new region overwrites the end of the entry.
			entry.max = min
			entry.trim()
			add(entry)
		case min <= entry.min && max <= entry.max:
			// new region overwrites the beginning of the entry.
			if !inserted {
				add(fresh())
				inserted = true
			}
			entry.advance(max)
			add(entry)
		case entry.min < min && max < entry.max:
			// new region punches a hole in the entry.
			entry2 := *entry

			entry.max = min
			entry.trim()
			entry2.advance(max)
			add(entry)
			add(fresh())
			add(&entry2)
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is (min:0x%x max:0x%x), new entry is (min:0x%x max:0x%x)", entry.min, entry.max, min, max))
		}
	}
	if !inserted {
		add(fresh())
	}
	s.mappings = newMappings
}

// advance moves the start of m up to a, keeping the file offset in step.
func (m *Mapping) advance(a PhysAddr) {
	d := a.Sub(m.min)
	m.off += d
	if m.contents != nil {
		m.contents = m.contents[d:]
	}
	m.min = a
}

// trim drops contents past the current end of m.
func (m *Mapping) trim() {
	if m.contents != nil && int64(len(m.contents)) > m.Size() {
		m.contents = m.contents[:m.Size()]
	}
}
