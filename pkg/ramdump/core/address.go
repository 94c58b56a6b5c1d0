// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "fmt"

// PageSize is the translation granule assumed by every walker in this module.
const PageSize = 1 << PageShift

// PageShift is log2(PageSize).
const PageShift = 12

// An Address is a location in a virtual address space, either the kernel's
// or a process's. It never names physical memory.
type Address uint64

// A PhysAddr is a location in the physical memory captured by the dump.
type PhysAddr uint64

// Sub subtracts b from a. Requires a >= b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// Add adds x to address a.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Align rounds a up to a multiple of x.
// x must be a power of 2.
func (a Address) Align(x int64) Address {
	return (a + Address(x) - 1) & ^(Address(x) - 1)
}

// PageBase rounds a down to the start of its page.
func (a Address) PageBase() Address {
	return a &^ (PageSize - 1)
}

// PageOffset returns the offset of a within its page.
func (a Address) PageOffset() int64 {
	return int64(a & (PageSize - 1))
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Add adds x to physical address p.
func (p PhysAddr) Add(x int64) PhysAddr {
	return p + PhysAddr(x)
}

// Sub subtracts b from p. Requires p >= b.
func (p PhysAddr) Sub(b PhysAddr) int64 {
	return int64(p - b)
}

// PFN returns the page frame number of p.
func (p PhysAddr) PFN() uint64 {
	return uint64(p) >> PageShift
}

func (p PhysAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}
