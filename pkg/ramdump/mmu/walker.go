// Package mmu translates process virtual addresses using the page tables
// captured in a dump, and reads byte ranges through that translation.
package mmu

import (
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

var ErrUnsupportedArch = errors.New("unsupported architecture")

// PageTableWalker resolves virtual addresses of one address space.
type PageTableWalker interface {
	// VirtToPhys returns the physical address va is mapped to.
	VirtToPhys(va core.Address) (core.PhysAddr, bool)
	// SwapPTE returns the last level entry for va when the page is not
	// present but the entry is not empty, i.e. it encodes a swap location.
	SwapPTE(va core.Address) (uint64, bool)
}

// CompressedReader fetches swapped out pages from compressed memory.
type CompressedReader interface {
	// ReadPage returns the PageSize bytes of the page containing va whose
	// swap entry is pte.
	ReadPage(va core.Address, pte uint64) ([]byte, bool)
}

// Arch selects the page table geometry.
type Arch int

const (
	// ArchARM is the 32-bit short-descriptor format: two levels, 1 MiB
	// sections, 64 KiB large and 4 KiB small pages.
	ArchARM Arch = iota + 1
	// ArchARM64 is the 4 KiB granule, 48-bit VA format: four levels with
	// 1 GiB and 2 MiB blocks.
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	}
	return "unknown"
}

// ArchFromPtrSize picks the geometry from the kernel's pointer width.
func ArchFromPtrSize(ptrSize int64) (Arch, error) {
	switch ptrSize {
	case 4:
		return ArchARM, nil
	case 8:
		return ArchARM64, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedArch, "pointer size %d", ptrSize)
}

// NewWalker returns a walker for the tables rooted at the physical address
// root.
func NewWalker(phys core.PhysReader, root core.PhysAddr, arch Arch) (PageTableWalker, error) {
	switch arch {
	case ArchARM:
		return &armWalker{phys: phys, root: root}, nil
	case ArchARM64:
		return &arm64Walker{phys: phys, root: root}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedArch, "arch %d", arch)
}
