// Package zram recovers swapped out process pages from a zram device
// captured in the dump.
package zram

import (
	"github.com/grafana/ramparse/pkg/ramdump/mmu"
)

// SwapFormat describes how a non-present page table entry encodes the swap
// type and offset.
type SwapFormat struct {
	TypeShift   uint
	TypeBits    uint
	OffsetShift uint
}

var (
	SwapFormatARM   = SwapFormat{TypeShift: 2, TypeBits: 5, OffsetShift: 7}
	SwapFormatARM64 = SwapFormat{TypeShift: 2, TypeBits: 6, OffsetShift: 8}
)

func SwapFormatFor(arch mmu.Arch) SwapFormat {
	if arch == mmu.ArchARM {
		return SwapFormatARM
	}
	return SwapFormatARM64
}

// SwapEntry identifies a slot in one swap device.
type SwapEntry struct {
	Type   uint
	Offset uint64
}

func (f SwapFormat) Decode(pte uint64) SwapEntry {
	return SwapEntry{
		Type:   uint(pte>>f.TypeShift) & (1<<f.TypeBits - 1),
		Offset: pte >> f.OffsetShift,
	}
}

// Encode is the inverse of Decode.
func (f SwapFormat) Encode(e SwapEntry) uint64 {
	return uint64(e.Type)<<f.TypeShift | e.Offset<<f.OffsetShift
}

// DecodeSwapEntry decodes pte with the format of arch.
func DecodeSwapEntry(arch mmu.Arch, pte uint64) SwapEntry {
	return SwapFormatFor(arch).Decode(pte)
}
