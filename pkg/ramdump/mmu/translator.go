package mmu

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
)

// Translator reads process memory through one address space's page tables.
// Reads never fail: bytes that cannot be resolved come back as zeros.
type Translator struct {
	logger     log.Logger
	phys       core.PhysReader
	walker     PageTableWalker
	compressed CompressedReader
	metrics    *diag.Metrics
}

type TranslatorOption func(*Translator)

// WithCompressedReader enables reading swapped out pages.
func WithCompressedReader(r CompressedReader) TranslatorOption {
	return func(t *Translator) { t.compressed = r }
}

func WithMetrics(m *diag.Metrics) TranslatorOption {
	return func(t *Translator) { t.metrics = m }
}

func NewTranslator(logger log.Logger, phys core.PhysReader, walker PageTableWalker, opts ...TranslatorOption) *Translator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &Translator{
		logger: log.With(logger, "component", "mmu"),
		phys:   phys,
		walker: walker,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Translator) VirtToPhys(va core.Address) (core.PhysAddr, bool) {
	return t.walker.VirtToPhys(va)
}

// ReadBytes returns exactly n bytes starting at va. The range is split at
// page boundaries and every page is resolved on its own.
func (t *Translator) ReadBytes(va core.Address, n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	for off := 0; off < n; {
		a := va.Add(int64(off))
		chunk := int(core.PageSize - a.PageOffset())
		if chunk > n-off {
			chunk = n - off
		}
		t.readChunk(out[off:off+chunk], a)
		off += chunk
	}
	return out
}

// readChunk fills b, which never crosses a page boundary.
func (t *Translator) readChunk(b []byte, va core.Address) {
	if pa, ok := t.walker.VirtToPhys(va); ok {
		err := t.phys.ReadPhysAt(b, pa)
		if err == nil {
			return
		}
		level.Debug(t.logger).Log("msg", "mapped page not in dump", "va", va, "pa", pa, "err", err)
	} else if t.compressed != nil {
		if pte, ok := t.walker.SwapPTE(va); ok {
			if page, ok := t.compressed.ReadPage(va.PageBase(), pte); ok && len(page) >= core.PageSize {
				copy(b, page[va.PageOffset():])
				return
			}
			level.Debug(t.logger).Log("msg", "swapped page not recoverable", "va", va, "pte", fmt.Sprintf("%#x", pte))
		}
	}
	for i := range b {
		b[i] = 0
	}
	level.Debug(t.logger).Log("msg", "zero filling unresolved range", "va", va, "len", len(b))
	t.metrics.ZeroFilled()
}

// ReadBinary reads a little endian integer of width 1, 2, 4 or 8 bytes.
// Any other width is a programming error and panics.
func (t *Translator) ReadBinary(va core.Address, width int) uint64 {
	switch width {
	case 1:
		return uint64(t.ReadBytes(va, 1)[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(t.ReadBytes(va, 2)))
	case 4:
		return uint64(binary.LittleEndian.Uint32(t.ReadBytes(va, 4)))
	case 8:
		return binary.LittleEndian.Uint64(t.ReadBytes(va, 8))
	}
	panic(fmt.Sprintf("mmu: unsupported read width %d", width))
}

func (t *Translator) ReadU8(va core.Address) uint8   { return uint8(t.ReadBinary(va, 1)) }
func (t *Translator) ReadU16(va core.Address) uint16 { return uint16(t.ReadBinary(va, 2)) }
func (t *Translator) ReadU32(va core.Address) uint32 { return uint32(t.ReadBinary(va, 4)) }
func (t *Translator) ReadU64(va core.Address) uint64 { return t.ReadBinary(va, 8) }
