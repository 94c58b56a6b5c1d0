// Package kernel implements core.MemoryView for a real dump: physical
// memory assembled from segments, a layout table and System.map symbols.
package kernel

import (
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/layout"
)

const maxBannerLen = 512

// Kernel is the view of the crashed kernel. It is read-only and safe for
// concurrent use when its PhysReader is.
type Kernel struct {
	logger  log.Logger
	phys    core.PhysReader
	table   *layout.Table
	syms    Symbols
	cfg     Config
	version core.Version
}

var _ core.MemoryView = (*Kernel)(nil)

// New builds the view. The kernel release comes from cfg.Version or, when
// unset, from linux_banner; it then selects the layout table from layouts.
func New(logger log.Logger, phys core.PhysReader, layouts *layout.Set, syms Symbols, cfg Config) (*Kernel, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	k := &Kernel{
		logger: log.With(logger, "component", "kernel"),
		phys:   phys,
		syms:   syms,
	}
	ptrSize := cfg.PtrSize
	if ptrSize == 0 {
		if tables := layouts.Tables(); len(tables) > 0 {
			ptrSize = tables[len(tables)-1].PtrSize
		}
	}
	if ptrSize != 4 && ptrSize != 8 {
		return nil, errors.Errorf("unsupported pointer size %d", ptrSize)
	}
	k.cfg = cfg.withDefaults(ptrSize)

	k.version = cfg.Version
	if k.version.IsZero() {
		v, err := k.bannerVersion()
		if err != nil {
			return nil, errors.Wrap(err, "kernel version")
		}
		k.version = v
	}
	table, err := layouts.Select(k.version)
	if err != nil {
		return nil, err
	}
	if table.PtrSize != k.cfg.PtrSize {
		return nil, errors.Errorf("layout for %s has %d byte pointers, kernel has %d", table.Version, table.PtrSize, k.cfg.PtrSize)
	}
	k.table = table
	level.Debug(k.logger).Log("msg", "kernel view ready", "version", k.version, "layout", table.Version, "ptr_size", k.cfg.PtrSize)
	return k, nil
}

func (k *Kernel) bannerVersion() (core.Version, error) {
	a, ok := k.syms["linux_banner"]
	if !ok {
		return core.Version{}, errors.New("no linux_banner symbol and no configured version")
	}
	banner, err := k.ReadCString(a, maxBannerLen)
	if err != nil {
		return core.Version{}, errors.Wrap(err, "read linux_banner")
	}
	return core.ParseBanner(banner)
}

// Phys translates kernel image and linear map addresses.
func (k *Kernel) Phys(a core.Address) (core.PhysAddr, error) {
	va := uint64(a)
	switch {
	case k.cfg.KimageStart != 0 && va >= k.cfg.KimageStart:
		if k.cfg.KimageVoffset == 0 {
			return 0, errors.Wrap(core.Unreadable(a), "kimage_voffset not configured")
		}
		return core.PhysAddr(va - k.cfg.KimageVoffset), nil
	case va >= k.cfg.PageOffset:
		return core.PhysAddr(va - k.cfg.PageOffset + k.cfg.PhysOffset), nil
	}
	return 0, core.Unreadable(a)
}

func (k *Kernel) ReadPhysAt(b []byte, pa core.PhysAddr) error {
	return k.phys.ReadPhysAt(b, pa)
}

func (k *Kernel) read(a core.Address, b []byte) error {
	pa, err := k.Phys(a)
	if err != nil {
		return err
	}
	if err := k.phys.ReadPhysAt(b, pa); err != nil {
		return errors.Wrapf(err, "read %s", a)
	}
	return nil
}

func (k *Kernel) PtrSize() int64 { return k.cfg.PtrSize }

func (k *Kernel) ReadU8(a core.Address) (uint8, error) {
	var b [1]byte
	err := k.read(a, b[:])
	return b[0], err
}

func (k *Kernel) ReadU16(a core.Address) (uint16, error) {
	var b [2]byte
	if err := k.read(a, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (k *Kernel) ReadU32(a core.Address) (uint32, error) {
	var b [4]byte
	if err := k.read(a, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (k *Kernel) ReadU64(a core.Address) (uint64, error) {
	var b [8]byte
	if err := k.read(a, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (k *Kernel) ReadWord(a core.Address) (uint64, error) {
	if k.cfg.PtrSize == 4 {
		v, err := k.ReadU32(a)
		return uint64(v), err
	}
	return k.ReadU64(a)
}

// ReadCString reads up to the first NUL, page by page, so that a string
// ending just before an uncaptured page is still returned.
func (k *Kernel) ReadCString(a core.Address, max int) (string, error) {
	var out []byte
	for len(out) < max {
		n := int(core.PageSize - a.PageOffset())
		if rest := max - len(out); n > rest {
			n = rest
		}
		buf := make([]byte, n)
		if err := k.read(a, buf); err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		for i, c := range buf {
			if c == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
		a = a.Add(int64(n))
	}
	return string(out), nil
}

func (k *Kernel) FieldOffset(typ, field string) (int64, bool) {
	return k.table.FieldOffset(typ, field)
}

func (k *Kernel) Sizeof(typ string) (int64, bool) {
	return k.table.Sizeof(typ)
}

func (k *Kernel) KernelVersion() core.Version { return k.version }

func (k *Kernel) Symbol(name string) (core.Address, bool) {
	a, ok := k.syms[name]
	return a, ok
}
