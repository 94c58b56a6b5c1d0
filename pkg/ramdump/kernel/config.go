package kernel

import (
	"flag"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// Config describes the virtual memory layout of the crashed kernel. Zero
// values fall back to defaults for the pointer size of the layout table.
type Config struct {
	// PageOffset is the virtual address of PhysOffset in the linear map.
	PageOffset uint64 `yaml:"page_offset"`
	PhysOffset uint64 `yaml:"phys_offset"`
	// KimageVoffset is the difference between kernel image virtual
	// addresses and their physical addresses (arm64 only).
	KimageVoffset uint64 `yaml:"kimage_voffset"`
	KimageStart   uint64 `yaml:"kimage_start"`
	PtrSize       int64  `yaml:"ptr_size"`
	// Version overrides the release read from linux_banner.
	Version core.Version `yaml:"version"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.PageOffset, "kernel.page-offset", 0, "Virtual base of the kernel linear map. 0 picks the default for the pointer size.")
	f.Uint64Var(&c.PhysOffset, "kernel.phys-offset", 0, "Physical address mapped at the page offset.")
	f.Uint64Var(&c.KimageVoffset, "kernel.kimage-voffset", 0, "Offset between kernel image virtual and physical addresses.")
	f.Uint64Var(&c.KimageStart, "kernel.kimage-start", 0, "Lowest virtual address of the kernel image. 0 picks the default for the pointer size.")
	f.Int64Var(&c.PtrSize, "kernel.ptr-size", 0, "Pointer size in bytes. 0 takes it from the layout table.")
	f.Var(&c.Version, "kernel.version", "Kernel release, overriding linux_banner.")
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

const (
	defaultPageOffset64  = 0xffffff8000000000
	defaultKimageStart64 = 0xffffffc008000000
	defaultPageOffset32  = 0xc0000000
)

func (c Config) withDefaults(ptrSize int64) Config {
	if c.PtrSize == 0 {
		c.PtrSize = ptrSize
	}
	if c.PageOffset == 0 {
		c.PageOffset = defaultPageOffset64
		if c.PtrSize == 4 {
			c.PageOffset = defaultPageOffset32
		}
	}
	if c.KimageStart == 0 && c.PtrSize == 8 {
		c.KimageStart = defaultKimageStart64
	}
	return c
}
