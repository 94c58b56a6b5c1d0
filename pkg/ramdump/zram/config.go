package zram

import (
	"flag"
)

type Config struct {
	// FlagShift is the number of low bits of a table entry's flags that
	// hold the compressed object size.
	FlagShift uint `yaml:"flag_shift"`
	SameBit   uint `yaml:"same_bit"`
	HugeBit   uint `yaml:"huge_bit"`

	ObjTagBits uint `yaml:"obj_tag_bits"`
	// PhysBits is MAX_POSSIBLE_PHYSMEM_BITS; 0 derives it from the pointer
	// size.
	PhysBits uint `yaml:"phys_bits"`
	// ClassShift and ClassBits locate the size class inside the first word
	// of struct zspage.
	ClassShift uint `yaml:"class_shift"`
	ClassBits  uint `yaml:"class_bits"`
	// NextPageField is the struct page member linking the pages of one
	// zspage.
	NextPageField string `yaml:"next_page_field"`

	// VmemmapBase is the address of the struct page for PFNOffset. When 0
	// the mem_map or vmemmap symbols are used.
	VmemmapBase uint64 `yaml:"vmemmap_base"`
	PFNOffset   uint64 `yaml:"pfn_offset"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.UintVar(&c.FlagShift, "zram.flag-shift", 24, "Bits of zram table flags holding the object size.")
	f.UintVar(&c.SameBit, "zram.same-bit", 25, "Flag bit marking same-filled pages.")
	f.UintVar(&c.HugeBit, "zram.huge-bit", 28, "Flag bit marking incompressible pages.")
	f.UintVar(&c.ObjTagBits, "zram.obj-tag-bits", 1, "Tag bits at the bottom of a zsmalloc object value.")
	f.UintVar(&c.PhysBits, "zram.phys-bits", 0, "MAX_POSSIBLE_PHYSMEM_BITS of the kernel. 0 picks 48 for 64-bit and 32 for 32-bit kernels.")
	f.UintVar(&c.ClassShift, "zram.class-shift", 2, "Bit position of the size class in struct zspage.")
	f.UintVar(&c.ClassBits, "zram.class-bits", 9, "Width of the size class in struct zspage.")
	f.StringVar(&c.NextPageField, "zram.next-page-field", "freelist", "struct page member linking zspage pages.")
	f.Uint64Var(&c.VmemmapBase, "zram.vmemmap-base", 0, "Address of the struct page array. 0 looks up mem_map or vmemmap.")
	f.Uint64Var(&c.PFNOffset, "zram.pfn-offset", 0, "First page frame number described by the struct page array.")
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}
