package kernel

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/layout"
)

const systemMap = `ffffff8008080000 T _text
ffffff8008f10000 D linux_banner
ffffff8009000000 D init_task
garbage
zzzz T broken
ffffff8009100000 D init_task

ffffff8009200000 B mem_map
`

func TestLoadSymbols(t *testing.T) {
	syms, skipped, err := LoadSymbols(strings.NewReader(systemMap))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	assert.Len(t, syms, 4)
	assert.Equal(t, core.Address(0xffffff8009000000), syms["init_task"])
}

const (
	physOffset    = 0x80000000
	kimageVoffset = 0xffffff8008000000 - physOffset - 0x1000000
)

func layouts() *layout.Set {
	s := &layout.Set{}
	s.Add(layout.NewTable(core.V(4, 19, 0), 8).SetField("task_struct", "pid", 1256, 4))
	s.Add(layout.NewTable(core.V(5, 10, 0), 8).SetField("task_struct", "pid", 1304, 4).SetSize("task_struct", 4352))
	return s
}

// newPhys maps two pages of RAM at physOffset and one kernel image page.
func newPhys(t *testing.T, banner string) (*core.PhysMemory, Symbols) {
	t.Helper()
	pm := core.NewPhysMemory(0)
	ram := make([]byte, 2*core.PageSize)
	binary.LittleEndian.PutUint64(ram[0x10:], 0x1122334455667788)
	copy(ram[core.PageSize-3:], "abcdef\x00")
	require.NoError(t, pm.AddBytes("DDR", physOffset, ram))

	img := make([]byte, core.PageSize)
	copy(img[0x100:], banner+"\x00")
	imgPhys := core.PhysAddr(0xffffff8008f10000 - kimageVoffset)
	require.NoError(t, pm.AddBytes("KIMAGE", imgPhys, img))
	return pm, Symbols{"linux_banner": 0xffffff8008f10100}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageOffset = 0xffffff8000000000
	cfg.PhysOffset = physOffset
	cfg.KimageStart = 0xffffff8008000000
	cfg.KimageVoffset = kimageVoffset
	return cfg
}

func TestKernel_BannerVersion(t *testing.T) {
	pm, syms := newPhys(t, "Linux version 5.15.78-android14-11-gdeadbeef (build-user@build-host) #1 SMP PREEMPT")
	k, err := New(nil, pm, layouts(), syms, testConfig())
	require.NoError(t, err)

	assert.Equal(t, core.V(5, 15, 78), k.KernelVersion())
	assert.Equal(t, int64(8), k.PtrSize())
	off, ok := k.FieldOffset("task_struct", "pid")
	require.True(t, ok)
	assert.Equal(t, int64(1304), off)
	size, ok := k.Sizeof("task_struct")
	require.True(t, ok)
	assert.Equal(t, int64(4352), size)
}

func TestKernel_ConfiguredVersion(t *testing.T) {
	pm, _ := newPhys(t, "")
	cfg := testConfig()
	cfg.Version = core.V(4, 19, 157)
	k, err := New(nil, pm, layouts(), Symbols{}, cfg)
	require.NoError(t, err)
	off, _ := k.FieldOffset("task_struct", "pid")
	assert.Equal(t, int64(1256), off)

	cfg.Version = core.V(4, 4, 0)
	_, err = New(nil, pm, layouts(), Symbols{}, cfg)
	assert.Error(t, err)
}

func TestKernel_Errors(t *testing.T) {
	pm, _ := newPhys(t, "")
	_, err := New(nil, pm, layouts(), Symbols{}, testConfig())
	assert.Error(t, err, "no banner symbol and no version")

	pm, syms := newPhys(t, "not a banner")
	_, err = New(nil, pm, layouts(), syms, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.PtrSize = 4
	cfg.Version = core.V(5, 10, 0)
	_, err = New(nil, pm, layouts(), syms, cfg)
	assert.Error(t, err, "layout pointer size mismatch")
}

func TestKernel_Reads(t *testing.T) {
	pm, syms := newPhys(t, "Linux version 5.10.43 (a@b) #1")
	k, err := New(nil, pm, layouts(), syms, testConfig())
	require.NoError(t, err)

	base := core.Address(0xffffff8000000000)
	pa, err := k.Phys(base.Add(0x10))
	require.NoError(t, err)
	assert.Equal(t, core.PhysAddr(physOffset+0x10), pa)

	v, err := k.ReadU64(base.Add(0x10))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)
	w, err := k.ReadWord(base.Add(0x10))
	require.NoError(t, err)
	assert.Equal(t, v, w)
	u32, err := k.ReadU32(base.Add(0x14))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), u32)
	u16, err := k.ReadU16(base.Add(0x10))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x7788), u16)

	// Crosses a page boundary.
	s, err := k.ReadCString(base.Add(core.PageSize-3), 64)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", s)
	s, err = k.ReadCString(base.Add(core.PageSize-3), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", s)

	_, err = k.ReadU8(base.Add(3 * core.PageSize))
	assert.ErrorIs(t, err, core.ErrUnreadable)
	_, err = k.Phys(0x1000)
	assert.ErrorIs(t, err, core.ErrUnreadable)

	banner, err := k.ReadCString(syms["linux_banner"], maxBannerLen)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(banner, "Linux version 5.10.43"))

	cfg := testConfig()
	cfg.KimageVoffset = 0
	cfg.Version = core.V(5, 10, 0)
	k, err = New(nil, pm, layouts(), syms, cfg)
	require.NoError(t, err)
	_, err = k.ReadU8(syms["linux_banner"])
	assert.ErrorIs(t, err, core.ErrUnreadable)
}
