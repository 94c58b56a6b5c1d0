package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ramparse/pkg/iter"
	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
	"github.com/grafana/ramparse/pkg/ramdump/memtest"
	"github.com/grafana/ramparse/pkg/ramdump/radix"
	"github.com/grafana/ramparse/pkg/ramdump/rbtree"
	"github.com/grafana/ramparse/pkg/ramdump/reassemble"
	"github.com/grafana/ramparse/pkg/ramdump/segment"
	"github.com/grafana/ramparse/pkg/ramdump/vma"
)

const configYAML = `
layouts: [/etc/ramparse/5.10.yaml]
system_map: /dumps/System.map
kernel:
  phys_offset: 0x80000000
  version: 5.10.43-android13
vma:
  max_path_hops: 4
reassemble:
  vmid: vm1_
  optional: [IMEM]
`

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ramparse.yaml", []byte(configYAML), 0o644))

	cfg, err := loadConfig(fs, "/ramparse.yaml", []string{
		"kernel.page-offset=0xffffffc000000000",
		"vma.maple-cutover=6.2.0",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/etc/ramparse/5.10.yaml"}, cfg.Layouts)
	assert.Equal(t, "/dumps/System.map", cfg.SystemMap)
	assert.Equal(t, core.DefaultPageCacheSize, cfg.PageCache)
	assert.Equal(t, uint64(0x80000000), cfg.Kernel.PhysOffset)
	assert.Equal(t, uint64(0xffffffc000000000), cfg.Kernel.PageOffset)
	assert.Equal(t, core.V(5, 10, 43), cfg.Kernel.Version)
	assert.Equal(t, 4, cfg.VMA.MaxPathHops)
	assert.Equal(t, 1<<16, cfg.VMA.MaxTasks)
	assert.Equal(t, core.V(6, 2, 0), cfg.VMA.MapleCutover)
	assert.Equal(t, "vm1_", cfg.Reassemble.VMID)
	assert.Equal(t, []string{"IMEM"}, cfg.Reassemble.Optional)
	assert.Equal(t, []string{"STR_TBL", "linux_banner"}, cfg.Reassemble.Sentinels)
	assert.Equal(t, os.FileMode(0o644), cfg.Reassemble.OutputPerm)
}

func TestLoadConfig_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := loadConfig(fs, "/missing.yaml", nil)
	assert.Error(t, err)
	_, err = loadConfig(fs, "", []string{"kernel.page-offset"})
	assert.Error(t, err)
	_, err = loadConfig(fs, "", []string{"no.such.option=1"})
	assert.Error(t, err)
	_, err = loadConfig(fs, "", []string{"vma.max-tasks=lots"})
	assert.Error(t, err)

	cfg, err := loadConfig(fs, "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.V(6, 1, 0), cfg.VMA.MapleCutover)
}

func TestOutputStats(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	require.NoError(t, outputStats(&buf, reg))
	assert.Contains(t, buf.String(), "nothing pruned")

	m := diag.NewMetrics(reg)
	m.ReadFailure("vma")
	m.ReadFailure("vma")
	m.CompressedPage("ok")
	buf.Reset()
	require.NoError(t, outputStats(&buf, reg))
	out := buf.String()
	assert.Contains(t, out, "ramdump_read_failures_total")
	assert.Contains(t, out, "component=vma")
	assert.Contains(t, out, "result=ok")
	assert.NotContains(t, out, "ramdump_pruned_edges_total")
}

func TestOutputTables(t *testing.T) {
	var buf bytes.Buffer
	outputSegments(&buf, []segment.Segment{{Name: "DDR0", PhysBase: 0x80000000, Size: 2 << 20, File: "DDR0.BIN"}})
	assert.Contains(t, buf.String(), "0x80200000")
	assert.Contains(t, buf.String(), "2.0 MiB")

	buf.Reset()
	outputVmas(&buf, &vma.TaskAddressSpace{Pid: 42, Comm: "app", Vmas: []vma.Vma{
		{Start: 0x400000, End: 0x401000, Flags: vma.VMRead | vma.VMExec, File: &vma.FileRef{Name: "app_process64", Path: "/system/bin/app_process64"}},
		{Start: 0x7f0000, End: 0x7f2000, Flags: vma.VMRead | vma.VMWrite},
	}})
	out := buf.String()
	assert.Contains(t, out, "pid 42 (app)")
	assert.Contains(t, out, "r-xp")
	assert.Contains(t, out, "/system/bin/app_process64")
	assert.Contains(t, out, "12 KiB")

	buf.Reset()
	outputReassembled(&buf, "out.elf", &reassemble.Result{HeaderSize: 64, Size: 64 + 4096, Segments: []reassemble.Segment{{Name: "KERNEL", Path: "md_KERNEL.BIN", Offset: 64, Size: 4096}}})
	assert.Contains(t, buf.String(), "md_KERNEL.BIN")

	buf.Reset()
	require.NoError(t, outputHexdump(&buf, []byte("ramdump")))
	assert.Contains(t, buf.String(), "|ramdump|")
}

func TestResolveRoot(t *testing.T) {
	m := memtest.New(core.V(5, 10, 0), 8)
	m.SetSymbol("vmap_area_root", 0xffffff8009001000)

	for _, tc := range []struct {
		in   string
		want core.Address
		err  bool
	}{
		{"vmap_area_root", 0xffffff8009001000, false},
		{"vmap_area_root+0x10", 0xffffff8009001010, false},
		{"0xffffff8000002000", 0xffffff8000002000, false},
		{"no_such_symbol", 0, true},
		{"vmap_area_root+zz", 0, true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := resolveRoot(m, tc.in)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRadixContainer(t *testing.T) {
	c, err := radixContainer("", core.V(4, 14, 0))
	require.NoError(t, err)
	assert.Equal(t, radix.RadixTreeRoot, c)
	c, err = radixContainer("", core.V(5, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, radix.XArrayRoot, c)
	c, err = radixContainer("maple", core.V(5, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, radix.MapleTreeRoot, c)
	_, err = radixContainer("btree", core.V(5, 10, 0))
	assert.Error(t, err)
}

func TestPrintNodes_Limit(t *testing.T) {
	m := memtest.NewKernel(core.V(5, 10, 0), 8)
	root := m.AllocType("rb_root")
	a, b := m.AllocType("rb_node"), m.AllocType("rb_node")
	m.Put(root, "rb_root", "rb_node", uint64(a))
	m.Put(a, "rb_node", "rb_right", uint64(b))
	m.Put(b, "rb_node", "__rb_parent_color", uint64(a))
	w := rbtree.New(nil, m)

	var buf bytes.Buffer
	require.NoError(t, printNodes(&buf, iter.NewLimitIterator(w.Iterate(root), 1)))
	assert.Equal(t, a.String()+"\n", buf.String())

	buf.Reset()
	require.NoError(t, printNodes(&buf, iter.NewLimitIterator(w.Iterate(root), 0)))
	assert.Equal(t, a.String()+"\n"+b.String()+"\n", buf.String())

	assert.ErrorIs(t, printNodes(&buf, iter.NewErrIterator[core.Address](core.ErrNoField)), core.ErrNoField)
}
