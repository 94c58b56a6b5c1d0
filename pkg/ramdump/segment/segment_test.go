package segment

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const dumpInfo = `# index base size description file
1 0x80000000 0x2000 DDR CS0 DDR0.BIN
2 0x40000000 4096 OCIMEM OCIMEM.BIN
bogus line
3 0x90000100 0x100 PIMEM unaligned PIMEM.BIN
4 0xa0000000 0x1000 gone MISSING.BIN
`

func writeDump(t *testing.T, fs afero.Fs) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/dump", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/dump/"+DumpInfoFile, []byte(dumpInfo), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dump/DDR0.BIN", bytes.Repeat([]byte{0xdd}, 0x2000), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dump/OCIMEM.BIN", bytes.Repeat([]byte{0x0c}, 4096), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dump/PIMEM.BIN", bytes.Repeat([]byte{0x91}, 0x100), 0o644))
}

func TestLoadDumpInfo(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeDump(t, fs)
	r := NewRegistry(fs, nil)
	n, err := r.LoadDumpInfo("/dump")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	s, ok := r.Lookup("DDR0")
	require.True(t, ok)
	want := Segment{
		Name:        "DDR0",
		Description: "DDR CS0",
		PhysBase:    0x80000000,
		Size:        0x2000,
		File:        filepath.Join("/dump", "DDR0.BIN"),
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("DDR0 segment mismatch (-want +got):\n%s", diff)
	}

	var names []string
	for _, s := range r.Segments() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"OCIMEM", "DDR0", "PIMEM", "MISSING"}, names)

	_, err = NewRegistry(fs, nil).LoadDumpInfo("/nowhere")
	assert.Error(t, err)
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(afero.NewMemMapFs(), nil)
	require.NoError(t, r.Register(Segment{Name: "A"}))
	assert.Error(t, r.Register(Segment{Name: "A"}))
	assert.Error(t, r.Register(Segment{Name: "B", Size: -1}))
}

func TestPhysMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeDump(t, fs)
	r := NewRegistry(fs, nil)
	_, err := r.LoadDumpInfo("/dump")
	require.NoError(t, err)
	defer r.Close()

	pm, err := r.PhysMemory(0)
	require.NoError(t, err)

	b := make([]byte, 4)
	require.NoError(t, pm.ReadPhysAt(b, 0x80001ffc))
	assert.Equal(t, []byte{0xdd, 0xdd, 0xdd, 0xdd}, b)
	require.NoError(t, pm.ReadPhysAt(b, 0x90000100))
	assert.Equal(t, []byte{0x91, 0x91, 0x91, 0x91}, b)
	assert.ErrorIs(t, pm.ReadPhysAt(b, 0xa0000000), core.ErrUnreadable)
	assert.False(t, pm.Readable(0x80002000))

	require.NoError(t, r.Close())
}

func TestPhysMemory_NothingUsable(t *testing.T) {
	r := NewRegistry(afero.NewMemMapFs(), nil)
	_, err := r.PhysMemory(0)
	assert.Error(t, err)

	require.NoError(t, r.Register(Segment{Name: "X", PhysBase: 0x1000, Size: 10, File: "/x.BIN"}))
	_, err = r.PhysMemory(0)
	assert.Error(t, err)
}

func TestLoadCombined(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := append(append([]byte("HDR!"), bytes.Repeat([]byte{1}, 8)...), bytes.Repeat([]byte{2}, 4)...)
	require.NoError(t, afero.WriteFile(fs, "/ramdump.elf", data, 0o644))

	r := NewRegistry(fs, nil)
	require.NoError(t, r.LoadCombined("/ramdump.elf", 4, []Segment{
		{Name: "ONE", PhysBase: 0x1000, Size: 8},
		{Name: "TWO", PhysBase: 0x3000, Size: 16},
	}))

	two, ok := r.Lookup("TWO")
	require.True(t, ok)
	assert.Equal(t, int64(12), two.FileOffset)
	assert.Equal(t, int64(4), two.Size)

	ra, err := r.Open("ONE")
	require.NoError(t, err)
	got, err := io.ReadAll(io.NewSectionReader(ra, 0, 8))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, 8), got)

	_, err = r.Open("THREE")
	assert.Error(t, err)
	assert.Error(t, r.LoadCombined("/missing.elf", 0, nil))
}

func TestOpen_OsFile(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SEG.BIN"), payload, 0o644))

	r := NewRegistry(afero.NewOsFs(), nil)
	require.NoError(t, r.Register(Segment{Name: "SEG", PhysBase: 0x2000, Size: 16, File: filepath.Join(dir, "SEG.BIN"), FileOffset: 32}))
	ra, err := r.Open("SEG")
	require.NoError(t, err)
	b := make([]byte, 16)
	_, err = ra.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), b)

	pm, err := r.PhysMemory(0)
	require.NoError(t, err)
	require.NoError(t, pm.ReadPhysAt(b[:4], 0x2004))
	assert.Equal(t, []byte("4567"), b[:4])
	require.NoError(t, r.Close())
}
