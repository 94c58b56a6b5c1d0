package layout

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const table510 = `
version: 5.10.0
ptr_size: 8
types:
  rb_node:
    size: 24
    fields:
      __rb_parent_color: {offset: 0, size: 8}
      rb_right: {offset: 8, size: 8}
      rb_left: {offset: 16, size: 8}
  task_struct:
    size: 4352
    fields:
      pid: {offset: 1256, size: 4}
`

const table61 = `
version: 6.1.0
ptr_size: 8
types:
  task_struct:
    size: 4480
    fields:
      pid: {offset: 1304, size: 4}
`

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(table510))
	require.NoError(t, err)
	assert.Equal(t, core.V(5, 10, 0), tbl.Version)

	off, ok := tbl.FieldOffset("rb_node", "rb_left")
	require.True(t, ok)
	assert.Equal(t, int64(16), off)

	size, ok := tbl.FieldSize("task_struct", "pid")
	require.True(t, ok)
	assert.Equal(t, int64(4), size)

	_, ok = tbl.FieldOffset("rb_node", "rb_color")
	assert.False(t, ok)
	_, ok = tbl.Sizeof("mm_struct")
	assert.False(t, ok)

	_, err = Parse([]byte("version: 5.10.0\nptr_size: 2\n"))
	assert.Error(t, err)
}

func TestSetSelect(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/layouts/5.10.yaml", []byte(table510), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/layouts/6.1.yaml", []byte(table61), 0o644))

	set, err := Load(fs, "/layouts/6.1.yaml", "/layouts/5.10.yaml")
	require.NoError(t, err)

	for _, tc := range []struct {
		kernel core.Version
		want   core.Version
	}{
		{core.V(5, 10, 43), core.V(5, 10, 0)},
		{core.V(5, 15, 78), core.V(5, 10, 0)},
		{core.V(6, 1, 0), core.V(6, 1, 0)},
		{core.V(6, 6, 30), core.V(6, 1, 0)},
	} {
		tbl, err := set.Select(tc.kernel)
		require.NoError(t, err)
		assert.Equal(t, tc.want, tbl.Version, "kernel %s", tc.kernel)
	}

	_, err = set.Select(core.V(4, 19, 0))
	assert.Error(t, err)

	_, err = Load(fs, "/layouts/missing.yaml")
	assert.Error(t, err)
}

func TestTableBuilder(t *testing.T) {
	tbl := NewTable(core.V(6, 1, 0), 8).
		SetField("mm_struct", "pgd", 72, 8).
		SetSize("mm_struct", 1024)

	off, ok := tbl.FieldOffset("mm_struct", "pgd")
	require.True(t, ok)
	assert.Equal(t, int64(72), off)
	size, ok := tbl.Sizeof("mm_struct")
	require.True(t, ok)
	assert.Equal(t, int64(1024), size)
}
