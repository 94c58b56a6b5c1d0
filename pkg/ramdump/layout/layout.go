// Package layout holds the struct layouts of a kernel build: for each type
// its size and the offset and size of the fields the walkers touch. Tables
// are produced ahead of time from the debug build (one per kernel version)
// so nothing here parses debug info.
package layout

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

type Field struct {
	Offset int64 `yaml:"offset"`
	Size   int64 `yaml:"size,omitempty"`
}

type Type struct {
	Size   int64            `yaml:"size"`
	Fields map[string]Field `yaml:"fields,omitempty"`
}

// Table is the layout of one kernel build.
type Table struct {
	Version core.Version     `yaml:"version"`
	PtrSize int64            `yaml:"ptr_size"`
	Types   map[string]*Type `yaml:"types"`
}

func NewTable(v core.Version, ptrSize int64) *Table {
	return &Table{Version: v, PtrSize: ptrSize, Types: map[string]*Type{}}
}

func (t *Table) typ(name string) *Type {
	ty, ok := t.Types[name]
	if !ok {
		ty = &Type{Fields: map[string]Field{}}
		t.Types[name] = ty
	}
	if ty.Fields == nil {
		ty.Fields = map[string]Field{}
	}
	return ty
}

// SetField records typ.field at offset with the given size and returns t.
func (t *Table) SetField(typ, field string, offset, size int64) *Table {
	t.typ(typ).Fields[field] = Field{Offset: offset, Size: size}
	return t
}

// SetSize records sizeof(typ) and returns t.
func (t *Table) SetSize(typ string, size int64) *Table {
	t.typ(typ).Size = size
	return t
}

func (t *Table) FieldOffset(typ, field string) (int64, bool) {
	ty, ok := t.Types[typ]
	if !ok {
		return 0, false
	}
	f, ok := ty.Fields[field]
	return f.Offset, ok
}

func (t *Table) FieldSize(typ, field string) (int64, bool) {
	ty, ok := t.Types[typ]
	if !ok {
		return 0, false
	}
	f, ok := ty.Fields[field]
	return f.Size, ok
}

func (t *Table) Sizeof(typ string) (int64, bool) {
	ty, ok := t.Types[typ]
	if !ok || ty.Size == 0 {
		return 0, false
	}
	return ty.Size, true
}

func (t *Table) validate() error {
	if t.PtrSize != 4 && t.PtrSize != 8 {
		return errors.Errorf("layout %s: unsupported ptr_size %d", t.Version, t.PtrSize)
	}
	if t.Version.IsZero() {
		return errors.New("layout: missing version")
	}
	return nil
}

// Set is a collection of tables for different kernel versions.
type Set struct {
	tables []*Table
}

func (s *Set) Add(t *Table) {
	s.tables = append(s.tables, t)
	sort.SliceStable(s.tables, func(i, j int) bool {
		return s.tables[i].Version.Less(s.tables[j].Version)
	})
}

// Select returns the table of the newest version not newer than v.
func (s *Set) Select(v core.Version) (*Table, error) {
	var best *Table
	for _, t := range s.tables {
		if t.Version.Compare(v) > 0 {
			break
		}
		best = t
	}
	if best == nil {
		return nil, errors.Errorf("no layout table for kernel %s", v)
	}
	return best, nil
}

func (s *Set) Tables() []*Table {
	return s.tables
}

// Parse decodes a single YAML table.
func Parse(b []byte) (*Table, error) {
	t := &Table{}
	if err := yaml.Unmarshal(b, t); err != nil {
		return nil, errors.Wrap(err, "decode layout")
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.Types == nil {
		t.Types = map[string]*Type{}
	}
	return t, nil
}

// Load reads one table per path.
func Load(fs afero.Fs, paths ...string) (*Set, error) {
	s := &Set{}
	for _, p := range paths {
		b, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, errors.Wrapf(err, "read layout %s", p)
		}
		t, err := Parse(b)
		if err != nil {
			return nil, errors.Wrapf(err, "layout %s", p)
		}
		s.Add(t)
	}
	return s, nil
}
