// Package segment keeps track of the memory segments a dump is made of and
// the files holding their bytes.
package segment

import (
	"bytes"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// Segment is one captured range of physical memory.
type Segment struct {
	Name        string
	Description string
	PhysBase    core.PhysAddr
	Size        int64
	// File holds the bytes starting at FileOffset.
	File       string
	FileOffset int64
}

func (s Segment) End() core.PhysAddr { return s.PhysBase.Add(s.Size) }

// Registry owns the segments of one dump and their open files. Files are
// opened on first use and shared by all segments stored in them.
type Registry struct {
	fs     afero.Fs
	logger log.Logger

	mu       sync.Mutex
	segments []Segment
	byName   map[string]int
	files    map[string]*backing
}

type backing struct {
	f    afero.File
	data []byte // set when memory mapped
	err  error
}

func NewRegistry(fs afero.Fs, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		fs:     fs,
		logger: log.With(logger, "component", "segment"),
		byName: map[string]int{},
		files:  map[string]*backing{},
	}
}

func (r *Registry) Register(s Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[s.Name]; ok {
		return errors.Errorf("segment %s registered twice", s.Name)
	}
	if s.Size < 0 || s.FileOffset < 0 {
		return errors.Errorf("segment %s: negative size or offset", s.Name)
	}
	r.byName[s.Name] = len(r.segments)
	r.segments = append(r.segments, s)
	return nil
}

func (r *Registry) Lookup(name string) (Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byName[name]
	if !ok {
		return Segment{}, false
	}
	return r.segments[i], true
}

// Segments returns the registered segments ordered by physical address.
func (r *Registry) Segments() []Segment {
	r.mu.Lock()
	out := lo.Map(r.segments, func(s Segment, _ int) Segment { return s })
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].PhysBase < out[j].PhysBase })
	return out
}

// Open returns a reader over the bytes of segment name.
func (r *Registry) Open(name string) (io.ReaderAt, error) {
	s, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Errorf("unknown segment %s", name)
	}
	b, err := r.backing(s.File)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %s", name)
	}
	if b.data != nil {
		data, err := b.slice(s)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
	return io.NewSectionReader(b.f, s.FileOffset, s.Size), nil
}

func (b *backing) slice(s Segment) ([]byte, error) {
	end := s.FileOffset + s.Size
	if end > int64(len(b.data)) {
		return nil, errors.Errorf("segment %s: %s holds %d bytes, need %d", s.Name, s.File, len(b.data), end)
	}
	return b.data[s.FileOffset:end], nil
}

func (r *Registry) backing(path string) (*backing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.files[path]; ok {
		return b, b.err
	}
	b := &backing{}
	r.files[path] = b
	b.f, b.err = r.fs.Open(path)
	if b.err != nil {
		return b, b.err
	}
	if osf, ok := b.f.(*os.File); ok {
		fi, err := osf.Stat()
		if err == nil && fi.Size() > 0 && fi.Size() == int64(int(fi.Size())) {
			data, mapped, err := core.MapFile(osf, 0, int(fi.Size()))
			switch {
			case err != nil:
				level.Debug(r.logger).Log("msg", "mmap failed, reading through the page cache", "file", path, "err", err)
			case mapped:
				b.data = data
			}
		}
	}
	return b, nil
}

// PhysMemory assembles the physical address space from every segment.
// Segments whose files cannot be opened are left out and logged; it fails
// only when no segment is usable.
func (r *Registry) PhysMemory(cacheSize int) (*core.PhysMemory, error) {
	pm := core.NewPhysMemory(cacheSize)
	var errs error
	added := 0
	for _, s := range r.Segments() {
		if s.Size == 0 {
			continue
		}
		if err := r.addSegment(pm, s); err != nil {
			level.Warn(r.logger).Log("msg", "segment left out of physical memory", "segment", s.Name, "err", err)
			errs = multierror.Append(errs, err)
			continue
		}
		added++
	}
	if added == 0 {
		if errs == nil {
			errs = errors.New("no segments registered")
		}
		return nil, errors.Wrap(errs, "build physical memory")
	}
	return pm, nil
}

func (r *Registry) addSegment(pm *core.PhysMemory, s Segment) error {
	b, err := r.backing(s.File)
	if err != nil {
		return errors.Wrapf(err, "segment %s", s.Name)
	}
	if b.data != nil && s.PhysBase%core.PageSize == 0 {
		data, err := b.slice(s)
		if err != nil {
			return err
		}
		return pm.AddBytes(s.Name, s.PhysBase, data)
	}
	return pm.Add(s.Name, s.PhysBase, s.Size, b.f, s.FileOffset)
}

// Close releases every opened file.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for path, b := range r.files {
		if b.data != nil {
			if err := core.UnmapFile(b.data); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "unmap %s", path))
			}
		}
		if b.f != nil {
			if err := b.f.Close(); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "close %s", path))
			}
		}
	}
	r.files = map[string]*backing{}
	return errs
}
