package core

import (
	"encoding/binary"
	"io"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultPageCacheSize is the number of physical pages PhysMemory keeps
// decoded when its backings are not memory mapped.
const DefaultPageCacheSize = 4096

// PhysMemory is the physical address space of the dump, assembled from the
// segments that were captured. It is read-only once built and safe for
// concurrent readers.
type PhysMemory struct {
	mu      sync.RWMutex
	spliced splicedMemory
	table   *pageTable4

	cache *lru.Cache[uint64, []byte]
}

// NewPhysMemory returns an empty physical memory. cacheSize pages are cached
// for segments read through io.ReaderAt; zero selects DefaultPageCacheSize.
func NewPhysMemory(cacheSize int) *PhysMemory {
	if cacheSize <= 0 {
		cacheSize = DefaultPageCacheSize
	}
	cache, err := lru.New[uint64, []byte](cacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &PhysMemory{table: new(pageTable4), cache: cache}
}

// Add maps size bytes of r, starting at file offset off, at physical address
// base. Later additions shadow earlier ones where they overlap.
func (m *PhysMemory) Add(name string, base PhysAddr, size int64, r io.ReaderAt, off int64) error {
	return m.add(name, base, size, r, off, nil)
}

// AddBytes maps an in-memory (or memory mapped) buffer at base.
func (m *PhysMemory) AddBytes(name string, base PhysAddr, data []byte) error {
	return m.add(name, base, int64(len(data)), nil, 0, data)
}

func (m *PhysMemory) add(name string, base PhysAddr, size int64, r io.ReaderAt, off int64, contents []byte) error {
	if size <= 0 {
		return nil
	}
	if contents != nil && base%pageSize != 0 {
		return errors.Errorf("segment %s: in-memory base %s isn't page aligned", name, base)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spliced.Add(base, base.Add(size), name, r, off, contents)
	table := new(pageTable4)
	for _, mp := range m.spliced.mappings {
		if err := table.addMapping(mp); err != nil {
			return errors.Wrapf(err, "segment %s", mp.name)
		}
	}
	m.table = table
	m.cache.Purge()
	return nil
}

// Mappings returns the captured physical ranges in address order.
func (m *PhysMemory) Mappings() []*Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]*Mapping(nil), m.spliced.mappings...)
	sort.Slice(out, func(i, j int) bool { return out[i].min < out[j].min })
	return out
}

// Readable reports whether pa is captured by the dump.
func (m *PhysMemory) Readable(pa PhysAddr) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.findMapping(pa) != nil
}

// ReadPhysAt implements PhysReader.
func (m *PhysMemory) ReadPhysAt(b []byte, pa PhysAddr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for len(b) > 0 {
		mp := m.table.findMapping(pa)
		if mp == nil {
			return UnreadablePhys(pa)
		}
		n := int64(len(b))
		if rest := mp.max.Sub(pa); n > rest {
			n = rest
		}
		if err := m.readMapping(mp, b[:n], pa); err != nil {
			return err
		}
		b = b[n:]
		pa = pa.Add(n)
	}
	return nil
}

func (m *PhysMemory) readMapping(mp *Mapping, b []byte, pa PhysAddr) error {
	if mp.r == nil {
		off := pa.Sub(mp.min)
		if off+int64(len(b)) > int64(len(mp.contents)) {
			return UnreadablePhys(pa.Add(int64(len(mp.contents)) - off))
		}
		copy(b, mp.contents[off:])
		return nil
	}
	for len(b) > 0 {
		page, err := m.page(mp, pa&^(pageSize-1))
		if err != nil {
			return err
		}
		in := int64(pa % pageSize)
		if in >= int64(len(page)) {
			return UnreadablePhys(pa)
		}
		n := copy(b, page[in:])
		b = b[n:]
		pa = pa.Add(int64(n))
	}
	return nil
}

// page returns the bytes of the captured page at base, which may be short
// when the backing file ends mid-page.
func (m *PhysMemory) page(mp *Mapping, base PhysAddr) ([]byte, error) {
	pfn := base.PFN()
	if p, ok := m.cache.Get(pfn); ok {
		return p, nil
	}
	p := make([]byte, pageSize)
	// A segment starting mid-page has a negative offset for its first page;
	// the bytes before it read as zero.
	off, skip := mp.off+base.Sub(mp.min), 0
	if off < 0 {
		skip, off = int(-off), 0
	}
	// The page tail past the end of the segment reads as zero; the file
	// may hold another segment's bytes there.
	buf := p[skip:]
	if rest := mp.end - off; rest < int64(len(buf)) {
		if rest <= 0 {
			return nil, UnreadablePhys(base)
		}
		buf = buf[:rest]
	}
	n, err := mp.r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read segment %s at %s", mp.name, base)
	}
	if n == 0 {
		return nil, UnreadablePhys(base)
	}
	if n < len(buf) {
		p = p[:skip+n]
	}
	m.cache.Add(pfn, p)
	return p, nil
}

// ReadPhysU64 reads a little-endian 64-bit word at pa.
func ReadPhysU64(r PhysReader, pa PhysAddr) (uint64, error) {
	var b [8]byte
	if err := r.ReadPhysAt(b[:], pa); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadPhysU32 reads a little-endian 32-bit word at pa.
func ReadPhysU32(r PhysReader, pa PhysAddr) (uint32, error) {
	var b [4]byte
	if err := r.ReadPhysAt(b[:], pa); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
