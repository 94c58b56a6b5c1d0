package zram

import (
	"encoding/binary"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
	"github.com/grafana/ramparse/pkg/ramdump/mmu"
)

const (
	component = "zram"

	// Size of the compressor name buffer in struct zram.
	maxCompressorName = 128
)

var errEmptySlot = errors.New("swap slot is empty")

// Reader resolves swap entries that point into zram devices. It implements
// mmu.CompressedReader.
type Reader struct {
	logger  log.Logger
	view    core.MemoryView
	cfg     Config
	format  SwapFormat
	metrics *diag.Metrics

	mu      sync.Mutex
	devices map[uint]*device
	memmap  *core.Address
}

var _ mmu.CompressedReader = (*Reader)(nil)

type device struct {
	table      core.Address
	pool       core.Address
	compressor string
	decompress decompressFunc
	err        error
}

type Option func(*Reader)

func WithMetrics(m *diag.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

func NewReader(logger log.Logger, view core.MemoryView, arch mmu.Arch, cfg Config, opts ...Option) *Reader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.PhysBits == 0 {
		cfg.PhysBits = 48
		if view.PtrSize() == 4 {
			cfg.PhysBits = 32
		}
	}
	r := &Reader{
		logger:  log.With(logger, "component", component),
		view:    view,
		cfg:     cfg,
		format:  SwapFormatFor(arch),
		devices: make(map[uint]*device),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReadPage returns the decompressed page stored under the swap entry pte.
func (r *Reader) ReadPage(va core.Address, pte uint64) ([]byte, bool) {
	e := r.format.Decode(pte)
	page, same, err := r.readEntry(e)
	if err != nil {
		level.Debug(r.logger).Log("msg", "failed to read compressed page", "va", va, "type", e.Type, "offset", e.Offset, "err", err)
		r.metrics.CompressedPage("failed")
		return nil, false
	}
	if same {
		r.metrics.CompressedPage("same_filled")
	} else {
		r.metrics.CompressedPage("ok")
	}
	return page, true
}

func (r *Reader) readEntry(e SwapEntry) (page []byte, same bool, err error) {
	dev := r.device(e.Type)
	if dev.err != nil {
		return nil, false, dev.err
	}
	entSize, ok := r.view.Sizeof("zram_table_entry")
	if !ok {
		return nil, false, errors.Wrap(core.ErrNoField, "sizeof zram_table_entry")
	}
	ent := dev.table.Add(int64(e.Offset) * entSize)
	handle, err := core.ReadWordField(r.view, ent, "zram_table_entry", "handle")
	if err != nil {
		return nil, false, err
	}
	flags, err := core.ReadWordField(r.view, ent, "zram_table_entry", "flags")
	if err != nil {
		return nil, false, err
	}

	if flags&(1<<r.cfg.SameBit) != 0 {
		return r.sameFilled(handle), true, nil
	}
	if handle == 0 {
		return nil, false, errEmptySlot
	}
	size := int(flags & (1<<r.cfg.FlagShift - 1))
	obj, err := r.readObject(dev, handle)
	if err != nil {
		return nil, false, err
	}
	if size == core.PageSize || flags&(1<<r.cfg.HugeBit) != 0 {
		if len(obj) < core.PageSize {
			return nil, false, errors.Errorf("incompressible object of %d bytes", len(obj))
		}
		return obj[:core.PageSize], false, nil
	}
	if size == 0 || size > len(obj) {
		return nil, false, errors.Errorf("object size %d outside class of %d bytes", size, len(obj))
	}
	page, err = dev.decompress(obj[:size])
	if err != nil {
		return nil, false, errors.Wrapf(err, "decompress %d bytes with %s", size, dev.compressor)
	}
	return page, false, nil
}

// sameFilled expands the repeated word of a same-filled page.
func (r *Reader) sameFilled(v uint64) []byte {
	ptr := int(r.view.PtrSize())
	page := make([]byte, core.PageSize)
	for i := 0; i < core.PageSize; i += ptr {
		if ptr == 4 {
			binary.LittleEndian.PutUint32(page[i:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(page[i:], v)
		}
	}
	return page
}

// device resolves swap type t to its zram device once.
func (r *Reader) device(t uint) *device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[t]; ok {
		return d
	}
	d := &device{}
	d.err = r.loadDevice(t, d)
	if d.err != nil {
		level.Warn(r.logger).Log("msg", "swap device is not a usable zram device", "type", t, "err", d.err)
	}
	r.devices[t] = d
	return d
}

func (r *Reader) loadDevice(t uint, d *device) error {
	swapInfo, ok := r.view.Symbol("swap_info")
	if !ok {
		return errors.New("no swap_info symbol")
	}
	si, err := r.view.ReadWord(swapInfo.Add(int64(t) * r.view.PtrSize()))
	if err != nil {
		return errors.Wrap(err, "swap_info")
	}
	if si == 0 {
		return errors.Errorf("swap type %d is not in use", t)
	}
	bdev, err := core.ReadPtrField(r.view, core.Address(si), "swap_info_struct", "bdev")
	if err != nil {
		return err
	}
	disk, err := core.ReadPtrField(r.view, bdev, "block_device", "bd_disk")
	if err != nil {
		return err
	}
	zram, err := core.ReadPtrField(r.view, disk, "gendisk", "private_data")
	if err != nil {
		return err
	}
	if d.table, err = core.ReadPtrField(r.view, zram, "zram", "table"); err != nil {
		return err
	}
	if d.pool, err = core.ReadPtrField(r.view, zram, "zram", "mem_pool"); err != nil {
		return err
	}
	name, err := core.FieldAddr(r.view, zram, "zram", "compressor")
	if err != nil {
		return err
	}
	if d.compressor, err = r.view.ReadCString(name, maxCompressorName); err != nil {
		return errors.Wrap(err, "compressor name")
	}
	d.decompress, err = decompressor(d.compressor)
	return err
}

func (r *Reader) indexBits() uint {
	return uint(r.view.PtrSize()*8) - (r.cfg.PhysBits - core.PageShift) - r.cfg.ObjTagBits
}

// readObject copies the zsmalloc object behind handle, without its handle
// header.
func (r *Reader) readObject(dev *device, handle uint64) ([]byte, error) {
	obj, err := r.view.ReadWord(core.Address(handle))
	if err != nil {
		return nil, errors.Wrap(err, "handle")
	}
	obj >>= r.cfg.ObjTagBits
	bits := r.indexBits()
	pfn := obj >> bits
	idx := obj & (1<<bits - 1)

	page, err := r.pageOf(pfn)
	if err != nil {
		return nil, err
	}
	classSize, err := r.classSize(dev, page)
	if err != nil {
		return nil, err
	}
	off := (classSize * idx) % core.PageSize
	buf := make([]byte, classSize)
	first := uint64(core.PageSize) - off
	if first > classSize {
		first = classSize
	}
	if err := r.view.ReadPhysAt(buf[:first], core.PhysAddr(pfn<<core.PageShift+off)); err != nil {
		return nil, err
	}
	if first < classSize {
		next, err := core.ReadPtrField(r.view, page, "page", r.cfg.NextPageField)
		if err != nil {
			return nil, errors.Wrap(err, "next zspage page")
		}
		npfn, err := r.pfnOf(next)
		if err != nil {
			return nil, err
		}
		if err := r.view.ReadPhysAt(buf[first:], core.PhysAddr(npfn<<core.PageShift)); err != nil {
			return nil, err
		}
	}
	if classSize < core.PageSize {
		buf = buf[r.view.PtrSize():]
	}
	return buf, nil
}

func (r *Reader) classSize(dev *device, page core.Address) (uint64, error) {
	zspage, err := core.ReadPtrField(r.view, page, "page", "private")
	if err != nil {
		return 0, errors.Wrap(err, "zspage")
	}
	w, err := r.view.ReadU32(zspage)
	if err != nil {
		return 0, errors.Wrap(err, "zspage class")
	}
	class := (w >> r.cfg.ClassShift) & (1<<r.cfg.ClassBits - 1)
	classes, err := core.FieldAddr(r.view, dev.pool, "zs_pool", "size_class")
	if err != nil {
		return 0, err
	}
	sc, err := r.view.ReadWord(classes.Add(int64(class) * r.view.PtrSize()))
	if err != nil {
		return 0, errors.Wrap(err, "size_class")
	}
	size, err := core.ReadU32Field(r.view, core.Address(sc), "size_class", "size")
	if err != nil {
		return 0, err
	}
	if size == 0 || size > core.PageSize {
		return 0, errors.Errorf("size class %d has size %d", class, size)
	}
	return uint64(size), nil
}

func (r *Reader) memmapBase() (core.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memmap != nil {
		return *r.memmap, nil
	}
	var base core.Address
	switch {
	case r.cfg.VmemmapBase != 0:
		base = core.Address(r.cfg.VmemmapBase)
	default:
		if a, ok := r.view.Symbol("mem_map"); ok {
			v, err := r.view.ReadWord(a)
			if err != nil {
				return 0, errors.Wrap(err, "mem_map")
			}
			base = core.Address(v)
		} else if a, ok := r.view.Symbol("vmemmap"); ok {
			base = a
		} else {
			return 0, errors.New("no struct page array: set the vmemmap base")
		}
	}
	r.memmap = &base
	return base, nil
}

func (r *Reader) pageSize() (int64, error) {
	size, ok := r.view.Sizeof("page")
	if !ok || size == 0 {
		return 0, errors.Wrap(core.ErrNoField, "sizeof page")
	}
	return size, nil
}

func (r *Reader) pageOf(pfn uint64) (core.Address, error) {
	base, err := r.memmapBase()
	if err != nil {
		return 0, err
	}
	size, err := r.pageSize()
	if err != nil {
		return 0, err
	}
	if pfn < r.cfg.PFNOffset {
		return 0, errors.Errorf("pfn %#x below first pfn %#x", pfn, r.cfg.PFNOffset)
	}
	return base.Add(int64(pfn-r.cfg.PFNOffset) * size), nil
}

func (r *Reader) pfnOf(page core.Address) (uint64, error) {
	base, err := r.memmapBase()
	if err != nil {
		return 0, err
	}
	size, err := r.pageSize()
	if err != nil {
		return 0, err
	}
	if page < base || page.Sub(base)%size != 0 {
		return 0, errors.Errorf("%s is not a struct page", page)
	}
	return uint64(page.Sub(base)/size) + r.cfg.PFNOffset, nil
}
