package vma

import (
	"flag"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/diag"
	"github.com/grafana/ramparse/pkg/ramdump/mmu"
	"github.com/grafana/ramparse/pkg/ramdump/radix"
)

const component = "vma"

var (
	// ErrProcessNotFound is returned when no task matches a selector.
	ErrProcessNotFound = errors.New("process not found")
	// ErrNoAddressSpace is returned for tasks without user memory.
	ErrNoAddressSpace = errors.New("task has no address space")

	errLimit = errors.New("vma limit reached")
)

type Config struct {
	// MapleCutover is the first kernel keeping memory areas in a maple
	// tree instead of a linked list.
	MapleCutover core.Version `yaml:"maple_cutover"`
	MaxTasks     int          `yaml:"max_tasks"`
	MaxPathHops  int          `yaml:"max_path_hops"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.MapleCutover = core.V(6, 1, 0)
	f.Var(&c.MapleCutover, "vma.maple-cutover", "First kernel version storing memory areas in a maple tree.")
	f.IntVar(&c.MaxTasks, "vma.max-tasks", 1<<16, "Upper bound on the task list length.")
	f.IntVar(&c.MaxPathHops, "vma.max-path-hops", 8, "Upper bound on dentry and mount hops when resolving file paths.")
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

// WalkerFactory creates the page table walker for the tables at root.
type WalkerFactory func(root core.PhysAddr) (mmu.PageTableWalker, error)

type Enumerator struct {
	base       log.Logger
	logger     log.Logger
	view       core.MemoryView
	cfg        Config
	metrics    *diag.Metrics
	newWalker  WalkerFactory
	compressed mmu.CompressedReader

	maple bool
	trie  *radix.Walker
}

type Option func(*Enumerator)

func WithWalkerFactory(f WalkerFactory) Option {
	return func(e *Enumerator) { e.newWalker = f }
}

// WithCompressedReader lets reads fall back to swapped out pages.
func WithCompressedReader(r mmu.CompressedReader) Option {
	return func(e *Enumerator) { e.compressed = r }
}

func WithMetrics(m *diag.Metrics) Option {
	return func(e *Enumerator) { e.metrics = m }
}

func NewEnumerator(logger log.Logger, view core.MemoryView, cfg Config, opts ...Option) *Enumerator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Enumerator{
		base:   logger,
		logger: log.With(logger, "component", component),
		view:   view,
		cfg:    cfg,
		maple:  view.KernelVersion().AtLeast(cfg.MapleCutover),
	}
	e.newWalker = func(root core.PhysAddr) (mmu.PageTableWalker, error) {
		arch, err := mmu.ArchFromPtrSize(view.PtrSize())
		if err != nil {
			return nil, err
		}
		return mmu.NewWalker(view, root, arch)
	}
	for _, o := range opts {
		o(e)
	}
	e.trie = radix.New(logger, view, radix.WithContainer(radix.MapleTreeRoot), radix.WithMetrics(e.metrics))
	return e
}

func (e *Enumerator) readFailure(what string, a core.Address, err error) {
	level.Debug(e.logger).Log("msg", "read failed", "what", what, "addr", a, "err", err)
	e.metrics.ReadFailure(component)
}

// Tasks walks the task list starting at init_task. A corrupted list yields
// the tasks found before the corruption.
func (e *Enumerator) Tasks() ([]Task, error) {
	head, ok := e.view.Symbol("init_task")
	if !ok {
		return nil, errors.New("no init_task symbol")
	}
	off, ok := e.view.FieldOffset("task_struct", "tasks")
	if !ok {
		return nil, errors.Wrap(core.ErrNoField, "task_struct.tasks")
	}
	var tasks []Task
	seen := map[core.Address]struct{}{}
	for cur := head; ; {
		if _, ok := seen[cur]; ok {
			level.Warn(e.logger).Log("msg", "task list loops without returning to init_task", "task", cur)
			e.metrics.TruncatedWalk(component)
			break
		}
		if len(tasks) >= e.cfg.MaxTasks {
			level.Warn(e.logger).Log("msg", "task list longer than limit", "limit", e.cfg.MaxTasks)
			e.metrics.TruncatedWalk(component)
			break
		}
		seen[cur] = struct{}{}
		tasks = append(tasks, e.task(cur))

		next, err := core.ReadPtrField(e.view, cur.Add(off), "list_head", "next")
		if err != nil {
			e.readFailure("task list", cur, err)
			break
		}
		cur = next.Add(-off)
		if cur == head || next == 0 {
			break
		}
	}
	return tasks, nil
}

func (e *Enumerator) task(a core.Address) Task {
	t := Task{Addr: a}
	if pid, err := core.ReadU32Field(e.view, a, "task_struct", "pid"); err == nil {
		t.Pid = pid
	} else {
		e.readFailure("task pid", a, err)
	}
	comm, err := core.FieldAddr(e.view, a, "task_struct", "comm")
	if err == nil {
		t.Comm, err = e.view.ReadCString(comm, 16)
	}
	if err != nil {
		e.readFailure("task comm", a, err)
	}
	return t
}

// Enumerate returns the address space of the first task matching sel with
// at most maxCount memory areas; maxCount <= 0 means no limit. Only a
// missing process is an error: unreadable parts of the address space are
// logged and left out.
func (e *Enumerator) Enumerate(sel Selector, maxCount int) (*TaskAddressSpace, error) {
	tasks, err := e.Tasks()
	if err != nil {
		return nil, err
	}
	var task *Task
	for i := range tasks {
		if sel.Match(tasks[i]) {
			task = &tasks[i]
			break
		}
	}
	if task == nil {
		return nil, errors.Wrapf(ErrProcessNotFound, "%s", sel)
	}
	as := &TaskAddressSpace{Pid: task.Pid, Comm: task.Comm, Task: task.Addr}

	mm, err := core.ReadPtrField(e.view, task.Addr, "task_struct", "mm")
	if err != nil {
		e.readFailure("task mm", task.Addr, err)
	}
	if mm == 0 && task.Pid == 0 {
		// The idle task borrows the address space it last ran on.
		if mm, err = core.ReadPtrField(e.view, task.Addr, "task_struct", "active_mm"); err != nil {
			e.readFailure("task active_mm", task.Addr, err)
		}
	}
	if mm == 0 {
		level.Debug(e.logger).Log("msg", "task has no mm", "pid", task.Pid, "comm", task.Comm)
		return as, nil
	}
	as.MM = mm

	if pgd, err := core.ReadPtrField(e.view, mm, "mm_struct", "pgd"); err != nil {
		e.readFailure("mm pgd", mm, err)
	} else if as.PgdPhys, err = e.view.Phys(pgd); err != nil {
		level.Warn(e.logger).Log("msg", "page table root outside the linear map", "pgd", pgd, "err", err)
	}

	collect := func(a core.Address) error {
		v, ok := e.readVma(a)
		if !ok {
			return nil
		}
		as.Vmas = append(as.Vmas, v)
		if maxCount > 0 && len(as.Vmas) >= maxCount {
			return errLimit
		}
		return nil
	}
	if e.maple {
		err = e.mapleVmas(mm, collect)
	} else {
		err = e.listVmas(mm, collect)
	}
	if err != nil && !errors.Is(err, errLimit) {
		level.Warn(e.logger).Log("msg", "memory area enumeration failed", "pid", task.Pid, "err", err)
	}
	return as, nil
}

func (e *Enumerator) listVmas(mm core.Address, visit func(core.Address) error) error {
	cur, err := core.ReadPtrField(e.view, mm, "mm_struct", "mmap")
	if err != nil {
		e.readFailure("mm mmap", mm, err)
		return nil
	}
	seen := map[core.Address]struct{}{}
	for cur != 0 {
		if _, ok := seen[cur]; ok {
			level.Warn(e.logger).Log("msg", "memory area list loops", "vma", cur)
			e.metrics.TruncatedWalk(component)
			return nil
		}
		seen[cur] = struct{}{}
		if err := visit(cur); err != nil {
			return err
		}
		next, err := core.ReadPtrField(e.view, cur, "vm_area_struct", "vm_next")
		if err != nil {
			e.readFailure("vma next", cur, err)
			return nil
		}
		cur = next
	}
	return nil
}

func (e *Enumerator) mapleVmas(mm core.Address, visit func(core.Address) error) error {
	root, err := core.FieldAddr(e.view, mm, "mm_struct", "mm_mt")
	if err != nil {
		return err
	}
	return e.trie.Walk(root, visit)
}

func (e *Enumerator) readVma(a core.Address) (Vma, bool) {
	v := Vma{Addr: a}
	start, err := core.ReadWordField(e.view, a, "vm_area_struct", "vm_start")
	if err != nil {
		e.readFailure("vma start", a, err)
		return v, false
	}
	end, err := core.ReadWordField(e.view, a, "vm_area_struct", "vm_end")
	if err != nil {
		e.readFailure("vma end", a, err)
		return v, false
	}
	v.Start, v.End = core.Address(start), core.Address(end)
	if v.Flags, err = core.ReadWordField(e.view, a, "vm_area_struct", "vm_flags"); err != nil {
		e.readFailure("vma flags", a, err)
	}
	if v.PgOff, err = core.ReadWordField(e.view, a, "vm_area_struct", "vm_pgoff"); err != nil {
		e.readFailure("vma pgoff", a, err)
	}
	file, err := core.ReadPtrField(e.view, a, "vm_area_struct", "vm_file")
	if err != nil {
		e.readFailure("vma file", a, err)
	} else if file != 0 {
		v.File = e.fileRef(file)
	}
	return v, true
}

// Translator returns a reader for the process memory of as.
func (e *Enumerator) Translator(as *TaskAddressSpace) (*mmu.Translator, error) {
	if as.MM == 0 || as.PgdPhys == 0 {
		return nil, errors.Wrapf(ErrNoAddressSpace, "pid %d", as.Pid)
	}
	w, err := e.newWalker(as.PgdPhys)
	if err != nil {
		return nil, err
	}
	opts := []mmu.TranslatorOption{mmu.WithMetrics(e.metrics)}
	if e.compressed != nil {
		opts = append(opts, mmu.WithCompressedReader(e.compressed))
	}
	return mmu.NewTranslator(e.base, e.view, w, opts...), nil
}

// ReadMemory reads n bytes at va in the address space of as. It always
// returns n bytes; anything that cannot be resolved reads as zero.
func (e *Enumerator) ReadMemory(as *TaskAddressSpace, va core.Address, n int) []byte {
	tr, err := e.Translator(as)
	if err != nil {
		level.Warn(e.logger).Log("msg", "cannot translate process memory", "pid", as.Pid, "err", err)
		if n < 0 {
			n = 0
		}
		return make([]byte, n)
	}
	return tr.ReadBytes(va, n)
}
