package memtest

import (
	"sort"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// NewKernel returns an image whose layout describes the kernel structures
// the walkers read, sized for ptrSize byte pointers.
func NewKernel(v core.Version, ptrSize int64) *Memory {
	m := New(v, ptrSize)
	p := ptrSize
	t := m.Layout

	t.SetSize("list_head", 2*p).
		SetField("list_head", "next", 0, p).
		SetField("list_head", "prev", p, p)

	t.SetSize("rb_node", 3*p).
		SetField("rb_node", "__rb_parent_color", 0, p).
		SetField("rb_node", "rb_right", p, p).
		SetField("rb_node", "rb_left", 2*p, p)
	t.SetSize("rb_root", p).
		SetField("rb_root", "rb_node", 0, p)

	// Radix tree, xarray and maple tree heads all put the head pointer
	// after a lock word and a flags word.
	for _, root := range []struct{ typ, head string }{
		{"radix_tree_root", "rnode"},
		{"xarray", "xa_head"},
		{"maple_tree", "ma_root"},
	} {
		t.SetSize(root.typ, 8+p).SetField(root.typ, root.head, 8, p)
	}
	slots := 8 + 4*p
	for _, node := range []string{"radix_tree_node", "xa_node"} {
		t.SetSize(node, slots+64*p).
			SetField(node, "shift", 0, 1).
			SetField(node, "offset", 1, 1).
			SetField(node, "count", 2, 1).
			SetField(node, "parent", 8, p).
			SetField(node, "slots", slots, p)
	}

	t.SetSize("vm_area_struct", 24*p).
		SetField("vm_area_struct", "vm_start", 0, p).
		SetField("vm_area_struct", "vm_end", p, p).
		SetField("vm_area_struct", "vm_next", 2*p, p).
		SetField("vm_area_struct", "vm_mm", 8*p, p).
		SetField("vm_area_struct", "vm_flags", 10*p, p).
		SetField("vm_area_struct", "vm_pgoff", 16*p, p).
		SetField("vm_area_struct", "vm_file", 17*p, p)

	t.SetSize("mm_struct", 128*p).
		SetField("mm_struct", "mmap", 0, p).
		SetField("mm_struct", "mm_mt", 2*p, p).
		SetField("mm_struct", "pgd", 8*p, p)

	t.SetSize("task_struct", 256*p).
		SetField("task_struct", "tasks", 100*p, p).
		SetField("task_struct", "mm", 110*p, p).
		SetField("task_struct", "active_mm", 111*p, p).
		SetField("task_struct", "pid", 120*p, 4).
		SetField("task_struct", "comm", 130*p, 16)

	t.SetSize("path", 2*p).
		SetField("path", "mnt", 0, p).
		SetField("path", "dentry", p, p)
	t.SetSize("file", 32*p).
		SetField("file", "f_path", 2*p, 2*p)
	t.SetSize("qstr", 2*p).
		SetField("qstr", "name", 8, p)
	t.SetSize("dentry", 24*p).
		SetField("dentry", "d_parent", 3*p, p).
		SetField("dentry", "d_name", 4*p, 8+p)
	t.SetSize("vfsmount", 4*p).
		SetField("vfsmount", "mnt_root", 0, p)
	t.SetSize("mount", 40*p).
		SetField("mount", "mnt_parent", 2*p, p).
		SetField("mount", "mnt_mountpoint", 3*p, p).
		SetField("mount", "mnt", 4*p, 4*p)

	// Swap and zram.
	t.SetSize("swap_info_struct", 32*p).
		SetField("swap_info_struct", "bdev", 12*p, p)
	t.SetSize("block_device", 32*p).
		SetField("block_device", "bd_disk", 9*p, p)
	t.SetSize("gendisk", 64*p).
		SetField("gendisk", "private_data", 40*p, p)
	t.SetSize("zram", 16*p+128).
		SetField("zram", "table", 0, p).
		SetField("zram", "mem_pool", p, p).
		SetField("zram", "compressor", 8*p, 128)
	t.SetSize("zram_table_entry", 2*p).
		SetField("zram_table_entry", "handle", 0, p).
		SetField("zram_table_entry", "flags", p, p)
	t.SetSize("zs_pool", 300*p).
		SetField("zs_pool", "size_class", p, p)
	t.SetSize("size_class", 16*p).
		SetField("size_class", "size", 4*p, 4)
	t.SetSize("page", 8*p).
		SetField("page", "freelist", 2*p, p).
		SetField("page", "private", 6*p, p)

	return m
}

// Task describes a process to place in the image.
type Task struct {
	Pid  uint32
	Comm string
	MM   core.Address
	// ActiveMM defaults to MM.
	ActiveMM core.Address
}

// AddTasks builds the circular task list headed by init_task. The first
// task is init_task itself.
func (m *Memory) AddTasks(tasks ...Task) []core.Address {
	addrs := make([]core.Address, len(tasks))
	for i, tk := range tasks {
		a := m.AllocType("task_struct")
		addrs[i] = a
		m.Put(a, "task_struct", "pid", uint64(tk.Pid))
		m.PutString(a, "task_struct", "comm", tk.Comm)
		m.Put(a, "task_struct", "mm", uint64(tk.MM))
		active := tk.ActiveMM
		if active == 0 {
			active = tk.MM
		}
		m.Put(a, "task_struct", "active_mm", uint64(active))
	}
	off, _ := m.Layout.FieldOffset("task_struct", "tasks")
	for i, a := range addrs {
		next := addrs[(i+1)%len(addrs)]
		prev := addrs[(i+len(addrs)-1)%len(addrs)]
		m.Put(a.Add(off), "list_head", "next", uint64(next.Add(off)))
		m.Put(a.Add(off), "list_head", "prev", uint64(prev.Add(off)))
	}
	if len(addrs) > 0 {
		m.SetSymbol("init_task", addrs[0])
	}
	return addrs
}

// RadixTree places a radix tree (tag is 1 for the legacy layout, 2 for
// xarray) holding entries into the head pointer at head. mapShift selects the
// fan-out. Returns the node addresses allocated, root first.
func (m *Memory) RadixTree(head core.Address, nodeType string, tag uint64, mapShift uint, entries map[uint64]core.Address) []core.Address {
	if len(entries) == 0 {
		m.WriteWord(head, 0)
		return nil
	}
	var maxIndex uint64
	for idx := range entries {
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	if len(entries) == 1 && maxIndex == 0 {
		m.WriteWord(head, uint64(entries[0]))
		return nil
	}
	height := uint(1)
	for maxIndex>>(height*mapShift) != 0 {
		height++
	}
	keys := make([]uint64, 0, len(entries))
	for idx := range entries {
		keys = append(keys, idx)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var nodes []core.Address
	slotsOff, _ := m.Layout.FieldOffset(nodeType, "slots")
	newNode := func(h uint) core.Address {
		n := m.AllocType(nodeType)
		m.Put(n, nodeType, "shift", uint64((h-1)*mapShift))
		nodes = append(nodes, n)
		return n
	}
	root := newNode(height)
	for _, idx := range keys {
		n := root
		for h := height; h > 1; h-- {
			slot := (idx >> ((h - 1) * mapShift)) & (1<<mapShift - 1)
			sa := n.Add(slotsOff + int64(slot)*m.PtrSize())
			child, _ := m.ReadWord(sa)
			if child == 0 {
				c := newNode(h - 1)
				child = uint64(c) | tag
				m.WriteWord(sa, child)
			}
			n = core.Address(child &^ 3)
		}
		slot := idx & (1<<mapShift - 1)
		m.WriteWord(n.Add(slotsOff+int64(slot)*m.PtrSize()), uint64(entries[idx]))
	}
	m.WriteWord(head, uint64(root)|tag)
	return nodes
}
