// Package vma reconstructs the address space of a process from the dump:
// its memory areas, their backing files and its page tables.
package vma

import (
	"strings"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const (
	VMRead   = 0x1
	VMWrite  = 0x2
	VMExec   = 0x4
	VMShared = 0x8
)

// FileRef identifies the file backing a mapping.
type FileRef struct {
	// Addr is the struct file.
	Addr core.Address
	// Name is the final path component.
	Name string
	// Path is the absolute path. It may be partial when the dentry or mount
	// chains are too long or unreadable.
	Path string
}

// Vma is a snapshot of one vm_area_struct.
type Vma struct {
	Start core.Address
	End   core.Address
	Flags uint64
	PgOff uint64
	File  *FileRef
	// Addr is the vm_area_struct itself.
	Addr core.Address
}

func (v Vma) Size() int64 { return v.End.Sub(v.Start) }

// Perms renders the protection bits the way /proc/<pid>/maps does.
func (v Vma) Perms() string {
	var b strings.Builder
	for _, p := range []struct {
		bit uint64
		c   byte
	}{{VMRead, 'r'}, {VMWrite, 'w'}, {VMExec, 'x'}} {
		if v.Flags&p.bit != 0 {
			b.WriteByte(p.c)
		} else {
			b.WriteByte('-')
		}
	}
	if v.Flags&VMShared != 0 {
		b.WriteByte('s')
	} else {
		b.WriteByte('p')
	}
	return b.String()
}

// Name returns the backing file path, or an empty string for anonymous
// memory.
func (v Vma) Name() string {
	if v.File == nil {
		return ""
	}
	if v.File.Path != "" {
		return v.File.Path
	}
	return v.File.Name
}

// Task is one entry of the kernel's task list.
type Task struct {
	Addr core.Address
	Pid  uint32
	Comm string
}

// TaskAddressSpace is the address space of one process as found in the
// dump. It is built once and never modified.
type TaskAddressSpace struct {
	Pid     uint32
	Comm    string
	Task    core.Address
	MM      core.Address
	PgdPhys core.PhysAddr
	Vmas    []Vma
}
