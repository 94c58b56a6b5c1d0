package vma

import (
	"strings"

	"github.com/go-kit/log/level"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

const maxNameLen = 256

func (e *Enumerator) fileRef(file core.Address) *FileRef {
	ref := &FileRef{Addr: file}
	fpath, err := core.FieldAddr(e.view, file, "file", "f_path")
	if err != nil {
		e.readFailure("file path", file, err)
		return ref
	}
	dentry, err := core.ReadPtrField(e.view, fpath, "path", "dentry")
	if err != nil {
		e.readFailure("file dentry", file, err)
		return ref
	}
	mnt, err := core.ReadPtrField(e.view, fpath, "path", "mnt")
	if err != nil {
		e.readFailure("file mount", file, err)
		return ref
	}
	ref.Name = e.dentryName(dentry)
	ref.Path = e.dentryPath(dentry, mnt)
	return ref
}

func (e *Enumerator) dentryName(d core.Address) string {
	qstr, err := core.FieldAddr(e.view, d, "dentry", "d_name")
	if err != nil {
		return ""
	}
	name, err := core.ReadPtrField(e.view, qstr, "qstr", "name")
	if err != nil || name == 0 {
		return ""
	}
	s, err := e.view.ReadCString(name, maxNameLen)
	if err != nil {
		e.readFailure("dentry name", d, err)
		return ""
	}
	return s
}

// dentryPath rebuilds the absolute path of dentry as seen through the
// vfsmount vfsmnt. The dentry chain of each mount and the chain of mounts
// are both limited to MaxPathHops steps; running out of either returns the
// components found so far.
func (e *Enumerator) dentryPath(dentry, vfsmnt core.Address) string {
	var parts []string
	build := func() string {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		return "/" + strings.Join(parts, "/")
	}
	partial := func(reason string, a core.Address) string {
		p := build()
		level.Debug(e.logger).Log("msg", "path resolution stopped", "reason", reason, "at", a, "partial", p)
		e.metrics.TruncatedWalk(component)
		return p
	}

	mnt, err := core.ContainerOf(e.view, vfsmnt, "mount", "mnt")
	if err != nil || vfsmnt == 0 {
		// No mount information; fall back to the dentry chain alone.
		mnt = 0
	}
	mountHops, dentryHops := 0, 0
	for dentry != 0 {
		var mntRoot core.Address
		if mnt != 0 {
			if mntRoot, err = core.ReadPtrField(e.view, vfsmnt, "vfsmount", "mnt_root"); err != nil {
				return partial("unreadable mount root", vfsmnt)
			}
		}
		parent, err := core.ReadPtrField(e.view, dentry, "dentry", "d_parent")
		if err != nil {
			return partial("unreadable dentry", dentry)
		}
		if dentry == mntRoot || dentry == parent {
			if mnt == 0 {
				break
			}
			up, err := core.ReadPtrField(e.view, mnt, "mount", "mnt_parent")
			if err != nil {
				return partial("unreadable mount", mnt)
			}
			if up == mnt || up == 0 {
				break
			}
			if mountHops++; mountHops > e.cfg.MaxPathHops {
				return partial("too many mounts", mnt)
			}
			if dentry, err = core.ReadPtrField(e.view, mnt, "mount", "mnt_mountpoint"); err != nil {
				return partial("unreadable mountpoint", mnt)
			}
			mnt = up
			if vfsmnt, err = core.FieldAddr(e.view, mnt, "mount", "mnt"); err != nil {
				return partial("mount layout", mnt)
			}
			dentryHops = 0
			continue
		}
		if dentryHops++; dentryHops > e.cfg.MaxPathHops {
			return partial("too many dentries", dentry)
		}
		parts = append(parts, e.dentryName(dentry))
		dentry = parent
	}
	return build()
}
