// Copyright 2018 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package core

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	mapFile = func(fd int, offset int64, length int) (data []byte, err error) {
		return unix.Mmap(fd, offset, length, syscall.PROT_READ, syscall.MAP_SHARED)
	}
	unmapFile = unix.Munmap
}

// MapFile memory maps length bytes of f starting at offset, read-only.
// offset must be page aligned. ok is false where mmap is unavailable.
func MapFile(f *os.File, offset int64, length int) (data []byte, ok bool, err error) {
	if mapFile == nil || length <= 0 {
		return nil, false, nil
	}
	data, err = mapFile(int(f.Fd()), offset, length)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
