//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package core

import "os"

// MapFile always reports ok=false; segments are read through the page cache.
func MapFile(f *os.File, offset int64, length int) (data []byte, ok bool, err error) {
	return nil, false, nil
}
