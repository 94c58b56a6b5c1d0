package segment

import (
	"bufio"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// DumpInfoFile lists the segments of a directory dump.
const DumpInfoFile = "dump_info.txt"

// LoadDumpInfo registers the segments listed in dir/dump_info.txt. Each
// line reads "<index> <base> <size> <description...> <file>". Malformed
// lines are logged and skipped.
func (r *Registry) LoadDumpInfo(dir string) (int, error) {
	path := filepath.Join(dir, DumpInfoFile)
	f, err := r.fs.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open dump info")
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := parseDumpInfoLine(text)
		if err != nil {
			level.Warn(r.logger).Log("msg", "skipping dump info line", "file", path, "line", line, "err", err)
			continue
		}
		s.File = filepath.Join(dir, s.File)
		if err := r.Register(s); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, errors.Wrap(err, "read dump info")
	}
	return n, nil
}

func parseDumpInfoLine(text string) (Segment, error) {
	fields := strings.Fields(text)
	if len(fields) < 5 {
		return Segment{}, errors.Errorf("want at least 5 fields, got %d", len(fields))
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return Segment{}, errors.Wrap(err, "index")
	}
	base, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return Segment{}, errors.Wrap(err, "base")
	}
	size, err := strconv.ParseInt(fields[2], 0, 64)
	if err != nil {
		return Segment{}, errors.Wrap(err, "size")
	}
	file := fields[len(fields)-1]
	return Segment{
		Name:        strings.TrimSuffix(file, filepath.Ext(file)),
		Description: strings.Join(fields[3:len(fields)-1], " "),
		PhysBase:    core.PhysAddr(base),
		Size:        size,
		File:        file,
	}, nil
}

// LoadCombined registers layout as consecutive slices of the single file at
// path, ignoring the File and FileOffset of the given segments. The first
// segment starts at offset skip.
func (r *Registry) LoadCombined(path string, skip int64, layout []Segment) error {
	fi, err := r.fs.Stat(path)
	if err != nil {
		return errors.Wrap(err, "stat combined dump")
	}
	off := skip
	for _, s := range layout {
		s.File, s.FileOffset = path, off
		if off+s.Size > fi.Size() {
			level.Warn(r.logger).Log("msg", "combined dump shorter than its layout", "segment", s.Name, "need", off+s.Size, "have", fi.Size())
			s.Size = max(fi.Size()-off, 0)
		}
		if err := r.Register(s); err != nil {
			return err
		}
		off += s.Size
	}
	return nil
}
