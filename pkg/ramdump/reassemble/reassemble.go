// Package reassemble merges the per-segment files of a fragmented ramdump
// into a single image laid out after the dump's own header.
package reassemble

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrSegmentMissing is returned when no file matches a segment name.
var ErrSegmentMissing = errors.New("segment file not found")

type Config struct {
	// VMID prefixes segment names in file names of virtual machine dumps.
	VMID      string   `yaml:"vmid"`
	Marker    string   `yaml:"marker"`
	Sentinels []string `yaml:"sentinels"`
	// Optional segments may be absent without failing the image.
	Optional   []string    `yaml:"optional"`
	OutputPerm os.FileMode `yaml:"output_perm"`

	sentinelsSet bool
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Sentinels = []string{"STR_TBL", "linux_banner"}
	c.OutputPerm = 0o644
	f.StringVar(&c.VMID, "reassemble.vmid", "", "Virtual machine id prefix of segment file names.")
	f.StringVar(&c.Marker, "reassemble.marker", "STR_TBL", "Marker preceding the string table in the dump header.")
	f.Func("reassemble.sentinel", "Name in the string table that is not a segment. May be repeated; replaces the defaults.", func(s string) error {
		if !c.sentinelsSet {
			c.Sentinels, c.sentinelsSet = nil, true
		}
		c.Sentinels = append(c.Sentinels, s)
		return nil
	})
	f.Func("reassemble.optional", "Segment that may be missing. May be repeated.", func(s string) error {
		c.Optional = append(c.Optional, s)
		return nil
	})
	f.Func("reassemble.output-perm", "Permission bits of the output image, in octal. (default 0644)", func(s string) error {
		v, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return err
		}
		c.OutputPerm = os.FileMode(v)
		return nil
	})
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

func (c Config) optional(name string) bool {
	for _, o := range c.Optional {
		if o == name {
			return true
		}
	}
	return false
}

type Reassembler struct {
	fs     afero.Fs
	logger log.Logger
	cfg    Config
}

func New(fs afero.Fs, logger log.Logger, cfg Config) *Reassembler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reassembler{fs: fs, logger: log.With(logger, "component", "reassemble"), cfg: cfg}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)

// Match returns the file in dir holding segment name: the lexically first
// one matching md_<vmid><name>*.BIN.
func (r *Reassembler) Match(dir, name string) (string, error) {
	pattern := filepath.Join(dir, "md_"+globEscaper.Replace(r.cfg.VMID+name)+"*.BIN")
	matches, err := afero.Glob(r.fs, pattern)
	if err != nil {
		return "", errors.Wrapf(err, "glob %s", pattern)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrSegmentMissing, "%s (%s)", name, pattern)
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		level.Warn(r.logger).Log("msg", "several files match segment, using the first", "segment", name, "files", strings.Join(matches, ","))
	}
	return matches[0], nil
}

// Segment is one part of a reassembled image.
type Segment struct {
	Name   string
	Path   string
	Offset int64
	Size   int64
}

type Result struct {
	HeaderSize int64
	Segments   []Segment
	Size       int64
	// Checksum is the xxhash64 of the whole image.
	Checksum uint64
}

// Reassemble writes the header at headerPath followed by every segment its
// string table names to out. Either all required segments are found and out
// is complete, or out is left untouched.
func (r *Reassembler) Reassemble(headerPath, dir, out string) (*Result, error) {
	header, err := afero.ReadFile(r.fs, headerPath)
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	names := ExtractStringTable(header, r.cfg)
	if len(names) == 0 {
		return nil, errors.Errorf("no string table after %q in %s", r.cfg.Marker, headerPath)
	}
	level.Debug(r.logger).Log("msg", "string table", "names", strings.Join(names, ","))

	var (
		segments []Segment
		missing  error
	)
	for _, name := range names {
		path, err := r.Match(dir, name)
		if err != nil {
			if errors.Is(err, ErrSegmentMissing) && r.cfg.optional(name) {
				level.Info(r.logger).Log("msg", "optional segment missing", "segment", name)
				continue
			}
			missing = multierror.Append(missing, err)
			continue
		}
		segments = append(segments, Segment{Name: name, Path: path})
	}
	if missing != nil {
		return nil, missing
	}

	res, err := r.write(header, segments, out)
	if err != nil {
		return nil, err
	}
	level.Info(r.logger).Log("msg", "image reassembled", "out", out, "segments", len(res.Segments), "size", res.Size, "xxhash", strconv.FormatUint(res.Checksum, 16))
	return res, nil
}

type writerOffset struct {
	io.Writer
	offset int64
}

func (w *writerOffset) Write(p []byte) (n int, err error) {
	n, err = w.Writer.Write(p)
	w.offset += int64(n)
	return n, err
}

func (r *Reassembler) write(header []byte, segments []Segment, out string) (res *Result, err error) {
	tmp, err := afero.TempFile(r.fs, filepath.Dir(out), "."+filepath.Base(out)+".tmp")
	if err != nil {
		return nil, errors.Wrap(err, "create output")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rerr := r.fs.Remove(tmp.Name()); rerr != nil && !os.IsNotExist(rerr) {
				level.Warn(r.logger).Log("msg", "failed to remove partial output", "file", tmp.Name(), "err", rerr)
			}
		}
	}()

	digest := xxhash.New()
	w := &writerOffset{Writer: io.MultiWriter(tmp, digest)}
	if _, err = w.Write(header); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	res = &Result{HeaderSize: int64(len(header))}
	buf := make([]byte, 1<<20)
	for _, s := range segments {
		s.Offset = w.offset
		if err = r.concatFile(w, s.Path, buf); err != nil {
			return nil, errors.Wrapf(err, "copy segment %s", s.Name)
		}
		s.Size = w.offset - s.Offset
		res.Segments = append(res.Segments, s)
	}
	res.Size = w.offset
	res.Checksum = digest.Sum64()

	if err = tmp.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync output")
	}
	if err = tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close output")
	}
	if err = r.fs.Chmod(tmp.Name(), r.cfg.OutputPerm); err != nil {
		return nil, errors.Wrap(err, "chmod output")
	}
	if err = r.fs.Rename(tmp.Name(), out); err != nil {
		return nil, errors.Wrap(err, "rename output")
	}
	return res, nil
}

func (r *Reassembler) concatFile(w io.Writer, path string, buf []byte) error {
	f, err := r.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, buf)
	return err
}
