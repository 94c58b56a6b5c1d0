package main

import (
	"context"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/ramparse/pkg/ramctx"
	"github.com/grafana/ramparse/pkg/ramdump/kernel"
	"github.com/grafana/ramparse/pkg/ramdump/layout"
	"github.com/grafana/ramparse/pkg/ramdump/mmu"
	"github.com/grafana/ramparse/pkg/ramdump/segment"
	"github.com/grafana/ramparse/pkg/ramdump/vma"
	"github.com/grafana/ramparse/pkg/ramdump/zram"
)

// dump is an opened directory dump with the kernel view and the process
// enumerator built over it.
type dump struct {
	segments   *segment.Registry
	kernel     *kernel.Kernel
	enumerator *vma.Enumerator
}

func openDump(ctx context.Context, fs afero.Fs, cfg *Config, dir string) (*dump, error) {
	logger := ramctx.Logger(ctx)
	metrics := ramctx.Metrics(ctx)

	if len(cfg.Layouts) == 0 {
		return nil, errors.New("no layout table given (--layout)")
	}
	if cfg.SystemMap == "" {
		return nil, errors.New("no System.map given (--system-map)")
	}

	d := &dump{segments: segment.NewRegistry(fs, logger)}
	n, err := d.segments.LoadDumpInfo(dir)
	if err != nil {
		return nil, err
	}
	level.Debug(logger).Log("msg", "segments loaded", "dir", dir, "count", n)

	ok := false
	defer func() {
		if !ok {
			_ = d.segments.Close()
		}
	}()

	phys, err := d.segments.PhysMemory(cfg.PageCache)
	if err != nil {
		return nil, err
	}
	layouts, err := layout.Load(fs, cfg.Layouts...)
	if err != nil {
		return nil, err
	}
	syms, skipped, err := kernel.LoadSymbolsFile(fs, cfg.SystemMap)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		level.Warn(logger).Log("msg", "skipped unparsable System.map lines", "file", cfg.SystemMap, "count", skipped)
	}
	d.kernel, err = kernel.New(logger, phys, layouts, syms, cfg.Kernel)
	if err != nil {
		return nil, err
	}

	arch, err := mmu.ArchFromPtrSize(d.kernel.PtrSize())
	if err != nil {
		return nil, err
	}
	compressed := zram.NewReader(logger, d.kernel, arch, cfg.Zram, zram.WithMetrics(metrics))
	d.enumerator = vma.NewEnumerator(logger, d.kernel, cfg.VMA,
		vma.WithCompressedReader(compressed),
		vma.WithMetrics(metrics),
	)
	ok = true
	return d, nil
}

func (d *dump) Close() error {
	return d.segments.Close()
}

// dumpName labels logs and metrics with the dump directory's name.
func dumpName(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return filepath.Base(abs)
}
