package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/ramparse/pkg/iter"
	"github.com/grafana/ramparse/pkg/ramctx"
	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/radix"
	"github.com/grafana/ramparse/pkg/ramdump/rbtree"
)

type walkParams struct {
	kind      string
	root      string
	strict    bool
	indexed   bool
	container string
	max       int
}

var errWalkLimit = errors.New("walk limit reached")

// resolveRoot accepts a symbol name, optionally with a +offset, or an address.
func resolveRoot(view core.MemoryView, s string) (core.Address, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return core.Address(v), nil
	}
	name, off := s, int64(0)
	for i := len(s) - 1; i > 0; i-- {
		if s[i] == '+' {
			o, err := strconv.ParseInt(s[i+1:], 0, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "offset in %q", s)
			}
			name, off = s[:i], o
			break
		}
	}
	a, ok := view.Symbol(name)
	if !ok {
		return 0, errors.Errorf("unknown symbol %q", name)
	}
	return a.Add(off), nil
}

func radixContainer(name string, v core.Version) (radix.Container, error) {
	switch name {
	case "":
		return radix.ContainerFor(v), nil
	case "radix":
		return radix.RadixTreeRoot, nil
	case "xarray":
		return radix.XArrayRoot, nil
	case "maple":
		return radix.MapleTreeRoot, nil
	}
	return radix.Container{}, errors.Errorf("unknown container %q", name)
}

func walkTree(ctx context.Context, fs afero.Fs, conf *Config, p walkParams) error {
	d, err := openDump(ctx, fs, conf, cfg.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	root, err := resolveRoot(d.kernel, p.root)
	if err != nil {
		return err
	}
	w := output(ctx)
	logger := ramctx.Logger(ctx)
	metrics := ramctx.Metrics(ctx)

	switch p.kind {
	case "rbtree":
		t := rbtree.New(logger, d.kernel, rbtree.WithStrict(p.strict), rbtree.WithMetrics(metrics))
		return printNodes(w, iter.NewLimitIterator(t.Iterate(root), p.max))
	case "radix":
		n := 0
		limit := func() error {
			if n++; p.max > 0 && n >= p.max {
				return errWalkLimit
			}
			return nil
		}
		c, err := radixContainer(p.container, d.kernel.KernelVersion())
		if err != nil {
			return err
		}
		t := radix.New(logger, d.kernel, radix.WithContainer(c), radix.WithMetrics(metrics))
		if p.indexed {
			err = t.WalkIndexed(root, func(index uint64, entry core.Address) error {
				printEntry(w, strconv.FormatUint(index, 10), entry)
				return limit()
			})
		} else {
			err = t.Walk(root, func(entry core.Address) error {
				fmt.Fprintln(w, entry)
				return limit()
			})
		}
		if errors.Is(err, errWalkLimit) {
			return nil
		}
		return err
	}
	return errors.Errorf("unknown tree kind %q", p.kind)
}

func printNodes(w io.Writer, it iter.Iterator[core.Address]) error {
	defer it.Close()
	for it.Next() {
		fmt.Fprintln(w, it.At())
	}
	return it.Err()
}

func printEntry(w io.Writer, key string, entry core.Address) {
	fmt.Fprintf(w, "%s\t%s\n", key, entry)
}
