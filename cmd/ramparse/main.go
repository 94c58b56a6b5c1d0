package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/ramparse/pkg/ramctx"
	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/reassemble"
	"github.com/grafana/ramparse/pkg/ramdump/segment"
	"github.com/grafana/ramparse/pkg/ramdump/vma"
)

var cfg struct {
	verbose bool
	stats   bool
	config  string
	opts    []string
	layouts []string
	sysmap  string

	reassemble struct {
		header   string
		dir      string
		out      string
		vmid     string
		optional []string
	}
	dir     string
	process string
	max     int
	read    struct {
		addr   string
		length int
	}
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Postmortem analysis of Linux ramdumps.").UsageWriter(os.Stdout)
	app.Version(version.Print("ramparse"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config", "YAML configuration file.").StringVar(&cfg.config)
	app.Flag("opt", "Set a configuration option as name=value, e.g. kernel.page-offset=0xffffff8000000000. May be repeated.").Short('o').StringsVar(&cfg.opts)
	app.Flag("stats", "Print the diagnostic counters after the command.").BoolVar(&cfg.stats)

	reassembleCmd := app.Command("reassemble", "Merge the md_*.BIN segment files of a fragmented dump into one image.")
	reassembleCmd.Arg("header", "Dump header file holding the string table.").Required().ExistingFileVar(&cfg.reassemble.header)
	reassembleCmd.Arg("dir", "Directory holding the segment files.").Required().ExistingDirVar(&cfg.reassemble.dir)
	reassembleCmd.Arg("out", "Output image.").Required().StringVar(&cfg.reassemble.out)
	reassembleCmd.Flag("vm-id", "Virtual machine id prefix of segment file names.").StringVar(&cfg.reassemble.vmid)
	reassembleCmd.Flag("optional", "Segment that may be missing. May be repeated.").StringsVar(&cfg.reassemble.optional)

	segmentsCmd := app.Command("segments", "List the segments of a dump directory.")
	segmentsCmd.Arg("dir", "Dump directory with dump_info.txt.").Required().ExistingDirVar(&cfg.dir)

	kernelFlags := func(cmd *kingpin.CmdClause) {
		cmd.Arg("dir", "Dump directory with dump_info.txt.").Required().ExistingDirVar(&cfg.dir)
		cmd.Flag("layout", "Layout table file. May be repeated.").StringsVar(&cfg.layouts)
		cmd.Flag("system-map", "System.map of the crashed kernel.").StringVar(&cfg.sysmap)
	}

	tasksCmd := app.Command("tasks", "List the tasks of the crashed kernel.")
	kernelFlags(tasksCmd)

	vmasCmd := app.Command("vmas", "List the memory areas of a process.")
	kernelFlags(vmasCmd)
	vmasCmd.Arg("process", "Process name or pid.").Required().StringVar(&cfg.process)
	vmasCmd.Flag("max", "Maximum number of areas to list, 0 for all.").Default("0").IntVar(&cfg.max)

	readCmd := app.Command("read", "Hexdump process memory.")
	kernelFlags(readCmd)
	readCmd.Arg("process", "Process name or pid.").Required().StringVar(&cfg.process)
	readCmd.Arg("addr", "Virtual address.").Required().StringVar(&cfg.read.addr)
	readCmd.Arg("length", "Number of bytes.").Required().IntVar(&cfg.read.length)

	var walk walkParams
	walkCmd := app.Command("walk", "Print the entries of a kernel red-black tree or radix tree.")
	kernelFlags(walkCmd)
	walkCmd.Arg("kind", "Tree kind: rbtree or radix.").Required().EnumVar(&walk.kind, "rbtree", "radix")
	walkCmd.Arg("root", "Symbol, optionally with +offset, or address of the tree root.").Required().StringVar(&walk.root)
	walkCmd.Flag("strict", "Cross-check parent and child links (rbtree).").BoolVar(&walk.strict)
	walkCmd.Flag("indexed", "Print the index of every entry (radix).").BoolVar(&walk.indexed)
	walkCmd.Flag("container", "Root struct flavour: radix, xarray or maple. Defaults to radix or xarray by kernel version.").StringVar(&walk.container)
	walkCmd.Flag("max", "Stop after this many entries, 0 for all.").Default("0").IntVar(&walk.max)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	registry := prometheus.NewRegistry()
	ctx := ramctx.WithLogger(context.Background(), logger)
	ctx = ramctx.WithRegistry(ctx, registry)
	ctx = withOutput(ctx, os.Stdout)

	fs := afero.NewOsFs()
	conf, err := loadConfig(fs, cfg.config, cfg.opts)
	if err != nil {
		os.Exit(checkError(err))
	}
	conf.Layouts = append(conf.Layouts, cfg.layouts...)
	if cfg.sysmap != "" {
		conf.SystemMap = cfg.sysmap
	}
	if cfg.dir != "" {
		ctx = ramctx.WrapDump(ctx, dumpName(cfg.dir))
	}
	ctx = ramctx.WithMetrics(ctx, ramctx.Metrics(ctx))

	switch parsedCmd {
	case reassembleCmd.FullCommand():
		err = reassembleDump(ctx, fs, conf)
	case segmentsCmd.FullCommand():
		err = listSegments(ctx, fs, cfg.dir)
	case tasksCmd.FullCommand():
		err = listTasks(ctx, fs, conf)
	case vmasCmd.FullCommand():
		err = listVmas(ctx, fs, conf)
	case readCmd.FullCommand():
		err = readMemory(ctx, fs, conf)
	case walkCmd.FullCommand():
		err = walkTree(ctx, fs, conf, walk)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if err == nil && cfg.stats {
		err = outputStats(output(ctx), registry)
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func reassembleDump(ctx context.Context, fs afero.Fs, conf *Config) error {
	rc := conf.Reassemble
	if cfg.reassemble.vmid != "" {
		rc.VMID = cfg.reassemble.vmid
	}
	rc.Optional = append(rc.Optional, cfg.reassemble.optional...)
	r := reassemble.New(fs, ramctx.Logger(ctx), rc)
	res, err := r.Reassemble(cfg.reassemble.header, cfg.reassemble.dir, cfg.reassemble.out)
	if err != nil {
		return err
	}
	outputReassembled(output(ctx), cfg.reassemble.out, res)
	return nil
}

func listSegments(ctx context.Context, fs afero.Fs, dir string) error {
	reg := segment.NewRegistry(fs, ramctx.Logger(ctx))
	if _, err := reg.LoadDumpInfo(dir); err != nil {
		return err
	}
	outputSegments(output(ctx), reg.Segments())
	return nil
}

func listTasks(ctx context.Context, fs afero.Fs, conf *Config) error {
	d, err := openDump(ctx, fs, conf, cfg.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	tasks, err := d.enumerator.Tasks()
	if err != nil {
		return err
	}
	outputTasks(output(ctx), tasks)
	return nil
}

func processAddressSpace(d *dump) (*vma.TaskAddressSpace, error) {
	sel, err := vma.ParseSelector(cfg.process)
	if err != nil {
		return nil, err
	}
	return d.enumerator.Enumerate(sel, cfg.max)
}

func listVmas(ctx context.Context, fs afero.Fs, conf *Config) error {
	d, err := openDump(ctx, fs, conf, cfg.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	as, err := processAddressSpace(d)
	if err != nil {
		return err
	}
	outputVmas(output(ctx), as)
	return nil
}

func readMemory(ctx context.Context, fs afero.Fs, conf *Config) error {
	addr, err := strconv.ParseUint(cfg.read.addr, 0, 64)
	if err != nil {
		return errors.Wrap(err, "parse address")
	}
	if cfg.read.length < 0 {
		return errors.Errorf("negative length %d", cfg.read.length)
	}
	d, err := openDump(ctx, fs, conf, cfg.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	as, err := processAddressSpace(d)
	if err != nil {
		return err
	}
	data := d.enumerator.ReadMemory(as, core.Address(addr), cfg.read.length)
	return outputHexdump(output(ctx), data)
}
