package main

import (
	"flag"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/ramparse/pkg/ramdump/core"
	"github.com/grafana/ramparse/pkg/ramdump/kernel"
	"github.com/grafana/ramparse/pkg/ramdump/reassemble"
	"github.com/grafana/ramparse/pkg/ramdump/vma"
	"github.com/grafana/ramparse/pkg/ramdump/zram"
)

// Config is the configuration file layout. Every field can also be set with
// --opt <flag>=<value>, using the flag names registered below.
type Config struct {
	Layouts   []string `yaml:"layouts"`
	SystemMap string   `yaml:"system_map"`
	PageCache int      `yaml:"page_cache_pages"`

	Kernel     kernel.Config     `yaml:"kernel"`
	VMA        vma.Config        `yaml:"vma"`
	Zram       zram.Config       `yaml:"zram"`
	Reassemble reassemble.Config `yaml:"reassemble"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Func("layout", "Layout table file. May be repeated.", func(s string) error {
		c.Layouts = append(c.Layouts, s)
		return nil
	})
	f.StringVar(&c.SystemMap, "system-map", "", "System.map of the crashed kernel.")
	f.IntVar(&c.PageCache, "page-cache-pages", core.DefaultPageCacheSize, "Physical pages kept decoded in memory.")
	c.Kernel.RegisterFlags(f)
	c.VMA.RegisterFlags(f)
	c.Zram.RegisterFlags(f)
	c.Reassemble.RegisterFlags(f)
}

// loadConfig applies the flag defaults, then the YAML file at path (if any),
// then the name=value overrides.
func loadConfig(fs afero.Fs, path string, overrides []string) (*Config, error) {
	cfg := &Config{}
	flags := flag.NewFlagSet("ramparse", flag.ContinueOnError)
	cfg.RegisterFlags(flags)

	if path != "" {
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	for _, o := range overrides {
		name, value, ok := strings.Cut(o, "=")
		if !ok {
			return nil, errors.Errorf("option %q is not name=value", o)
		}
		if flags.Lookup(name) == nil {
			return nil, errors.Errorf("unknown option %q", name)
		}
		if err := flags.Set(name, value); err != nil {
			return nil, errors.Wrapf(err, "option %s", name)
		}
	}
	return cfg, nil
}
