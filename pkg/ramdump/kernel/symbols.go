package kernel

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/ramparse/pkg/ramdump/core"
)

// Symbols maps kernel symbol names to their addresses.
type Symbols map[string]core.Address

// LoadSymbols parses a System.map: one "address type name" entry per line.
// Lines that do not parse are skipped; skipped counts them.
func LoadSymbols(r io.Reader) (syms Symbols, skipped int, err error) {
	syms = Symbols{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			if len(fields) > 0 {
				skipped++
			}
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			skipped++
			continue
		}
		// The first definition wins, as in kallsyms lookups.
		if _, ok := syms[fields[2]]; !ok {
			syms[fields[2]] = core.Address(addr)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, errors.Wrap(err, "read symbol map")
	}
	return syms, skipped, nil
}

// LoadSymbolsFile reads the System.map at path.
func LoadSymbolsFile(fs afero.Fs, path string) (Symbols, int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open symbol map")
	}
	defer f.Close()
	return LoadSymbols(f)
}
