package reassemble

import (
	"bytes"
)

// StringTable lists the segment names embedded in a dump header, in the
// order their contents follow the header.
type StringTable []string

// minNameLen drops fragments that are padding or length bytes rather than
// names.
const minNameLen = 3

// ExtractStringTable scans header for cfg.Marker and collects the printable
// names that follow it. The marker itself is never a name. Scanning stops at
// three consecutive zero bytes.
func ExtractStringTable(header []byte, cfg Config) StringTable {
	start := bytes.Index(header, []byte(cfg.Marker))
	if cfg.Marker == "" || start < 0 {
		return nil
	}
	sentinel := make(map[string]struct{}, len(cfg.Sentinels))
	for _, s := range cfg.Sentinels {
		sentinel[s] = struct{}{}
	}

	var (
		names StringTable
		cur   []byte
	)
	flush := func() {
		if len(cur) >= minNameLen {
			if _, ok := sentinel[string(cur)]; !ok {
				names = append(names, string(cur))
			}
		}
		cur = cur[:0]
	}
	for i := start + len(cfg.Marker); i < len(header); i++ {
		c := header[i]
		if c >= 0x20 && c <= 0x7e {
			cur = append(cur, c)
			continue
		}
		flush()
		if c == 0 && i+2 < len(header) && header[i+1] == 0 && header[i+2] == 0 {
			return names
		}
	}
	flush()
	return names
}
