package core

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Version is a kernel release. Only major, minor and patch take part in
// comparisons; vendor suffixes are dropped when parsing.
type Version struct {
	Major, Minor, Patch uint64
}

// V is shorthand for building a Version literal.
func V(major, minor, patch uint64) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// ParseVersion parses a release string such as "5.10.43-android12-9-gabc".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	v, err := semver.NewVersion(s)
	if err != nil {
		// Build strings such as "4.19.157+" are not valid semver.
		end := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.'
		})
		if end <= 0 {
			return Version{}, errors.Wrapf(err, "parse kernel version %q", s)
		}
		v, err = semver.NewVersion(s[:end])
		if err != nil {
			return Version{}, errors.Wrapf(err, "parse kernel version %q", s)
		}
	}
	return Version{Major: v.Major(), Minor: v.Minor(), Patch: v.Patch()}, nil
}

// ParseBanner extracts the release from a linux_banner string
// ("Linux version 5.10.43-... (builder@host) ...").
func ParseBanner(banner string) (Version, error) {
	fields := strings.Fields(banner)
	if len(fields) < 3 || fields[0] != "Linux" || fields[1] != "version" {
		return Version{}, errors.Errorf("unrecognized linux banner %q", banner)
	}
	return ParseVersion(fields[2])
}

// Compare returns -1, 0 or 1 comparing v and o lexicographically.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmp(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmp(v.Minor, o.Minor)
	default:
		return cmp(v.Patch, o.Patch)
	}
}

func cmp(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool { return v.Compare(o) >= 0 }

// IsZero reports whether v was never set.
func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// UnmarshalYAML lets configuration files spell versions as plain strings.
func (v *Version) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*v = Version{}
		return nil
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML is the inverse of UnmarshalYAML.
func (v Version) MarshalYAML() (interface{}, error) {
	if v.IsZero() {
		return "", nil
	}
	return v.String(), nil
}

// Set implements flag.Value.
func (v *Version) Set(s string) error {
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
