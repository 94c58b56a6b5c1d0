package vma

import (
	"strconv"

	"github.com/pkg/errors"
)

// Selector picks a process either by command name or by pid, never both.
type Selector struct {
	name  string
	pid   uint32
	byPid bool
}

func ByName(name string) Selector { return Selector{name: name} }
func ByPid(pid uint32) Selector   { return Selector{pid: pid, byPid: true} }

// ParseSelector selects by pid when s is all digits and by name otherwise.
func ParseSelector(s string) (Selector, error) {
	if s == "" {
		return Selector{}, errors.New("empty process selector")
	}
	if isDigits(s) {
		pid, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Selector{}, errors.Wrapf(err, "parse pid %q", s)
		}
		return ByPid(uint32(pid)), nil
	}
	return ByName(s), nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (s Selector) Match(t Task) bool {
	if s.byPid {
		return t.Pid == s.pid
	}
	return t.Comm == s.name
}

func (s Selector) String() string {
	if s.byPid {
		return "pid " + strconv.FormatUint(uint64(s.pid), 10)
	}
	return strconv.Quote(s.name)
}
