// Package path implements the paths of files within a download,
// represented as lists of components.
package path

import (
	"strings"

	"github.com/pkg/errors"
)

type Path []string

var ErrInvalid = errors.New("invalid path")

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Parse converts a slash-separated path to a path.  Empty and "."
// components are dropped, so absolute and relative paths are treated
// identically.
func Parse(f string) Path {
	var path Path
	for _, c := range strings.Split(f, "/") {
		if c == "" || c == "." {
			continue
		}
		path = append(path, c)
	}
	return path
}

// Check returns an error if p cannot name a file: it is empty or one of
// its components would escape or confuse a directory tree.
func (p Path) Check() error {
	if len(p) == 0 {
		return errors.Wrap(ErrInvalid, "empty path")
	}
	for _, c := range p {
		if c == "" || c == "." || c == ".." ||
			strings.ContainsAny(c, "/\x00") {
			return errors.Wrapf(ErrInvalid, "component %q", c)
		}
	}
	return nil
}

// Append returns a new path with name appended; p is not modified.
func (p Path) Append(name string) Path {
	q := make(Path, len(p), len(p)+1)
	copy(q, p)
	return append(q, name)
}

// Base returns the last component, or "" for an empty path.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Within returns true if path p is strictly within directory d.
func (p Path) Within(d Path) bool {
	return len(p) > len(d) && p[:len(d)].Equal(d)
}

// Compare orders paths lexicographically by component.
func (p Path) Compare(q Path) int {
	for i := range p {
		if i >= len(q) {
			return 1
		}
		if c := strings.Compare(p[i], q[i]); c != 0 {
			return c
		}
	}
	if len(p) < len(q) {
		return -1
	}
	return 0
}
