// Package columns provides the immutable column selector used to address
// subsets of a table throughout the pipeline graph.
package columns

import (
	"sort"
	"strings"
)

// Selector is an immutable ordered set of column names.
// The zero value is an empty selector and is ready to use.
type Selector struct {
	names []string
	index map[string]int
}

// New creates a selector from names. Repeated names keep their first position.
func New(names ...string) Selector {
	s := Selector{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
	}
	for _, n := range names {
		if _, ok := s.index[n]; ok {
			continue
		}
		s.index[n] = len(s.names)
		s.names = append(s.names, n)
	}
	return s
}

// Names returns a copy of the ordered names.
func (s Selector) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of names.
func (s Selector) Len() int {
	return len(s.names)
}

// IsEmpty reports whether the selector has no names.
func (s Selector) IsEmpty() bool {
	return len(s.names) == 0
}

// At returns the i-th name.
func (s Selector) At(i int) string {
	return s.names[i]
}

// Contains reports whether name is in the selector.
func (s Selector) Contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

// IndexOf returns the position of name, or -1.
func (s Selector) IndexOf(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Union returns the names of s followed by the names of other not already in s.
func (s Selector) Union(other Selector) Selector {
	names := make([]string, 0, len(s.names)+len(other.names))
	names = append(names, s.names...)
	names = append(names, other.names...)
	return New(names...)
}

// Difference returns the names of s that are not in other, preserving order.
func (s Selector) Difference(other Selector) Selector {
	names := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if !other.Contains(n) {
			names = append(names, n)
		}
	}
	return New(names...)
}

// Intersect returns the names of s that are also in other, preserving the order of s.
func (s Selector) Intersect(other Selector) Selector {
	names := make([]string, 0, len(s.names))
	for _, n := range s.names {
		if other.Contains(n) {
			names = append(names, n)
		}
	}
	return New(names...)
}

// Overlap returns the names present in both selectors, sorted.
func (s Selector) Overlap(other Selector) []string {
	var out []string
	for _, n := range s.names {
		if other.Contains(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both selectors hold the same names in the same order.
func (s Selector) Equal(other Selector) bool {
	if len(s.names) != len(other.names) {
		return false
	}
	for i, n := range s.names {
		if other.names[i] != n {
			return false
		}
	}
	return true
}

// Map returns a new selector with fn applied to every name.
func (s Selector) Map(fn func(string) string) Selector {
	names := make([]string, len(s.names))
	for i, n := range s.names {
		names[i] = fn(n)
	}
	return New(names...)
}

// String renders the selector as a bracketed list.
func (s Selector) String() string {
	return "[" + strings.Join(s.names, ", ") + "]"
}
