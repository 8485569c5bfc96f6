package extension

import (
	"fmt"
	"sort"
)

type entry struct {
	desc Descriptor
	unit Unit
}

// Set is the instantiated units of one connection, in activation order.
type Set struct {
	entries []entry
}

// Activate activates every unit in order.
func (s *Set) Activate(c Conn) error {
	for _, e := range s.entries {
		if err := e.unit.Activate(c); err != nil {
			return fmt.Errorf("failed to activate %q: %w", e.desc.Name, err)
		}
	}
	return nil
}

// Reset resets every unit in reverse activation order.
func (s *Set) Reset() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		s.entries[i].unit.Reset()
	}
}

// Lookup finds a unit by its declared name or alias.
func (s *Set) Lookup(name string) (Unit, bool) {
	for _, e := range s.entries {
		if e.desc.satisfies(name) {
			return e.unit, true
		}
	}
	return nil, false
}

// Priority returns the declared default priority of a unit.
func (s *Set) Priority(name string) (int, bool) {
	for _, e := range s.entries {
		if e.desc.satisfies(name) {
			return e.desc.DefaultPriority, true
		}
	}
	return 0, false
}

// Names returns unit names in activation order.
func (s *Set) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.desc.Name
	}
	return names
}

// Interest is the merged capability interest for one token.
type Interest struct {
	Values []string
	// Priority is the lowest default priority among interested units.
	Priority int
	Units    []string
}

// CapInterest polls every CapRequester and merges the answers.
func (s *Set) CapInterest() map[string]*Interest {
	out := make(map[string]*Interest)
	for _, e := range s.entries {
		req, ok := e.unit.(CapRequester)
		if !ok {
			continue
		}
		for token, values := range req.Caps() {
			in, ok := out[token]
			if !ok {
				in = &Interest{Priority: e.desc.DefaultPriority}
				out[token] = in
			}
			if e.desc.DefaultPriority < in.Priority {
				in.Priority = e.desc.DefaultPriority
			}
			in.Values = appendMissing(in.Values, values...)
			in.Units = append(in.Units, e.desc.Name)
		}
	}
	return out
}

// Providers returns the units interested in token, sorted by name.
func (s *Set) Providers(token string) []string {
	in, ok := s.CapInterest()[token]
	if !ok {
		return nil
	}
	names := append([]string(nil), in.Units...)
	sort.Strings(names)
	return names
}

func appendMissing(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, have := range dst {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
