// Package casemap implements the server-advertised nickname and channel
// case-folding rules.
package casemap

import (
	"strings"
	"sync"
)

// Rule is a case-folding rule advertised through ISUPPORT CASEMAPPING.
type Rule int

const (
	RFC1459 Rule = iota
	ASCII
	RFC1459Strict
)

func (r Rule) String() string {
	switch r {
	case ASCII:
		return "ascii"
	case RFC1459Strict:
		return "rfc1459-strict"
	default:
		return "rfc1459"
	}
}

// ParseRule maps a CASEMAPPING token to a rule.
func ParseRule(name string) (Rule, bool) {
	switch strings.ToLower(name) {
	case "ascii":
		return ASCII, true
	case "rfc1459":
		return RFC1459, true
	case "rfc1459-strict", "strict-rfc1459":
		return RFC1459Strict, true
	}
	return RFC1459, false
}

// fold maps c to its lower-case form under r.
func (r Rule) fold(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	switch r {
	case RFC1459:
		switch c {
		case '[':
			return '{'
		case ']':
			return '}'
		case '\\':
			return '|'
		case '~':
			return '^'
		}
	case RFC1459Strict:
		switch c {
		case '[':
			return '{'
		case ']':
			return '}'
		case '\\':
			return '|'
		}
	}
	return c
}

// Fold returns the canonical lower-case form of s.
func (r Rule) Fold(s string) string {
	for i := 0; i < len(s); i++ {
		if r.fold(s[i]) != s[i] {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				b[j] = r.fold(b[j])
			}
			return string(b)
		}
	}
	return s
}

// Equal reports whether a and b name the same entity under r.
func (r Rule) Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if r.fold(a[i]) != r.fold(b[i]) {
			return false
		}
	}
	return true
}

// Folder holds the active rule for one connection and notifies listeners when
// the server changes it.
type Folder struct {
	mu        sync.RWMutex
	rule      Rule
	listeners []func(old, new Rule)
}

// NewFolder returns a Folder starting with rule.
func NewFolder(rule Rule) *Folder {
	return &Folder{rule: rule}
}

func (f *Folder) Rule() Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rule
}

// SetRule switches the active rule. Listeners run only when the rule actually
// changes, after the new rule is visible.
func (f *Folder) SetRule(rule Rule) bool {
	f.mu.Lock()
	old := f.rule
	if old == rule {
		f.mu.Unlock()
		return false
	}
	f.rule = rule
	listeners := make([]func(old, new Rule), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(old, rule)
	}
	return true
}

// OnChange registers a rule change listener.
func (f *Folder) OnChange(fn func(old, new Rule)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Folder) Fold(s string) string {
	return f.Rule().Fold(s)
}

func (f *Folder) Equal(a, b string) bool {
	return f.Rule().Equal(a, b)
}
