package tracking

import (
	"strings"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/line"
)

// ModeKind is the behavioral category of a channel mode letter.
type ModeKind int

const (
	ModeNormal ModeKind = iota
	ModePrefix
	ModeList
	ModeKey
	ModeParam
)

// EventName is the modes-class signal name for k.
func (k ModeKind) EventName() string {
	switch k {
	case ModePrefix:
		return "mode_prefix"
	case ModeList:
		return "mode_list"
	case ModeKey:
		return "mode_key"
	case ModeParam:
		return "mode_param"
	default:
		return "mode_normal"
	}
}

func (k ModeKind) String() string {
	return strings.TrimPrefix(k.EventName(), "mode_")
}

// Key returns the signal key a change of this kind is dispatched under.
func (k ModeKind) Key() dispatch.Key {
	return dispatch.Key{Class: "modes", Name: k.EventName()}
}

// Mode is one classified mode change.
type Mode struct {
	Kind   ModeKind
	Letter byte
	// Param is the argument, empty for modes that take none.
	Param  string
	Adding bool
	// Timestamp is set for list entries reported with a set time.
	Timestamp int64
}

// ModeChange is the payload of the modes-class signals.
type ModeChange struct {
	Setter *line.Hostmask
	Target string
	Mode   Mode
}

// Classifier sorts mode letters by the server's CHANMODES groups and PREFIX
// table.
type Classifier struct {
	Groups [4]string
	Prefix string
}

// Kind classifies letter; ok is false for letters the server never
// advertised.
func (c Classifier) Kind(letter byte) (ModeKind, bool) {
	switch {
	case strings.IndexByte(c.Prefix, letter) >= 0:
		return ModePrefix, true
	case strings.IndexByte(c.Groups[0], letter) >= 0:
		return ModeList, true
	case strings.IndexByte(c.Groups[1], letter) >= 0:
		return ModeKey, true
	case strings.IndexByte(c.Groups[2], letter) >= 0:
		return ModeParam, true
	case strings.IndexByte(c.Groups[3], letter) >= 0:
		return ModeNormal, true
	}
	return ModeNormal, false
}

// takesParam reports whether a letter of kind consumes an argument.
func takesParam(kind ModeKind, adding bool) bool {
	switch kind {
	case ModePrefix, ModeList, ModeKey:
		return true
	case ModeParam:
		return adding
	}
	return false
}

// Parse splits a mode string and its arguments into classified changes.
// Unknown letters are returned in unknown and consume no argument.
func (c Classifier) Parse(modes string, params []string) (out []Mode, unknown []byte) {
	adding := true
	for i := 0; i < len(modes); i++ {
		letter := modes[i]
		switch letter {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		kind, ok := c.Kind(letter)
		if !ok {
			unknown = append(unknown, letter)
			continue
		}
		m := Mode{Kind: kind, Letter: letter, Adding: adding}
		if takesParam(kind, adding) && len(params) > 0 {
			m.Param = params[0]
			params = params[1:]
		}
		out = append(out, m)
	}
	return out, unknown
}

// addMode inserts letter into set, keeping rank order.
func addMode(set string, letter byte, rank string) string {
	if strings.IndexByte(set, letter) >= 0 {
		return set
	}
	set += string(letter)
	b := []byte(set)
	pos := func(c byte) int {
		if i := strings.IndexByte(rank, c); i >= 0 {
			return i
		}
		return len(rank)
	}
	for i := len(b) - 1; i > 0 && pos(b[i]) < pos(b[i-1]); i-- {
		b[i], b[i-1] = b[i-1], b[i]
	}
	return string(b)
}

func removeMode(set string, letter byte) string {
	return strings.ReplaceAll(set, string(letter), "")
}
