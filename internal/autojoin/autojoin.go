// Package autojoin joins a configured channel list when the handshake
// completes.
package autojoin

import (
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

const Name = "AutoJoin"

// maxJoinLength bounds the parameters of one JOIN line.
const maxJoinLength = 400

// Entry is a channel to join with its optional key.
type Entry struct {
	Channel string
	Key     string
}

// ParseEntry splits "#chan key" into an Entry.
func ParseEntry(s string) Entry {
	name, key, _ := strings.Cut(strings.TrimSpace(s), " ")
	return Entry{Channel: name, Key: strings.TrimSpace(key)}
}

// Source supplies additional channels at join time.
type Source func() ([]Entry, error)

type AutoJoin struct {
	static []Entry
	source Source
	log    zerolog.Logger
	conn   extension.Conn
	joined bool
}

func New(channels []Entry, source Source) *AutoJoin {
	return &AutoJoin{static: channels, source: source, log: logger.For("autojoin")}
}

func Descriptor(channels []Entry, source Source) extension.Descriptor {
	return extension.Descriptor{
		Name:     Name,
		Requires: []string{handshake.RegistrationName},
		New:      func() extension.Unit { return New(channels, source) },
	}
}

func (a *AutoJoin) Name() string { return Name }

func (a *AutoJoin) Activate(conn extension.Conn) error {
	a.conn = conn
	conn.Dispatcher().Register(handshake.StateKey, dispatch.PriorityLast, a.onState, dispatch.WithOwner(Name))
	return nil
}

func (a *AutoJoin) Reset() {
	a.joined = false
}

func (a *AutoJoin) onState(ev *dispatch.Event) {
	tr := ev.Payload.(*handshake.Transition)
	if tr.To != handshake.Ready || a.joined {
		return
	}
	a.joined = true

	entries := slices.Clone(a.static)
	if a.source != nil {
		more, err := a.source()
		if err != nil {
			a.log.Error().Err(err).Msg("Failed to load auto-join channels")
		}
		entries = append(entries, more...)
	}

	for _, l := range JoinLines(dedupe(a.conn, entries)) {
		if err := a.conn.Send(l); err != nil {
			a.log.Error().Err(err).Msg("Failed to send JOIN")
			return
		}
	}
}

func dedupe(conn extension.Conn, entries []Entry) []Entry {
	seen := make(map[string]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if e.Channel == "" {
			continue
		}
		key := conn.Folder().Fold(e.Channel)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// JoinLines packs entries into as few JOIN lines as fit the line length.
// Keyed channels come first so the key list lines up with the names.
func JoinLines(entries []Entry) []*line.Line {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		switch {
		case a.Key != "" && b.Key == "":
			return -1
		case a.Key == "" && b.Key != "":
			return 1
		}
		return 0
	})

	var out []*line.Line
	var names, keys []string
	size := 0
	flush := func() {
		if len(names) == 0 {
			return
		}
		params := []string{strings.Join(names, ",")}
		if len(keys) > 0 {
			params = append(params, strings.Join(keys, ","))
		}
		out = append(out, line.New("JOIN", params...))
		names, keys, size = nil, nil, 0
	}

	for _, e := range sorted {
		n := len(e.Channel) + 1
		if e.Key != "" {
			n += len(e.Key) + 1
		}
		if size+n > maxJoinLength {
			flush()
		}
		names = append(names, e.Channel)
		if e.Key != "" {
			keys = append(keys, e.Key)
		}
		size += n
	}
	flush()
	return out
}
