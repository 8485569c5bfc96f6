// Package isupport tracks the server feature advertisement (RPL_ISUPPORT)
// and applies the advertised case mapping.
package isupport

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/casemap"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

const Name = "ISupport"

// Defaults used until the server says otherwise.
const (
	DefaultPrefix    = "(ov)@+"
	DefaultChanModes = "beI,k,l,imnpst"
	DefaultChanTypes = "#&"
)

// CaseChangeKey is dispatched with a *CaseChange when the case mapping
// changes.
var CaseChangeKey = dispatch.Key{Class: "hooks", Name: "case_change"}

type CaseChange struct {
	Old casemap.Rule
	New casemap.Rule
}

// ISupport holds the advertised tokens of the current connection.
type ISupport struct {
	log    zerolog.Logger
	conn   extension.Conn
	tokens map[string]string
}

func New() *ISupport {
	return &ISupport{log: logger.For("isupport"), tokens: make(map[string]string)}
}

// Descriptor registers the unit in a catalog.
func Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:    Name,
		Aliases: []string{"isupport"},
		New:     func() extension.Unit { return New() },
	}
}

func (s *ISupport) Name() string { return Name }

func (s *ISupport) Activate(conn extension.Conn) error {
	s.conn = conn
	conn.Dispatcher().Register(dispatch.Key{Class: "commands", Name: "005"}, dispatch.PriorityFirst, s.onISupport,
		dispatch.WithOwner(Name))
	return nil
}

func (s *ISupport) Reset() {
	s.tokens = make(map[string]string)
}

func (s *ISupport) onISupport(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if len(l.Params) < 2 {
		return
	}
	if !strings.HasSuffix(strings.TrimSpace(l.Last()), "server") {
		s.log.Warn().Str("line", l.String()).Msg("Unexpected RPL_ISUPPORT form, parsing anyway")
	}
	s.Apply(l.Params[1 : len(l.Params)-1])
}

// Apply merges a list of TOKEN, TOKEN=value or -TOKEN entries.
func (s *ISupport) Apply(params []string) {
	for _, p := range params {
		if p == "" {
			continue
		}
		if p[0] == '-' {
			delete(s.tokens, strings.ToUpper(p[1:]))
			continue
		}
		key, value, _ := strings.Cut(p, "=")
		s.tokens[strings.ToUpper(key)] = unescapeValue(value)
		s.log.Debug().Str("key", key).Str("value", value).Msg("ISUPPORT")
	}

	if name, ok := s.tokens["CASEMAPPING"]; ok && s.conn != nil {
		rule, ok := casemap.ParseRule(name)
		if !ok {
			s.log.Debug().Str("casemapping", name).Msg("Unknown case mapping, keeping current rule")
			return
		}
		s.conn.Folder().SetRule(rule)
	}
}

// unescapeValue decodes \xHH sequences.
func unescapeValue(v string) string {
	if !strings.Contains(v, `\x`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+3 < len(v) && v[i+1] == 'x' {
			if n, err := strconv.ParseUint(v[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// Get returns a raw token value; bare tokens have an empty value.
func (s *ISupport) Get(key string) (string, bool) {
	v, ok := s.tokens[strings.ToUpper(key)]
	return v, ok
}

// Has reports whether key was advertised.
func (s *ISupport) Has(key string) bool {
	_, ok := s.tokens[strings.ToUpper(key)]
	return ok
}

// Prefix returns the prefix mode letters and their symbols, in rank order.
func (s *ISupport) Prefix() (modes, symbols string) {
	v, ok := s.tokens["PREFIX"]
	if !ok {
		v = DefaultPrefix
	}
	return ParsePrefix(v)
}

// ParsePrefix splits "(ov)@+" into "ov" and "@+".
func ParsePrefix(v string) (modes, symbols string) {
	if !strings.HasPrefix(v, "(") {
		return "", ""
	}
	end := strings.IndexByte(v, ')')
	if end < 0 {
		return "", ""
	}
	modes, symbols = v[1:end], v[end+1:]
	if len(modes) != len(symbols) {
		n := min(len(modes), len(symbols))
		modes, symbols = modes[:n], symbols[:n]
	}
	return modes, symbols
}

// ChanModes returns the four CHANMODES groups: list modes, modes that always
// take a parameter, modes that take one only when set, and flag modes.
func (s *ISupport) ChanModes() [4]string {
	v, ok := s.tokens["CHANMODES"]
	if !ok {
		v = DefaultChanModes
	}
	var groups [4]string
	for i, g := range strings.SplitN(v, ",", 5) {
		if i < 4 {
			groups[i] = g
		}
	}
	return groups
}

func (s *ISupport) ChanTypes() string {
	if v, ok := s.tokens["CHANTYPES"]; ok {
		return v
	}
	return DefaultChanTypes
}

// IsChannel reports whether name starts with an advertised channel type.
func (s *ISupport) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(s.ChanTypes(), name[0]) >= 0
}

func (s *ISupport) NickLen() (int, bool) {
	v, ok := s.tokens["NICKLEN"]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *ISupport) HasWHOX() bool {
	return s.Has("WHOX")
}

func (s *ISupport) Network() string {
	return s.tokens["NETWORK"]
}

// CaseMapping returns the advertised rule, RFC1459 when absent or unknown.
func (s *ISupport) CaseMapping() casemap.Rule {
	if r, ok := casemap.ParseRule(s.tokens["CASEMAPPING"]); ok {
		return r
	}
	return casemap.RFC1459
}
