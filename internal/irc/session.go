package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/casemap"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

// Session-level hook keys.
var (
	DisconnectedKey = dispatch.Key{Class: "hooks", Name: "disconnected"}
	ParseErrorKey   = dispatch.Key{Class: "hooks", Name: "parse_error"}
)

// Transport carries encoded lines for a Session. Secure reports whether the
// link is encrypted; StartTLS upgrades it in place.
type Transport interface {
	WriteLine(raw []byte) error
	Secure() bool
	StartTLS() error
	Close(reason string)
}

// SessionConfig selects the units of a connection.
type SessionConfig struct {
	Identity extension.Identity
	Catalog  *extension.Catalog
	// Units names catalog entries to enable; their requirements are pulled
	// in automatically.
	Units []string
	// Extra declares units that are not in the catalog, or overrides a
	// catalog entry with a ready instance.
	Extra []extension.Descriptor
}

// Session is the per-connection context: it owns the dispatcher, the case
// folder, the timers and the activated units, and feeds decoded lines in.
// A Session is driven from a single goroutine.
type Session struct {
	log       zerolog.Logger
	identity  extension.Identity
	transport Transport
	engine    *dispatch.Engine
	folder    *casemap.Folder
	timers    *timer.Group
	units     *extension.Set
	nick      string
	connected bool
}

// NewSession resolves and activates the configured units. Dependency errors
// are returned before any I/O happens.
func NewSession(cfg SessionConfig, transport Transport, sched timer.Scheduler) (*Session, error) {
	declared := make([]extension.Descriptor, 0, len(cfg.Units)+len(cfg.Extra))
	declared = append(declared, cfg.Extra...)
	for _, name := range cfg.Units {
		d, ok := cfg.Catalog.Lookup(name)
		if !ok {
			if hasDescriptor(cfg.Extra, name) {
				continue
			}
			return nil, &extension.DependencyError{Err: extension.ErrUnresolved, Names: []string{name}}
		}
		declared = append(declared, d)
	}

	plan, err := extension.Resolve(declared, cfg.Catalog)
	if err != nil {
		return nil, err
	}
	units, err := plan.Instantiate()
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:       logger.For("session"),
		identity:  cfg.Identity,
		transport: transport,
		engine:    dispatch.NewEngine(),
		folder:    casemap.NewFolder(casemap.RFC1459),
		timers:    timer.NewGroup(sched),
		units:     units,
		nick:      cfg.Identity.Nick,
	}
	s.folder.OnChange(func(old, rule casemap.Rule) {
		s.log.Debug().Stringer("from", old).Stringer("to", rule).Msg("Case mapping changed")
		s.engine.Dispatch(isupport.CaseChangeKey, &isupport.CaseChange{Old: old, New: rule})
	})

	if err := units.Activate(s); err != nil {
		return nil, err
	}
	s.log.Debug().Strs("units", units.Names()).Msg("Session ready")
	return s, nil
}

func hasDescriptor(descs []extension.Descriptor, name string) bool {
	for _, d := range descs {
		if d.Name == name {
			return true
		}
		for _, a := range d.Aliases {
			if a == name {
				return true
			}
		}
	}
	return false
}

func (s *Session) Dispatcher() *dispatch.Engine { return s.engine }

func (s *Session) Folder() *casemap.Folder { return s.folder }

func (s *Session) Send(l *line.Line) error {
	if !s.connected {
		return fmt.Errorf("failed to send %s: not connected", l.Command)
	}
	s.log.Trace().Str("line", l.String()).Msg("Sending")
	if err := s.transport.WriteLine(l.Encode()); err != nil {
		return fmt.Errorf("failed to send %s: %w", l.Command, err)
	}
	return nil
}

func (s *Session) Schedule(delay time.Duration, fn func()) timer.Timer {
	return s.timers.Schedule(delay, fn)
}

func (s *Session) Unit(name string) (extension.Unit, bool) {
	return s.units.Lookup(name)
}

func (s *Session) Extensions() *extension.Set { return s.units }

func (s *Session) Identity() extension.Identity { return s.identity }

func (s *Session) Nick() string { return s.nick }

func (s *Session) SetNick(nick string) {
	if nick != "" && nick != s.nick {
		s.log.Debug().Str("from", s.nick).Str("to", nick).Msg("Nickname changed")
		s.nick = nick
	}
}

func (s *Session) Secure() bool { return s.transport.Secure() }

func (s *Session) StartTLS() error { return s.transport.StartTLS() }

func (s *Session) Close(reason string) { s.transport.Close(reason) }

// Connected starts the handshake on a freshly opened transport.
func (s *Session) Connected() {
	s.connected = true
	s.engine.Dispatch(handshake.ConnectedKey, nil)
}

// Feed decodes one raw line and dispatches it under its command. Malformed
// lines are reported through ParseErrorKey and dropped.
func (s *Session) Feed(raw []byte) {
	l, err := line.Decode(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("Dropping malformed line")
		s.engine.Dispatch(ParseErrorKey, err)
		return
	}
	s.log.Trace().Str("line", l.String()).Msg("Received")
	s.engine.Dispatch(dispatch.Key{Class: "commands", Name: strings.ToUpper(l.Command)}, l)
}

// Disconnected tears down all per-connection state so the session can serve
// a reconnect.
func (s *Session) Disconnected() {
	if !s.connected {
		return
	}
	s.engine.Dispatch(DisconnectedKey, nil)
	s.connected = false
	s.timers.CancelAll()
	s.units.Reset()
	s.folder.SetRule(casemap.RFC1459)
	s.nick = s.identity.Nick
}

// IsConnected reports whether Connected was called without a matching
// Disconnected.
func (s *Session) IsConnected() bool { return s.connected }

func (s *Session) orchestrator() (*handshake.CapNegotiate, bool) {
	u, ok := s.units.Lookup(handshake.CapNegotiateName)
	if !ok {
		return nil, false
	}
	cn, ok := u.(*handshake.CapNegotiate)
	return cn, ok
}

// Handshake returns the current handshake state.
func (s *Session) Handshake() handshake.State {
	if cn, ok := s.orchestrator(); ok {
		return cn.State()
	}
	return handshake.Connecting
}

// Err returns the abort reason once the handshake was aborted.
func (s *Session) Err() error {
	if cn, ok := s.orchestrator(); ok {
		return cn.Err()
	}
	return nil
}

// Caps returns the negotiated capability state.
func (s *Session) Caps() handshake.CapabilityState {
	if cn, ok := s.orchestrator(); ok {
		return cn.Caps()
	}
	return handshake.CapabilityState{}
}

// Store returns the tracking store, or nil when tracking is not enabled.
func (s *Session) Store() *tracking.Track {
	if u, ok := s.units.Lookup(tracking.TrackName); ok {
		if t, ok := u.(*tracking.Track); ok {
			return t
		}
	}
	return nil
}
