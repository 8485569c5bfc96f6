package handshake

import (
	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

// Registration sends PASS/NICK/USER once per connection, records the
// confirmed nickname and answers PING.
type Registration struct {
	maxAttempts int
	log         zerolog.Logger

	conn       extension.Conn
	sent       bool
	registered bool
	attempts   int
	// rejection increments on every nick rejection so a stale recovery
	// check can tell whether a policy reacted.
	rejection int
	reacted   int
}

// NewRegistration returns the unit. maxAttempts bounds nick retries; zero
// uses the default.
func NewRegistration(maxAttempts int) *Registration {
	if maxAttempts <= 0 {
		maxAttempts = constants.MaxNickAttempts
	}
	return &Registration{
		maxAttempts: maxAttempts,
		log:         logger.For("registration"),
	}
}

func (r *Registration) Name() string { return RegistrationName }

func (r *Registration) Activate(conn extension.Conn) error {
	r.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(RegistrationName)

	d.Register(dispatch.Key{Class: "commands", Name: "001"}, dispatch.PriorityFirst, r.onWelcome, own)
	d.Register(dispatch.Key{Class: "commands", Name: "PING"}, dispatch.PriorityFirst, r.onPing, own)
	d.Register(dispatch.Key{Class: "commands", Name: "NICK"}, dispatch.PriorityLast, r.onNick, own)
	for _, code := range []string{"431", "432", "433", "436"} {
		d.Register(dispatch.Key{Class: "commands", Name: code}, dispatch.PriorityDontCare, r.onNickError, own)
	}
	return nil
}

func (r *Registration) Reset() {
	r.sent = false
	r.registered = false
	r.attempts = 0
	r.rejection = 0
	r.reacted = 0
}

// Registered reports whether RPL_WELCOME has been received.
func (r *Registration) Registered() bool {
	return r.registered
}

// Attempts counts NICK commands sent during registration.
func (r *Registration) Attempts() int {
	return r.attempts
}

func (r *Registration) orchestrator() (*CapNegotiate, bool) {
	return lookup[*CapNegotiate](r.conn, CapNegotiateName)
}

// register sends the identity exactly once.
func (r *Registration) register() {
	if r.sent {
		return
	}
	r.sent = true

	if cn, ok := r.orchestrator(); ok {
		cn.setState(Registering, "")
		if cn.State() == Aborted {
			return
		}
	}

	id := r.conn.Identity()
	if id.Password != "" {
		r.send(line.New("PASS", id.Password))
	}
	r.attempts = 1
	r.conn.SetNick(id.Nick)
	r.send(line.New("NICK", id.Nick))
	r.send(line.New("USER", id.Username, "0", "*", id.Realname))
	r.log.Debug().Str("nick", id.Nick).Str("user", id.Username).Msg("Sent registration")
}

// TryNick sends an alternative nickname after a rejection.
func (r *Registration) TryNick(nick string) error {
	if r.registered {
		return nil
	}
	if r.attempts >= r.maxAttempts {
		return ErrTooManyAttempts
	}
	r.attempts++
	r.reacted = r.rejection
	r.conn.SetNick(nick)
	r.send(line.New("NICK", nick))
	r.log.Debug().Str("nick", nick).Int("attempt", r.attempts).Msg("Trying alternative nick")
	return nil
}

func (r *Registration) onNickError(ev *dispatch.Event) {
	if r.registered || !r.sent {
		return
	}
	l := ev.Payload.(*line.Line)

	nick := r.conn.Nick()
	if len(l.Params) >= 3 {
		nick = l.Params[1]
	}
	r.rejection++
	gen := r.rejection
	r.log.Info().Str("nick", nick).Str("code", l.Command).Msg("Nick rejected")

	r.conn.Dispatcher().Dispatch(NickRejectedKey, &NickRejection{
		Nick:    nick,
		Code:    l.Command,
		Reason:  l.Last(),
		Attempt: r.attempts,
	})

	if r.reacted == gen {
		return
	}
	if r.attempts >= r.maxAttempts {
		r.abort("nickname rejected too many times")
		return
	}
	// Policies may answer from a later scheduler pass.
	r.conn.Schedule(0, func() {
		if r.registered || r.reacted >= gen || r.rejection != gen {
			return
		}
		r.abort("nickname rejected with no alternative")
	})
}

func (r *Registration) abort(reason string) {
	if cn, ok := r.orchestrator(); ok {
		cn.Abort(reason)
		return
	}
	r.conn.Close(reason)
}

func (r *Registration) onWelcome(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	r.registered = true
	if nick := l.Param(0); nick != "" {
		r.conn.SetNick(nick)
	}
	r.log.Info().Str("nick", r.conn.Nick()).Msg("Registered")
	if cn, ok := r.orchestrator(); ok {
		cn.welcome()
	}
}

func (r *Registration) onPing(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	r.send(line.New("PONG", l.Params...))
}

func (r *Registration) onNick(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if l.Source == nil || len(l.Params) == 0 {
		return
	}
	if r.conn.Folder().Equal(l.Source.Nick, r.conn.Nick()) {
		r.conn.SetNick(l.Params[0])
	}
}

func (r *Registration) send(l *line.Line) {
	if err := r.conn.Send(l); err != nil {
		r.log.Error().Err(err).Str("command", l.Command).Msg("Failed to send")
	}
}
