package handshake

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

// StartTLS upgrades a plaintext connection in place when the server offers
// the tls capability. When required, registration never proceeds in
// plaintext.
type StartTLS struct {
	required bool
	timeout  time.Duration
	log      zerolog.Logger

	conn       extension.Conn
	resume     *dispatch.Resumption
	timer      timer.Timer
	negotiated bool
	failed     bool
}

// NewStartTLS returns the unit. timeout bounds the wait for 670/691; zero
// uses the CAP negotiation timeout.
func NewStartTLS(required bool, timeout time.Duration) *StartTLS {
	if timeout <= 0 {
		timeout = constants.CapNegotiationTimeout
	}
	return &StartTLS{required: required, timeout: timeout, log: logger.For("starttls")}
}

func (s *StartTLS) Name() string { return StartTLSName }

func (s *StartTLS) Activate(conn extension.Conn) error {
	s.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(StartTLSName)

	d.Register(AckKey, StartTLSPriority, s.onAck, own)
	d.Register(dispatch.Key{Class: "commands", Name: "670"}, dispatch.PriorityDontCare, s.onStarted, own)
	d.Register(dispatch.Key{Class: "commands", Name: "691"}, dispatch.PriorityDontCare, s.onFailed, own)
	d.Register(StateKey, dispatch.PriorityFirst, s.onState, own)
	return nil
}

func (s *StartTLS) Reset() {
	s.stopTimer()
	s.resume = nil
	s.negotiated = false
	s.failed = false
}

func (s *StartTLS) Caps() map[string][]string {
	if s.conn == nil || s.conn.Secure() {
		return nil
	}
	return map[string][]string{"tls": nil}
}

// Negotiated reports whether the server acknowledged the tls capability.
func (s *StartTLS) Negotiated() bool {
	return s.negotiated
}

// Failed reports whether an upgrade was negotiated but did not complete.
func (s *StartTLS) Failed() bool {
	return s.failed
}

func (s *StartTLS) onAck(ev *dispatch.Event) {
	ack := ev.Payload.(*Ack)
	if ack.Token != "tls" || s.conn.Secure() {
		return
	}
	cn, ok := lookup[*CapNegotiate](s.conn, CapNegotiateName)
	if ok && !cn.State().Negotiating() {
		s.log.Debug().Msg("Ignoring tls offered after registration")
		return
	}
	r, err := ev.Suspend()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to suspend CAP negotiation")
		return
	}
	s.resume = r
	s.negotiated = true
	if ok {
		cn.setState(StartingTLS, "")
	}
	s.log.Debug().Msg("Sending STARTTLS")
	if err := s.conn.Send(line.New("STARTTLS")); err != nil {
		s.log.Error().Err(err).Msg("Failed to send STARTTLS")
	}
	s.timer = s.conn.Schedule(s.timeout, s.onTimeout)
}

func (s *StartTLS) stopTimer() {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
}

func (s *StartTLS) onTimeout() {
	s.timer = nil
	if s.resume == nil {
		return
	}
	r := s.resume
	s.resume = nil
	s.failed = true
	s.log.Warn().Dur("timeout", s.timeout).Msg("No reply to STARTTLS")
	cn, _ := lookup[*CapNegotiate](s.conn, CapNegotiateName)
	s.giveUp(cn, r, "STARTTLS timed out")
}

func (s *StartTLS) onStarted(*dispatch.Event) {
	if s.resume == nil {
		return
	}
	s.stopTimer()
	r := s.resume
	s.resume = nil
	cn, _ := lookup[*CapNegotiate](s.conn, CapNegotiateName)

	if err := s.conn.StartTLS(); err != nil {
		s.log.Error().Err(err).Msg("TLS upgrade failed")
		s.failed = true
		s.giveUp(cn, r, "TLS upgrade failed")
		return
	}
	s.log.Info().Msg("Connection upgraded to TLS")
	if cn != nil {
		cn.Renegotiate(r)
		return
	}
	r.Resume()
}

func (s *StartTLS) onFailed(ev *dispatch.Event) {
	if s.resume == nil {
		return
	}
	s.stopTimer()
	r := s.resume
	s.resume = nil
	s.failed = true
	s.log.Warn().Str("reason", ev.Payload.(*line.Line).Last()).Msg("Server refused STARTTLS")
	cn, _ := lookup[*CapNegotiate](s.conn, CapNegotiateName)
	s.giveUp(cn, r, "server refused STARTTLS")
}

func (s *StartTLS) giveUp(cn *CapNegotiate, r *dispatch.Resumption, reason string) {
	if cn == nil {
		r.Abandon()
		s.conn.Close(reason)
		return
	}
	if s.required {
		r.Abandon()
		cn.Abort(reason)
		return
	}
	cn.Continue(r)
}

// onState refuses to register in plaintext when TLS is mandatory.
func (s *StartTLS) onState(ev *dispatch.Event) {
	t := ev.Payload.(*Transition)
	if t.To != Registering || !s.required || s.conn.Secure() {
		return
	}
	if cn, ok := lookup[*CapNegotiate](s.conn, CapNegotiateName); ok {
		cn.Abort("TLS required but not available")
	}
}
