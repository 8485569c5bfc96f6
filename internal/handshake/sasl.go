package handshake

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

const (
	PLAIN    = "PLAIN"
	EXTERNAL = "EXTERNAL"
)

// SASLConfig holds credentials and policy for SASL.
type SASLConfig struct {
	// Mechanisms in order of preference.
	Mechanisms []string
	Username   string
	Password   string
	// Required aborts the handshake when authentication does not succeed.
	Required    bool
	MaxAttempts int
}

// SASL authenticates during capability negotiation. It suspends the sasl
// ack until the exchange finishes.
type SASL struct {
	cfg SASLConfig
	log zerolog.Logger

	conn   extension.Conn
	resume *dispatch.Resumption

	client      sasl.Client
	mechanism   string
	started     bool
	active      bool
	buf         strings.Builder
	attempts    int
	tried       map[string]bool
	serverMechs []string

	authenticated bool
	account       string

	failures int
	retried  int
}

func NewSASL(cfg SASLConfig) *SASL {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.MaxSASLAttempts
	}
	mechs := make([]string, len(cfg.Mechanisms))
	for i, m := range cfg.Mechanisms {
		mechs[i] = strings.ToUpper(m)
	}
	cfg.Mechanisms = mechs
	return &SASL{cfg: cfg, log: logger.For("sasl"), tried: make(map[string]bool)}
}

func (s *SASL) Name() string { return SASLName }

func (s *SASL) Activate(conn extension.Conn) error {
	s.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(SASLName)

	d.Register(AckKey, SASLPriority, s.onAck, own)
	d.Register(StateKey, dispatch.PriorityDontCare, s.onState, own)
	d.Register(dispatch.Key{Class: "commands", Name: "AUTHENTICATE"}, dispatch.PriorityDontCare, s.onAuthenticate, own)
	d.Register(dispatch.Key{Class: "commands", Name: "900"}, dispatch.PriorityDontCare, s.onLoggedIn, own)
	d.Register(dispatch.Key{Class: "commands", Name: "901"}, dispatch.PriorityDontCare, s.onLoggedOut, own)
	d.Register(dispatch.Key{Class: "commands", Name: "903"}, dispatch.PriorityDontCare, s.onSuccess, own)
	d.Register(dispatch.Key{Class: "commands", Name: "907"}, dispatch.PriorityDontCare, s.onSuccess, own)
	d.Register(dispatch.Key{Class: "commands", Name: "908"}, dispatch.PriorityDontCare, s.onMechanisms, own)
	for _, code := range []string{"902", "904", "905", "906"} {
		d.Register(dispatch.Key{Class: "commands", Name: code}, dispatch.PriorityDontCare, s.onFailure, own)
	}
	return nil
}

func (s *SASL) Reset() {
	s.resume = nil
	s.client = nil
	s.mechanism = ""
	s.started = false
	s.active = false
	s.buf.Reset()
	s.attempts = 0
	s.tried = make(map[string]bool)
	s.serverMechs = nil
	s.authenticated = false
	s.account = ""
	s.failures = 0
	s.retried = 0
}

func (s *SASL) enabled() bool {
	if len(s.cfg.Mechanisms) == 0 {
		return false
	}
	if s.cfg.Username != "" {
		return true
	}
	for _, m := range s.cfg.Mechanisms {
		if m == EXTERNAL {
			return true
		}
	}
	return false
}

func (s *SASL) Caps() map[string][]string {
	if !s.enabled() {
		return nil
	}
	return map[string][]string{"sasl": s.cfg.Mechanisms}
}

// Authenticated reports whether the server accepted our credentials.
func (s *SASL) Authenticated() bool {
	return s.authenticated
}

// Account is the account name reported by RPL_LOGGEDIN.
func (s *SASL) Account() string {
	return s.account
}

func (s *SASL) orchestrator() (*CapNegotiate, bool) {
	return lookup[*CapNegotiate](s.conn, CapNegotiateName)
}

func (s *SASL) onAck(ev *dispatch.Event) {
	ack := ev.Payload.(*Ack)
	if ack.Token != "sasl" || !s.enabled() || s.authenticated {
		return
	}

	if tls, ok := lookup[*StartTLS](s.conn, StartTLSName); ok && tls.Failed() {
		s.log.Warn().Msg("Not sending credentials after failed TLS upgrade")
		if s.cfg.Required {
			if cn, ok := s.orchestrator(); ok {
				cn.Abort("TLS upgrade failed before SASL")
			}
		}
		return
	}

	r, err := ev.Suspend()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to suspend CAP negotiation")
		return
	}
	s.resume = r
	if len(ack.Values) > 0 {
		s.serverMechs = ack.Values
	}

	mech := s.nextMechanism()
	if mech == "" {
		s.fail("", "", "no mechanism in common with the server")
		return
	}
	if err := s.begin(mech); err != nil {
		s.fail("", mech, err.Error())
	}
}

func (s *SASL) remaining() []string {
	var out []string
	for _, m := range s.cfg.Mechanisms {
		if s.tried[m] {
			continue
		}
		if s.serverMechs != nil && !containsFold(s.serverMechs, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *SASL) nextMechanism() string {
	if r := s.remaining(); len(r) > 0 {
		return r[0]
	}
	return ""
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func (s *SASL) newClient(mech string) (sasl.Client, error) {
	switch mech {
	case PLAIN:
		return sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password), nil
	case EXTERNAL:
		return sasl.NewExternalClient(""), nil
	case SCRAMSHA256, SCRAMSHA512:
		c, err := newSCRAMClient(mech, s.cfg.Username, s.cfg.Password)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", mech)
	}
}

func (s *SASL) begin(mech string) error {
	if s.attempts >= s.cfg.MaxAttempts {
		return ErrTooManyAttempts
	}
	client, err := s.newClient(mech)
	if err != nil {
		return err
	}
	s.attempts++
	s.tried[mech] = true
	s.mechanism = mech
	s.client = client
	s.started = false
	s.active = true
	s.buf.Reset()

	// A sasl offered by CAP NEW after CAP END authenticates without leaving
	// Ready.
	if cn, ok := s.orchestrator(); ok && cn.State().Negotiating() {
		cn.setState(SaslAuth, "")
	}
	s.log.Info().Str("mechanism", mech).Int("attempt", s.attempts).Msg("Starting SASL authentication")
	s.send(line.New("AUTHENTICATE", mech))
	return nil
}

// Retry starts another attempt with mech after a failure. It must be called
// before the failure is given up on, at the latest from the next scheduler
// pass.
func (s *SASL) Retry(mech string) error {
	if s.resume == nil || s.active || s.authenticated {
		return ErrNotWaiting
	}
	if err := s.begin(strings.ToUpper(mech)); err != nil {
		return err
	}
	s.retried = s.failures
	return nil
}

func (s *SASL) onAuthenticate(ev *dispatch.Event) {
	if !s.active {
		return
	}
	param := ev.Payload.(*line.Line).Param(0)
	if param != "+" {
		s.buf.WriteString(param)
		if len(param) == constants.SASLChunkSize {
			return
		}
	}
	data := s.buf.String()
	s.buf.Reset()

	var challenge []byte
	if data != "" {
		var err error
		challenge, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			s.cancelExchange(fmt.Errorf("failed to decode challenge: %w", err))
			return
		}
	}

	var resp []byte
	var err error
	if !s.started {
		_, resp, err = s.client.Start()
		s.started = true
	} else {
		resp, err = s.client.Next(challenge)
	}
	if err != nil {
		s.cancelExchange(err)
		return
	}
	s.respond(resp)
}

// respond sends resp base64-encoded in chunks, with a closing "+" when the
// encoding is an exact multiple of the chunk size.
func (s *SASL) respond(resp []byte) {
	if len(resp) == 0 {
		s.send(line.New("AUTHENTICATE", "+"))
		return
	}
	encoded := base64.StdEncoding.EncodeToString(resp)
	for rest := encoded; rest != ""; {
		n := min(len(rest), constants.SASLChunkSize)
		s.send(line.New("AUTHENTICATE", rest[:n]))
		rest = rest[n:]
	}
	if len(encoded)%constants.SASLChunkSize == 0 {
		s.send(line.New("AUTHENTICATE", "+"))
	}
}

func (s *SASL) cancelExchange(err error) {
	s.log.Warn().Err(err).Str("mechanism", s.mechanism).Msg("Aborting SASL exchange")
	s.send(line.New("AUTHENTICATE", "*"))
}

func (s *SASL) onLoggedIn(ev *dispatch.Event) {
	s.account = ev.Payload.(*line.Line).Param(2)
}

func (s *SASL) onLoggedOut(*dispatch.Event) {
	s.account = ""
}

func (s *SASL) onMechanisms(ev *dispatch.Event) {
	if mechs := ev.Payload.(*line.Line).Param(1); mechs != "" {
		s.serverMechs = strings.Split(mechs, ",")
	}
}

func (s *SASL) onSuccess(ev *dispatch.Event) {
	if s.resume == nil {
		return
	}
	s.active = false
	s.client = nil
	s.authenticated = true
	s.log.Info().Str("mechanism", s.mechanism).Str("account", s.account).Msg("SASL authentication succeeded")
	s.conn.Dispatcher().Dispatch(SASLSuccessKey, &Success{Mechanism: s.mechanism, Account: s.account})
	s.finish()
}

func (s *SASL) onFailure(ev *dispatch.Event) {
	if s.resume == nil || !s.active {
		return
	}
	l := ev.Payload.(*line.Line)
	s.fail(l.Command, s.mechanism, l.Last())
}

// fail surfaces a failure and gives up unless a handler calls Retry within
// one scheduler pass.
func (s *SASL) fail(code, mech, reason string) {
	s.active = false
	s.client = nil
	s.failures++
	gen := s.failures
	s.log.Warn().Str("code", code).Str("mechanism", mech).Str("reason", reason).Msg("SASL authentication failed")

	s.conn.Dispatcher().Dispatch(SASLFailureKey, &Failure{
		Code:      code,
		Mechanism: mech,
		Reason:    reason,
		Attempt:   s.attempts,
		Remaining: s.remaining(),
	})
	if s.retried == gen {
		return
	}
	s.conn.Schedule(0, func() {
		if s.retried >= gen || s.failures != gen || s.resume == nil || s.active {
			return
		}
		s.giveUp(reason)
	})
}

func (s *SASL) giveUp(reason string) {
	cn, ok := s.orchestrator()
	if s.cfg.Required && ok {
		s.resume.Abandon()
		s.resume = nil
		cn.Abort("SASL authentication failed: " + reason)
		return
	}
	s.log.Warn().Msg("Continuing without SASL authentication")
	s.finish()
}

func (s *SASL) finish() {
	r := s.resume
	s.resume = nil
	if cn, ok := s.orchestrator(); ok {
		cn.Continue(r)
		return
	}
	r.Resume()
}

// onState enforces Required once negotiation is about to end.
func (s *SASL) onState(ev *dispatch.Event) {
	t := ev.Payload.(*Transition)
	if t.To != CapEnding || !s.cfg.Required || !s.enabled() || s.authenticated {
		return
	}
	if cn, ok := s.orchestrator(); ok {
		cn.Abort("SASL authentication required but not completed")
	}
}

func (s *SASL) send(l *line.Line) {
	if err := s.conn.Send(l); err != nil {
		s.log.Error().Err(err).Str("command", l.Command).Msg("Failed to send")
	}
}

// SASLFallback retries a failed authentication with the next mechanism the
// server supports.
type SASLFallback struct {
	conn extension.Conn
	log  zerolog.Logger
}

func NewSASLFallback() *SASLFallback { return &SASLFallback{log: logger.For("sasl")} }

func (f *SASLFallback) Name() string { return SASLFallbackName }

func (f *SASLFallback) Activate(conn extension.Conn) error {
	f.conn = conn
	conn.Dispatcher().Register(SASLFailureKey, dispatch.PriorityLast, f.onFailure,
		dispatch.WithOwner(SASLFallbackName))
	return nil
}

func (f *SASLFallback) Reset() {}

func (f *SASLFallback) onFailure(ev *dispatch.Event) {
	failure := ev.Payload.(*Failure)
	if len(failure.Remaining) == 0 {
		return
	}
	s, ok := lookup[*SASL](f.conn, SASLName)
	if !ok {
		return
	}
	if err := s.Retry(failure.Remaining[0]); err != nil {
		f.log.Debug().Err(err).Str("mechanism", failure.Remaining[0]).Msg("Fallback retry refused")
	}
}
