package handshake

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

// maxReqLength bounds the token list of a single CAP REQ line.
const maxReqLength = 400

// CapabilityState is the negotiated capability view of a connection.
type CapabilityState struct {
	Offered      map[string][]string
	Requested    map[string][]string
	Acknowledged map[string][]string
	// Pending counts acknowledged tokens whose handling has not finished.
	Pending int
}

func newCapabilityState() CapabilityState {
	return CapabilityState{
		Offered:      make(map[string][]string),
		Requested:    make(map[string][]string),
		Acknowledged: make(map[string][]string),
	}
}

func (cs CapabilityState) clone() CapabilityState {
	out := newCapabilityState()
	for k, v := range cs.Offered {
		out.Offered[k] = append([]string(nil), v...)
	}
	for k, v := range cs.Requested {
		out.Requested[k] = append([]string(nil), v...)
	}
	for k, v := range cs.Acknowledged {
		out.Acknowledged[k] = append([]string(nil), v...)
	}
	out.Pending = cs.Pending
	return out
}

type queuedAck struct {
	token    string
	priority int
}

// CapNegotiate drives CAP LS/REQ/ACK/END and owns the handshake state.
type CapNegotiate struct {
	timeout time.Duration
	log     zerolog.Logger

	conn   extension.Conn
	state  State
	reason string
	caps   CapabilityState

	lsBuf   map[string][]string
	listBuf map[string][]string
	timer   timer.Timer

	outstanding int
	queue       []queuedAck
	waiting     *dispatch.Event
	dispatching bool

	relisting   bool
	afterRelist *dispatch.Resumption

	ended    bool
	welcomed bool
}

// NewCapNegotiate returns the orchestrator. A zero timeout uses the default.
func NewCapNegotiate(timeout time.Duration) *CapNegotiate {
	if timeout <= 0 {
		timeout = constants.CapNegotiationTimeout
	}
	return &CapNegotiate{
		timeout: timeout,
		log:     logger.For("cap"),
		caps:    newCapabilityState(),
	}
}

func (c *CapNegotiate) Name() string { return CapNegotiateName }

func (c *CapNegotiate) Activate(conn extension.Conn) error {
	c.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(CapNegotiateName)

	d.Register(ConnectedKey, dispatch.PriorityFirst, c.onConnected, own)
	d.Register(dispatch.Key{Class: "commands", Name: "CAP"}, dispatch.PriorityFirst, c.onCap, own)
	d.Register(dispatch.Key{Class: "commands", Name: "421"}, dispatch.PriorityFirst, c.onUnknownCommand, own)
	return nil
}

func (c *CapNegotiate) Reset() {
	c.state = Connecting
	c.reason = ""
	c.caps = newCapabilityState()
	c.lsBuf = nil
	c.listBuf = nil
	c.timer = nil
	c.outstanding = 0
	c.queue = nil
	c.waiting = nil
	c.dispatching = false
	c.relisting = false
	c.afterRelist = nil
	c.ended = false
	c.welcomed = false
}

// State returns the current handshake state.
func (c *CapNegotiate) State() State {
	return c.state
}

// Err reports why the handshake was aborted, or nil.
func (c *CapNegotiate) Err() error {
	if c.state != Aborted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAborted, c.reason)
}

// Caps returns a copy of the capability state.
func (c *CapNegotiate) Caps() CapabilityState {
	return c.caps.clone()
}

// Enabled reports whether token is acknowledged.
func (c *CapNegotiate) Enabled(token string) bool {
	_, ok := c.caps.Acknowledged[token]
	return ok
}

// Abort moves the handshake to Aborted and closes the connection.
func (c *CapNegotiate) Abort(reason string) {
	if c.state == Aborted {
		return
	}
	c.log.Warn().Str("reason", reason).Msg("Aborting handshake")
	c.reason = reason
	c.cancelTimer()
	c.queue = nil
	c.setState(Aborted, reason)
	c.conn.Close(reason)
}

func (c *CapNegotiate) setState(to State, reason string) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("Handshake state changed")
	c.conn.Dispatcher().Dispatch(StateKey, &Transition{From: from, To: to, Reason: reason})
}

func (c *CapNegotiate) cancelTimer() {
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
}

func (c *CapNegotiate) onConnected(*dispatch.Event) {
	if c.state != Connecting {
		return
	}
	c.setState(CapNegotiating, "")
	c.log.Debug().Msg("Requesting CAP list")
	c.send(line.New("CAP", "LS", constants.CapVersion))
	c.timer = c.conn.Schedule(c.timeout, c.onTimeout)
}

func (c *CapNegotiate) onTimeout() {
	c.timer = nil
	if c.state != CapNegotiating || c.ended {
		return
	}
	c.log.Info().Dur("timeout", c.timeout).Msg("No CAP reply, falling back to legacy registration")
	c.fallback()
}

func (c *CapNegotiate) onUnknownCommand(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if !strings.EqualFold(l.Param(1), "CAP") {
		return
	}
	if c.state != CapNegotiating || c.ended {
		return
	}
	c.log.Info().Msg("Server does not know CAP, falling back to legacy registration")
	c.fallback()
}

func (c *CapNegotiate) fallback() {
	c.cancelTimer()
	c.queue = nil
	c.outstanding = 0
	c.end()
}

func (c *CapNegotiate) onCap(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	c.cancelTimer()
	if len(l.Params) < 2 || c.state == Aborted {
		return
	}

	switch sub := strings.ToUpper(l.Params[1]); sub {
	case "LS":
		c.handleLS(l)
	case "ACK":
		c.handleAck(l)
	case "NAK":
		c.handleNak(l)
	case "NEW":
		c.handleNew(l)
	case "DEL":
		c.handleDel(l)
	case "LIST":
		c.handleList(l)
	default:
		c.log.Debug().Str("subcommand", sub).Msg("Ignoring unknown CAP subcommand")
	}
}

// capTokens returns the token list of a CAP reply and whether more lines
// follow.
func capTokens(l *line.Line) (string, bool) {
	if len(l.Params) >= 4 && l.Params[2] == "*" {
		return l.Params[3], true
	}
	if len(l.Params) >= 3 {
		return l.Params[len(l.Params)-1], false
	}
	return "", false
}

func parseCaps(s string, into map[string][]string) map[string][]string {
	if into == nil {
		into = make(map[string][]string)
	}
	for _, tok := range strings.Fields(s) {
		name, value, found := strings.Cut(tok, "=")
		var values []string
		if found && value != "" {
			values = strings.Split(value, ",")
		}
		into[name] = values
	}
	return into
}

func (c *CapNegotiate) handleLS(l *line.Line) {
	tokens, more := capTokens(l)
	c.lsBuf = parseCaps(tokens, c.lsBuf)
	if more {
		return
	}

	offered := c.lsBuf
	c.lsBuf = nil
	for k, v := range offered {
		c.caps.Offered[k] = v
	}
	c.log.Debug().Int("count", len(offered)).Msg("Received CAP list")

	if c.relisting {
		c.relisting = false
		c.request(offered)
		r := c.afterRelist
		c.afterRelist = nil
		if r != nil {
			c.Continue(r)
			return
		}
		c.maybeEnd()
		return
	}

	if c.state != CapNegotiating {
		return
	}
	if c.request(offered) == 0 {
		c.log.Debug().Msg("No CAPs to request")
	}
	c.maybeEnd()
}

// request sends CAP REQ for every offered token some unit is interested in
// and that is neither requested nor acknowledged. It returns the number of
// tokens requested.
func (c *CapNegotiate) request(offered map[string][]string) int {
	interest := c.conn.Extensions().CapInterest()

	var tokens []string
	for tok := range offered {
		in, ok := interest[tok]
		if !ok {
			continue
		}
		if _, ok := c.caps.Acknowledged[tok]; ok {
			continue
		}
		if _, ok := c.caps.Requested[tok]; ok {
			continue
		}
		c.caps.Requested[tok] = in.Values
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return 0
	}
	sort.Strings(tokens)

	var batch []string
	size := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.outstanding++
		c.send(line.New("CAP", "REQ", strings.Join(batch, " ")))
		batch = nil
		size = 0
	}
	for _, tok := range tokens {
		if size+len(tok)+1 > maxReqLength {
			flush()
		}
		batch = append(batch, tok)
		size += len(tok) + 1
	}
	flush()

	c.log.Debug().Strs("caps", tokens).Msg("Requesting caps")
	return len(tokens)
}

func (c *CapNegotiate) handleAck(l *line.Line) {
	if c.outstanding > 0 {
		c.outstanding--
	}
	interest := c.conn.Extensions().CapInterest()

	var added []queuedAck
	for _, tok := range strings.Fields(l.Last()) {
		if strings.HasPrefix(tok, "-") {
			tok = tok[1:]
			c.log.Debug().Str("cap", tok).Msg("CAP removed")
			delete(c.caps.Acknowledged, tok)
			delete(c.caps.Requested, tok)
			continue
		}
		tok = strings.TrimLeft(tok, "=~")
		c.caps.Acknowledged[tok] = c.caps.Offered[tok]
		delete(c.caps.Requested, tok)

		prio := dispatch.PriorityDontCare
		if in, ok := interest[tok]; ok {
			prio = in.Priority
		}
		added = append(added, queuedAck{token: tok, priority: prio})
		c.log.Debug().Str("cap", tok).Msg("Acknowledged CAP")
	}

	c.caps.Pending += len(added)
	c.queue = append(c.queue, added...)
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority == c.queue[j].priority {
			return c.queue[i].token < c.queue[j].token
		}
		return c.queue[i].priority < c.queue[j].priority
	})
	c.advance()
}

func (c *CapNegotiate) handleNak(l *line.Line) {
	if c.outstanding > 0 {
		c.outstanding--
	}
	for _, tok := range strings.Fields(l.Last()) {
		delete(c.caps.Requested, tok)
		c.log.Warn().Str("cap", tok).Msg("CAP rejected")
		c.conn.Dispatcher().Dispatch(NakKey, &Ack{Token: tok, Line: l})
	}
	c.maybeEnd()
}

func (c *CapNegotiate) handleNew(l *line.Line) {
	offered := parseCaps(l.Last(), nil)
	for tok, values := range offered {
		c.caps.Offered[tok] = values
		c.conn.Dispatcher().Dispatch(NewKey, &Ack{Token: tok, Values: values, Line: l})
	}
	c.request(offered)
}

func (c *CapNegotiate) handleDel(l *line.Line) {
	for _, tok := range strings.Fields(l.Last()) {
		delete(c.caps.Offered, tok)
		delete(c.caps.Acknowledged, tok)
		delete(c.caps.Requested, tok)
		c.log.Debug().Str("cap", tok).Msg("CAP deleted by server")
		c.conn.Dispatcher().Dispatch(DelKey, &Ack{Token: tok, Line: l})
	}
}

func (c *CapNegotiate) handleList(l *line.Line) {
	tokens, more := capTokens(l)
	c.listBuf = parseCaps(tokens, c.listBuf)
	if more {
		return
	}
	c.caps.Acknowledged = c.listBuf
	c.listBuf = nil
}

// advance dispatches acknowledged tokens until one suspends or the queue
// drains.
func (c *CapNegotiate) advance() {
	if c.dispatching || c.waiting != nil {
		return
	}
	c.dispatching = true
	defer func() { c.dispatching = false }()

	for len(c.queue) > 0 {
		if c.state == Aborted {
			c.queue = nil
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]

		if c.state.Negotiating() && next.priority > RegistrationPriority {
			c.register()
			if c.state == Aborted {
				return
			}
		}

		ev := c.conn.Dispatcher().Dispatch(AckKey, &Ack{
			Token:  next.token,
			Values: c.caps.Acknowledged[next.token],
		})
		if ev.Status == dispatch.Suspended {
			c.waiting = ev
			return
		}
		c.caps.Pending--
	}

	c.dispatching = false
	c.maybeEnd()
}

// Continue resumes a suspended ack chain. Once every acknowledged token is
// handled, negotiation ends.
func (c *CapNegotiate) Continue(r *dispatch.Resumption) {
	status, err := r.Resume()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to continue CAP negotiation")
		return
	}
	if status == dispatch.Suspended {
		return
	}
	if c.dispatching {
		return
	}
	if r.Event() == c.waiting {
		c.waiting = nil
		c.caps.Pending--
	}
	c.advance()
}

// Renegotiate re-lists capabilities, as required after a TLS upgrade, and
// continues r once the new list is processed.
func (c *CapNegotiate) Renegotiate(r *dispatch.Resumption) {
	c.relisting = true
	c.afterRelist = r
	c.setState(CapNegotiating, "renegotiate")
	c.log.Debug().Msg("Renegotiating CAP list")
	c.send(line.New("CAP", "LS", constants.CapVersion))
}

func (c *CapNegotiate) maybeEnd() {
	if !c.state.Negotiating() || c.ended {
		return
	}
	if c.waiting != nil || len(c.queue) > 0 || c.outstanding > 0 || c.relisting || c.lsBuf != nil {
		return
	}
	c.end()
}

func (c *CapNegotiate) register() {
	if reg, ok := lookup[*Registration](c.conn, RegistrationName); ok {
		reg.register()
	}
}

func (c *CapNegotiate) end() {
	c.cancelTimer()
	c.register()
	if c.state == Aborted {
		return
	}

	c.log.Debug().Msg("Ending CAP negotiation")
	c.ended = true
	c.send(line.New("CAP", "END"))
	c.setState(CapEnding, "")
	if c.welcomed && c.state == CapEnding {
		c.setState(Ready, "")
	}
}

// welcome records RPL_WELCOME; the handshake is Ready once CAP END is sent
// as well.
func (c *CapNegotiate) welcome() {
	c.welcomed = true
	if c.state == CapEnding {
		c.setState(Ready, "")
	}
}

func (c *CapNegotiate) send(l *line.Line) {
	if err := c.conn.Send(l); err != nil {
		c.log.Error().Err(err).Str("command", l.Command).Msg("Failed to send")
	}
}
