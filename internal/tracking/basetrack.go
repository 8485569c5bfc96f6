// Package tracking maintains channel, user and mode state from dispatched
// protocol events.
package tracking

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

const BaseTrackName = "BaseTrack"

// Scope signals. A scope change makes a user visible or invisible in a
// channel, or everywhere for quits.
var (
	UserJoinKey  = dispatch.Key{Class: "scope", Name: "user_join"}
	UserBurstKey = dispatch.Key{Class: "scope", Name: "user_burst"}
	UserPartKey  = dispatch.Key{Class: "scope", Name: "user_part"}
	UserKickKey  = dispatch.Key{Class: "scope", Name: "user_kick"}
	UserQuitKey  = dispatch.Key{Class: "scope", Name: "user_quit"}
)

// Scope is the payload of the scope-class signals.
type Scope struct {
	Target *line.Hostmask
	// Channel is empty for quits.
	Channel string
	Leaving bool
	Reason  string
	// Account is the extended-join account, "*" when logged out and empty
	// when not reported.
	Account  string
	Realname string
	// Modes holds prefix modes granted by a NAMES burst.
	Modes []Mode
	Cause *line.Hostmask
}

// listNumerics maps list-mode reply numerics to their mode letter. 728 is
// absent: it carries the letter itself.
var listNumerics = map[string]byte{
	"367": 'b',
	"348": 'e',
	"346": 'I',
	"910": 'w',
	"941": 'g',
	"953": 'X',
}

// BaseTrack converts membership and mode lines into scope and modes
// signals for the store and other consumers.
type BaseTrack struct {
	log          zerolog.Logger
	conn         extension.Conn
	sentProtoctl bool
}

func NewBaseTrack() *BaseTrack {
	return &BaseTrack{log: logger.For("basetrack")}
}

func (b *BaseTrack) Name() string { return BaseTrackName }

func (b *BaseTrack) Caps() map[string][]string {
	return map[string][]string{
		"extended-join":     nil,
		"multi-prefix":      nil,
		"userhost-in-names": nil,
	}
}

func (b *BaseTrack) Activate(conn extension.Conn) error {
	b.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(BaseTrackName)
	cmd := func(name string) dispatch.Key { return dispatch.Key{Class: "commands", Name: name} }

	d.Register(cmd("JOIN"), dispatch.PriorityDontCare, b.onJoin, own)
	d.Register(cmd("353"), dispatch.PriorityDontCare, b.onNames, own)
	d.Register(cmd("PART"), dispatch.PriorityDontCare, b.onPart, own)
	d.Register(cmd("KICK"), dispatch.PriorityDontCare, b.onKick, own)
	d.Register(cmd("QUIT"), dispatch.PriorityDontCare, b.onQuit, own)
	d.Register(cmd("MODE"), dispatch.PriorityDontCare, b.onMode, own)
	d.Register(cmd("324"), dispatch.PriorityDontCare, b.onMode, own)
	d.Register(cmd("728"), dispatch.PriorityDontCare, b.onList, own)
	for code := range listNumerics {
		d.Register(cmd(code), dispatch.PriorityDontCare, b.onList, own)
	}
	d.Register(cmd("376"), dispatch.PriorityDontCare, b.onEndOfMOTD, own)
	d.Register(cmd("422"), dispatch.PriorityDontCare, b.onEndOfMOTD, own)
	return nil
}

func (b *BaseTrack) Reset() {
	b.sentProtoctl = false
}

func (b *BaseTrack) support() *isupport.ISupport {
	if u, ok := b.conn.Unit(isupport.Name); ok {
		if is, ok := u.(*isupport.ISupport); ok {
			return is
		}
	}
	return isupport.New()
}

func (b *BaseTrack) capEnabled(token string) bool {
	u, ok := b.conn.Unit(handshake.CapNegotiateName)
	if !ok {
		return false
	}
	cn, ok := u.(*handshake.CapNegotiate)
	return ok && cn.Enabled(token)
}

func (b *BaseTrack) classifier() Classifier {
	is := b.support()
	prefix, _ := is.Prefix()
	return Classifier{Groups: is.ChanModes(), Prefix: prefix}
}

func (b *BaseTrack) emit(key dispatch.Key, payload any) {
	b.conn.Dispatcher().Dispatch(key, payload)
}

func (b *BaseTrack) onJoin(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if l.Source == nil || len(l.Params) == 0 {
		return
	}
	s := &Scope{Target: l.Source, Channel: l.Params[0], Cause: l.Source}
	if len(l.Params) >= 3 {
		s.Account = l.Params[1]
		s.Realname = l.Params[2]
	}
	b.emit(UserJoinKey, s)
}

func (b *BaseTrack) onNames(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if len(l.Params) < 4 {
		return
	}
	channel := l.Params[2]
	modes, symbols := b.support().Prefix()

	for _, tok := range strings.Fields(l.Last()) {
		var granted []Mode
		for tok != "" {
			i := strings.IndexByte(symbols, tok[0])
			if i < 0 {
				break
			}
			tok = tok[1:]
			granted = append(granted, Mode{Kind: ModePrefix, Letter: modes[i], Adding: true})
		}
		target := line.ParseHostmask(tok)
		if target == nil || target.Nick == "" {
			continue
		}
		for i := range granted {
			granted[i].Param = target.Nick
		}
		b.emit(UserBurstKey, &Scope{Target: target, Channel: channel, Modes: granted, Cause: l.Source})
	}
}

func (b *BaseTrack) onPart(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if l.Source == nil || len(l.Params) == 0 {
		return
	}
	b.emit(UserPartKey, &Scope{
		Target:  l.Source,
		Channel: l.Params[0],
		Leaving: true,
		Reason:  l.Param(1),
		Cause:   l.Source,
	})
}

func (b *BaseTrack) onKick(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if len(l.Params) < 2 {
		return
	}
	b.emit(UserKickKey, &Scope{
		Target:  &line.Hostmask{Nick: l.Params[1]},
		Channel: l.Params[0],
		Leaving: true,
		Reason:  l.Param(2),
		Cause:   l.Source,
	})
}

func (b *BaseTrack) onQuit(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if l.Source == nil {
		return
	}
	b.emit(UserQuitKey, &Scope{Target: l.Source, Leaving: true, Reason: l.Param(0), Cause: l.Source})
}

func (b *BaseTrack) onMode(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	params := l.Params
	if l.Command == "324" {
		if len(params) < 1 {
			return
		}
		params = params[1:]
	}
	if len(params) < 2 {
		return
	}
	target := params[0]
	if !b.support().IsChannel(target) {
		return
	}

	modes, unknown := b.classifier().Parse(params[1], params[2:])
	if len(unknown) > 0 {
		b.log.Debug().Str("channel", target).Str("modes", string(unknown)).Msg("Ignoring unknown mode letters")
	}
	for _, m := range modes {
		b.emit(m.Kind.Key(), &ModeChange{Setter: l.Source, Target: target, Mode: m})
	}
}

func (b *BaseTrack) onList(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	params := l.Params
	letter, ok := listNumerics[l.Command]
	if l.Command == "728" {
		if len(params) < 3 || params[2] == "" {
			return
		}
		letter, ok = params[2][0], true
		params = append([]string{params[0], params[1]}, params[3:]...)
	}
	if !ok || len(params) < 3 {
		b.log.Warn().Str("line", l.String()).Msg("Bogus list mode reply")
		return
	}

	m := Mode{Kind: ModeList, Letter: letter, Param: params[2], Adding: true}
	setter := l.Source
	if len(params) > 3 {
		setter = line.ParseHostmask(params[3])
	}
	if len(params) > 4 {
		if ts, err := strconv.ParseInt(params[4], 10, 64); err == nil {
			m.Timestamp = ts
		}
	}
	b.emit(ModeList.Key(), &ModeChange{Setter: setter, Target: params[1], Mode: m})
}

// onEndOfMOTD asks for NAMESX/UHNAMES on servers that advertise them
// without the matching capabilities.
func (b *BaseTrack) onEndOfMOTD(*dispatch.Event) {
	if b.sentProtoctl {
		return
	}
	b.sentProtoctl = true

	is := b.support()
	var opts []string
	if is.Has("UHNAMES") && !b.capEnabled("userhost-in-names") {
		opts = append(opts, "UHNAMES")
	}
	if is.Has("NAMESX") && !b.capEnabled("multi-prefix") {
		opts = append(opts, "NAMESX")
	}
	if len(opts) == 0 {
		return
	}
	if err := b.conn.Send(line.New("PROTOCTL", opts...)); err != nil {
		b.log.Error().Err(err).Msg("Failed to send PROTOCTL")
	}
}
