package handshake

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

// nickLimiter is satisfied by the ISupport unit.
type nickLimiter interface {
	NickLen() (int, bool)
}

// UnderscoreAlt answers nick rejections by appending underscores, up to
// NICKLEN when the server advertised it, otherwise a fixed number of times.
type UnderscoreAlt struct {
	conn     extension.Conn
	log      zerolog.Logger
	attempts int
}

func NewUnderscoreAlt() *UnderscoreAlt { return &UnderscoreAlt{log: logger.For("altnick")} }

func (u *UnderscoreAlt) Name() string { return UnderscoreName }

func (u *UnderscoreAlt) Activate(conn extension.Conn) error {
	u.conn = conn
	conn.Dispatcher().Register(NickRejectedKey, dispatch.PriorityDontCare, u.onRejected,
		dispatch.WithOwner(UnderscoreName))
	return nil
}

func (u *UnderscoreAlt) Reset() {
	u.attempts = 0
}

func (u *UnderscoreAlt) onRejected(ev *dispatch.Event) {
	rej := ev.Payload.(*NickRejection)
	reg, ok := lookup[*Registration](u.conn, RegistrationName)
	if !ok {
		return
	}

	limit, known := 0, false
	if is, ok := u.conn.Unit("ISupport"); ok {
		if nl, ok := is.(nickLimiter); ok {
			limit, known = nl.NickLen()
		}
	}
	if known && len(rej.Nick) >= limit {
		return
	}
	if !known && u.attempts >= constants.MaxNickAttempts {
		return
	}

	u.attempts++
	if err := reg.TryNick(rej.Nick + "_"); err != nil {
		u.log.Debug().Err(err).Msg("Giving up on alternative nicks")
		return
	}
	ev.Cancel()
}

var leet = map[byte]byte{
	'A': '4', 'a': '4', 'B': '8', 'E': '3', 'e': '3', 'G': '6', 'g': '9',
	'I': '1', 'i': '1', 'O': '0', 'o': '0', 'S': '5', 's': '5', 'T': '7', 't': '7',
}

var unleet = map[byte]byte{
	'4': 'a', '8': 'B', '3': 'e', '6': 'G', '9': 'g', '1': 'i', '0': 'o', '5': 's', '7': 't',
}

// NumberSubstituteAlt answers nick rejections by swapping letters and digits
// one position at a time until every position has been tried.
type NumberSubstituteAlt struct {
	conn  extension.Conn
	nick  string
	index int
}

func NewNumberSubstituteAlt() *NumberSubstituteAlt { return &NumberSubstituteAlt{} }

func (n *NumberSubstituteAlt) Name() string { return NumberSubName }

func (n *NumberSubstituteAlt) Activate(conn extension.Conn) error {
	n.conn = conn
	conn.Dispatcher().Register(NickRejectedKey, dispatch.PriorityDontCare, n.onRejected,
		dispatch.WithOwner(NumberSubName))
	return nil
}

func (n *NumberSubstituteAlt) Reset() {
	n.nick = ""
	n.index = 0
}

func (n *NumberSubstituteAlt) onRejected(ev *dispatch.Event) {
	rej := ev.Payload.(*NickRejection)
	reg, ok := lookup[*Registration](n.conn, RegistrationName)
	if !ok {
		return
	}
	if n.nick == "" {
		n.nick = rej.Nick
	}

	for n.index < len(n.nick) {
		i := n.index
		n.index++
		c := n.nick[i]
		sub, ok := unleet[c]
		if !ok && i > 0 {
			sub, ok = leet[c]
		}
		if !ok {
			continue
		}
		var b strings.Builder
		b.WriteString(n.nick[:i])
		b.WriteByte(sub)
		b.WriteString(n.nick[i+1:])
		n.nick = b.String()
		if err := reg.TryNick(n.nick); err != nil {
			return
		}
		ev.Cancel()
		return
	}
}
