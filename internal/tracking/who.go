package tracking

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/line"
)

// whoxFields selects token, channel, user, host, server, nick, flags,
// account and realname.
const whoxFields = "%tcuhsnfar"

// WhoInfo is the field set carried by a WHO or WHOX reply. Empty fields were
// not reported.
type WhoInfo struct {
	Nick     string
	Username string
	Host     string
	Server   string
	Realname string
	Flags    string
	// Account is "0" when the user is not logged in.
	Account string
}

func (t *Track) scheduleWho(channel string) {
	t.conn.Schedule(t.opts.WhoDelay, func() {
		if _, ok := t.channelFor(channel); ok {
			t.sendWho(channel)
		}
	})
}

func (t *Track) sendWho(channel string) {
	l := line.New("WHO", channel)
	if t.support().HasWHOX() {
		token := t.newToken()
		t.whoTokens[token] = t.fold(channel)
		l = line.New("WHO", channel, whoxFields+","+token)
	}
	if err := t.conn.Send(l); err != nil {
		t.log.Error().Err(err).Str("channel", channel).Msg("Failed to send WHO")
	}
}

// newToken returns an unused 1-3 digit query token.
func (t *Track) newToken() string {
	for {
		token := strconv.Itoa(rand.IntN(999) + 1)
		if _, used := t.whoTokens[token]; !used {
			return token
		}
	}
}

// Merge applies the reported fields of info to u. Fields missing from the
// reply leave the record untouched, so applying the same reply twice is a
// no-op.
func (info WhoInfo) Merge(u *User) {
	if info.Username != "" {
		u.Username = info.Username
	}
	if info.Host != "" {
		u.Host = info.Host
	}
	if info.Server != "" {
		u.Server = info.Server
	}
	if info.Realname != "" {
		u.Realname = info.Realname
	}
	switch info.Account {
	case "":
	case "0":
		u.Account = ""
	default:
		u.Account = info.Account
	}
	if info.Flags != "" {
		switch info.Flags[0] {
		case 'G':
			u.Away = true
		case 'H':
			u.Away = false
			u.AwayMessage = ""
		}
		u.Operator = strings.IndexByte(info.Flags, '*') >= 0
	}
}

func (t *Track) applyWho(channel string, info WhoInfo) {
	u, ok := t.users[t.fold(info.Nick)]
	if !ok {
		t.log.Debug().Str("nick", info.Nick).Msg("WHO reply for untracked user")
		return
	}
	info.Merge(u)

	c, ok := t.channelFor(channel)
	if !ok {
		return
	}
	key := t.fold(u.Nick)
	m, ok := c.Members[key]
	if !ok {
		return
	}
	// Flags carry prefix symbols after H/G and the oper star.
	modes, symbols := t.support().Prefix()
	for i := 0; i < len(info.Flags); i++ {
		if j := strings.IndexByte(symbols, info.Flags[i]); j >= 0 {
			m.Modes = addMode(m.Modes, modes[j], modes)
		}
	}
	c.Members[key] = m
}

// onWho handles RPL_WHOREPLY: me channel user host server nick flags
// ":hops realname".
func (t *Track) onWho(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if len(l.Params) < 8 {
		return
	}
	_, realname, _ := strings.Cut(l.Params[7], " ")
	t.applyWho(l.Params[1], WhoInfo{
		Username: l.Params[2],
		Host:     l.Params[3],
		Server:   l.Params[4],
		Nick:     l.Params[5],
		Flags:    l.Params[6],
		Realname: realname,
	})
}

// onWhox handles RPL_WHOSPCRPL for our field selection: me token channel
// user host server nick flags account realname.
func (t *Track) onWhox(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if len(l.Params) < 10 {
		return
	}
	if _, ok := t.whoTokens[l.Params[1]]; !ok {
		return
	}
	t.applyWho(l.Params[2], WhoInfo{
		Username: l.Params[3],
		Host:     l.Params[4],
		Server:   l.Params[5],
		Nick:     l.Params[6],
		Flags:    l.Params[7],
		Account:  l.Params[8],
		Realname: l.Params[9],
	})
}

func (t *Track) onEndOfWho(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	key := t.fold(l.Param(1))
	for token, ckey := range t.whoTokens {
		if ckey == key {
			delete(t.whoTokens, token)
		}
	}
}
