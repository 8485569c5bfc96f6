package tracking

import (
	"strconv"
	"strings"
	"time"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/line"
)

func (t *Track) Activate(conn extension.Conn) error {
	t.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(TrackName)
	cmd := func(name string) dispatch.Key { return dispatch.Key{Class: "commands", Name: name} }

	d.Register(UserJoinKey, dispatch.PriorityDontCare, t.onJoin, own)
	d.Register(UserBurstKey, dispatch.PriorityDontCare, t.onBurst, own)
	d.Register(UserPartKey, dispatch.PriorityDontCare, t.onLeave, own)
	d.Register(UserKickKey, dispatch.PriorityDontCare, t.onLeave, own)
	d.Register(UserQuitKey, dispatch.PriorityDontCare, t.onQuit, own)

	for _, kind := range []ModeKind{ModeNormal, ModePrefix, ModeList, ModeKey, ModeParam} {
		d.Register(kind.Key(), dispatch.PriorityDontCare, t.onMode, own)
	}

	d.Register(cmd("NICK"), dispatch.PriorityDontCare, t.onNick, own)
	d.Register(cmd("TOPIC"), dispatch.PriorityDontCare, t.onTopic, own)
	d.Register(cmd("331"), dispatch.PriorityDontCare, t.onNoTopic, own)
	d.Register(cmd("332"), dispatch.PriorityDontCare, t.onTopicReply, own)
	d.Register(cmd("333"), dispatch.PriorityDontCare, t.onTopicWhoTime, own)
	d.Register(cmd("329"), dispatch.PriorityDontCare, t.onCreationTime, own)
	d.Register(cmd("328"), dispatch.PriorityDontCare, t.onChannelURL, own)
	d.Register(cmd("366"), dispatch.PriorityDontCare, t.onEndOfNames, own)
	d.Register(cmd("ACCOUNT"), dispatch.PriorityDontCare, t.onAccount, own)
	d.Register(cmd("AWAY"), dispatch.PriorityDontCare, t.onAway, own)
	d.Register(cmd("CHGHOST"), dispatch.PriorityDontCare, t.onChghost, own)
	d.Register(cmd("352"), dispatch.PriorityDontCare, t.onWho, own)
	d.Register(cmd("354"), dispatch.PriorityDontCare, t.onWhox, own)
	d.Register(cmd("315"), dispatch.PriorityDontCare, t.onEndOfWho, own)
	d.Register(cmd("001"), dispatch.PriorityDontCare, t.onWelcome, own)
	d.Register(isupport.CaseChangeKey, dispatch.PriorityFirst, func(*dispatch.Event) { t.rekey() }, own)
	return nil
}

func (t *Track) support() *isupport.ISupport {
	if u, ok := t.conn.Unit(isupport.Name); ok {
		if is, ok := u.(*isupport.ISupport); ok {
			return is
		}
	}
	return isupport.New()
}

func (t *Track) multiPrefix() bool {
	u, ok := t.conn.Unit(handshake.CapNegotiateName)
	if !ok {
		return false
	}
	cn, ok := u.(*handshake.CapNegotiate)
	return ok && cn.Enabled("multi-prefix")
}

// learnMask copies the non-empty parts of a hostmask into u.
func learnMask(u *User, h *line.Hostmask) {
	if h == nil {
		return
	}
	if h.User != "" {
		u.Username = h.User
	}
	if h.Host != "" {
		u.Host = h.Host
	}
}

func (t *Track) onWelcome(*dispatch.Event) {
	t.ensureUser(t.conn.Nick())
}

func (t *Track) onJoin(ev *dispatch.Event) {
	s := ev.Payload.(*Scope)
	self := t.isSelf(s.Target.Nick)
	if self {
		t.dropChannel(s.Channel)
	}

	c := t.ensureChannel(s.Channel)
	u := t.ensureUser(s.Target.Nick)
	learnMask(u, s.Target)
	switch s.Account {
	case "":
	case "*":
		u.Account = ""
	default:
		u.Account = s.Account
	}
	if s.Realname != "" {
		u.Realname = s.Realname
	}
	t.addMember(c, u)

	if self && t.opts.Who {
		t.scheduleWho(c.Name)
	}
}

func (t *Track) onBurst(ev *dispatch.Event) {
	s := ev.Payload.(*Scope)
	c := t.ensureChannel(s.Channel)
	u := t.ensureUser(s.Target.Nick)
	learnMask(u, s.Target)
	key := t.addMember(c, u)

	rank, _ := t.support().Prefix()
	m := c.Members[key]
	if t.multiPrefix() {
		m.Modes = ""
	}
	for _, mode := range s.Modes {
		m.Modes = addMode(m.Modes, mode.Letter, rank)
	}
	c.Members[key] = m
}

func (t *Track) onLeave(ev *dispatch.Event) {
	s := ev.Payload.(*Scope)
	if t.isSelf(s.Target.Nick) {
		t.dropChannel(s.Channel)
		return
	}
	t.removeMember(s.Channel, s.Target.Nick)
}

func (t *Track) onQuit(ev *dispatch.Event) {
	s := ev.Payload.(*Scope)
	key := t.fold(s.Target.Nick)
	u, ok := t.users[key]
	if !ok {
		return
	}
	for ckey := range u.Channels {
		if c, ok := t.channels[ckey]; ok {
			delete(c.Members, key)
		}
	}
	u.Channels = make(map[string]string)
	t.prune(key, u)
}

func (t *Track) onMode(ev *dispatch.Event) {
	mc := ev.Payload.(*ModeChange)
	c, ok := t.channels[t.fold(mc.Target)]
	if !ok {
		return
	}
	m := mc.Mode

	switch m.Kind {
	case ModePrefix:
		key := t.fold(m.Param)
		member, ok := c.Members[key]
		if !ok {
			t.log.Debug().Str("channel", c.Name).Str("nick", m.Param).Msg("Prefix mode for unknown member")
			return
		}
		if m.Adding {
			rank, _ := t.support().Prefix()
			member.Modes = addMode(member.Modes, m.Letter, rank)
		} else {
			member.Modes = removeMode(member.Modes, m.Letter)
		}
		c.Members[key] = member

	case ModeList:
		entries := c.Lists[m.Letter]
		idx := -1
		for i, e := range entries {
			if e.Mask == m.Param {
				idx = i
				break
			}
		}
		switch {
		case m.Adding && idx < 0:
			c.Lists[m.Letter] = append(entries, ListEntry{Mask: m.Param, Setter: mc.Setter.String(), Time: m.Timestamp})
		case m.Adding:
			entries[idx] = ListEntry{Mask: m.Param, Setter: mc.Setter.String(), Time: m.Timestamp}
		case idx >= 0:
			c.Lists[m.Letter] = append(entries[:idx], entries[idx+1:]...)
		}

	default:
		if m.Adding {
			c.Modes[m.Letter] = m.Param
		} else {
			delete(c.Modes, m.Letter)
		}
	}
}

func (t *Track) onNick(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if l.Source == nil || len(l.Params) == 0 {
		return
	}
	t.renameUser(l.Source.Nick, l.Params[0])
	if u, ok := t.users[t.fold(l.Params[0])]; ok {
		learnMask(u, l.Source)
	}
}

func (t *Track) channelFor(name string) (*Channel, bool) {
	c, ok := t.channels[t.fold(name)]
	return c, ok
}

func (t *Track) onTopic(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	c, ok := t.channelFor(l.Param(0))
	if !ok {
		return
	}
	c.Topic = l.Param(1)
	c.TopicSetter = l.Source.String()
	c.TopicTime = lineTime(l)
}

func (t *Track) onNoTopic(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if c, ok := t.channelFor(l.Param(1)); ok {
		c.Topic, c.TopicSetter, c.TopicTime = "", "", time.Time{}
	}
}

func (t *Track) onTopicReply(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if c, ok := t.channelFor(l.Param(1)); ok {
		c.Topic = l.Param(2)
	}
}

func (t *Track) onTopicWhoTime(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	c, ok := t.channelFor(l.Param(1))
	if !ok {
		return
	}
	c.TopicSetter = l.Param(2)
	c.TopicTime = unixTime(l.Param(3))
}

func (t *Track) onCreationTime(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if c, ok := t.channelFor(l.Param(1)); ok {
		c.Created = unixTime(l.Param(2))
	}
}

func (t *Track) onChannelURL(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	if c, ok := t.channelFor(l.Param(1)); ok {
		c.URL = l.Param(2)
	}
}

// onEndOfNames queries the channel modes once per join.
func (t *Track) onEndOfNames(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	c, ok := t.channelFor(l.Param(1))
	if !ok || c.modeQueried {
		return
	}
	c.modeQueried = true
	name := c.Name
	t.conn.Schedule(t.opts.ModeQueryDelay, func() {
		if _, ok := t.channelFor(name); !ok {
			return
		}
		if err := t.conn.Send(line.New("MODE", name)); err != nil {
			t.log.Error().Err(err).Str("channel", name).Msg("Failed to query channel modes")
		}
	})
}

func (t *Track) onAccount(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	u, ok := t.users[t.fold(l.Nick())]
	if !ok {
		return
	}
	if account := l.Param(0); account == "*" {
		u.Account = ""
	} else {
		u.Account = account
	}
}

func (t *Track) onAway(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	u, ok := t.users[t.fold(l.Nick())]
	if !ok {
		return
	}
	u.Away = len(l.Params) > 0
	u.AwayMessage = l.Param(0)
}

func (t *Track) onChghost(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	u, ok := t.users[t.fold(l.Nick())]
	if !ok || len(l.Params) < 2 {
		return
	}
	u.Username = l.Params[0]
	u.Host = l.Params[1]
}

// lineTime returns the server-time tag of l, or now.
func lineTime(l *line.Line) time.Time {
	if v, ok := l.Tag("time"); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	}
	return time.Now()
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
