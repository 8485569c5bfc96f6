package tracking

import (
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/casemap"
	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/logger"
)

const TrackName = "Track"

// ListEntry is one entry of a list mode such as bans.
type ListEntry struct {
	Mask   string
	Setter string
	Time   int64
}

// Member is a user's presence in a channel. Modes holds prefix mode letters
// in rank order.
type Member struct {
	Nick  string
	Modes string
}

type Channel struct {
	Name        string
	Topic       string
	TopicSetter string
	TopicTime   time.Time
	Created     time.Time
	URL         string
	// Modes maps non-list mode letters to their parameter, "" for flags.
	Modes map[byte]string
	Lists map[byte][]ListEntry
	// Members is keyed by folded nick.
	Members map[string]Member

	modeQueried bool
}

func (c *Channel) clone() *Channel {
	cp := *c
	cp.Modes = maps.Clone(c.Modes)
	cp.Members = maps.Clone(c.Members)
	cp.Lists = make(map[byte][]ListEntry, len(c.Lists))
	for k, v := range c.Lists {
		cp.Lists[k] = slices.Clone(v)
	}
	return &cp
}

type User struct {
	Nick        string
	Username    string
	Host        string
	Realname    string
	Account     string
	Server      string
	Away        bool
	AwayMessage string
	Operator    bool
	// Channels maps folded channel names to the names as joined.
	Channels map[string]string
}

func (u *User) clone() *User {
	cp := *u
	cp.Channels = maps.Clone(u.Channels)
	return &cp
}

// TrackOptions configures the store.
type TrackOptions struct {
	// Who enables a WHO query on self-join.
	Who            bool
	WhoDelay       time.Duration
	ModeQueryDelay time.Duration
}

func DefaultTrackOptions() TrackOptions {
	return TrackOptions{
		Who:            true,
		WhoDelay:       constants.WhoDelay,
		ModeQueryDelay: constants.ModeQueryDelay,
	}
}

// Track is the channel and user store. Channels and users are indexed by
// their folded names; membership refers to users by folded nick only.
type Track struct {
	opts     TrackOptions
	log      zerolog.Logger
	conn     extension.Conn
	channels map[string]*Channel
	users    map[string]*User
	// whoTokens maps outstanding WHOX tokens to folded channel names.
	whoTokens map[string]string
}

func NewTrack(opts TrackOptions) *Track {
	t := &Track{opts: opts, log: logger.For("track")}
	t.Reset()
	return t
}

// Descriptors returns the tracking units for a catalog.
func Descriptors(opts TrackOptions) []extension.Descriptor {
	return []extension.Descriptor{
		{
			Name:     BaseTrackName,
			Aliases:  []string{"basetrack"},
			Requires: []string{isupport.Name},
			New:      func() extension.Unit { return NewBaseTrack() },
		},
		{
			Name:     TrackName,
			Aliases:  []string{"ChannelTrack", "UserTrack"},
			Requires: []string{BaseTrackName, handshake.CapNegotiateName},
			New:      func() extension.Unit { return NewTrack(opts) },
		},
	}
}

func (t *Track) Name() string { return TrackName }

func (t *Track) Caps() map[string][]string {
	return map[string][]string{
		"account-notify": nil,
		"away-notify":    nil,
		"chghost":        nil,
	}
}

func (t *Track) Reset() {
	t.channels = make(map[string]*Channel)
	t.users = make(map[string]*User)
	t.whoTokens = make(map[string]string)
}

func (t *Track) fold(s string) string {
	if t.conn == nil {
		return casemap.RFC1459.Fold(s)
	}
	return t.conn.Folder().Fold(s)
}

func (t *Track) isSelf(nick string) bool {
	return t.conn != nil && nick != "" && t.fold(nick) == t.fold(t.conn.Nick())
}

// Channel returns a copy of the named channel.
func (t *Track) Channel(name string) (*Channel, bool) {
	c, ok := t.channels[t.fold(name)]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// User returns a copy of the user record for nick.
func (t *Track) User(nick string) (*User, bool) {
	u, ok := t.users[t.fold(nick)]
	if !ok {
		return nil, false
	}
	return u.clone(), true
}

// ChannelsFor returns the sorted channel names nick is known to be in.
func (t *Track) ChannelsFor(nick string) []string {
	u, ok := t.users[t.fold(nick)]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Values(u.Channels))
}

// Channels returns the sorted names of all tracked channels.
func (t *Track) Channels() []string {
	names := make([]string, 0, len(t.channels))
	for _, c := range t.channels {
		names = append(names, c.Name)
	}
	slices.Sort(names)
	return names
}

// Users returns the number of tracked users.
func (t *Track) Users() int {
	return len(t.users)
}

func (t *Track) ensureChannel(name string) *Channel {
	key := t.fold(name)
	if c, ok := t.channels[key]; ok {
		return c
	}
	c := &Channel{
		Name:    name,
		Modes:   make(map[byte]string),
		Lists:   make(map[byte][]ListEntry),
		Members: make(map[string]Member),
	}
	t.channels[key] = c
	return c
}

func (t *Track) ensureUser(nick string) *User {
	key := t.fold(nick)
	if u, ok := t.users[key]; ok {
		return u
	}
	u := &User{Nick: nick, Channels: make(map[string]string)}
	t.users[key] = u
	return u
}

// addMember records nick in c and returns the membership key.
func (t *Track) addMember(c *Channel, u *User) string {
	key := t.fold(u.Nick)
	m, ok := c.Members[key]
	if !ok {
		m = Member{Nick: u.Nick}
	}
	m.Nick = u.Nick
	c.Members[key] = m
	u.Channels[t.fold(c.Name)] = c.Name
	return key
}

// removeMember drops nick from channel and prunes the user once it is in no
// channel. The local user is never pruned.
func (t *Track) removeMember(channel, nick string) {
	ckey, ukey := t.fold(channel), t.fold(nick)
	if c, ok := t.channels[ckey]; ok {
		delete(c.Members, ukey)
	}
	u, ok := t.users[ukey]
	if !ok {
		return
	}
	delete(u.Channels, ckey)
	t.prune(ukey, u)
}

func (t *Track) prune(key string, u *User) {
	if len(u.Channels) == 0 && !t.isSelf(u.Nick) {
		delete(t.users, key)
	}
}

// dropChannel forgets a channel the local user left, pruning members that
// are no longer visible anywhere.
func (t *Track) dropChannel(name string) {
	ckey := t.fold(name)
	c, ok := t.channels[ckey]
	if !ok {
		return
	}
	delete(t.channels, ckey)
	for ukey := range c.Members {
		if u, ok := t.users[ukey]; ok {
			delete(u.Channels, ckey)
			t.prune(ukey, u)
		}
	}
	for token, ch := range t.whoTokens {
		if ch == ckey {
			delete(t.whoTokens, token)
		}
	}
}

// renameUser moves a user record to a new nick.
func (t *Track) renameUser(oldNick, newNick string) {
	oldKey, newKey := t.fold(oldNick), t.fold(newNick)
	u, ok := t.users[oldKey]
	if !ok {
		return
	}
	u.Nick = newNick
	delete(t.users, oldKey)
	t.users[newKey] = u

	for ckey := range u.Channels {
		c, ok := t.channels[ckey]
		if !ok {
			continue
		}
		m := c.Members[oldKey]
		delete(c.Members, oldKey)
		m.Nick = newNick
		c.Members[newKey] = m
	}
}

// rekey rebuilds every index after the case mapping changed.
func (t *Track) rekey() {
	moved := make(map[string]string, len(t.channels))
	channels := make(map[string]*Channel, len(t.channels))
	for old, c := range t.channels {
		key := t.fold(c.Name)
		moved[old] = key
		if _, dup := channels[key]; dup {
			t.log.Warn().Str("channel", c.Name).Msg("Channel collides under new case mapping")
		}
		members := make(map[string]Member, len(c.Members))
		for _, m := range c.Members {
			members[t.fold(m.Nick)] = m
		}
		c.Members = members
		channels[key] = c
	}
	t.channels = channels

	users := make(map[string]*User, len(t.users))
	for _, u := range t.users {
		key := t.fold(u.Nick)
		if _, dup := users[key]; dup {
			t.log.Warn().Str("nick", u.Nick).Msg("User collides under new case mapping")
		}
		joined := make(map[string]string, len(u.Channels))
		for _, name := range u.Channels {
			joined[t.fold(name)] = name
		}
		u.Channels = joined
		users[key] = u
	}
	t.users = users

	for token, old := range t.whoTokens {
		t.whoTokens[token] = moved[old]
	}
	t.log.Debug().Int("channels", len(channels)).Int("users", len(users)).Msg("Re-keyed tracking tables")
}
