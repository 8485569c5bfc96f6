// Package kickrejoin rejoins channels the local user is kicked from.
package kickrejoin

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

const Name = "KickRejoin"

type Options struct {
	// Delay is the wait before the JOIN; zero uses the default.
	Delay time.Duration
	// OnRemove also rejoins after a PART of ourselves that Part did not
	// send, which is how servers report a forced removal.
	OnRemove bool
}

type KickRejoin struct {
	opts Options
	log  zerolog.Logger
	conn extension.Conn
	// pending and parting are keyed by folded channel name.
	pending map[string]timer.Timer
	parting map[string]bool
}

func New(opts Options) *KickRejoin {
	if opts.Delay <= 0 {
		opts.Delay = constants.KickRejoinDelay
	}
	k := &KickRejoin{opts: opts, log: logger.For("kickrejoin")}
	k.Reset()
	return k
}

func Descriptor(opts Options) extension.Descriptor {
	return extension.Descriptor{
		Name:     Name,
		Requires: []string{tracking.BaseTrackName},
		New:      func() extension.Unit { return New(opts) },
	}
}

func (k *KickRejoin) Name() string { return Name }

func (k *KickRejoin) Activate(conn extension.Conn) error {
	k.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(Name)
	// First, so a tracked channel key is read before the channel is dropped.
	d.Register(tracking.UserKickKey, dispatch.PriorityFirst, k.onKick, own)
	d.Register(tracking.UserPartKey, dispatch.PriorityFirst, k.onPart, own)
	d.Register(tracking.UserJoinKey, dispatch.PriorityDontCare, k.onJoin, own)
	return nil
}

// Reset cancels every pending rejoin.
func (k *KickRejoin) Reset() {
	for _, t := range k.pending {
		t.Cancel()
	}
	k.pending = make(map[string]timer.Timer)
	k.parting = make(map[string]bool)
}

// Pending reports whether a rejoin of channel is scheduled.
func (k *KickRejoin) Pending(channel string) bool {
	_, ok := k.pending[k.conn.Folder().Fold(channel)]
	return ok
}

// Part leaves channel without triggering a rejoin.
func (k *KickRejoin) Part(channel, reason string) error {
	params := []string{channel}
	if reason != "" {
		params = append(params, reason)
	}
	if err := k.conn.Send(line.New("PART", params...)); err != nil {
		return err
	}
	k.parting[k.conn.Folder().Fold(channel)] = true
	return nil
}

func (k *KickRejoin) isSelf(h *line.Hostmask) bool {
	if h == nil {
		return false
	}
	f := k.conn.Folder()
	return f.Fold(h.Nick) == f.Fold(k.conn.Nick())
}

func (k *KickRejoin) onKick(ev *dispatch.Event) {
	s := ev.Payload.(*tracking.Scope)
	if !k.isSelf(s.Target) {
		return
	}
	k.log.Info().Str("channel", s.Channel).Str("reason", s.Reason).Msg("Kicked from channel")
	k.schedule(s.Channel)
}

func (k *KickRejoin) onPart(ev *dispatch.Event) {
	s := ev.Payload.(*tracking.Scope)
	if !k.isSelf(s.Target) {
		return
	}
	folded := k.conn.Folder().Fold(s.Channel)
	if k.parting[folded] {
		delete(k.parting, folded)
		return
	}
	if !k.opts.OnRemove {
		return
	}
	k.log.Info().Str("channel", s.Channel).Str("reason", s.Reason).Msg("Removed from channel")
	k.schedule(s.Channel)
}

// onJoin drops a pending rejoin once we are back in the channel by any means.
func (k *KickRejoin) onJoin(ev *dispatch.Event) {
	s := ev.Payload.(*tracking.Scope)
	if !k.isSelf(s.Target) {
		return
	}
	folded := k.conn.Folder().Fold(s.Channel)
	if t, ok := k.pending[folded]; ok {
		t.Cancel()
		delete(k.pending, folded)
	}
}

func (k *KickRejoin) schedule(channel string) {
	folded := k.conn.Folder().Fold(channel)
	if _, ok := k.pending[folded]; ok {
		return
	}

	params := []string{channel}
	if key := k.channelKey(channel); key != "" {
		params = append(params, key)
	}
	k.pending[folded] = k.conn.Schedule(k.opts.Delay, func() {
		delete(k.pending, folded)
		if err := k.conn.Send(line.New("JOIN", params...)); err != nil {
			k.log.Error().Err(err).Str("channel", channel).Msg("Failed to rejoin")
		}
	})
	k.log.Debug().Str("channel", channel).Dur("delay", k.opts.Delay).Msg("Rejoin scheduled")
}

func (k *KickRejoin) channelKey(channel string) string {
	u, ok := k.conn.Unit(tracking.TrackName)
	if !ok {
		return ""
	}
	tr, ok := u.(*tracking.Track)
	if !ok {
		return ""
	}
	c, ok := tr.Channel(channel)
	if !ok {
		return ""
	}
	return c.Modes['k']
}
