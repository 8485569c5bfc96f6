package irc

import (
	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/storage"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

const SnapshotName = "Snapshot"

// SnapshotStore is the storage used by Snapshot.
type SnapshotStore interface {
	WriteSnapshot(snap storage.Snapshot) error
	ClearNetworkMembers(networkID int64) error
}

// Snapshot persists channel membership at the end of every NAMES reply and
// clears it when the connection drops.
type Snapshot struct {
	store     SnapshotStore
	networkID int64
	log       zerolog.Logger
	conn      extension.Conn
}

func NewSnapshot(store SnapshotStore, networkID int64) *Snapshot {
	return &Snapshot{store: store, networkID: networkID, log: logger.For("snapshot")}
}

func (s *Snapshot) Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:     SnapshotName,
		Requires: []string{tracking.TrackName},
		Instance: s,
	}
}

func (s *Snapshot) Name() string { return SnapshotName }

func (s *Snapshot) Reset() {}

func (s *Snapshot) Activate(conn extension.Conn) error {
	s.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(SnapshotName)
	d.Register(dispatch.Key{Class: "commands", Name: "366"}, dispatch.PriorityLast, s.onEndOfNames, own)
	d.Register(DisconnectedKey, dispatch.PriorityDontCare, s.onDisconnected, own)
	return nil
}

func (s *Snapshot) track() (*tracking.Track, bool) {
	u, ok := s.conn.Unit(tracking.TrackName)
	if !ok {
		return nil, false
	}
	t, ok := u.(*tracking.Track)
	return t, ok
}

func (s *Snapshot) onEndOfNames(ev *dispatch.Event) {
	l := ev.Payload.(*line.Line)
	t, ok := s.track()
	if !ok {
		return
	}
	ch, ok := t.Channel(l.Param(1))
	if !ok {
		return
	}

	snap := storage.Snapshot{NetworkID: s.networkID, Channel: ch.Name, Topic: ch.Topic}
	for _, m := range ch.Members {
		row := storage.Member{Nickname: m.Nick, Modes: m.Modes}
		if u, ok := t.User(m.Nick); ok {
			row.Account = u.Account
		}
		snap.Members = append(snap.Members, row)
	}
	if err := s.store.WriteSnapshot(snap); err != nil {
		s.log.Error().Err(err).Str("channel", ch.Name).Msg("Failed to write membership snapshot")
	}
}

func (s *Snapshot) onDisconnected(*dispatch.Event) {
	if err := s.store.ClearNetworkMembers(s.networkID); err != nil {
		s.log.Error().Err(err).Msg("Failed to clear membership snapshot")
	}
}
