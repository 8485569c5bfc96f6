package irc_test

import (
	"errors"
	"slices"
	"sort"
	"testing"

	"github.com/matt0x6f/irc-engine/internal/casemap"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/events"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/irc"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/storage"
	"github.com/matt0x6f/irc-engine/internal/testutil/irctest"
	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

func newDefault(t *testing.T, extra ...extension.Descriptor) *irctest.Harness {
	t.Helper()
	return irctest.New(t, irc.NewCatalog(irc.DefaultOptions()), irc.DefaultUnits, extra...)
}

func ready(h *irctest.Harness) {
	h.Connect(false)
	h.Feed("CAP * LS :batch")
	h.Register("tester")
	h.Drain()
}

func TestNewSessionUnknownUnit(t *testing.T) {
	testlog.Start(t)
	_, err := irc.NewSession(irc.SessionConfig{
		Identity: irctest.Identity,
		Catalog:  irc.NewCatalog(irc.DefaultOptions()),
		Units:    []string{"NoSuchUnit"},
	}, &irctest.Transport{}, nil)
	if !errors.Is(err, extension.ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
}

func TestDefaultUnitsResolve(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)
	names := h.Session.Extensions().Names()
	for _, want := range []string{handshake.CapNegotiateName, handshake.RegistrationName, isupport.Name, tracking.BaseTrackName, tracking.TrackName} {
		if !slices.Contains(names, want) {
			t.Errorf("unit %s not active, have %v", want, names)
		}
	}
	if h.Session.Store() == nil {
		t.Fatal("Store() = nil")
	}
}

func TestFeedDispatchesByCommand(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)

	var got *line.Line
	h.Session.Dispatcher().Register(dispatch.Key{Class: "commands", Name: "PRIVMSG"}, dispatch.PriorityDontCare,
		func(ev *dispatch.Event) { got = ev.Payload.(*line.Line) })

	h.Connect(false)
	h.Feed(":alice!a@host privmsg #chan :hello there")
	if got == nil {
		t.Fatal("PRIVMSG handler not called")
	}
	if got.Nick() != "alice" || got.Param(0) != "#chan" || got.Last() != "hello there" {
		t.Fatalf("line = %+v", got)
	}
}

func TestFeedParseError(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)

	var got error
	h.Session.Dispatcher().Register(irc.ParseErrorKey, dispatch.PriorityDontCare,
		func(ev *dispatch.Event) { got = ev.Payload.(error) })

	h.Connect(false)
	h.Feed("@time=2024-01-01T00:00:00Z")
	if !errors.Is(got, line.ErrNoCommand) {
		t.Fatalf("parse error = %v", got)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)
	if err := h.Session.Send(line.New("PING", "x")); err == nil {
		t.Fatal("Send succeeded before Connected")
	}
}

func TestDisconnectResetsSession(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)
	ready(h)

	h.Feed(
		":irc.test 005 tester CASEMAPPING=ascii :are supported by this server",
		":tester!t@host JOIN #Chan",
	)
	if h.Session.Folder().Rule() != casemap.ASCII {
		t.Fatalf("rule = %v, want ascii", h.Session.Folder().Rule())
	}
	if len(h.Session.Store().Channels()) != 1 {
		t.Fatalf("channels = %v", h.Session.Store().Channels())
	}
	if h.Clock.Pending() == 0 {
		t.Fatal("expected a pending WHO timer")
	}

	h.Session.Disconnected()

	if h.Session.IsConnected() {
		t.Fatal("still connected")
	}
	if h.Session.Handshake() != handshake.Connecting {
		t.Fatalf("state = %v", h.Session.Handshake())
	}
	if h.Session.Folder().Rule() != casemap.RFC1459 {
		t.Fatalf("rule = %v, want rfc1459", h.Session.Folder().Rule())
	}
	if len(h.Session.Store().Channels()) != 0 {
		t.Fatalf("channels survived: %v", h.Session.Store().Channels())
	}
	if h.Clock.Pending() != 0 {
		t.Fatalf("%d timers survived", h.Clock.Pending())
	}

	h.Drain()
	h.Connect(false)
	if got := h.Drain(); len(got) != 1 || got[0] != "CAP LS 302" {
		t.Fatalf("reconnect sent %q", got)
	}
}

func TestCaseChangeSignal(t *testing.T) {
	testlog.Start(t)
	h := newDefault(t)
	ready(h)

	changes := 0
	h.Session.Dispatcher().Register(dispatch.Key{Class: "hooks", Name: "case_change"}, dispatch.PriorityLast,
		func(*dispatch.Event) { changes++ })

	h.Feed(":irc.test 005 tester CASEMAPPING=rfc1459 :are supported by this server")
	if changes != 0 {
		t.Fatal("signal without an actual change")
	}
	h.Feed(":irc.test 005 tester CASEMAPPING=ascii :are supported by this server")
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
}

func TestEventRelay(t *testing.T) {
	testlog.Start(t)
	bus := events.NewEventBus()
	relay := irc.NewEventRelay(bus, "testnet").Synchronous()

	var got []events.Event
	bus.Subscribe(events.Wildcard, events.SubscriberFunc(func(e events.Event) { got = append(got, e) }))

	h := newDefault(t, relay.Descriptor())
	ready(h)
	h.Feed(
		":tester!t@host JOIN #chan",
		":alice!a@host JOIN #chan",
		":op!o@host KICK #chan alice :bye",
	)

	find := func(eventType string) (events.Event, bool) {
		for _, e := range got {
			if e.Type == eventType {
				return e, true
			}
		}
		return events.Event{}, false
	}

	if e, ok := find(events.EventHandshakeReady); !ok || e.Network != "testnet" {
		t.Fatalf("handshake.ready = %+v, %v", e, ok)
	}
	kick, ok := find(events.EventUserKicked)
	if !ok {
		t.Fatal("no user.kicked event")
	}
	if kick.Data["nick"] != "alice" || kick.Data["by"] != "op" || kick.Data["reason"] != "bye" {
		t.Fatalf("kick data = %v", kick.Data)
	}
	if kick.Source != events.EventSourceEngine || kick.Timestamp.IsZero() {
		t.Fatalf("kick event = %+v", kick)
	}
}

type fakeSnapshotStore struct {
	snaps   []storage.Snapshot
	cleared []int64
}

func (f *fakeSnapshotStore) WriteSnapshot(snap storage.Snapshot) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakeSnapshotStore) ClearNetworkMembers(networkID int64) error {
	f.cleared = append(f.cleared, networkID)
	return nil
}

func TestSnapshotWrittenAtEndOfNames(t *testing.T) {
	testlog.Start(t)
	store := &fakeSnapshotStore{}
	h := newDefault(t, irc.NewSnapshot(store, 7).Descriptor())
	ready(h)

	h.Feed(
		":tester!t@host JOIN #chan",
		":irc.test 332 tester #chan :the topic",
		":irc.test 353 tester = #chan :@tester +alice bob",
		":irc.test 366 tester #chan :End of /NAMES list.",
	)
	if len(store.snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(store.snaps))
	}
	snap := store.snaps[0]
	if snap.NetworkID != 7 || snap.Channel != "#chan" || snap.Topic != "the topic" {
		t.Fatalf("snapshot = %+v", snap)
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].Nickname < snap.Members[j].Nickname })
	want := []struct{ nick, modes string }{{"alice", "v"}, {"bob", ""}, {"tester", "o"}}
	if len(snap.Members) != len(want) {
		t.Fatalf("members = %+v", snap.Members)
	}
	for i, w := range want {
		if snap.Members[i].Nickname != w.nick || snap.Members[i].Modes != w.modes {
			t.Errorf("member %d = %+v, want %s/%s", i, snap.Members[i], w.nick, w.modes)
		}
	}

	h.Session.Disconnected()
	if len(store.cleared) != 1 || store.cleared[0] != 7 {
		t.Fatalf("cleared = %v", store.cleared)
	}
}
