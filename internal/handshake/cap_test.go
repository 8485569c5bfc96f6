package handshake_test

import (
	"reflect"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/testutil/irctest"
	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
)

// recordCapEvents collects the tokens dispatched under key.
func recordCapEvents(h *irctest.Harness, key dispatch.Key) *[]string {
	var seen []string
	h.Session.Dispatcher().Register(key, dispatch.PriorityLast, func(ev *dispatch.Event) {
		seen = append(seen, ev.Payload.(*handshake.Ack).Token)
	})
	return &seen
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestCapChangesAfterReady(t *testing.T) {
	tests := []struct {
		name        string
		feed        []string
		wantNew     []string
		wantDel     []string
		wantOffered []string
		wantAcked   []string
	}{
		{
			name:        "multi-line list",
			feed:        []string{"CAP tester LIST * :batch", "CAP tester LIST :server-time"},
			wantOffered: []string{"batch", "server-time"},
			wantAcked:   []string{"batch", "server-time"},
		},
		{
			name:        "new without interest",
			feed:        []string{"CAP tester NEW :away-notify chghost"},
			wantNew:     []string{"away-notify", "chghost"},
			wantOffered: []string{"away-notify", "batch", "chghost", "server-time"},
			wantAcked:   []string{},
		},
		{
			name:        "del drops offered and acknowledged",
			feed:        []string{"CAP tester LIST :batch server-time", "CAP tester DEL :batch"},
			wantDel:     []string{"batch"},
			wantOffered: []string{"server-time"},
			wantAcked:   []string{"server-time"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testlog.Start(t)
			h := newHarness(t, handshake.Options{}, handshake.RegistrationName)
			h.Connect(false)
			h.Feed("CAP * LS :batch server-time")
			h.Register("tester")
			h.Drain()
			newCaps := recordCapEvents(h, handshake.NewKey)
			delCaps := recordCapEvents(h, handshake.DelKey)

			h.Feed(tt.feed...)

			slices.Sort(*newCaps)
			if !slices.Equal(*newCaps, tt.wantNew) {
				t.Errorf("new = %v, want %v", *newCaps, tt.wantNew)
			}
			if !slices.Equal(*delCaps, tt.wantDel) {
				t.Errorf("del = %v, want %v", *delCaps, tt.wantDel)
			}
			caps := h.Session.Caps()
			if got := keys(caps.Offered); !reflect.DeepEqual(got, tt.wantOffered) {
				t.Errorf("offered = %v, want %v", got, tt.wantOffered)
			}
			if got := keys(caps.Acknowledged); !reflect.DeepEqual(got, tt.wantAcked) {
				t.Errorf("acknowledged = %v, want %v", got, tt.wantAcked)
			}
			if len(h.Sent()) != 0 {
				t.Errorf("sent %q", h.Sent())
			}
			if h.Session.Handshake() != handshake.Ready {
				t.Errorf("state = %v, want ready", h.Session.Handshake())
			}
		})
	}
}

func TestCapNakDispatchesAndEnds(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.SASLName)
	naks := recordCapEvents(h, handshake.NakKey)

	h.Connect(true)
	h.Drain()
	h.Feed("CAP * LS :sasl=PLAIN")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP REQ sasl"}) {
		t.Fatalf("sent %q, want CAP REQ sasl", got)
	}

	h.Feed("CAP * NAK :sasl")
	if !reflect.DeepEqual(*naks, []string{"sasl"}) {
		t.Fatalf("nak = %v", *naks)
	}
	want := []string{"NICK tester", "USER tester 0 * :Test User", "CAP END"}
	if got := h.Drain(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
	if _, ok := h.Session.Caps().Requested["sasl"]; ok {
		t.Fatal("sasl still requested")
	}
}

func TestStartTLSTimeout(t *testing.T) {
	tests := []struct {
		name     string
		required bool
	}{
		{name: "optional", required: false},
		{name: "required", required: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testlog.Start(t)
			opts := handshake.Options{CapTimeout: 15 * time.Second, RequireTLS: tt.required}
			h := newHarness(t, opts, handshake.StartTLSName, handshake.RegistrationName)
			h.Connect(false)
			h.Feed("CAP * LS :tls", "CAP * ACK :tls")
			if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP LS 302", "CAP REQ tls", "STARTTLS"}) {
				t.Fatalf("sent %q", got)
			}

			h.Clock.Advance(14 * time.Second)
			if len(h.Sent()) != 0 || h.Session.Handshake() != handshake.StartingTLS {
				t.Fatalf("sent %q in state %v before the timeout", h.Sent(), h.Session.Handshake())
			}

			h.Clock.Advance(time.Second)
			if tt.required {
				if h.Session.Handshake() != handshake.Aborted || !h.Transport.Closed {
					t.Fatalf("state = %v, closed = %v", h.Session.Handshake(), h.Transport.Closed)
				}
				if h.SentCommand("NICK", "") {
					t.Fatal("registered in plaintext")
				}
				return
			}
			want := []string{"NICK tester", "USER tester 0 * :Test User", "CAP END"}
			if got := h.Drain(); !reflect.DeepEqual(got, want) {
				t.Fatalf("sent %q, want %q", got, want)
			}

			// A late reply no longer upgrades.
			h.Feed(":irc.test 670 * :STARTTLS successful, proceed with TLS handshake")
			if h.Transport.Upgrades != 0 {
				t.Fatalf("upgrades = %d after giving up", h.Transport.Upgrades)
			}
		})
	}
}

func TestTLSOfferedAfterReadyIgnored(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.StartTLSName, handshake.RegistrationName)
	h.Connect(false)
	h.Feed("CAP * LS :batch")
	h.Register("tester")
	h.Drain()

	h.Feed("CAP tester NEW :tls", "CAP tester ACK :tls")
	if h.SentCommand("STARTTLS", "") {
		t.Fatalf("sent %q", h.Sent())
	}
	if h.Session.Handshake() != handshake.Ready {
		t.Fatalf("state = %v, want ready", h.Session.Handshake())
	}
	if h.Clock.Pending() != 0 {
		t.Fatalf("%d timers pending", h.Clock.Pending())
	}
}
