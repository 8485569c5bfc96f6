package kickrejoin_test

import (
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/matt0x6f/irc-engine/internal/irc"
	"github.com/matt0x6f/irc-engine/internal/kickrejoin"
	"github.com/matt0x6f/irc-engine/internal/testutil/irctest"
	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
)

func setup(t *testing.T, opts kickrejoin.Options) (*irctest.Harness, *kickrejoin.KickRejoin) {
	t.Helper()
	catalog := irc.DefaultOptions()
	catalog.Tracking.Who = false
	catalog.KickRejoin = opts
	h := irctest.New(t, irc.NewCatalog(catalog), append(slices.Clone(irc.DefaultUnits), kickrejoin.Name))
	h.Connect(false)
	h.Feed("CAP * LS :batch")
	h.Register("tester")
	h.Feed(
		":irc.test 005 tester CHANMODES=beI,k,l,imnpst CHANTYPES=#& :are supported by this server",
		":tester!t@host JOIN #chan",
		":tester!t@host JOIN #other",
	)
	h.Drain()
	u, ok := h.Session.Unit(kickrejoin.Name)
	if !ok {
		t.Fatal("unit not active")
	}
	return h, u.(*kickrejoin.KickRejoin)
}

func joins(h *irctest.Harness) []string {
	var out []string
	for _, l := range h.Drain() {
		if len(l) >= 4 && l[:4] == "JOIN" {
			out = append(out, l)
		}
	}
	return out
}

func TestRejoinAfterKick(t *testing.T) {
	tests := []struct {
		name  string
		opts  kickrejoin.Options
		feed  []string
		after time.Duration
		want  []string
	}{
		{
			name:  "default delay",
			feed:  []string{":op!o@host KICK #chan tester :out"},
			after: 5 * time.Second,
			want:  []string{"JOIN #chan"},
		},
		{
			name:  "configured delay",
			opts:  kickrejoin.Options{Delay: time.Second},
			feed:  []string{":op!o@host KICK #chan tester :out"},
			after: time.Second,
			want:  []string{"JOIN #chan"},
		},
		{
			name:  "folded nick",
			feed:  []string{":op!o@host KICK #chan TESTER :out"},
			after: 5 * time.Second,
			want:  []string{"JOIN #chan"},
		},
		{
			name:  "keyed channel",
			feed:  []string{":op!o@host MODE #chan +k sekrit", ":op!o@host KICK #chan tester :out"},
			after: 5 * time.Second,
			want:  []string{"JOIN #chan sekrit"},
		},
		{
			name:  "other user",
			feed:  []string{":op!o@host KICK #chan alice :out"},
			after: 5 * time.Second,
		},
		{
			name:  "double kick",
			feed:  []string{":op!o@host KICK #chan tester :out", ":op!o@host KICK #CHAN tester :again"},
			after: 5 * time.Second,
			want:  []string{"JOIN #chan"},
		},
		{
			name:  "rejoined by hand",
			feed:  []string{":op!o@host KICK #chan tester :out", ":tester!t@host JOIN #chan"},
			after: 5 * time.Second,
		},
		{
			name:  "forced part ignored by default",
			feed:  []string{":tester!t@host PART #chan :removed by op"},
			after: 5 * time.Second,
		},
		{
			name:  "forced part with on_remove",
			opts:  kickrejoin.Options{OnRemove: true},
			feed:  []string{":tester!t@host PART #chan :removed by op"},
			after: 5 * time.Second,
			want:  []string{"JOIN #chan"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testlog.Start(t)
			h, _ := setup(t, tt.opts)

			h.Feed(tt.feed...)
			h.Clock.Advance(tt.after - time.Millisecond)
			if got := joins(h); len(got) != 0 {
				t.Fatalf("joined early: %q", got)
			}
			h.Clock.Advance(time.Millisecond)
			if got := joins(h); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("sent %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOwnPartNotRejoined(t *testing.T) {
	testlog.Start(t)
	h, k := setup(t, kickrejoin.Options{OnRemove: true})

	if err := k.Part("#chan", "bye"); err != nil {
		t.Fatal(err)
	}
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"PART #chan bye"}) {
		t.Fatalf("sent %q", got)
	}
	h.Feed(":tester!t@host PART #chan :bye")
	h.Clock.Advance(time.Minute)
	if got := joins(h); len(got) != 0 {
		t.Fatalf("rejoined own part: %q", got)
	}

	// The marker is spent, so a later removal still rejoins.
	h.Feed(":tester!t@host JOIN #chan", ":tester!t@host PART #chan :removed")
	h.Clock.Advance(5 * time.Second)
	if got := joins(h); !reflect.DeepEqual(got, []string{"JOIN #chan"}) {
		t.Fatalf("sent %q", got)
	}
}

func TestDisconnectCancelsRejoin(t *testing.T) {
	testlog.Start(t)
	h, k := setup(t, kickrejoin.Options{})

	h.Feed(":op!o@host KICK #chan tester :out", ":op!o@host KICK #other tester :out")
	if !k.Pending("#CHAN") || !k.Pending("#other") {
		t.Fatal("rejoins not pending")
	}

	h.Session.Disconnected()
	if k.Pending("#chan") || k.Pending("#other") {
		t.Fatal("rejoin survived disconnect")
	}
	if n := h.Clock.Pending(); n != 0 {
		t.Fatalf("%d timers pending after disconnect", n)
	}

	h.Connect(false)
	h.Clock.Advance(time.Minute)
	if got := joins(h); len(got) != 0 {
		t.Fatalf("rejoined after reconnect: %q", got)
	}
}
