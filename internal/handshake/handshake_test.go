package handshake_test

import (
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/irc"
	"github.com/matt0x6f/irc-engine/internal/testutil/irctest"
	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
)

func newHarness(t *testing.T, opts handshake.Options, units ...string) *irctest.Harness {
	t.Helper()
	catalog := irc.NewCatalog(irc.Options{Handshake: opts})
	return irctest.New(t, catalog, units)
}

func recordStates(h *irctest.Harness) *[]handshake.State {
	var seen []handshake.State
	h.Session.Dispatcher().Register(handshake.StateKey, dispatch.PriorityLast, func(ev *dispatch.Event) {
		seen = append(seen, ev.Payload.(*handshake.Transition).To)
	})
	return &seen
}

func plainOptions() handshake.Options {
	return handshake.Options{
		SASL: handshake.SASLConfig{
			Mechanisms: []string{"PLAIN"},
			Username:   "tester",
			Password:   "secret",
		},
	}
}

func TestLegacyFallbackAfterTimeout(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{CapTimeout: 15 * time.Second}, handshake.RegistrationName)
	states := recordStates(h)

	h.Connect(false)
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP LS 302"}) {
		t.Fatalf("sent %q, want CAP LS 302", got)
	}
	if h.Session.Handshake() != handshake.CapNegotiating {
		t.Fatalf("state = %v", h.Session.Handshake())
	}

	h.Clock.Advance(14 * time.Second)
	if len(h.Sent()) != 0 {
		t.Fatalf("sent %q before the timeout", h.Sent())
	}
	if slices.Contains(*states, handshake.Registering) {
		t.Fatal("registering before the timeout")
	}

	h.Clock.Advance(time.Second)
	want := []string{"NICK tester", "USER tester 0 * :Test User", "CAP END"}
	if got := h.Drain(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
	if !slices.Contains(*states, handshake.Registering) {
		t.Fatalf("states = %v, missing registering", *states)
	}

	h.Register("tester")
	if h.Session.Handshake() != handshake.Ready {
		t.Fatalf("state = %v, want ready", h.Session.Handshake())
	}
}

func TestUnknownCapCommandFallsBack(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.RegistrationName)
	h.Connect(false)
	h.Drain()

	h.Feed(":irc.test 421 * CAP :Unknown command")
	if !h.SentCommand("NICK", "tester") || !h.SentCommand("CAP", "END") {
		t.Fatalf("sent %q, want registration and CAP END", h.Sent())
	}
	if h.Clock.Pending() != 0 {
		t.Fatalf("%d timers left after fallback", h.Clock.Pending())
	}

	// The late timeout must not register twice.
	h.Drain()
	h.Clock.Advance(time.Minute)
	if len(h.Sent()) != 0 {
		t.Fatalf("sent %q after fallback", h.Sent())
	}
}

func TestNoInterestingCapsEndsImmediately(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.RegistrationName)
	states := recordStates(h)
	h.Connect(false)
	h.Drain()

	h.Feed("CAP * LS :cap-notify batch")
	want := []string{"NICK tester", "USER tester 0 * :Test User", "CAP END"}
	if got := h.Drain(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
	h.Register("tester")

	wantStates := []handshake.State{handshake.CapNegotiating, handshake.Registering, handshake.CapEnding, handshake.Ready}
	if !reflect.DeepEqual(*states, wantStates) {
		t.Fatalf("states = %v, want %v", *states, wantStates)
	}
}

func TestMultilineLS(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.SASLName)
	h.Connect(true)
	h.Drain()

	h.Feed("CAP * LS * :multi-prefix batch")
	if len(h.Sent()) != 0 {
		t.Fatalf("sent %q before the last LS line", h.Sent())
	}

	h.Feed("CAP * LS :sasl=PLAIN,EXTERNAL server-time")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP REQ sasl"}) {
		t.Fatalf("sent %q, want CAP REQ sasl", got)
	}

	caps := h.Session.Caps()
	for _, tok := range []string{"multi-prefix", "batch", "sasl", "server-time"} {
		if _, ok := caps.Offered[tok]; !ok {
			t.Errorf("%s not offered", tok)
		}
	}
	if got := caps.Offered["sasl"]; !reflect.DeepEqual(got, []string{"PLAIN", "EXTERNAL"}) {
		t.Errorf("sasl values = %v", got)
	}
}

func TestSASLPlain(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.SASLName)
	states := recordStates(h)

	var success *handshake.Success
	h.Session.Dispatcher().Register(handshake.SASLSuccessKey, dispatch.PriorityDontCare, func(ev *dispatch.Event) {
		success = ev.Payload.(*handshake.Success)
	})

	h.Connect(true)
	h.Feed("CAP * LS :sasl=PLAIN")
	h.Feed("CAP * ACK :sasl")

	if h.Session.Handshake() != handshake.SaslAuth {
		t.Fatalf("state = %v, want sasl", h.Session.Handshake())
	}
	if !h.SentCommand("NICK", "tester") {
		t.Fatal("registration not sent before authentication")
	}
	if !h.SentCommand("AUTHENTICATE", "PLAIN") {
		t.Fatalf("sent %q, want AUTHENTICATE PLAIN", h.Sent())
	}
	if h.SentCommand("CAP", "END") {
		t.Fatal("CAP END sent during authentication")
	}
	h.Drain()

	h.Feed("AUTHENTICATE +")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"AUTHENTICATE AHRlc3RlcgBzZWNyZXQ="}) {
		t.Fatalf("sent %q", got)
	}

	h.Feed(
		":irc.test 900 tester tester!tester@host tester :You are now logged in as tester",
		":irc.test 903 tester :SASL authentication successful",
	)
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP END"}) {
		t.Fatalf("sent %q, want CAP END", got)
	}
	if success == nil || success.Mechanism != "PLAIN" || success.Account != "tester" {
		t.Fatalf("success = %+v", success)
	}

	h.Register("tester")
	want := []handshake.State{
		handshake.CapNegotiating, handshake.Registering, handshake.SaslAuth,
		handshake.CapEnding, handshake.Ready,
	}
	if !reflect.DeepEqual(*states, want) {
		t.Fatalf("states = %v, want %v", *states, want)
	}
}

func TestSASLFailureContinuesWhenOptional(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.SASLName)

	var failure *handshake.Failure
	h.Session.Dispatcher().Register(handshake.SASLFailureKey, dispatch.PriorityDontCare, func(ev *dispatch.Event) {
		failure = ev.Payload.(*handshake.Failure)
	})

	h.Connect(true)
	h.Feed("CAP * LS :sasl", "CAP * ACK :sasl", "AUTHENTICATE +")
	h.Drain()

	h.Feed(":irc.test 904 tester :SASL authentication failed")
	if failure == nil || failure.Code != "904" || failure.Mechanism != "PLAIN" {
		t.Fatalf("failure = %+v", failure)
	}
	if h.SentCommand("CAP", "END") {
		t.Fatal("gave up before a retry could be requested")
	}

	h.Clock.RunPending()
	if !h.SentCommand("CAP", "END") {
		t.Fatalf("sent %q, want CAP END", h.Sent())
	}
	if h.Session.Err() != nil {
		t.Fatalf("Err() = %v", h.Session.Err())
	}
}

func TestSASLRequiredAborts(t *testing.T) {
	testlog.Start(t)
	opts := plainOptions()
	opts.SASL.Required = true
	h := newHarness(t, opts, handshake.SASLName)

	h.Connect(true)
	h.Feed("CAP * LS :sasl", "CAP * ACK :sasl", "AUTHENTICATE +")
	h.Feed(":irc.test 904 tester :SASL authentication failed")
	h.Clock.RunPending()

	if h.Session.Handshake() != handshake.Aborted {
		t.Fatalf("state = %v, want aborted", h.Session.Handshake())
	}
	if !errors.Is(h.Session.Err(), handshake.ErrAborted) {
		t.Fatalf("Err() = %v", h.Session.Err())
	}
	if !h.Transport.Closed {
		t.Fatal("transport not closed")
	}
	if h.SentCommand("CAP", "END") {
		t.Fatal("CAP END sent after abort")
	}
}

func TestSASLFallbackTriesNextMechanism(t *testing.T) {
	testlog.Start(t)
	opts := plainOptions()
	opts.SASL.Mechanisms = []string{"SCRAM-SHA-256", "PLAIN"}
	h := newHarness(t, opts, handshake.SASLFallbackName)

	h.Connect(true)
	h.Feed("CAP * LS :sasl=SCRAM-SHA-256,PLAIN", "CAP * ACK :sasl")
	if !h.SentCommand("AUTHENTICATE", "SCRAM-SHA-256") {
		t.Fatalf("sent %q", h.Sent())
	}
	h.Drain()

	h.Feed(":irc.test 904 tester :SASL authentication failed")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"AUTHENTICATE PLAIN"}) {
		t.Fatalf("sent %q, want AUTHENTICATE PLAIN", got)
	}
	h.Clock.RunPending()
	if h.SentCommand("CAP", "END") {
		t.Fatal("gave up although a retry is running")
	}
}

func TestNoCredentialsBeforeTLS(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.StartTLSName, handshake.SASLName)
	h.Connect(false)

	h.Feed("CAP * LS :tls sasl=PLAIN")
	if !h.SentCommand("CAP", "REQ sasl tls") {
		t.Fatalf("sent %q", h.Sent())
	}
	h.Drain()

	h.Feed("CAP * ACK :sasl tls")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"STARTTLS"}) {
		t.Fatalf("sent %q, want only STARTTLS", got)
	}
	if h.Session.Handshake() != handshake.StartingTLS {
		t.Fatalf("state = %v", h.Session.Handshake())
	}

	h.Feed(":irc.test 670 * :STARTTLS successful, proceed with TLS handshake")
	if h.Transport.Upgrades != 1 {
		t.Fatalf("upgrades = %d", h.Transport.Upgrades)
	}
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"CAP LS 302"}) {
		t.Fatalf("sent %q, want a fresh CAP LS", got)
	}

	h.Feed("CAP * LS :tls sasl=PLAIN")
	want := []string{"NICK tester", "USER tester 0 * :Test User", "AUTHENTICATE PLAIN"}
	if got := h.Drain(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
}

func TestSASLSkippedAfterFailedSTARTTLS(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, plainOptions(), handshake.StartTLSName, handshake.SASLName)
	h.Connect(false)

	h.Feed("CAP * LS :tls sasl", "CAP * ACK :sasl tls")
	h.Drain()
	h.Feed(":irc.test 691 * :STARTTLS failed")

	if h.SentCommand("AUTHENTICATE", "") {
		t.Fatalf("credentials sent in plaintext: %q", h.Sent())
	}
	if !h.SentCommand("NICK", "tester") || !h.SentCommand("CAP", "END") {
		t.Fatalf("sent %q, want plaintext registration", h.Sent())
	}
}

func TestRequiredTLSAbortsOnRefusal(t *testing.T) {
	testlog.Start(t)
	opts := handshake.Options{RequireTLS: true}
	h := newHarness(t, opts, handshake.StartTLSName, handshake.RegistrationName)
	h.Connect(false)

	h.Feed("CAP * LS :tls", "CAP * ACK :tls")
	h.Feed(":irc.test 691 * :STARTTLS failed")

	if h.Session.Handshake() != handshake.Aborted {
		t.Fatalf("state = %v, want aborted", h.Session.Handshake())
	}
	if h.SentCommand("NICK", "") {
		t.Fatal("registered in plaintext")
	}
}

func TestRequiredTLSWithoutOffer(t *testing.T) {
	testlog.Start(t)
	opts := handshake.Options{RequireTLS: true}
	h := newHarness(t, opts, handshake.StartTLSName, handshake.RegistrationName)
	h.Connect(false)

	h.Feed("CAP * LS :multi-prefix")
	if h.Session.Handshake() != handshake.Aborted {
		t.Fatalf("state = %v, want aborted", h.Session.Handshake())
	}
	if !h.Transport.Closed {
		t.Fatal("transport not closed")
	}
}

func TestNickGuard(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{MaxNickAttempts: 3}, handshake.UnderscoreName)

	var rejected []string
	h.Session.Dispatcher().Register(handshake.NickRejectedKey, dispatch.PriorityFirst, func(ev *dispatch.Event) {
		rejected = append(rejected, ev.Payload.(*handshake.NickRejection).Nick)
	})

	h.Connect(false)
	h.Feed("CAP * LS :batch")
	h.Drain()

	h.Feed(":irc.test 433 * tester :Nickname is already in use")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"NICK tester_"}) {
		t.Fatalf("sent %q", got)
	}
	if h.Session.Nick() != "tester_" {
		t.Fatalf("Nick() = %q", h.Session.Nick())
	}

	h.Feed(":irc.test 433 * tester_ :Nickname is already in use")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"NICK tester__"}) {
		t.Fatalf("sent %q", got)
	}

	h.Feed(":irc.test 433 * tester__ :Nickname is already in use")
	if h.Session.Handshake() != handshake.Aborted {
		t.Fatalf("state = %v, want aborted", h.Session.Handshake())
	}
	if !h.Transport.Closed {
		t.Fatal("transport not closed")
	}
	if want := []string{"tester", "tester_", "tester__"}; !reflect.DeepEqual(rejected, want) {
		t.Fatalf("rejected = %v, want %v", rejected, want)
	}
}

func TestNickRejectedWithoutPolicy(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.RegistrationName)
	h.Connect(false)
	h.Feed("CAP * LS :batch")

	h.Feed(":irc.test 433 * tester :Nickname is already in use")
	if h.Session.Handshake() == handshake.Aborted {
		t.Fatal("aborted before policies had a chance to react")
	}
	h.Clock.RunPending()
	if h.Session.Handshake() != handshake.Aborted {
		t.Fatalf("state = %v, want aborted", h.Session.Handshake())
	}
}

func TestNumberSubstituteAlt(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.NumberSubName)
	h.Connect(false)
	h.Feed("CAP * LS :batch")
	h.Drain()

	h.Feed(":irc.test 433 * tester :Nickname is already in use")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"NICK t3ster"}) {
		t.Fatalf("sent %q", got)
	}
	h.Feed(":irc.test 433 * t3ster :Nickname is already in use")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"NICK t35ter"}) {
		t.Fatalf("sent %q", got)
	}
}

func TestPingAnsweredDuringRegistration(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, handshake.Options{}, handshake.RegistrationName)
	h.Connect(false)
	h.Drain()

	h.Feed("PING :irc.test")
	if got := h.Drain(); !reflect.DeepEqual(got, []string{"PONG irc.test"}) {
		t.Fatalf("sent %q", got)
	}
}
