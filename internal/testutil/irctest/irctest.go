// Package irctest drives a Session against a recording transport and a
// manual clock.
package irctest

import (
	"strings"
	"testing"
	"time"

	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/irc"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

// Transport records written lines.
type Transport struct {
	Sent        []*line.Line
	secure      bool
	StartTLSErr error
	Upgrades    int
	Closed      bool
	CloseReason string
}

func (tr *Transport) WriteLine(raw []byte) error {
	l, err := line.Decode(raw)
	if err != nil {
		return err
	}
	tr.Sent = append(tr.Sent, l)
	return nil
}

func (tr *Transport) Secure() bool { return tr.secure }

func (tr *Transport) StartTLS() error {
	if tr.StartTLSErr != nil {
		return tr.StartTLSErr
	}
	tr.Upgrades++
	tr.secure = true
	return nil
}

func (tr *Transport) Close(reason string) {
	tr.Closed = true
	tr.CloseReason = reason
}

// Harness bundles a session with its transport and clock.
type Harness struct {
	t         *testing.T
	Session   *irc.Session
	Transport *Transport
	Clock     *timer.Manual
}

// Identity is the registration identity used by New.
var Identity = extension.Identity{Nick: "tester", Username: "tester", Realname: "Test User"}

// New builds a session for units from catalog. It fails the test on
// resolution errors.
func New(t *testing.T, catalog *extension.Catalog, units []string, extra ...extension.Descriptor) *Harness {
	t.Helper()
	tr := &Transport{}
	clock := timer.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := irc.NewSession(irc.SessionConfig{
		Identity: Identity,
		Catalog:  catalog,
		Units:    units,
		Extra:    extra,
	}, tr, clock)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return &Harness{t: t, Session: s, Transport: tr, Clock: clock}
}

// Connect marks the transport open, optionally as already encrypted.
func (h *Harness) Connect(secure bool) {
	h.Transport.secure = secure
	h.Session.Connected()
}

// Feed hands raw server lines to the session in order.
func (h *Harness) Feed(raws ...string) {
	for _, raw := range raws {
		h.Session.Feed([]byte(raw))
	}
}

// Sent returns the serialized lines written since the last Drain.
func (h *Harness) Sent() []string {
	out := make([]string, len(h.Transport.Sent))
	for i, l := range h.Transport.Sent {
		out[i] = l.String()
	}
	return out
}

// Drain returns and forgets the written lines.
func (h *Harness) Drain() []string {
	out := h.Sent()
	h.Transport.Sent = nil
	return out
}

// Commands lists the commands of the written lines.
func (h *Harness) Commands() []string {
	out := make([]string, len(h.Transport.Sent))
	for i, l := range h.Transport.Sent {
		out[i] = l.Command
	}
	return out
}

// SentCommand reports whether a line with the given command and first
// parameter prefix was written.
func (h *Harness) SentCommand(command, prefix string) bool {
	for _, l := range h.Transport.Sent {
		if l.Command == command && strings.HasPrefix(strings.Join(l.Params, " "), prefix) {
			return true
		}
	}
	return false
}

// Register completes a CAP-less registration with the given nick.
func (h *Harness) Register(nick string) {
	h.t.Helper()
	h.Feed(":irc.test 001 " + nick + " :Welcome")
}
