// Package handshake sequences capability negotiation, STARTTLS, SASL and
// registration for one connection.
package handshake

import (
	"errors"

	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/line"
)

// State is the handshake progress of a connection.
type State int

const (
	Connecting State = iota
	CapNegotiating
	StartingTLS
	Registering
	SaslAuth
	CapEnding
	Ready
	Aborted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case CapNegotiating:
		return "cap-negotiating"
	case StartingTLS:
		return "starttls"
	case Registering:
		return "registering"
	case SaslAuth:
		return "sasl"
	case CapEnding:
		return "cap-ending"
	case Ready:
		return "ready"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Negotiating reports whether s is before CAP END has been sent.
func (s State) Negotiating() bool {
	switch s {
	case CapNegotiating, StartingTLS, Registering, SaslAuth:
		return true
	}
	return false
}

var (
	ErrAborted         = errors.New("handshake aborted")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrNotWaiting      = errors.New("no failure is awaiting recovery")
)

// Unit names as registered in the built-in catalog.
const (
	CapNegotiateName = "CapNegotiate"
	StartTLSName     = "StartTLS"
	SASLName         = "SASL"
	RegistrationName = "Registration"
	UnderscoreName   = "UnderscoreAlt"
	NumberSubName    = "NumberSubstituteAlt"
	SASLFallbackName = "SASLFallback"
)

// Default priorities. Acknowledged capabilities are handled in ascending
// priority of the unit that wanted them; Registration acts as a gate that
// sends NICK/USER before anything ordered after it.
const (
	StartTLSPriority     = dispatch.PriorityFirst
	RegistrationPriority = dispatch.PriorityFirst + 1
	SASLPriority         = dispatch.PriorityFirst + 5
)

// Signal keys dispatched by this package.
var (
	StateKey        = dispatch.Key{Class: "handshake", Name: "state"}
	AckKey          = dispatch.Key{Class: "commands_cap", Name: "ack"}
	NakKey          = dispatch.Key{Class: "commands_cap", Name: "nak"}
	NewKey          = dispatch.Key{Class: "commands_cap", Name: "new"}
	DelKey          = dispatch.Key{Class: "commands_cap", Name: "del"}
	SASLSuccessKey  = dispatch.Key{Class: "sasl", Name: "success"}
	SASLFailureKey  = dispatch.Key{Class: "sasl", Name: "failure"}
	NickRejectedKey = dispatch.Key{Class: "registration", Name: "nick_rejected"}
	ConnectedKey    = dispatch.Key{Class: "hooks", Name: "connected"}
)

// Transition is the payload of StateKey.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Ack is the payload of the per-token commands_cap events.
type Ack struct {
	Token  string
	Values []string
	Line   *line.Line
}

// Success is the payload of SASLSuccessKey.
type Success struct {
	Mechanism string
	Account   string
}

// Failure is the payload of SASLFailureKey. A handler may call Retry on the
// SASL unit to attempt another mechanism.
type Failure struct {
	Code      string
	Mechanism string
	Reason    string
	Attempt   int
	// Remaining lists configured mechanisms not tried yet that the server
	// is known or assumed to support.
	Remaining []string
}

// NickRejection is the payload of NickRejectedKey. A policy reacts by
// calling TryNick on the Registration unit.
type NickRejection struct {
	Nick    string
	Code    string
	Reason  string
	Attempt int
}

func lookup[T extension.Unit](c extension.Conn, name string) (T, bool) {
	var zero T
	u, ok := c.Unit(name)
	if !ok {
		return zero, false
	}
	t, ok := u.(T)
	return t, ok
}
