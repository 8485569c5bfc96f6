// Package extension resolves pluggable behavior units and their declared
// dependencies into an activation order.
package extension

import (
	"time"

	"github.com/matt0x6f/irc-engine/internal/casemap"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

// Identity is the registration identity configured for a connection.
type Identity struct {
	Nick     string
	Username string
	Realname string
	Password string
}

// Conn is the per-connection context a unit receives on activation.
type Conn interface {
	Dispatcher() *dispatch.Engine
	Folder() *casemap.Folder
	Send(l *line.Line) error
	Schedule(delay time.Duration, fn func()) timer.Timer
	Unit(name string) (Unit, bool)
	// Extensions is the activated unit set, used to poll capability interest.
	Extensions() *Set
	Identity() Identity

	// Nick is the nickname currently in use; SetNick records a change
	// confirmed by the server.
	Nick() string
	SetNick(nick string)

	Secure() bool
	StartTLS() error
	Close(reason string)
}

// Unit is one pluggable behavior. Activate registers hooks; Reset drops
// per-connection state on disconnect so the unit can serve a reconnect.
type Unit interface {
	Name() string
	Activate(c Conn) error
	Reset()
}

// CapRequester is implemented by units that want IRCv3 capabilities. Caps is
// polled each time a request is built, so the answer may depend on state.
type CapRequester interface {
	Caps() map[string][]string
}

// Descriptor declares a unit before connection setup.
type Descriptor struct {
	Name string
	// Aliases are other names this unit satisfies in Requires lists.
	Aliases  []string
	Requires []string
	// DefaultPriority orders capability handling and is the priority a unit
	// uses for hooks it does not place explicitly.
	DefaultPriority int
	New             func() Unit
	// Instance, when set, is used instead of New.
	Instance Unit
}

func (d Descriptor) satisfies(name string) bool {
	if d.Name == name {
		return true
	}
	for _, a := range d.Aliases {
		if a == name {
			return true
		}
	}
	return false
}
