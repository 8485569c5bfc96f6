// Package dispatch routes events to handlers registered under (class, name)
// keys in priority order.
//
// An Engine belongs to exactly one connection and is driven from a single
// goroutine; it does no locking of its own.
package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/rs/zerolog"
)

// Hook priorities. Lower values run first.
const (
	PriorityFirst    = -1000
	PriorityDontCare = 0
	PriorityLast     = 1000
)

var (
	ErrNotSuspended     = errors.New("dispatch is not suspended")
	ErrAlreadyResumed   = errors.New("dispatch already resumed")
	ErrAlreadySuspended = errors.New("dispatch already suspended")
	ErrNotRunning       = errors.New("event is not being dispatched")
)

// Key names a signal: a class of events plus the event name within it.
type Key struct {
	Class string
	Name  string
}

func (k Key) String() string {
	return k.Class + "/" + k.Name
}

// Status is the state of an event after (or during) a dispatch.
type Status int

const (
	Normal Status = iota
	Cancelled
	Suspended
)

func (s Status) String() string {
	switch s {
	case Cancelled:
		return "cancelled"
	case Suspended:
		return "suspended"
	default:
		return "normal"
	}
}

// HandlerFunc receives the shared event for one dispatch.
type HandlerFunc func(ev *Event)

type registration struct {
	id       uint64
	priority int
	owner    string
	fn       HandlerFunc
	removed  bool
}

func (r *registration) name() string {
	if r.owner != "" {
		return r.owner
	}
	return fmt.Sprintf("handler#%d", r.id)
}

// Option customizes a registration.
type Option func(*registration)

// WithOwner records the unit that owns a handler, used in diagnostics and
// Event.LastHandler.
func WithOwner(name string) Option {
	return func(r *registration) {
		r.owner = name
	}
}

// Handle identifies one registration for Deregister.
type Handle struct {
	key Key
	id  uint64
}

// Engine keeps per-key handler chains sorted by priority.
type Engine struct {
	handlers map[Key][]*registration
	nextID   uint64
	log      zerolog.Logger
}

func NewEngine() *Engine {
	return &Engine{
		handlers: make(map[Key][]*registration),
		log:      logger.For("dispatch"),
	}
}

// Register adds fn to the chain for key. Handlers with equal priority run in
// registration order.
func (e *Engine) Register(key Key, priority int, fn HandlerFunc, opts ...Option) Handle {
	e.nextID++
	r := &registration{id: e.nextID, priority: priority, fn: fn}
	for _, opt := range opts {
		opt(r)
	}

	// Chains are copy-on-write so that a suspended dispatch keeps the
	// snapshot it started with.
	old := e.handlers[key]
	chain := make([]*registration, len(old), len(old)+1)
	copy(chain, old)
	chain = append(chain, r)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].priority < chain[j].priority
	})
	e.handlers[key] = chain

	return Handle{key: key, id: r.id}
}

// Deregister removes a registration. Removing twice is a no-op.
func (e *Engine) Deregister(h Handle) {
	old := e.handlers[h.key]
	chain := make([]*registration, 0, len(old))
	for _, r := range old {
		if r.id == h.id {
			r.removed = true
			continue
		}
		chain = append(chain, r)
	}
	if len(chain) == 0 {
		delete(e.handlers, h.key)
		return
	}
	e.handlers[h.key] = chain
}

// Has reports whether any handler is registered for key.
func (e *Engine) Has(key Key) bool {
	return len(e.handlers[key]) > 0
}

// Dispatch runs the chain for key with payload. The returned event carries
// the final status: Normal when every handler ran, Cancelled when one stopped
// the chain, Suspended when one paused it for a later Resume.
func (e *Engine) Dispatch(key Key, payload any) *Event {
	ev := &Event{Key: key, Payload: payload, engine: e, chain: e.handlers[key]}
	e.run(ev, 0)
	return ev
}

func (e *Engine) run(ev *Event, start int) {
	ev.running = true
	defer func() {
		ev.running = false
		ev.current = nil
	}()

	for i := start; i < len(ev.chain); i++ {
		r := ev.chain[i]
		if r.removed {
			continue
		}
		ev.current = r
		r.fn(ev)

		switch ev.Status {
		case Cancelled:
			return
		case Suspended:
			ev.next = i + 1
			return
		}
	}
}

// Event is passed by reference to every handler in a chain.
type Event struct {
	Key     Key
	Status  Status
	Payload any

	// LastHandler names the handler that last changed Status.
	LastHandler string

	engine  *Engine
	chain   []*registration
	current *registration
	next    int
	running bool
	pending *Resumption
}

// Cancel stops the chain after the current handler returns.
func (ev *Event) Cancel() {
	ev.Status = Cancelled
	ev.markChanged()
}

// Suspend pauses the chain after the current handler returns. The chain
// continues at the next handler when the returned Resumption is resumed.
func (ev *Event) Suspend() (*Resumption, error) {
	if ev.pending != nil {
		ev.engine.log.Warn().
			Str("key", ev.Key.String()).
			Str("handler", ev.handlerName()).
			Msg("Dispatch suspended twice without resuming")
		return nil, fmt.Errorf("%w: %s", ErrAlreadySuspended, ev.Key)
	}
	if !ev.running {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, ev.Key)
	}

	ev.Status = Suspended
	ev.markChanged()
	r := &Resumption{event: ev}
	ev.pending = r
	return r, nil
}

func (ev *Event) markChanged() {
	ev.LastHandler = ev.handlerName()
}

func (ev *Event) handlerName() string {
	if ev.current == nil {
		return ""
	}
	return ev.current.name()
}

// Resumption is the one-shot continuation of a suspended dispatch.
type Resumption struct {
	event *Event
	used  bool
}

// Event returns the suspended event.
func (r *Resumption) Event() *Event {
	if r == nil {
		return nil
	}
	return r.event
}

// Resume continues the suspended chain at the handler after the one that
// suspended it and returns the resulting status. A second call reports
// ErrAlreadyResumed and has no effect.
func (r *Resumption) Resume() (Status, error) {
	if r == nil || r.event == nil {
		return Normal, ErrNotSuspended
	}
	ev := r.event
	if r.used {
		ev.engine.log.Warn().
			Str("key", ev.Key.String()).
			Str("suspended_by", ev.LastHandler).
			Msg("Resume called on an already resumed dispatch")
		return ev.Status, fmt.Errorf("%w: %s", ErrAlreadyResumed, ev.Key)
	}
	r.used = true
	ev.pending = nil
	ev.Status = Normal

	if ev.running {
		// Resumed from inside the handler that suspended; the running loop
		// simply carries on.
		return Normal, nil
	}

	ev.engine.run(ev, ev.next)
	return ev.Status, nil
}

// Abandon consumes the resumption without running the rest of the chain and
// leaves the event Cancelled.
func (r *Resumption) Abandon() error {
	if r == nil || r.event == nil {
		return ErrNotSuspended
	}
	if r.used {
		return fmt.Errorf("%w: %s", ErrAlreadyResumed, r.event.Key)
	}
	r.used = true
	r.event.pending = nil
	r.event.Status = Cancelled
	return nil
}

// Done reports whether the resumption has been consumed.
func (r *Resumption) Done() bool {
	return r == nil || r.used
}
