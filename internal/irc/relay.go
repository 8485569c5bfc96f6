package irc

import (
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/events"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/lag"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

const EventRelayName = "EventRelay"

// EventRelay republishes engine signals on an events.EventBus.
type EventRelay struct {
	bus     *events.EventBus
	network string
	sync    bool
}

// NewEventRelay returns a relay publishing asynchronously.
func NewEventRelay(bus *events.EventBus, network string) *EventRelay {
	return &EventRelay{bus: bus, network: network}
}

// Synchronous makes the relay deliver on the dispatching goroutine.
func (r *EventRelay) Synchronous() *EventRelay {
	r.sync = true
	return r
}

// Descriptor declares the relay instance.
func (r *EventRelay) Descriptor() extension.Descriptor {
	return extension.Descriptor{
		Name:     EventRelayName,
		Requires: []string{handshake.CapNegotiateName},
		Instance: r,
	}
}

func (r *EventRelay) Name() string { return EventRelayName }

func (r *EventRelay) Reset() {}

func (r *EventRelay) Activate(conn extension.Conn) error {
	d := conn.Dispatcher()
	own := dispatch.WithOwner(EventRelayName)

	d.Register(handshake.StateKey, dispatch.PriorityLast, r.onState, own)
	d.Register(handshake.SASLSuccessKey, dispatch.PriorityLast, r.onSASLSuccess, own)
	d.Register(handshake.SASLFailureKey, dispatch.PriorityLast, r.onSASLFailure, own)
	d.Register(handshake.NickRejectedKey, dispatch.PriorityLast, r.onNickRejected, own)

	scopes := map[dispatch.Key]string{
		tracking.UserJoinKey: events.EventUserJoined,
		tracking.UserPartKey: events.EventUserParted,
		tracking.UserKickKey: events.EventUserKicked,
		tracking.UserQuitKey: events.EventUserQuit,
	}
	for key, eventType := range scopes {
		d.Register(key, dispatch.PriorityLast, r.scope(eventType), own)
	}
	for _, kind := range []tracking.ModeKind{tracking.ModeNormal, tracking.ModePrefix, tracking.ModeList, tracking.ModeKey, tracking.ModeParam} {
		d.Register(kind.Key(), dispatch.PriorityLast, r.onMode, own)
	}
	d.Register(lag.SampleKey, dispatch.PriorityLast, r.onLag, own)
	return nil
}

func (r *EventRelay) emit(eventType string, data map[string]any) {
	ev := events.Event{
		Type:    eventType,
		Network: r.network,
		Data:    data,
		Source:  events.EventSourceEngine,
	}
	if r.sync {
		r.bus.EmitSync(ev)
		return
	}
	r.bus.Emit(ev)
}

func (r *EventRelay) onState(ev *dispatch.Event) {
	tr := ev.Payload.(*handshake.Transition)
	data := map[string]any{"from": tr.From.String(), "to": tr.To.String()}
	if tr.Reason != "" {
		data["reason"] = tr.Reason
	}
	r.emit(events.EventHandshakeState, data)

	switch tr.To {
	case handshake.Ready:
		r.emit(events.EventHandshakeReady, data)
	case handshake.Aborted:
		r.emit(events.EventHandshakeAborted, data)
	}
}

func (r *EventRelay) onSASLSuccess(ev *dispatch.Event) {
	s := ev.Payload.(*handshake.Success)
	r.emit(events.EventSASLSuccess, map[string]any{"mechanism": s.Mechanism, "account": s.Account})
}

func (r *EventRelay) onSASLFailure(ev *dispatch.Event) {
	f := ev.Payload.(*handshake.Failure)
	r.emit(events.EventSASLFailed, map[string]any{
		"code":      f.Code,
		"mechanism": f.Mechanism,
		"reason":    f.Reason,
		"attempt":   f.Attempt,
	})
}

func (r *EventRelay) onNickRejected(ev *dispatch.Event) {
	n := ev.Payload.(*handshake.NickRejection)
	r.emit(events.EventNickRejected, map[string]any{"nick": n.Nick, "code": n.Code, "attempt": n.Attempt})
}

func (r *EventRelay) scope(eventType string) dispatch.HandlerFunc {
	return func(ev *dispatch.Event) {
		s := ev.Payload.(*tracking.Scope)
		data := map[string]any{"nick": s.Target.Nick}
		if s.Channel != "" {
			data["channel"] = s.Channel
		}
		if s.Reason != "" {
			data["reason"] = s.Reason
		}
		if s.Cause != nil && s.Cause.Nick != s.Target.Nick {
			data["by"] = s.Cause.Nick
		}
		r.emit(eventType, data)
	}
}

func (r *EventRelay) onMode(ev *dispatch.Event) {
	mc := ev.Payload.(*tracking.ModeChange)
	r.emit(events.EventChannelMode, map[string]any{
		"channel": mc.Target,
		"setter":  mc.Setter.String(),
		"kind":    mc.Mode.Kind.String(),
		"mode":    string(mc.Mode.Letter),
		"adding":  mc.Mode.Adding,
		"param":   mc.Mode.Param,
	})
}

func (r *EventRelay) onLag(ev *dispatch.Event) {
	s := ev.Payload.(*lag.Sample)
	r.emit(events.EventLagSample, map[string]any{"lag": s.Lag})
}
