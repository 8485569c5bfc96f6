// Package lag measures round-trip latency with periodic PINGs.
package lag

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/dispatch"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

const Name = "LagCheck"

// SampleKey is dispatched with a *Sample for every answered PING.
var SampleKey = dispatch.Key{Class: "lag", Name: "sample"}

type Sample struct {
	Lag time.Duration
}

// LagCheck pings the server every interval once registered. A ping still
// unanswered when the next one is due closes the connection.
type LagCheck struct {
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	conn    extension.Conn
	timer   timer.Timer
	token   string
	sentAt  time.Time
	last    time.Duration
	samples int
}

// New returns the unit. now defaults to time.Now.
func New(interval time.Duration, now func() time.Time) *LagCheck {
	if interval <= 0 {
		interval = constants.LagCheckInterval
	}
	if now == nil {
		now = time.Now
	}
	return &LagCheck{interval: interval, now: now, log: logger.For("lag")}
}

func Descriptor(interval time.Duration, now func() time.Time) extension.Descriptor {
	return extension.Descriptor{
		Name:     Name,
		Aliases:  []string{"lag"},
		Requires: []string{handshake.RegistrationName},
		New:      func() extension.Unit { return New(interval, now) },
	}
}

func (l *LagCheck) Name() string { return Name }

func (l *LagCheck) Activate(conn extension.Conn) error {
	l.conn = conn
	d := conn.Dispatcher()
	own := dispatch.WithOwner(Name)
	d.Register(dispatch.Key{Class: "commands", Name: "001"}, dispatch.PriorityLast, l.onWelcome, own)
	d.Register(dispatch.Key{Class: "commands", Name: "PONG"}, dispatch.PriorityDontCare, l.onPong, own)
	return nil
}

func (l *LagCheck) Reset() {
	if l.timer != nil {
		l.timer.Cancel()
		l.timer = nil
	}
	l.token = ""
	l.last = 0
	l.samples = 0
}

// Last returns the most recent sample and whether one exists.
func (l *LagCheck) Last() (time.Duration, bool) {
	return l.last, l.samples > 0
}

func (l *LagCheck) onWelcome(*dispatch.Event) {
	if l.timer != nil {
		return
	}
	l.ping()
}

func (l *LagCheck) ping() {
	if l.token != "" {
		l.log.Warn().Dur("timeout", l.interval).Msg("Ping timeout, closing connection")
		l.timer = nil
		l.conn.Close(fmt.Sprintf("Ping timeout: %s", l.interval))
		return
	}

	l.sentAt = l.now()
	l.token = strconv.FormatInt(l.sentAt.UnixNano(), 10) + "-" + strconv.Itoa(rand.IntN(1_000_000))
	if err := l.conn.Send(line.New("PING", l.token)); err != nil {
		l.log.Error().Err(err).Msg("Failed to send lag PING")
	}
	l.timer = l.conn.Schedule(l.interval, l.ping)
}

func (l *LagCheck) onPong(ev *dispatch.Event) {
	msg := ev.Payload.(*line.Line)
	token := msg.Last()
	if l.token == "" || token != l.token {
		return
	}
	l.token = ""
	l.last = l.now().Sub(l.sentAt)
	l.samples++
	l.log.Debug().Dur("lag", l.last).Msg("Lag sample")
	l.conn.Dispatcher().Dispatch(SampleKey, &Sample{Lag: l.last})
}
