package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/events"
	"github.com/matt0x6f/irc-engine/internal/line"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/timer"
)

// ErrNotConnected is returned by writes without an open connection.
var ErrNotConnected = errors.New("not connected")

// ClientConfig describes how to reach the server.
type ClientConfig struct {
	Address string
	// TLS dials with TLS from the start. TLSConfig is also used for an
	// in-place STARTTLS upgrade.
	TLS         bool
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	// Network tags published events.
	Network string
}

type readResult struct {
	raw []byte
	err error
}

// Client is the network transport of a Session. It serializes incoming
// lines and fired timers onto the goroutine running Run.
type Client struct {
	cfg      ClientConfig
	log      zerolog.Logger
	eventBus *events.EventBus

	mu        sync.Mutex
	conn      net.Conn
	reader    ircreader.Reader
	secure    bool
	connected bool
	closing   bool
	reason    string

	posts chan func()
	// idle is closed while no Run loop is consuming posts.
	idle chan struct{}
	done chan struct{}
}

// NewClient creates a client. eventBus may be nil.
func NewClient(cfg ClientConfig, eventBus *events.EventBus) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = constants.DialTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &Client{
		cfg:      cfg,
		log:      logger.For("client").With().Str("network", cfg.Network).Logger(),
		eventBus: eventBus,
		posts:    make(chan func(), 64),
		idle:     idle,
		done:     make(chan struct{}),
	}
}

// Scheduler returns a real-time scheduler whose callbacks run on the Run
// goroutine.
func (c *Client) Scheduler() timer.Scheduler {
	return timer.NewPosted(c.post)
}

// post hands fn to the Run loop. Callbacks arriving between connections are
// dropped.
func (c *Client) post(fn func()) {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return
	default:
	}
	select {
	case c.posts <- fn:
	case <-idle:
	case <-c.done:
	}
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) emit(eventType string, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Emit(events.Event{
		Type:      eventType,
		Network:   c.cfg.Network,
		Data:      data,
		Timestamp: time.Now(),
		Source:    events.EventSourceEngine,
	})
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	if !c.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", c.cfg.Address)
	}
	td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig()}
	return td.DialContext(ctx, "tcp", c.cfg.Address)
}

func (c *Client) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.cfg.Address); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}

// Run connects, drives session until the connection ends and tears the
// session down. It returns nil when the connection was closed locally and
// the handshake did not abort.
func (c *Client) Run(ctx context.Context, session *Session) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.emit(events.EventError, map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.secure = c.cfg.TLS
	c.connected = true
	c.closing = false
	c.reason = ""
	c.reader.Initialize(conn, 512, constants.MaxLineLength)
	c.idle = make(chan struct{})
	c.mu.Unlock()

	c.log.Info().Str("address", c.cfg.Address).Bool("tls", c.cfg.TLS).Msg("Connected")
	c.emit(events.EventConnectionEstablished, map[string]any{"address": c.cfg.Address})

	lines := make(chan readResult)
	next := make(chan struct{})
	go c.readLoop(lines, next)

	session.Connected()

	var readErr error
	stop := ctx.Done()
loop:
	for {
		select {
		case <-stop:
			stop = nil
			c.Close("Client shutting down")
		case fn := <-c.posts:
			fn()
		case res := <-lines:
			if res.err != nil {
				readErr = res.err
				break loop
			}
			session.Feed(res.raw)
			next <- struct{}{}
		}
	}
	close(next)

	c.mu.Lock()
	closing, reason := c.closing, c.reason
	c.connected = false
	c.conn.Close()
	close(c.idle)
	c.mu.Unlock()

	session.Disconnected()
	c.drainPosts()
	c.emit(events.EventConnectionLost, map[string]any{"reason": reason})

	if err := session.Err(); err != nil {
		return err
	}
	if closing {
		c.log.Info().Str("reason", reason).Msg("Disconnected")
		return nil
	}
	return fmt.Errorf("connection lost: %w", readErr)
}

// drainPosts discards callbacks queued for a finished connection.
func (c *Client) drainPosts() {
	for {
		select {
		case <-c.posts:
		default:
			return
		}
	}
}

// readLoop reads one line at a time and waits until it has been handled, so
// a STARTTLS upgrade can swap the connection between two reads.
func (c *Client) readLoop(lines chan<- readResult, next <-chan struct{}) {
	for {
		c.mu.Lock()
		reader := &c.reader
		c.mu.Unlock()

		raw, err := reader.ReadLine()
		if err != nil {
			lines <- readResult{err: err}
			return
		}
		buf := make([]byte, len(raw))
		copy(buf, raw)
		lines <- readResult{raw: buf}
		if _, ok := <-next; !ok {
			return
		}
	}
}

// WriteLine writes one encoded line.
func (c *Client) WriteLine(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func (c *Client) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// StartTLS upgrades the connection in place. It runs on the Run goroutine
// while the reader waits for the current line to be handled.
func (c *Client) StartTLS() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return ErrNotConnected
	}
	if c.secure {
		return nil
	}

	tlsConn := tls.Client(c.conn, c.tlsConfig())
	if err := tlsConn.SetDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("failed TLS handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	c.conn = tlsConn
	c.secure = true
	c.reader.Initialize(tlsConn, 512, constants.MaxLineLength)
	c.log.Info().Msg("Upgraded connection with STARTTLS")
	return nil
}

// Close sends QUIT and closes the connection; Run then returns.
func (c *Client) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closing {
		return
	}
	c.closing = true
	c.reason = reason

	quit := line.New("QUIT", reason)
	if err := c.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		c.log.Debug().Err(err).Msg("Failed to set QUIT deadline")
	}
	if _, err := c.conn.Write(quit.Encode()); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send QUIT")
	}
	c.conn.Close()
}

// Shutdown stops delivering timer callbacks. The client cannot be reused.
func (c *Client) Shutdown() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
