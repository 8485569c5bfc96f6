package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"github.com/matt0x6f/irc-engine/internal/autojoin"
	"github.com/matt0x6f/irc-engine/internal/config"
	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/events"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/irc"
	"github.com/matt0x6f/irc-engine/internal/kickrejoin"
	"github.com/matt0x6f/irc-engine/internal/lag"
	"github.com/matt0x6f/irc-engine/internal/logger"
	"github.com/matt0x6f/irc-engine/internal/security"
	"github.com/matt0x6f/irc-engine/internal/storage"
)

// App owns one configured connection and everything around it.
type App struct {
	cfg       config.Config
	log       zerolog.Logger
	storage   *storage.Storage
	keychain  *security.Keychain
	eventBus  *events.EventBus
	client    *irc.Client
	session   *irc.Session
	networkID int64

	unsubscribe []func()
}

// NewApp opens storage, resolves credentials and builds the session.
func NewApp(cfg config.Config) (*App, error) {
	if lvl, ok := logger.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(lvl)
	}

	a := &App{
		cfg:      cfg,
		log:      logger.For("app").With().Str("network", cfg.Network).Logger(),
		keychain: security.NewKeychain(),
		eventBus: events.NewEventBus(),
	}

	if cfg.StoragePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		store, err := storage.NewStorage(cfg.StoragePath, 100, time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		a.storage = store
		if a.networkID, err = a.ensureNetwork(); err != nil {
			store.Close()
			return nil, err
		}
	}

	if err := a.buildSession(); err != nil {
		a.Close()
		return nil, err
	}
	a.subscribe()
	return a, nil
}

// ensureNetwork keeps the stored profile of the configured network current.
func (a *App) ensureNetwork() (int64, error) {
	profile := storage.Network{
		Name:        a.cfg.Network,
		Address:     a.cfg.Server.Address,
		TLS:         a.cfg.Server.TLS,
		StartTLS:    a.cfg.Server.StartTLS,
		Nickname:    a.cfg.Identity.Nick,
		Username:    a.cfg.Identity.Username,
		Realname:    a.cfg.Identity.Realname,
		SASLEnabled: a.cfg.SASL.Enabled,
	}
	if a.cfg.SASL.Enabled {
		if len(a.cfg.SASL.Mechanisms) > 0 {
			profile.SASLMechanism = &a.cfg.SASL.Mechanisms[0]
		}
		profile.SASLUsername = &a.cfg.SASL.Username
	}

	existing, err := a.storage.GetNetworkByName(a.cfg.Network)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := a.storage.CreateNetwork(&profile); err != nil {
			return 0, err
		}
		a.log.Info().Int64("id", profile.ID).Msg("Created network profile")
		return profile.ID, nil
	case err != nil:
		return 0, err
	}

	profile.ID = existing.ID
	profile.CreatedAt = existing.CreatedAt
	if err := a.storage.UpdateNetwork(&profile); err != nil {
		return 0, err
	}
	return profile.ID, nil
}

func (a *App) buildSession() error {
	cfg := a.cfg

	tlsConfig, err := clientTLSConfig(cfg)
	if err != nil {
		return err
	}

	saslPassword := cfg.SASL.Password
	if cfg.SASL.Enabled && cfg.SASL.UseKeychain {
		saslPassword, err = a.keychain.ResolvePassword(cfg.Network, cfg.SASL.Username, cfg.SASL.Password)
		if err != nil {
			return fmt.Errorf("failed to resolve SASL password: %w", err)
		}
		if saslPassword == "" {
			a.log.Warn().Str("account", cfg.SASL.Username).Msg("No SASL password in keychain")
		}
	}

	opts := sessionOptions(cfg, saslPassword)
	if a.storage != nil {
		opts.AutoJoinSource = a.storedChannels
	}

	relay := irc.NewEventRelay(a.eventBus, cfg.Network)
	extra := []extension.Descriptor{relay.Descriptor()}
	if a.storage != nil {
		extra = append(extra, irc.NewSnapshot(a.storage, a.networkID).Descriptor())
	}

	a.client = irc.NewClient(irc.ClientConfig{
		Address:   cfg.Server.Address,
		TLS:       cfg.Server.TLS,
		TLSConfig: tlsConfig,
		Network:   cfg.Network,
	}, a.eventBus)

	a.session, err = irc.NewSession(irc.SessionConfig{
		Identity: extension.Identity{
			Nick:     cfg.Identity.Nick,
			Username: cfg.Identity.Username,
			Realname: cfg.Identity.Realname,
			Password: cfg.Server.Password,
		},
		Catalog: irc.NewCatalog(opts),
		Units:   unitNames(cfg),
		Extra:   extra,
	}, a.client, a.client.Scheduler())
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}
	a.log.Debug().Strs("units", a.session.Extensions().Names()).Msg("Units resolved")
	return nil
}

func (a *App) storedChannels() ([]autojoin.Entry, error) {
	channels, err := a.storage.GetAutoJoinChannels(a.networkID)
	if err != nil {
		return nil, err
	}
	entries := make([]autojoin.Entry, 0, len(channels))
	for _, ch := range channels {
		entries = append(entries, autojoin.Entry{Channel: ch.Name, Key: ch.Key})
	}
	return entries, nil
}

func (a *App) subscribe() {
	a.unsubscribe = append(a.unsubscribe, a.eventBus.Subscribe(events.Wildcard, &logSubscriber{log: logger.For("events")}))
	if a.cfg.Notify {
		n := &desktopNotifier{network: a.cfg.Network, log: a.log}
		for _, eventType := range []string{events.EventHandshakeReady, events.EventHandshakeAborted, events.EventSASLFailed} {
			a.unsubscribe = append(a.unsubscribe, a.eventBus.Subscribe(eventType, n))
		}
	}
}

// Run keeps the connection up until ctx is cancelled or the handshake
// aborts.
func (a *App) Run(ctx context.Context) error {
	for {
		err := a.client.Run(ctx, a.session)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, handshake.ErrAborted) {
			return err
		}
		if err != nil {
			a.log.Warn().Err(err).Dur("retry_in", constants.ReconnectDelay).Msg("Connection ended")
		} else {
			a.log.Info().Dur("retry_in", constants.ReconnectDelay).Msg("Connection closed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(constants.ReconnectDelay):
		}
	}
}

// Close releases subscribers, the client and storage.
func (a *App) Close() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
	if a.client != nil {
		a.client.Shutdown()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close storage")
		}
		a.storage = nil
	}
}

// unitNames lists the catalog units a configuration enables.
func unitNames(cfg config.Config) []string {
	units := slices.Clone(irc.DefaultUnits)
	if cfg.Server.StartTLS || (cfg.Server.RequireTLS && !cfg.Server.TLS) {
		units = append(units, handshake.StartTLSName)
	}
	if cfg.SASL.Enabled {
		units = append(units, handshake.SASLName, handshake.SASLFallbackName)
	}
	if cfg.LagInterval > 0 {
		units = append(units, lag.Name)
	}
	units = append(units, autojoin.Name)
	if cfg.KickRejoin.Enabled {
		units = append(units, kickrejoin.Name)
	}
	for _, name := range cfg.Extensions {
		if !slices.Contains(units, name) {
			units = append(units, name)
		}
	}
	return units
}

func sessionOptions(cfg config.Config, saslPassword string) irc.Options {
	opts := irc.DefaultOptions()
	opts.Handshake = handshake.Options{
		CapTimeout:      cfg.Handshake.CapTimeout,
		MaxNickAttempts: cfg.Handshake.MaxNickAttempts,
		RequireTLS:      cfg.Server.RequireTLS,
		SASL: handshake.SASLConfig{
			Mechanisms:  cfg.SASL.Mechanisms,
			Username:    cfg.SASL.Username,
			Password:    saslPassword,
			Required:    cfg.SASL.Required,
			MaxAttempts: cfg.Handshake.MaxSASLAttempts,
		},
	}
	opts.Tracking.Who = cfg.Who
	opts.LagInterval = cfg.LagInterval
	opts.KickRejoin = kickrejoin.Options{Delay: cfg.KickRejoin.Delay, OnRemove: cfg.KickRejoin.OnRemove}
	for _, raw := range cfg.AutoJoin {
		if entry := autojoin.ParseEntry(raw); entry.Channel != "" {
			opts.AutoJoin = append(opts.AutoJoin, entry)
		}
	}
	return opts
}

func clientTLSConfig(cfg config.Config) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.SASL.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SASL.CertFile, cfg.SASL.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

type logSubscriber struct {
	log zerolog.Logger
}

func (s *logSubscriber) OnEvent(event events.Event) {
	level := zerolog.DebugLevel
	switch event.Type {
	case events.EventHandshakeReady, events.EventConnectionEstablished, events.EventConnectionLost:
		level = zerolog.InfoLevel
	case events.EventHandshakeAborted, events.EventSASLFailed, events.EventError:
		level = zerolog.WarnLevel
	}
	s.log.WithLevel(level).
		Str("type", event.Type).
		Str("network", event.Network).
		Fields(event.Data).
		Msg("Event")
}

type desktopNotifier struct {
	network string
	log     zerolog.Logger
}

func (n *desktopNotifier) OnEvent(event events.Event) {
	var message string
	switch event.Type {
	case events.EventHandshakeReady:
		message = "Connected"
		if nick, ok := event.Data["nick"].(string); ok && nick != "" {
			message = "Connected as " + nick
		}
	case events.EventHandshakeAborted:
		message = "Connection aborted"
		if reason, ok := event.Data["reason"].(string); ok && reason != "" {
			message += ": " + reason
		}
	case events.EventSASLFailed:
		message = "SASL authentication failed"
	default:
		return
	}
	if err := beeep.Notify(n.network, message, ""); err != nil {
		n.log.Debug().Err(err).Msg("Failed to show notification")
	}
}
