// Package config loads the engine configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matt0x6f/irc-engine/internal/constants"
	"github.com/matt0x6f/irc-engine/internal/validation"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Server struct {
	Address            string
	TLS                bool
	StartTLS           bool
	RequireTLS         bool
	InsecureSkipVerify bool
	Password           string
}

type Identity struct {
	Nick     string
	Username string
	Realname string
}

type SASL struct {
	Enabled     bool
	Mechanisms  []string
	Username    string
	Password    string
	UseKeychain bool
	Required    bool
	CertFile    string
	KeyFile     string
}

type Handshake struct {
	CapTimeout      time.Duration
	MaxNickAttempts int
	MaxSASLAttempts int
}

type Config struct {
	// Network names the connection for storage and the keychain.
	Network     string
	Server      Server
	Identity    Identity
	SASL        SASL
	Handshake   Handshake
	Who         bool
	LagInterval time.Duration
	AutoJoin    []string
	KickRejoin  KickRejoin
	// StoragePath is empty to run without a database.
	StoragePath string
	LogLevel    string
	Notify      bool
	// Extensions lists additional unit names to enable.
	Extensions []string
}

// KickRejoin controls rejoining after a kick.
type KickRejoin struct {
	Enabled  bool
	Delay    time.Duration
	OnRemove bool
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Network: "default",
		Server:  Server{TLS: true},
		SASL: SASL{
			Mechanisms: []string{"SCRAM-SHA-256", "PLAIN"},
		},
		Handshake: Handshake{
			CapTimeout:      constants.CapNegotiationTimeout,
			MaxNickAttempts: constants.MaxNickAttempts,
			MaxSASLAttempts: constants.MaxSASLAttempts,
		},
		Who:         true,
		LagInterval: constants.LagCheckInterval,
		KickRejoin:  KickRejoin{Delay: constants.KickRejoinDelay},
		LogLevel:    "info",
	}
}

type fileConfig struct {
	Network string `toml:"network"`
	Server  struct {
		Address            string `toml:"address"`
		TLS                bool   `toml:"tls"`
		StartTLS           bool   `toml:"starttls"`
		RequireTLS         bool   `toml:"require_tls"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		Password           string `toml:"password"`
	} `toml:"server"`
	Identity struct {
		Nick     string `toml:"nick"`
		Username string `toml:"username"`
		Realname string `toml:"realname"`
	} `toml:"identity"`
	SASL struct {
		Enabled     bool     `toml:"enabled"`
		Mechanisms  []string `toml:"mechanisms"`
		Username    string   `toml:"username"`
		Password    string   `toml:"password"`
		UseKeychain bool     `toml:"use_keychain"`
		Required    bool     `toml:"required"`
		CertFile    string   `toml:"cert_file"`
		KeyFile     string   `toml:"key_file"`
	} `toml:"sasl"`
	Handshake struct {
		CapTimeout      string `toml:"cap_timeout"`
		MaxNickAttempts int    `toml:"max_nick_attempts"`
		MaxSASLAttempts int    `toml:"max_sasl_attempts"`
	} `toml:"handshake"`
	Tracking struct {
		Who bool `toml:"who"`
	} `toml:"tracking"`
	Lag struct {
		Interval string `toml:"interval"`
	} `toml:"lag"`
	AutoJoin struct {
		Channels []string `toml:"channels"`
	} `toml:"autojoin"`
	KickRejoin struct {
		Enabled  bool   `toml:"enabled"`
		Delay    string `toml:"delay"`
		OnRemove bool   `toml:"on_remove"`
	} `toml:"kickrejoin"`
	Storage struct {
		Path string `toml:"path"`
	} `toml:"storage"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Notify struct {
		Desktop bool `toml:"desktop"`
	} `toml:"notify"`
	Extensions struct {
		Enabled []string `toml:"enabled"`
	} `toml:"extensions"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over Default and validates the result.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}

	if meta.IsDefined("server", "address") {
		cfg.Server.Address = strings.TrimSpace(raw.Server.Address)
	}
	if meta.IsDefined("server", "tls") {
		cfg.Server.TLS = raw.Server.TLS
	}
	if meta.IsDefined("server", "starttls") {
		cfg.Server.StartTLS = raw.Server.StartTLS
	}
	if meta.IsDefined("server", "require_tls") {
		cfg.Server.RequireTLS = raw.Server.RequireTLS
	}
	if meta.IsDefined("server", "insecure_skip_verify") {
		cfg.Server.InsecureSkipVerify = raw.Server.InsecureSkipVerify
	}
	if meta.IsDefined("server", "password") {
		cfg.Server.Password = raw.Server.Password
	}

	if meta.IsDefined("identity", "nick") {
		cfg.Identity.Nick = strings.TrimSpace(raw.Identity.Nick)
	}
	if meta.IsDefined("identity", "username") {
		cfg.Identity.Username = strings.TrimSpace(raw.Identity.Username)
	}
	if meta.IsDefined("identity", "realname") {
		cfg.Identity.Realname = raw.Identity.Realname
	}
	if cfg.Identity.Username == "" {
		cfg.Identity.Username = cfg.Identity.Nick
	}
	if cfg.Identity.Realname == "" {
		cfg.Identity.Realname = cfg.Identity.Nick
	}

	if meta.IsDefined("sasl", "enabled") {
		cfg.SASL.Enabled = raw.SASL.Enabled
	}
	if meta.IsDefined("sasl", "mechanisms") {
		cfg.SASL.Mechanisms = normalizeList(raw.SASL.Mechanisms, strings.ToUpper)
	}
	if meta.IsDefined("sasl", "username") {
		cfg.SASL.Username = strings.TrimSpace(raw.SASL.Username)
	}
	if meta.IsDefined("sasl", "password") {
		cfg.SASL.Password = raw.SASL.Password
	}
	if meta.IsDefined("sasl", "use_keychain") {
		cfg.SASL.UseKeychain = raw.SASL.UseKeychain
	}
	if meta.IsDefined("sasl", "required") {
		cfg.SASL.Required = raw.SASL.Required
	}
	if meta.IsDefined("sasl", "cert_file") {
		cfg.SASL.CertFile = strings.TrimSpace(raw.SASL.CertFile)
	}
	if meta.IsDefined("sasl", "key_file") {
		cfg.SASL.KeyFile = strings.TrimSpace(raw.SASL.KeyFile)
	}
	if cfg.SASL.Username == "" {
		cfg.SASL.Username = cfg.Identity.Nick
	}

	if meta.IsDefined("handshake", "cap_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Handshake.CapTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse handshake.cap_timeout: %v", ErrInvalid, err)
		}
		cfg.Handshake.CapTimeout = d
	}
	if meta.IsDefined("handshake", "max_nick_attempts") {
		cfg.Handshake.MaxNickAttempts = raw.Handshake.MaxNickAttempts
	}
	if meta.IsDefined("handshake", "max_sasl_attempts") {
		cfg.Handshake.MaxSASLAttempts = raw.Handshake.MaxSASLAttempts
	}

	if meta.IsDefined("tracking", "who") {
		cfg.Who = raw.Tracking.Who
	}
	if meta.IsDefined("lag", "interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Lag.Interval))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse lag.interval: %v", ErrInvalid, err)
		}
		cfg.LagInterval = d
	}
	if meta.IsDefined("autojoin", "channels") {
		cfg.AutoJoin = normalizeList(raw.AutoJoin.Channels, nil)
	}
	if meta.IsDefined("kickrejoin", "enabled") {
		cfg.KickRejoin.Enabled = raw.KickRejoin.Enabled
	}
	if meta.IsDefined("kickrejoin", "delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KickRejoin.Delay))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse kickrejoin.delay: %v", ErrInvalid, err)
		}
		cfg.KickRejoin.Delay = d
	}
	if meta.IsDefined("kickrejoin", "on_remove") {
		cfg.KickRejoin.OnRemove = raw.KickRejoin.OnRemove
	}
	if meta.IsDefined("storage", "path") {
		cfg.StoragePath = strings.TrimSpace(raw.Storage.Path)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("notify", "desktop") {
		cfg.Notify = raw.Notify.Desktop
	}
	if meta.IsDefined("extensions", "enabled") {
		cfg.Extensions = normalizeList(raw.Extensions.Enabled, nil)
	}

	return cfg, nil
}

func normalizeList(in []string, transform func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if transform != nil {
			v = transform(v)
		}
		out = append(out, v)
	}
	return out
}

// Validate checks the loaded values.
func (c Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("%w: network name is required", ErrInvalid)
	}
	if err := validation.ValidateServerAddress(c.Server.Address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Server.TLS && c.Server.StartTLS {
		return fmt.Errorf("%w: server.tls and server.starttls are mutually exclusive", ErrInvalid)
	}
	if err := validation.ValidateIdentity(c.Identity.Nick, c.Identity.Username, c.Identity.Realname); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.SASL.Enabled {
		if err := validation.ValidateMechanisms(c.SASL.Mechanisms); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if (c.SASL.CertFile == "") != (c.SASL.KeyFile == "") {
			return fmt.Errorf("%w: sasl.cert_file and sasl.key_file must be set together", ErrInvalid)
		}
	}
	if c.Handshake.CapTimeout <= 0 {
		return fmt.Errorf("%w: handshake.cap_timeout must be positive", ErrInvalid)
	}
	if c.Handshake.MaxNickAttempts <= 0 || c.Handshake.MaxSASLAttempts <= 0 {
		return fmt.Errorf("%w: attempt limits must be positive", ErrInvalid)
	}
	if c.LagInterval <= 0 {
		return fmt.Errorf("%w: lag.interval must be positive", ErrInvalid)
	}
	if c.KickRejoin.Delay <= 0 {
		return fmt.Errorf("%w: kickrejoin.delay must be positive", ErrInvalid)
	}
	for _, ch := range c.AutoJoin {
		name, _, _ := strings.Cut(ch, " ")
		if err := validation.ValidateChannelName(name); err != nil {
			return fmt.Errorf("%w: autojoin %q: %v", ErrInvalid, ch, err)
		}
	}
	return nil
}
