package main

import (
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/matt0x6f/irc-engine/internal/autojoin"
	"github.com/matt0x6f/irc-engine/internal/config"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/kickrejoin"
	"github.com/matt0x6f/irc-engine/internal/lag"
	"github.com/matt0x6f/irc-engine/internal/storage"
	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Network = "testnet"
	cfg.Server.Address = "irc.example.net:6697"
	cfg.Identity = config.Identity{Nick: "tester", Username: "tester", Realname: "Test User"}
	return cfg
}

func TestUnitNames(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		want    []string
		notWant []string
	}{
		{
			name:    "defaults",
			mutate:  func(*config.Config) {},
			want:    []string{handshake.CapNegotiateName, lag.Name, autojoin.Name},
			notWant: []string{handshake.StartTLSName, handshake.SASLName, kickrejoin.Name},
		},
		{
			name:   "kick rejoin",
			mutate: func(c *config.Config) { c.KickRejoin.Enabled = true },
			want:   []string{kickrejoin.Name},
		},
		{
			name: "starttls and sasl",
			mutate: func(c *config.Config) {
				c.Server.TLS = false
				c.Server.StartTLS = true
				c.SASL.Enabled = true
			},
			want: []string{handshake.StartTLSName, handshake.SASLName, handshake.SASLFallbackName},
		},
		{
			name: "require tls on plaintext",
			mutate: func(c *config.Config) {
				c.Server.TLS = false
				c.Server.RequireTLS = true
			},
			want: []string{handshake.StartTLSName},
		},
		{
			name: "lag disabled and extension dedupe",
			mutate: func(c *config.Config) {
				c.LagInterval = 0
				c.Extensions = []string{handshake.NumberSubName, autojoin.Name}
			},
			want:    []string{handshake.NumberSubName},
			notWant: []string{lag.Name},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			got := unitNames(cfg)
			for _, w := range tt.want {
				if !slices.Contains(got, w) {
					t.Errorf("missing %s in %v", w, got)
				}
			}
			for _, w := range tt.notWant {
				if slices.Contains(got, w) {
					t.Errorf("unexpected %s in %v", w, got)
				}
			}
			seen := map[string]bool{}
			for _, name := range got {
				if seen[name] {
					t.Errorf("duplicate unit %s", name)
				}
				seen[name] = true
			}
		})
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequireTLS = true
	cfg.SASL = config.SASL{Enabled: true, Mechanisms: []string{"PLAIN"}, Username: "acct", Required: true}
	cfg.Handshake.MaxSASLAttempts = 2
	cfg.Who = false
	cfg.AutoJoin = []string{"#a key", "  ", "#b"}
	cfg.KickRejoin = config.KickRejoin{Enabled: true, Delay: 3 * time.Second, OnRemove: true}

	opts := sessionOptions(cfg, "hunter2")
	if opts.Handshake.SASL.Password != "hunter2" || opts.Handshake.SASL.Username != "acct" {
		t.Errorf("sasl = %+v", opts.Handshake.SASL)
	}
	if !opts.Handshake.SASL.Required || opts.Handshake.SASL.MaxAttempts != 2 || !opts.Handshake.RequireTLS {
		t.Errorf("handshake = %+v", opts.Handshake)
	}
	if opts.Tracking.Who {
		t.Error("WHO left enabled")
	}
	if opts.KickRejoin != (kickrejoin.Options{Delay: 3 * time.Second, OnRemove: true}) {
		t.Errorf("kickrejoin = %+v", opts.KickRejoin)
	}
	want := []autojoin.Entry{{Channel: "#a", Key: "key"}, {Channel: "#b"}}
	if !slices.Equal(opts.AutoJoin, want) {
		t.Errorf("autojoin = %+v, want %+v", opts.AutoJoin, want)
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.InsecureSkipVerify = true
	tc, err := clientTLSConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !tc.InsecureSkipVerify || len(tc.Certificates) != 0 {
		t.Fatalf("tls config = %+v", tc)
	}

	cfg.SASL.CertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.SASL.KeyFile = cfg.SASL.CertFile
	if _, err := clientTLSConfig(cfg); err == nil {
		t.Fatal("missing certificate accepted")
	}
}

func TestNewAppKeepsNetworkProfile(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.StoragePath = filepath.Join(t.TempDir(), "data", "engine.db")

	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	firstID := app.networkID
	app.Close()

	cfg.Identity.Nick = "renamed"
	app, err = NewApp(cfg)
	if err != nil {
		t.Fatalf("second NewApp() error = %v", err)
	}
	if app.networkID != firstID {
		t.Fatalf("network id = %d, want %d", app.networkID, firstID)
	}
	app.Close()

	store, err := storage.NewStorage(cfg.StoragePath, 10, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	network, err := store.GetNetworkByName("testnet")
	if err != nil {
		t.Fatal(err)
	}
	if network.Nickname != "renamed" {
		t.Fatalf("nickname = %q", network.Nickname)
	}
}
