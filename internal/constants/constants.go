package constants

import "time"

// Handshake timing and limits
const (
	// CapNegotiationTimeout is how long to wait for a CAP LS reply before
	// assuming the server predates capability negotiation
	CapNegotiationTimeout = 15 * time.Second

	// CapVersion is the CAP LS version we advertise
	CapVersion = "302"

	// SASLChunkSize is the maximum size of one AUTHENTICATE payload
	SASLChunkSize = 400

	// MaxSASLAttempts bounds the number of AUTHENTICATE mechanism attempts
	MaxSASLAttempts = 3

	// MaxNickAttempts bounds the number of alternate nicknames tried during registration
	MaxNickAttempts = 5
)

// Tracking timing constants
const (
	// WhoDelay is the delay after joining a channel before querying WHO
	WhoDelay = 2 * time.Second

	// ModeQueryDelay is the delay after the end of NAMES before querying channel modes
	ModeQueryDelay = 5 * time.Second

	// KickRejoinDelay is the pause before rejoining a channel we were kicked from
	KickRejoinDelay = 5 * time.Second
)

// Connection timing constants
const (
	// LagCheckInterval is the interval between latency PINGs
	LagCheckInterval = 15 * time.Second

	// DialTimeout bounds the TCP/TLS dial
	DialTimeout = 30 * time.Second

	// ReconnectDelay is the pause before redialing after a lost connection
	ReconnectDelay = 10 * time.Second

	// MaxLineLength is the read buffer limit for a single line including tags
	MaxLineLength = 8191 + 512
)
