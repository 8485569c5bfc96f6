package handshake

import (
	"time"

	"github.com/matt0x6f/irc-engine/internal/extension"
)

// Options configures the built-in handshake units.
type Options struct {
	CapTimeout      time.Duration
	MaxNickAttempts int
	RequireTLS      bool
	SASL            SASLConfig
}

// Descriptors returns the handshake units for a catalog.
func Descriptors(opts Options) []extension.Descriptor {
	return []extension.Descriptor{
		{
			Name:            CapNegotiateName,
			Aliases:         []string{"cap"},
			DefaultPriority: StartTLSPriority,
			New:             func() extension.Unit { return NewCapNegotiate(opts.CapTimeout) },
		},
		{
			Name:            RegistrationName,
			Aliases:         []string{"BasicRFC"},
			Requires:        []string{CapNegotiateName},
			DefaultPriority: RegistrationPriority,
			New:             func() extension.Unit { return NewRegistration(opts.MaxNickAttempts) },
		},
		{
			Name:            StartTLSName,
			Requires:        []string{CapNegotiateName},
			DefaultPriority: StartTLSPriority,
			New:             func() extension.Unit { return NewStartTLS(opts.RequireTLS, opts.CapTimeout) },
		},
		{
			Name:            SASLName,
			Requires:        []string{CapNegotiateName, RegistrationName},
			DefaultPriority: SASLPriority,
			New:             func() extension.Unit { return NewSASL(opts.SASL) },
		},
		{
			Name:     SASLFallbackName,
			Requires: []string{SASLName},
			New:      func() extension.Unit { return NewSASLFallback() },
		},
		{
			Name:     UnderscoreName,
			Aliases:  []string{"altnick"},
			Requires: []string{RegistrationName},
			New:      func() extension.Unit { return NewUnderscoreAlt() },
		},
		{
			Name:     NumberSubName,
			Requires: []string{RegistrationName},
			New:      func() extension.Unit { return NewNumberSubstituteAlt() },
		},
	}
}
