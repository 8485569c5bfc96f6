package irc

import (
	"time"

	"github.com/matt0x6f/irc-engine/internal/autojoin"
	"github.com/matt0x6f/irc-engine/internal/extension"
	"github.com/matt0x6f/irc-engine/internal/handshake"
	"github.com/matt0x6f/irc-engine/internal/isupport"
	"github.com/matt0x6f/irc-engine/internal/kickrejoin"
	"github.com/matt0x6f/irc-engine/internal/lag"
	"github.com/matt0x6f/irc-engine/internal/tracking"
)

// Options parameterizes the built-in units.
type Options struct {
	Handshake   handshake.Options
	Tracking    tracking.TrackOptions
	LagInterval time.Duration
	// Now is the clock used for lag samples; nil means time.Now.
	Now            func() time.Time
	AutoJoin       []autojoin.Entry
	AutoJoinSource autojoin.Source
	KickRejoin     kickrejoin.Options
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{Tracking: tracking.DefaultTrackOptions()}
}

// NewCatalog returns every built-in unit.
func NewCatalog(opts Options) *extension.Catalog {
	descs := handshake.Descriptors(opts.Handshake)
	descs = append(descs, isupport.Descriptor())
	descs = append(descs, tracking.Descriptors(opts.Tracking)...)
	descs = append(descs,
		lag.Descriptor(opts.LagInterval, opts.Now),
		autojoin.Descriptor(opts.AutoJoin, opts.AutoJoinSource),
		kickrejoin.Descriptor(opts.KickRejoin),
	)
	return extension.NewCatalog(descs...)
}

// DefaultUnits is the unit set of a plain connection: handshake, server
// features, nick fallback and tracking.
var DefaultUnits = []string{
	handshake.CapNegotiateName,
	handshake.RegistrationName,
	handshake.UnderscoreName,
	isupport.Name,
	tracking.TrackName,
}
