package logger

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "IRCENGINE_LOG_LEVEL"
	EnvLogNoColor = "IRCENGINE_LOG_NOCOLOR"
)

// Profile selects the defaults applied by Configure
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

var (
	Log zerolog.Logger

	configureOnce sync.Once
)

func init() {
	// Configure ZeroLog in text mode with colors
	Log = newLogger(false)

	// Set default log level to Info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func newLogger(noColor bool) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Configure applies a profile once per process. Environment overrides win over
// the profile defaults.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		if profile == ProfileTest {
			level = zerolog.DebugLevel
		}
		if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		if noColor, err := strconv.ParseBool(os.Getenv(EnvLogNoColor)); err == nil {
			Log = newLogger(noColor)
		}
		zerolog.SetGlobalLevel(level)
	})
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config or environment string to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

// For returns a child of Log tagged with the component name
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
