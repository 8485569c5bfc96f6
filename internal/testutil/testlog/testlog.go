package testlog

import (
	"testing"

	"github.com/matt0x6f/irc-engine/internal/logger"
)

// Start configures test logging and tags the run with the test name.
func Start(t *testing.T) {
	t.Helper()
	logger.Configure(logger.ProfileTest)
	logger.Log.Debug().Str("test", t.Name()).Msg("test started")
}
