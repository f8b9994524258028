// Package testlog configures the test-profile logger once per test binary
// and tags the current test name into the log stream.
package testlog

import (
	"testing"

	"github.com/rs/zerolog/log"

	"github.com/jtagd/jtagd/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
