package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger routes global and context logging through the test's log
// output for the duration of the test, restoring the previous loggers on
// cleanup.
func SetupLogger(t *testing.T) {
	t.Helper()

	logger := zerolog.New(zerolog.NewTestWriter(t))

	previous := log.Logger
	previousContext := zerolog.DefaultContextLogger

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	t.Cleanup(func() {
		log.Logger = previous
		zerolog.DefaultContextLogger = previousContext
	})
}
