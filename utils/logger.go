package utils

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger. Logs go to stderr as a console
// stream so the live progress display owns stdout.
func InitLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}).With().Timestamp().Logger()
}

// GetLogger tags a logger with the engine component emitting it: queue,
// downloader, chunk, aggregator, probe, client, checkpoint, verify, config.
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", strings.ToLower(component)).Logger()
}
