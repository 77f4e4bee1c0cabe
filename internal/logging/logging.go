package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/registry-backup/internal/version"
)

// Configure builds a zerolog logger from config values. Logs go to stderr so
// CLI output on stdout stays machine-readable.
func Configure(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New is Configure with an explicit destination.
func New(out io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("version", version.Version).Logger()
}
