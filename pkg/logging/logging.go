// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing to w. format "console" selects a human-readable
// writer; anything else emits JSON lines. Unknown levels fall back to info.
// The logger also becomes zerolog.DefaultContextLogger so zerolog.Ctx on a
// context without a logger still writes somewhere.
func New(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "chatrelay").Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}
