// Package logging builds the service's zerolog logger and holds helpers
// for keeping personal data out of log lines.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output format
type Config struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
}

// New creates a logger writing to stderr
func New(cfg Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "mailmirror").Logger()
}

// MaskEmail keeps the first and last rune of each address part
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 2 {
			return strings.Repeat("*", len(part))
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	dParts := strings.Split(s[at+1:], ".")
	for i, p := range dParts[:len(dParts)-1] {
		dParts[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(dParts, ".")
}
