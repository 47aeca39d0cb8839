// Package logging builds the zerolog loggers used by every component.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides
const (
	EnvLevel   = "ZENTALK_LOG_LEVEL"
	EnvFormat  = "ZENTALK_LOG_FORMAT"
	EnvNoColor = "ZENTALK_LOG_NOCOLOR"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options selects level and output shape
type Options struct {
	Level   string
	Format  string
	NoColor bool
	Out     io.Writer
}

// FromEnv overlays environment overrides on opts
func FromEnv(opts Options) Options {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		opts.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFormat)); v != "" {
		opts.Format = v
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvNoColor)); err == nil {
		opts.NoColor = v
	}
	return opts
}

// ParseLevel parses a level name, defaulting to info
func ParseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// New builds a logger tagged with component
func New(component string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	if !strings.EqualFold(opts.Format, FormatJSON) {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
