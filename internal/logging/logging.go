// Package logging builds the zerolog loggers used by the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config controls logger construction.
type Config struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Format  string `mapstructure:"format" yaml:"format"`
	NoColor bool   `mapstructure:"no_color" yaml:"no_color"`
	// Output defaults to os.Stderr.
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatAuto
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
}

// Validate checks level and format.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case FormatAuto, FormatConsole, FormatJSON, "pretty", "text":
		return nil
	default:
		return fmt.Errorf("log format must be one of auto, console, json (got: %s)", c.Format)
	}
}

// ParseLevel accepts zerolog level names plus "warning" and "off".
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none":
		return zerolog.Disabled, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// New builds a logger. The "auto" format selects the console writer when the
// output is a terminal and JSON otherwise.
func New(cfg Config) (zerolog.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), err
	}
	level, _ := ParseLevel(cfg.Level)

	var zl zerolog.Logger
	if useConsole(cfg) {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        cfg.Output,
			NoColor:    cfg.NoColor || !isTerminal(cfg.Output),
			TimeFormat: time.TimeOnly,
		})
	} else {
		zl = zerolog.New(cfg.Output)
	}
	return zl.Level(level).With().Timestamp().Logger(), nil
}

func useConsole(cfg Config) bool {
	switch strings.ToLower(cfg.Format) {
	case FormatConsole, "pretty", "text":
		return true
	case FormatJSON:
		return false
	default:
		return isTerminal(cfg.Output)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
