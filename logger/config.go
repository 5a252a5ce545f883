package logger

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects level, format and destination of the process log.
type Config struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	// Output is stdout or stderr. One-shot CLI commands log to stderr so
	// stdout stays machine readable.
	Output  string `yaml:"output" mapstructure:"output"`
	NoColor bool   `yaml:"no_color" mapstructure:"no_color"`
	Caller  bool   `yaml:"caller" mapstructure:"caller"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatConsole
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
}

// Validate rejects unknown levels, formats and outputs.
func (c *Config) Validate() error {
	if _, err := c.level(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if f := strings.ToLower(c.Format); f != FormatJSON && f != FormatConsole {
		return fmt.Errorf("logging.format must be %s or %s (got: %s)", FormatJSON, FormatConsole, c.Format)
	}
	if o := strings.ToLower(c.Output); o != "" && !slices.Contains([]string{"stdout", "stderr"}, o) {
		return fmt.Errorf("logging.output must be stdout or stderr (got: %s)", c.Output)
	}
	return nil
}

func (c *Config) level() (zerolog.Level, error) {
	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown level %q", c.Level)
	}
	return lvl, nil
}
