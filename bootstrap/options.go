package bootstrap

import (
	"time"

	"github.com/kbukum/capdir/logger"
)

type options struct {
	logger          *logger.Logger
	gracefulTimeout time.Duration
	quiet           bool
}

// Option configures NewApp.
type Option func(*options)

// WithLogger replaces the logger built from the config's logging section.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGracefulTimeout bounds Shutdown.
func WithGracefulTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracefulTimeout = d
		}
	}
}

// WithQuietStartup suppresses the startup summary, for commands whose
// stdout is their result.
func WithQuietStartup() Option {
	return func(o *options) { o.quiet = true }
}
