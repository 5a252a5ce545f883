package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrRetryWindowElapsed is joined with the last error when the next
// backoff would end past MaxElapsed.
var ErrRetryWindowElapsed = errors.New("retry window elapsed")

// UnlimitedAttempts lifts the attempt bound. Retry then stops only on
// success, a non-retryable error, context end or MaxElapsed.
const UnlimitedAttempts = -1

// RetryConfig configures Retry. Zero values select the defaults of
// DefaultRetryConfig.
type RetryConfig struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	// MaxElapsed bounds the time since Since. Zero disables it.
	MaxElapsed time.Duration
	// Since anchors MaxElapsed; zero means the first attempt.
	Since          time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter spreads each backoff by up to ±Jitter of its value.
	Jitter  float64
	RetryIf func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, backoff time.Duration)
	Clock   clock.Clock
}

// DefaultRetryConfig makes 3 attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.1,
		RetryIf:        DefaultRetryIf,
	}
}

// DefaultRetryIf retries everything except context errors.
func DefaultRetryIf(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts == 0 || c.MaxAttempts < UnlimitedAttempts {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.RetryIf == nil {
		c.RetryIf = def.RetryIf
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Since.IsZero() {
		c.Since = c.Clock.Now()
	}
	return c
}

// backoff is the wait after the given failed attempt, counting from 1.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	switch {
	case math.IsNaN(d) || d > float64(c.MaxBackoff):
		return c.MaxBackoff
	case d < 0:
		return c.InitialBackoff
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds or the policy in cfg gives up, and
// returns the last result.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !cfg.RetryIf(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		wait := cfg.backoff(attempt)
		if cfg.MaxElapsed > 0 && cfg.Clock.Since(cfg.Since)+wait > cfg.MaxElapsed {
			return zero, errors.Join(ErrRetryWindowElapsed, err)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		t := cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// RetryFunc is Retry for functions without a result.
func RetryFunc(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := Retry(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
