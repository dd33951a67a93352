package quotaguard

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/quotaguard/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LimitConfig caps one operation type's call volume. RequestsPerMinute
// caps burst rate; RequestsPerHour and RequestsPerDay cap sustained
// volume; DailyQuotaUnits caps provider-reported cost units per UTC day
// (0 disables the cost quota).
type LimitConfig struct {
	RequestsPerMinute int   `validate:"min=1"`
	RequestsPerHour   int   `validate:"min=1"`
	RequestsPerDay    int   `validate:"min=1"`
	DailyQuotaUnits   int64 `validate:"min=0"`
}

// RetryConfig shapes the retry combinator's backoff on provider quota
// errors.
type RetryConfig struct {
	// MaxRetries bounds retries after the first attempt (so a call runs
	// at most MaxRetries+1 times).
	MaxRetries int `validate:"min=0"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier scales the delay after each retry. Must be >= 1.
	BackoffMultiplier float64

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// RetryableFunc decides whether a provider error is worth retrying.
	// Defaults to IsQuotaExceeded. All other errors are returned
	// unchanged on the first occurrence.
	RetryableFunc func(error) bool
}

// DefaultRetryConfig returns the retry policy used when Config.Retry is
// left zero: 3 retries, 1s initial backoff doubling up to 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        60 * time.Second,
		RetryableFunc:     IsQuotaExceeded,
	}
}

// Config is the limiter's full configuration. Limits must cover every
// operation the caller will gate; an operation without limits is
// rejected at call time with ErrUnknownOperation.
type Config struct {
	Limits map[store.Operation]LimitConfig
	Retry  RetryConfig
}

// Validate checks the configuration eagerly so misconfiguration fails
// at construction, not at first use. Beyond per-field bounds it
// enforces cross-window consistency: hour <= minute*60 and day <=
// hour*24, so every configured window is actually reachable rather
// than a dead letter behind a tighter short window.
func (c *Config) Validate() error {
	if len(c.Limits) == 0 {
		return fmt.Errorf("%w: no operation limits configured", ErrInvalidConfig)
	}

	for op, lc := range c.Limits {
		if !op.Valid() {
			return fmt.Errorf("%w: unrecognized operation %q", ErrInvalidConfig, op)
		}
		if err := validate.Struct(lc); err != nil {
			return fmt.Errorf("%w: limits for %s: %w", ErrInvalidConfig, op, err)
		}
		if lc.RequestsPerHour > lc.RequestsPerMinute*60 {
			return fmt.Errorf("%w: %s: hour limit %d is unreachable, minute limit %d allows at most %d per hour",
				ErrInvalidConfig, op, lc.RequestsPerHour, lc.RequestsPerMinute, lc.RequestsPerMinute*60)
		}
		if lc.RequestsPerDay > lc.RequestsPerHour*24 {
			return fmt.Errorf("%w: %s: day limit %d is unreachable, hour limit %d allows at most %d per day",
				ErrInvalidConfig, op, lc.RequestsPerDay, lc.RequestsPerHour, lc.RequestsPerHour*24)
		}
	}

	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier %v must be >= 1", ErrInvalidConfig, c.Retry.BackoffMultiplier)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}

	return nil
}

// withRetryDefaults fills unset retry fields from DefaultRetryConfig.
func (c *Config) withRetryDefaults() {
	def := DefaultRetryConfig()
	if c.Retry.MaxRetries == 0 && c.Retry.InitialBackoff == 0 {
		c.Retry.MaxRetries = def.MaxRetries
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = def.InitialBackoff
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = def.MaxBackoff
	}
	if c.Retry.RetryableFunc == nil {
		c.Retry.RetryableFunc = def.RetryableFunc
	}
}
