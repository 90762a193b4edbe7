package resilience

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidBackoff is returned when backoff parameters are out of range.
var ErrInvalidBackoff = errors.New("invalid backoff parameters")

// Backoff defaults shared by lock re-acquisition and job retry scheduling.
const (
	DefaultBackoffFactor = 3.0
	DefaultBackoffBase   = 3.0
	DefaultBackoffJitter = 0.3
)

// BackoffConfig parameterizes exponential backoff with jitter.
type BackoffConfig struct {
	// Factor scales the whole curve, in seconds.
	Factor float64
	// Base is the exponent base; the delay grows as Base^retries.
	Base float64
	// Jitter in [0, 1] spreads the delay uniformly over
	// [1-Jitter, 1+Jitter] of its nominal value, so many workers
	// retrying at once do not synchronize.
	Jitter float64
	// MaxDelay caps the computed delay when > 0.
	MaxDelay time.Duration
}

// DefaultBackoffConfig returns the backoff parameters used across the
// coordination layer unless a caller overrides them.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Factor: DefaultBackoffFactor,
		Base:   DefaultBackoffBase,
		Jitter: DefaultBackoffJitter,
	}
}

func (c BackoffConfig) validate() error {
	if c.Factor < 0 {
		return fmt.Errorf("%w: factor must be >= 0", ErrInvalidBackoff)
	}
	if c.Base <= 1 {
		return fmt.Errorf("%w: base must be > 1", ErrInvalidBackoff)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be between 0 and 1", ErrInvalidBackoff)
	}
	return nil
}

// Backoff computes the delay before retry number retries (0-based), as
// Factor * Base^retries seconds, spread by Jitter and capped at MaxDelay.
func Backoff(retries int, cfg BackoffConfig) (time.Duration, error) {
	if retries < 0 {
		return 0, fmt.Errorf("%w: retries must be >= 0", ErrInvalidBackoff)
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	seconds := cfg.Factor * math.Pow(cfg.Base, float64(retries))
	if cfg.Jitter > 0 {
		spread := 1 - cfg.Jitter + 2*cfg.Jitter*rand.Float64()
		seconds *= spread
	}

	delay := time.Duration(seconds * float64(time.Second))
	if delay < 0 {
		// Overflow from a huge retry count saturates at the cap.
		delay = time.Duration(math.MaxInt64)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay, nil
}

// BackoffOrDefault is Backoff with the default parameters, falling back to
// the cap when the inputs are out of range. Intended for retry paths that
// cannot surface a validation error.
func BackoffOrDefault(retries int, maxDelay time.Duration) time.Duration {
	cfg := DefaultBackoffConfig()
	cfg.MaxDelay = maxDelay
	delay, err := Backoff(retries, cfg)
	if err != nil {
		if maxDelay > 0 {
			return maxDelay
		}
		return time.Duration(DefaultBackoffFactor) * time.Second
	}
	return delay
}
