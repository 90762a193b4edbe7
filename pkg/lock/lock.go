// Package lock implements distributed lease locks over the coordination
// store. A lock is a single namespaced key holding an owner token with a TTL.
// Acquisition is atomic set-if-absent; release and extension are atomic
// compare-then-act so a delayed call from a previous owner can never remove
// or renew a lease that has since changed hands.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/shelfwise/shelfwise/pkg/observability/logger"
	redisstore "github.com/shelfwise/shelfwise/pkg/store/redis"
)

const (
	// DefaultTTL is the lease duration when no override is given. Long
	// enough for one page of feed processing, short enough that a crashed
	// worker frees the resource quickly.
	DefaultTTL = 5 * time.Minute

	// DefaultRetryDelay bounds the random sleep between blocking
	// acquisition attempts.
	DefaultRetryDelay = 200 * time.Millisecond
)

// ErrNotAcquired is returned by the scoped helper when the lock could not be
// taken. Contention is an expected condition, not a failure of the store.
var ErrNotAcquired = errors.New("lock not acquired")

// Status reports the result of an acquisition attempt.
type Status int

const (
	// StatusFailed means another owner holds the lease.
	StatusFailed Status = iota
	// StatusAcquired means the lease was newly taken.
	StatusAcquired
	// StatusExtended means this owner already held the lease and its TTL
	// was refreshed.
	StatusExtended
	// StatusTimedOut means a blocking acquire exhausted its deadline.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "acquired"
	case StatusExtended:
		return "extended"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Acquired reports whether the caller now holds the lease.
func (s Status) Acquired() bool {
	return s == StatusAcquired || s == StatusExtended
}

// Store is the slice of the coordination store the lock needs.
type Store interface {
	Key(parts ...string) string
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (previous string, stored bool, err error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	CompareAndExtend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
}

// Option customizes a LeaseLock.
type Option func(*LeaseLock)

// WithTTL overrides the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(l *LeaseLock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay overrides the blocking-acquire retry bound.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *LeaseLock) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithOwnerToken sets an explicit owner token. Retries of the same logical
// task pass the task's root identifier here so a retry re-acquires, rather
// than contends with, its own abandoned lease.
func WithOwnerToken(token string) Option {
	return func(l *LeaseLock) {
		if token != "" {
			l.token = token
		}
	}
}

// LeaseLock is an exclusive lease on one named resource.
type LeaseLock struct {
	store      Store
	logger     logger.Logger
	key        string
	token      string
	ttl        time.Duration
	retryDelay time.Duration
}

// New creates a lease lock for one resource. The store key is namespaced as
// lock:{lockType}:{resourceID}.
func New(store Store, log logger.Logger, lockType, resourceID string, opts ...Option) *LeaseLock {
	l := &LeaseLock{
		store:      store,
		logger:     log,
		key:        store.Key("lock", lockType, resourceID),
		token:      uuid.NewString(),
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the coordination store key backing this lock.
func (l *LeaseLock) Key() string {
	return l.key
}

// Token returns this lock's owner token.
func (l *LeaseLock) Token() string {
	return l.token
}

// Acquire attempts to take the lease without blocking. Re-acquiring a lease
// this token already holds refreshes the TTL and reports StatusExtended, so
// a long-lived task can renew by calling Acquire again.
func (l *LeaseLock) Acquire(ctx context.Context) (Status, error) {
	previous, stored, err := l.store.SetIfAbsent(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return StatusFailed, fmt.Errorf("lock acquire failed for %s: %w", l.key, err)
	}
	if stored {
		return StatusAcquired, nil
	}
	if previous != l.token {
		return StatusFailed, nil
	}

	// We already hold the lease. Refresh it, tolerating the narrow window
	// where it expired between the set attempt and now.
	extended, err := l.store.CompareAndExtend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return StatusFailed, fmt.Errorf("lock extend failed for %s: %w", l.key, err)
	}
	if !extended {
		return l.Acquire(ctx)
	}
	return StatusExtended, nil
}

// AcquireBlocking retries Acquire at random intervals in (0, retryDelay]
// until it succeeds, the timeout elapses, or the context is cancelled. The
// random interval keeps many contending workers from retrying in lockstep.
func (l *LeaseLock) AcquireBlocking(ctx context.Context, timeout time.Duration) (Status, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := l.Acquire(ctx)
		if err != nil {
			return status, err
		}
		if status.Acquired() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return StatusTimedOut, nil
		}

		delay := time.Duration(rand.Int63n(int64(l.retryDelay))) + time.Millisecond
		select {
		case <-ctx.Done():
			return StatusTimedOut, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Release removes the lease iff this token still owns it. A stale release,
// where the lease expired and another owner took it, returns false and
// leaves the new owner's lock intact.
func (l *LeaseLock) Release(ctx context.Context) (bool, error) {
	released, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return false, fmt.Errorf("lock release failed for %s: %w", l.key, err)
	}
	return released, nil
}

// ExtendTimeout refreshes the lease TTL iff this token still owns it.
func (l *LeaseLock) ExtendTimeout(ctx context.Context) (bool, error) {
	extended, err := l.store.CompareAndExtend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lock extend failed for %s: %w", l.key, err)
	}
	return extended, nil
}

// Locked reports whether the lock is currently held. With byUs it reports
// whether this token is the holder. Best-effort introspection only; the
// answer can be stale by the time the caller acts on it.
func (l *LeaseLock) Locked(ctx context.Context, byUs bool) (bool, error) {
	value, err := l.store.Get(ctx, l.key)
	if errors.Is(err, redisstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock inspect failed for %s: %w", l.key, err)
	}
	if byUs {
		return value == l.token, nil
	}
	return true, nil
}

// WithConfig controls the scoped helper's acquisition and release policy.
type WithConfig struct {
	// Blocking selects AcquireBlocking with Timeout as the deadline.
	Blocking bool
	Timeout  time.Duration
	// HoldOnError keeps the lease on a failed body, leaving it to expire
	// by TTL. Default is to release.
	HoldOnError bool
	// HoldOnExit keeps the lease on a successful body.
	HoldOnExit bool
	// ExpectedExits lists sentinel errors that mark a deliberate early
	// exit, such as a task re-queueing itself. They take the normal-exit
	// release path instead of the error path.
	ExpectedExits []error
}

// With acquires the lock, runs fn, and releases according to cfg. When the
// lock is unavailable it returns ErrNotAcquired wrapped with the status and
// never runs fn.
func (l *LeaseLock) With(ctx context.Context, cfg WithConfig, fn func(context.Context) error) error {
	var (
		status Status
		err    error
	)
	if cfg.Blocking {
		status, err = l.AcquireBlocking(ctx, cfg.Timeout)
	} else {
		status, err = l.Acquire(ctx)
	}
	if err != nil {
		return err
	}
	if !status.Acquired() {
		return fmt.Errorf("%w: %s (%s)", ErrNotAcquired, l.key, status)
	}

	fnErr := fn(ctx)

	expected := fnErr == nil
	for _, sentinel := range cfg.ExpectedExits {
		if errors.Is(fnErr, sentinel) {
			expected = true
			break
		}
	}

	hold := cfg.HoldOnExit
	if !expected {
		hold = cfg.HoldOnError
	}
	if !hold {
		if released, relErr := l.Release(ctx); relErr != nil {
			l.logger.Warn("failed to release lock", "key", l.key, "error", relErr)
		} else if !released {
			l.logger.Warn("lock already held by another owner at release", "key", l.key)
		}
	}
	return fnErr
}
