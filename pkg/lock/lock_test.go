package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shelfwise/shelfwise/pkg/observability/logger"
	redisstore "github.com/shelfwise/shelfwise/pkg/store/redis"
)

type fakeEntry struct {
	value   string
	expires time.Time
}

// fakeStore implements Store in memory with a controllable clock, so lease
// expiry can be tested without waiting.
type fakeStore struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]fakeEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		entries: make(map[string]fakeEntry),
	}
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeStore) live(key string) (fakeEntry, bool) {
	entry, ok := f.entries[key]
	if !ok || f.now.After(entry.expires) {
		delete(f.entries, key)
		return fakeEntry{}, false
	}
	return entry, true
}

func (f *fakeStore) Key(parts ...string) string {
	key := "test"
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

func (f *fakeStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.live(key); ok {
		return entry.value, false, nil
	}
	f.entries[key] = fakeEntry{value: value, expires: f.now.Add(ttl)}
	return "", true, nil
}

func (f *fakeStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.live(key); ok && entry.value == value {
		delete(f.entries, key)
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) CompareAndExtend(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.live(key); ok && entry.value == value {
		f.entries[key] = fakeEntry{value: value, expires: f.now.Add(ttl)}
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.live(key); ok {
		return entry.value, nil
	}
	return "", redisstore.ErrNotFound
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                      {}
func (nopLogger) Info(string, ...any)                       {}
func (nopLogger) Warn(string, ...any)                       {}
func (nopLogger) Error(string, ...any)                      {}
func (n nopLogger) With(...any) logger.Logger               { return n }
func (n nopLogger) WithContext(context.Context) logger.Logger { return n }

func TestAcquire_FreshKey(t *testing.T) {
	store := newFakeStore()
	l := New(store, nopLogger{}, "import", "feed-1")

	status, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if status != StatusAcquired {
		t.Errorf("Acquire() = %v, want StatusAcquired", status)
	}
}

func TestAcquire_Contention(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1")
	b := New(store, nopLogger{}, "import", "feed-1")

	if status, _ := a.Acquire(ctx); status != StatusAcquired {
		t.Fatalf("first Acquire() = %v, want StatusAcquired", status)
	}
	status, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("contended Acquire() error = %v", err)
	}
	if status != StatusFailed {
		t.Errorf("contended Acquire() = %v, want StatusFailed", status)
	}
}

func TestAcquire_SameTokenExtends(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1", WithTTL(time.Minute))

	if status, _ := l.Acquire(ctx); status != StatusAcquired {
		t.Fatal("first acquire failed")
	}
	store.advance(30 * time.Second)

	status, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	if status != StatusExtended {
		t.Errorf("re-Acquire() = %v, want StatusExtended", status)
	}

	// The refreshed lease must outlive the original expiry.
	store.advance(45 * time.Second)
	if held, _ := l.Locked(ctx, true); !held {
		t.Error("lease expired despite extension")
	}
}

func TestAcquire_RetryReusesToken(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	first := New(store, nopLogger{}, "import", "feed-1", WithOwnerToken("task-root-1"))
	if status, _ := first.Acquire(ctx); status != StatusAcquired {
		t.Fatal("first acquire failed")
	}

	// A retry of the same logical task constructs a new lock with the same
	// root token and must get in as an extension, not contention.
	retry := New(store, nopLogger{}, "import", "feed-1", WithOwnerToken("task-root-1"))
	status, err := retry.Acquire(ctx)
	if err != nil {
		t.Fatalf("retry Acquire() error = %v", err)
	}
	if status != StatusExtended {
		t.Errorf("retry Acquire() = %v, want StatusExtended", status)
	}
}

func TestRelease(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1")

	l.Acquire(ctx)
	released, err := l.Release(ctx)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !released {
		t.Error("Release() = false, want true")
	}

	released, err = l.Release(ctx)
	if err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if released {
		t.Error("second Release() = true, want false")
	}
}

func TestRelease_StaleTokenLeavesNewOwner(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1", WithTTL(time.Minute))
	b := New(store, nopLogger{}, "import", "feed-1", WithTTL(time.Minute))

	a.Acquire(ctx)
	store.advance(2 * time.Minute)

	if status, _ := b.Acquire(ctx); status != StatusAcquired {
		t.Fatal("acquire after expiry failed")
	}

	released, err := a.Release(ctx)
	if err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	if released {
		t.Error("stale Release() = true, want false")
	}
	if held, _ := b.Locked(ctx, true); !held {
		t.Error("stale release removed the new owner's lease")
	}
}

func TestExtendTimeout(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1", WithTTL(time.Minute))

	l.Acquire(ctx)
	extended, err := l.ExtendTimeout(ctx)
	if err != nil {
		t.Fatalf("ExtendTimeout() error = %v", err)
	}
	if !extended {
		t.Error("ExtendTimeout() = false, want true")
	}

	store.advance(2 * time.Minute)
	extended, err = l.ExtendTimeout(ctx)
	if err != nil {
		t.Fatalf("ExtendTimeout() after expiry error = %v", err)
	}
	if extended {
		t.Error("ExtendTimeout() after expiry = true, want false")
	}
}

func TestLocked(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1")
	b := New(store, nopLogger{}, "import", "feed-1")

	if held, _ := a.Locked(ctx, false); held {
		t.Error("Locked() on free lock = true")
	}

	a.Acquire(ctx)
	if held, _ := a.Locked(ctx, true); !held {
		t.Error("Locked(byUs) by holder = false")
	}
	if held, _ := b.Locked(ctx, true); held {
		t.Error("Locked(byUs) by non-holder = true")
	}
	if held, _ := b.Locked(ctx, false); !held {
		t.Error("Locked() by non-holder = false, want true")
	}
}

func TestAcquireBlocking_TimesOut(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1")
	b := New(store, nopLogger{}, "import", "feed-1", WithRetryDelay(5*time.Millisecond))

	a.Acquire(ctx)
	status, err := b.AcquireBlocking(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireBlocking() error = %v", err)
	}
	if status != StatusTimedOut {
		t.Errorf("AcquireBlocking() = %v, want StatusTimedOut", status)
	}
}

func TestAcquireBlocking_SucceedsAfterRelease(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1")
	b := New(store, nopLogger{}, "import", "feed-1", WithRetryDelay(5*time.Millisecond))

	a.Acquire(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Release(ctx)
	}()

	status, err := b.AcquireBlocking(ctx, time.Second)
	if err != nil {
		t.Fatalf("AcquireBlocking() error = %v", err)
	}
	if status != StatusAcquired {
		t.Errorf("AcquireBlocking() = %v, want StatusAcquired", status)
	}
}

func TestWith_ReleasesAfterBody(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1")

	ran := false
	err := l.With(ctx, WithConfig{}, func(context.Context) error {
		ran = true
		if held, _ := l.Locked(ctx, true); !held {
			t.Error("lock not held inside body")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With() error = %v", err)
	}
	if !ran {
		t.Fatal("body did not run")
	}
	if held, _ := l.Locked(ctx, false); held {
		t.Error("lock still held after With()")
	}
}

func TestWith_ContentionReturnsErrNotAcquired(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	a := New(store, nopLogger{}, "import", "feed-1")
	b := New(store, nopLogger{}, "import", "feed-1")

	a.Acquire(ctx)
	err := b.With(ctx, WithConfig{}, func(context.Context) error {
		t.Fatal("body must not run without the lock")
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("With() error = %v, want ErrNotAcquired", err)
	}
}

func TestWith_ExpectedExitReleases(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1")

	requeued := errors.New("requeued")
	err := l.With(ctx, WithConfig{ExpectedExits: []error{requeued}}, func(context.Context) error {
		return requeued
	})
	if !errors.Is(err, requeued) {
		t.Fatalf("With() error = %v, want the sentinel", err)
	}
	if held, _ := l.Locked(ctx, false); held {
		t.Error("lock still held after expected exit")
	}
}

func TestWith_HoldOnErrorKeepsLease(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	l := New(store, nopLogger{}, "import", "feed-1")

	boom := errors.New("boom")
	err := l.With(ctx, WithConfig{HoldOnError: true}, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("With() error = %v, want boom", err)
	}
	if held, _ := l.Locked(ctx, true); !held {
		t.Error("lease released despite HoldOnError")
	}
}
