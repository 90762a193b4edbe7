package lock

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Operations applied by two competing owners in random order. Advancing the
// fake clock past the TTL simulates a crashed holder.
const (
	opAcquireA = iota
	opAcquireB
	opReleaseA
	opReleaseB
	opExtendA
	opExtendB
	opExpire
	opCount
)

func TestLeaseLock_Property_MutualExclusion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one owner ever holds a live lease", prop.ForAll(
		func(ops []int) bool {
			store := newFakeStore()
			ctx := context.Background()
			ttl := time.Minute

			a := New(store, nopLogger{}, "prop", "resource", WithTTL(ttl))
			b := New(store, nopLogger{}, "prop", "resource", WithTTL(ttl))

			for _, op := range ops {
				switch op {
				case opAcquireA, opAcquireB:
					self, other := a, b
					if op == opAcquireB {
						self, other = b, a
					}
					status, err := self.Acquire(ctx)
					if err != nil {
						return false
					}
					if status.Acquired() {
						if held, _ := self.Locked(ctx, true); !held {
							return false
						}
						if held, _ := other.Locked(ctx, true); held {
							return false
						}
					}
				case opReleaseA, opReleaseB:
					self, other := a, b
					if op == opReleaseB {
						self, other = b, a
					}
					heldBefore, _ := self.Locked(ctx, true)
					otherHeldBefore, _ := other.Locked(ctx, true)
					released, err := self.Release(ctx)
					if err != nil {
						return false
					}
					if released != heldBefore {
						return false
					}
					// A release must never disturb the other owner.
					if otherHeldBefore {
						if stillHeld, _ := other.Locked(ctx, true); !stillHeld {
							return false
						}
					}
				case opExtendA:
					heldBefore, _ := a.Locked(ctx, true)
					extended, err := a.ExtendTimeout(ctx)
					if err != nil || extended != heldBefore {
						return false
					}
				case opExtendB:
					heldBefore, _ := b.Locked(ctx, true)
					extended, err := b.ExtendTimeout(ctx)
					if err != nil || extended != heldBefore {
						return false
					}
				case opExpire:
					store.advance(2 * ttl)
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
