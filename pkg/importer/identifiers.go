package importer

import (
	"context"
	"time"
)

// identifierSetTTL outlives the longest plausible feed walk so the set is
// still there when the reap step runs, then expires on its own if the run
// was abandoned.
const identifierSetTTL = 24 * time.Hour

// IdentifierStore is the slice of the coordination store the sink needs.
type IdentifierStore interface {
	Key(parts ...string) string
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// IdentifierSink accumulates every identifier seen during an exhaustive
// walk. The downstream reap step diffs it against the catalog to find
// records the feed no longer mentions.
type IdentifierSink struct {
	store IdentifierStore
	key   string
}

// NewIdentifierSink creates a sink for one run.
func NewIdentifierSink(store IdentifierStore, runID string) *IdentifierSink {
	return &IdentifierSink{
		store: store,
		key:   store.Key("identifiers", runID),
	}
}

// Add records identifiers seen on the current page.
func (s *IdentifierSink) Add(ctx context.Context, identifiers ...string) error {
	return s.store.AddToSet(ctx, s.key, identifierSetTTL, identifiers...)
}

// Members returns every identifier collected so far.
func (s *IdentifierSink) Members(ctx context.Context) ([]string, error) {
	return s.store.SetMembers(ctx, s.key)
}

// Clear removes the collected set once the reap step has consumed it.
func (s *IdentifierSink) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, s.key)
}
