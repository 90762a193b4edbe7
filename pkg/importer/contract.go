// Package importer implements resumable cursor tasks: units of work that
// process one page of an externally-paginated feed, then either finish or
// hand an updated cursor to their successor. All continuation state travels
// through task arguments; no invocation assumes in-memory state from a
// prior one.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is one feed entry. The identifier keys the per-record mutation
// lock; the payload is opaque to this layer.
type Record struct {
	Identifier string
	Payload    []byte
}

// Page is one fetch result. An empty NextCursor marks the end of the feed.
type Page struct {
	Records    []Record
	NextCursor string
}

// PageSource fetches one page of the external feed. An empty cursor means
// the first page.
type PageSource interface {
	Fetch(ctx context.Context, resourceID, cursor string) (Page, error)
}

// Disposition classifies the result of applying one record.
type Disposition int

const (
	// DispositionApplied means the catalog was mutated for this record.
	DispositionApplied Disposition = iota
	// DispositionUnchanged means the record already matched current state.
	// Routine incremental syncs stop paginating once they see one.
	DispositionUnchanged
	// DispositionFailed means a permanent per-record failure. It is
	// recorded and the page continues; it never aborts the invocation.
	DispositionFailed
)

func (d Disposition) String() string {
	switch d {
	case DispositionApplied:
		return "applied"
	case DispositionUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// ApplyResult is the apply collaborator's verdict on one record.
type ApplyResult struct {
	Disposition Disposition
	Reason      string
}

// Applier mutates the catalog for one record. A returned error is treated
// as transient and fails the whole invocation so the task queue retries it;
// permanent rejection is expressed as DispositionFailed instead.
type Applier interface {
	Apply(ctx context.Context, record Record) (ApplyResult, error)
}

// Args is the complete continuation state of a cursor task. It must carry
// everything needed to resume; re-enqueueing passes it verbatim with an
// updated cursor.
type Args struct {
	ResourceID string `json:"resource_id"`
	Cursor     string `json:"cursor,omitempty"`
	// Force requests exhaustive traversal: pagination continues past
	// unchanged records to the end of the feed.
	Force bool `json:"force,omitempty"`
	// CollectIdentifiers records every seen identifier for a subsequent
	// reap pass. Implies exhaustive traversal.
	CollectIdentifiers bool `json:"collect_identifiers,omitempty"`
	// RunID identifies the logical run across invocations and retries.
	// Lock owner tokens derive from it so a retry re-enters its own
	// leases instead of contending with them.
	RunID string `json:"run_id"`
}

// Validate checks that the args can drive an invocation.
func (a Args) Validate() error {
	var errs []error
	if strings.TrimSpace(a.ResourceID) == "" {
		errs = append(errs, errors.New("resource id is required"))
	}
	if strings.TrimSpace(a.RunID) == "" {
		errs = append(errs, errors.New("run id is required"))
	}
	return errors.Join(errs...)
}

// Exhaustive reports whether the walk must visit every page regardless of
// unchanged records.
func (a Args) Exhaustive() bool {
	return a.Force || a.CollectIdentifiers
}

// Marshal encodes args for a task payload.
func (a Args) Marshal() ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task args: %w", err)
	}
	return payload, nil
}

// UnmarshalArgs decodes a task payload.
func UnmarshalArgs(payload []byte) (Args, error) {
	var args Args
	if err := json.Unmarshal(payload, &args); err != nil {
		return Args{}, fmt.Errorf("failed to decode task args: %w", err)
	}
	if err := args.Validate(); err != nil {
		return Args{}, err
	}
	return args, nil
}

// Stats summarizes one invocation's record dispositions.
type Stats struct {
	Applied   int
	Unchanged int
	Failed    int
}

// Total returns the number of records processed.
func (s Stats) Total() int {
	return s.Applied + s.Unchanged + s.Failed
}

// OutcomeKind tags the result of one invocation.
type OutcomeKind int

const (
	// OutcomeCompleted means the walk finished; no successor is enqueued.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeContinued means a successor invocation must run with
	// Outcome.NextArgs.
	OutcomeContinued
	// OutcomeSkipped means another invocation holds the resource lock;
	// nothing was processed.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeContinued:
		return "continued"
	default:
		return "skipped"
	}
}

// Outcome is the tagged result of one invocation. Transient failures are
// returned as ordinary errors alongside a zero Outcome, so the task queue's
// retry bookkeeping stays the single source of truth.
type Outcome struct {
	Kind     OutcomeKind
	NextArgs *Args
	Stats    Stats
}
