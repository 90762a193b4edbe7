package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelfwise/shelfwise/pkg/lock"
	"github.com/shelfwise/shelfwise/pkg/observability/logger"
)

const (
	defaultResourceLockTTL   = 5 * time.Minute
	defaultRecordLockTTL     = 30 * time.Second
	defaultRecordLockTimeout = 10 * time.Second
)

// TaskConfig holds cursor task lock tuning.
type TaskConfig struct {
	// ResourceLockTTL covers one invocation's page processing.
	ResourceLockTTL time.Duration
	// RecordLockTTL covers one record's catalog mutation.
	RecordLockTTL time.Duration
	// RecordLockTimeout bounds the blocking wait for a contended record
	// lock. Exhausting it fails the invocation as a transient error.
	RecordLockTimeout time.Duration
}

func (c *TaskConfig) normalize() {
	if c.ResourceLockTTL <= 0 {
		c.ResourceLockTTL = defaultResourceLockTTL
	}
	if c.RecordLockTTL <= 0 {
		c.RecordLockTTL = defaultRecordLockTTL
	}
	if c.RecordLockTimeout <= 0 {
		c.RecordLockTimeout = defaultRecordLockTimeout
	}
}

// TaskOption customizes a Task.
type TaskOption func(*Task)

// WithIdentifierSink collects every seen identifier when the args request it.
func WithIdentifierSink(sink *IdentifierSink) TaskOption {
	return func(t *Task) {
		t.sink = sink
	}
}

// WithCompletionHook runs after the terminal page of a walk, once the
// resource lock is released. Used to chain a downstream step such as a reap
// pass over the collected identifiers.
func WithCompletionHook(hook func(ctx context.Context, args Args, stats Stats) error) TaskOption {
	return func(t *Task) {
		t.onComplete = hook
	}
}

// Task walks one resource's paginated feed, one page per invocation.
type Task struct {
	config  TaskConfig
	store   lock.Store
	source  PageSource
	applier Applier
	logger  logger.Logger

	sink       *IdentifierSink
	onComplete func(ctx context.Context, args Args, stats Stats) error
}

// NewTask creates a cursor task over one page source and apply collaborator.
func NewTask(cfg TaskConfig, store lock.Store, source PageSource, applier Applier, log logger.Logger, opts ...TaskOption) *Task {
	cfg.normalize()
	t := &Task{
		config:  cfg,
		store:   store,
		source:  source,
		applier: applier,
		logger:  log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run executes one invocation: acquire the resource lock, process the page
// at args.Cursor, and decide continuation. A transient failure is returned
// as an error with a zero Outcome so the task queue retries the whole
// invocation; the cursor only advances through a returned successor.
func (t *Task) Run(ctx context.Context, args Args) (Outcome, error) {
	if err := args.Validate(); err != nil {
		return Outcome{}, err
	}

	ctx = logger.ContextWithRunID(ctx, args.RunID)
	log := t.logger.WithContext(ctx).With("resource_id", args.ResourceID, "cursor", args.Cursor)

	resourceLock := lock.New(t.store, log, "import", args.ResourceID,
		lock.WithOwnerToken("run:"+args.RunID),
		lock.WithTTL(t.config.ResourceLockTTL),
	)

	var outcome Outcome
	err := resourceLock.With(ctx, lock.WithConfig{}, func(ctx context.Context) error {
		var err error
		outcome, err = t.processPage(ctx, log, args)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Info("resource is locked by another invocation, skipping")
		recordPageOutcome(args.ResourceID, OutcomeSkipped)
		return Outcome{Kind: OutcomeSkipped}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	recordPageOutcome(args.ResourceID, outcome.Kind)
	if outcome.Kind == OutcomeCompleted && t.onComplete != nil {
		if err := t.onComplete(ctx, args, outcome.Stats); err != nil {
			return Outcome{}, fmt.Errorf("completion hook failed: %w", err)
		}
	}
	return outcome, nil
}

func (t *Task) processPage(ctx context.Context, log logger.Logger, args Args) (Outcome, error) {
	page, err := t.source.Fetch(ctx, args.ResourceID, args.Cursor)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to fetch page for %s: %w", args.ResourceID, err)
	}

	var (
		stats          Stats
		foundUnchanged bool
		identifiers    = make([]string, 0, len(page.Records))
	)
	for _, record := range page.Records {
		if record.Identifier == "" {
			log.Warn("record without identifier on page, skipping")
			stats.Failed++
			recordDisposition(args.ResourceID, DispositionFailed)
			continue
		}
		identifiers = append(identifiers, record.Identifier)

		result, err := t.applyRecord(ctx, args, record)
		if err != nil {
			return Outcome{}, err
		}
		recordDisposition(args.ResourceID, result.Disposition)

		switch result.Disposition {
		case DispositionApplied:
			stats.Applied++
		case DispositionUnchanged:
			foundUnchanged = true
			stats.Unchanged++
		case DispositionFailed:
			log.Warn("record failed permanently",
				"identifier", record.Identifier,
				"reason", result.Reason,
			)
			stats.Failed++
		}
	}

	if args.CollectIdentifiers && t.sink != nil {
		if err := t.sink.Add(ctx, identifiers...); err != nil {
			return Outcome{}, fmt.Errorf("failed to collect identifiers: %w", err)
		}
	}

	log.Info("page processed",
		"applied", stats.Applied,
		"unchanged", stats.Unchanged,
		"failed", stats.Failed,
		"next_cursor", page.NextCursor,
	)

	if page.NextCursor != "" && (!foundUnchanged || args.Exhaustive()) {
		next := args
		next.Cursor = page.NextCursor
		return Outcome{Kind: OutcomeContinued, NextArgs: &next, Stats: stats}, nil
	}
	return Outcome{Kind: OutcomeCompleted, Stats: stats}, nil
}

// applyRecord hands one record to the apply collaborator under its
// per-identifier lock, so two pages or collections can never race on the
// same catalog entity.
func (t *Task) applyRecord(ctx context.Context, args Args, record Record) (ApplyResult, error) {
	recordLock := lock.New(t.store, t.logger, "record", record.Identifier,
		lock.WithOwnerToken("run:"+args.RunID),
		lock.WithTTL(t.config.RecordLockTTL),
	)

	var result ApplyResult
	err := recordLock.With(ctx, lock.WithConfig{Blocking: true, Timeout: t.config.RecordLockTimeout}, func(ctx context.Context) error {
		var err error
		result, err = t.applier.Apply(ctx, record)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return ApplyResult{}, fmt.Errorf("record %s is locked by another writer: %w", record.Identifier, err)
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to apply record %s: %w", record.Identifier, err)
	}
	return result, nil
}
