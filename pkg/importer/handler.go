package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shelfwise/shelfwise/pkg/jobs"
	"github.com/shelfwise/shelfwise/pkg/observability/tracing"
)

const (
	// JobName identifies one cursor task invocation on the queue.
	JobName = "import.page"
	// DefaultQueue is the queue cursor task jobs run on.
	DefaultQueue = "imports"

	// defaultFanOutSpread staggers the first invocations of a multi-resource
	// kickoff so they do not all hit the feed at once.
	defaultFanOutSpread = 2 * time.Second
)

// Enqueuer is the slice of the queue backend the importer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *jobs.Job) error
}

// NewJobHandler adapts a Task to the queue. The handler decodes continuation
// args from the payload, runs one invocation, and enqueues the successor when
// the walk continues. A transient invocation failure propagates so the queue
// retries with the same args.
func NewJobHandler(task *Task, enqueuer Enqueuer, queue string) jobs.Handler {
	queue = normalizeQueue(queue)
	return func(ctx context.Context, job *jobs.Job) error {
		args, err := UnmarshalArgs(job.Payload)
		if err != nil {
			return err
		}

		outcome, err := task.Run(ctx, args)
		if err != nil {
			return err
		}
		if outcome.Kind != OutcomeContinued {
			return nil
		}
		if outcome.NextArgs == nil {
			return errors.New("continued invocation without successor args")
		}

		successor, err := buildJob(*outcome.NextArgs, queue, time.Time{})
		if err != nil {
			return err
		}
		successor.CorrelationID = job.CorrelationID
		return enqueue(ctx, enqueuer, successor)
	}
}

// EnqueueWalk starts a feed walk for one resource. A zero runAt enqueues for
// immediate execution. An empty RunID gets a fresh one, so retries and lock
// ownership stay tied to this walk.
func EnqueueWalk(ctx context.Context, enqueuer Enqueuer, args Args, queue string, runAt time.Time) (Args, error) {
	if strings.TrimSpace(args.RunID) == "" {
		args.RunID = uuid.NewString()
	}
	if err := args.Validate(); err != nil {
		return Args{}, err
	}

	job, err := buildJob(args, normalizeQueue(queue), runAt)
	if err != nil {
		return Args{}, err
	}
	if err := enqueue(ctx, enqueuer, job); err != nil {
		return Args{}, err
	}
	return args, nil
}

// EnqueueAll fans a walk out over many resources, staggering their start so
// the first pages do not land on the feed simultaneously. The template args
// provide Force and CollectIdentifiers; each resource gets its own RunID.
func EnqueueAll(ctx context.Context, enqueuer Enqueuer, resourceIDs []string, template Args, queue string) (int, error) {
	started := 0
	now := time.Now().UTC()
	for idx, resourceID := range resourceIDs {
		resourceID = strings.TrimSpace(resourceID)
		if resourceID == "" {
			continue
		}
		args := template
		args.ResourceID = resourceID
		args.Cursor = ""
		args.RunID = ""

		runAt := now.Add(time.Duration(idx) * defaultFanOutSpread)
		if _, err := EnqueueWalk(ctx, enqueuer, args, queue, runAt); err != nil {
			return started, fmt.Errorf("failed to start walk for %s: %w", resourceID, err)
		}
		started++
	}
	return started, nil
}

func buildJob(args Args, queue string, runAt time.Time) (*jobs.Job, error) {
	payload, err := args.Marshal()
	if err != nil {
		return nil, err
	}
	return &jobs.Job{
		ID:      uuid.NewString(),
		Name:    JobName,
		Queue:   queue,
		Payload: payload,
		RunAt:   runAt,
	}, nil
}

func enqueue(ctx context.Context, enqueuer Enqueuer, job *jobs.Job) error {
	ctx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationJobEnqueue,
		tracing.WithJobQueue(job.Queue),
		tracing.WithJobID(job.ID),
		tracing.WithJobPayloadSize(len(job.Payload)),
	)
	defer span.End()

	if err := enqueuer.Enqueue(ctx, job); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to enqueue %s: %w", job.Name, err)
	}
	tracing.RecordSuccess(span)
	return nil
}

func normalizeQueue(queue string) string {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return DefaultQueue
	}
	return queue
}
