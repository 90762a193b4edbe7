package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shelfwise/shelfwise/pkg/jobs"
)

type fakeEnqueuer struct {
	jobs []*jobs.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *jobs.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func TestJobHandler_EnqueuesSuccessor(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task := newTestTask(store, threePageSource(), newFakeApplier())
	enqueuer := &fakeEnqueuer{}
	handler := NewJobHandler(task, enqueuer, "imports")

	args := Args{ResourceID: "feed-1", RunID: "run-1", Force: true}
	payload, err := args.Marshal()
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}

	job := &jobs.Job{
		ID:            "job-1",
		Name:          JobName,
		Queue:         "imports",
		Payload:       payload,
		CorrelationID: "corr-1",
	}
	if err := handler(ctx, job); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(enqueuer.jobs) != 1 {
		t.Fatalf("expected one successor job, got %d", len(enqueuer.jobs))
	}
	successor := enqueuer.jobs[0]
	if successor.Name != JobName {
		t.Fatalf("unexpected successor name %q", successor.Name)
	}
	if successor.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id to propagate, got %q", successor.CorrelationID)
	}
	nextArgs, err := UnmarshalArgs(successor.Payload)
	if err != nil {
		t.Fatalf("unmarshal successor args: %v", err)
	}
	if nextArgs.Cursor != "A" {
		t.Fatalf("expected successor cursor A, got %q", nextArgs.Cursor)
	}
	if nextArgs.RunID != "run-1" {
		t.Fatalf("expected successor run id run-1, got %q", nextArgs.RunID)
	}
	if !nextArgs.Force {
		t.Fatal("expected Force to propagate to the successor")
	}
}

func TestJobHandler_TerminalPageEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task := newTestTask(store, threePageSource(), newFakeApplier())
	enqueuer := &fakeEnqueuer{}
	handler := NewJobHandler(task, enqueuer, "imports")

	args := Args{ResourceID: "feed-1", Cursor: "B", RunID: "run-1"}
	payload, err := args.Marshal()
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}

	if err := handler(ctx, &jobs.Job{ID: "job-1", Name: JobName, Queue: "imports", Payload: payload}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(enqueuer.jobs) != 0 {
		t.Fatalf("expected no successor jobs, got %d", len(enqueuer.jobs))
	}
}

func TestJobHandler_InvalidPayloadFails(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	task := newTestTask(store, threePageSource(), newFakeApplier())
	handler := NewJobHandler(task, &fakeEnqueuer{}, "imports")

	if err := handler(ctx, &jobs.Job{ID: "job-1", Name: JobName, Queue: "imports", Payload: []byte("{not json")}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestJobHandler_TransientFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	source := &fakeSource{err: errors.New("feed unavailable")}
	task := newTestTask(store, source, newFakeApplier())
	enqueuer := &fakeEnqueuer{}
	handler := NewJobHandler(task, enqueuer, "imports")

	args := Args{ResourceID: "feed-1", RunID: "run-1"}
	payload, err := args.Marshal()
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}

	if err := handler(ctx, &jobs.Job{ID: "job-1", Name: JobName, Queue: "imports", Payload: payload}); err == nil {
		t.Fatal("expected transient failure to propagate to the queue")
	}
	if len(enqueuer.jobs) != 0 {
		t.Fatalf("expected no successor after failure, got %d", len(enqueuer.jobs))
	}
}

func TestEnqueueWalk_AssignsRunID(t *testing.T) {
	ctx := context.Background()
	enqueuer := &fakeEnqueuer{}

	args, err := EnqueueWalk(ctx, enqueuer, Args{ResourceID: "feed-1"}, "", time.Time{})
	if err != nil {
		t.Fatalf("enqueue walk failed: %v", err)
	}
	if args.RunID == "" {
		t.Fatal("expected a generated run id")
	}
	if len(enqueuer.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(enqueuer.jobs))
	}
	if enqueuer.jobs[0].Queue != DefaultQueue {
		t.Fatalf("expected default queue, got %q", enqueuer.jobs[0].Queue)
	}

	decoded, err := UnmarshalArgs(enqueuer.jobs[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.RunID != args.RunID {
		t.Fatalf("payload run id %q does not match returned %q", decoded.RunID, args.RunID)
	}
}

func TestEnqueueWalk_InvalidArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := EnqueueWalk(ctx, &fakeEnqueuer{}, Args{}, "", time.Time{}); err == nil {
		t.Fatal("expected validation error for empty resource id")
	}
}

func TestEnqueueAll_StaggersStarts(t *testing.T) {
	ctx := context.Background()
	enqueuer := &fakeEnqueuer{}

	started, err := EnqueueAll(ctx, enqueuer, []string{"feed-1", " ", "feed-2"}, Args{CollectIdentifiers: true}, "imports")
	if err != nil {
		t.Fatalf("enqueue all failed: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 started walks, got %d", started)
	}
	if len(enqueuer.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(enqueuer.jobs))
	}

	first, err := UnmarshalArgs(enqueuer.jobs[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal first payload: %v", err)
	}
	second, err := UnmarshalArgs(enqueuer.jobs[1].Payload)
	if err != nil {
		t.Fatalf("unmarshal second payload: %v", err)
	}
	if first.RunID == second.RunID {
		t.Fatal("expected distinct run ids per resource")
	}
	if !first.CollectIdentifiers || !second.CollectIdentifiers {
		t.Fatal("expected CollectIdentifiers to propagate from the template")
	}
	if !enqueuer.jobs[1].RunAt.After(enqueuer.jobs[0].RunAt) {
		t.Fatal("expected later resources to start later")
	}
}
