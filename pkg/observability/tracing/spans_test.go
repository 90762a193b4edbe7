package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartJobSpan(t *testing.T) {
	cases := []struct {
		name      string
		operation SpanOperation
		opts      []JobSpanOption
	}{
		{
			name:      "enqueue with queue",
			operation: SpanOperationJobEnqueue,
			opts:      []JobSpanOption{WithJobQueue("imports")},
		},
		{
			name:      "process with full attributes",
			operation: SpanOperationJobProcess,
			opts: []JobSpanOption{
				WithJobQueue("exports"),
				WithJobID("job-1"),
				WithJobPayloadSize(128),
			},
		},
		{
			name:      "no options",
			operation: SpanOperationJobProcess,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, span := StartJobSpan(context.Background(), tc.operation, tc.opts...)
			if ctx == nil {
				t.Fatal("StartJobSpan() returned nil context")
			}
			if span == nil {
				t.Fatal("StartJobSpan() returned nil span")
			}
			span.End()
		})
	}
}

func TestRecordErrorAndSuccess(t *testing.T) {
	_, span := StartJobSpan(context.Background(), SpanOperationJobProcess)
	defer span.End()

	// Both helpers must be safe on a no-op span.
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordSuccess(span)
}
