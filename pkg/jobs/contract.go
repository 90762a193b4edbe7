// Package jobs provides the task queue that drives import walks and export
// flushes: enqueue with optional delay, reserve under a lease, ack/nack with
// retry scheduling, and dead-letter routing for jobs that exhaust their
// attempts.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Job header constants carried through retries and DLQ moves.
const (
	// HeaderJobCorrelationID is the correlation identifier for tracing.
	HeaderJobCorrelationID = "job_correlation_id"
	// HeaderJobFailureReason records the last failure before a retry or DLQ move.
	HeaderJobFailureReason = "job_failure_reason"
	// HeaderJobFailedAt records when the last failure happened.
	HeaderJobFailedAt = "job_failed_at"
	// HeaderJobOriginalQueue preserves the source queue of a dead-lettered job.
	HeaderJobOriginalQueue = "job_original_queue"
)

// Job describes one queued unit of work. For cursor tasks the payload is the
// complete continuation state, so a job can be retried or resumed on any
// worker without in-process context.
type Job struct {
	ID            string
	Name          string
	Queue         string
	Payload       []byte
	Headers       map[string]string
	CorrelationID string
	RunAt         time.Time
	Attempt       int
	MaxAttempts   int
	CreatedAt     time.Time
}

// Handler processes one reserved job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Validate checks the fields the queue machinery relies on.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return jobsError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		return jobsError(ErrValidation, "job queue is required")
	}
	if len(j.Payload) == 0 {
		return jobsError(ErrValidation, "job payload is required")
	}
	if j.Attempt < 0 {
		return jobsError(ErrValidation, "job attempt must be >= 0")
	}
	if j.MaxAttempts < 0 {
		return jobsError(ErrValidation, "job max attempts must be >= 0")
	}
	if j.MaxAttempts > 0 && j.Attempt > j.MaxAttempts {
		return jobsError(ErrValidation, "job attempt cannot exceed max attempts")
	}
	return nil
}

// MarshalPayloadJSON encodes a payload value for Job.Payload.
func MarshalPayloadJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(jobsError(ErrValidation, "marshal job payload failed"), err)
	}
	return data, nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	out := *job
	out.Payload = cloneBytes(job.Payload)
	out.Headers = cloneHeaders(job.Headers)
	return &out
}

func cloneLease(lease *Lease) *Lease {
	if lease == nil {
		return nil
	}
	out := *lease
	return &out
}

func cloneHeaders(input map[string]string) map[string]string {
	if len(input) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneBytes(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}
