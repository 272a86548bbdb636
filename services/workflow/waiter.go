package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultJobTimeout   = time.Hour
)

// JobState is the status an external job reports.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// JobStatus is the latest state of an external job.
type JobStatus struct {
	State          JobState       `json:"status"`
	ResultLocation string         `json:"resultLocation,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// JobStatusAccessor reads the status of an external job.
type JobStatusAccessor interface {
	JobStatus(ctx context.Context, handle JobHandle, ownerID string) (*JobStatus, error)
}

// JobCanceller asks the external job system to stop a job.
type JobCanceller interface {
	CancelJob(ctx context.Context, handle JobHandle, ownerID string) error
}

// JobService is the full external job contract the engine consumes.
type JobService interface {
	JobStatusAccessor
	JobCanceller
}

// Waiter polls an external job until it reaches a terminal state. It is the
// only place in the engine that blocks.
type Waiter struct {
	jobs     JobStatusAccessor
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWaiter creates a Waiter. Non-positive durations fall back to the
// defaults.
func NewWaiter(jobs JobStatusAccessor, interval, timeout time.Duration, logger *slog.Logger) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{jobs: jobs, interval: interval, timeout: timeout, logger: logger}
}

// Wait blocks until the job completes, fails, is canceled, the timeout
// elapses, or ctx is done. On completion it returns the job's latest status.
func (w *Waiter) Wait(ctx context.Context, handle JobHandle, ownerID string) (*JobStatus, error) {
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := w.jobs.JobStatus(ctx, handle, ownerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("query %s job %s: %w", handle.Kind, handle.ID, err)
		}

		switch status.State {
		case JobCompleted:
			return status, nil
		case JobFailed:
			return nil, &JobError{Handle: handle, Message: status.ErrorMessage}
		case JobCanceled:
			return nil, fmt.Errorf("%w: %s job %s", ErrJobCanceled, handle.Kind, handle.ID)
		}
		w.logger.Debug("Waiting for job", "job_id", handle.ID, "job_kind", handle.Kind, "status", status.State)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s job %s after %s", ErrJobTimeout, handle.Kind, handle.ID, w.timeout)
		case <-ticker.C:
		}
	}
}
