// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
//
// Terminal states are SUCCEEDED, FAILED and CANCELLED. FAILED is only
// entered after the configured retry budget is exhausted.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobRetrying  JobStatus = "RETRYING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// BatchJob is a pollable handle for a background analysis job.
//
// # Thread Safety
//
// Safe for concurrent use. The processor mutates status through the
// setter methods; callers observe it through Snapshot(). Done() can be
// used to wait for a terminal state.
type BatchJob struct {
	// ID is a UUID assigned at enqueue time.
	ID string `json:"id"`

	// Priority orders jobs in the queue; higher runs first.
	Priority int `json:"priority"`

	// Sessions is the job payload.
	Sessions []TherapeuticSession `json:"-"`

	mu         sync.Mutex
	status     JobStatus
	attempts   int
	lastErr    string
	results    []BiasAnalysisResult
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	done       chan struct{}
}

// NewBatchJob creates a queued job handle.
func NewBatchJob(id string, priority int, sessions []TherapeuticSession) *BatchJob {
	return &BatchJob{
		ID:         id,
		Priority:   priority,
		Sessions:   sessions,
		status:     JobQueued,
		enqueuedAt: time.Now().UTC(),
		done:       make(chan struct{}),
	}
}

// JobSnapshot is an immutable view of a job's state for polling.
type JobSnapshot struct {
	ID         string               `json:"id"`
	Priority   int                  `json:"priority"`
	Status     JobStatus            `json:"status"`
	Attempts   int                  `json:"attempts"`
	Error      string               `json:"error,omitempty"`
	Sessions   int                  `json:"sessions"`
	Results    []BiasAnalysisResult `json:"results,omitempty"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	FinishedAt time.Time            `json:"finished_at,omitzero"`
}

// Snapshot returns a consistent copy of the job state.
func (j *BatchJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := JobSnapshot{
		ID:         j.ID,
		Priority:   j.Priority,
		Status:     j.status,
		Attempts:   j.attempts,
		Error:      j.lastErr,
		Sessions:   len(j.Sessions),
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.status == JobSucceeded {
		snap.Results = append([]BiasAnalysisResult(nil), j.results...)
	}
	return snap
}

// Status returns the current lifecycle state.
func (j *BatchJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *BatchJob) Done() <-chan struct{} {
	return j.done
}

// Cancel requests cooperative cancellation. In-flight work is not
// forcibly aborted; the processor checks the flag between attempts.
func (j *BatchJob) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	if j.status == JobQueued {
		j.finishLocked(JobCancelled, "cancelled before start")
	}
}

// Cancelled reports whether cancellation was requested.
func (j *BatchJob) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// MarkRunning transitions the job to RUNNING and counts the attempt.
func (j *BatchJob) MarkRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = JobRunning
	j.attempts++
	if j.startedAt.IsZero() {
		j.startedAt = time.Now().UTC()
	}
}

// MarkRetrying records a failed attempt that will be retried.
func (j *BatchJob) MarkRetrying(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = JobRetrying
	if err != nil {
		j.lastErr = err.Error()
	}
}

// MarkSucceeded stores the results and closes Done().
func (j *BatchJob) MarkSucceeded(results []BiasAnalysisResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.results = results
	j.finishLocked(JobSucceeded, "")
}

// MarkFailed records the terminal failure with full error context.
func (j *BatchJob) MarkFailed(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.finishLocked(JobFailed, msg)
}

// MarkCancelled moves the job to its terminal CANCELLED state.
func (j *BatchJob) MarkCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.finishLocked(JobCancelled, "cancelled")
}

func (j *BatchJob) finishLocked(status JobStatus, errMsg string) {
	j.status = status
	if errMsg != "" {
		j.lastErr = errMsg
	}
	j.finishedAt = time.Now().UTC()
	close(j.done)
}
