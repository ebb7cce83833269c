// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch runs background analysis jobs from a priority queue
// with a bounded worker pool.
package batch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("batch: queue full")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("batch: processor closed")

	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("batch: job not found")
)

// Handler executes one job's payload and returns the session results.
type Handler func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error)

// Config controls concurrency and retry behavior.
type Config struct {
	// MaxConcurrency bounds jobs running at once. Default: 4.
	MaxConcurrency int

	// MaxRetries is how many times a failed job is re-attempted after
	// its first attempt. Negative disables retries. Default: 2.
	MaxRetries int

	// RetryBackoff is the delay before the first retry, doubled per
	// attempt. Default: 1s.
	RetryBackoff time.Duration

	// QueueLimit caps queued jobs. Default: 1024.
	QueueLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1024
	}
	return c
}

// Stats is a point-in-time queue view.
type Stats struct {
	Queued  int   `json:"queued"`
	Running int64 `json:"running"`
	Total   int   `json:"total"`
}

// Processor owns the job queue and worker pool.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Processor struct {
	config  Config
	handler Handler

	mu        sync.Mutex
	queue     jobHeap
	jobs      map[string]*datatypes.BatchJob
	seq       uint64
	running   int64
	closed    bool
	throttled bool
	reserved  int64

	sem      *semaphore.Weighted
	notEmpty chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Processor and starts its dispatcher.
func New(config Config, handler Handler) *Processor {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		config:   config,
		handler:  handler,
		jobs:     make(map[string]*datatypes.BatchJob),
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrency)),
		notEmpty: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Enqueue adds a job and returns its pollable handle. Higher priority
// jobs run first; ties run in submission order.
func (p *Processor) Enqueue(sessions []datatypes.TherapeuticSession, priority int) (*datatypes.BatchJob, error) {
	if len(sessions) == 0 {
		return nil, fmt.Errorf("batch: empty session list")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.queue.Len() >= p.config.QueueLimit {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	job := datatypes.NewBatchJob(uuid.NewString(), priority, sessions)
	p.seq++
	heap.Push(&p.queue, queueItem{job: job, seq: p.seq})
	p.jobs[job.ID] = job
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
	return job, nil
}

// Job returns the handle for a previously enqueued job.
func (p *Processor) Job(id string) (*datatypes.BatchJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel requests cooperative cancellation of a job.
func (p *Processor) Cancel(id string) error {
	job, err := p.Job(id)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// Stats returns queue depth and running count.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:  p.queue.Len(),
		Running: p.running,
		Total:   len(p.jobs),
	}
}

// Throttle reduces effective concurrency to a single worker while
// active. The memory optimizer toggles this under critical pressure.
func (p *Processor) Throttle(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	extra := int64(p.config.MaxConcurrency - 1)
	if extra <= 0 || p.throttled == on {
		return
	}
	p.throttled = on

	if on {
		// Park the spare permits as running jobs drain.
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.sem.Acquire(p.ctx, extra); err != nil {
				return
			}
			p.mu.Lock()
			if p.throttled {
				p.reserved = extra
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			p.sem.Release(extra)
		}()
		return
	}
	if p.reserved > 0 {
		p.sem.Release(p.reserved)
		p.reserved = 0
	}
}

// Throttled reports whether reduced concurrency is active.
func (p *Processor) Throttled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttled
}

// dispatch pops jobs and hands them to workers, blocking on the
// semaphore when MaxConcurrency jobs are in flight.
func (p *Processor) dispatch() {
	defer p.wg.Done()
	for {
		// Acquire the worker slot first so the pop below always takes
		// the highest-priority job queued at dispatch time.
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}

		var job *datatypes.BatchJob
		for job == nil {
			p.mu.Lock()
			for p.queue.Len() > 0 {
				item := heap.Pop(&p.queue).(queueItem)
				// Jobs cancelled while queued are already terminal.
				if !item.job.Status().Terminal() {
					job = item.job
					break
				}
			}
			p.mu.Unlock()
			if job != nil {
				break
			}
			select {
			case <-p.ctx.Done():
				p.sem.Release(1)
				return
			case <-p.notEmpty:
			}
		}

		p.mu.Lock()
		p.running++
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.run(job)
			p.mu.Lock()
			p.running--
			p.mu.Unlock()
		}()
	}
}

// run executes one job with retries and cooperative cancellation
// between attempts.
func (p *Processor) run(job *datatypes.BatchJob) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if job.Cancelled() {
			job.MarkCancelled()
			return
		}
		if p.ctx.Err() != nil {
			job.MarkCancelled()
			return
		}

		job.MarkRunning()
		results, err := p.handler(p.ctx, job)
		if err == nil {
			job.MarkSucceeded(results)
			return
		}
		lastErr = err

		if attempt < p.config.MaxRetries {
			job.MarkRetrying(err)
			delay := p.config.RetryBackoff << attempt
			slog.Warn("batch job attempt failed, retrying",
				"job_id", job.ID,
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", err)
			select {
			case <-p.ctx.Done():
				job.MarkCancelled()
				return
			case <-time.After(delay):
			}
		}
	}

	slog.Error("batch job failed permanently",
		"job_id", job.ID,
		"attempts", p.config.MaxRetries+1,
		"error", lastErr)
	job.MarkFailed(fmt.Errorf("exhausted %d attempts: %w", p.config.MaxRetries+1, lastErr))
}

// Close stops the dispatcher, cancels queued jobs and waits for
// in-flight workers to observe cancellation.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for p.queue.Len() > 0 {
		item := heap.Pop(&p.queue).(queueItem)
		item.job.Cancel()
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
