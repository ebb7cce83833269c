// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

func sessions(n int) []datatypes.TherapeuticSession {
	out := make([]datatypes.TherapeuticSession, n)
	for i := range out {
		out[i] = datatypes.TherapeuticSession{
			SessionID: fmt.Sprintf("s-%d", i),
			Turns:     []datatypes.SessionTurn{{Speaker: "client", Content: "hello"}},
		}
	}
	return out
}

func okHandler(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
	results := make([]datatypes.BiasAnalysisResult, len(job.Sessions))
	for i, s := range job.Sessions {
		results[i] = datatypes.BiasAnalysisResult{SessionID: s.SessionID, OverallScore: 0.5}
	}
	return results, nil
}

func waitTerminal(t *testing.T, job *datatypes.BatchJob) datatypes.JobSnapshot {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not reach a terminal state", job.ID)
	}
	return job.Snapshot()
}

func TestJobSucceeds(t *testing.T) {
	p := New(Config{}, okHandler)
	defer p.Close()

	job, err := p.Enqueue(sessions(3), 0)
	require.NoError(t, err)

	snap := waitTerminal(t, job)
	assert.Equal(t, datatypes.JobSucceeded, snap.Status)
	assert.Equal(t, 1, snap.Attempts)
	assert.Len(t, snap.Results, 3)
	assert.Empty(t, snap.Error)
}

func TestRetryThenFailKeepsErrorContext(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{MaxRetries: 2, RetryBackoff: 10 * time.Millisecond},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			calls.Add(1)
			return nil, fmt.Errorf("analysis backend exploded")
		})
	defer p.Close()

	job, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)

	snap := waitTerminal(t, job)
	assert.Equal(t, datatypes.JobFailed, snap.Status)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Contains(t, snap.Error, "analysis backend exploded")
	assert.Contains(t, snap.Error, "3 attempts")
}

func TestNegativeMaxRetriesDisablesRetries(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{MaxRetries: -1, RetryBackoff: 10 * time.Millisecond},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			calls.Add(1)
			return nil, fmt.Errorf("permanent")
		})
	defer p.Close()

	job, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)

	snap := waitTerminal(t, job)
	assert.Equal(t, datatypes.JobFailed, snap.Status)
	assert.Equal(t, int32(1), calls.Load(), "single attempt, no retries")
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{RetryBackoff: 10 * time.Millisecond},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("transient")
			}
			return okHandler(ctx, job)
		})
	defer p.Close()

	job, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)

	snap := waitTerminal(t, job)
	assert.Equal(t, datatypes.JobSucceeded, snap.Status)
	assert.Equal(t, 2, snap.Attempts)
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 5
	var current, peak atomic.Int32

	p := New(Config{MaxConcurrency: limit},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return okHandler(ctx, job)
		})
	defer p.Close()

	var jobs []*datatypes.BatchJob
	for i := 0; i < 50; i++ {
		job, err := p.Enqueue(sessions(1), 0)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		waitTerminal(t, job)
	}

	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	entered := make(chan struct{}, 3)

	p := New(Config{MaxConcurrency: 1},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			entered <- struct{}{}
			<-release
			mu.Lock()
			order = append(order, job.Sessions[0].SessionID)
			mu.Unlock()
			return okHandler(ctx, job)
		})
	defer p.Close()

	// First job occupies the single worker while the rest queue up.
	first, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never reached the worker")
	}

	low, err := p.Enqueue([]datatypes.TherapeuticSession{{SessionID: "low",
		Turns: []datatypes.SessionTurn{{Speaker: "c", Content: "x"}}}}, 1)
	require.NoError(t, err)
	high, err := p.Enqueue([]datatypes.TherapeuticSession{{SessionID: "high",
		Turns: []datatypes.SessionTurn{{Speaker: "c", Content: "x"}}}}, 10)
	require.NoError(t, err)

	close(release)
	waitTerminal(t, first)
	waitTerminal(t, low)
	waitTerminal(t, high)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "high", order[1], "higher priority runs before earlier low-priority job")
	assert.Equal(t, "low", order[2])
}

func TestCancelQueuedJob(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{MaxConcurrency: 1},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			<-block
			return okHandler(ctx, job)
		})
	defer p.Close()

	running, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)
	queued, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Cancel(queued.ID))

	snap := waitTerminal(t, queued)
	assert.Equal(t, datatypes.JobCancelled, snap.Status)

	close(block)
	waitTerminal(t, running)
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{MaxConcurrency: 1, QueueLimit: 2},
		func(ctx context.Context, job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {
			<-block
			return okHandler(ctx, job)
		})
	defer p.Close()
	// Unblock the worker before Close waits on it.
	defer close(block)

	// One running plus two queued fills the queue.
	_, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // let the dispatcher take it
	for i := 0; i < 2; i++ {
		_, err := p.Enqueue(sessions(1), 0)
		require.NoError(t, err)
	}

	_, err = p.Enqueue(sessions(1), 0)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueAfterClose(t *testing.T) {
	p := New(Config{}, okHandler)
	p.Close()

	_, err := p.Enqueue(sessions(1), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJobLookup(t *testing.T) {
	p := New(Config{}, okHandler)
	defer p.Close()

	job, err := p.Enqueue(sessions(1), 0)
	require.NoError(t, err)

	found, err := p.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	_, err = p.Job("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestHeapOrdering(t *testing.T) {
	var h jobHeap
	push := func(id string, priority int) {
		heap.Push(&h, queueItem{
			job: datatypes.NewBatchJob(id, priority, sessions(1)),
			seq: uint64(h.Len()),
		})
	}
	push("a", 1)
	push("b", 5)
	push("c", 5)
	push("d", 0)

	var got []string
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(queueItem).job.ID)
	}
	assert.Equal(t, []string{"b", "c", "a", "d"}, got)
}
