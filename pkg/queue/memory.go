/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxFinished = 1000

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithFinishedRetention sets how long completed and dead jobs and their logs are kept.
func WithFinishedRetention(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.retention = d }
}

// WithMaxFinished caps how many completed and dead jobs are kept.
func WithMaxFinished(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxFinished = n }
}

// MemoryQueue is an in-process Broker. Jobs do not survive a restart; it is
// meant for tests and single-process development.
type MemoryQueue struct {
	mu          sync.Mutex
	policy      Policy
	jobs        map[string]*Job
	waiting     []string
	finished    []string
	logs        map[string][]string
	timers      map[string]*time.Timer
	maxLogLines int
	maxFinished int
	retention   time.Duration
	wake        chan struct{}
	now         func() time.Time
}

var _ Broker = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(policy Policy, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		policy:      policy,
		jobs:        make(map[string]*Job),
		logs:        make(map[string][]string),
		timers:      make(map[string]*time.Timer),
		maxLogLines: defaultMaxLogLines,
		maxFinished: defaultMaxFinished,
		retention:   24 * time.Hour,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a new job for taskID.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID string) (string, error) {
	id := uuid.NewString()

	q.mu.Lock()
	q.jobs[id] = &Job{ID: id, TaskID: taskID, State: StateWaiting, EnqueuedAt: q.now()}
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()

	q.signal()
	return id, nil
}

// Claim takes the oldest waiting job, blocking until one exists or ctx is done.
func (q *MemoryQueue) Claim(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			job := q.jobs[id]
			job.State = StateActive
			job.Attempt++
			delete(q.logs, id)
			claimed := *job
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				// Pass the wake-up on so other blocked claimers see the remaining jobs.
				q.signal()
			}
			return &claimed, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) activeJob(jobID string) (*Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != StateActive {
		return nil, ErrNotActive
	}
	return job, nil
}

// Ack marks an active job completed.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJob(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.State = StateCompleted
	job.FinishedAt = &now
	q.finishLocked(job)
	return nil
}

// Fail schedules a redelivery or dead-letters the job once the policy is exhausted.
func (q *MemoryQueue) Fail(_ context.Context, jobID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.activeJob(jobID)
	if err != nil {
		return err
	}
	job.LastError = errorMessage(cause)

	if q.policy.Exhausted(job.Attempt) {
		now := q.now()
		job.State = StateDead
		job.FinishedAt = &now
		q.finishLocked(job)
		return nil
	}

	job.State = StateDelayed
	delay := q.policy.Delay(job.Attempt)
	if delay <= 0 {
		q.requeueLocked(job)
		return nil
	}
	q.timers[jobID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, jobID)
		if job.State == StateDelayed {
			q.requeueLocked(job)
		}
		q.mu.Unlock()
	})
	return nil
}

// finishLocked records a finished job and forgets the oldest finished jobs
// beyond the count limit or past retention.
func (q *MemoryQueue) finishLocked(job *Job) {
	q.finished = append(q.finished, job.ID)
	cutoff := q.now().Add(-q.retention)

	drop := 0
	for _, id := range q.finished {
		expired := false
		if j, ok := q.jobs[id]; ok && j.FinishedAt != nil {
			expired = j.FinishedAt.Before(cutoff)
		}
		if !expired && len(q.finished)-drop <= q.maxFinished {
			break
		}
		delete(q.jobs, id)
		delete(q.logs, id)
		drop++
	}
	q.finished = q.finished[drop:]
}

func (q *MemoryQueue) requeueLocked(job *Job) {
	job.State = StateWaiting
	q.waiting = append(q.waiting, job.ID)
	q.signal()
}

// AppendLog records a log line for the job, keeping the most recent lines.
func (q *MemoryQueue) AppendLog(_ context.Context, jobID, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	lines := append(q.logs[jobID], line)
	if len(lines) > q.maxLogLines {
		lines = lines[len(lines)-q.maxLogLines:]
	}
	q.logs[jobID] = lines
	return nil
}

// Logs returns the recorded lines of the job's latest delivery.
func (q *MemoryQueue) Logs(_ context.Context, jobID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	return append([]string(nil), q.logs[jobID]...), nil
}

// Get returns a snapshot of the job.
func (q *MemoryQueue) Get(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Stats counts jobs per state.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateDelayed:
			s.Delayed++
		case StateCompleted:
			s.Completed++
		case StateDead:
			s.Dead++
		}
	}
	return s, nil
}

// Ping always succeeds.
func (q *MemoryQueue) Ping(context.Context) error { return nil }

// Close stops pending redelivery timers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	return nil
}
