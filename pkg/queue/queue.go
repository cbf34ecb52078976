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
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotActive is returned by Ack and Fail for a job that is not currently claimed,
	// for example because its lock expired and it was handed to another worker.
	ErrNotActive = errors.New("job is not active")
)

// State is where a job currently sits in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Job is one delivery unit referencing a task.
type Job struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	State      State     `json:"state"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// Attempt counts deliveries, including the current one.
	Attempt    int        `json:"attempt"`
	LastError  string     `json:"lastError,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Queue is a durable, at-least-once job queue.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) (jobID string, err error)
	// Claim blocks until a job is available or ctx is done.
	Claim(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	// Fail hands the job to the retry path or the dead-letter list according to the Policy.
	Fail(ctx context.Context, jobID string, cause error) error
}

// JobLogger keeps per-job log lines for operators.
type JobLogger interface {
	AppendLog(ctx context.Context, jobID, line string) error
	Logs(ctx context.Context, jobID string) ([]string, error)
}

// Stats counts jobs per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// Inspector exposes queue contents for operators.
type Inspector interface {
	Get(ctx context.Context, jobID string) (*Job, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Broker is everything a queue implementation offers.
type Broker interface {
	Queue
	JobLogger
	Inspector
}

// Policy controls redelivery of failed jobs.
type Policy struct {
	// MaxAttempts is the total number of deliveries before a job is dead-lettered.
	MaxAttempts int
	// Backoff is the delay before the first redelivery; it doubles on each further attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy delivers each job once.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 1, Backoff: 5 * time.Second, MaxBackoff: 5 * time.Minute}
}

// Exhausted reports whether a job that has been delivered attempt times may not be retried.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= max(p.MaxAttempts, 1)
}

// Delay returns the wait before redelivering a job whose delivery number attempt failed.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

const defaultMaxLogLines = 1000

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
