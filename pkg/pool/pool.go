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

package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/moru-ai/worker/internal/metrics"
	"github.com/moru-ai/worker/pkg/queue"
)

// Processor executes one claimed job. A returned error fails the job back to the queue.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job queue.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job queue.Job) error {
	return f(ctx, job)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithClaimBackoff sets the initial and maximum pause after a failed Claim.
func WithClaimBackoff(initial, maxInterval time.Duration) Option {
	return func(p *Pool) {
		p.claimInitial = initial
		p.claimMax = maxInterval
	}
}

// Pool runs a fixed number of slots, each claiming and processing one job at a time.
type Pool struct {
	queue     queue.Queue
	processor Processor
	size      int
	log       logr.Logger

	claimInitial time.Duration
	claimMax     time.Duration

	busy atomic.Int64
}

// New creates a Pool with size slots. A size below one is raised to one.
func New(q queue.Queue, processor Processor, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		queue:        q,
		processor:    processor,
		size:         size,
		log:          logr.Discard(),
		claimInitial: 500 * time.Millisecond,
		claimMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the pool among the process modules.
func (p *Pool) Name() string { return "worker-pool" }

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Busy returns the number of slots currently processing a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Run starts the slots and blocks until ctx is cancelled and every in-flight
// job has finished. Jobs already claimed run to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool", "slots", p.size)

	var wg sync.WaitGroup
	for i := range p.size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.slot(ctx, i)
		}()
	}
	wg.Wait()

	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) slot(ctx context.Context, id int) {
	log := p.log.WithValues("slot", id)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.claimInitial
	b.MaxInterval = p.claimMax
	b.MaxElapsedTime = 0

	for ctx.Err() == nil {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			log.Error(err, "failed to claim job", "retryIn", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		p.process(context.WithoutCancel(ctx), log, *job)
	}
}

func (p *Pool) process(ctx context.Context, log logr.Logger, job queue.Job) {
	log = log.WithValues("jobID", job.ID, "taskID", job.TaskID, "attempt", job.Attempt)

	p.busy.Add(1)
	metrics.BusySlots.Inc()
	defer func() {
		p.busy.Add(-1)
		metrics.BusySlots.Dec()
	}()

	start := time.Now()
	log.Info("processing job")

	err := p.safeProcess(ctx, job)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailed
		log.Error(err, "job failed")
		if ferr := p.queue.Fail(ctx, job.ID, err); ferr != nil {
			log.Error(ferr, "failed to fail job")
		}
	} else if aerr := p.queue.Ack(ctx, job.ID); aerr != nil {
		if errors.Is(aerr, queue.ErrNotActive) {
			log.Info("job was reclaimed before completion, ack dropped")
		} else {
			log.Error(aerr, "failed to ack job")
		}
	}

	elapsed := time.Since(start)
	metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	metrics.JobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	log.Info("job done", "outcome", outcome, "duration", elapsed)
}

// safeProcess converts a panic in the processor into a job failure so the slot survives.
func (p *Pool) safeProcess(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(nil, "processor panicked", "jobID", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.processor.Process(ctx, job)
}
