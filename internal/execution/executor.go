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

package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/moru-ai/worker/internal/metrics"
	"github.com/moru-ai/worker/pkg/container"
	"github.com/moru-ai/worker/pkg/logs"
	"github.com/moru-ai/worker/pkg/queue"
	"github.com/moru-ai/worker/pkg/status"
)

const (
	readBufferBytes = 64 << 10
	// maxLineBytes is a multiple of readBufferBytes, so split chunks are exactly this long.
	maxLineBytes = 1 << 20
)

// Labels set on every task container.
const (
	LabelTaskID = "moru.dev/task-id"
	LabelJobID  = "moru.dev/job-id"
)

// Config describes the container every task runs in.
type Config struct {
	Image      string
	Command    []string
	Env        map[string]string
	WorkingDir string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithJobLogger persists container output as per-job logs.
func WithJobLogger(jl queue.JobLogger) Option {
	return func(e *Executor) { e.jobLogs = jl }
}

// WithHub publishes container output for live streaming.
func WithHub(h *logs.Hub) Option {
	return func(e *Executor) { e.hub = h }
}

// WithTeardownTimeout bounds container removal.
func WithTeardownTimeout(d time.Duration) Option {
	return func(e *Executor) { e.teardownTimeout = d }
}

// WithDrainTimeout bounds how long the log stream may stay open after the container exited.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Executor) { e.drainTimeout = d }
}

// Executor runs one job's container and keeps the task status in step with it.
// An Executor is shared by all worker slots; per-job state lives in execContext.
type Executor struct {
	status          status.Recorder
	backend         container.Backend
	cfg             Config
	jobLogs         queue.JobLogger
	hub             *logs.Hub
	log             logr.Logger
	teardownTimeout time.Duration
	drainTimeout    time.Duration
	now             func() time.Time
}

// New creates an Executor.
func New(recorder status.Recorder, backend container.Backend, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		status:          recorder,
		backend:         backend,
		cfg:             cfg,
		log:             logr.Discard(),
		teardownTimeout: time.Minute,
		drainTimeout:    10 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarises one execution of a job.
type Result struct {
	// ExitCode is -1 when the container never reported one.
	ExitCode int64
	// Status is the last status successfully recorded for the task.
	Status status.Status
	Lines  []logs.Line
}

// execContext is the per-job state, owned by the slot running the job.
type execContext struct {
	job     queue.Job
	log     logr.Logger
	handle  *container.Handle
	started bool

	mu    sync.Mutex
	lines []logs.Line
}

func (ec *execContext) appendLine(text string, at time.Time) logs.Line {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	l := logs.Line{Sequence: int64(len(ec.lines) + 1), Time: at, Text: text}
	ec.lines = append(ec.lines, l)
	return l
}

func (ec *execContext) snapshot() []logs.Line {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]logs.Line(nil), ec.lines...)
}

// Execute marks the task in progress, runs its container to exit, records the
// terminal status and removes the container. A returned error means the job
// should be failed back to the queue.
func (e *Executor) Execute(ctx context.Context, job queue.Job) (*Result, error) {
	ec := &execContext{
		job: job,
		log: e.log.WithValues("jobID", job.ID, "taskID", job.TaskID, "attempt", job.Attempt),
	}
	res := &Result{ExitCode: -1}

	if e.hub != nil {
		e.hub.Reset(job.ID)
		defer e.hub.Complete(job.ID)
	}

	if err := e.status.SetStatus(ctx, job.TaskID, status.InProgress); err != nil {
		ec.log.Error(err, "failed to mark task in progress")
		return res, fmt.Errorf("marking task in progress: %w", err)
	}
	res.Status = status.InProgress

	defer e.teardown(ctx, ec)

	exitCode, err := e.run(ctx, ec)
	res.ExitCode = exitCode
	res.Lines = ec.snapshot()
	if err != nil {
		ec.log.Error(err, "task execution failed")
		if serr := e.status.SetStatus(ctx, job.TaskID, status.Error); serr != nil {
			ec.log.Error(serr, "failed to record error status")
			return res, errors.Join(err, fmt.Errorf("recording error status: %w", serr))
		}
		res.Status = status.Error
		return res, err
	}

	final := status.Success
	var exitErr error
	if exitCode != 0 {
		final = status.Error
		exitErr = &container.RuntimeError{ExitCode: exitCode}
		metrics.ContainerExits.WithLabelValues(metrics.OutcomeFailed).Inc()
	} else {
		metrics.ContainerExits.WithLabelValues(metrics.OutcomeSuccess).Inc()
	}

	if err := e.status.SetStatus(ctx, job.TaskID, final); err != nil {
		ec.log.Error(err, "failed to record final status", "status", final, "exitCode", exitCode)
		return res, errors.Join(exitErr, fmt.Errorf("recording %s status: %w", final, err))
	}
	res.Status = final
	ec.log.Info("task finished", "exitCode", exitCode, "status", final, "lines", len(res.Lines))
	return res, exitErr
}

// run takes the job from MarkedRunning to an observed exit code.
func (e *Executor) run(ctx context.Context, ec *execContext) (int64, error) {
	if err := e.backend.PullImage(ctx, e.cfg.Image); err != nil {
		return -1, keepTyped(err, func(err error) error {
			return &container.ImagePullError{Image: e.cfg.Image, Err: err}
		})
	}

	spec := e.containerSpec(ec.job)
	h, err := e.backend.Create(ctx, spec)
	if err != nil {
		return -1, keepTyped(err, startError(spec.Name))
	}
	ec.handle = &h
	ec.log = ec.log.WithValues("container", h.Name)

	stream, err := e.backend.Attach(ctx, h)
	if err != nil {
		return -1, keepTyped(err, startError(h.Name))
	}
	defer func() { _ = stream.Close() }()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		e.drain(ctx, ec, stream)
	}()

	if err := e.backend.Start(ctx, h); err != nil {
		_ = stream.Close()
		<-drained
		return -1, keepTyped(err, startError(h.Name))
	}
	ec.started = true
	metrics.RunningContainers.Inc()
	ec.log.Info("container started", "image", spec.Image)

	code, waitErr := e.backend.Wait(ctx, h)
	if waitErr != nil {
		_ = stream.Close()
	}

	select {
	case <-drained:
	case <-time.After(e.drainTimeout):
		ec.log.Info("log stream still open after container exit, closing it")
		_ = stream.Close()
		<-drained
	}

	if waitErr != nil {
		return -1, keepTyped(waitErr, func(err error) error {
			return &container.RuntimeError{ExitCode: -1, Err: err}
		})
	}
	return code, nil
}

func (e *Executor) containerSpec(job queue.Job) container.Spec {
	env := make(map[string]string, len(e.cfg.Env)+3)
	for k, v := range e.cfg.Env {
		env[k] = v
	}
	env["TASK_ID"] = job.TaskID
	env["JOB_ID"] = job.ID
	env["JOB_ATTEMPT"] = strconv.Itoa(job.Attempt)

	return container.Spec{
		Name:       container.NameForTask(job.TaskID),
		Image:      e.cfg.Image,
		Command:    e.cfg.Command,
		Env:        env,
		WorkingDir: e.cfg.WorkingDir,
		Labels: map[string]string{
			LabelTaskID: job.TaskID,
			LabelJobID:  job.ID,
		},
	}
}

// drain turns the output stream into log lines until it ends. Lines longer
// than maxLineBytes are split into chunks. Failures here never fail the job.
func (e *Executor) drain(ctx context.Context, ec *execContext, stream io.Reader) {
	r := bufio.NewReaderSize(stream, readBufferBytes)
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		full := errors.Is(err, bufio.ErrBufferFull)
		if full && len(line) < maxLineBytes {
			continue
		}
		if len(line) > 0 {
			e.emit(ctx, ec, string(line))
			line = line[:0]
		}
		if err != nil && !full {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				ec.log.Error(err, "reading container output failed")
			}
			return
		}
	}
}

func (e *Executor) emit(ctx context.Context, ec *execContext, raw string) {
	text := strings.TrimRight(strings.TrimSuffix(raw, "\n"), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	l := ec.appendLine(text, e.now())
	ec.log.V(1).Info("container output", "seq", l.Sequence, "bytes", len(text))

	if e.hub != nil {
		e.hub.Publish(ec.job.ID, l)
	}
	if e.jobLogs != nil {
		if err := e.jobLogs.AppendLog(ctx, ec.job.ID, text); err != nil {
			ec.log.V(1).Info("failed to persist log line", "error", err.Error())
		}
	}
}

// teardown removes the container if one was created. It runs on a context
// detached from cancellation so shutdown cannot leak containers.
func (e *Executor) teardown(ctx context.Context, ec *execContext) {
	if ec.handle == nil {
		return
	}
	if ec.started {
		metrics.RunningContainers.Dec()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.teardownTimeout)
	defer cancel()

	if err := e.backend.Remove(ctx, *ec.handle); err != nil {
		metrics.TeardownFailures.Inc()
		var te *container.TeardownError
		if !errors.As(err, &te) {
			err = &container.TeardownError{ID: ec.handle.ID, Err: err}
		}
		ec.log.Error(err, "failed to remove container")
		return
	}
	ec.log.V(1).Info("container removed")
}

func startError(name string) func(error) error {
	return func(err error) error {
		return &container.StartError{Name: name, Err: err}
	}
}

// keepTyped returns err unchanged if it already carries a container error type,
// otherwise wraps it.
func keepTyped(err error, wrap func(error) error) error {
	var (
		pullErr    *container.ImagePullError
		startErr   *container.StartError
		runtimeErr *container.RuntimeError
	)
	if errors.As(err, &pullErr) || errors.As(err, &startErr) || errors.As(err, &runtimeErr) {
		return err
	}
	return wrap(err)
}
