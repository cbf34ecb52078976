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

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/moru-ai/worker/internal/execution"
	"github.com/moru-ai/worker/pkg/container"
	"github.com/moru-ai/worker/pkg/container/docker"
	"github.com/moru-ai/worker/pkg/container/kubernetes"
	"github.com/moru-ai/worker/pkg/ingress"
	"github.com/moru-ai/worker/pkg/logs"
	"github.com/moru-ai/worker/pkg/pool"
	"github.com/moru-ai/worker/pkg/queue"
	"github.com/moru-ai/worker/pkg/status"
)

// Option overrides a dependency the worker would otherwise build from Options.
type Option func(*Worker)

// WithBroker uses b instead of connecting to RedisURL.
func WithBroker(b queue.Broker) Option {
	return func(w *Worker) { w.broker = b }
}

// WithBackend uses b instead of the configured container runtime.
func WithBackend(b container.Backend) Option {
	return func(w *Worker) { w.backend = b }
}

// WithRecorder uses r instead of the status store client.
func WithRecorder(r status.Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// WithLogger sets the root logger.
func WithLogger(l logr.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// Worker is the assembled process: ingress server, worker pool and queue upkeep.
type Worker struct {
	opts     Options
	log      logr.Logger
	broker   queue.Broker
	backend  container.Backend
	recorder status.Recorder
	hub      *logs.Hub

	executor *execution.Executor
	pool     *pool.Pool
	server   *ingress.Server
	modules  []Module
	closers  []io.Closer
}

// New validates opts and wires every component.
func New(opts Options, options ...Option) (*Worker, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	w := &Worker{opts: opts, log: ctrl.Log.WithName("worker")}
	for _, o := range options {
		o(w)
	}

	if w.broker == nil {
		b, err := w.newBroker()
		if err != nil {
			return nil, err
		}
		w.broker = b
	}
	if w.backend == nil {
		b, err := w.newBackend()
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		w.backend = b
	}
	if w.recorder == nil {
		sopts := []status.ClientOption{status.WithLogger(w.log.WithName("status"))}
		if opts.StatusMutation != "" {
			sopts = append(sopts, status.WithMutation(opts.StatusMutation))
		}
		w.recorder = status.NewClient(opts.StatusURL, opts.StatusAPIKey, sopts...)
	}

	w.hub = logs.NewHub(opts.LogRetention)
	w.executor = execution.New(w.recorder, w.backend, execution.Config{
		Image:   opts.Image,
		Command: opts.Command,
		Env:     opts.Env,
	},
		execution.WithLogger(w.log.WithName("execution")),
		execution.WithJobLogger(w.broker),
		execution.WithHub(w.hub),
	)

	w.pool = pool.New(w.broker, pool.ProcessorFunc(w.process), opts.Concurrency,
		pool.WithLogger(w.log.WithName("pool")),
	)

	w.server = ingress.NewServer(ingress.Options{
		ListenAddr:         opts.ListenAddr,
		APIKey:             opts.APIKey,
		RateLimitPerMinute: opts.RateLimitPerMinute,
	}, w.broker,
		ingress.WithLogger(w.log.WithName("ingress")),
		ingress.WithHub(w.hub),
		ingress.WithSlots(w.pool),
	)

	var poolModule Module = w.pool
	if keeper, ok := w.broker.(Module); ok {
		poolModule = outliving{primary: w.pool, keeper: keeper}
	}
	w.modules = []Module{w.server, poolModule}

	return w, nil
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	_, err := w.executor.Execute(ctx, job)
	return err
}

func (w *Worker) newBroker() (queue.Broker, error) {
	policy := queue.DefaultPolicy()
	if w.opts.MaxAttempts > 0 {
		policy.MaxAttempts = w.opts.MaxAttempts
	}
	if w.opts.Backoff > 0 {
		policy.Backoff = w.opts.Backoff
	}

	if w.opts.RedisURL == MemoryBroker {
		w.log.Info("using in-process queue, jobs do not survive a restart")
		q := queue.NewMemoryQueue(policy)
		w.closers = append(w.closers, q)
		return q, nil
	}

	redisOpts, err := redis.ParseURL(w.opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	w.closers = append(w.closers, rdb)

	var qopts []queue.RedisOption
	qopts = append(qopts, queue.WithLogger(w.log.WithName("queue")))
	if w.opts.LockTTL > 0 {
		qopts = append(qopts, queue.WithLockTTL(w.opts.LockTTL))
	}
	name := w.opts.QueueName
	if name == "" {
		name = "tasks"
	}
	return queue.NewRedisQueue(rdb, name, policy, qopts...), nil
}

func (w *Worker) newBackend() (container.Backend, error) {
	switch w.opts.Runtime {
	case RuntimeKubernetes:
		kopts := []kubernetes.Option{
			kubernetes.WithLogger(w.log.WithName("kubernetes")),
			kubernetes.WithMaxDuration(w.opts.MaxDuration),
		}
		if w.opts.ServiceAccount != "" {
			kopts = append(kopts, kubernetes.WithServiceAccount(w.opts.ServiceAccount))
		}
		if w.opts.PullPolicy == docker.PullAlways {
			kopts = append(kopts, kubernetes.WithPullPolicy(corev1.PullAlways))
		}
		if res := w.opts.podResources(); len(res.Limits) > 0 {
			kopts = append(kopts, kubernetes.WithResources(res))
		}
		b, err := kubernetes.NewFromConfig(w.opts.Namespace, kopts...)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes backend: %w", err)
		}
		return b, nil
	default:
		dopts := []docker.Option{docker.WithLogger(w.log.WithName("docker"))}
		if w.opts.PullPolicy != "" {
			dopts = append(dopts, docker.WithPullPolicy(w.opts.PullPolicy))
		}
		if w.opts.Network != "" {
			dopts = append(dopts, docker.WithNetworkMode(w.opts.Network))
		}
		if memory, cpus := w.opts.dockerResources(); memory > 0 || cpus > 0 {
			dopts = append(dopts, docker.WithResources(memory, cpus))
		}
		b, err := docker.New(w.opts.DockerHost, dopts...)
		if err != nil {
			return nil, fmt.Errorf("creating docker backend: %w", err)
		}
		w.closers = append(w.closers, b)
		return b, nil
	}
}

// Broker returns the job queue the worker admits jobs into.
func (w *Worker) Broker() queue.Broker { return w.broker }

// Handler returns the ingress HTTP handler.
func (w *Worker) Handler() http.Handler { return w.server.Handler() }

// Run serves ingress and processes jobs until ctx is cancelled. In-flight jobs
// finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("starting worker",
		"listenAddr", w.opts.ListenAddr,
		"runtime", w.opts.Runtime,
		"concurrency", w.opts.Concurrency,
		"image", w.opts.Image,
	)
	return runModules(ctx, w.log, w.modules...)
}

// Close releases the broker and runtime connections.
func (w *Worker) Close() error {
	var errs []error
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// Run builds a worker from opts and runs it until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	w, err := New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			w.log.Error(err, "failed to close worker")
		}
	}()
	return w.Run(ctx)
}
