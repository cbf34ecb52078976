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

package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/moru-ai/worker/pkg/logs"
	"github.com/moru-ai/worker/pkg/queue"
)

// Options configures the ingress server.
type Options struct {
	ListenAddr string
	// APIKey is the bearer credential callers must present.
	APIKey string
	// RateLimitPerMinute caps authenticated requests per client IP; zero disables it.
	RateLimitPerMinute int
}

// SlotReporter exposes pool usage on the admin endpoint.
type SlotReporter interface {
	Size() int
	Busy() int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHub enables live log streaming from h.
func WithHub(h *logs.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithSlots reports pool usage on GET /admin/queue.
func WithSlots(sr SlotReporter) Option {
	return func(s *Server) { s.slots = sr }
}

// Server is the authenticated admission point of the job queue.
type Server struct {
	opts    Options
	broker  queue.Broker
	hub     *logs.Hub
	slots   SlotReporter
	log     logr.Logger
	handler http.Handler
}

// NewServer creates the ingress server and its router.
func NewServer(opts Options, broker queue.Broker, options ...Option) *Server {
	s := &Server{
		opts:   opts,
		broker: broker,
		log:    logr.Discard(),
	}
	for _, o := range options {
		o(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.handler }

// Name identifies the server among the process modules.
func (s *Server) Name() string { return "ingress" }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.opts.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimitPerMinute, time.Minute))
		}
		r.Use(bearerAuth(s.opts.APIKey))

		r.With(contentTypeMiddleware).Post("/jobs", s.enqueueJob)
		// Path used by the system of record.
		r.With(contentTypeMiddleware).Post("/api/tasks", s.enqueueJob)

		r.Get("/jobs/{jobID}", s.getJob)
		r.Get("/jobs/{jobID}/logs", s.getJobLogs)
		r.Get("/jobs/{jobID}/logs/stream", s.streamJobLogs)
		r.Get("/admin/queue", s.queueStats)
	})

	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.log.Error(err, "readiness check failed")
		writeText(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.opts.ListenAddr,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: log streams stay open for the lifetime of a job.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting ingress server", "addr", s.opts.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down ingress server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}
