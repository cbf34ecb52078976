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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moru_worker_jobs_enqueued_total",
		Help: "Jobs accepted by the ingress endpoint.",
	})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moru_worker_jobs_processed_total",
		Help: "Jobs processed by the worker pool, by outcome.",
	}, []string{"outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moru_worker_job_duration_seconds",
		Help:    "Time from claim to ack or fail.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"outcome"})

	RunningContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moru_worker_running_containers",
		Help: "Task containers currently started and not yet removed.",
	})

	BusySlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moru_worker_busy_slots",
		Help: "Worker slots currently executing a job.",
	})

	ContainerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moru_worker_container_exits_total",
		Help: "Task container exits, by whether the exit code was zero.",
	}, []string{"outcome"})

	TeardownFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moru_worker_teardown_failures_total",
		Help: "Containers that could not be removed.",
	})
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		JobsEnqueued,
		JobsProcessed,
		JobDuration,
		RunningContainers,
		BusySlots,
		ContainerExits,
		TeardownFailures,
	)
}
