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
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/moru-ai/worker/pkg/container/docker"
)

// Container runtimes.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// MemoryBroker selects the in-process queue instead of Redis.
const MemoryBroker = "memory"

// Options holds the configuration of a worker process.
type Options struct {
	ListenAddr         string
	APIKey             string
	RateLimitPerMinute int

	StatusURL      string
	StatusAPIKey   string
	StatusMutation string

	// RedisURL is a redis:// URL, or MemoryBroker.
	RedisURL    string
	QueueName   string
	MaxAttempts int
	Backoff     time.Duration
	LockTTL     time.Duration

	Concurrency int

	Runtime        string
	DockerHost     string
	Namespace      string
	ServiceAccount string

	Image       string
	Command     []string
	Env         map[string]string
	PullPolicy  string
	Network     string
	MaxDuration time.Duration
	// Memory and CPUs limit each task container, as quantities like "512Mi"
	// and "1.5". Empty means unlimited.
	Memory string
	CPUs   string

	// LogRetention is how long finished log streams stay available for replay.
	LogRetention time.Duration
}

// Validate reports every configuration problem at once.
func (o *Options) Validate() error {
	var errs []error
	if o.APIKey == "" {
		errs = append(errs, errors.New("worker api key is required"))
	}
	if o.StatusURL == "" {
		errs = append(errs, errors.New("status store url is required"))
	}
	if o.StatusAPIKey == "" {
		errs = append(errs, errors.New("status store api key is required"))
	}
	if o.RedisURL == "" {
		errs = append(errs, fmt.Errorf("redis url is required (use %q for an in-process queue)", MemoryBroker))
	}
	if o.Image == "" {
		errs = append(errs, errors.New("run image is required"))
	}
	if o.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", o.Concurrency))
	}
	if o.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must not be negative, got %d", o.MaxAttempts))
	}
	if o.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %d", o.RateLimitPerMinute))
	}
	switch o.Runtime {
	case RuntimeDocker:
	case RuntimeKubernetes:
		if o.Namespace == "" {
			errs = append(errs, errors.New("namespace is required for the kubernetes runtime"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid runtime %q: must be one of %s, %s", o.Runtime, RuntimeDocker, RuntimeKubernetes))
	}
	switch o.PullPolicy {
	case "", docker.PullIfNotPresent, docker.PullAlways:
	default:
		errs = append(errs, fmt.Errorf("invalid pull policy %q: must be one of %s, %s", o.PullPolicy, docker.PullIfNotPresent, docker.PullAlways))
	}
	if _, _, err := o.limits(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Options) limits() (memory, cpu *resource.Quantity, err error) {
	if o.Memory != "" {
		q, perr := resource.ParseQuantity(o.Memory)
		if perr != nil || q.Sign() <= 0 {
			return nil, nil, fmt.Errorf("invalid memory limit %q", o.Memory)
		}
		memory = &q
	}
	if o.CPUs != "" {
		q, perr := resource.ParseQuantity(o.CPUs)
		if perr != nil || q.Sign() <= 0 {
			return nil, nil, fmt.Errorf("invalid cpu limit %q", o.CPUs)
		}
		cpu = &q
	}
	return memory, cpu, nil
}

// dockerResources returns the memory limit in bytes and the CPU limit in nano CPUs.
func (o *Options) dockerResources() (memoryBytes, nanoCPUs int64) {
	memory, cpu, _ := o.limits()
	if memory != nil {
		memoryBytes = memory.Value()
	}
	if cpu != nil {
		nanoCPUs = cpu.MilliValue() * 1_000_000
	}
	return memoryBytes, nanoCPUs
}

// podResources requests what it limits, so task pods get a fixed share of the node.
func (o *Options) podResources() corev1.ResourceRequirements {
	memory, cpu, _ := o.limits()
	list := corev1.ResourceList{}
	if memory != nil {
		list[corev1.ResourceMemory] = *memory
	}
	if cpu != nil {
		list[corev1.ResourceCPU] = *cpu
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: list, Requests: list.DeepCopy()}
}
