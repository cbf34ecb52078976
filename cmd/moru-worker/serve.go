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

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/moru-ai/worker/pkg/worker"
)

type ServeCmd struct {
	Host               string `help:"Listen host" default:"0.0.0.0" env:"HOST"`
	Port               int    `help:"Listen port" default:"8080" env:"PORT"`
	APIKey             string `help:"Bearer credential required by the ingress endpoint" required:"" env:"WORKER_API_KEY"`
	RateLimitPerMinute int    `help:"Authenticated requests per client IP and minute (0 disables)" default:"100" env:"RATE_LIMIT_PER_MINUTE"`

	StatusURL      string `help:"Base URL of the task status store" required:"" env:"CONVEX_URL"`
	StatusAPIKey   string `help:"Shared secret for status writes" required:"" env:"CONVEX_WORKER_API_KEY"`
	StatusMutation string `help:"Mutation that records task status" default:"worker:setTaskStatus" env:"STATUS_MUTATION"`

	RedisURL    string        `help:"Redis URL of the job queue, or 'memory' for an in-process queue" default:"redis://localhost:6379/0" env:"REDIS_URL"`
	QueueName   string        `help:"Queue name" default:"tasks" env:"QUEUE_NAME"`
	MaxAttempts int           `help:"Deliveries per job before it is dead-lettered" default:"1" env:"QUEUE_MAX_ATTEMPTS"`
	Backoff     time.Duration `help:"Delay before the first redelivery, doubled per attempt" default:"5s" env:"QUEUE_BACKOFF"`
	LockTTL     time.Duration `help:"Lock lifetime of a claimed job" default:"30s" env:"QUEUE_LOCK_TTL"`

	Concurrency int `help:"Number of jobs run at the same time" default:"2" env:"WORKER_CONCURRENCY"`

	Runtime        string `help:"Container runtime" default:"docker" enum:"docker,kubernetes" env:"CONTAINER_RUNTIME"`
	DockerSocket   string `help:"Docker daemon socket path or URL" default:"/var/run/docker.sock" env:"DOCKER_SOCKET_PATH"`
	Namespace      string `help:"Namespace for task pods" default:"moru" env:"KUBE_NAMESPACE"`
	ServiceAccount string `help:"Service account of task pods" env:"KUBE_SERVICE_ACCOUNT"`

	Image       string            `help:"Image every task runs in" required:"" env:"RUN_IMAGE"`
	Command     []string          `help:"Command override, comma separated" env:"RUN_COMMAND"`
	Env         map[string]string `help:"Extra container environment, KEY=VALUE;KEY2=VALUE2" env:"RUN_ENV"`
	PullPolicy  string            `help:"Image pull policy" default:"if-not-present" enum:"if-not-present,always" env:"RUN_PULL_POLICY"`
	Network     string            `help:"Docker network mode of task containers" env:"RUN_NETWORK"`
	MaxDuration time.Duration     `help:"Maximum runtime of a task pod (0 for none)" default:"0s" env:"RUN_MAX_DURATION"`
	Memory      string            `help:"Memory limit of task containers, e.g. 512Mi" env:"RUN_MEMORY"`
	CPUs        string            `help:"CPU limit of task containers, e.g. 1.5" env:"RUN_CPUS"`

	LogRetention time.Duration `help:"How long finished log streams can be replayed" default:"10m" env:"LOG_RETENTION"`
}

func (c *ServeCmd) options() worker.Options {
	return worker.Options{
		ListenAddr:         net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		APIKey:             c.APIKey,
		RateLimitPerMinute: c.RateLimitPerMinute,
		StatusURL:          c.StatusURL,
		StatusAPIKey:       c.StatusAPIKey,
		StatusMutation:     c.StatusMutation,
		RedisURL:           c.RedisURL,
		QueueName:          c.QueueName,
		MaxAttempts:        c.MaxAttempts,
		Backoff:            c.Backoff,
		LockTTL:            c.LockTTL,
		Concurrency:        c.Concurrency,
		Runtime:            c.Runtime,
		DockerHost:         c.DockerSocket,
		Namespace:          c.Namespace,
		ServiceAccount:     c.ServiceAccount,
		Image:              c.Image,
		Command:            c.Command,
		Env:                c.Env,
		PullPolicy:         c.PullPolicy,
		Network:            c.Network,
		MaxDuration:        c.MaxDuration,
		Memory:             c.Memory,
		CPUs:               c.CPUs,
		LogRetention:       c.LogRetention,
	}
}

func (c *ServeCmd) Run(_ *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return worker.Run(ctx, c.options())
}
