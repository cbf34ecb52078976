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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moru-ai/worker/pkg/worker"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("moru-worker"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WORKER_API_KEY", "worker-key")
	t.Setenv("CONVEX_URL", "https://store.example.com")
	t.Setenv("CONVEX_WORKER_API_KEY", "store-key")
	t.Setenv("RUN_IMAGE", "moru/agent:latest")
}

func TestServeDefaults(t *testing.T) {
	setRequiredEnv(t)
	cli, kctx := parse(t)
	assert.Equal(t, "serve", kctx.Command())

	opts := cli.Serve.options()
	assert.Equal(t, "0.0.0.0:8080", opts.ListenAddr)
	assert.Equal(t, "worker-key", opts.APIKey)
	assert.Equal(t, "https://store.example.com", opts.StatusURL)
	assert.Equal(t, "store-key", opts.StatusAPIKey)
	assert.Equal(t, "worker:setTaskStatus", opts.StatusMutation)
	assert.Equal(t, "redis://localhost:6379/0", opts.RedisURL)
	assert.Equal(t, "tasks", opts.QueueName)
	assert.Equal(t, 1, opts.MaxAttempts)
	assert.Equal(t, 5*time.Second, opts.Backoff)
	assert.Equal(t, 30*time.Second, opts.LockTTL)
	assert.Equal(t, 2, opts.Concurrency)
	assert.Equal(t, worker.RuntimeDocker, opts.Runtime)
	assert.Equal(t, "/var/run/docker.sock", opts.DockerHost)
	assert.Equal(t, "if-not-present", opts.PullPolicy)
	assert.Equal(t, 100, opts.RateLimitPerMinute)
	assert.Equal(t, "info", cli.LogLevel)
	require.NoError(t, opts.Validate())
}

func TestServeFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("REDIS_URL", "memory")
	t.Setenv("CONTAINER_RUNTIME", "kubernetes")
	t.Setenv("KUBE_NAMESPACE", "tasks")
	t.Setenv("RUN_COMMAND", "agent,run")
	t.Setenv("RUN_ENV", "LOG_FORMAT=json;REGION=eu")
	t.Setenv("RUN_MAX_DURATION", "2h")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "3")
	t.Setenv("RUN_MEMORY", "512Mi")
	t.Setenv("RUN_CPUS", "1.5")

	cli, _ := parse(t, "serve")
	opts := cli.Serve.options()

	assert.Equal(t, "0.0.0.0:9000", opts.ListenAddr)
	assert.Equal(t, 8, opts.Concurrency)
	assert.Equal(t, worker.MemoryBroker, opts.RedisURL)
	assert.Equal(t, worker.RuntimeKubernetes, opts.Runtime)
	assert.Equal(t, "tasks", opts.Namespace)
	assert.Equal(t, []string{"agent", "run"}, opts.Command)
	assert.Equal(t, map[string]string{"LOG_FORMAT": "json", "REGION": "eu"}, opts.Env)
	assert.Equal(t, 2*time.Hour, opts.MaxDuration)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, "512Mi", opts.Memory)
	assert.Equal(t, "1.5", opts.CPUs)
	require.NoError(t, opts.Validate())
}

func TestServeRejectsUnknownRuntime(t *testing.T) {
	setRequiredEnv(t)
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"serve", "--runtime", "podman"})
	require.Error(t, err)
}

func TestEnqueueCmd(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobId":"job-1"}`))
	}))
	defer ts.Close()

	t.Setenv("WORKER_URL", ts.URL)
	t.Setenv("WORKER_API_KEY", "worker-key")

	cli, kctx := parse(t, "enqueue", "t1")
	assert.Equal(t, "enqueue <task-id>", kctx.Command())
	assert.Equal(t, "t1", cli.Enqueue.TaskID)

	require.NoError(t, cli.Enqueue.Run(cli))
	assert.Equal(t, "Bearer worker-key", gotAuth)
}

func TestSetupLogger(t *testing.T) {
	require.NoError(t, setupLogger("debug", true))
	require.Error(t, setupLogger("loud", false))
}
