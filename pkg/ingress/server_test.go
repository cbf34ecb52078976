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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moru-ai/worker/pkg/queue"
)

const testAPIKey = "s3cret-worker-key"

// countingBroker records enqueues and can fail Ping and Enqueue.
type countingBroker struct {
	*queue.MemoryQueue
	enqueued   atomic.Int32
	pingErr    error
	enqueueErr error
}

func newCountingBroker() *countingBroker {
	return &countingBroker{MemoryQueue: queue.NewMemoryQueue(queue.DefaultPolicy())}
}

func (b *countingBroker) Enqueue(ctx context.Context, taskID string) (string, error) {
	if b.enqueueErr != nil {
		return "", b.enqueueErr
	}
	b.enqueued.Add(1)
	return b.MemoryQueue.Enqueue(ctx, taskID)
}

func (b *countingBroker) Ping(ctx context.Context) error {
	if b.pingErr != nil {
		return b.pingErr
	}
	return b.MemoryQueue.Ping(ctx)
}

type fixedSlots struct{ size, busy int }

func (f fixedSlots) Size() int { return f.size }
func (f fixedSlots) Busy() int { return f.busy }

func newTestServer(b queue.Broker, opts ...Option) *Server {
	return NewServer(Options{APIKey: testAPIKey}, b, opts...)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + testAPIKey,
		"Content-Type":  "application/json",
	}
}

func TestEnqueueJob(t *testing.T) {
	for _, path := range []string{"/jobs", "/api/tasks"} {
		t.Run(path, func(t *testing.T) {
			b := newCountingBroker()
			srv := newTestServer(b)

			w := doRequest(t, srv.Handler(), http.MethodPost, path, `{"taskId":"t1"}`, authHeaders())
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp EnqueueResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.JobID)
			assert.Equal(t, int32(1), b.enqueued.Load())

			job, err := b.Get(context.Background(), resp.JobID)
			require.NoError(t, err)
			assert.Equal(t, "t1", job.TaskID)
			assert.Equal(t, queue.StateWaiting, job.State)
		})
	}
}

func TestEnqueueJob_EachRequestInsertsOnce(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)

	ids := map[string]bool{}
	for range 3 {
		w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, authHeaders())
		require.Equal(t, http.StatusOK, w.Code)
		var resp EnqueueResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids[resp.JobID] = true
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, int32(3), b.enqueued.Load())
}

func TestEnqueueJob_Unauthorized(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic " + testAPIKey, "authorization scheme must be Bearer"},
		{"no token", "Bearer", "authorization scheme must be Bearer"},
		{"wrong key", "Bearer not-the-key", "invalid worker api key"},
		{"key prefix", "Bearer " + testAPIKey[:5], "invalid worker api key"},
		{"key with suffix", "Bearer " + testAPIKey + "x", "invalid worker api key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newCountingBroker()
			srv := newTestServer(b)

			header := map[string]string{"Content-Type": "application/json"}
			if tt.header != "" {
				header["Authorization"] = tt.header
			}
			w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, header)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantErr, resp.Error)
			assert.Equal(t, int32(0), b.enqueued.Load(), "unauthorized requests never enqueue")
		})
	}
}

func TestBearerAuth_SchemeIsCaseInsensitive(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, map[string]string{
		"Authorization": "bearer " + testAPIKey,
		"Content-Type":  "application/json",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBearerAuth_EmptyKeyRejectsAll(t *testing.T) {
	b := newCountingBroker()
	srv := NewServer(Options{}, b)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, map[string]string{
		"Authorization": "Bearer ",
		"Content-Type":  "application/json",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), b.enqueued.Load())
}

func TestEnqueueJob_BadRequests(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantErr     string
	}{
		{"wrong content type", `{"taskId":"t1"}`, "text/plain", http.StatusUnsupportedMediaType, "Content-Type must be application/json"},
		{"invalid json", `{"taskId":`, "application/json", http.StatusBadRequest, "invalid request body"},
		{"missing taskId", `{}`, "application/json", http.StatusBadRequest, "taskId is required"},
		{"blank taskId", `{"taskId":"  "}`, "application/json", http.StatusBadRequest, "taskId is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newCountingBroker()
			srv := newTestServer(b)

			w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", tt.body, map[string]string{
				"Authorization": "Bearer " + testAPIKey,
				"Content-Type":  tt.contentType,
			})
			assert.Equal(t, tt.wantStatus, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantErr, resp.Error)
			assert.Equal(t, int32(0), b.enqueued.Load())
		})
	}
}

func TestEnqueueJob_BrokerFailure(t *testing.T) {
	b := newCountingBroker()
	b.enqueueErr = errors.New("connection refused")
	srv := newTestServer(b)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, authHeaders())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestGetJob(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)
	jobID, err := b.Enqueue(context.Background(), "t1")
	require.NoError(t, err)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/jobs/"+jobID, "", authHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var job queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "t1", job.TaskID)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/jobs/missing", "", authHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/jobs/"+jobID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetJobLogs(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)
	ctx := context.Background()
	jobID, err := b.Enqueue(ctx, "t1")
	require.NoError(t, err)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/jobs/"+jobID+"/logs", "", authHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobId":"`+jobID+`","lines":[]}`, w.Body.String())

	require.NoError(t, b.AppendLog(ctx, jobID, "hello"))
	require.NoError(t, b.AppendLog(ctx, jobID, "world"))

	w = doRequest(t, srv.Handler(), http.MethodGet, "/jobs/"+jobID+"/logs", "", authHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var resp JobLogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"hello", "world"}, resp.Lines)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/jobs/missing/logs", "", authHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStats(t *testing.T) {
	b := newCountingBroker()
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := b.Enqueue(ctx, id)
		require.NoError(t, err)
	}
	job, err := b.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, job.ID))

	t.Run("with slots", func(t *testing.T) {
		srv := newTestServer(b, WithSlots(fixedSlots{size: 4, busy: 1}))
		w := doRequest(t, srv.Handler(), http.MethodGet, "/admin/queue", "", authHeaders())
		require.Equal(t, http.StatusOK, w.Code)

		var resp QueueStatsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(2), resp.Queue.Waiting)
		assert.Equal(t, int64(1), resp.Queue.Completed)
		require.NotNil(t, resp.Workers)
		assert.Equal(t, 4, resp.Workers.Size)
		assert.Equal(t, 1, resp.Workers.Busy)
	})

	t.Run("without slots", func(t *testing.T) {
		srv := newTestServer(b)
		w := doRequest(t, srv.Handler(), http.MethodGet, "/admin/queue", "", authHeaders())
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "workers")
	})
}

func TestHealthEndpoints(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = doRequest(t, srv.Handler(), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	b.pingErr = errors.New("redis down")
	w = doRequest(t, srv.Handler(), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	b := newCountingBroker()
	srv := newTestServer(b)

	w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, authHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "moru_worker_jobs_enqueued_total")
}

func TestRateLimit(t *testing.T) {
	b := newCountingBroker()
	srv := NewServer(Options{APIKey: testAPIKey, RateLimitPerMinute: 2}, b)

	for range 2 {
		w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, authHeaders())
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(t, srv.Handler(), http.MethodPost, "/jobs", `{"taskId":"t1"}`, authHeaders())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, int32(2), b.enqueued.Load())

	// Health probes are not rate limited.
	w = doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerRun_ShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Options{ListenAddr: "127.0.0.1:0", APIKey: testAPIKey}, newCountingBroker())
	assert.Equal(t, "ingress", srv.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
