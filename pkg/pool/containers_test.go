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
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moru-ai/worker/internal/execution"
	"github.com/moru-ai/worker/pkg/container"
	"github.com/moru-ai/worker/pkg/queue"
	"github.com/moru-ai/worker/pkg/status"
)

type nopRecorder struct{}

func (nopRecorder) SetStatus(context.Context, string, status.Status) error { return nil }

// liveBackend counts containers between Start and Remove. Containers exit once
// release is closed.
type liveBackend struct {
	release chan struct{}

	mu      sync.Mutex
	live    int
	peak    int
	removed int
}

func (b *liveBackend) PullImage(context.Context, string) error { return nil }

func (b *liveBackend) Create(_ context.Context, spec container.Spec) (container.Handle, error) {
	return container.Handle{ID: spec.Name, Name: spec.Name}, nil
}

func (b *liveBackend) Attach(context.Context, container.Handle) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *liveBackend) Start(context.Context, container.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live++
	b.peak = max(b.peak, b.live)
	return nil
}

func (b *liveBackend) Wait(context.Context, container.Handle) (int64, error) {
	<-b.release
	return 0, nil
}

func (b *liveBackend) Remove(context.Context, container.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live--
	b.removed++
	return nil
}

func (b *liveBackend) liveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

func TestPool_BoundsRunningContainers(t *testing.T) {
	const size = 2
	q := queue.NewMemoryQueue(queue.DefaultPolicy())
	backend := &liveBackend{release: make(chan struct{})}
	exec := execution.New(nopRecorder{}, backend, execution.Config{Image: "moru/agent:latest"})
	proc := ProcessorFunc(func(ctx context.Context, job queue.Job) error {
		_, err := exec.Execute(ctx, job)
		return err
	})

	enqueue(t, q, "t1", "t2", "t3", "t4", "t5", "t6")
	cancel, done := startPool(t, New(q, proc, size))

	require.Eventually(t, func() bool { return backend.liveCount() == size }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, size, backend.liveCount(), "no more containers than slots")

	close(backend.release)
	require.Eventually(t, func() bool { return stats(t, q).Completed == 6 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	waitStopped(t, done)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, size, backend.peak)
	assert.Equal(t, 6, backend.removed)
	assert.Zero(t, backend.live)
}
