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

package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/moru-ai/worker/pkg/container"
)

// logStream follows the task container's logs, opening the stream on first Read.
type logStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	b      *Backend
	h      container.Handle

	once sync.Once
	mu   sync.Mutex
	rc   io.ReadCloser
	err  error
}

func newLogStream(ctx context.Context, b *Backend, h container.Handle) *logStream {
	ctx, cancel := context.WithCancel(ctx)
	return &logStream{ctx: ctx, cancel: cancel, b: b, h: h}
}

func (s *logStream) Read(p []byte) (int, error) {
	s.once.Do(s.open)
	s.mu.Lock()
	rc, err := s.rc, s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return rc.Read(p)
}

func (s *logStream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc != nil {
		return s.rc.Close()
	}
	return nil
}

func (s *logStream) open() {
	err := wait.PollUntilContextCancel(s.ctx, s.b.pollInterval, true, func(ctx context.Context) (bool, error) {
		uid, ok := s.b.started(s.h)
		if !ok {
			// Attach precedes Start.
			return false, nil
		}
		pod, err := s.b.ownPod(ctx, s.h, uid)
		if apierrors.IsNotFound(err) {
			return false, fmt.Errorf("pod %s disappeared", s.h.Name)
		}
		if errors.Is(err, errPodReplaced) {
			return false, err
		}
		if err != nil {
			return false, nil
		}
		out := inspectPod(pod)
		if out.err != nil {
			return false, out.err
		}
		return out.running || out.done, nil
	})
	if err != nil {
		s.setResult(nil, fmt.Errorf("waiting for task container to start: %w", err))
		return
	}

	rc, err := s.b.client.CoreV1().Pods(s.b.cfg.Namespace).GetLogs(s.h.Name, &corev1.PodLogOptions{
		Container: taskContainerName,
		Follow:    true,
	}).Stream(s.ctx)
	if err != nil {
		s.setResult(nil, fmt.Errorf("opening log stream: %w", err))
		return
	}
	s.setResult(rc, nil)
}

func (s *logStream) setResult(rc io.ReadCloser, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.ctx.Err(), context.Canceled) && rc != nil {
		_ = rc.Close()
		rc, err = nil, io.EOF
	}
	s.rc, s.err = rc, err
}
