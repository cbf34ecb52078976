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

package logs

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/rand"
)

const maxLinesPerJob = 1000

// Line is one line of container output.
type Line struct {
	Sequence int64     `json:"seq"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
}

// Hub fans container output out to live subscribers, per job.
type Hub struct {
	mu        sync.RWMutex
	jobs      map[string]*jobStream
	retention time.Duration
}

type jobStream struct {
	mu          sync.RWMutex
	lines       []Line
	subscribers map[string]chan Line
	done        bool
}

// NewHub creates a Hub. Completed streams are dropped after retention;
// zero keeps them until Cleanup is called.
func NewHub(retention time.Duration) *Hub {
	return &Hub{
		jobs:      make(map[string]*jobStream),
		retention: retention,
	}
}

func (h *Hub) getOrCreateStream(jobID string) *jobStream {
	h.mu.RLock()
	js, ok := h.jobs[jobID]
	h.mu.RUnlock()
	if ok {
		return js
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if js, ok := h.jobs[jobID]; ok {
		return js
	}
	js = &jobStream{
		subscribers: make(map[string]chan Line),
	}
	h.jobs[jobID] = js
	return js
}

// Publish appends lines to the job's buffer and fans them out to subscribers.
// Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(jobID string, lines ...Line) {
	js := h.getOrCreateStream(jobID)

	js.mu.Lock()
	defer js.mu.Unlock()

	if js.done {
		return
	}

	for _, l := range lines {
		if len(js.lines) >= maxLinesPerJob {
			js.lines = js.lines[1:]
		}
		js.lines = append(js.lines, l)
	}

	for id, ch := range js.subscribers {
	send:
		for _, l := range lines {
			select {
			case ch <- l:
			default:
				close(ch)
				delete(js.subscribers, id)
				break send
			}
		}
	}
}

// Subscribe returns buffered lines with sequence > after and a channel of live lines.
// The channel is nil when the stream has already completed.
func (h *Hub) Subscribe(jobID string, after int64) (history []Line, ch <-chan Line, unsubscribe func()) {
	js := h.getOrCreateStream(jobID)

	js.mu.Lock()
	defer js.mu.Unlock()

	for _, l := range js.lines {
		if l.Sequence > after {
			history = append(history, l)
		}
	}

	if js.done {
		return history, nil, func() {}
	}

	subCh := make(chan Line, 64)
	subID := rand.String(8)
	js.subscribers[subID] = subCh

	unsubscribe = func() {
		js.mu.Lock()
		defer js.mu.Unlock()
		if _, ok := js.subscribers[subID]; ok {
			delete(js.subscribers, subID)
			close(subCh)
		}
	}

	return history, subCh, unsubscribe
}

// Reset discards buffered lines of a job that is being delivered again.
func (h *Hub) Reset(jobID string) {
	h.mu.Lock()
	js, ok := h.jobs[jobID]
	if ok && js.done {
		delete(h.jobs, jobID)
	}
	h.mu.Unlock()
	if ok && !js.done {
		js.mu.Lock()
		js.lines = nil
		js.mu.Unlock()
	}
}

// Complete marks the job's stream done and closes all subscriber channels.
func (h *Hub) Complete(jobID string) {
	h.mu.RLock()
	js, ok := h.jobs[jobID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	js.mu.Lock()
	if js.done {
		js.mu.Unlock()
		return
	}
	js.done = true
	for id, ch := range js.subscribers {
		close(ch)
		delete(js.subscribers, id)
	}
	js.mu.Unlock()

	if h.retention > 0 {
		time.AfterFunc(h.retention, func() { h.cleanupIfSame(jobID, js) })
	}
}

// IsStreamDone reports whether Complete has been called for the job.
func (h *Hub) IsStreamDone(jobID string) bool {
	h.mu.RLock()
	js, ok := h.jobs[jobID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.done
}

// Cleanup removes a job's stream entirely, closing any subscriber channels first.
func (h *Hub) Cleanup(jobID string) {
	h.Complete(jobID)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, jobID)
}

func (h *Hub) cleanupIfSame(jobID string, js *jobStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[jobID] == js {
		delete(h.jobs, jobID)
	}
}
