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
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/moru-ai/worker/pkg/logs"
	"github.com/moru-ai/worker/pkg/queue"
)

// streamJobLogs handles GET /jobs/{jobID}/logs/stream (WebSocket upgrade).
// Buffered lines with seq > after are replayed first, then live lines follow
// until the job's execution ends.
func (s *Server) streamJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	log := s.log.WithValues("jobID", jobID)

	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "log streaming is not enabled", "")
		return
	}

	job, err := s.broker.Get(r.Context(), jobID)
	if err != nil {
		s.writeQueueError(w, err, jobID, "failed to get job")
		return
	}

	var after int64
	if afterParam := r.URL.Query().Get("after"); afterParam != "" {
		after, err = strconv.ParseInt(afterParam, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter", err.Error())
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error(err, "failed to accept websocket")
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())

	// A finished job whose lines already left the hub is served from the broker.
	if finished(job.State) && !s.hub.IsStreamDone(jobID) {
		lines, err := s.broker.Logs(ctx, jobID)
		if err != nil {
			log.Error(err, "failed to read persisted logs")
			_ = conn.Close(websocket.StatusInternalError, "failed to read logs")
			return
		}
		for i, text := range lines {
			seq := int64(i + 1)
			if seq <= after {
				continue
			}
			if !s.send(ctx, conn, MessageLog, logs.Line{Sequence: seq, Text: text}) {
				return
			}
		}
		s.complete(ctx, conn, job)
		return
	}

	history, ch, unsubscribe := s.hub.Subscribe(jobID, after)
	defer unsubscribe()

	for _, l := range history {
		if !s.send(ctx, conn, MessageLog, l) {
			return
		}
	}

	if ch != nil {
		for l := range ch {
			if !s.send(ctx, conn, MessageLog, l) {
				return
			}
		}
		if !s.hub.IsStreamDone(jobID) {
			_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer evicted")
			return
		}
	}

	// The job state is re-read so the final frame reflects ack or fail.
	if fresh, err := s.broker.Get(ctx, jobID); err == nil {
		job = fresh
	}
	s.complete(ctx, conn, job)
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, typ string, data any) bool {
	payload, err := json.Marshal(WSMessage{Type: typ, Data: data})
	if err != nil {
		s.log.Error(err, "failed to marshal stream message")
		return false
	}
	return conn.Write(ctx, websocket.MessageText, payload) == nil
}

func (s *Server) complete(ctx context.Context, conn *websocket.Conn, job *queue.Job) {
	s.send(ctx, conn, MessageComplete, CompleteMessage{JobID: job.ID, State: job.State, LastError: job.LastError})
	_ = conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func finished(st queue.State) bool {
	return st == queue.StateCompleted || st == queue.StateDead
}
