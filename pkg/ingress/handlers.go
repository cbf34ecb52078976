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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/moru-ai/worker/internal/metrics"
	"github.com/moru-ai/worker/pkg/queue"
)

const maxRequestBody = 1 << 20

// enqueueJob handles POST /jobs.
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required", "")
		return
	}

	jobID, err := s.broker.Enqueue(r.Context(), taskID)
	if err != nil {
		s.log.Error(err, "failed to enqueue job", "taskID", taskID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job", "")
		return
	}
	metrics.JobsEnqueued.Inc()
	s.log.Info("job enqueued", "taskID", taskID, "jobID", jobID)

	writeJSON(w, http.StatusOK, EnqueueResponse{JobID: jobID})
}

// getJob handles GET /jobs/{jobID}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.broker.Get(r.Context(), jobID)
	if err != nil {
		s.writeQueueError(w, err, jobID, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// getJobLogs handles GET /jobs/{jobID}/logs.
func (s *Server) getJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	lines, err := s.broker.Logs(r.Context(), jobID)
	if err != nil {
		s.writeQueueError(w, err, jobID, "failed to get job logs")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, JobLogsResponse{JobID: jobID, Lines: lines})
}

// queueStats handles GET /admin/queue.
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Stats(r.Context())
	if err != nil {
		s.log.Error(err, "failed to read queue stats")
		writeError(w, http.StatusInternalServerError, "failed to read queue stats", "")
		return
	}
	resp := QueueStatsResponse{Queue: st}
	if s.slots != nil {
		resp.Workers = &WorkerStats{Size: s.slots.Size(), Busy: s.slots.Busy()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error, jobID, msg string) {
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	s.log.Error(err, msg, "jobID", jobID)
	writeError(w, http.StatusInternalServerError, msg, "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal encoding error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
