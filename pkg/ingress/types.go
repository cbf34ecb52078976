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
	"github.com/moru-ai/worker/pkg/logs"
	"github.com/moru-ai/worker/pkg/queue"
)

// EnqueueRequest is the JSON body for POST /jobs.
type EnqueueRequest struct {
	TaskID string `json:"taskId"`
}

// EnqueueResponse is returned once the job is in the queue.
type EnqueueResponse struct {
	JobID string `json:"jobId"`
}

// JobLogsResponse is the JSON response for GET /jobs/{jobID}/logs.
type JobLogsResponse struct {
	JobID string   `json:"jobId"`
	Lines []string `json:"lines"`
}

// WorkerStats reports slot usage of the local pool.
type WorkerStats struct {
	Size int `json:"size"`
	Busy int `json:"busy"`
}

// QueueStatsResponse is the JSON response for GET /admin/queue.
type QueueStatsResponse struct {
	Queue   queue.Stats  `json:"queue"`
	Workers *WorkerStats `json:"workers,omitempty"`
}

// ErrorResponse is the JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WebSocket message types sent on the log stream.
const (
	MessageLog      = "log"
	MessageComplete = "complete"
)

// WSMessage wraps every frame sent on the log stream.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// LogMessage is the data of a "log" frame.
type LogMessage = logs.Line

// CompleteMessage is the data of the final "complete" frame.
type CompleteMessage struct {
	JobID     string      `json:"jobId"`
	State     queue.State `json:"state"`
	LastError string      `json:"lastError,omitempty"`
}
