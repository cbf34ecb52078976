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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// ErrUnauthorized is returned by Client when the worker rejects the api key.
var ErrUnauthorized = errors.New("worker rejected api key")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(l logr.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// Client enqueues tasks on a running worker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logr.Logger
}

// NewClient creates a Client for the worker at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue asks the worker to run taskID and returns the new job id.
func (c *Client) Enqueue(ctx context.Context, taskID string) (string, error) {
	body, err := json.Marshal(EnqueueRequest{TaskID: taskID})
	if err != nil {
		return "", fmt.Errorf("marshaling enqueue request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("enqueueing task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// parse below
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	default:
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errResp.Error)
		}
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out EnqueueResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decoding enqueue response: %w", err)
	}
	if out.JobID == "" {
		return "", errors.New("worker returned an empty job id")
	}
	c.logger.V(1).Info("task enqueued", "taskID", taskID, "jobID", out.JobID)
	return out.JobID, nil
}
