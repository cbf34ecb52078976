package status

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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// DefaultMutation is the store mutation that records task status.
const DefaultMutation = "worker:setTaskStatus"

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for store requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger for the client.
func WithLogger(l logr.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithMutation overrides the mutation path called on the store.
func WithMutation(path string) ClientOption {
	return func(cl *Client) { cl.mutation = path }
}

// WithMaxRetries bounds how often a transient failure is retried. Zero disables retries.
func WithMaxRetries(n uint64) ClientOption {
	return func(cl *Client) { cl.maxRetries = n }
}

// Client implements Recorder against the store's HTTP mutation endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	mutation   string
	maxRetries uint64
	httpClient *http.Client
	logger     logr.Logger
	newBackOff func() backoff.BackOff
}

var _ Recorder = (*Client)(nil)

// NewClient creates a status client for the store at baseURL, authenticating with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		mutation:   DefaultMutation,
		maxRetries: 3,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logr.Discard(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// mutationRequest is the JSON body accepted by the store's /api/mutation endpoint.
type mutationRequest struct {
	Path   string        `json:"path"`
	Args   setStatusArgs `json:"args"`
	Format string        `json:"format"`
}

type setStatusArgs struct {
	TaskID string `json:"taskId"`
	Status Status `json:"status"`
	APIKey string `json:"apiKey"`
}

// mutationResponse mirrors the store's mutation result envelope.
type mutationResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorData    *struct {
		Code string `json:"code"`
	} `json:"errorData,omitempty"`
}

// SetStatus records status for taskID. Transient failures are retried with
// exponential backoff up to the configured limit; the last error is returned.
func (c *Client) SetStatus(ctx context.Context, taskID string, status Status) error {
	if !status.Writable() {
		return fmt.Errorf("status %q cannot be written by the worker", status)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.setStatusOnce(ctx, taskID, status)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.V(1).Info("status write failed, will retry", "taskID", taskID, "status", status, "attempt", attempt, "error", err.Error())
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("setting task %s status to %s: %w", taskID, status, err)
	}
	return nil
}

func (c *Client) setStatusOnce(ctx context.Context, taskID string, status Status) error {
	payload := mutationRequest{
		Path:   c.mutation,
		Args:   setStatusArgs{TaskID: taskID, Status: status, APIKey: c.apiKey},
		Format: "json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling status update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/mutation", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// envelope decoded below
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return &TransientError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(respBody)))}
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result mutationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decoding mutation response: %w", err)
	}
	if result.Status == "success" {
		return nil
	}

	code := ""
	if result.ErrorData != nil {
		code = result.ErrorData.Code
	}
	switch code {
	case "Unauthorized":
		return ErrUnauthorized
	case "NotFound":
		return ErrNotFound
	}
	return fmt.Errorf("status mutation failed: %s", result.ErrorMessage)
}
