package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/escrowd/escrowd/pkg/log"
)

// Terminal task states reported by a node-agent.
const (
	StateComplete = "complete"
	StateFailed   = "failed"
	StateTimeout  = "timeout"
)

// WaitDeadline bounds a single task wait. A deadline hit is a per-target
// error; the batch keeps going.
const WaitDeadline = 5 * time.Minute

// Task is a node-agent task as reported by its status endpoint.
type Task struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ErrorMsg string `json:"error,omitempty"`
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StateComplete, StateFailed, StateTimeout:
		return true
	}
	return false
}

// TaskRequest is the payload submitted to a compute node's agent for one
// recovery-configuration action.
type TaskRequest struct {
	Action       string `json:"action"`
	PIVToken     string `json:"pivtoken"`
	RecoveryUUID string `json:"recovery_uuid"`
	Template     string `json:"template"`
	Token        string `json:"token"`
}

// Executor submits tasks to compute-node agents and waits on them. The real
// implementation speaks HTTP to the per-node agent; tests substitute a fake.
type Executor interface {
	SubmitTask(ctx context.Context, cnUUID string, req TaskRequest) (string, error)
	WaitTask(ctx context.Context, cnUUID, taskID string) (*Task, error)
}

// Client is the HTTP Executor. Task submission posts to the agent gateway;
// waits poll the task status until it is terminal or the context expires.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollInterval overrides the task-status poll interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates an Executor talking to the agent gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitTask posts one task and returns the agent-issued task id.
func (c *Client) SubmitTask(ctx context.Context, cnUUID string, req TaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode task request: %w", err)
	}

	url := fmt.Sprintf("%s/cns/%s/tasks", c.baseURL, cnUUID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to submit task to cn %s: %w", cnUUID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("agent on cn %s rejected task: %s: %s", cnUUID, resp.Status, msg)
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return "", fmt.Errorf("failed to decode task response: %w", err)
	}
	if task.ID == "" {
		return "", fmt.Errorf("agent on cn %s returned no task id", cnUUID)
	}

	logger := log.WithComponent("agent")
	logger.Debug().
		Str("cn", cnUUID).
		Str("task", task.ID).
		Str("action", req.Action).
		Msg("task submitted")
	return task.ID, nil
}

// WaitTask polls the task until it reaches a terminal state. The caller
// bounds the wait through ctx; a context hit surfaces as an error.
func (c *Client) WaitTask(ctx context.Context, cnUUID, taskID string) (*Task, error) {
	url := fmt.Sprintf("%s/cns/%s/tasks/%s", c.baseURL, cnUUID, taskID)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.getTask(ctx, url)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s on cn %s: %w", taskID, cnUUID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) getTask(ctx context.Context, url string) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("task status %s: %s", resp.Status, msg)
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	return &task, nil
}
