package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Client talks to one container's Task API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the Task API at address, which is either
// host:port or a full base URL. hc should have no overall timeout so that
// streams can stay open; per-call deadlines come from the context.
func NewClient(address string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), http: hc}
}

// Execute starts a task.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (TaskResponse, error) {
	var resp TaskResponse
	err := c.postJSON(ctx, "execute", PathExecute, req, &resp)
	return resp, err
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (TaskResponse, error) {
	var resp TaskResponse
	err := c.postJSON(ctx, "cancel", PathCancel, CancelRequest{TaskID: taskID}, &resp)
	return resp, err
}

// Health fetches the runner's health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return resp, err
	}
	err = c.do(req, "health", &resp)
	return resp, err
}

// Stream opens the task's SSE stream. The caller owns the returned body;
// cancelling ctx also closes it.
func (c *Client) Stream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	u := c.baseURL + PathStream + "?task_id=" + url.QueryEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("stream", resp)
	}
	return resp.Body, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Op: op, StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		se.Message = er.Error
	} else {
		se.Message = strings.TrimSpace(string(body))
	}
	return se
}
