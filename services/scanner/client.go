package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"scanflow/api/services/workflow"
)

// Job kinds understood by the scan-task service.
const (
	KindXMap   = "xmap"
	KindZGrab2 = "zgrab2"
)

// Client talks to the scan-task service that runs XMap and ZGrab2 jobs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ workflow.JobService = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps requests to the service at perSecond with the given
// burst, shared by every run polling through the client. A non-positive
// rate leaves requests unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient returns a client for the service at baseURL. A non-positive
// timeout defaults to 10 seconds.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type startResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

type taskResponse struct {
	Status       string         `json:"status"`
	OutputPath   string         `json:"output_path"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details"`
}

// StartScan submits a scan of the given kind and returns its task id.
func (c *Client) StartScan(ctx context.Context, kind string, params map[string]any, ownerID string) (string, error) {
	path, err := startPath(kind)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal scan params: %w", err)
	}

	var resp startResponse
	if err := c.do(ctx, http.MethodPost, path, ownerID, body, &resp); err != nil {
		return "", fmt.Errorf("start %s scan: %w", kind, err)
	}
	if !resp.Success || resp.TaskID == "" {
		return "", fmt.Errorf("start %s scan: %s", kind, resp.Message)
	}
	return resp.TaskID, nil
}

// JobStatus reports the state of a scan task.
func (c *Client) JobStatus(ctx context.Context, handle workflow.JobHandle, ownerID string) (*workflow.JobStatus, error) {
	var path string
	switch handle.Kind {
	case KindXMap:
		path = "/api/xmap/task/" + url.PathEscape(handle.ID)
	case KindZGrab2:
		path = "/api/zgrab2/" + url.PathEscape(handle.ID)
	default:
		return nil, fmt.Errorf("unsupported job kind %q", handle.Kind)
	}

	var resp taskResponse
	if err := c.do(ctx, http.MethodGet, path, ownerID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get %s task: %w", handle.Kind, err)
	}
	return &workflow.JobStatus{
		State:          normalizeState(resp.Status),
		ResultLocation: resp.OutputPath,
		ErrorMessage:   resp.ErrorMessage,
		Details:        resp.Details,
	}, nil
}

// CancelJob asks the service to stop a scan task.
func (c *Client) CancelJob(ctx context.Context, handle workflow.JobHandle, ownerID string) error {
	var path string
	switch handle.Kind {
	case KindXMap:
		path = "/api/xmap/cancel/" + url.PathEscape(handle.ID)
	case KindZGrab2:
		path = "/api/zgrab2/" + url.PathEscape(handle.ID) + "/cancel"
	default:
		return fmt.Errorf("unsupported job kind %q", handle.Kind)
	}
	if err := c.do(ctx, http.MethodPost, path, ownerID, nil, nil); err != nil {
		return fmt.Errorf("cancel %s task: %w", handle.Kind, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, ownerID string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", ownerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scan service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func startPath(kind string) (string, error) {
	switch kind {
	case KindXMap:
		return "/api/xmap", nil
	case KindZGrab2:
		return "/api/zgrab2", nil
	default:
		return "", fmt.Errorf("unsupported job kind %q", kind)
	}
}

// normalizeState maps the service's task states onto job states. Unknown
// states are treated as still running.
func normalizeState(s string) workflow.JobState {
	switch strings.ToLower(s) {
	case "completed", "done", "success":
		return workflow.JobCompleted
	case "failed", "error":
		return workflow.JobFailed
	case "canceled", "cancelled":
		return workflow.JobCanceled
	case "pending", "queued":
		return workflow.JobPending
	default:
		return workflow.JobRunning
	}
}
