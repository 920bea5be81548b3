package metacortex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultWait is how long a single Wait request may be held by the server.
// It stays below DefaultHTTPTimeout.
const DefaultWait = 10 * time.Second

// DefaultPollInterval spaces Wait requests against servers that do not hold
// them.
const DefaultPollInterval = 500 * time.Millisecond

// Task statuses reported by the service.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Client wraps the HTTP interactions with the MetaCortex REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Task mirrors the task record returned by the API.
type Task struct {
	TaskID     string `json:"task_id"`
	Query      string `json:"query"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	Outcome    string `json:"outcome,omitempty"`
	Turns      int    `json:"turns"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusError
}

// Tool describes one tool exposed by a connected tool server.
type Tool struct {
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameter_schema,omitempty"`
}

// Server reports the connection state of a configured tool server.
type Server struct {
	Name        string     `json:"name"`
	Transport   string     `json:"transport"`
	Status      string     `json:"status"`
	ServerName  string     `json:"server_name,omitempty"`
	Tools       int        `json:"tools"`
	Error       string     `json:"error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Stats aggregates task counts per status.
type Stats struct {
	Total           int   `json:"total"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Error           int   `json:"error"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions filters ListTasks and Stats. Zero values are omitted.
type ListOptions struct {
	Limit         int
	Offset        int
	Statuses      []string
	Query         string
	RecentUpdates bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.RecentUpdates {
		v.Set("order", "updated")
	}
	return v
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("metacortex api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("metacortex api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API error for a missing resource.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the MetaCortex API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the key sent as a bearer token. An empty key disables the
// Authorization header.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = strings.TrimSpace(key)
}

func (c *Client) currentAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SubmitTask enqueues a query and returns the queued task.
func (c *Client) SubmitTask(ctx context.Context, query string) (Task, error) {
	var created Task
	payload := struct {
		Query string `json:"query"`
	}{Query: query}
	if err := c.post(ctx, "/api/v1/tasks", payload, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	return c.GetTaskWait(ctx, taskID, 0)
}

// GetTaskWait fetches a task, letting the server hold the request for up to
// wait while the task is still queued or running. The server caps wait at one
// minute and returns the current snapshot when it expires.
func (c *Client) GetTaskWait(ctx context.Context, taskID string, wait time.Duration) (Task, error) {
	var query url.Values
	if wait > 0 {
		query = url.Values{"wait": {wait.String()}}
	}
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+taskID, query, &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// ListTasks returns tasks in submission order unless RecentUpdates is set.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", opts.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ThoughtProcess returns the plain-text reasoning log of a task.
func (c *Client) ThoughtProcess(ctx context.Context, taskID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/thought-process", nil, nil)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := c.do(req, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Tools lists the tools available to the agent.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := c.get(ctx, "/api/v1/tools", nil, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// Servers lists the configured tool servers and their connection state.
func (c *Client) Servers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := c.get(ctx, "/api/v1/servers", nil, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// Stats returns task counts matching opts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", opts.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Wait blocks until the task reaches a terminal status or ctx is done. Each
// request asks the server to hold it for up to wait (DefaultWait when zero),
// so a finished task is reported as soon as its status changes.
func (c *Client) Wait(ctx context.Context, taskID string, wait time.Duration) (Task, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	if limit := c.httpClient.Timeout; limit > 0 && wait >= limit {
		wait = limit / 2
	}
	for {
		step := wait
		if deadline, ok := ctx.Deadline(); ok {
			step = min(step, time.Until(deadline))
		}
		if step <= 0 {
			return Task{}, context.DeadlineExceeded
		}
		start := time.Now()
		current, err := c.GetTaskWait(ctx, taskID, step)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return current, ctxErr
			}
			return Task{}, err
		}
		if current.Done() {
			return current, nil
		}
		// Servers without long polling answer at once.
		if time.Since(start) < step/2 {
			select {
			case <-ctx.Done():
				return current, ctx.Err()
			case <-time.After(DefaultPollInterval):
			}
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.currentAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		if _, err := dst.ReadFrom(resp.Body); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}
