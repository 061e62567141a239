package arc

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
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Ensemble dispatches wait for every backend, so it is longer than a typical
// REST timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the arcd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	headers    http.Header
}

// Request describes a task to dispatch or submit.
type Request struct {
	ID          string         `json:"id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Payload     map[string]any `json:"payload"`
	RequesterID string         `json:"requester_id,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is a single backend (or merged) answer.
type Response struct {
	TaskID     string         `json:"task_id"`
	Output     any            `json:"output"`
	Confidence *float64       `json:"confidence,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Adapter returns the backend that produced the response.
func (r Response) Adapter() string {
	name, _ := r.Metadata["adapter"].(string)
	return name
}

// Attempt records one backend invocation made during a dispatch.
type Attempt struct {
	Adapter   string `json:"adapter"`
	Skipped   bool   `json:"skipped"`
	Success   bool   `json:"success"`
	Calls     int    `json:"calls"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DispatchResult is the outcome of a synchronous dispatch. A failed dispatch
// is reported with Success=false rather than an error.
type DispatchResult struct {
	Response
	Kind     string         `json:"kind"`
	Mode     string         `json:"mode"`
	Attempts []Attempt      `json:"attempts"`
	Merge    map[string]any `json:"merge,omitempty"`
}

// Job is an asynchronously processed dispatch.
type Job struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Result      *DispatchResult `json:"result,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Done reports whether the job reached succeeded or failed.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// MergeConfig selects the merge strategy for Merge.
type MergeConfig struct {
	Strategy             string  `json:"strategy"`
	ConfidenceFloor      float64 `json:"confidence_floor,omitempty"`
	MinSources           int     `json:"min_sources,omitempty"`
	DetectContradictions bool    `json:"detect_contradictions"`
}

// MergeResult is the merged answer plus merge bookkeeping.
type MergeResult struct {
	Response
	Strategy     string `json:"strategy"`
	TotalSources int    `json:"total_sources"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Quality      struct {
		OverallConfidence float64  `json:"overall_confidence"`
		AgreementScore    float64  `json:"agreement_score"`
		HasContradictions bool     `json:"has_contradictions"`
		ReliabilityScore  float64  `json:"reliability_score"`
		Warnings          []string `json:"warnings"`
	} `json:"quality"`
}

// Rule maps a task kind to its backends.
type Rule struct {
	Kind      string   `json:"kind"`
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	Ensemble  bool     `json:"ensemble"`
}

// AdapterStatus describes a registered backend.
type AdapterStatus struct {
	Name  string   `json:"name"`
	Kinds []string `json:"kinds"`
}

// HistoryEntry is one recorded turn of a session.
type HistoryEntry struct {
	TaskID     string   `json:"task_id"`
	Kind       string   `json:"kind"`
	Input      string   `json:"input"`
	Output     string   `json:"output,omitempty"`
	Adapter    string   `json:"adapter,omitempty"`
	Success    bool     `json:"success"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Kinds     []string
	SessionID string
	Query     string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("arc api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("arc api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the arcd API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, headers: http.Header{}}, nil
}

// SetHeader adds a header sent with every request, e.g. for a proxy token.
func (c *Client) SetHeader(key, value string) {
	c.headers.Set(key, value)
}

// Dispatch runs a task synchronously.
func (c *Client) Dispatch(ctx context.Context, req Request) (DispatchResult, error) {
	var result DispatchResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/dispatch", nil, req, &result); err != nil {
		return DispatchResult{}, err
	}
	return result, nil
}

// SubmitTask queues a task for asynchronous processing.
func (c *Client) SubmitTask(ctx context.Context, req Request) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetTask fetches a job by identifier.
func (c *Client) GetTask(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WaitForTask polls GetTask until the job is done or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetTask(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTasks lists jobs, most recently updated first.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Job, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if len(opts.Kinds) > 0 {
		query.Set("kind", strings.Join(opts.Kinds, ","))
	}
	if opts.SessionID != "" {
		query.Set("session", opts.SessionID)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	var jobs []Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Merge merges caller-supplied responses. A nil cfg uses the server defaults.
func (c *Client) Merge(ctx context.Context, responses []Response, cfg *MergeConfig) (MergeResult, error) {
	body := struct {
		Responses []Response   `json:"responses"`
		Config    *MergeConfig `json:"config,omitempty"`
	}{Responses: responses, Config: cfg}
	var result MergeResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/merge", nil, body, &result); err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

type routesDocument struct {
	Rules []Rule `json:"rules"`
}

// Routes returns the active routing rules.
func (c *Client) Routes(ctx context.Context) ([]Rule, error) {
	var doc routesDocument
	if err := c.send(ctx, http.MethodGet, "/api/v1/routes", nil, nil, &doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// ReplaceRoutes atomically replaces the routing rules and returns the result.
func (c *Client) ReplaceRoutes(ctx context.Context, rules []Rule) ([]Rule, error) {
	var doc routesDocument
	if err := c.send(ctx, http.MethodPut, "/api/v1/routes", nil, routesDocument{Rules: rules}, &doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// Adapters lists the registered backends.
func (c *Client) Adapters(ctx context.Context) ([]AdapterStatus, error) {
	var out []AdapterStatus
	if err := c.send(ctx, http.MethodGet, "/api/v1/adapters", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the most recent count turns of a session, oldest first.
// count <= 0 returns everything retained.
func (c *Client) History(ctx context.Context, sessionID string, count int) ([]HistoryEntry, error) {
	query := url.Values{}
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	var out []HistoryEntry
	endpoint := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/history"
	if err := c.send(ctx, http.MethodGet, endpoint, query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
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
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
