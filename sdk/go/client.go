package harvestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Harvestline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Reload calls run synchronously on
// the server, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  30 * time.Minute,
	}
}

// Health mirrors the health endpoint.
type Health struct {
	Status           string     `json:"status"`
	Database         string     `json:"database"`
	Issues           int        `json:"issues"`
	LastHarvest      *time.Time `json:"last_harvest,omitempty"`
	ReloadInProgress bool       `json:"reload_in_progress"`
}

// Reload represents a reload tracking record.
type Reload struct {
	ID               int64      `json:"reload_id"`
	RunID            string     `json:"run_id"`
	Started          time.Time  `json:"reload_started"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Status           string     `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	IssuesDeleted    int        `json:"issues_deleted"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Source           string     `json:"source"`
	TriggeredBy      string     `json:"triggered_by"`
}

// ReloadOutcome is the result of a triggered reload (partial).
type ReloadOutcome struct {
	ReloadID         int64    `json:"reload_id"`
	RunID            string   `json:"run_id"`
	Status           string   `json:"status"`
	RecordsProcessed int      `json:"records_processed"`
	IssuesDeleted    int      `json:"issues_deleted"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Warnings         []string `json:"warnings,omitempty"`
	Error            string   `json:"error,omitempty"`
	Message          string   `json:"message"`
}

// SchedulerStatus mirrors the scheduler endpoint.
type SchedulerStatus struct {
	Running       bool       `json:"running"`
	Spec          string     `json:"spec,omitempty"`
	Jobs          int        `json:"jobs"`
	NextHarvest   *time.Time `json:"next_harvest,omitempty"`
	IntervalHours int        `json:"harvest_interval_hours"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastOutcome   string     `json:"last_outcome,omitempty"`
	Skipped       int        `json:"skipped"`
}

// Connectivity mirrors the connectivity test endpoint.
type Connectivity struct {
	Upstream struct {
		Connected bool   `json:"connected"`
		User      string `json:"user,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"upstream"`
	Database    string     `json:"database"`
	LastHarvest *time.Time `json:"last_harvest,omitempty"`
}

// KeyFilter narrows IssueKeys. Empty fields do not filter.
type KeyFilter struct {
	Source    string
	Assignee  string
	Label     string
	IssueType string
	ParentKey string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns the server health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// TriggerReload runs a reload and waits for its outcome. A 409 APIError
// means another reload is active.
func (c *Client) TriggerReload(ctx context.Context, force bool, triggeredBy string) (ReloadOutcome, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	if triggeredBy != "" {
		q.Set("triggered_by", triggeredBy)
	}
	var resp ReloadOutcome
	err := c.do(ctx, http.MethodPost, withQuery("harvest/reload", q), nil, &resp)
	return resp, err
}

// Reload fetches one reload record.
func (c *Client) Reload(ctx context.Context, id int64) (Reload, error) {
	var resp Reload
	err := c.do(ctx, http.MethodGet, "harvest/reload/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// Reloads returns reload history, newest first.
func (c *Client) Reloads(ctx context.Context, limit int, status string) ([]Reload, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp struct {
		Reloads []Reload `json:"reloads"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("harvest/reload", q), nil, &resp)
	return resp.Reloads, err
}

// Scheduler returns the scheduler status.
func (c *Client) Scheduler(ctx context.Context) (SchedulerStatus, error) {
	var resp SchedulerStatus
	err := c.do(ctx, http.MethodGet, "harvest/scheduler", nil, &resp)
	return resp, err
}

// TestConnectivity checks the server's upstream and database.
func (c *Client) TestConnectivity(ctx context.Context) (Connectivity, error) {
	var resp Connectivity
	err := c.do(ctx, http.MethodGet, "harvest/test", nil, &resp)
	return resp, err
}

// IssueKeys lists stored issue keys.
func (c *Client) IssueKeys(ctx context.Context, f KeyFilter) ([]string, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"source": f.Source, "assignee": f.Assignee, "label": f.Label,
		"issue_type": f.IssueType, "parent_key": f.ParentKey,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	var resp struct {
		Keys []string `json:"keys"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("issues/keys", q), nil, &resp)
	return resp.Keys, err
}

// Issue returns the raw issue details document.
func (c *Client) Issue(ctx context.Context, key string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
