package civicflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal civicflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Report represents the API report model (partial).
type Report struct {
	ID                  int64  `json:"id"`
	ReportNumber        string `json:"report_number"`
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	Status              string `json:"status"`
	StatusUpdatedAt     string `json:"status_updated_at"`
	DepartmentID        *int64 `json:"department_id,omitempty"`
	Severity            string `json:"severity,omitempty"`
	Category            string `json:"category,omitempty"`
	IsDuplicate         bool   `json:"is_duplicate"`
	DuplicateOfReportID *int64 `json:"duplicate_of_report_id,omitempty"`
	Version             int64  `json:"version"`
}

type Task struct {
	ID         int64  `json:"id"`
	ReportID   int64  `json:"report_id"`
	AssignedTo int64  `json:"assigned_to"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
}

// ReportView is a report with its task, if any.
type ReportView struct {
	Report Report `json:"report"`
	Task   *Task  `json:"task,omitempty"`
}

type HistoryEntry struct {
	ID              int64   `json:"id"`
	OldStatus       *string `json:"old_status,omitempty"`
	NewStatus       string  `json:"new_status"`
	ChangedByUserID *int64  `json:"changed_by_user_id,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	ChangedAt       string  `json:"changed_at"`
}

// Snapshot is the result of a committed transition.
type Snapshot struct {
	Report  Report       `json:"report"`
	Task    *Task        `json:"task,omitempty"`
	From    string       `json:"from"`
	To      string       `json:"to"`
	History HistoryEntry `json:"history"`
}

type Action struct {
	Target   string   `json:"target"`
	Label    string   `json:"label"`
	Required []string `json:"required,omitempty"`
}

// Payload carries the fields a transition edge may require.
type Payload struct {
	Notes               string `json:"notes,omitempty"`
	Category            string `json:"category,omitempty"`
	SubCategory         string `json:"sub_category,omitempty"`
	Severity            string `json:"severity,omitempty"`
	DepartmentID        *int64 `json:"department_id,omitempty"`
	OfficerUserID       *int64 `json:"officer_user_id,omitempty"`
	Priority            *int   `json:"priority,omitempty"`
	DuplicateOfReportID *int64 `json:"duplicate_of_report_id,omitempty"`
}

// Transition is a status change request.
type Transition struct {
	NewStatus string `json:"new_status"`
	Payload
}

// Intent is a transition recorded while offline.
type Intent struct {
	ID        string  `json:"id"`
	ReportID  int64   `json:"report_id"`
	Target    string  `json:"target"`
	Payload   Payload `json:"payload,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

type ReplayResult struct {
	ID        string `json:"id"`
	ReportID  int64  `json:"report_id"`
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Status    string `json:"status,omitempty"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of an *APIError, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateReport submits a report as the authenticated user.
func (c *Client) CreateReport(ctx context.Context, title, description string) (Report, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports", body, &resp)
	return resp, err
}

func (c *Client) GetReport(ctx context.Context, id int64) (ReportView, error) {
	var resp ReportView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("reports/%d", id), nil, &resp)
	return resp, err
}

// ListReports returns reports, optionally filtered by status.
func (c *Client) ListReports(ctx context.Context, status string, limit int) ([]Report, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "reports"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Report
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a report to t.NewStatus.
func (c *Client) Transition(ctx context.Context, id int64, t Transition) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reports/%d/status", id), t, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("reports/%d/status-history", id), nil, &resp)
	return resp, err
}

// AvailableActions lists the transitions the caller may attempt.
func (c *Client) AvailableActions(ctx context.Context, id int64) ([]Action, error) {
	var resp []Action
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("reports/%d/actions", id), nil, &resp)
	return resp, err
}

// AutoAssign assigns the report to an officer; an empty strategy uses the server default.
func (c *Client) AutoAssign(ctx context.Context, id int64, strategy string) (Snapshot, error) {
	body := map[string]any{}
	if strategy != "" {
		body["strategy"] = strategy
	}
	var resp Snapshot
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reports/%d/auto-assign", id), body, &resp)
	return resp, err
}

// Replay submits offline intents and returns one result per intent.
func (c *Client) Replay(ctx context.Context, intents []Intent) ([]ReplayResult, error) {
	var resp struct {
		Results []ReplayResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "outbox/replay", map[string]any{"intents": intents}, &resp)
	return resp.Results, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
