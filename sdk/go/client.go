package followlinesdk

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
)

// Client is a minimal Followline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	Priority       string         `json:"priority"`
	Mode           string         `json:"mode"`
	OwnerType      string         `json:"owner_type"`
	OwnerID        string         `json:"owner_id"`
	SubjectRefType string         `json:"subject_ref_type"`
	SubjectRefID   string         `json:"subject_ref_id"`
	DueAt          *string        `json:"due_at,omitempty"`
	ApprovedAt     *string        `json:"approved_at,omitempty"`
	ApprovedBy     *string        `json:"approved_by,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Draft          map[string]any `json:"draft,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Event represents one audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	EventType string         `json:"event_type"`
	OldStatus *string        `json:"old_status,omitempty"`
	NewStatus *string        `json:"new_status,omitempty"`
	ActorType string         `json:"actor_type"`
	ActorID   string         `json:"actor_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// CreateTaskRequest is the creation payload.
type CreateTaskRequest struct {
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"type"`
	Mode           string         `json:"mode"`
	Priority       string         `json:"priority,omitempty"`
	OwnerID        string         `json:"owner_id"`
	SubjectRefType string         `json:"subject_ref_type"`
	SubjectRefID   string         `json:"subject_ref_id"`
	DueAt          string         `json:"due_at,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	Status         string
	Type           string
	OwnerID        string
	SubjectRefType string
	SubjectRefID   string
	Limit          int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks matching the filters.
func (c *Client) ListTasks(ctx context.Context, f TaskFilters) ([]Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.OwnerID != "" {
		q.Set("owner_id", f.OwnerID)
	}
	if f.SubjectRefType != "" {
		q.Set("subject_ref_type", f.SubjectRefType)
	}
	if f.SubjectRefID != "" {
		q.Set("subject_ref_id", f.SubjectRefID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "tasks"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a task to a new status.
func (c *Client) Transition(ctx context.Context, id, status, transitionErr string) (Task, error) {
	body := map[string]any{"status": status}
	if transitionErr != "" {
		body["error"] = transitionErr
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/transition", body, &resp)
	return resp, err
}

// Approve releases a held task for sending.
func (c *Client) Approve(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/approve", map[string]any{}, &resp)
	return resp, err
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Task, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", body, &resp)
	return resp, err
}

// TaskEvents returns a task's audit history.
func (c *Client) TaskEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := "tasks/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events across all tasks.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
