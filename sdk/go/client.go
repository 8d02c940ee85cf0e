package cutlinesdk

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

// Client is a minimal Cutline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model (partial).
type Request struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Mode             string `json:"mode"`
	MaxAssignees     int    `json:"max_assignees"`
	CurrentAssignees int    `json:"current_assignees"`
	Budget           int64  `json:"budget"`
	Priority         int    `json:"priority"`
	Status           string `json:"status"`
}

// CreateRequest is the body for opening a request.
type CreateRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	MaxAssignees int      `json:"max_assignees,omitempty"`
	Budget       int64    `json:"budget"`
	Priority     int      `json:"priority,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
}

// Assignment is a producer's claim on a request.
type Assignment struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	ProducerID     string  `json:"producer_id"`
	BudgetSnapshot int64   `json:"budget_snapshot"`
	VersionSlots   int     `json:"version_slots"`
	ReleasedAt     *string `json:"released_at,omitempty"`
}

// Version is a submitted cut.
type Version struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	Slot         int    `json:"slot"`
	Label        string `json:"label"`
	Status       string `json:"status"`
	ReviewNote   string `json:"review_note,omitempty"`
}

// Settlement is a payout record.
type Settlement struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	ProducerID   string `json:"producer_id"`
	SourceRef    string `json:"source_ref"`
	BaseAmount   int64  `json:"base_amount"`
	BonusAmount  int64  `json:"bonus_amount"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	ScheduledFor string `json:"scheduled_for"`
}

// Approval is returned when a version is approved.
type Approval struct {
	Version    Version    `json:"version"`
	Settlement Settlement `json:"settlement"`
}

// Feedback is a timestamped review note.
type Feedback struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	StartTS  float64  `json:"start_ts"`
	EndTS    *float64 `json:"end_ts,omitempty"`
	Priority string   `json:"priority"`
	Status   string   `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
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

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateRequest(ctx context.Context, body CreateRequest) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Claim claims a request as the authenticated producer.
func (c *Client) Claim(ctx context.Context, requestID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/claim", url.PathEscape(requestID)), nil, &resp)
	return resp, err
}

func (c *Client) SubmitVersion(ctx context.Context, assignmentID, label, notes string) (Version, error) {
	body := map[string]any{"label": label, "notes": notes}
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("assignments/%s/versions", url.PathEscape(assignmentID)), body, &resp)
	return resp, err
}

func (c *Client) BeginReview(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/review", url.PathEscape(versionID)), nil, &resp)
	return resp, err
}

func (c *Client) AddFeedback(ctx context.Context, versionID, content string, startTS float64) (Feedback, error) {
	body := map[string]any{"content": content, "start_ts": startTS}
	var resp Feedback
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/feedback", url.PathEscape(versionID)), body, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, versionID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/approve", url.PathEscape(versionID)), nil, &resp)
	return resp, err
}

func (c *Client) RequestRevision(ctx context.Context, versionID, note string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("versions/%s/revise", url.PathEscape(versionID)), map[string]any{"note": note}, &resp)
	return resp, err
}

// Settlements lists settlements; filter keys follow the query parameters (kind, status, producer_id, ...).
func (c *Client) Settlements(ctx context.Context, filter map[string]string) ([]Settlement, error) {
	q := url.Values{}
	for k, v := range filter {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "settlements"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Settlement `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
