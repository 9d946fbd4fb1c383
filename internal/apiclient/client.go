// Package apiclient talks to the inbox-router HTTP API on behalf of one
// signed-in user.
package apiclient

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

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the backend. Detail is the "error" field
// of the body when there is one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("inbox-router API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("inbox-router API returned %d: %s", e.StatusCode, e.Detail)
}

// Unwrap maps status codes back onto the model errors the backend reports
// with them. 409 and 502 carry several causes and map to nothing.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return model.ErrUnauthorized
	case http.StatusForbidden:
		return model.ErrForbidden
	case http.StatusNotFound:
		return model.ErrMessageNotFound
	case http.StatusPreconditionFailed:
		return model.ErrNotConnected
	case http.StatusUnprocessableEntity:
		return model.ErrMissingExternalID
	case http.StatusServiceUnavailable:
		return model.ErrNotConfigured
	}
	return nil
}

// ActionResult is the body of every pipeline and destination action. Only the
// fields the endpoint fills are set. On failure the backend still returns the
// updated message when it has one.
type ActionResult struct {
	Routing        *model.RoutingDecision `json:"routing,omitempty"`
	AISummary      string                 `json:"ai_summary,omitempty"`
	Message        *model.Message         `json:"message,omitempty"`
	ContactID      string                 `json:"contact_id,omitempty"`
	ObjectType     string                 `json:"object_type,omitempty"`
	CRMRecordURL   string                 `json:"crm_record_url,omitempty"`
	Success        bool                   `json:"success,omitempty"`
	RowNumber      int                    `json:"row_number,omitempty"`
	SpreadsheetURL string                 `json:"spreadsheet_url,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	userID     string
	logger     *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithToken sets the bearer sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL, userID string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		userID:     userID,
		logger:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UserID() string { return c.userID }

// Authenticated reports whether requests carry a bearer.
func (c *Client) Authenticated() bool { return c.token != "" }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
		var detail struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Error != "" {
			apiErr.Detail = detail.Error
		}
		// Failure bodies may still carry the message the action touched.
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		c.logger.Debug("API", method, path, "returned", resp.StatusCode)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) userQuery() url.Values {
	q := url.Values{}
	if c.userID != "" {
		q.Set("user_id", c.userID)
	}
	return q
}

func systemPath(system model.System, suffix string) string {
	return "/api/" + system.Slug() + suffix
}

// Status fetches the authoritative connection state of one system.
func (c *Client) Status(ctx context.Context, system model.System) (*model.Connection, error) {
	var conn model.Connection
	if err := c.do(ctx, http.MethodGet, systemPath(system, "/status"), c.userQuery(), nil, &conn); err != nil {
		return nil, err
	}
	if conn.System == "" {
		conn.System = system
	}
	return &conn, nil
}

// BeginConnect returns the provider URL the user must visit.
func (c *Client) BeginConnect(ctx context.Context, system model.System) (string, error) {
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	body := map[string]string{"user_id": c.userID}
	if err := c.do(ctx, http.MethodPost, systemPath(system, "/connect"), nil, body, &out); err != nil {
		return "", err
	}
	return out.AuthURL, nil
}

func (c *Client) Disconnect(ctx context.Context, system model.System) (*model.Connection, error) {
	var conn model.Connection
	body := map[string]string{"user_id": c.userID}
	if err := c.do(ctx, http.MethodPost, systemPath(system, "/disconnect"), nil, body, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *Client) ListSpreadsheets(ctx context.Context) ([]service.Spreadsheet, error) {
	var out struct {
		Spreadsheets []service.Spreadsheet `json:"spreadsheets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/google-sheets/spreadsheets", c.userQuery(), nil, &out); err != nil {
		return nil, err
	}
	return out.Spreadsheets, nil
}

func (c *Client) SelectSpreadsheet(ctx context.Context, id, name string) (*model.Connection, error) {
	var conn model.Connection
	body := map[string]string{
		"user_id":          c.userID,
		"spreadsheet_id":   id,
		"spreadsheet_name": name,
	}
	if err := c.do(ctx, http.MethodPost, "/api/google-sheets/select-spreadsheet", nil, body, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// StartSync pulls up to maxMessages new messages into the inbox.
func (c *Client) StartSync(ctx context.Context, maxMessages int64) (*service.SyncResult, error) {
	var result service.SyncResult
	body := map[string]interface{}{
		"user_id":      c.userID,
		"max_messages": maxMessages,
	}
	if err := c.do(ctx, http.MethodPost, "/api/gmail/sync/start", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	q := c.userQuery()
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Query != "" {
		q.Set("query", filter.Query)
	}
	var out struct {
		Messages []*model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/inbox/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) GetMessage(ctx context.Context, ref string) (*model.Message, error) {
	var message model.Message
	if err := c.do(ctx, http.MethodGet, "/api/inbox/messages/"+url.PathEscape(ref), c.userQuery(), nil, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (c *Client) Summary(ctx context.Context) (*model.InboxSummary, error) {
	var summary model.InboxSummary
	if err := c.do(ctx, http.MethodGet, "/api/inbox/summary", c.userQuery(), nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

type actionRequest struct {
	UserID       string `json:"user_id"`
	MessageID    string `json:"message_id,omitempty"`
	EmailID      string `json:"email_id,omitempty"`
	NoteOverride string `json:"note_override,omitempty"`
}

// action posts to a pipeline endpoint. The result is returned on failure too,
// so callers can apply the message the backend sent back.
func (c *Client) action(ctx context.Context, path string, req actionRequest) (*ActionResult, error) {
	req.UserID = c.userID
	var result ActionResult
	err := c.do(ctx, http.MethodPost, path, nil, req, &result)
	return &result, err
}

func (c *Client) Analyze(ctx context.Context, messageID, noteOverride string) (*ActionResult, error) {
	return c.action(ctx, "/api/pipeline/analyze", actionRequest{MessageID: messageID, NoteOverride: noteOverride})
}

func (c *Client) Accept(ctx context.Context, messageID, noteOverride string) (*ActionResult, error) {
	return c.action(ctx, "/api/pipeline/accept", actionRequest{MessageID: messageID, NoteOverride: noteOverride})
}

func (c *Client) Reject(ctx context.Context, messageID string) (*ActionResult, error) {
	return c.action(ctx, "/api/pipeline/reject", actionRequest{MessageID: messageID})
}

func (c *Client) Review(ctx context.Context, messageID string) (*ActionResult, error) {
	return c.action(ctx, "/api/pipeline/review", actionRequest{MessageID: messageID})
}

func (c *Client) Finalize(ctx context.Context, messageID string) (*ActionResult, error) {
	return c.action(ctx, "/api/pipeline/finalize", actionRequest{MessageID: messageID})
}

// RouteEmail commits a message to the secondary CRM.
func (c *Client) RouteEmail(ctx context.Context, messageID, noteOverride string) (*ActionResult, error) {
	return c.action(ctx, "/api/salesforce/route-email", actionRequest{MessageID: messageID, NoteOverride: noteOverride})
}

// SyncEmail appends a message to the selected spreadsheet.
func (c *Client) SyncEmail(ctx context.Context, emailID string) (*ActionResult, error) {
	return c.action(ctx, "/api/google-sheets/sync-email", actionRequest{EmailID: emailID})
}

// Logout clears the server-side connect session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, map[string]string{}, nil)
}
