package matterlinesdk

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

// Client is a minimal matterline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  60 * time.Second,
	}
}

// Workspace represents the API workspace model.
type Workspace struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id,omitempty"`
	SourceType       string            `json:"source_type"`
	SourceRaw        string            `json:"source_raw"`
	SourceMetadata   map[string]string `json:"source_metadata,omitempty"`
	ProcedureType    string            `json:"procedure_type,omitempty"`
	CurrentState     string            `json:"current_state"`
	UncertaintyLevel float64           `json:"uncertainty_level"`
	Locked           bool              `json:"locked"`
	OwnerUserID      string            `json:"owner_user_id,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        string            `json:"created_at"`
	StateChangedAt   string            `json:"state_changed_at"`
	StateChangedBy   string            `json:"state_changed_by"`
	CompletedAt      *string           `json:"completed_at,omitempty"`
}

// NewWorkspace is the payload for CreateWorkspace.
type NewWorkspace struct {
	ID             string            `json:"id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	SourceType     string            `json:"source_type"`
	SourceRaw      string            `json:"source_raw"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	ProcedureType  string            `json:"procedure_type,omitempty"`
	OwnerUserID    string            `json:"owner_user_id,omitempty"`
}

// EntityRef names an entity created by a stage.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// StageResult describes one committed reasoning stage.
type StageResult struct {
	Stage       string      `json:"stage"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Workspace   Workspace   `json:"workspace"`
	Created     []EntityRef `json:"created"`
	Traces      int         `json:"traces"`
	Uncertainty float64     `json:"uncertainty_level"`
	Attempts    int         `json:"attempts"`
}

// RunResult is returned by RunStages.
type RunResult struct {
	Stages    []StageResult `json:"stages"`
	Workspace Workspace     `json:"workspace"`
	StoppedBy string        `json:"stopped_by,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Summary is the handoff view of a workspace.
type Summary struct {
	WorkspaceID         string  `json:"workspace_id"`
	State               string  `json:"state"`
	Locked              bool    `json:"locked"`
	ConfidencePercent   float64 `json:"confidence_percent"`
	Facts               int     `json:"facts"`
	Obligations         int     `json:"obligations"`
	CriticalObligations int     `json:"critical_obligations"`
	UnresolvedBlocking  int     `json:"unresolved_blocking"`
	HighestRiskScore    int     `json:"highest_risk_score"`
	IrreversibleRisks   int     `json:"irreversible_risks"`
	PendingActions      int     `json:"pending_actions"`
}

// MissingElement represents something the matter is waiting on.
type MissingElement struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Blocking    bool    `json:"blocking"`
	Resolved    bool    `json:"resolved"`
	Resolution  *string `json:"resolution,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code when
// the server sent one.
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

// CreateWorkspace opens a new matter.
func (c *Client) CreateWorkspace(ctx context.Context, in NewWorkspace) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces", in, &resp)
	return resp, err
}

// GetWorkspace fetches a workspace by id.
func (c *Client) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodGet, "workspaces/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkspaces returns workspaces, newest first. Empty filters match all.
func (c *Client) ListWorkspaces(ctx context.Context, tenantID, state string, limit int) ([]Workspace, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Workspace `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("workspaces", q), nil, &resp)
	return resp.Items, err
}

// Summary returns the handoff summary of a workspace.
func (c *Client) Summary(ctx context.Context, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "workspaces/"+url.PathEscape(id)+"/summary", nil, &resp)
	return resp, err
}

// RunNextStage runs the single stage due for the workspace.
func (c *Client) RunNextStage(ctx context.Context, id string) (StageResult, error) {
	var resp StageResult
	err := c.do(ctx, http.MethodPost, "workspaces/"+url.PathEscape(id)+"/stages/next", nil, &resp)
	return resp, err
}

// RunStages runs stages until the workspace settles. maxStages 0 means no limit.
func (c *Client) RunStages(ctx context.Context, id string, maxStages int) (RunResult, error) {
	body := map[string]any{}
	if maxStages > 0 {
		body["max_stages"] = maxStages
	}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "workspaces/"+url.PathEscape(id)+"/stages/run", body, &resp)
	return resp, err
}

// ResolveMissingElement closes a missing element with a resolution note.
func (c *Client) ResolveMissingElement(ctx context.Context, workspaceID, elementID, resolution string) (MissingElement, error) {
	var resp MissingElement
	endpoint := fmt.Sprintf("workspaces/%s/missing-elements/%s/resolve", url.PathEscape(workspaceID), url.PathEscape(elementID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"resolution": resolution}, &resp)
	return resp, err
}

// Transition applies a manual transition (CANCELLED, ESCALATED or LOCKED).
func (c *Client) Transition(ctx context.Context, id, target, reason string) (Workspace, error) {
	body := map[string]any{"target": target}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

// Lock freezes a workspace that is ready for human review.
func (c *Client) Lock(ctx context.Context, id, reason string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces/"+url.PathEscape(id)+"/lock", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, optionally for one workspace.
func (c *Client) EventsPage(ctx context.Context, workspaceID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if workspaceID != "" {
		q.Set("workspace_id", workspaceID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
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
