package quorumsdk

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

// Client is a minimal Quorum HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server
	// only honours it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Step is a step definition.
type Step struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	MinimalRequiredPercent int    `json:"minimal_required_percent"`
	IsDefault              bool   `json:"is_default"`
	Comment                string `json:"comment,omitempty"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

// StepInstance is a step bound to one work item.
type StepInstance struct {
	ID                     string `json:"id"`
	ItemKind               string `json:"item_kind"`
	ItemID                 string `json:"item_id"`
	DefinitionID           string `json:"definition_id"`
	MinimalRequiredPercent int    `json:"minimal_required_percent"`
}

// Item is a ticket or a change.
type Item struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Title            string `json:"title"`
	GlobalValidation string `json:"global_validation"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// Vote is an approval request and its answer.
type Vote struct {
	ID                string  `json:"id"`
	ItemKind          string  `json:"item_kind"`
	ItemID            string  `json:"item_id"`
	StepInstanceID    string  `json:"step_instance_id"`
	Status            string  `json:"status"`
	TargetType        string  `json:"target_type"`
	TargetID          string  `json:"target_id"`
	RequesterID       string  `json:"requester_id"`
	ValidatorID       string  `json:"validator_id,omitempty"`
	SubmissionComment string  `json:"submission_comment,omitempty"`
	ValidationComment string  `json:"validation_comment,omitempty"`
	SubmittedAt       string  `json:"submitted_at"`
	AnsweredAt        *string `json:"answered_at,omitempty"`
}

// Achievements are the integer percentages of a step's votes.
type Achievements struct {
	Accepted int `json:"accepted"`
	Refused  int `json:"refused"`
	Waiting  int `json:"waiting"`
}

// StepSummary reports one step of an item.
type StepSummary struct {
	StepInstanceID         string       `json:"step_instance_id"`
	DefinitionID           string       `json:"definition_id"`
	DefinitionName         string       `json:"definition_name,omitempty"`
	MinimalRequiredPercent int          `json:"minimal_required_percent"`
	Votes                  int          `json:"votes"`
	Achievements           Achievements `json:"achievements"`
	Status                 string       `json:"status"`
}

// Summary is the validation state of an item.
type Summary struct {
	Item        Item          `json:"item"`
	Steps       []StepSummary `json:"steps"`
	Status      string        `json:"status"`
	StatusLabel string        `json:"status_label"`
	StatusColor string        `json:"status_color"`
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// VoteRequest are the fields of a new approval request.
type VoteRequest struct {
	DefinitionID           string `json:"definition_id,omitempty"`
	TargetType             string `json:"target_type"`
	TargetID               string `json:"target_id"`
	SubmissionComment      string `json:"submission_comment,omitempty"`
	MinimalRequiredPercent *int   `json:"minimal_required_percent,omitempty"`
}

// VoteUpdate changes a waiting vote. Nil fields are left untouched.
type VoteUpdate struct {
	DefinitionID           *string `json:"definition_id,omitempty"`
	MinimalRequiredPercent *int    `json:"minimal_required_percent,omitempty"`
	SubmissionComment      *string `json:"submission_comment,omitempty"`
}

// ListSteps returns all step definitions.
func (c *Client) ListSteps(ctx context.Context) ([]Step, error) {
	var resp []Step
	err := c.do(ctx, http.MethodGet, "steps", nil, &resp)
	return resp, err
}

// CreateStep creates a step definition.
func (c *Client) CreateStep(ctx context.Context, name string, percent int, isDefault bool, comment string) (Step, error) {
	body := map[string]any{
		"name":                     name,
		"minimal_required_percent": percent,
		"is_default":               isDefault,
		"comment":                  comment,
	}
	var resp Step
	err := c.do(ctx, http.MethodPost, "steps", body, &resp)
	return resp, err
}

// DeleteStep deletes a step definition.
func (c *Client) DeleteStep(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "steps/"+url.PathEscape(id), nil, nil)
}

// CreateItem creates a ticket or change.
func (c *Client) CreateItem(ctx context.Context, kind, title string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "items", map[string]any{"kind": kind, "title": title}, &resp)
	return resp, err
}

// Summary returns the validation summary of an item.
func (c *Client) Summary(ctx context.Context, kind, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, itemPath(kind, id), nil, &resp)
	return resp, err
}

// RequestVote asks a user or group to approve an item.
func (c *Client) RequestVote(ctx context.Context, kind, itemID string, req VoteRequest) (Vote, error) {
	var resp Vote
	err := c.do(ctx, http.MethodPost, itemPath(kind, itemID)+"/votes", req, &resp)
	return resp, err
}

// ListVotes returns the votes of an item.
func (c *Client) ListVotes(ctx context.Context, kind, itemID string) ([]Vote, error) {
	var resp []Vote
	err := c.do(ctx, http.MethodGet, itemPath(kind, itemID)+"/votes", nil, &resp)
	return resp, err
}

// AnswerVote accepts, refuses, or resets a vote.
func (c *Client) AnswerVote(ctx context.Context, id, status, comment string) (Vote, error) {
	var resp Vote
	err := c.do(ctx, http.MethodPost, "votes/"+url.PathEscape(id)+"/answer", map[string]any{
		"status":  status,
		"comment": comment,
	}, &resp)
	return resp, err
}

// UpdateVote edits a vote.
func (c *Client) UpdateVote(ctx context.Context, id string, upd VoteUpdate) (Vote, error) {
	var resp Vote
	err := c.do(ctx, http.MethodPatch, "votes/"+url.PathEscape(id), upd, &resp)
	return resp, err
}

// DeleteVote deletes a vote.
func (c *Client) DeleteVote(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "votes/"+url.PathEscape(id), nil, nil)
}

// OverrideThreshold sets the threshold of a step instance.
func (c *Client) OverrideThreshold(ctx context.Context, stepInstanceID string, percent int) (StepInstance, error) {
	var resp StepInstance
	err := c.do(ctx, http.MethodPatch, "step-instances/"+url.PathEscape(stepInstanceID), map[string]any{
		"minimal_required_percent": percent,
	}, &resp)
	return resp, err
}

// PendingCount returns how many items wait on a user, directly or through
// one of groups.
func (c *Client) PendingCount(ctx context.Context, userID string, groups []string) (int, error) {
	endpoint := fmt.Sprintf("targets/user/%s/pending", url.PathEscape(userID))
	if len(groups) > 0 {
		endpoint += "?groups=" + url.QueryEscape(strings.Join(groups, ","))
	}
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Count, err
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
		q.Set("limit", fmt.Sprintf("%d", limit))
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
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(kind, id string) string {
	return fmt.Sprintf("items/%s/%s", url.PathEscape(kind), url.PathEscape(id))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
