package server

import (
	"encoding/json"

	"quorum/internal/domain"
)

// Request payloads

type CreateStepRequest struct {
	Name                   string `json:"name" minLength:"3"`
	MinimalRequiredPercent int    `json:"minimal_required_percent" minimum:"0" maximum:"100"`
	IsDefault              bool   `json:"is_default,omitempty"`
	Comment                string `json:"comment,omitempty"`
}

type UpdateStepRequest struct {
	Name                   *string `json:"name,omitempty"`
	MinimalRequiredPercent *int    `json:"minimal_required_percent,omitempty"`
	IsDefault              *bool   `json:"is_default,omitempty"`
	Comment                *string `json:"comment,omitempty"`
}

type CreateItemRequest struct {
	Kind  string `json:"kind" enum:"ticket,change"`
	Title string `json:"title"`
}

type RequestVoteRequest struct {
	DefinitionID      string `json:"definition_id,omitempty"`
	TargetType        string `json:"target_type" enum:"user,group"`
	TargetID          string `json:"target_id"`
	SubmissionComment string `json:"submission_comment,omitempty"`
	// MinimalRequiredPercent overrides the step threshold for this item.
	MinimalRequiredPercent *int `json:"minimal_required_percent,omitempty"`
}

type AnswerVoteRequest struct {
	Status  string `json:"status" enum:"waiting,accepted,refused"`
	Comment string `json:"comment,omitempty"`
}

type UpdateVoteRequest struct {
	DefinitionID           *string `json:"definition_id,omitempty"`
	MinimalRequiredPercent *int    `json:"minimal_required_percent,omitempty"`
	SubmissionComment      *string `json:"submission_comment,omitempty"`
}

type ThresholdRequest struct {
	MinimalRequiredPercent int `json:"minimal_required_percent"`
}

// Responses

type StepResponse domain.StepDefinition

type StepInstanceResponse domain.StepInstance

type ItemResponse domain.WorkItem

type VoteResponse domain.Vote

type StepSummaryResponse domain.StepSummary

type SummaryResponse struct {
	Item        ItemResponse          `json:"item"`
	Steps       []StepSummaryResponse `json:"steps"`
	Status      domain.Status         `json:"status" enum:"none,waiting,accepted,refused"`
	StatusLabel string                `json:"status_label"`
	StatusColor string                `json:"status_color"`
}

type PendingResponse struct {
	TargetType string   `json:"target_type"`
	TargetID   string   `json:"target_id"`
	Groups     []string `json:"groups,omitempty"`
	Count      int      `json:"count"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func mapSteps(items []domain.StepDefinition) []StepResponse {
	out := make([]StepResponse, 0, len(items))
	for _, d := range items {
		out = append(out, StepResponse(d))
	}
	return out
}

func mapItems(items []domain.WorkItem) []ItemResponse {
	out := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, ItemResponse(it))
	}
	return out
}

func mapVotes(items []domain.Vote) []VoteResponse {
	out := make([]VoteResponse, 0, len(items))
	for _, v := range items {
		out = append(out, VoteResponse(v))
	}
	return out
}

func summaryResponse(s domain.ValidationSummary) SummaryResponse {
	steps := make([]StepSummaryResponse, 0, len(s.Steps))
	for _, st := range s.Steps {
		steps = append(steps, StepSummaryResponse(st))
	}
	return SummaryResponse{
		Item:        ItemResponse(s.Item),
		Steps:       steps,
		Status:      s.Status,
		StatusLabel: s.Status.Label(),
		StatusColor: s.Status.Color(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
