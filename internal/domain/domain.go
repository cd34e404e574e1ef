package domain

// StepDefinition is a reusable approval step template.
type StepDefinition struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	MinimalRequiredPercent int    `json:"minimal_required_percent" minimum:"0" maximum:"100"`
	IsDefault              bool   `json:"is_default"`
	Comment                string `json:"comment,omitempty"`
	CreatedAt              string `json:"created_at" format:"date-time"`
	UpdatedAt              string `json:"updated_at" format:"date-time"`
}

// StepInstance attaches one definition to one work item and carries the
// threshold used for that item.
type StepInstance struct {
	ID                     string   `json:"id"`
	ItemKind               ItemKind `json:"item_kind" enum:"ticket,change"`
	ItemID                 string   `json:"item_id"`
	DefinitionID           string   `json:"definition_id"`
	MinimalRequiredPercent int      `json:"minimal_required_percent" minimum:"0" maximum:"100"`
}

type WorkItem struct {
	ID               string   `json:"id"`
	Kind             ItemKind `json:"kind" enum:"ticket,change"`
	Title            string   `json:"title"`
	GlobalValidation Status   `json:"global_validation" enum:"none,waiting,accepted,refused"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// Vote is one approval request sent to a user or a group.
type Vote struct {
	ID                string     `json:"id"`
	ItemKind          ItemKind   `json:"item_kind" enum:"ticket,change"`
	ItemID            string     `json:"item_id"`
	StepInstanceID    string     `json:"step_instance_id"`
	Status            Status     `json:"status" enum:"waiting,accepted,refused"`
	TargetType        TargetType `json:"target_type" enum:"user,group"`
	TargetID          string     `json:"target_id"`
	RequesterID       string     `json:"requester_id"`
	ValidatorID       string     `json:"validator_id,omitempty"`
	SubmissionComment string     `json:"submission_comment,omitempty"`
	ValidationComment string     `json:"validation_comment,omitempty"`
	SubmittedAt       string     `json:"submitted_at" format:"date-time"`
	AnsweredAt        *string    `json:"answered_at,omitempty" format:"date-time"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
}

// Achievements holds the rounded percentage of votes per status. The three
// values always sum to 100.
type Achievements struct {
	Accepted int `json:"accepted"`
	Refused  int `json:"refused"`
	Waiting  int `json:"waiting"`
}

// Of returns the percentage recorded for s. NONE is never recorded.
func (a Achievements) Of(s Status) int {
	switch s {
	case StatusAccepted:
		return a.Accepted
	case StatusRefused:
		return a.Refused
	case StatusWaiting:
		return a.Waiting
	}
	return 0
}

// StepSummary reports the computed state of one step instance.
type StepSummary struct {
	StepInstanceID         string       `json:"step_instance_id"`
	DefinitionID           string       `json:"definition_id"`
	DefinitionName         string       `json:"definition_name,omitempty"`
	MinimalRequiredPercent int          `json:"minimal_required_percent"`
	Votes                  int          `json:"votes"`
	Achievements           Achievements `json:"achievements"`
	Status                 Status       `json:"status" enum:"waiting,accepted,refused"`
}

// ValidationSummary is the per-step breakdown of a work item's approval state.
type ValidationSummary struct {
	Item   WorkItem      `json:"item"`
	Steps  []StepSummary `json:"steps"`
	Status Status        `json:"status" enum:"none,waiting,accepted,refused"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
