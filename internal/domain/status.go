package domain

import (
	"fmt"
	"strings"
)

// Status is an approval state. Votes are waiting, accepted or refused; work
// items may additionally be none (not subject to approval).
type Status string

const (
	StatusNone     Status = "none"
	StatusWaiting  Status = "waiting"
	StatusAccepted Status = "accepted"
	StatusRefused  Status = "refused"
)

// VoteStatuses lists vote statuses in aggregation priority order. The
// rounding remainder goes to the first status with the largest fractional
// part, so this order decides ties.
var VoteStatuses = [...]Status{StatusAccepted, StatusRefused, StatusWaiting}

// ParseVoteStatus accepts the three statuses a vote can hold.
func ParseVoteStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusWaiting, StatusAccepted, StatusRefused:
		return st, nil
	}
	return "", ValidationError{Field: "status", Reason: fmt.Sprintf("invalid vote status %q", s)}
}

// Label returns the human readable name of the status.
func (s Status) Label() string {
	switch s {
	case StatusWaiting:
		return "Waiting for approval"
	case StatusRefused:
		return "Refused"
	case StatusAccepted:
		return "Granted"
	case StatusNone:
		return "Not subject to approval"
	}
	return string(s)
}

// Color returns the display colour of the status.
func (s Status) Color() string {
	switch s {
	case StatusWaiting:
		return "#FFC65D"
	case StatusAccepted:
		return "#43e900"
	}
	return "#ff0000"
}

// ItemKind selects which work item variant a vote belongs to.
type ItemKind string

const (
	ItemTicket ItemKind = "ticket"
	ItemChange ItemKind = "change"
)

// ParseItemKind normalizes and validates a work item kind.
func ParseItemKind(s string) (ItemKind, error) {
	k := ItemKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ItemTicket, ItemChange:
		return k, nil
	}
	return "", ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported work item kind %q", s)}
}

// ForeignKey is the column name other records use to point at this kind.
func (k ItemKind) ForeignKey() string {
	switch k {
	case ItemChange:
		return "changes_id"
	}
	return "tickets_id"
}

// TargetType is the kind of actor a vote is addressed to.
type TargetType string

const (
	TargetUser  TargetType = "user"
	TargetGroup TargetType = "group"
)

func ParseTargetType(s string) (TargetType, error) {
	t := TargetType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TargetUser, TargetGroup:
		return t, nil
	}
	return "", ValidationError{Field: "target_type", Reason: fmt.Sprintf("unsupported target type %q", s)}
}
