package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/metrics"
)

// VoteRequestOptions are parameters for requesting an approval.
type VoteRequestOptions struct {
	Kind   domain.ItemKind
	ItemID string
	// DefinitionID selects the step; empty means the default definition.
	DefinitionID      string
	TargetType        domain.TargetType
	TargetID          string
	SubmissionComment string
	// ThresholdOverride replaces the step instance threshold when set.
	ThresholdOverride *int
	ActorID           string
	// SubmittedAt defaults to the engine clock.
	SubmittedAt time.Time
}

// RequestVote creates a waiting vote, attaches it to the step instance of
// its definition and recomputes the work item.
func (e Engine) RequestVote(ctx context.Context, opts VoteRequestOptions) (domain.Vote, error) {
	kind, err := domain.ParseItemKind(string(opts.Kind))
	if err != nil {
		return domain.Vote{}, err
	}
	targetType, err := domain.ParseTargetType(string(opts.TargetType))
	if err != nil {
		return domain.Vote{}, err
	}
	if strings.TrimSpace(opts.TargetID) == "" {
		return domain.Vote{}, domain.ValidationError{Field: "target_id", Reason: "a target is required"}
	}
	if opts.ThresholdOverride != nil {
		if err := domain.ValidatePercent(*opts.ThresholdOverride); err != nil {
			return domain.Vote{}, err
		}
	}
	if err := requireActor(opts.ActorID); err != nil {
		return domain.Vote{}, err
	}
	submittedAt := opts.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = e.now()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetWorkItemTx(ctx, tx, kind, opts.ItemID); err != nil {
		return domain.Vote{}, notFound(err, itemNotFound(kind, opts.ItemID))
	}
	var def domain.StepDefinition
	if opts.DefinitionID != "" {
		def, err = e.Repo.GetDefinitionTx(ctx, tx, opts.DefinitionID)
		if err != nil {
			return domain.Vote{}, notFound(err, func() error { return domain.DefinitionNotFound(opts.DefinitionID) })
		}
	} else {
		def, err = e.Repo.GetDefaultDefinitionTx(ctx, tx)
		if err != nil {
			return domain.Vote{}, notFound(err, func() error {
				return domain.InvariantViolationError{Reason: "no default step definition"}
			})
		}
	}
	si, created, err := e.resolveStepInstanceTx(ctx, tx, kind, opts.ItemID, def, opts.ActorID)
	if err != nil {
		return domain.Vote{}, err
	}
	var changes instanceChanges
	if created {
		changes.created = append(changes.created, si.ID)
	}

	now := stamp(e.now())
	v := domain.Vote{
		ID:                newID(),
		ItemKind:          kind,
		ItemID:            opts.ItemID,
		StepInstanceID:    si.ID,
		Status:            domain.StatusWaiting,
		TargetType:        targetType,
		TargetID:          strings.TrimSpace(opts.TargetID),
		RequesterID:       opts.ActorID,
		SubmissionComment: strings.TrimSpace(opts.SubmissionComment),
		SubmittedAt:       stamp(submittedAt),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	var rcs []recomputation
	if opts.ThresholdOverride != nil {
		if _, rcs, err = e.applyThresholdTx(ctx, tx, si, *opts.ThresholdOverride, opts.ActorID); err != nil {
			return domain.Vote{}, err
		}
	}
	if !recomputed(rcs, kind, opts.ItemID) {
		rc, err := e.recomputeTx(ctx, tx, kind, opts.ItemID, opts.ActorID)
		if err != nil {
			return domain.Vote{}, err
		}
		rcs = append(rcs, rc)
	}
	if err := e.Events.Append(ctx, tx, events.VoteRequested, "vote", v.ID, opts.ActorID, events.EventPayload{
		"item_kind":        kind,
		"item_id":          v.ItemID,
		"step_instance_id": v.StepInstanceID,
		"definition_id":    def.ID,
		"target_type":      v.TargetType,
		"target_id":        v.TargetID,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	metrics.RecordVoteRequested()
	changes.publish(e)
	e.published(rcs...)
	return v, nil
}

// VoteAnswerOptions are parameters for answering a vote.
type VoteAnswerOptions struct {
	Status  domain.Status
	Comment string
	ActorID string
	// AnsweredAt defaults to the engine clock.
	AnsweredAt time.Time
}

// AnswerVote moves a vote to a new status. Refusing requires a comment.
// Leaving waiting records the answer time and the validator; going back to
// waiting clears the answer time.
func (e Engine) AnswerVote(ctx context.Context, id string, opts VoteAnswerOptions) (domain.Vote, error) {
	status, err := domain.ParseVoteStatus(string(opts.Status))
	if err != nil {
		return domain.Vote{}, err
	}
	comment := strings.TrimSpace(opts.Comment)
	if status == domain.StatusRefused && comment == "" {
		return domain.Vote{}, domain.ErrMissingRefusalReason
	}
	if err := requireActor(opts.ActorID); err != nil {
		return domain.Vote{}, err
	}
	answeredAt := opts.AnsweredAt
	if answeredAt.IsZero() {
		answeredAt = e.now()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVoteTx(ctx, tx, id)
	if err != nil {
		return domain.Vote{}, notFound(err, voteNotFound(id))
	}
	previous := v.Status
	v.Status = status
	if comment != "" {
		v.ValidationComment = comment
	}
	if status == domain.StatusWaiting {
		v.AnsweredAt = nil
	} else {
		at := stamp(answeredAt)
		v.AnsweredAt = &at
		v.ValidatorID = opts.ActorID
	}
	v.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateVoteTx(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	rc, err := e.recomputeTx(ctx, tx, v.ItemKind, v.ItemID, opts.ActorID)
	if err != nil {
		return domain.Vote{}, err
	}
	if err := e.Events.Append(ctx, tx, events.VoteAnswered, "vote", v.ID, opts.ActorID, events.EventPayload{
		"from":             previous,
		"to":               status,
		"step_instance_id": v.StepInstanceID,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	metrics.RecordVoteAnswered(status)
	e.log().WithFields(logrus.Fields{
		"vote_id": v.ID,
		"from":    previous,
		"to":      status,
	}).Info("vote answered")
	e.published(rc)
	return v, nil
}

// VoteUpdateOptions carries a partial vote update; nil fields are kept.
type VoteUpdateOptions struct {
	// DefinitionID moves the vote to the step of another definition.
	DefinitionID *string
	// ThresholdOverride applies to the step instance the vote ends up in.
	ThresholdOverride *int
	// SubmissionComment is editable only while the vote waits.
	SubmissionComment *string
	ActorID           string
}

// UpdateVote edits a vote. Moving it to another definition releases the
// step instance it leaves when nothing else uses it.
func (e Engine) UpdateVote(ctx context.Context, id string, opts VoteUpdateOptions) (domain.Vote, error) {
	if opts.ThresholdOverride != nil {
		if err := domain.ValidatePercent(*opts.ThresholdOverride); err != nil {
			return domain.Vote{}, err
		}
	}
	if err := requireActor(opts.ActorID); err != nil {
		return domain.Vote{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVoteTx(ctx, tx, id)
	if err != nil {
		return domain.Vote{}, notFound(err, voteNotFound(id))
	}
	if opts.SubmissionComment != nil && v.Status != domain.StatusWaiting {
		return domain.Vote{}, domain.ErrAnswered
	}
	cur, err := e.Repo.GetStepInstanceTx(ctx, tx, v.StepInstanceID)
	if err != nil {
		return domain.Vote{}, notFound(err, func() error { return domain.StepInstanceNotFound(v.StepInstanceID) })
	}

	payload := events.EventPayload{}
	var changes instanceChanges
	si := cur
	if opts.DefinitionID != nil && *opts.DefinitionID != cur.DefinitionID {
		def, err := e.Repo.GetDefinitionTx(ctx, tx, *opts.DefinitionID)
		if err != nil {
			return domain.Vote{}, notFound(err, func() error { return domain.DefinitionNotFound(*opts.DefinitionID) })
		}
		var created bool
		si, created, err = e.resolveStepInstanceTx(ctx, tx, v.ItemKind, v.ItemID, def, opts.ActorID)
		if err != nil {
			return domain.Vote{}, err
		}
		if created {
			changes.created = append(changes.created, si.ID)
		}
		v.StepInstanceID = si.ID
		payload["from_step_instance_id"] = cur.ID
		payload["step_instance_id"] = si.ID
	}
	if opts.SubmissionComment != nil {
		v.SubmissionComment = strings.TrimSpace(*opts.SubmissionComment)
		payload["submission_comment"] = v.SubmissionComment
	}
	v.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateVoteTx(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	if si.ID != cur.ID {
		released, err := e.releaseIfUnusedTx(ctx, tx, cur.ID, opts.ActorID)
		if err != nil {
			return domain.Vote{}, err
		}
		if released {
			changes.released = append(changes.released, cur.ID)
		}
	}
	var rcs []recomputation
	if opts.ThresholdOverride != nil {
		if _, rcs, err = e.applyThresholdTx(ctx, tx, si, *opts.ThresholdOverride, opts.ActorID); err != nil {
			return domain.Vote{}, err
		}
		payload["minimal_required_percent"] = *opts.ThresholdOverride
	}
	if !recomputed(rcs, v.ItemKind, v.ItemID) {
		rc, err := e.recomputeTx(ctx, tx, v.ItemKind, v.ItemID, opts.ActorID)
		if err != nil {
			return domain.Vote{}, err
		}
		rcs = append(rcs, rc)
	}
	if err := e.Events.Append(ctx, tx, events.VoteUpdated, "vote", v.ID, opts.ActorID, payload); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	changes.publish(e)
	e.published(rcs...)
	return v, nil
}

// DeleteVote removes a vote, recomputes its work item and releases its step
// instance when the vote was the last one using it.
func (e Engine) DeleteVote(ctx context.Context, id, actorID string) error {
	if err := requireActor(actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVoteTx(ctx, tx, id)
	if err != nil {
		return notFound(err, voteNotFound(id))
	}
	if err := e.Repo.DeleteVoteTx(ctx, tx, id); err != nil {
		return err
	}
	rc, err := e.recomputeTx(ctx, tx, v.ItemKind, v.ItemID, actorID)
	if err != nil {
		return err
	}
	var changes instanceChanges
	released, err := e.releaseIfUnusedTx(ctx, tx, v.StepInstanceID, actorID)
	if err != nil {
		return err
	}
	if released {
		changes.released = append(changes.released, v.StepInstanceID)
	}
	if err := e.Events.Append(ctx, tx, events.VoteDeleted, "vote", id, actorID, events.EventPayload{
		"item_kind":        v.ItemKind,
		"item_id":          v.ItemID,
		"step_instance_id": v.StepInstanceID,
		"status":           v.Status,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	changes.publish(e)
	e.published(rc)
	return nil
}

func (e Engine) GetVote(ctx context.Context, id string) (domain.Vote, error) {
	v, err := e.Repo.GetVote(ctx, id)
	if err != nil {
		return v, notFound(err, voteNotFound(id))
	}
	return v, nil
}

func (e Engine) ListVotes(ctx context.Context, kind domain.ItemKind, itemID string) ([]domain.Vote, error) {
	if _, err := e.GetWorkItem(ctx, kind, itemID); err != nil {
		return nil, err
	}
	return e.Repo.ListVotesForItem(ctx, kind, itemID)
}

// PendingCount counts the work items waiting on an answer from the user or
// one of its groups.
func (e Engine) PendingCount(ctx context.Context, userID string, groupIDs []string) (int, error) {
	return e.Repo.CountPendingItems(ctx, userID, groupIDs)
}
