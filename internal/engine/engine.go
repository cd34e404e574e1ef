package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quorum/internal/approval"
	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/logging"
	"quorum/internal/metrics"
	"quorum/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logging.Discard()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

func requireActor(actorID string) error {
	if actorID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "actor id is required"}
	}
	return nil
}

// notFound turns the repository sentinel into a named not-found error.
func notFound(err error, build func() error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return build()
	}
	return err
}

func itemNotFound(kind domain.ItemKind, id string) func() error {
	return func() error { return domain.NotFoundError{Entity: string(kind), ID: id} }
}

func voteNotFound(id string) func() error {
	return func() error { return domain.NotFoundError{Entity: "vote", ID: id} }
}

// recomputation is the outcome of re-evaluating one work item.
type recomputation struct {
	Kind     domain.ItemKind
	ItemID   string
	Previous domain.Status
	Status   domain.Status
}

// recomputeTx re-evaluates every step of a work item from the votes visible
// in tx and persists the resulting global validation status.
func (e Engine) recomputeTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, itemID, actorID string) (recomputation, error) {
	item, err := e.Repo.GetWorkItemTx(ctx, tx, kind, itemID)
	if err != nil {
		return recomputation{}, notFound(err, itemNotFound(kind, itemID))
	}
	instances, err := e.Repo.ListStepInstancesForItemTx(ctx, tx, kind, itemID)
	if err != nil {
		return recomputation{}, err
	}
	votes, err := e.Repo.ListVotesForItemTx(ctx, tx, kind, itemID)
	if err != nil {
		return recomputation{}, err
	}
	steps, status, err := approval.Summarize(instances, votes)
	if err != nil {
		return recomputation{}, fmt.Errorf("recompute %s %s: %w", kind, itemID, err)
	}
	rc := recomputation{Kind: kind, ItemID: itemID, Previous: item.GlobalValidation, Status: status}
	if status == item.GlobalValidation {
		return rc, nil
	}
	if err := e.Repo.SetGlobalValidationTx(ctx, tx, kind, itemID, status, stamp(e.now())); err != nil {
		return recomputation{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemValidationChanged, string(kind), itemID, actorID, events.EventPayload{
		"from":  item.GlobalValidation,
		"to":    status,
		"steps": len(steps),
	}); err != nil {
		return recomputation{}, err
	}
	return rc, nil
}

func recomputed(rcs []recomputation, kind domain.ItemKind, itemID string) bool {
	for _, rc := range rcs {
		if rc.Kind == kind && rc.ItemID == itemID {
			return true
		}
	}
	return false
}

// published runs after commit: logs and counts the recomputations.
func (e Engine) published(rcs ...recomputation) {
	for _, rc := range rcs {
		metrics.RecordRecomputation(rc.Kind, rc.Status)
		entry := e.log().WithFields(logrus.Fields{
			"item_kind": rc.Kind,
			"item_id":   rc.ItemID,
			"status":    rc.Status,
		})
		if rc.Previous != rc.Status {
			entry.WithField("previous", rc.Previous).Info("work item validation changed")
		} else {
			entry.Debug("work item validation recomputed")
		}
	}
}

// ListEvents returns the audit trail, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
