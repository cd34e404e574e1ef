package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"quorum/internal/approval"
	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/metrics"
)

// resolveStepInstanceTx returns the instance binding def to the work item,
// creating it from the definition threshold on first use. A concurrent
// creator wins through the unique index; the loser re-reads and reuses the
// winner's row.
func (e Engine) resolveStepInstanceTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, itemID string, def domain.StepDefinition, actorID string) (domain.StepInstance, bool, error) {
	lookup := func() (domain.StepInstance, bool, error) {
		existing, err := e.Repo.ListStepInstancesForItemTx(ctx, tx, kind, itemID)
		if err != nil {
			return domain.StepInstance{}, false, err
		}
		id, ok := approval.ResolveStepInstance(def.ID, existing)
		if !ok {
			return domain.StepInstance{}, false, nil
		}
		for _, si := range existing {
			if si.ID == id {
				return si, true, nil
			}
		}
		return domain.StepInstance{}, false, nil
	}

	si, ok, err := lookup()
	if err != nil || ok {
		return si, false, err
	}
	si = domain.StepInstance{
		ID:                     newID(),
		ItemKind:               kind,
		ItemID:                 itemID,
		DefinitionID:           def.ID,
		MinimalRequiredPercent: def.MinimalRequiredPercent,
	}
	inserted, err := e.Repo.InsertStepInstanceIfAbsentTx(ctx, tx, si, stamp(e.now()))
	if err != nil {
		return domain.StepInstance{}, false, err
	}
	if !inserted {
		winner, ok, err := lookup()
		if err != nil {
			return domain.StepInstance{}, false, err
		}
		if !ok {
			return domain.StepInstance{}, false, fmt.Errorf("step instance for definition %s on %s %s vanished", def.ID, kind, itemID)
		}
		return winner, false, nil
	}
	if err := e.Events.Append(ctx, tx, events.StepInstanceCreated, "step_instance", si.ID, actorID, events.EventPayload{
		"item_kind":                kind,
		"item_id":                  itemID,
		"definition_id":            def.ID,
		"minimal_required_percent": si.MinimalRequiredPercent,
	}); err != nil {
		return domain.StepInstance{}, false, err
	}
	return si, true, nil
}

// releaseIfUnusedTx deletes a step instance once no vote references it.
func (e Engine) releaseIfUnusedTx(ctx context.Context, tx *sql.Tx, id, actorID string) (bool, error) {
	n, err := e.Repo.CountVotesForStepInstanceTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !approval.Unused(n) {
		return false, nil
	}
	deleted, err := e.Repo.DeleteStepInstanceIfUnusedTx(ctx, tx, id)
	if err != nil || !deleted {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.StepInstanceReleased, "step_instance", id, actorID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// applyThresholdTx stores a new threshold on an instance and recomputes the
// work items relying on it. Unchanged values are a no-op.
func (e Engine) applyThresholdTx(ctx context.Context, tx *sql.Tx, si domain.StepInstance, percent int, actorID string) (domain.StepInstance, []recomputation, error) {
	changed, err := approval.ThresholdChanged(si, percent)
	if err != nil || !changed {
		return si, nil, err
	}
	if err := e.Repo.UpdateStepInstanceThresholdTx(ctx, tx, si.ID, percent); err != nil {
		return si, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.StepInstanceThreshold, "step_instance", si.ID, actorID, events.EventPayload{
		"from": si.MinimalRequiredPercent,
		"to":   percent,
	}); err != nil {
		return si, nil, err
	}
	si.MinimalRequiredPercent = percent
	rcs, err := e.onThresholdChangedTx(ctx, tx, si.ID, actorID)
	if err != nil {
		return si, nil, err
	}
	return si, rcs, nil
}

// onThresholdChangedTx recomputes every work item referencing the instance.
func (e Engine) onThresholdChangedTx(ctx context.Context, tx *sql.Tx, id, actorID string) ([]recomputation, error) {
	refs, err := e.Repo.ItemsReferencingStepInstanceTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var rcs []recomputation
	for _, ref := range refs {
		rc, err := e.recomputeTx(ctx, tx, ref.Kind, ref.ID, actorID)
		if err != nil {
			return nil, err
		}
		rcs = append(rcs, rc)
	}
	return rcs, nil
}

// ApplyThresholdOverride changes the threshold of one step instance without
// touching its definition.
func (e Engine) ApplyThresholdOverride(ctx context.Context, id string, percent int, actorID string) (domain.StepInstance, error) {
	if err := domain.ValidatePercent(percent); err != nil {
		return domain.StepInstance{}, err
	}
	if err := requireActor(actorID); err != nil {
		return domain.StepInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepInstance{}, err
	}
	defer tx.Rollback()

	si, err := e.Repo.GetStepInstanceTx(ctx, tx, id)
	if err != nil {
		return domain.StepInstance{}, notFound(err, func() error { return domain.StepInstanceNotFound(id) })
	}
	previous := si.MinimalRequiredPercent
	si, rcs, err := e.applyThresholdTx(ctx, tx, si, percent, actorID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepInstance{}, err
	}
	if previous != percent {
		e.log().WithFields(logrus.Fields{
			"step_instance_id": id,
			"from":             previous,
			"to":               percent,
		}).Info("step instance threshold changed")
	}
	e.published(rcs...)
	return si, nil
}

func (e Engine) GetStepInstance(ctx context.Context, id string) (domain.StepInstance, error) {
	si, err := e.Repo.GetStepInstance(ctx, id)
	if err != nil {
		return si, notFound(err, func() error { return domain.StepInstanceNotFound(id) })
	}
	return si, nil
}

func (e Engine) ListStepInstances(ctx context.Context, kind domain.ItemKind, itemID string) ([]domain.StepInstance, error) {
	if _, err := e.GetWorkItem(ctx, kind, itemID); err != nil {
		return nil, err
	}
	return e.Repo.ListStepInstancesForItem(ctx, kind, itemID)
}

// instanceChanges collects lifecycle facts to log and count after commit.
type instanceChanges struct {
	created  []string
	released []string
}

func (c *instanceChanges) publish(e Engine) {
	for _, id := range c.created {
		metrics.RecordStepInstanceCreated()
		e.log().WithField("step_instance_id", id).Debug("step instance created")
	}
	for _, id := range c.released {
		metrics.RecordStepInstanceReleased()
		e.log().WithField("step_instance_id", id).Debug("step instance released")
	}
}
