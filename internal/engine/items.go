package engine

import (
	"context"
	"strings"

	"quorum/internal/approval"
	"quorum/internal/domain"
	"quorum/internal/events"
)

// CreateWorkItem registers a ticket or change. New items are not subject to
// approval until their first vote.
func (e Engine) CreateWorkItem(ctx context.Context, kind domain.ItemKind, title, actorID string) (domain.WorkItem, error) {
	kind, err := domain.ParseItemKind(string(kind))
	if err != nil {
		return domain.WorkItem{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.WorkItem{}, domain.ValidationError{Field: "title", Reason: "title is required"}
	}
	if err := requireActor(actorID); err != nil {
		return domain.WorkItem{}, err
	}
	now := stamp(e.now())
	it := domain.WorkItem{
		ID:               newID(),
		Kind:             kind,
		Title:            title,
		GlobalValidation: domain.StatusNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItemTx(ctx, tx, it); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemCreated, string(kind), it.ID, actorID, events.EventPayload{"title": it.Title}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

func (e Engine) GetWorkItem(ctx context.Context, kind domain.ItemKind, id string) (domain.WorkItem, error) {
	it, err := e.Repo.GetWorkItem(ctx, kind, id)
	if err != nil {
		return it, notFound(err, itemNotFound(kind, id))
	}
	return it, nil
}

func (e Engine) ListWorkItems(ctx context.Context, kind domain.ItemKind, status domain.Status, limit int) ([]domain.WorkItem, error) {
	return e.Repo.ListWorkItems(ctx, kind, status, limit)
}

// ValidationSummary reports each step of a work item with its achievements
// and status, next to the item's overall status.
func (e Engine) ValidationSummary(ctx context.Context, kind domain.ItemKind, id string) (domain.ValidationSummary, error) {
	it, err := e.GetWorkItem(ctx, kind, id)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	instances, err := e.Repo.ListStepInstancesForItem(ctx, kind, id)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	votes, err := e.Repo.ListVotesForItem(ctx, kind, id)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	steps, status, err := approval.Summarize(instances, votes)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	defs, err := e.Repo.ListDefinitions(ctx)
	if err != nil {
		return domain.ValidationSummary{}, err
	}
	names := make(map[string]string, len(defs))
	for _, d := range defs {
		names[d.ID] = d.Name
	}
	for i := range steps {
		steps[i].DefinitionName = names[steps[i].DefinitionID]
	}
	if steps == nil {
		steps = []domain.StepSummary{}
	}
	return domain.ValidationSummary{Item: it, Steps: steps, Status: status}, nil
}
