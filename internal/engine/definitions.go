package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/repo"
)

const minDefinitionName = 3

func validateDefinitionName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < minDefinitionName {
		return "", domain.ValidationError{Field: "name", Reason: "name must have at least 3 characters"}
	}
	return name, nil
}

// DefinitionCreateOptions are parameters for creating a step definition.
type DefinitionCreateOptions struct {
	Name                   string
	MinimalRequiredPercent int
	IsDefault              bool
	Comment                string
	ActorID                string
}

// CreateDefinition adds a step definition. The first definition of a
// workspace always becomes the default.
func (e Engine) CreateDefinition(ctx context.Context, opts DefinitionCreateOptions) (domain.StepDefinition, error) {
	name, err := validateDefinitionName(opts.Name)
	if err != nil {
		return domain.StepDefinition{}, err
	}
	if err := domain.ValidatePercent(opts.MinimalRequiredPercent); err != nil {
		return domain.StepDefinition{}, err
	}
	if err := requireActor(opts.ActorID); err != nil {
		return domain.StepDefinition{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepDefinition{}, err
	}
	defer tx.Rollback()

	count, err := e.Repo.CountDefinitionsTx(ctx, tx)
	if err != nil {
		return domain.StepDefinition{}, err
	}
	now := stamp(e.now())
	d := domain.StepDefinition{
		ID:                     newID(),
		Name:                   name,
		MinimalRequiredPercent: opts.MinimalRequiredPercent,
		IsDefault:              opts.IsDefault || count == 0,
		Comment:                strings.TrimSpace(opts.Comment),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if d.IsDefault {
		if err := e.Repo.ClearDefaultTx(ctx, tx, d.ID, now); err != nil {
			return domain.StepDefinition{}, err
		}
	}
	if err := e.Repo.InsertDefinitionTx(ctx, tx, d); err != nil {
		return domain.StepDefinition{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DefinitionCreated, "step_definition", d.ID, opts.ActorID, events.EventPayload{
		"name":                     d.Name,
		"minimal_required_percent": d.MinimalRequiredPercent,
		"is_default":               d.IsDefault,
	}); err != nil {
		return domain.StepDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepDefinition{}, err
	}
	return d, nil
}

// DefinitionUpdateOptions carries a partial update; nil fields are kept.
type DefinitionUpdateOptions struct {
	Name                   *string
	MinimalRequiredPercent *int
	IsDefault              *bool
	Comment                *string
	ActorID                string
}

// UpdateDefinition edits a definition. Existing step instances keep the
// threshold they were created with.
func (e Engine) UpdateDefinition(ctx context.Context, id string, opts DefinitionUpdateOptions) (domain.StepDefinition, error) {
	if err := requireActor(opts.ActorID); err != nil {
		return domain.StepDefinition{}, err
	}
	upd := repo.DefinitionUpdate{Comment: opts.Comment, IsDefault: opts.IsDefault}
	if opts.Name != nil {
		name, err := validateDefinitionName(*opts.Name)
		if err != nil {
			return domain.StepDefinition{}, err
		}
		upd.Name = &name
	}
	if opts.MinimalRequiredPercent != nil {
		if err := domain.ValidatePercent(*opts.MinimalRequiredPercent); err != nil {
			return domain.StepDefinition{}, err
		}
		upd.MinimalRequiredPercent = opts.MinimalRequiredPercent
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepDefinition{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetDefinitionTx(ctx, tx, id)
	if err != nil {
		return domain.StepDefinition{}, notFound(err, func() error { return domain.DefinitionNotFound(id) })
	}
	now := stamp(e.now())
	upd.UpdatedAt = now
	payload := events.EventPayload{}

	var promote string
	if opts.IsDefault != nil && *opts.IsDefault != cur.IsDefault {
		if *opts.IsDefault {
			if err := e.Repo.ClearDefaultTx(ctx, tx, id, now); err != nil {
				return domain.StepDefinition{}, err
			}
		} else {
			next, err := e.Repo.FirstDefinitionExceptTx(ctx, tx, id)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.StepDefinition{}, domain.InvariantViolationError{Reason: "the only step definition must stay the default"}
			}
			if err != nil {
				return domain.StepDefinition{}, err
			}
			promote = next.ID
		}
		payload["is_default"] = *opts.IsDefault
	}
	if err := e.Repo.UpdateDefinitionTx(ctx, tx, id, upd); err != nil {
		return domain.StepDefinition{}, notFound(err, func() error { return domain.DefinitionNotFound(id) })
	}
	if promote != "" {
		if err := e.promoteDefaultTx(ctx, tx, promote, opts.ActorID, now); err != nil {
			return domain.StepDefinition{}, err
		}
		payload["promoted"] = promote
	}
	if upd.Name != nil {
		payload["name"] = *upd.Name
	}
	if upd.MinimalRequiredPercent != nil {
		payload["minimal_required_percent"] = *upd.MinimalRequiredPercent
	}
	if err := e.Events.Append(ctx, tx, events.DefinitionUpdated, "step_definition", id, opts.ActorID, payload); err != nil {
		return domain.StepDefinition{}, err
	}
	d, err := e.Repo.GetDefinitionTx(ctx, tx, id)
	if err != nil {
		return domain.StepDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepDefinition{}, err
	}
	return d, nil
}

// DeleteDefinition removes a definition. The last definition cannot be
// deleted; deleting the default promotes the oldest remaining one. Step
// instances created from it keep working.
func (e Engine) DeleteDefinition(ctx context.Context, id, actorID string) error {
	if err := requireActor(actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetDefinitionTx(ctx, tx, id)
	if err != nil {
		return notFound(err, func() error { return domain.DefinitionNotFound(id) })
	}
	count, err := e.Repo.CountDefinitionsTx(ctx, tx)
	if err != nil {
		return err
	}
	if count <= 1 {
		return domain.InvariantViolationError{Reason: "cannot delete the last step definition"}
	}
	if err := e.Repo.DeleteDefinitionTx(ctx, tx, id); err != nil {
		return err
	}
	payload := events.EventPayload{"name": cur.Name, "was_default": cur.IsDefault}
	if cur.IsDefault {
		next, err := e.Repo.FirstDefinitionExceptTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.InvariantViolationError{Reason: "no step definition left to promote as default"}
		}
		if err != nil {
			return err
		}
		if err := e.promoteDefaultTx(ctx, tx, next.ID, actorID, stamp(e.now())); err != nil {
			return err
		}
		payload["promoted"] = next.ID
	}
	if err := e.Events.Append(ctx, tx, events.DefinitionDeleted, "step_definition", id, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) promoteDefaultTx(ctx context.Context, tx *sql.Tx, id, actorID, now string) error {
	if err := e.Repo.SetDefaultTx(ctx, tx, id, now); err != nil {
		return err
	}
	e.log().WithField("definition_id", id).Info("step definition promoted to default")
	return e.Events.Append(ctx, tx, events.DefinitionDefaultMoved, "step_definition", id, actorID, nil)
}

// GetDefaultDefinition returns the definition used when a vote names none.
func (e Engine) GetDefaultDefinition(ctx context.Context) (domain.StepDefinition, error) {
	d, err := e.Repo.GetDefaultDefinition(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return d, domain.InvariantViolationError{Reason: "no default step definition"}
	}
	return d, err
}

func (e Engine) GetDefinition(ctx context.Context, id string) (domain.StepDefinition, error) {
	d, err := e.Repo.GetDefinition(ctx, id)
	if err != nil {
		return d, notFound(err, func() error { return domain.DefinitionNotFound(id) })
	}
	return d, nil
}

func (e Engine) ListDefinitions(ctx context.Context) ([]domain.StepDefinition, error) {
	return e.Repo.ListDefinitions(ctx)
}

// SeedDefinitions creates the configured definitions when none exist yet.
// An empty seed list falls back to the built-in one so a workspace always
// has a default definition. It returns how many were created.
func (e Engine) SeedDefinitions(ctx context.Context, seeds []config.SeedStep, actorID string) (int, error) {
	existing, err := e.Repo.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	if len(seeds) == 0 {
		seeds = config.Default().Steps.Seed
	}
	created := 0
	for _, s := range seeds {
		if _, err := e.CreateDefinition(ctx, DefinitionCreateOptions{
			Name:                   s.Name,
			MinimalRequiredPercent: s.MinimalRequiredPercent,
			IsDefault:              s.Default,
			Comment:                s.Comment,
			ActorID:                actorID,
		}); err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		e.log().WithField("count", created).Info("seeded step definitions")
	}
	return created, nil
}
