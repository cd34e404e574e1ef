package repo

import (
	"context"
	"database/sql"
	"fmt"

	"quorum/internal/domain"
)

const instanceColumns = `id,item_kind,COALESCE(tickets_id,changes_id),definition_id,minimal_required_percent`

func scanInstance(row rowScanner) (domain.StepInstance, error) {
	var si domain.StepInstance
	err := row.Scan(&si.ID, &si.ItemKind, &si.ItemID, &si.DefinitionID, &si.MinimalRequiredPercent)
	if err == sql.ErrNoRows {
		return si, ErrNotFound
	}
	return si, err
}

// InsertStepInstanceIfAbsentTx inserts si unless the work item already has an
// instance for the same definition. It reports whether a row was written;
// callers re-read the winning row when it was not.
func (r Repo) InsertStepInstanceIfAbsentTx(ctx context.Context, tx *sql.Tx, si domain.StepInstance, now string) (bool, error) {
	ticketID, changeID := itemRef(si.ItemKind, si.ItemID)
	res, err := tx.ExecContext(ctx, `INSERT INTO step_instances(id,item_kind,tickets_id,changes_id,definition_id,minimal_required_percent,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`, si.ID, si.ItemKind, ticketID, changeID, si.DefinitionID, si.MinimalRequiredPercent, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetStepInstance(ctx context.Context, id string) (domain.StepInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM step_instances WHERE id=?`, id))
}

func (r Repo) GetStepInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.StepInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM step_instances WHERE id=?`, id))
}

// ListStepInstancesForItem returns the instances attached to one work item in
// creation order.
func (r Repo) ListStepInstancesForItem(ctx context.Context, kind domain.ItemKind, itemID string) ([]domain.StepInstance, error) {
	return listStepInstancesForItem(ctx, r.DB, kind, itemID)
}

func (r Repo) ListStepInstancesForItemTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, itemID string) ([]domain.StepInstance, error) {
	return listStepInstancesForItem(ctx, tx, kind, itemID)
}

func listStepInstancesForItem(ctx context.Context, q queryer, kind domain.ItemKind, itemID string) ([]domain.StepInstance, error) {
	t, err := WorkItems(kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM step_instances WHERE %s=? ORDER BY created_at ASC, rowid ASC`, instanceColumns, t.ForeignKey), itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		si, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, si)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStepInstanceThresholdTx(ctx context.Context, tx *sql.Tx, id string, percent int) error {
	res, err := tx.ExecContext(ctx, `UPDATE step_instances SET minimal_required_percent=? WHERE id=?`, percent, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// DeleteStepInstanceIfUnusedTx removes the instance only when no vote points
// at it. The check and the delete are one statement.
func (r Repo) DeleteStepInstanceIfUnusedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM step_instances WHERE id=? AND NOT EXISTS (SELECT 1 FROM votes WHERE step_instance_id=?)`, id, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WorkItemRef identifies one work item.
type WorkItemRef struct {
	Kind domain.ItemKind
	ID   string
}

// ItemsReferencingStepInstanceTx lists the work items whose votes use the
// instance, plus the item the instance is attached to.
func (r Repo) ItemsReferencingStepInstanceTx(ctx context.Context, tx *sql.Tx, id string) ([]WorkItemRef, error) {
	rows, err := tx.QueryContext(ctx, `SELECT item_kind, COALESCE(tickets_id,changes_id) FROM step_instances WHERE id=?
UNION
SELECT item_kind, COALESCE(tickets_id,changes_id) FROM votes WHERE step_instance_id=?`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []WorkItemRef
	for rows.Next() {
		var ref WorkItemRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}
