package repo

import (
	"context"
	"database/sql"
	"fmt"

	"quorum/internal/domain"
)

// WorkItemTable describes where one work item kind is stored and how other
// tables point at it.
type WorkItemTable struct {
	Kind       domain.ItemKind
	Table      string
	ForeignKey string
}

var workItemTables = map[domain.ItemKind]WorkItemTable{
	domain.ItemTicket: {Kind: domain.ItemTicket, Table: "tickets", ForeignKey: domain.ItemTicket.ForeignKey()},
	domain.ItemChange: {Kind: domain.ItemChange, Table: "changes", ForeignKey: domain.ItemChange.ForeignKey()},
}

// WorkItems selects the storage of a work item kind.
func WorkItems(kind domain.ItemKind) (WorkItemTable, error) {
	t, ok := workItemTables[kind]
	if !ok {
		return WorkItemTable{}, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported work item kind %q", kind)}
	}
	return t, nil
}

// itemRef returns the (tickets_id, changes_id) pair for a row that points at
// one work item.
func itemRef(kind domain.ItemKind, id string) (any, any) {
	if kind == domain.ItemChange {
		return nil, id
	}
	return id, nil
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	t, err := WorkItems(it.Kind)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(id,title,global_validation,created_at,updated_at) VALUES (?,?,?,?,?)`, t.Table),
		it.ID, it.Title, it.GlobalValidation, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, kind domain.ItemKind, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, r.DB, kind, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, id string) (domain.WorkItem, error) {
	return getWorkItem(ctx, tx, kind, id)
}

func getWorkItem(ctx context.Context, q queryer, kind domain.ItemKind, id string) (domain.WorkItem, error) {
	t, err := WorkItems(kind)
	if err != nil {
		return domain.WorkItem{}, err
	}
	it := domain.WorkItem{Kind: kind}
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT id,title,global_validation,created_at,updated_at FROM %s WHERE id=?`, t.Table), id).
		Scan(&it.ID, &it.Title, &it.GlobalValidation, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ListWorkItems returns items of one kind, newest first, optionally
// restricted to one global validation status.
func (r Repo) ListWorkItems(ctx context.Context, kind domain.ItemKind, status domain.Status, limit int) ([]domain.WorkItem, error) {
	t, err := WorkItems(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id,title,global_validation,created_at,updated_at FROM %s`, t.Table)
	var args []any
	if status != "" {
		query += ` WHERE global_validation=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it := domain.WorkItem{Kind: kind}
		if err := rows.Scan(&it.ID, &it.Title, &it.GlobalValidation, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) SetGlobalValidationTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, id string, status domain.Status, now string) error {
	t, err := WorkItems(kind)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET global_validation=?, updated_at=? WHERE id=?`, t.Table), status, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
