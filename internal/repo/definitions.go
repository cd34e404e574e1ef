package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"quorum/internal/domain"
)

const definitionColumns = `id,name,minimal_required_percent,is_default,COALESCE(comment,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (domain.StepDefinition, error) {
	var d domain.StepDefinition
	var isDefault int
	err := row.Scan(&d.ID, &d.Name, &d.MinimalRequiredPercent, &isDefault, &d.Comment, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.IsDefault = isDefault == 1
	return d, err
}

func (r Repo) InsertDefinitionTx(ctx context.Context, tx *sql.Tx, d domain.StepDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO step_definitions(id,name,minimal_required_percent,is_default,comment,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.MinimalRequiredPercent, boolInt(d.IsDefault), nullable(d.Comment), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDefinition(ctx context.Context, id string) (domain.StepDefinition, error) {
	return getDefinition(ctx, r.DB, id)
}

func (r Repo) GetDefinitionTx(ctx context.Context, tx *sql.Tx, id string) (domain.StepDefinition, error) {
	return getDefinition(ctx, tx, id)
}

func getDefinition(ctx context.Context, q queryer, id string) (domain.StepDefinition, error) {
	return scanDefinition(q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM step_definitions WHERE id=?`, id))
}

func (r Repo) GetDefaultDefinition(ctx context.Context) (domain.StepDefinition, error) {
	return getDefaultDefinition(ctx, r.DB)
}

func (r Repo) GetDefaultDefinitionTx(ctx context.Context, tx *sql.Tx) (domain.StepDefinition, error) {
	return getDefaultDefinition(ctx, tx)
}

func getDefaultDefinition(ctx context.Context, q queryer) (domain.StepDefinition, error) {
	return scanDefinition(q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM step_definitions WHERE is_default=1`))
}

// ListDefinitions returns definitions in creation order.
func (r Repo) ListDefinitions(ctx context.Context) ([]domain.StepDefinition, error) {
	return listDefinitions(ctx, r.DB)
}

func listDefinitions(ctx context.Context, q queryer) ([]domain.StepDefinition, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+definitionColumns+` FROM step_definitions ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDefinitionsTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM step_definitions`).Scan(&n)
	return n, err
}

// FirstDefinitionExceptTx returns the oldest definition other than id.
func (r Repo) FirstDefinitionExceptTx(ctx context.Context, tx *sql.Tx, id string) (domain.StepDefinition, error) {
	return scanDefinition(tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM step_definitions WHERE id<>? ORDER BY created_at ASC, rowid ASC LIMIT 1`, id))
}

// DefinitionUpdate carries a partial update; nil fields are left alone.
type DefinitionUpdate struct {
	Name                   *string
	MinimalRequiredPercent *int
	IsDefault              *bool
	Comment                *string
	UpdatedAt              string
}

func (r Repo) UpdateDefinitionTx(ctx context.Context, tx *sql.Tx, id string, u DefinitionUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *u.Name)
	}
	if u.MinimalRequiredPercent != nil {
		fields = append(fields, "minimal_required_percent=?")
		args = append(args, *u.MinimalRequiredPercent)
	}
	if u.IsDefault != nil {
		fields = append(fields, "is_default=?")
		args = append(args, boolInt(*u.IsDefault))
	}
	if u.Comment != nil {
		fields = append(fields, "comment=?")
		args = append(args, nullableStringPtr(u.Comment))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE step_definitions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ClearDefaultTx removes the default flag from every definition but keepID.
func (r Repo) ClearDefaultTx(ctx context.Context, tx *sql.Tx, keepID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE step_definitions SET is_default=0, updated_at=? WHERE is_default=1 AND id<>?`, now, keepID)
	return err
}

func (r Repo) SetDefaultTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE step_definitions SET is_default=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteDefinitionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM step_definitions WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
