package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"quorum/internal/domain"
)

const voteColumns = `id,item_kind,COALESCE(tickets_id,changes_id),step_instance_id,status,target_type,target_id,requester_id,
COALESCE(validator_id,''),COALESCE(submission_comment,''),COALESCE(validation_comment,''),submitted_at,answered_at,created_at,updated_at`

func scanVote(row rowScanner) (domain.Vote, error) {
	var v domain.Vote
	var answeredAt sql.NullString
	err := row.Scan(&v.ID, &v.ItemKind, &v.ItemID, &v.StepInstanceID, &v.Status, &v.TargetType, &v.TargetID, &v.RequesterID,
		&v.ValidatorID, &v.SubmissionComment, &v.ValidationComment, &v.SubmittedAt, &answeredAt, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if answeredAt.Valid {
		v.AnsweredAt = &answeredAt.String
	}
	return v, err
}

func scanVotes(rows *sql.Rows) ([]domain.Vote, error) {
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	ticketID, changeID := itemRef(v.ItemKind, v.ItemID)
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(id,item_kind,tickets_id,changes_id,step_instance_id,status,target_type,target_id,requester_id,validator_id,submission_comment,validation_comment,submitted_at,answered_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ItemKind, ticketID, changeID, v.StepInstanceID, v.Status, v.TargetType, v.TargetID, v.RequesterID,
		nullable(v.ValidatorID), nullable(v.SubmissionComment), nullable(v.ValidationComment), v.SubmittedAt, nullableStringPtr(v.AnsweredAt), v.CreatedAt, v.UpdatedAt)
	return err
}

// UpdateVoteTx rewrites the mutable columns of a vote.
func (r Repo) UpdateVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	res, err := tx.ExecContext(ctx, `UPDATE votes SET step_instance_id=?, status=?, validator_id=?, submission_comment=?, validation_comment=?, answered_at=?, updated_at=? WHERE id=?`,
		v.StepInstanceID, v.Status, nullable(v.ValidatorID), nullable(v.SubmissionComment), nullable(v.ValidationComment), nullableStringPtr(v.AnsweredAt), v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteVoteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetVote(ctx context.Context, id string) (domain.Vote, error) {
	return scanVote(r.DB.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM votes WHERE id=?`, id))
}

func (r Repo) GetVoteTx(ctx context.Context, tx *sql.Tx, id string) (domain.Vote, error) {
	return scanVote(tx.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM votes WHERE id=?`, id))
}

// ListVotesForItem returns every vote of one work item in submission order.
func (r Repo) ListVotesForItem(ctx context.Context, kind domain.ItemKind, itemID string) ([]domain.Vote, error) {
	return listVotesForItem(ctx, r.DB, kind, itemID)
}

func (r Repo) ListVotesForItemTx(ctx context.Context, tx *sql.Tx, kind domain.ItemKind, itemID string) ([]domain.Vote, error) {
	return listVotesForItem(ctx, tx, kind, itemID)
}

func listVotesForItem(ctx context.Context, q queryer, kind domain.ItemKind, itemID string) ([]domain.Vote, error) {
	t, err := WorkItems(kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM votes WHERE %s=? ORDER BY submitted_at ASC, rowid ASC`, voteColumns, t.ForeignKey), itemID)
	if err != nil {
		return nil, err
	}
	return scanVotes(rows)
}

// CountVotesForStepInstanceTx counts the votes still pointing at an instance.
func (r Repo) CountVotesForStepInstanceTx(ctx context.Context, tx *sql.Tx, stepInstanceID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM votes WHERE step_instance_id=?`, stepInstanceID).Scan(&n)
	return n, err
}

// CountPendingItems counts distinct work items holding at least one waiting
// vote addressed to the user or to one of the groups.
func (r Repo) CountPendingItems(ctx context.Context, userID string, groupIDs []string) (int, error) {
	var (
		targets []string
		args    []any
	)
	if userID != "" {
		targets = append(targets, "(target_type='user' AND target_id=?)")
		args = append(args, userID)
	}
	if len(groupIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(groupIDs)), ",")
		targets = append(targets, fmt.Sprintf("(target_type='group' AND target_id IN (%s))", placeholders))
		for _, g := range groupIDs {
			args = append(args, g)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT item_kind || ':' || COALESCE(tickets_id,changes_id)) FROM votes WHERE status='waiting' AND (%s)`, strings.Join(targets, " OR "))
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
