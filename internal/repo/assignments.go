package repo

import (
	"context"
	"database/sql"
	"strings"

	"cutline/internal/domain"
)

const assignmentColumns = `id,request_id,producer_id,mode,budget_snapshot,version_slots,claimed_at,released_at,released_by`

type AssignmentFilter struct {
	RequestID  string
	ProducerID string
	ActiveOnly bool
}

func scanAssignment(s scanner) (domain.Assignment, error) {
	var (
		a          domain.Assignment
		releasedAt sql.NullString
		releasedBy sql.NullString
	)
	err := s.Scan(&a.ID, &a.RequestID, &a.ProducerID, &a.Mode, &a.BudgetSnapshot, &a.VersionSlots, &a.ClaimedAt, &releasedAt, &releasedBy)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ReleasedAt = stringPtr(releasedAt)
	a.ReleasedBy = stringPtr(releasedBy)
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(id,request_id,producer_id,mode,budget_snapshot,version_slots,claimed_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.ProducerID, a.Mode, a.BudgetSnapshot, a.VersionSlots, a.ClaimedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) FindAssignment(ctx context.Context, tx *sql.Tx, requestID, producerID string) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_id=? AND producer_id=?`,
		requestID, producerID))
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilter) ([]domain.Assignment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.ProducerID != "" {
		clauses = append(clauses, "producer_id=?")
		args = append(args, f.ProducerID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "released_at IS NULL")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE `+strings.Join(clauses, " AND ")+` ORDER BY claimed_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkReleased stamps the release once; a second call matches nothing.
func (r Repo) MarkReleased(ctx context.Context, tx *sql.Tx, id, actorID, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignments SET released_at=?, released_by=? WHERE id=? AND released_at IS NULL`, at, actorID, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// NextSlot advances the per-assignment slot counter and returns the new value.
func (r Repo) NextSlot(ctx context.Context, tx *sql.Tx, assignmentID string) (int, error) {
	var slot int
	err := r.q(tx).QueryRowContext(ctx, `UPDATE assignments SET version_slots = version_slots + 1 WHERE id=? RETURNING version_slots`, assignmentID).Scan(&slot)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return slot, err
}
