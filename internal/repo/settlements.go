package repo

import (
	"context"
	"database/sql"
	"strings"

	"cutline/internal/domain"
)

const settlementColumns = `id,kind,producer_id,source_ref,base_amount,bonus_amount,amount,status,scheduled_for,COALESCE(breakdown_json,''),batch_id,created_at,updated_at,processed_at,completed_at`

type SettlementFilter struct {
	Kind       string
	Status     string
	ProducerID string
	SourceRef  string
	BatchID    string
	// DueBy limits to scheduled_for <= DueBy (YYYY-MM-DD).
	DueBy string
	Limit int
}

func (f SettlementFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("kind=?", f.Kind)
	add("status=?", f.Status)
	add("producer_id=?", f.ProducerID)
	add("source_ref=?", f.SourceRef)
	add("batch_id=?", f.BatchID)
	add("scheduled_for<=?", f.DueBy)
	return strings.Join(clauses, " AND "), args
}

func scanSettlement(s scanner) (domain.SettlementRecord, error) {
	var (
		rec                               domain.SettlementRecord
		batchID, processedAt, completedAt sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.Kind, &rec.ProducerID, &rec.SourceRef, &rec.BaseAmount, &rec.BonusAmount, &rec.Amount, &rec.Status,
		&rec.ScheduledFor, &rec.Breakdown, &batchID, &rec.CreatedAt, &rec.UpdatedAt, &processedAt, &completedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.BatchID = stringPtr(batchID)
	rec.ProcessedAt = stringPtr(processedAt)
	rec.CompletedAt = stringPtr(completedAt)
	return rec, nil
}

// InsertSettlement stores a new PENDING record. The UNIQUE(kind, producer_id, source_ref)
// constraint rejects a second record for the same source.
func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, rec domain.SettlementRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO settlements(id,kind,producer_id,source_ref,base_amount,bonus_amount,amount,status,scheduled_for,breakdown_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Kind, rec.ProducerID, rec.SourceRef, rec.BaseAmount, rec.BonusAmount, rec.Amount, rec.Status, rec.ScheduledFor,
		nullable(rec.Breakdown), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetSettlement(ctx context.Context, tx *sql.Tx, id string) (domain.SettlementRecord, error) {
	return scanSettlement(r.q(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id=?`, id))
}

// FindSettlement looks a record up by its idempotency key. An empty producer matches any
// producer, which is how approval looks up the primary record of a version.
func (r Repo) FindSettlement(ctx context.Context, tx *sql.Tx, kind domain.SettlementKind, producerID, sourceRef string) (domain.SettlementRecord, error) {
	if producerID == "" {
		return scanSettlement(r.q(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE kind=? AND source_ref=? LIMIT 1`,
			kind, sourceRef))
	}
	return scanSettlement(r.q(tx).QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE kind=? AND producer_id=? AND source_ref=?`,
		kind, producerID, sourceRef))
}

func (r Repo) ListSettlements(ctx context.Context, tx *sql.Tx, f SettlementFilter) ([]domain.SettlementRecord, error) {
	where, args := f.where()
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE ` + where + ` ORDER BY scheduled_for ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpdatePendingAmounts rewrites the amounts of a record that is still PENDING.
// It reports false once the record has left PENDING.
func (r Repo) UpdatePendingAmounts(ctx context.Context, tx *sql.Tx, rec domain.SettlementRecord) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE settlements SET base_amount=?, bonus_amount=?, amount=?, scheduled_for=?, breakdown_json=?, updated_at=?
WHERE id=? AND status='PENDING'`,
		rec.BaseAmount, rec.BonusAmount, rec.Amount, rec.ScheduledFor, nullable(rec.Breakdown), rec.UpdatedAt, rec.ID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// MarkProcessing moves due PENDING records of a kind to PROCESSING under batchID.
func (r Repo) MarkProcessing(ctx context.Context, tx *sql.Tx, kind domain.SettlementKind, dueBy, batchID, at string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE settlements SET status='PROCESSING', batch_id=?, processed_at=?, updated_at=?
WHERE kind=? AND status='PENDING' AND scheduled_for<=?`, batchID, at, at, kind, dueBy)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkCompleted moves PROCESSING records to COMPLETED and returns how many moved.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, ids []string, at string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{at, at}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE settlements SET status='COMPLETED', completed_at=?, updated_at=?
WHERE status='PROCESSING' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) SummarizeSettlements(ctx context.Context, f SettlementFilter) (domain.SettlementSummary, error) {
	where, args := f.where()
	var s domain.SettlementSummary
	err := r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(amount),0),
  COALESCE(SUM(CASE WHEN status='PENDING' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='PROCESSING' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='COMPLETED' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='PENDING' THEN amount ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='COMPLETED' THEN amount ELSE 0 END),0)
FROM settlements WHERE `+where, args...).Scan(&s.TotalAmount, &s.PendingCount, &s.ProcessingCount, &s.CompletedCount, &s.PendingAmount, &s.CompletedAmount)
	return s, err
}
