package repo

import (
	"context"
	"database/sql"

	"cutline/internal/domain"
)

// UpsertMetrics replaces the latest views/conversions snapshot for a version.
func (r Repo) UpsertMetrics(ctx context.Context, tx *sql.Tx, m domain.PerformanceSnapshot) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO version_metrics(version_id,views,conversions,recorded_at) VALUES (?,?,?,?)
ON CONFLICT(version_id) DO UPDATE SET views=excluded.views, conversions=excluded.conversions, recorded_at=excluded.recorded_at`,
		m.VersionID, m.Views, m.Conversions, m.RecordedAt)
	return err
}

func (r Repo) GetMetrics(ctx context.Context, versionID string) (domain.PerformanceSnapshot, error) {
	var m domain.PerformanceSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT version_id,views,conversions,recorded_at FROM version_metrics WHERE version_id=?`, versionID).
		Scan(&m.VersionID, &m.Views, &m.Conversions, &m.RecordedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// InsertBonusFlag records a special bonus; flagging twice is a no-op.
func (r Repo) InsertBonusFlag(ctx context.Context, tx *sql.Tx, f domain.SpecialBonusFlag) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO special_bonus_flags(producer_id,quarter,flag,flagged_by,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(producer_id,quarter,flag) DO NOTHING`, f.ProducerID, f.Quarter, f.Flag, f.FlaggedBy, f.CreatedAt)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) ListBonusFlags(ctx context.Context, tx *sql.Tx, producerID, quarter string) ([]domain.SpecialBonusFlag, error) {
	query := `SELECT producer_id,quarter,flag,flagged_by,created_at FROM special_bonus_flags WHERE quarter=?`
	args := []any{quarter}
	if producerID != "" {
		query += ` AND producer_id=?`
		args = append(args, producerID)
	}
	query += ` ORDER BY producer_id ASC, flag ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpecialBonusFlag
	for rows.Next() {
		var f domain.SpecialBonusFlag
		if err := rows.Scan(&f.ProducerID, &f.Quarter, &f.Flag, &f.FlaggedBy, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
