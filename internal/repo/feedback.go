package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cutline/internal/domain"
)

const feedbackColumns = `seq,id,version_id,content,category,start_ts,end_ts,priority,status,author_id,created_at,resolved_by,resolved_at`

func scanFeedback(s scanner) (domain.FeedbackItem, error) {
	var (
		f                      domain.FeedbackItem
		endTS                  sql.NullFloat64
		resolvedBy, resolvedAt sql.NullString
	)
	err := s.Scan(&f.Seq, &f.ID, &f.VersionID, &f.Content, &f.Category, &f.StartTS, &endTS, &f.Priority, &f.Status, &f.AuthorID,
		&f.CreatedAt, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if endTS.Valid {
		v := endTS.Float64
		f.EndTS = &v
	}
	f.ResolvedBy = stringPtr(resolvedBy)
	f.ResolvedAt = stringPtr(resolvedAt)
	return f, nil
}

// InsertFeedback stores the item and returns its creation sequence.
func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.FeedbackItem) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO feedback_items(id,version_id,content,category,start_ts,end_ts,priority,status,author_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.VersionID, f.Content, f.Category, f.StartTS, nullableFloatPtr(f.EndTS), f.Priority, f.Status, f.AuthorID, f.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetFeedback(ctx context.Context, tx *sql.Tx, id string) (domain.FeedbackItem, error) {
	return scanFeedback(r.q(tx).QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback_items WHERE id=?`, id))
}

// ResolveFeedback flips a pending item to resolved; it reports false when already resolved.
func (r Repo) ResolveFeedback(ctx context.Context, tx *sql.Tx, id, actorID, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE feedback_items SET status='resolved', resolved_by=?, resolved_at=? WHERE id=? AND status='pending'`,
		actorID, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ListFeedback orders by start timestamp, ties broken by creation order.
func (r Repo) ListFeedback(ctx context.Context, versionID string, status domain.FeedbackStatus) ([]domain.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE version_id=?`
	args := []any{versionID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY start_ts ASC, seq ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackItem
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountFeedback returns pending and resolved counts for a version.
func (r Repo) CountFeedback(ctx context.Context, tx *sql.Tx, versionID string) (pending, resolved int, err error) {
	err = r.q(tx).QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='resolved' THEN 1 ELSE 0 END),0)
FROM feedback_items WHERE version_id=?`, versionID).Scan(&pending, &resolved)
	return pending, resolved, err
}

func (r Repo) InsertAnnotation(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	raw, err := json.Marshal(a.Raw)
	if err != nil {
		return fmt.Errorf("encode raw coordinates: %w", err)
	}
	norm, err := json.Marshal(a.Normalized)
	if err != nil {
		return fmt.Errorf("encode normalized coordinates: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO annotations(id,version_id,shape,raw_json,normalized_json,canvas_width,canvas_height,color,stroke_width,ts,author_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.VersionID, a.Shape, string(raw), string(norm), a.CanvasWidth, a.CanvasHeight, a.Style.Color, a.Style.StrokeWidth, a.TS,
		a.AuthorID, a.CreatedAt)
	return err
}

// ListAnnotations returns the stored values, ordered by timestamp then creation order.
func (r Repo) ListAnnotations(ctx context.Context, versionID string) ([]domain.Annotation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,version_id,shape,raw_json,normalized_json,canvas_width,canvas_height,color,stroke_width,ts,author_id,created_at
FROM annotations WHERE version_id=? ORDER BY ts ASC, seq ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		var (
			a         domain.Annotation
			raw, norm string
		)
		if err := rows.Scan(&a.ID, &a.VersionID, &a.Shape, &raw, &norm, &a.CanvasWidth, &a.CanvasHeight, &a.Style.Color, &a.Style.StrokeWidth,
			&a.TS, &a.AuthorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &a.Raw); err != nil {
			return nil, fmt.Errorf("decode annotation %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(norm), &a.Normalized); err != nil {
			return nil, fmt.Errorf("decode annotation %s: %w", a.ID, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAnnotations(ctx context.Context, tx *sql.Tx, versionID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE version_id=?`, versionID).Scan(&n)
	return n, err
}
