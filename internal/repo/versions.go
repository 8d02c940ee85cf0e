package repo

import (
	"context"
	"database/sql"

	"cutline/internal/domain"
)

const versionColumns = `id,assignment_id,request_id,producer_id,slot,label,duration_seconds,COALESCE(notes,''),status,submitted_at,reviewer_id,reviewed_at,approved_at,COALESCE(review_note,'')`

func scanVersion(s scanner) (domain.VersionSubmission, error) {
	var (
		v                                domain.VersionSubmission
		reviewer, reviewedAt, approvedAt sql.NullString
	)
	err := s.Scan(&v.ID, &v.AssignmentID, &v.RequestID, &v.ProducerID, &v.Slot, &v.Label, &v.DurationSeconds, &v.Notes, &v.Status,
		&v.SubmittedAt, &reviewer, &reviewedAt, &approvedAt, &v.ReviewNote)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ReviewerID = stringPtr(reviewer)
	v.ReviewedAt = stringPtr(reviewedAt)
	v.ApprovedAt = stringPtr(approvedAt)
	return v, nil
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.VersionSubmission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO versions(id,assignment_id,request_id,producer_id,slot,label,duration_seconds,notes,status,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.AssignmentID, v.RequestID, v.ProducerID, v.Slot, v.Label, v.DurationSeconds, nullable(v.Notes), v.Status, v.SubmittedAt)
	return err
}

func (r Repo) GetVersion(ctx context.Context, tx *sql.Tx, id string) (domain.VersionSubmission, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id))
}

// LatestVersion returns the highest slot of an assignment, ErrNotFound when nothing was submitted.
func (r Repo) LatestVersion(ctx context.Context, tx *sql.Tx, assignmentID string) (domain.VersionSubmission, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE assignment_id=? ORDER BY slot DESC LIMIT 1`, assignmentID))
}

func (r Repo) ListVersions(ctx context.Context, assignmentID string) ([]domain.VersionSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE assignment_id=? ORDER BY slot ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VersionSubmission
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// VersionTransition describes one guarded status change.
type VersionTransition struct {
	ID         string
	From       domain.VersionStatus
	To         domain.VersionStatus
	ReviewerID string
	At         string
	Note       string
}

// TransitionVersion applies t only if the version is still in t.From, so two reviewers
// racing on the same version cannot both win.
func (r Repo) TransitionVersion(ctx context.Context, tx *sql.Tx, t VersionTransition) (bool, error) {
	var approvedAt any
	if t.To == domain.VersionApproved {
		approvedAt = t.At
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE versions
SET status=?, reviewer_id=?, reviewed_at=?, approved_at=COALESCE(?, approved_at), review_note=COALESCE(?, review_note)
WHERE id=? AND status=?`,
		t.To, t.ReviewerID, t.At, approvedAt, nullable(t.Note), t.ID, t.From)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ApprovedVersion is one approved version with the primary amount paid for it.
type ApprovedVersion struct {
	VersionID     string
	ProducerID    string
	PrimaryAmount int64
	ApprovedAt    string
}

// ApprovedBetween lists approved versions with approved_at in [from, to), joined to their
// primary settlement, ordered by producer.
func (r Repo) ApprovedBetween(ctx context.Context, tx *sql.Tx, from, to string) ([]ApprovedVersion, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT v.id, v.producer_id, s.amount, v.approved_at
FROM versions v
JOIN settlements s ON s.kind='PRIMARY' AND s.source_ref=v.id AND s.producer_id=v.producer_id
WHERE v.status='APPROVED' AND v.approved_at >= ? AND v.approved_at < ?
ORDER BY v.producer_id ASC, v.approved_at ASC, v.id ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ApprovedVersion
	for rows.Next() {
		var a ApprovedVersion
		if err := rows.Scan(&a.VersionID, &a.ProducerID, &a.PrimaryAmount, &a.ApprovedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
