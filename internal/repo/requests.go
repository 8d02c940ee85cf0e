package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"cutline/internal/domain"
)

const requestColumns = `id,title,COALESCE(description,''),categories_json,deadline,mode,max_assignees,current_assignees,budget,priority,COALESCE(client_id,''),status,created_by,created_at,updated_at,closed_at`

type RequestFilter struct {
	Status   string
	Mode     string
	ClientID string
	Limit    int
}

func scanRequest(s scanner) (domain.ProjectRequest, error) {
	var (
		p          domain.ProjectRequest
		categories string
		deadline   sql.NullString
		closedAt   sql.NullString
	)
	err := s.Scan(&p.ID, &p.Title, &p.Description, &categories, &deadline, &p.Mode, &p.MaxAssignees, &p.CurrentAssignees,
		&p.Budget, &p.Priority, &p.ClientID, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if categories != "" {
		if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
			return p, fmt.Errorf("decode categories of %s: %w", p.ID, err)
		}
	}
	p.Deadline = stringPtr(deadline)
	p.ClosedAt = stringPtr(closedAt)
	return p, nil
}

func marshalCategories(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, p domain.ProjectRequest) error {
	categories, err := marshalCategories(p.Categories)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_requests(id,title,description,categories_json,deadline,mode,max_assignees,current_assignees,budget,priority,client_id,status,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), categories, nullableStringPtr(p.Deadline), p.Mode, p.MaxAssignees, p.CurrentAssignees,
		p.Budget, p.Priority, nullable(p.ClientID), p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ProjectRequest, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM project_requests WHERE id=?`, id))
}

// ListRequests orders urgent requests first, then oldest first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ProjectRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Mode != "" {
		clauses = append(clauses, "mode=?")
		args = append(args, f.Mode)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	query := `SELECT ` + requestColumns + ` FROM project_requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectRequest
	for rows.Next() {
		p, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateRequestDetails rewrites the editable fields of a request that is not terminal.
// It reports false when the request is missing or already terminal.
func (r Repo) UpdateRequestDetails(ctx context.Context, tx *sql.Tx, p domain.ProjectRequest) (bool, error) {
	categories, err := marshalCategories(p.Categories)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE project_requests SET title=?, description=?, categories_json=?, deadline=?, budget=?, priority=?, client_id=?, updated_at=?
WHERE id=? AND status IN ('OPEN','FULL')`,
		p.Title, nullable(p.Description), categories, nullableStringPtr(p.Deadline), p.Budget, p.Priority, nullable(p.ClientID), p.UpdatedAt, p.ID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// SetTerminalStatus moves an OPEN or FULL request to CLOSED or CANCELLED.
func (r Repo) SetTerminalStatus(ctx context.Context, tx *sql.Tx, id string, status domain.RequestStatus, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE project_requests SET status=?, closed_at=?, updated_at=? WHERE id=? AND status IN ('OPEN','FULL')`,
		status, at, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// IncrementAssignees takes one unit of capacity. The guard lives in the WHERE clause so
// concurrent claims can never push current_assignees past max_assignees.
func (r Repo) IncrementAssignees(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE project_requests
SET current_assignees = current_assignees + 1,
    status = CASE WHEN current_assignees + 1 >= max_assignees THEN 'FULL' ELSE 'OPEN' END,
    updated_at = ?
WHERE id = ? AND status = 'OPEN' AND current_assignees < max_assignees`, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// DecrementAssignees gives one unit of capacity back. FULL reopens; terminal statuses stay.
func (r Repo) DecrementAssignees(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE project_requests
SET current_assignees = current_assignees - 1,
    status = CASE WHEN status = 'FULL' THEN 'OPEN' ELSE status END,
    updated_at = ?
WHERE id = ? AND current_assignees > 0`, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
