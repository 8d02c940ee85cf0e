package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cutline/internal/domain"
	"cutline/internal/events"
	"cutline/internal/repo"
)

// RequestCreateOptions are parameters for opening a production request.
type RequestCreateOptions struct {
	ID           string
	Title        string
	Description  string
	Categories   []string
	Deadline     string
	Mode         domain.AssignmentMode
	MaxAssignees int
	Budget       int64
	Priority     int
	ClientID     string
	ActorID      string
}

func normalizeDeadline(s string) (*string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, domain.Invalid("deadline must be RFC3339: %v", err)
	}
	out := t.UTC().Format(time.RFC3339)
	return &out, nil
}

func cleanCategories(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.ProjectRequest, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.ProjectRequest{}, domain.Invalid("title is required")
	}
	if opts.ActorID == "" {
		return domain.ProjectRequest{}, domain.Invalid("actor is required")
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeSingle
	}
	if !opts.Mode.Valid() {
		return domain.ProjectRequest{}, domain.Invalid("mode %q must be SINGLE, MULTIPLE or GROUP", opts.Mode)
	}
	if opts.Mode == domain.ModeSingle {
		opts.MaxAssignees = 1
	}
	if opts.MaxAssignees < 1 {
		return domain.ProjectRequest{}, domain.Invalid("max_assignees must be at least 1")
	}
	if opts.Budget < 0 {
		return domain.ProjectRequest{}, domain.Invalid("budget must not be negative")
	}
	if opts.Priority != 0 && opts.Priority != 1 {
		return domain.ProjectRequest{}, domain.Invalid("priority must be 0 (normal) or 1 (urgent)")
	}
	deadline, err := normalizeDeadline(opts.Deadline)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	now := e.stamp()
	p := domain.ProjectRequest{
		ID:           opts.ID,
		Title:        opts.Title,
		Description:  opts.Description,
		Categories:   cleanCategories(opts.Categories),
		Deadline:     deadline,
		Mode:         opts.Mode,
		MaxAssignees: opts.MaxAssignees,
		Budget:       opts.Budget,
		Priority:     opts.Priority,
		ClientID:     opts.ClientID,
		Status:       domain.RequestOpen,
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.ID == "" {
		p.ID = newID()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.ProjectRequest{}, domain.Invalid("request %s already exists", p.ID)
		}
		return domain.ProjectRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.RequestCreated, "request", p.ID, opts.ActorID, events.EventPayload{
		"mode": p.Mode, "max_assignees": p.MaxAssignees, "budget": p.Budget,
	}); err != nil {
		return domain.ProjectRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectRequest{}, err
	}
	return p, nil
}

// RequestUpdateOptions edits a request that is still OPEN or FULL. Nil fields are left alone.
// Mode and capacity are fixed at creation.
type RequestUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Categories  []string
	Deadline    *string
	Budget      *int64
	Priority    *int
	ClientID    *string
	ActorID     string
}

// UpdateRequest never touches existing assignments: their budget snapshot stays as claimed.
func (e Engine) UpdateRequest(ctx context.Context, opts RequestUpdateOptions) (domain.ProjectRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequest(ctx, tx, opts.ID)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	if p.Status.Terminal() {
		return domain.ProjectRequest{}, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyClosed, p.ID, p.Status)
	}
	changed := map[string]any{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.ProjectRequest{}, domain.Invalid("title must not be empty")
		}
		p.Title = title
		changed["title"] = title
	}
	if opts.Description != nil {
		p.Description = *opts.Description
		changed["description"] = true
	}
	if opts.Categories != nil {
		p.Categories = cleanCategories(opts.Categories)
		changed["categories"] = p.Categories
	}
	if opts.Deadline != nil {
		d, err := normalizeDeadline(*opts.Deadline)
		if err != nil {
			return domain.ProjectRequest{}, err
		}
		p.Deadline = d
		changed["deadline"] = d
	}
	if opts.Budget != nil {
		if *opts.Budget < 0 {
			return domain.ProjectRequest{}, domain.Invalid("budget must not be negative")
		}
		changed["budget"] = map[string]int64{"from": p.Budget, "to": *opts.Budget}
		p.Budget = *opts.Budget
	}
	if opts.Priority != nil {
		if *opts.Priority != 0 && *opts.Priority != 1 {
			return domain.ProjectRequest{}, domain.Invalid("priority must be 0 (normal) or 1 (urgent)")
		}
		p.Priority = *opts.Priority
		changed["priority"] = p.Priority
	}
	if opts.ClientID != nil {
		p.ClientID = *opts.ClientID
		changed["client_id"] = p.ClientID
	}
	if len(changed) == 0 {
		return p, nil
	}
	p.UpdatedAt = e.stamp()
	ok, err := e.Repo.UpdateRequestDetails(ctx, tx, p)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	if !ok {
		return domain.ProjectRequest{}, fmt.Errorf("%w: request %s", domain.ErrAlreadyClosed, p.ID)
	}
	if err := e.appendEvent(ctx, tx, events.RequestUpdated, "request", p.ID, opts.ActorID, events.EventPayload(changed)); err != nil {
		return domain.ProjectRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectRequest{}, err
	}
	return p, nil
}

// CloseRequest marks a request CLOSED: production is done, no new claims or submissions.
func (e Engine) CloseRequest(ctx context.Context, id, actorID string) (domain.ProjectRequest, error) {
	return e.finishRequest(ctx, id, actorID, domain.RequestClosed, events.RequestClosed)
}

// CancelRequest blocks future claims, submissions and approvals. Approved versions and
// settlements already recorded stay as they are.
func (e Engine) CancelRequest(ctx context.Context, id, actorID string) (domain.ProjectRequest, error) {
	return e.finishRequest(ctx, id, actorID, domain.RequestCancelled, events.RequestCancelled)
}

func (e Engine) finishRequest(ctx context.Context, id, actorID string, status domain.RequestStatus, evtType string) (domain.ProjectRequest, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	if p.Status.Terminal() {
		return domain.ProjectRequest{}, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyClosed, id, p.Status)
	}
	now := e.stamp()
	ok, err := e.Repo.SetTerminalStatus(ctx, tx, id, status, now)
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	if !ok {
		return domain.ProjectRequest{}, fmt.Errorf("%w: request %s", domain.ErrAlreadyClosed, id)
	}
	if err := e.appendEvent(ctx, tx, evtType, "request", id, actorID, events.EventPayload{
		"from": p.Status, "current_assignees": p.CurrentAssignees,
	}); err != nil {
		return domain.ProjectRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectRequest{}, err
	}
	p.Status = status
	p.UpdatedAt = now
	p.ClosedAt = &now
	return p, nil
}

// Claim admits producerID onto the request if capacity remains. The capacity check and
// the increment are one conditional UPDATE; the assignment insert commits with it.
func (e Engine) Claim(ctx context.Context, requestID, producerID string) (domain.Assignment, error) {
	if strings.TrimSpace(producerID) == "" {
		return domain.Assignment{}, domain.Invalid("producer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequest(ctx, tx, requestID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if p.Status.Terminal() {
		return domain.Assignment{}, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyClosed, p.ID, p.Status)
	}
	if _, err := e.Repo.FindAssignment(ctx, tx, requestID, producerID); err == nil {
		return domain.Assignment{}, fmt.Errorf("%w: %s already holds an assignment on %s", domain.ErrDuplicateClaim, producerID, requestID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.IncrementAssignees(ctx, tx, requestID, now)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("claim capacity: %w", err)
	}
	if !ok {
		return domain.Assignment{}, fmt.Errorf("%w: request %s has %d/%d assignees", domain.ErrCapacityExceeded, p.ID, p.CurrentAssignees, p.MaxAssignees)
	}
	a := domain.Assignment{
		ID:             newID(),
		RequestID:      requestID,
		ProducerID:     producerID,
		Mode:           p.Mode,
		BudgetSnapshot: p.Budget,
		ClaimedAt:      now,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Assignment{}, fmt.Errorf("%w: %s already holds an assignment on %s", domain.ErrDuplicateClaim, producerID, requestID)
		}
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.AssignmentClaimed, "assignment", a.ID, producerID, events.EventPayload{
		"request_id": requestID, "budget_snapshot": a.BudgetSnapshot, "seat": p.CurrentAssignees + 1, "max_assignees": p.MaxAssignees,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.log().WithFields(logrus.Fields{"request": requestID, "producer": producerID, "assignment": a.ID}).Info("request claimed")
	return a, nil
}

// Release withdraws an assignment on operator action and gives its capacity back.
// The assignment row is kept with released_at stamped; its versions and settlements stay.
func (e Engine) Release(ctx context.Context, assignmentID, operatorID string) (domain.Assignment, error) {
	if strings.TrimSpace(operatorID) == "" {
		return domain.Assignment{}, domain.Invalid("operator is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignment(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.Released() {
		return domain.Assignment{}, fmt.Errorf("%w: assignment %s", domain.ErrAssignmentReleased, a.ID)
	}
	now := e.stamp()
	ok, err := e.Repo.MarkReleased(ctx, tx, a.ID, operatorID, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !ok {
		return domain.Assignment{}, fmt.Errorf("%w: assignment %s", domain.ErrAssignmentReleased, a.ID)
	}
	ok, err = e.Repo.DecrementAssignees(ctx, tx, a.RequestID, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !ok {
		return domain.Assignment{}, fmt.Errorf("release %s: request %s has no assignees to release", a.ID, a.RequestID)
	}
	if err := e.appendEvent(ctx, tx, events.AssignmentReleased, "assignment", a.ID, operatorID, events.EventPayload{
		"request_id": a.RequestID, "producer_id": a.ProducerID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	a.ReleasedAt = &now
	a.ReleasedBy = &operatorID
	return a, nil
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.ProjectRequest, error) {
	return e.Repo.GetRequest(ctx, nil, id)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilter) ([]domain.ProjectRequest, error) {
	return e.Repo.ListRequests(ctx, f)
}

func (e Engine) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return e.Repo.GetAssignment(ctx, nil, id)
}

func (e Engine) ListAssignments(ctx context.Context, f repo.AssignmentFilter) ([]domain.Assignment, error) {
	return e.Repo.ListAssignments(ctx, f)
}
