package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"cutline/internal/domain"
	"cutline/internal/engine/review"
	"cutline/internal/events"
	"cutline/internal/repo"
)

var labelPattern = regexp.MustCompile(`^v?\d+\.\d+$`)

// SubmitOptions describe one delivered cut.
type SubmitOptions struct {
	AssignmentID    string
	ProducerID      string
	Label           string
	DurationSeconds float64
	Notes           string
}

func (o SubmitOptions) validate() error {
	if strings.TrimSpace(o.ProducerID) == "" {
		return domain.Invalid("producer is required")
	}
	if !labelPattern.MatchString(strings.TrimSpace(o.Label)) {
		return domain.Invalid("label %q must look like major.minor, e.g. v1.0", o.Label)
	}
	if o.DurationSeconds < 0 {
		return domain.Invalid("duration must not be negative")
	}
	return nil
}

// Submit delivers a new version on the next slot. It is allowed for the first cut and
// after a rejection; after a revision request use ResubmitAfterRevision.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.VersionSubmission, error) {
	return e.submit(ctx, opts, false)
}

// ResubmitAfterRevision delivers the revised cut on a new slot. The version that received
// the revision request keeps its status as history.
func (e Engine) ResubmitAfterRevision(ctx context.Context, opts SubmitOptions) (domain.VersionSubmission, error) {
	return e.submit(ctx, opts, true)
}

func (e Engine) submit(ctx context.Context, opts SubmitOptions, resubmit bool) (domain.VersionSubmission, error) {
	if err := opts.validate(); err != nil {
		return domain.VersionSubmission{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAssignment(ctx, tx, opts.AssignmentID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if a.ProducerID != opts.ProducerID {
		return domain.VersionSubmission{}, fmt.Errorf("%w: assignment %s belongs to %s", domain.ErrNotAssignee, a.ID, a.ProducerID)
	}
	req, err := e.Repo.GetRequest(ctx, tx, a.RequestID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if req.Status.Terminal() {
		return domain.VersionSubmission{}, fmt.Errorf("%w: request %s is %s", domain.ErrRequestClosed, req.ID, req.Status)
	}
	if a.Released() {
		return domain.VersionSubmission{}, fmt.Errorf("%w: assignment %s", domain.ErrAssignmentReleased, a.ID)
	}
	var latest *domain.VersionStatus
	prev, err := e.Repo.LatestVersion(ctx, tx, a.ID)
	switch {
	case err == nil:
		latest = &prev.Status
	case !errors.Is(err, repo.ErrNotFound):
		return domain.VersionSubmission{}, err
	}
	if err := review.CheckSubmit(latest, resubmit); err != nil {
		return domain.VersionSubmission{}, err
	}
	slot, err := e.Repo.NextSlot(ctx, tx, a.ID)
	if err != nil {
		return domain.VersionSubmission{}, fmt.Errorf("allocate slot: %w", err)
	}
	v := domain.VersionSubmission{
		ID:              newID(),
		AssignmentID:    a.ID,
		RequestID:       a.RequestID,
		ProducerID:      a.ProducerID,
		Slot:            slot,
		Label:           strings.TrimSpace(opts.Label),
		DurationSeconds: opts.DurationSeconds,
		Notes:           opts.Notes,
		Status:          domain.VersionSubmitted,
		SubmittedAt:     e.stamp(),
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.VersionSubmission{}, fmt.Errorf("insert version: %w", err)
	}
	evtType := events.VersionSubmitted
	payload := events.EventPayload{"assignment_id": a.ID, "slot": slot, "label": v.Label}
	if resubmit {
		evtType = events.VersionResubmitted
		payload["previous_version_id"] = prev.ID
	}
	if err := e.appendEvent(ctx, tx, evtType, "version", v.ID, opts.ProducerID, payload); err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VersionSubmission{}, err
	}
	return v, nil
}

// BeginReview moves SUBMITTED to IN_REVIEW. A version already in review is returned as is.
func (e Engine) BeginReview(ctx context.Context, versionID, reviewerID string) (domain.VersionSubmission, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return domain.VersionSubmission{}, domain.Invalid("reviewer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, versionID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if v.Status == domain.VersionInReview {
		return v, nil
	}
	v, err = e.transition(ctx, tx, v, review.ActionBeginReview, reviewerID, "")
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionReviewing, "version", v.ID, reviewerID, nil); err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VersionSubmission{}, err
	}
	return v, nil
}

// Approval is what approve hands back: the approved version and the primary settlement
// recorded for it in the same transaction.
type Approval struct {
	Version    domain.VersionSubmission `json:"version"`
	Settlement domain.SettlementRecord  `json:"settlement"`
}

// Approve moves IN_REVIEW to APPROVED and records the primary settlement. A version that
// already has one yields *domain.AlreadySettledError carrying it.
func (e Engine) Approve(ctx context.Context, versionID, reviewerID string) (Approval, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return Approval{}, domain.Invalid("reviewer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Approval{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, versionID)
	if err != nil {
		return Approval{}, err
	}
	existing, err := e.Repo.FindSettlement(ctx, tx, domain.SettlementPrimary, "", v.ID)
	if err == nil {
		return Approval{}, &domain.AlreadySettledError{Existing: existing}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return Approval{}, err
	}
	req, err := e.Repo.GetRequest(ctx, tx, v.RequestID)
	if err != nil {
		return Approval{}, err
	}
	if req.Status == domain.RequestCancelled {
		return Approval{}, fmt.Errorf("%w: request %s is %s", domain.ErrRequestClosed, req.ID, req.Status)
	}
	a, err := e.Repo.GetAssignment(ctx, tx, v.AssignmentID)
	if err != nil {
		return Approval{}, err
	}
	v, err = e.transition(ctx, tx, v, review.ActionApprove, reviewerID, "")
	if err != nil {
		return Approval{}, err
	}
	rec, err := e.settlePrimary(ctx, tx, ApprovalEvent{
		VersionID:      v.ID,
		AssignmentID:   a.ID,
		ProducerID:     v.ProducerID,
		BudgetSnapshot: a.BudgetSnapshot,
		ApprovedAt:     *v.ApprovedAt,
		ReviewerID:     reviewerID,
	})
	if err != nil {
		return Approval{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionApproved, "version", v.ID, reviewerID, events.EventPayload{
		"settlement_id": rec.ID, "amount": rec.Amount, "scheduled_for": rec.ScheduledFor,
	}); err != nil {
		return Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return Approval{}, err
	}
	e.log().WithFields(logrus.Fields{
		"version":    v.ID,
		"producer":   v.ProducerID,
		"settlement": rec.ID,
		"amount":     rec.Amount,
	}).Info("version approved")
	return Approval{Version: v, Settlement: rec}, nil
}

// RequestRevision sends the version back to its producer. At least one pending feedback
// item must tell the producer what to change.
func (e Engine) RequestRevision(ctx context.Context, versionID, reviewerID, note string) (domain.VersionSubmission, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return domain.VersionSubmission{}, domain.Invalid("reviewer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, versionID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if _, err := review.Lookup(v.Status, review.ActionRequestRevision); err != nil {
		return domain.VersionSubmission{}, err
	}
	pending, _, err := e.Repo.CountFeedback(ctx, tx, v.ID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if pending == 0 {
		return domain.VersionSubmission{}, fmt.Errorf("%w: version %s", domain.ErrNoPendingFeedback, v.ID)
	}
	v, err = e.transition(ctx, tx, v, review.ActionRequestRevision, reviewerID, note)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionRevision, "version", v.ID, reviewerID, events.EventPayload{"pending_feedback": pending}); err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VersionSubmission{}, err
	}
	return v, nil
}

// Reject ends the version. The reason is mandatory.
func (e Engine) Reject(ctx context.Context, versionID, reviewerID, reason string) (domain.VersionSubmission, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.VersionSubmission{}, fmt.Errorf("%w: reject needs a reason", domain.ErrReasonRequired)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return domain.VersionSubmission{}, domain.Invalid("reviewer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, versionID)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	v, err = e.transition(ctx, tx, v, review.ActionReject, reviewerID, reason)
	if err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := e.appendEvent(ctx, tx, events.VersionRejected, "version", v.ID, reviewerID, events.EventPayload{"reason": reason}); err != nil {
		return domain.VersionSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VersionSubmission{}, err
	}
	return v, nil
}

// transition checks the table, then applies the change guarded on the current status.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, v domain.VersionSubmission, action review.Action, reviewerID, note string) (domain.VersionSubmission, error) {
	t, err := review.Lookup(v.Status, action)
	if err != nil {
		return v, err
	}
	at := e.stamp()
	ok, err := e.Repo.TransitionVersion(ctx, tx, repo.VersionTransition{
		ID: v.ID, From: t.From, To: t.To, ReviewerID: reviewerID, At: at, Note: note,
	})
	if err != nil {
		return v, err
	}
	if !ok {
		cur, err := e.Repo.GetVersion(ctx, tx, v.ID)
		if err != nil {
			return v, err
		}
		return v, &domain.TransitionError{Entity: "version", From: string(cur.Status), Action: string(action)}
	}
	v.Status = t.To
	v.ReviewerID = &reviewerID
	v.ReviewedAt = &at
	if t.To == domain.VersionApproved {
		v.ApprovedAt = &at
	}
	if note != "" {
		v.ReviewNote = note
	}
	return v, nil
}

func (e Engine) GetVersion(ctx context.Context, id string) (domain.VersionSubmission, error) {
	return e.Repo.GetVersion(ctx, nil, id)
}

func (e Engine) ListVersions(ctx context.Context, assignmentID string) ([]domain.VersionSubmission, error) {
	if _, err := e.Repo.GetAssignment(ctx, nil, assignmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, assignmentID)
}

// ReviewSummary is a version with its feedback and annotation counts and, once approved,
// its primary settlement.
type ReviewSummary struct {
	Version          domain.VersionSubmission `json:"version"`
	PendingFeedback  int                      `json:"pending_feedback"`
	ResolvedFeedback int                      `json:"resolved_feedback"`
	Annotations      int                      `json:"annotations"`
	Transitions      []review.Transition      `json:"available_transitions"`
	Settlement       *domain.SettlementRecord `json:"settlement,omitempty"`
}

func (e Engine) ReviewSummary(ctx context.Context, versionID string) (ReviewSummary, error) {
	v, err := e.Repo.GetVersion(ctx, nil, versionID)
	if err != nil {
		return ReviewSummary{}, err
	}
	s := ReviewSummary{Version: v, Transitions: review.AvailableTransitions(v.Status)}
	if s.PendingFeedback, s.ResolvedFeedback, err = e.Repo.CountFeedback(ctx, nil, v.ID); err != nil {
		return ReviewSummary{}, err
	}
	if s.Annotations, err = e.Repo.CountAnnotations(ctx, nil, v.ID); err != nil {
		return ReviewSummary{}, err
	}
	rec, err := e.Repo.FindSettlement(ctx, nil, domain.SettlementPrimary, v.ProducerID, v.ID)
	switch {
	case err == nil:
		s.Settlement = &rec
	case !errors.Is(err, repo.ErrNotFound):
		return ReviewSummary{}, err
	}
	return s, nil
}
