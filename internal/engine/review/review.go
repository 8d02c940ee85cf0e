// Package review is the transition table for submitted versions. Every status change the
// engine makes is looked up here first.
package review

import (
	"cutline/internal/domain"
)

type Action string

const (
	ActionBeginReview     Action = "begin_review"
	ActionApprove         Action = "approve"
	ActionRequestRevision Action = "request_revision"
	ActionReject          Action = "reject"
)

type Transition struct {
	Action Action               `json:"action"`
	From   domain.VersionStatus `json:"from"`
	To     domain.VersionStatus `json:"to"`
}

//              SUBMITTED  IN_REVIEW  APPROVED  REJECTED  REVISION_REQUESTED
// SUBMITTED    -          begin      X         X         X
// IN_REVIEW    X          -          approve   reject    request_revision
// APPROVED, REJECTED and REVISION_REQUESTED have no outgoing transitions on the same
// version; a revision continues on a new slot.
var table = []Transition{
	{Action: ActionBeginReview, From: domain.VersionSubmitted, To: domain.VersionInReview},
	{Action: ActionApprove, From: domain.VersionInReview, To: domain.VersionApproved},
	{Action: ActionReject, From: domain.VersionInReview, To: domain.VersionRejected},
	{Action: ActionRequestRevision, From: domain.VersionInReview, To: domain.VersionRevisionRequested},
}

// Transitions returns a copy of the table.
func Transitions() []Transition {
	return append([]Transition(nil), table...)
}

// AvailableTransitions lists what may happen to a version in status from.
func AvailableTransitions(from domain.VersionStatus) []Transition {
	r := []Transition{}
	for _, t := range table {
		if t.From == from {
			r = append(r, t)
		}
	}
	return r
}

// Lookup returns the transition for action from status from, or a *domain.TransitionError.
func Lookup(from domain.VersionStatus, action Action) (Transition, error) {
	for _, t := range table {
		if t.From == from && t.Action == action {
			return t, nil
		}
	}
	return Transition{}, &domain.TransitionError{Entity: "version", From: string(from), Action: string(action)}
}

// Terminal reports statuses a version never leaves.
func Terminal(s domain.VersionStatus) bool {
	return s == domain.VersionApproved || s == domain.VersionRejected || s == domain.VersionRevisionRequested
}

// Open reports whether the version is still in front of reviewers and accepts feedback.
func Open(s domain.VersionStatus) bool {
	return s == domain.VersionSubmitted || s == domain.VersionInReview
}

// CheckSubmit decides whether an assignment may take a new slot given its latest version.
// latest is nil when nothing has been submitted yet. A fresh submission follows nothing or a
// rejection; a resubmission follows a revision request and nothing else.
func CheckSubmit(latest *domain.VersionStatus, resubmit bool) error {
	action := "submit"
	if resubmit {
		action = "resubmit"
	}
	if latest == nil {
		if resubmit {
			return &domain.TransitionError{Entity: "assignment", From: "EMPTY", Action: action}
		}
		return nil
	}
	switch {
	case resubmit && *latest == domain.VersionRevisionRequested:
		return nil
	case !resubmit && *latest == domain.VersionRejected:
		return nil
	}
	return &domain.TransitionError{Entity: "assignment", From: string(*latest), Action: action}
}
