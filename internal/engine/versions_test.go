package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
)

func (env testEnv) submit(t *testing.T, a domain.Assignment, label string) domain.VersionSubmission {
	t.Helper()
	v, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: a.ProducerID, Label: label, DurationSeconds: 90})
	require.NoError(t, err)
	return v
}

func (env testEnv) inReview(t *testing.T, v domain.VersionSubmission) domain.VersionSubmission {
	t.Helper()
	v, err := env.Engine.BeginReview(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	return v
}

func (env testEnv) feedback(t *testing.T, versionID string, start float64, priority domain.FeedbackPriority) domain.FeedbackItem {
	t.Helper()
	f, err := env.Engine.AddFeedback(env.Ctx, engine.FeedbackOptions{
		VersionID: versionID,
		AuthorID:  "reviewer-1",
		Content:   "tighten the cut here",
		StartTS:   start,
		Priority:  priority,
	})
	require.NoError(t, err)
	return f
}

func TestSubmitValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")

	for _, label := range []string{"", "final", "v1", "1.0.0"} {
		_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: label})
		assert.ErrorIsf(t, err, domain.ErrInvalidInput, "label %q", label)
	}
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-b", Label: "v1.0"})
	assert.ErrorIs(t, err, domain.ErrNotAssignee)

	v, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Slot)
	assert.Equal(t, domain.VersionSubmitted, v.Status)
}

func TestSubmitWhileVersionOpenIsRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	env.submit(t, a, "v1.0")

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.ResubmitAfterRevision(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRevisionScenario(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")

	v1 := env.inReview(t, env.submit(t, a, "v1.0"))
	assert.Equal(t, 1, v1.Slot)
	env.feedback(t, v1.ID, 12.5, domain.PriorityHigh)

	revised, err := env.Engine.RequestRevision(env.Ctx, v1.ID, "reviewer-1", "see notes")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionRevisionRequested, revised.Status)
	assert.Equal(t, "see notes", revised.ReviewNote)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "a plain submit cannot answer a revision request")

	v2, err := env.Engine.ResubmitAfterRevision(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Slot)
	assert.Equal(t, domain.VersionSubmitted, v2.Status)

	old, err := env.Engine.GetVersion(env.Ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VersionRevisionRequested, old.Status)
}

func TestRequestRevisionNeedsPendingFeedback(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))

	_, err := env.Engine.RequestRevision(env.Ctx, v.ID, "reviewer-1", "")
	assert.ErrorIs(t, err, domain.ErrNoPendingFeedback)

	f := env.feedback(t, v.ID, 3, domain.PriorityNormal)
	_, err = env.Engine.ResolveFeedback(env.Ctx, f.ID, "producer-a")
	require.NoError(t, err)
	_, err = env.Engine.RequestRevision(env.Ctx, v.ID, "reviewer-1", "")
	assert.ErrorIs(t, err, domain.ErrNoPendingFeedback, "resolved items do not count")

	got, err := env.Engine.GetVersion(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VersionInReview, got.Status, "a failed revision request leaves the version untouched")

	env.feedback(t, v.ID, 4, domain.PriorityUrgent)
	_, err = env.Engine.RequestRevision(env.Ctx, v.ID, "reviewer-1", "")
	require.NoError(t, err)
}

func TestSlotsIncreaseWithoutGaps(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")

	v1 := env.inReview(t, env.submit(t, a, "v1.0"))
	_, err := env.Engine.Reject(env.Ctx, v1.ID, "reviewer-1", "wrong aspect ratio")
	require.NoError(t, err)

	v2 := env.inReview(t, env.submit(t, a, "v2.0"))
	env.feedback(t, v2.ID, 1, domain.PriorityLow)
	_, err = env.Engine.RequestRevision(env.Ctx, v2.ID, "reviewer-1", "")
	require.NoError(t, err)

	v3, err := env.Engine.ResubmitAfterRevision(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v2.1"})
	require.NoError(t, err)
	v3 = env.inReview(t, v3)
	env.feedback(t, v3.ID, 2, domain.PriorityLow)
	_, err = env.Engine.RequestRevision(env.Ctx, v3.ID, "reviewer-1", "")
	require.NoError(t, err)
	_, err = env.Engine.ResubmitAfterRevision(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v2.2"})
	require.NoError(t, err)

	versions, err := env.Engine.ListVersions(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Slot)
	}
	assert.Equal(t, domain.VersionRejected, versions[0].Status)
	assert.Equal(t, domain.VersionRevisionRequested, versions[1].Status)
	assert.Equal(t, domain.VersionRevisionRequested, versions[2].Status)
	assert.Equal(t, domain.VersionSubmitted, versions[3].Status)
}

func TestBeginReviewIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))

	again, err := env.Engine.BeginReview(env.Ctx, v.ID, "reviewer-2")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionInReview, again.Status)
	require.NotNil(t, again.ReviewerID)
	assert.Equal(t, "reviewer-1", *again.ReviewerID)
}

func TestTerminalVersionsRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.submit(t, a, "v1.0")

	_, err := env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "approve needs IN_REVIEW")

	v = env.inReview(t, v)
	_, err = env.Engine.Reject(env.Ctx, v.ID, "reviewer-1", "  ")
	assert.ErrorIs(t, err, domain.ErrReasonRequired)

	_, err = env.Engine.Reject(env.Ctx, v.ID, "reviewer-1", "off brief")
	require.NoError(t, err)
	_, err = env.Engine.BeginReview(env.Ctx, v.ID, "reviewer-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.Reject(env.Ctx, v.ID, "reviewer-1", "twice")
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(domain.VersionRejected), te.From)
}

func TestApproveScenario(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 150000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))

	approval, err := env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VersionApproved, approval.Version.Status)
	require.NotNil(t, approval.Version.ApprovedAt)

	rec := approval.Settlement
	assert.Equal(t, domain.SettlementPrimary, rec.Kind)
	assert.Equal(t, int64(150000), rec.Amount)
	assert.Equal(t, domain.SettlementPending, rec.Status)
	assert.Equal(t, "2025-11-01", rec.ScheduledFor)
	assert.Equal(t, v.ID, rec.SourceRef)
	assert.Equal(t, "producer-a", rec.ProducerID)

	_, err = env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	var settled *domain.AlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, rec.ID, settled.Existing.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	_, err = env.Engine.RecordPrimarySettlement(env.Ctx, engine.ApprovalEvent{VersionID: v.ID, ReviewerID: "reviewer-1"})
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, rec.ID, settled.Existing.ID)

	list, err := env.Engine.ListSettlements(env.Ctx, repo.SettlementFilter{SourceRef: v.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v2.0"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "nothing follows an approved cut")
}

func TestApproveUsesSettlementTimezone(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))

	// 16:00 UTC on Oct 31 is already Nov 1 in Seoul.
	env.Clock.Set(mustTime(t, "2025-10-31T16:00:00Z"))
	approval, err := env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-12-01", approval.Settlement.ScheduledFor)
}

func TestCancelledRequestBlocksApprovalButKeepsSettlements(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 2, 70000)
	a := env.claim(t, req.ID, "producer-a")
	b := env.claim(t, req.ID, "producer-b")
	va := env.inReview(t, env.submit(t, a, "v1.0"))
	vb := env.inReview(t, env.submit(t, b, "v1.0"))

	approval, err := env.Engine.Approve(env.Ctx, va.ID, "reviewer-1")
	require.NoError(t, err)

	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "ops-1")
	require.NoError(t, err)

	_, err = env.Engine.Approve(env.Ctx, vb.ID, "reviewer-1")
	assert.ErrorIs(t, err, domain.ErrRequestClosed)

	kept, err := env.Engine.GetSettlement(env.Ctx, approval.Settlement.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementPending, kept.Status)
	assert.Equal(t, int64(70000), kept.Amount)

	approved, err := env.Engine.GetVersion(env.Ctx, va.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VersionApproved, approved.Status)
}

func TestClosedRequestStillFinishesReview(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 5000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))

	_, err := env.Engine.CloseRequest(env.Ctx, req.ID, "ops-1")
	require.NoError(t, err)

	approval, err := env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), approval.Settlement.Amount)
}

func TestReviewSummary(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	v := env.inReview(t, env.submit(t, a, "v1.0"))
	f := env.feedback(t, v.ID, 1, domain.PriorityNormal)
	env.feedback(t, v.ID, 2, domain.PriorityNormal)
	_, err := env.Engine.ResolveFeedback(env.Ctx, f.ID, "producer-a")
	require.NoError(t, err)

	s, err := env.Engine.ReviewSummary(env.Ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingFeedback)
	assert.Equal(t, 1, s.ResolvedFeedback)
	assert.Len(t, s.Transitions, 3)
	assert.Nil(t, s.Settlement)

	_, err = env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	s, err = env.Engine.ReviewSummary(env.Ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, s.Settlement)
	assert.Empty(t, s.Transitions)
}
