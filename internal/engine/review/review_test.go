package review_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"cutline/internal/domain"
	"cutline/internal/engine/review"
)

func status(s domain.VersionStatus) *domain.VersionStatus { return &s }

var _ = Describe("Review transitions", func() {
	Describe("AvailableTransitions", func() {
		It("should only allow begin_review from SUBMITTED", func() {
			Expect(review.AvailableTransitions(domain.VersionSubmitted)).To(Equal([]review.Transition{
				{Action: review.ActionBeginReview, From: domain.VersionSubmitted, To: domain.VersionInReview},
			}))
		})
		It("should allow the three decisions from IN_REVIEW", func() {
			Expect(review.AvailableTransitions(domain.VersionInReview)).To(Equal([]review.Transition{
				{Action: review.ActionApprove, From: domain.VersionInReview, To: domain.VersionApproved},
				{Action: review.ActionReject, From: domain.VersionInReview, To: domain.VersionRejected},
				{Action: review.ActionRequestRevision, From: domain.VersionInReview, To: domain.VersionRevisionRequested},
			}))
		})
		It("should return nothing for terminal statuses", func() {
			for _, s := range []domain.VersionStatus{domain.VersionApproved, domain.VersionRejected, domain.VersionRevisionRequested, "UNKNOWN"} {
				Expect(review.AvailableTransitions(s)).To(BeEmpty())
			}
		})
	})

	Describe("Lookup", func() {
		It("should resolve a legal move", func() {
			t, err := review.Lookup(domain.VersionInReview, review.ActionApprove)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.To).To(Equal(domain.VersionApproved))
		})
		It("should refuse approving a version that is not in review", func() {
			_, err := review.Lookup(domain.VersionSubmitted, review.ActionApprove)
			Expect(errors.Is(err, domain.ErrInvalidTransition)).To(BeTrue())

			var te *domain.TransitionError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.From).To(Equal("SUBMITTED"))
			Expect(te.Action).To(Equal("approve"))
		})
		It("should refuse every action on an approved version", func() {
			for _, a := range []review.Action{review.ActionBeginReview, review.ActionApprove, review.ActionReject, review.ActionRequestRevision} {
				_, err := review.Lookup(domain.VersionApproved, a)
				Expect(err).To(MatchError(domain.ErrInvalidTransition))
			}
		})
	})

	Describe("CheckSubmit", func() {
		It("should accept the first submission", func() {
			Expect(review.CheckSubmit(nil, false)).To(Succeed())
		})
		It("should accept a new submission after a rejection", func() {
			Expect(review.CheckSubmit(status(domain.VersionRejected), false)).To(Succeed())
		})
		It("should require resubmit after a revision request", func() {
			Expect(review.CheckSubmit(status(domain.VersionRevisionRequested), false)).To(MatchError(domain.ErrInvalidTransition))
			Expect(review.CheckSubmit(status(domain.VersionRevisionRequested), true)).To(Succeed())
		})
		It("should refuse while the latest version is still open or approved", func() {
			for _, s := range []domain.VersionStatus{domain.VersionSubmitted, domain.VersionInReview, domain.VersionApproved} {
				Expect(review.CheckSubmit(status(s), false)).To(MatchError(domain.ErrInvalidTransition))
				Expect(review.CheckSubmit(status(s), true)).To(MatchError(domain.ErrInvalidTransition))
			}
		})
		It("should refuse resubmit with nothing submitted", func() {
			Expect(review.CheckSubmit(nil, true)).To(MatchError(domain.ErrInvalidTransition))
		})
	})

	Describe("Open and Terminal", func() {
		It("should partition the statuses", func() {
			for _, s := range []domain.VersionStatus{domain.VersionSubmitted, domain.VersionInReview} {
				Expect(review.Open(s)).To(BeTrue())
				Expect(review.Terminal(s)).To(BeFalse())
			}
			for _, s := range []domain.VersionStatus{domain.VersionApproved, domain.VersionRejected, domain.VersionRevisionRequested} {
				Expect(review.Open(s)).To(BeFalse())
				Expect(review.Terminal(s)).To(BeTrue())
			}
		})
	})
})
