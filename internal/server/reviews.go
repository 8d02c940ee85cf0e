package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cutline/internal/domain"
	"cutline/internal/engine"
)

func (h handlers) registerVersions(api huma.API) {
	submits := []struct {
		id, path, summary string
		fn                func(context.Context, engine.SubmitOptions) (domain.VersionSubmission, error)
	}{
		{"submit-version", "/assignments/{id}/versions", "Submit a version on the next slot", h.e.Submit},
		{"resubmit-version", "/assignments/{id}/versions/resubmit", "Resubmit after a revision request", h.e.ResubmitAfterRevision},
	}
	for _, s := range submits {
		fn := s.fn
		huma.Register(api, huma.Operation{
			OperationID:   s.id,
			Method:        http.MethodPost,
			Path:          s.path,
			Summary:       s.summary,
			DefaultStatus: http.StatusCreated,
			Errors:        writeErrors,
		}, func(ctx context.Context, input *struct {
			ID   string               `path:"id"`
			Body SubmitVersionRequest `json:"body"`
		}) (*output[domain.VersionSubmission], error) {
			p, err := h.require(ctx, "version.submit")
			if err != nil {
				return nil, err
			}
			v, err := fn(ctx, engine.SubmitOptions{
				AssignmentID:    input.ID,
				ProducerID:      p.ActorID,
				Label:           input.Body.Label,
				DurationSeconds: input.Body.DurationSeconds,
				Notes:           input.Body.Notes,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return respond(v), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/versions",
		Summary:     "List versions of an assignment by slot",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[itemsResponse[domain.VersionSubmission]], error) {
		if _, err := h.require(ctx, "version.read"); err != nil {
			return nil, err
		}
		list, err := h.e.ListVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{id}",
		Summary:     "Get version",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.VersionSubmission], error) {
		if _, err := h.require(ctx, "version.read"); err != nil {
			return nil, err
		}
		v, err := h.e.GetVersion(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "version-summary",
		Method:      http.MethodGet,
		Path:        "/versions/{id}/summary",
		Summary:     "Review summary: feedback counts, next transitions, settlement",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[engine.ReviewSummary], error) {
		if _, err := h.require(ctx, "version.read"); err != nil {
			return nil, err
		}
		s, err := h.e.ReviewSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "begin-review",
		Method:      http.MethodPost,
		Path:        "/versions/{id}/review",
		Summary:     "Start reviewing a submitted version",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.VersionSubmission], error) {
		p, err := h.require(ctx, "version.review")
		if err != nil {
			return nil, err
		}
		v, err := h.e.BeginReview(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-version",
		Method:      http.MethodPost,
		Path:        "/versions/{id}/approve",
		Summary:     "Approve a version and record its primary settlement",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[engine.Approval], error) {
		p, err := h.require(ctx, "version.review")
		if err != nil {
			return nil, err
		}
		res, err := h.e.Approve(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	notes := []struct {
		id, path, summary string
		fn                func(context.Context, string, string, string) (domain.VersionSubmission, error)
	}{
		{"request-revision", "/versions/{id}/revise", "Request a revision; needs pending feedback", h.e.RequestRevision},
		{"reject-version", "/versions/{id}/reject", "Reject a version with a reason", h.e.Reject},
	}
	for _, n := range notes {
		fn := n.fn
		huma.Register(api, huma.Operation{
			OperationID: n.id,
			Method:      http.MethodPost,
			Path:        n.path,
			Summary:     n.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			ID   string            `path:"id"`
			Body ReviewNoteRequest `json:"body"`
		}) (*output[domain.VersionSubmission], error) {
			p, err := h.require(ctx, "version.review")
			if err != nil {
				return nil, err
			}
			v, err := fn(ctx, input.ID, p.ActorID, input.Body.Note)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(v), nil
		})
	}
}

func (h handlers) registerFeedback(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-feedback",
		Method:        http.MethodPost,
		Path:          "/versions/{id}/feedback",
		Summary:       "Attach timestamped feedback to a version under review",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddFeedbackRequest `json:"body"`
	}) (*output[domain.FeedbackItem], error) {
		p, err := h.require(ctx, "feedback.write")
		if err != nil {
			return nil, err
		}
		f, err := h.e.AddFeedback(ctx, engine.FeedbackOptions{
			VersionID: input.ID,
			AuthorID:  p.ActorID,
			Content:   input.Body.Content,
			Category:  domain.FeedbackCategory(input.Body.Category),
			StartTS:   input.Body.StartTS,
			EndTS:     input.Body.EndTS,
			Priority:  domain.FeedbackPriority(input.Body.Priority),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/versions/{id}/feedback",
		Summary:     "List feedback ordered by timestamp",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"pending,resolved"`
	}) (*output[itemsResponse[domain.FeedbackItem]], error) {
		if _, err := h.require(ctx, "feedback.read"); err != nil {
			return nil, err
		}
		list, err := h.e.ListFeedback(ctx, input.ID, domain.FeedbackStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-feedback",
		Method:      http.MethodPost,
		Path:        "/feedback/{id}/resolve",
		Summary:     "Mark feedback resolved",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.FeedbackItem], error) {
		p, err := h.require(ctx, "feedback.resolve")
		if err != nil {
			return nil, err
		}
		f, err := h.e.ResolveFeedback(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-annotation",
		Method:        http.MethodPost,
		Path:          "/versions/{id}/annotations",
		Summary:       "Draw an annotation in canvas pixels",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddAnnotationRequest `json:"body"`
	}) (*output[domain.Annotation], error) {
		p, err := h.require(ctx, "annotation.write")
		if err != nil {
			return nil, err
		}
		opts := engine.AnnotationOptions{
			VersionID:    input.ID,
			AuthorID:     p.ActorID,
			Shape:        domain.ShapeKind(input.Body.Shape),
			Raw:          input.Body.Coordinates,
			CanvasWidth:  input.Body.CanvasWidth,
			CanvasHeight: input.Body.CanvasHeight,
			TS:           input.Body.Timestamp,
		}
		if input.Body.Style != nil {
			opts.Style = *input.Body.Style
		}
		a, err := h.e.AddAnnotation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/versions/{id}/annotations",
		Summary:     "List annotations ordered by timestamp",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[itemsResponse[domain.Annotation]], error) {
		if _, err := h.require(ctx, "feedback.read"); err != nil {
			return nil, err
		}
		list, err := h.e.ListAnnotations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(list)), nil
	})
}
