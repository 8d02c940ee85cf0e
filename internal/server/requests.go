package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

var readErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

type idPath struct {
	ID string `path:"id"`
}

func (h handlers) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Open a production request",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*output[domain.ProjectRequest], error) {
		p, err := h.require(ctx, "request.create")
		if err != nil {
			return nil, err
		}
		opts := engine.RequestCreateOptions{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Categories:   input.Body.Categories,
			Deadline:     input.Body.Deadline,
			Mode:         domain.AssignmentMode(input.Body.Mode),
			MaxAssignees: input.Body.MaxAssignees,
			Budget:       input.Body.Budget,
			Priority:     input.Body.Priority,
			ClientID:     input.Body.ClientID,
			ActorID:      p.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		req, err := h.e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, urgent first",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"OPEN,FULL,CLOSED,CANCELLED"`
		Mode     string `query:"mode" enum:"SINGLE,MULTIPLE,GROUP"`
		ClientID string `query:"client_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[itemsResponse[domain.ProjectRequest]], error) {
		if _, err := h.require(ctx, "request.read"); err != nil {
			return nil, err
		}
		list, err := h.e.ListRequests(ctx, repo.RequestFilter{
			Status:   input.Status,
			Mode:     input.Mode,
			ClientID: input.ClientID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.ProjectRequest], error) {
		if _, err := h.require(ctx, "request.read"); err != nil {
			return nil, err
		}
		req, err := h.e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}",
		Summary:     "Edit an open request; claimed budgets stay frozen",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateRequestRequest `json:"body"`
	}) (*output[domain.ProjectRequest], error) {
		p, err := h.require(ctx, "request.update")
		if err != nil {
			return nil, err
		}
		req, err := h.e.UpdateRequest(ctx, engine.RequestUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Categories:  input.Body.Categories,
			Deadline:    input.Body.Deadline,
			Budget:      input.Body.Budget,
			Priority:    input.Body.Priority,
			ClientID:    input.Body.ClientID,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(req), nil
	})

	finish := []struct {
		action  string
		summary string
		fn      func(context.Context, string, string) (domain.ProjectRequest, error)
	}{
		{"close", "Close a request to new claims", h.e.CloseRequest},
		{"cancel", "Cancel a request; approvals and settlements already made stay", h.e.CancelRequest},
	}
	for _, f := range finish {
		fn := f.fn
		huma.Register(api, huma.Operation{
			OperationID: f.action + "-request",
			Method:      http.MethodPost,
			Path:        "/requests/{id}/" + f.action,
			Summary:     f.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *idPath) (*output[domain.ProjectRequest], error) {
			p, err := h.require(ctx, "request.close")
			if err != nil {
				return nil, err
			}
			req, err := fn(ctx, input.ID, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(req), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "claim-request",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/claim",
		Summary:       "Claim a request as the calling producer",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Assignment], error) {
		p, err := h.require(ctx, "request.claim")
		if err != nil {
			return nil, err
		}
		a, err := h.e.Claim(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func (h handlers) registerAssignments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		RequestID  string `query:"request_id"`
		ProducerID string `query:"producer_id"`
		Active     bool   `query:"active"`
	}) (*output[itemsResponse[domain.Assignment]], error) {
		if _, err := h.require(ctx, "assignment.read"); err != nil {
			return nil, err
		}
		list, err := h.e.ListAssignments(ctx, repo.AssignmentFilter{
			RequestID:  input.RequestID,
			ProducerID: input.ProducerID,
			ActiveOnly: input.Active,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Assignment], error) {
		if _, err := h.require(ctx, "assignment.read"); err != nil {
			return nil, err
		}
		a, err := h.e.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/release",
		Summary:     "Release an assignment and reopen its capacity",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Assignment], error) {
		p, err := h.require(ctx, "assignment.release")
		if err != nil {
			return nil, err
		}
		a, err := h.e.Release(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}
