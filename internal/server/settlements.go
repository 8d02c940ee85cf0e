package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
	"cutline/internal/settlement"
)

type settlementQuery struct {
	Kind       string `query:"kind" enum:"PRIMARY,SECONDARY"`
	Status     string `query:"status" enum:"PENDING,PROCESSING,COMPLETED"`
	ProducerID string `query:"producer_id"`
	SourceRef  string `query:"source_ref"`
	BatchID    string `query:"batch_id"`
	DueBy      string `query:"due_by" format:"date"`
	Limit      int    `query:"limit" default:"50"`
}

func (q settlementQuery) filter() repo.SettlementFilter {
	return repo.SettlementFilter{
		Kind:       q.Kind,
		Status:     q.Status,
		ProducerID: q.ProducerID,
		SourceRef:  q.SourceRef,
		BatchID:    q.BatchID,
		DueBy:      q.DueBy,
		Limit:      normalizeLimit(q.Limit),
	}
}

func (h handlers) registerSettlements(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "record-metrics",
		Method:      http.MethodPut,
		Path:        "/versions/{id}/metrics",
		Summary:     "Record the latest views and conversions of an approved cut",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RecordMetricsRequest `json:"body"`
	}) (*output[domain.PerformanceSnapshot], error) {
		p, err := h.require(ctx, "metrics.write")
		if err != nil {
			return nil, err
		}
		snap, err := h.e.RecordMetrics(ctx, input.ID, input.Body.Views, input.Body.Conversions, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeliver-approval",
		Method:      http.MethodPost,
		Path:        "/versions/{id}/settlement",
		Summary:     "Re-deliver the approval of a version to settlement",
		Description: "Answers 409 already_settled with the existing record in details when the version was settled before.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.SettlementRecord], error) {
		p, err := h.require(ctx, "settlement.run")
		if err != nil {
			return nil, err
		}
		rec, err := h.e.RecordPrimarySettlement(ctx, engine.ApprovalEvent{VersionID: input.ID, ReviewerID: p.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-primary-batch",
		Method:      http.MethodPost,
		Path:        "/settlements/primary/run",
		Summary:     "Move due primary settlements to PROCESSING and pay them out",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body *BatchRequest `json:"body,omitempty"`
	}) (*output[engine.BatchResult], error) {
		p, err := h.require(ctx, "settlement.run")
		if err != nil {
			return nil, err
		}
		date, err := h.batchDate(input.Body.date())
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.e.RunPrimaryBatch(ctx, date, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-secondary-batch",
		Method:      http.MethodPost,
		Path:        "/settlements/secondary/run",
		Summary:     "Compute quarterly performance settlements",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body *SecondaryBatchRequest `json:"body,omitempty"`
	}) (*output[engine.SecondaryResult], error) {
		p, err := h.require(ctx, "settlement.run")
		if err != nil {
			return nil, err
		}
		q, err := h.quarterOrPrevious(input.Body.quarter())
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.e.RunSecondaryBatch(ctx, q, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disburse-secondary",
		Method:      http.MethodPost,
		Path:        "/settlements/secondary/disburse",
		Summary:     "Move due secondary settlements to PROCESSING and pay them out",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body *BatchRequest `json:"body,omitempty"`
	}) (*output[engine.BatchResult], error) {
		p, err := h.require(ctx, "settlement.run")
		if err != nil {
			return nil, err
		}
		date, err := h.batchDate(input.Body.date())
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.e.DisburseSecondary(ctx, date, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-settlements",
		Method:      http.MethodPost,
		Path:        "/settlements/complete",
		Summary:     "Confirm payment of PROCESSING settlements",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CompleteSettlementsRequest `json:"body"`
	}) (*output[itemsResponse[domain.SettlementRecord]], error) {
		p, err := h.require(ctx, "settlement.complete")
		if err != nil {
			return nil, err
		}
		recs, err := h.e.CompleteSettlements(ctx, input.Body.IDs, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-settlement",
		Method:      http.MethodPost,
		Path:        "/settlements/{id}/adjust",
		Summary:     "Correct the amounts of a PENDING settlement",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body AdjustSettlementRequest `json:"body"`
	}) (*output[domain.SettlementRecord], error) {
		p, err := h.require(ctx, "settlement.run")
		if err != nil {
			return nil, err
		}
		rec, err := h.e.AdjustSettlement(ctx, engine.AdjustOptions{
			ID:          input.ID,
			BaseAmount:  input.Body.BaseAmount,
			BonusAmount: input.Body.BonusAmount,
			Reason:      input.Body.Reason,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-settlements",
		Method:      http.MethodGet,
		Path:        "/settlements",
		Summary:     "List settlements",
		Errors:      readErrors,
	}, func(ctx context.Context, input *settlementQuery) (*output[itemsResponse[domain.SettlementRecord]], error) {
		if _, err := h.require(ctx, "settlement.read"); err != nil {
			return nil, err
		}
		recs, err := h.e.ListSettlements(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settlement-summary",
		Method:      http.MethodGet,
		Path:        "/settlements/summary",
		Summary:     "Totals per status for the matching settlements",
		Errors:      readErrors,
	}, func(ctx context.Context, input *settlementQuery) (*output[domain.SettlementSummary], error) {
		if _, err := h.require(ctx, "settlement.read"); err != nil {
			return nil, err
		}
		f := input.filter()
		f.Limit = 0
		sum, err := h.e.SettlementSummary(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(sum), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/settlements/{id}",
		Summary:     "Get settlement",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.SettlementRecord], error) {
		if _, err := h.require(ctx, "settlement.read"); err != nil {
			return nil, err
		}
		rec, err := h.e.GetSettlement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "flag-bonus",
		Method:        http.MethodPost,
		Path:          "/bonus-flags",
		Summary:       "Flag a producer for a special bonus in a quarter",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body FlagBonusRequest `json:"body"`
	}) (*output[domain.SpecialBonusFlag], error) {
		p, err := h.require(ctx, "settlement.flag")
		if err != nil {
			return nil, err
		}
		q, err := settlement.ParseQuarter(input.Body.Quarter)
		if err != nil {
			return nil, handleError(err)
		}
		flag, err := h.e.FlagSpecialBonus(ctx, input.Body.ProducerID, q, domain.SpecialBonus(input.Body.Flag), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(flag), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bonus-flags",
		Method:      http.MethodGet,
		Path:        "/bonus-flags",
		Summary:     "List special bonus flags of a producer in a quarter",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		ProducerID string `query:"producer_id" required:"true"`
		Quarter    string `query:"quarter" required:"true"`
	}) (*output[itemsResponse[domain.SpecialBonusFlag]], error) {
		if _, err := h.require(ctx, "settlement.read"); err != nil {
			return nil, err
		}
		q, err := settlement.ParseQuarter(input.Quarter)
		if err != nil {
			return nil, handleError(err)
		}
		flags, err := h.e.ListBonusFlags(ctx, input.ProducerID, q)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items(flags)), nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"request,assignment,version,feedback,annotation,settlement,batch,producer,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := h.require(ctx, "event.read"); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		evts, err := h.e.ListEvents(ctx, engine.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(evts) > limit {
			evts = evts[:limit]
			resp.NextCursor = fmt.Sprintf("%d", evts[limit-1].ID)
		}
		for _, evt := range evts {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key bound to one role; the key is shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*output[APIKeyResponse], error) {
		p, err := h.require(ctx, "apikey.manage")
		if err != nil {
			return nil, err
		}
		key, plain, err := h.e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Role, input.Body.Name, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*output[itemsResponse[APIKeyResponse]], error) {
		if _, err := h.require(ctx, "apikey.manage"); err != nil {
			return nil, err
		}
		keys, err := h.e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return respond(items(out)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        readErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, err := h.require(ctx, "apikey.manage")
		if err != nil {
			return nil, err
		}
		if err := h.e.RevokeAPIKey(ctx, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
