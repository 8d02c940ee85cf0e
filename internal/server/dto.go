package server

import (
	"encoding/json"

	"cutline/internal/domain"
)

// Request payloads

type CreateRequestRequest struct {
	ID           *string  `json:"id,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Deadline     string   `json:"deadline,omitempty" format:"date-time"`
	Mode         string   `json:"mode,omitempty" enum:"SINGLE,MULTIPLE,GROUP"`
	MaxAssignees int      `json:"max_assignees,omitempty"`
	Budget       int64    `json:"budget"`
	Priority     int      `json:"priority,omitempty" enum:"0,1"`
	ClientID     string   `json:"client_id,omitempty"`
}

type UpdateRequestRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Deadline    *string  `json:"deadline,omitempty"`
	Budget      *int64   `json:"budget,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	ClientID    *string  `json:"client_id,omitempty"`
}

type SubmitVersionRequest struct {
	Label           string  `json:"label" example:"v1.0"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

type ReviewNoteRequest struct {
	Note string `json:"note"`
}

type AddFeedbackRequest struct {
	Content  string   `json:"content"`
	Category string   `json:"category,omitempty" enum:"subtitle,audio,video,other"`
	StartTS  float64  `json:"start_ts"`
	EndTS    *float64 `json:"end_ts,omitempty"`
	Priority string   `json:"priority,omitempty" enum:"low,normal,high,urgent"`
}

type AddAnnotationRequest struct {
	Shape        string                  `json:"shape" enum:"point,circle,rect,arrow,freehand"`
	Coordinates  domain.Coordinates      `json:"coordinates"`
	CanvasWidth  float64                 `json:"canvas_width"`
	CanvasHeight float64                 `json:"canvas_height"`
	Timestamp    float64                 `json:"timestamp"`
	Style        *domain.AnnotationStyle `json:"style,omitempty"`
}

type RecordMetricsRequest struct {
	Views       int64 `json:"views"`
	Conversions int64 `json:"conversions"`
}

type BatchRequest struct {
	// Date is YYYY-MM-DD in the settlement timezone; empty means today.
	Date string `json:"date,omitempty" format:"date"`
}

type SecondaryBatchRequest struct {
	// Quarter is YYYY-Qn; empty means the previous quarter.
	Quarter string `json:"quarter,omitempty" example:"2025-Q4"`
}

func (b *BatchRequest) date() string {
	if b == nil {
		return ""
	}
	return b.Date
}

func (b *SecondaryBatchRequest) quarter() string {
	if b == nil {
		return ""
	}
	return b.Quarter
}

type CompleteSettlementsRequest struct {
	IDs []string `json:"ids" minItems:"1"`
}

type AdjustSettlementRequest struct {
	BaseAmount  int64  `json:"base_amount"`
	BonusAmount int64  `json:"bonus_amount"`
	Reason      string `json:"reason"`
}

type FlagBonusRequest struct {
	ProducerID string `json:"producer_id"`
	Quarter    string `json:"quarter" example:"2025-Q4"`
	Flag       string `json:"flag" enum:"quarter_mvp,most_new_clients"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present in the create response.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Role: k.Role, Name: k.Name, CreatedAt: k.CreatedAt}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func items[T any](in []T) itemsResponse[T] {
	return itemsResponse[T]{Items: nonNilSlice(in)}
}
