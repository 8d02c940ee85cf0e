package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types appended by the engine.
const (
	RequestCreated     = "request.created"
	RequestUpdated     = "request.updated"
	RequestClosed      = "request.closed"
	RequestCancelled   = "request.cancelled"
	AssignmentClaimed  = "assignment.claimed"
	AssignmentReleased = "assignment.released"
	VersionSubmitted   = "version.submitted"
	VersionResubmitted = "version.resubmitted"
	VersionReviewing   = "version.review_started"
	VersionApproved    = "version.approved"
	VersionRevision    = "version.revision_requested"
	VersionRejected    = "version.rejected"
	FeedbackAdded      = "feedback.added"
	FeedbackResolved   = "feedback.resolved"
	AnnotationAdded    = "annotation.added"
	MetricsRecorded    = "metrics.recorded"
	BonusFlagged       = "settlement.bonus_flagged"
	SettlementCreated  = "settlement.created"
	SettlementUpdated  = "settlement.recomputed"
	SettlementBatched  = "settlement.processing"
	SettlementDone     = "settlement.completed"
	APIKeyCreated      = "api_key.created"
	APIKeyRevoked      = "api_key.revoked"
)

type Writer struct {
	Now func() time.Time
	Log logrus.FieldLogger
}

type EventPayload map[string]any

// Append writes one event row inside tx, so the event commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data)); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	if w.Log != nil {
		w.Log.WithFields(logrus.Fields{
			"event":  evtType,
			"entity": entityKind + ":" + entityID,
			"actor":  actorID,
		}).Debug("event appended")
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
