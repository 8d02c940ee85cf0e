package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cutline/internal/config"
	"cutline/internal/domain"
	"cutline/internal/events"
	"cutline/internal/logging"
	"cutline/internal/metrics"
	"cutline/internal/payout"
	"cutline/internal/repo"
	"cutline/internal/settlement"
)

// Engine sequences request, claim, submission, review and settlement. Every mutating
// method runs in a single write transaction and appends an event in it.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Rules   settlement.Rules
	Loc     *time.Location
	Metrics metrics.Provider
	// Payout is optional; without it PROCESSING records wait for CompleteSettlements.
	Payout payout.Disburser
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log logrus.FieldLogger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default("cutline")
	}
	rules, err := cfg.SettlementRules()
	if err != nil {
		return Engine{}, err
	}
	loc, err := cfg.Settlement.Location()
	if err != nil {
		return Engine{}, err
	}
	if log == nil {
		log = logging.Discard()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{Log: log},
		Config:  cfg,
		Rules:   rules,
		Loc:     loc,
		Metrics: metrics.Store{Repo: r},
		Log:     log,
		Now:     time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) location() *time.Location {
	if e.Loc != nil {
		return e.Loc
	}
	return time.UTC
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func newID() string {
	return uuid.NewString()
}

// EventFilter narrows the audit log. Cursor pages backwards from an event id.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// ListEvents returns the newest matching events first.
func (e Engine) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.Repo.LatestEvents(ctx, f.Limit, f.Cursor, f.Type, f.EntityKind, f.EntityID)
}

// EventsAfter returns events newer than cursor, oldest first, for followers of the log.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor)
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
