package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cutline/internal/domain"
	"cutline/internal/events"
	"cutline/internal/metrics"
	"cutline/internal/repo"
	"cutline/internal/settlement"
)

// ApprovalEvent is what the review side hands to settlement when a version is approved.
type ApprovalEvent struct {
	VersionID      string
	AssignmentID   string
	ProducerID     string
	BudgetSnapshot int64
	ApprovedAt     string
	ReviewerID     string
}

// settlePrimary records the fixed payout for one approved version inside tx. The amount is
// the budget frozen at claim time; the record is due on the first of the next month.
func (e Engine) settlePrimary(ctx context.Context, tx *sql.Tx, ev ApprovalEvent) (domain.SettlementRecord, error) {
	approvedAt, err := time.Parse(time.RFC3339, ev.ApprovedAt)
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("approval time %q: %w", ev.ApprovedAt, err)
	}
	now := e.stamp()
	rec := domain.SettlementRecord{
		ID:           newID(),
		Kind:         domain.SettlementPrimary,
		ProducerID:   ev.ProducerID,
		SourceRef:    ev.VersionID,
		BaseAmount:   ev.BudgetSnapshot,
		Amount:       ev.BudgetSnapshot,
		Status:       domain.SettlementPending,
		ScheduledFor: settlement.NextMonthStart(approvedAt, e.location()).Format(settlement.DateLayout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertSettlement(ctx, tx, rec); err != nil {
		if repo.IsUniqueViolation(err) {
			existing, ferr := e.Repo.FindSettlement(ctx, tx, domain.SettlementPrimary, ev.ProducerID, ev.VersionID)
			if ferr != nil {
				return domain.SettlementRecord{}, ferr
			}
			return domain.SettlementRecord{}, &domain.AlreadySettledError{Existing: existing}
		}
		return domain.SettlementRecord{}, fmt.Errorf("insert primary settlement: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.SettlementCreated, "settlement", rec.ID, ev.ReviewerID, events.EventPayload{
		"kind": rec.Kind, "source_ref": rec.SourceRef, "amount": rec.Amount, "scheduled_for": rec.ScheduledFor,
	}); err != nil {
		return domain.SettlementRecord{}, err
	}
	return rec, nil
}

// RecordPrimarySettlement consumes a re-delivered approval event on its own. The version must
// be APPROVED; a second delivery returns *domain.AlreadySettledError with the original record.
func (e Engine) RecordPrimarySettlement(ctx context.Context, ev ApprovalEvent) (domain.SettlementRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersion(ctx, tx, ev.VersionID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	if v.Status != domain.VersionApproved || v.ApprovedAt == nil {
		return domain.SettlementRecord{}, &domain.TransitionError{Entity: "version", From: string(v.Status), Action: "settle"}
	}
	a, err := e.Repo.GetAssignment(ctx, tx, v.AssignmentID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	rec, err := e.settlePrimary(ctx, tx, ApprovalEvent{
		VersionID:      v.ID,
		AssignmentID:   a.ID,
		ProducerID:     v.ProducerID,
		BudgetSnapshot: a.BudgetSnapshot,
		ApprovedAt:     *v.ApprovedAt,
		ReviewerID:     ev.ReviewerID,
	})
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SettlementRecord{}, err
	}
	return rec, nil
}

// BatchResult reports one disbursement run.
type BatchResult struct {
	BatchID    string                    `json:"batch_id"`
	Kind       domain.SettlementKind     `json:"kind"`
	DueBy      string                    `json:"due_by"`
	Processing int64                     `json:"processing"`
	Completed  int64                     `json:"completed"`
	Records    []domain.SettlementRecord `json:"records"`
}

// RunPrimaryBatch moves every primary settlement due on or before date from PENDING to
// PROCESSING. With a payout disburser configured, everything due and PROCESSING (including
// leftovers of earlier failed runs) is handed over and marked COMPLETED. Re-running is safe.
func (e Engine) RunPrimaryBatch(ctx context.Context, date time.Time, actorID string) (BatchResult, error) {
	return e.disburse(ctx, domain.SettlementPrimary, date, actorID)
}

// DisburseSecondary does for quarterly settlements what RunPrimaryBatch does for primary ones.
// Once a record is PROCESSING the quarterly batch no longer recomputes it.
func (e Engine) DisburseSecondary(ctx context.Context, date time.Time, actorID string) (BatchResult, error) {
	return e.disburse(ctx, domain.SettlementSecondary, date, actorID)
}

func (e Engine) disburse(ctx context.Context, kind domain.SettlementKind, date time.Time, actorID string) (BatchResult, error) {
	res := BatchResult{
		BatchID: newID(),
		Kind:    kind,
		DueBy:   date.In(e.location()).Format(settlement.DateLayout),
	}
	log := e.log().WithFields(logrus.Fields{"batch": res.BatchID, "kind": kind, "due_by": res.DueBy})

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if res.Processing, err = e.Repo.MarkProcessing(ctx, tx, kind, res.DueBy, res.BatchID, now); err != nil {
		return res, fmt.Errorf("mark processing: %w", err)
	}
	if res.Processing > 0 {
		if err := e.appendEvent(ctx, tx, events.SettlementBatched, "batch", res.BatchID, actorID, events.EventPayload{
			"kind": kind, "due_by": res.DueBy, "count": res.Processing,
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	log.WithField("count", res.Processing).Info("settlements moved to processing")

	due, err := e.Repo.ListSettlements(ctx, nil, repo.SettlementFilter{
		Kind: string(kind), Status: string(domain.SettlementProcessing), DueBy: res.DueBy,
	})
	if err != nil {
		return res, err
	}
	res.Records = due
	if e.Payout == nil || len(due) == 0 {
		return res, nil
	}
	if err := e.Payout.Disburse(ctx, res.BatchID, due); err != nil {
		log.WithError(err).Warn("payout failed; records stay PROCESSING")
		return res, fmt.Errorf("disburse batch %s: %w", res.BatchID, err)
	}
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	completed, err := e.completeIDs(ctx, ids, actorID)
	if err != nil {
		return res, err
	}
	res.Records = completed
	res.Completed = int64(len(completed))
	log.WithField("count", res.Completed).Info("settlements completed")
	return res, nil
}

// CompleteSettlements confirms payouts made outside the engine: PROCESSING becomes COMPLETED.
// Records already COMPLETED are returned unchanged; PENDING records are refused.
func (e Engine) CompleteSettlements(ctx context.Context, ids []string, actorID string) ([]domain.SettlementRecord, error) {
	if len(ids) == 0 {
		return nil, domain.Invalid("at least one settlement id is required")
	}
	return e.completeIDs(ctx, ids, actorID)
}

func (e Engine) completeIDs(ctx context.Context, ids []string, actorID string) ([]domain.SettlementRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var move []string
	for _, id := range ids {
		rec, err := e.Repo.GetSettlement(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("settlement %s: %w", id, err)
		}
		switch rec.Status {
		case domain.SettlementProcessing:
			move = append(move, id)
		case domain.SettlementPending:
			return nil, &domain.TransitionError{Entity: "settlement", From: string(rec.Status), Action: "complete"}
		}
	}
	now := e.stamp()
	if _, err := e.Repo.MarkCompleted(ctx, tx, move, now); err != nil {
		return nil, err
	}
	for _, id := range move {
		if err := e.appendEvent(ctx, tx, events.SettlementDone, "settlement", id, actorID, nil); err != nil {
			return nil, err
		}
	}
	out := make([]domain.SettlementRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := e.Repo.GetSettlement(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// SecondaryResult reports one run of the quarterly batch.
type SecondaryResult struct {
	Quarter    string                    `json:"quarter"`
	Created    int                       `json:"created"`
	Recomputed int                       `json:"recomputed"`
	Unchanged  int                       `json:"unchanged"`
	Records    []domain.SettlementRecord `json:"records"`
}

// RunSecondaryBatch computes the quarterly settlement of every producer with approved
// versions in the quarter. Each producer is its own transaction: a PENDING record is
// recomputed in place, PROCESSING and COMPLETED records are returned untouched. Failures
// for one producer do not stop the others; they are joined into the returned error.
func (e Engine) RunSecondaryBatch(ctx context.Context, q settlement.Quarter, actorID string) (SecondaryResult, error) {
	loc := e.location()
	res := SecondaryResult{Quarter: q.String()}
	from := q.Start(loc).UTC().Format(time.RFC3339)
	to := q.End(loc).UTC().Format(time.RFC3339)

	approved, err := e.Repo.ApprovedBetween(ctx, nil, from, to)
	if err != nil {
		return res, err
	}
	byProducer := map[string][]repo.ApprovedVersion{}
	var producers []string
	for _, a := range approved {
		if _, ok := byProducer[a.ProducerID]; !ok {
			producers = append(producers, a.ProducerID)
		}
		byProducer[a.ProducerID] = append(byProducer[a.ProducerID], a)
	}
	sort.Strings(producers)

	var errs []error
	for _, producer := range producers {
		rec, outcome, err := e.settleQuarter(ctx, q, producer, byProducer[producer], actorID)
		if err != nil {
			e.log().WithError(err).WithFields(logrus.Fields{"producer": producer, "quarter": res.Quarter}).Error("secondary settlement failed")
			errs = append(errs, fmt.Errorf("producer %s: %w", producer, err))
			continue
		}
		switch outcome {
		case outcomeCreated:
			res.Created++
		case outcomeRecomputed:
			res.Recomputed++
		default:
			res.Unchanged++
		}
		res.Records = append(res.Records, rec)
	}
	e.log().WithFields(logrus.Fields{
		"quarter":    res.Quarter,
		"created":    res.Created,
		"recomputed": res.Recomputed,
		"unchanged":  res.Unchanged,
	}).Info("secondary batch finished")
	return res, errors.Join(errs...)
}

type settleOutcome int

const (
	outcomeUnchanged settleOutcome = iota
	outcomeCreated
	outcomeRecomputed
)

func (e Engine) settleQuarter(ctx context.Context, q settlement.Quarter, producer string, versions []repo.ApprovedVersion, actorID string) (domain.SettlementRecord, settleOutcome, error) {
	existing, err := e.Repo.FindSettlement(ctx, nil, domain.SettlementSecondary, producer, q.String())
	if err == nil && existing.Status != domain.SettlementPending {
		return existing, outcomeUnchanged, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}

	in := settlement.Input{}
	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		in.PrimaryAmounts = append(in.PrimaryAmounts, v.PrimaryAmount)
		ids = append(ids, v.VersionID)
	}
	provider := e.Metrics
	if provider == nil {
		provider = metrics.Store{Repo: e.Repo}
	}
	if in.Views, in.Conversions, err = metrics.Totals(ctx, provider, ids); err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	flags, err := e.Repo.ListBonusFlags(ctx, nil, producer, q.String())
	if err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	for _, f := range flags {
		in.Flags = append(in.Flags, string(f.Flag))
	}
	b := settlement.Compute(in, e.Rules)
	breakdown, err := json.Marshal(b)
	if err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	defer tx.Rollback()

	now := e.stamp()
	rec := domain.SettlementRecord{
		Kind:         domain.SettlementSecondary,
		ProducerID:   producer,
		SourceRef:    q.String(),
		BaseAmount:   b.Base,
		BonusAmount:  b.Bonus,
		Amount:       b.Total,
		Status:       domain.SettlementPending,
		ScheduledFor: q.LastDay(e.location()).Format(settlement.DateLayout),
		Breakdown:    string(breakdown),
		UpdatedAt:    now,
	}
	outcome := outcomeCreated
	cur, err := e.Repo.FindSettlement(ctx, tx, domain.SettlementSecondary, producer, q.String())
	switch {
	case err == nil && cur.Status != domain.SettlementPending:
		return cur, outcomeUnchanged, nil
	case err == nil:
		rec.ID = cur.ID
		rec.CreatedAt = cur.CreatedAt
		if err := e.rewriteAmounts(ctx, tx, rec); err != nil {
			return domain.SettlementRecord{}, outcomeUnchanged, err
		}
		outcome = outcomeRecomputed
	case errors.Is(err, repo.ErrNotFound):
		rec.ID = newID()
		rec.CreatedAt = now
		if err := e.Repo.InsertSettlement(ctx, tx, rec); err != nil {
			return domain.SettlementRecord{}, outcomeUnchanged, fmt.Errorf("insert secondary settlement: %w", err)
		}
	default:
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	evtType := events.SettlementCreated
	if outcome == outcomeRecomputed {
		evtType = events.SettlementUpdated
	}
	if err := e.appendEvent(ctx, tx, evtType, "settlement", rec.ID, actorID, events.EventPayload{
		"kind": rec.Kind, "source_ref": rec.SourceRef, "base": b.Base, "bonus": b.Bonus, "amount": rec.Amount,
	}); err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SettlementRecord{}, outcomeUnchanged, err
	}
	return rec, outcome, nil
}

// rewriteAmounts is the only path that changes settlement amounts. It fails loudly once the
// record has left PENDING.
func (e Engine) rewriteAmounts(ctx context.Context, tx *sql.Tx, rec domain.SettlementRecord) error {
	ok, err := e.Repo.UpdatePendingAmounts(ctx, tx, rec)
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := e.Repo.GetSettlement(ctx, tx, rec.ID)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: settlement %s is %s", domain.ErrSettlementImmutable, cur.ID, cur.Status)
	}
	return nil
}

// AdjustOptions is an operator correction of a settlement that has not been batched yet.
type AdjustOptions struct {
	ID          string
	BaseAmount  int64
	BonusAmount int64
	Reason      string
	ActorID     string
}

// AdjustSettlement corrects the amounts of a PENDING settlement. Any other status fails
// with domain.ErrSettlementImmutable.
func (e Engine) AdjustSettlement(ctx context.Context, opts AdjustOptions) (domain.SettlementRecord, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.SettlementRecord{}, fmt.Errorf("%w: adjustments need a reason", domain.ErrReasonRequired)
	}
	if opts.BaseAmount < 0 || opts.BonusAmount < 0 {
		return domain.SettlementRecord{}, domain.Invalid("amounts must not be negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetSettlement(ctx, tx, opts.ID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	before := rec.Amount
	rec.BaseAmount = opts.BaseAmount
	rec.BonusAmount = opts.BonusAmount
	rec.Amount = opts.BaseAmount + opts.BonusAmount
	rec.UpdatedAt = e.stamp()
	if err := e.rewriteAmounts(ctx, tx, rec); err != nil {
		return domain.SettlementRecord{}, err
	}
	if err := e.appendEvent(ctx, tx, events.SettlementUpdated, "settlement", rec.ID, opts.ActorID, events.EventPayload{
		"from": before, "to": rec.Amount, "reason": opts.Reason,
	}); err != nil {
		return domain.SettlementRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SettlementRecord{}, err
	}
	return rec, nil
}

// RecordMetrics stores the latest views and conversions reported for a version.
func (e Engine) RecordMetrics(ctx context.Context, versionID string, views, conversions int64, actorID string) (domain.PerformanceSnapshot, error) {
	if views < 0 || conversions < 0 {
		return domain.PerformanceSnapshot{}, domain.Invalid("views and conversions must not be negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetVersion(ctx, tx, versionID); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	m := domain.PerformanceSnapshot{VersionID: versionID, Views: views, Conversions: conversions, RecordedAt: e.stamp()}
	if err := e.Repo.UpsertMetrics(ctx, tx, m); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	if err := e.appendEvent(ctx, tx, events.MetricsRecorded, "version", versionID, actorID, events.EventPayload{
		"views": views, "conversions": conversions,
	}); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	if inv, ok := e.Metrics.(metrics.Invalidator); ok {
		inv.Invalidate(versionID)
	}
	return m, nil
}

// FlagSpecialBonus marks a producer for a flat bonus in a quarter. Flagging twice is a no-op.
func (e Engine) FlagSpecialBonus(ctx context.Context, producerID string, q settlement.Quarter, flag domain.SpecialBonus, actorID string) (domain.SpecialBonusFlag, error) {
	if strings.TrimSpace(producerID) == "" {
		return domain.SpecialBonusFlag{}, domain.Invalid("producer is required")
	}
	if _, ok := e.Rules.Special[string(flag)]; !ok {
		return domain.SpecialBonusFlag{}, domain.Invalid("unknown special bonus %q", flag)
	}
	f := domain.SpecialBonusFlag{ProducerID: producerID, Quarter: q.String(), Flag: flag, FlaggedBy: actorID, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpecialBonusFlag{}, err
	}
	defer tx.Rollback()
	added, err := e.Repo.InsertBonusFlag(ctx, tx, f)
	if err != nil {
		return domain.SpecialBonusFlag{}, err
	}
	if added {
		if err := e.appendEvent(ctx, tx, events.BonusFlagged, "producer", producerID, actorID, events.EventPayload{
			"quarter": f.Quarter, "flag": f.Flag,
		}); err != nil {
			return domain.SpecialBonusFlag{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.SpecialBonusFlag{}, err
	}
	return f, nil
}

func (e Engine) ListBonusFlags(ctx context.Context, producerID string, q settlement.Quarter) ([]domain.SpecialBonusFlag, error) {
	return e.Repo.ListBonusFlags(ctx, nil, producerID, q.String())
}

func (e Engine) GetSettlement(ctx context.Context, id string) (domain.SettlementRecord, error) {
	return e.Repo.GetSettlement(ctx, nil, id)
}

func (e Engine) ListSettlements(ctx context.Context, f repo.SettlementFilter) ([]domain.SettlementRecord, error) {
	return e.Repo.ListSettlements(ctx, nil, f)
}

func (e Engine) SettlementSummary(ctx context.Context, f repo.SettlementFilter) (domain.SettlementSummary, error) {
	return e.Repo.SummarizeSettlements(ctx, f)
}
