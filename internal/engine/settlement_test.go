package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
	"cutline/internal/settlement"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

// approved runs one request through claim, submit, review and approval.
func (env testEnv) approved(t *testing.T, producerID string, budget int64) engine.Approval {
	t.Helper()
	req := env.request(t, domain.ModeSingle, 1, budget)
	a := env.claim(t, req.ID, producerID)
	v := env.inReview(t, env.submit(t, a, "v1.0"))
	approval, err := env.Engine.Approve(env.Ctx, v.ID, "reviewer-1")
	require.NoError(t, err)
	return approval
}

type fakeDisburser struct {
	batches [][]domain.SettlementRecord
	err     error
}

func (d *fakeDisburser) Disburse(_ context.Context, _ string, records []domain.SettlementRecord) error {
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, records)
	return nil
}

func TestPrimaryBatchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	approval := env.approved(t, "producer-a", 150000)
	seoul := env.Engine.Loc

	early, err := env.Engine.RunPrimaryBatch(env.Ctx, time.Date(2025, 10, 31, 12, 0, 0, 0, seoul), "scheduler")
	require.NoError(t, err)
	assert.Zero(t, early.Processing)
	assert.Empty(t, early.Records)

	due := time.Date(2025, 11, 1, 9, 0, 0, 0, seoul)
	first, err := env.Engine.RunPrimaryBatch(env.Ctx, due, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Processing)
	assert.Equal(t, "2025-11-01", first.DueBy)
	require.Len(t, first.Records, 1)
	assert.Equal(t, domain.SettlementProcessing, first.Records[0].Status)
	require.NotNil(t, first.Records[0].BatchID)
	assert.Equal(t, first.BatchID, *first.Records[0].BatchID)

	second, err := env.Engine.RunPrimaryBatch(env.Ctx, due, "scheduler")
	require.NoError(t, err)
	assert.Zero(t, second.Processing)
	require.Len(t, second.Records, 1)
	assert.Equal(t, first.BatchID, *second.Records[0].BatchID, "re-running does not re-batch")

	done, err := env.Engine.CompleteSettlements(env.Ctx, []string{approval.Settlement.ID}, "finance")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, domain.SettlementCompleted, done[0].Status)
	assert.Equal(t, int64(150000), done[0].Amount)

	again, err := env.Engine.CompleteSettlements(env.Ctx, []string{approval.Settlement.ID}, "finance")
	require.NoError(t, err)
	assert.Equal(t, done[0].CompletedAt, again[0].CompletedAt)

	summary, err := env.Engine.SettlementSummary(env.Ctx, repo.SettlementFilter{ProducerID: "producer-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CompletedCount)
	assert.Equal(t, int64(150000), summary.CompletedAmount)
	assert.Zero(t, summary.PendingCount)
}

func TestCompleteRefusesPendingRecords(t *testing.T) {
	env := newTestEnv(t)
	approval := env.approved(t, "producer-a", 1000)

	_, err := env.Engine.CompleteSettlements(env.Ctx, []string{approval.Settlement.ID}, "finance")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.CompleteSettlements(env.Ctx, nil, "finance")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPrimaryBatchWithPayout(t *testing.T) {
	env := newTestEnv(t)
	env.approved(t, "producer-a", 1000)
	env.approved(t, "producer-b", 2000)
	due := time.Date(2025, 11, 1, 0, 0, 0, 0, env.Engine.Loc)

	failing := &fakeDisburser{err: errors.New("rail down")}
	env.Engine.Payout = failing
	_, err := env.Engine.RunPrimaryBatch(env.Ctx, due, "scheduler")
	require.Error(t, err)
	stuck, err := env.Engine.ListSettlements(env.Ctx, repo.SettlementFilter{Status: string(domain.SettlementProcessing)})
	require.NoError(t, err)
	assert.Len(t, stuck, 2, "a failed payout leaves records PROCESSING")

	rail := &fakeDisburser{}
	env.Engine.Payout = rail
	res, err := env.Engine.RunPrimaryBatch(env.Ctx, due, "scheduler")
	require.NoError(t, err)
	assert.Zero(t, res.Processing)
	assert.Equal(t, int64(2), res.Completed)
	require.Len(t, rail.batches, 1)
	assert.Len(t, rail.batches[0], 2)
	for _, r := range res.Records {
		assert.Equal(t, domain.SettlementCompleted, r.Status)
	}

	res, err = env.Engine.RunPrimaryBatch(env.Ctx, due, "scheduler")
	require.NoError(t, err)
	assert.Zero(t, res.Completed)
	assert.Len(t, rail.batches, 1, "nothing left to pay")
}

func TestSecondaryBatchScenario(t *testing.T) {
	env := newTestEnv(t)
	first := env.approved(t, "producer-a", 150000)
	env.Clock.Set(mustTime(t, "2025-11-20T02:00:00Z"))
	second := env.approved(t, "producer-a", 200000)

	_, err := env.Engine.RecordMetrics(env.Ctx, first.Version.ID, 70000, 5000, "analytics")
	require.NoError(t, err)
	_, err = env.Engine.RecordMetrics(env.Ctx, second.Version.ID, 50000, 4000, "analytics")
	require.NoError(t, err)

	q := settlement.Quarter{Year: 2025, Number: 4}
	res, err := env.Engine.RunSecondaryBatch(env.Ctx, q, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, "2025-Q4", res.Quarter)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, domain.SettlementSecondary, rec.Kind)
	assert.Equal(t, "2025-Q4", rec.SourceRef)
	assert.Equal(t, int64(280000), rec.BaseAmount)
	assert.Equal(t, int64(80000), rec.BonusAmount)
	assert.Equal(t, int64(360000), rec.Amount)
	assert.Equal(t, "2025-12-31", rec.ScheduledFor)

	var b settlement.Breakdown
	require.NoError(t, json.Unmarshal([]byte(rec.Breakdown), &b))
	assert.Equal(t, int64(120000), b.Views)
	assert.Equal(t, int64(9000), b.Conversions)
	assert.Equal(t, int64(50000), b.ViewBonus)
	assert.Equal(t, int64(30000), b.ConversionBonus)
	assert.Equal(t, 2, b.VersionCount)
}

func TestSecondaryBatchRecomputesPendingOnly(t *testing.T) {
	env := newTestEnv(t)
	approval := env.approved(t, "producer-a", 100000)
	q := settlement.Quarter{Year: 2025, Number: 4}

	res, err := env.Engine.RunSecondaryBatch(env.Ctx, q, "scheduler")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	id := res.Records[0].ID
	assert.Equal(t, int64(80000), res.Records[0].Amount)

	_, err = env.Engine.FlagSpecialBonus(env.Ctx, "producer-a", q, domain.BonusQuarterMVP, "ops-1")
	require.NoError(t, err)
	_, err = env.Engine.FlagSpecialBonus(env.Ctx, "producer-a", q, domain.BonusQuarterMVP, "ops-1")
	require.NoError(t, err, "flagging twice is harmless")
	_, err = env.Engine.RecordMetrics(env.Ctx, approval.Version.ID, 10000, 0, "analytics")
	require.NoError(t, err)

	res, err = env.Engine.RunSecondaryBatch(env.Ctx, q, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recomputed)
	require.Len(t, res.Records, 1)
	assert.Equal(t, id, res.Records[0].ID, "recomputed in place")
	assert.Equal(t, int64(80000+10000+100000), res.Records[0].Amount)

	disbursed, err := env.Engine.DisburseSecondary(env.Ctx, q.LastDay(env.Engine.Loc), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, int64(1), disbursed.Processing)

	_, err = env.Engine.RecordMetrics(env.Ctx, approval.Version.ID, 500000, 100000, "analytics")
	require.NoError(t, err)
	res, err = env.Engine.RunSecondaryBatch(env.Ctx, q, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, int64(190000), res.Records[0].Amount, "PROCESSING amounts are frozen")
	assert.Equal(t, domain.SettlementProcessing, res.Records[0].Status)

	all, err := env.Engine.ListSettlements(env.Ctx, repo.SettlementFilter{Kind: string(domain.SettlementSecondary)})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSecondaryBatchIgnoresOtherQuarters(t *testing.T) {
	env := newTestEnv(t)
	env.approved(t, "producer-a", 100000)

	res, err := env.Engine.RunSecondaryBatch(env.Ctx, settlement.Quarter{Year: 2025, Number: 3}, "scheduler")
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestAdjustSettlement(t *testing.T) {
	env := newTestEnv(t)
	approval := env.approved(t, "producer-a", 100000)
	id := approval.Settlement.ID

	_, err := env.Engine.AdjustSettlement(env.Ctx, engine.AdjustOptions{ID: id, BaseAmount: 90000, ActorID: "finance"})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)

	adjusted, err := env.Engine.AdjustSettlement(env.Ctx, engine.AdjustOptions{ID: id, BaseAmount: 90000, BonusAmount: 5000, Reason: "scope cut", ActorID: "finance"})
	require.NoError(t, err)
	assert.Equal(t, int64(95000), adjusted.Amount)

	_, err = env.Engine.RunPrimaryBatch(env.Ctx, time.Date(2025, 11, 1, 0, 0, 0, 0, env.Engine.Loc), "scheduler")
	require.NoError(t, err)

	_, err = env.Engine.AdjustSettlement(env.Ctx, engine.AdjustOptions{ID: id, BaseAmount: 1, Reason: "oops", ActorID: "finance"})
	assert.ErrorIs(t, err, domain.ErrSettlementImmutable)

	got, err := env.Engine.GetSettlement(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(95000), got.Amount)
}

func TestFlagSpecialBonusValidation(t *testing.T) {
	env := newTestEnv(t)
	q := settlement.Quarter{Year: 2025, Number: 4}

	_, err := env.Engine.FlagSpecialBonus(env.Ctx, "producer-a", q, "best_dressed", "ops-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.Engine.FlagSpecialBonus(env.Ctx, "", q, domain.BonusMostNewClients, "ops-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.Engine.FlagSpecialBonus(env.Ctx, "producer-a", q, domain.BonusMostNewClients, "ops-1")
	require.NoError(t, err)
	flags, err := env.Engine.ListBonusFlags(env.Ctx, "producer-a", q)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, domain.BonusMostNewClients, flags[0].Flag)
}

func TestRecordMetricsValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordMetrics(env.Ctx, "missing", 1, 0, "analytics")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.RecordMetrics(env.Ctx, "missing", -1, 0, "analytics")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
