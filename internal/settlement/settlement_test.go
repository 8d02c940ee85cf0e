package settlement_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/domain"
	"cutline/internal/settlement"
)

func defaultRules() settlement.Rules {
	return settlement.Rules{
		BaseRate: decimal.RequireFromString("0.8"),
		ViewTiers: []settlement.Tier{
			{Threshold: decimal.NewFromInt(10000), Bonus: 10000},
			{Threshold: decimal.NewFromInt(100000), Bonus: 50000},
			{Threshold: decimal.NewFromInt(50000), Bonus: 30000},
		},
		ConversionTiers: []settlement.Tier{
			{Threshold: decimal.RequireFromString("0.08"), Bonus: 50000},
			{Threshold: decimal.RequireFromString("0.05"), Bonus: 30000},
			{Threshold: decimal.RequireFromString("0.03"), Bonus: 15000},
		},
		Special: map[string]int64{"quarter_mvp": 100000, "most_new_clients": 50000},
	}
}

func TestComputeQuarterlyExample(t *testing.T) {
	b := settlement.Compute(settlement.Input{
		PrimaryAmounts: []int64{150000, 200000},
		Views:          120000,
		Conversions:    9000,
	}, defaultRules())

	assert.Equal(t, int64(280000), b.Base)
	assert.Equal(t, int64(50000), b.ViewBonus)
	assert.Equal(t, int64(30000), b.ConversionBonus)
	assert.Equal(t, int64(80000), b.Bonus)
	assert.Equal(t, int64(360000), b.Total)
	assert.Equal(t, 2, b.VersionCount)
	assert.Equal(t, "0.0750", b.ConversionRate)
}

func TestViewLadderPaysHighestTierOnly(t *testing.T) {
	cases := []struct {
		views int64
		want  int64
	}{
		{0, 0},
		{9999, 0},
		{10000, 10000},
		{49999, 10000},
		{50000, 30000},
		{99999, 30000},
		{100000, 50000},
		{120000, 50000},
		{5000000, 50000},
	}
	for _, tc := range cases {
		got := settlement.HighestTier(decimal.NewFromInt(tc.views), defaultRules().ViewTiers)
		assert.Equalf(t, tc.want, got, "views=%d", tc.views)
	}
}

func TestConversionLadder(t *testing.T) {
	rules := defaultRules()
	cases := []struct {
		views, conversions int64
		want               int64
	}{
		{0, 10, 0},
		{1000, 29, 0},
		{1000, 30, 15000},
		{1000, 49, 15000},
		{1000, 50, 30000},
		{1000, 79, 30000},
		{1000, 80, 50000},
		{1000, 1000, 50000},
	}
	for _, tc := range cases {
		rate := settlement.ConversionRate(tc.views, tc.conversions)
		assert.Equalf(t, tc.want, settlement.HighestTier(rate, rules.ConversionTiers), "%d/%d", tc.conversions, tc.views)
	}
}

func TestSpecialBonusesAreAdditive(t *testing.T) {
	b := settlement.Compute(settlement.Input{
		PrimaryAmounts: []int64{100000},
		Flags:          []string{"quarter_mvp", "most_new_clients", "quarter_mvp", "unknown"},
	}, defaultRules())
	assert.Equal(t, int64(80000), b.Base)
	assert.Equal(t, map[string]int64{"quarter_mvp": 100000, "most_new_clients": 50000}, b.SpecialBonuses)
	assert.Equal(t, int64(150000), b.Bonus)
	assert.Equal(t, int64(230000), b.Total)
}

func TestBaseRoundsToWholeUnits(t *testing.T) {
	rules := defaultRules()
	rules.BaseRate = decimal.RequireFromString("0.333")
	b := settlement.Compute(settlement.Input{PrimaryAmounts: []int64{1000, 501}}, rules)
	// 1501 * 0.333 = 499.833
	assert.Equal(t, int64(500), b.Base)
}

func TestNextMonthStart(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	got := settlement.NextMonthStart(time.Date(2025, 12, 15, 10, 0, 0, 0, time.UTC), seoul)
	assert.Equal(t, "2026-01-01", got.Format(settlement.DateLayout))

	// 2025-01-31T20:00Z is already February in Seoul.
	got = settlement.NextMonthStart(time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC), seoul)
	assert.Equal(t, "2025-03-01", got.Format(settlement.DateLayout))

	got = settlement.NextMonthStart(time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC), nil)
	assert.Equal(t, "2025-02-01", got.Format(settlement.DateLayout))
}

func TestQuarterParsingAndBounds(t *testing.T) {
	q, err := settlement.ParseQuarter("2025-q4")
	require.NoError(t, err)
	assert.Equal(t, settlement.Quarter{Year: 2025, Number: 4}, q)
	assert.Equal(t, "2025-Q4", q.String())
	assert.Equal(t, "2025-10-01", q.Start(time.UTC).Format(settlement.DateLayout))
	assert.Equal(t, "2026-01-01", q.End(time.UTC).Format(settlement.DateLayout))
	assert.Equal(t, "2025-12-31", q.LastDay(time.UTC).Format(settlement.DateLayout))
	assert.Equal(t, settlement.Quarter{Year: 2024, Number: 4}, settlement.Quarter{Year: 2025, Number: 1}.Previous())
	assert.Equal(t, settlement.Quarter{Year: 2025, Number: 2}, settlement.QuarterOf(time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), time.UTC))

	for _, bad := range []string{"", "2025", "2025-Q5", "2025-Q0", "25-Q1", "2025Q1"} {
		_, err := settlement.ParseQuarter(bad)
		assert.ErrorIsf(t, err, domain.ErrInvalidQuarter, "input %q", bad)
	}
}
