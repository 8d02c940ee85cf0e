// Package settlement holds the payout rules: when primary settlements are due and
// how the quarterly secondary settlement is computed. Nothing here touches storage.
package settlement

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Tier pays Bonus once the measured value reaches Threshold.
type Tier struct {
	Threshold decimal.Decimal
	Bonus     int64
}

type Rules struct {
	BaseRate        decimal.Decimal
	ViewTiers       []Tier
	ConversionTiers []Tier
	// Special maps a special bonus flag to its flat amount.
	Special map[string]int64
}

// Input is everything the secondary computation needs for one producer and quarter.
type Input struct {
	PrimaryAmounts []int64
	Views          int64
	Conversions    int64
	Flags          []string
}

type Breakdown struct {
	VersionCount    int              `json:"version_count"`
	PrimaryTotal    int64            `json:"primary_total"`
	BaseRate        string           `json:"base_rate"`
	Base            int64            `json:"base"`
	Views           int64            `json:"views"`
	Conversions     int64            `json:"conversions"`
	ConversionRate  string           `json:"conversion_rate"`
	ViewBonus       int64            `json:"view_bonus"`
	ConversionBonus int64            `json:"conversion_bonus"`
	SpecialBonuses  map[string]int64 `json:"special_bonuses,omitempty"`
	Bonus           int64            `json:"bonus"`
	Total           int64            `json:"total"`
}

// Compute applies the base rate and the bonus ladders. Each ladder pays its highest
// reached tier only; the ladders and special bonuses add up.
func Compute(in Input, rules Rules) Breakdown {
	var primary int64
	for _, a := range in.PrimaryAmounts {
		primary += a
	}
	base := decimal.NewFromInt(primary).Mul(rules.BaseRate).Round(0).IntPart()

	rate := ConversionRate(in.Views, in.Conversions)
	b := Breakdown{
		VersionCount:    len(in.PrimaryAmounts),
		PrimaryTotal:    primary,
		BaseRate:        rules.BaseRate.String(),
		Base:            base,
		Views:           in.Views,
		Conversions:     in.Conversions,
		ConversionRate:  rate.StringFixed(4),
		ViewBonus:       HighestTier(decimal.NewFromInt(in.Views), rules.ViewTiers),
		ConversionBonus: HighestTier(rate, rules.ConversionTiers),
	}
	b.Bonus = b.ViewBonus + b.ConversionBonus

	flags := append([]string(nil), in.Flags...)
	sort.Strings(flags)
	for _, f := range flags {
		amount, ok := rules.Special[f]
		if !ok {
			continue
		}
		if b.SpecialBonuses == nil {
			b.SpecialBonuses = map[string]int64{}
		}
		if _, dup := b.SpecialBonuses[f]; dup {
			continue
		}
		b.SpecialBonuses[f] = amount
		b.Bonus += amount
	}
	b.Total = b.Base + b.Bonus
	return b
}

// ConversionRate is conversions/views, zero when there were no views.
func ConversionRate(views, conversions int64) decimal.Decimal {
	if views <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(conversions).DivRound(decimal.NewFromInt(views), 8)
}

// HighestTier returns the bonus of the highest threshold value reaches, or zero.
func HighestTier(value decimal.Decimal, tiers []Tier) int64 {
	var (
		best  decimal.Decimal
		bonus int64
		found bool
	)
	for _, t := range tiers {
		if value.LessThan(t.Threshold) {
			continue
		}
		if !found || t.Threshold.GreaterThan(best) {
			best, bonus, found = t.Threshold, t.Bonus, true
		}
	}
	return bonus
}
