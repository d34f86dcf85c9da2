/*
rules.go - Business parameters for points, tiers, bonuses and rates

PURPOSE:
  Every literal the engine needs (points per reason, tier thresholds,
  bonus tables, adjustment bands, cooldowns) lives in one Rules value that
  is passed to the components. DefaultRules holds the production defaults;
  factory.ParseRules overlays a YAML document on top of them.

INVARIANTS (checked by Validate):
  - Tier thresholds are non-decreasing from silver to elite.
  - Rate increase percentages are non-decreasing with tier rank.
  - Milestone tables are strictly ascending with non-negative amounts.
  - Custom adjustment band is ordered and contains zero.
  - Cooldown and base-rate bounds are positive.
*/
package rewards

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// =============================================================================
// RULE TYPES
// =============================================================================

type Rules struct {
	PointsPerReason     map[PointsReason]int64
	Tiers               map[Tier]TierRule
	RetentionMilestones []Milestone // threshold = months retained
	SessionMilestones   []Milestone // threshold = completed sessions
	ReviewBonus         ReviewBonusRule
	ReferralBonus       ReferralBonusRule
	Rates               RateRules
}

// TierRule holds the all-required thresholds for entering a tier and what
// the tier pays. Standard has zero thresholds.
type TierRule struct {
	MinSessions         int
	MinRating           decimal.Decimal
	MinRetention        decimal.Decimal
	RateIncreasePercent decimal.Decimal
	Benefits            []string
}

// Milestone is one row of a bonus table.
type Milestone struct {
	Threshold int
	Amount    decimal.Decimal
}

type ReviewBonusRule struct {
	MinRating decimal.Decimal
	Amount    decimal.Decimal
}

type ReferralBonusRule struct {
	MinSessions int
	Amount      decimal.Decimal
}

type RateRules struct {
	MinCustomPercent   decimal.Decimal
	MaxCustomPercent   decimal.Decimal
	CustomCooldown     time.Duration
	MaxBaseRateFactor  decimal.Decimal // new base within [prev/f, prev*f]
	MaxBaseRate        decimal.Decimal
	BenchmarkMedians   map[Tier]decimal.Decimal
	MinBenchmarkSample int
}

// =============================================================================
// DEFAULTS
// =============================================================================

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func DefaultRules() Rules {
	return Rules{
		PointsPerReason: map[PointsReason]int64{
			ReasonSessionCompleted:  120,
			ReasonFiveStarReview:    50,
			ReasonStudentRetained:   200,
			ReasonReferralConverted: 150,
			ReasonProfileCompleted:  25,
			ReasonStreakWeek:        40,
		},
		Tiers: map[Tier]TierRule{
			TierStandard: {
				Benefits: []string{
					"Access to the tutor dashboard",
					"Standard student matching",
				},
			},
			TierSilver: {
				MinSessions: 50, MinRating: d("4.5"), MinRetention: d("80"),
				RateIncreasePercent: d("5"),
				Benefits: []string{
					"5% hourly rate increase",
					"Priority student matching",
					"Silver profile badge",
				},
			},
			TierGold: {
				MinSessions: 150, MinRating: d("4.7"), MinRetention: d("85"),
				RateIncreasePercent: d("10"),
				Benefits: []string{
					"10% hourly rate increase",
					"Featured placement in search results",
					"Gold profile badge",
					"10% larger bonuses",
				},
			},
			TierElite: {
				MinSessions: 300, MinRating: d("4.8"), MinRetention: d("90"),
				RateIncreasePercent: d("15"),
				Benefits: []string{
					"15% hourly rate increase",
					"Top placement in search results",
					"Elite profile badge",
					"15% larger bonuses",
					"Dedicated tutor success manager",
				},
			},
		},
		RetentionMilestones: []Milestone{
			{Threshold: 3, Amount: d("25")},
			{Threshold: 6, Amount: d("50")},
			{Threshold: 12, Amount: d("100")},
		},
		SessionMilestones: []Milestone{
			{Threshold: 25, Amount: d("25")},
			{Threshold: 50, Amount: d("50")},
			{Threshold: 100, Amount: d("100")},
			{Threshold: 250, Amount: d("250")},
			{Threshold: 500, Amount: d("500")},
		},
		ReviewBonus:   ReviewBonusRule{MinRating: d("5"), Amount: d("5")},
		ReferralBonus: ReferralBonusRule{MinSessions: 5, Amount: d("50")},
		Rates: RateRules{
			MinCustomPercent:  d("-10"),
			MaxCustomPercent:  d("10"),
			CustomCooldown:    30 * 24 * time.Hour,
			MaxBaseRateFactor: d("3"),
			MaxBaseRate:       d("500"),
			BenchmarkMedians: map[Tier]decimal.Decimal{
				TierStandard: d("30"),
				TierSilver:   d("35"),
				TierGold:     d("40"),
				TierElite:    d("50"),
			},
			MinBenchmarkSample: 5,
		},
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Tier returns the rule for t; unknown tiers get the zero rule.
func (r Rules) Tier(t Tier) TierRule {
	return r.Tiers[t]
}

func (r Rules) RateIncrease(t Tier) decimal.Decimal {
	return r.Tiers[t].RateIncreasePercent
}

// highestMilestone returns the largest row whose threshold is <= value.
func highestMilestone(table []Milestone, value int) (Milestone, bool) {
	var best Milestone
	found := false
	for _, m := range table {
		if value >= m.Threshold {
			best, found = m, true
		}
	}
	return best, found
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	maxRating  = decimal.NewFromInt(5)
	maxPercent = decimal.NewFromInt(100)
)

func (r Rules) Validate() error {
	var errs []string

	for reason, pts := range r.PointsPerReason {
		if !reason.Valid() {
			errs = append(errs, fmt.Sprintf("points_per_reason: unknown reason %q", reason))
		}
		if pts < 0 {
			errs = append(errs, fmt.Sprintf("points_per_reason.%s must be >= 0", reason))
		}
	}

	var prev TierRule
	for i, t := range Tiers {
		rule, ok := r.Tiers[t]
		if !ok {
			errs = append(errs, fmt.Sprintf("tiers.%s is missing", t))
			continue
		}
		if rule.MinSessions < 0 || rule.MinRating.IsNegative() || rule.MinRating.GreaterThan(maxRating) ||
			rule.MinRetention.IsNegative() || rule.MinRetention.GreaterThan(maxPercent) {
			errs = append(errs, fmt.Sprintf("tiers.%s thresholds out of range", t))
		}
		if i > 0 {
			if rule.MinSessions < prev.MinSessions ||
				rule.MinRating.LessThan(prev.MinRating) ||
				rule.MinRetention.LessThan(prev.MinRetention) {
				errs = append(errs, fmt.Sprintf("tiers.%s thresholds must not be below %s", t, Tiers[i-1]))
			}
			if rule.RateIncreasePercent.LessThan(prev.RateIncreasePercent) {
				errs = append(errs, fmt.Sprintf("tiers.%s rate increase must not be below %s", t, Tiers[i-1]))
			}
		}
		prev = rule
	}

	errs = append(errs, validateMilestones("retention_milestones", r.RetentionMilestones)...)
	errs = append(errs, validateMilestones("session_milestones", r.SessionMilestones)...)

	if r.ReviewBonus.Amount.IsNegative() {
		errs = append(errs, "review_bonus.amount must be >= 0")
	}
	if !r.ReviewBonus.MinRating.IsPositive() || r.ReviewBonus.MinRating.GreaterThan(maxRating) {
		errs = append(errs, "review_bonus.min_rating must be in (0, 5]")
	}
	if r.ReferralBonus.Amount.IsNegative() {
		errs = append(errs, "referral_bonus.amount must be >= 0")
	}
	if r.ReferralBonus.MinSessions <= 0 {
		errs = append(errs, "referral_bonus.min_sessions must be > 0")
	}

	rates := r.Rates
	if rates.MinCustomPercent.GreaterThan(decimal.Zero) || rates.MaxCustomPercent.LessThan(decimal.Zero) {
		errs = append(errs, "rates: custom adjustment band must contain 0")
	}
	if rates.CustomCooldown <= 0 {
		errs = append(errs, "rates.custom_cooldown must be > 0")
	}
	if !rates.MaxBaseRateFactor.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "rates.max_base_rate_factor must be > 1")
	}
	if !rates.MaxBaseRate.IsPositive() {
		errs = append(errs, "rates.max_base_rate must be > 0")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return &generic.ValidationError{Field: "rules", Reason: strings.Join(errs, "; ")}
	}
	return nil
}

func validateMilestones(name string, table []Milestone) []string {
	var errs []string
	for i, m := range table {
		if m.Threshold <= 0 {
			errs = append(errs, fmt.Sprintf("%s[%d].threshold must be > 0", name, i))
		}
		if m.Amount.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s[%d].amount must be >= 0", name, i))
		}
		if i > 0 && m.Threshold <= table[i-1].Threshold {
			errs = append(errs, fmt.Sprintf("%s must be strictly ascending", name))
		}
	}
	return errs
}
