/*
tiers.go - Tier classification and promotion

PURPOSE:
  Maps a tutor's rolling stats onto standard < silver < gold < elite. Each
  tier above standard has three thresholds (sessions, rating, retention)
  and all three must hold.

PROMOTE-ONLY:
  CheckAndPromote advances the stored tier when the eligible tier is
  strictly higher and never moves it down. A tutor whose stats slip keeps
  the stored tier; demotion is an out-of-band operation.

ATOMICITY:
  The tier write is a compare-and-swap on the previously stored tier, and
  the tier_promotion rate history entry is appended in the same
  transaction. A racing promoter loses with ErrConcurrentModification and
  nothing it wrote survives.

SEE ALSO:
  - rates.go: effective rate depends on the tier via TierProvider
  - rules.go: thresholds and benefits
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// TierGap is what is still missing to reach a tier. Zero fields are met.
type TierGap struct {
	Sessions  int
	Rating    decimal.Decimal
	Retention decimal.Decimal
}

// TierProgress is the read-only classification report.
type TierProgress struct {
	TutorID TutorID
	// CurrentTier is the stored tier, or the eligible tier when that is
	// higher and has not been persisted yet.
	CurrentTier  Tier
	EligibleTier Tier
	NextTier     Tier // empty at the top tier
	Stats        TutorStats
	Remaining    *TierGap // nil at the top tier
}

// PromotionResult is returned by CheckAndPromote. PreviousTier is only set
// when Promoted is true.
type PromotionResult struct {
	Promoted     bool
	PreviousTier Tier
	NewTier      Tier
	Stats        TutorStats
}

// TierBenefits is the fixed description of a tier.
type TierBenefits struct {
	Tier                Tier
	Benefits            []string
	RateIncreasePercent decimal.Decimal
}

type TierClassifier struct {
	store Store
	stats StatsProvider
	rules Rules
	clock generic.Clock
}

func NewTierClassifier(store Store, stats StatsProvider, rules Rules, clock generic.Clock) *TierClassifier {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &TierClassifier{store: store, stats: stats, rules: rules, clock: clock}
}

// =============================================================================
// PURE CLASSIFICATION
// =============================================================================

// Classify returns the highest tier whose thresholds are all met.
func (c *TierClassifier) Classify(stats TutorStats) Tier {
	eligible := TierStandard
	for _, t := range Tiers[1:] {
		if !c.meets(stats, c.rules.Tier(t)) {
			break
		}
		eligible = t
	}
	return eligible
}

func (c *TierClassifier) meets(stats TutorStats, rule TierRule) bool {
	return stats.SessionsCompleted >= rule.MinSessions &&
		stats.AverageRating.GreaterThanOrEqual(rule.MinRating) &&
		stats.RetentionRate.GreaterThanOrEqual(rule.MinRetention)
}

func (c *TierClassifier) gap(stats TutorStats, rule TierRule) TierGap {
	g := TierGap{Rating: decimal.Zero, Retention: decimal.Zero}
	if stats.SessionsCompleted < rule.MinSessions {
		g.Sessions = rule.MinSessions - stats.SessionsCompleted
	}
	if stats.AverageRating.LessThan(rule.MinRating) {
		g.Rating = rule.MinRating.Sub(stats.AverageRating)
	}
	if stats.RetentionRate.LessThan(rule.MinRetention) {
		g.Retention = rule.MinRetention.Sub(stats.RetentionRate)
	}
	return g
}

// GetTierBenefits is a pure lookup.
func (c *TierClassifier) GetTierBenefits(tier Tier) (TierBenefits, error) {
	if !tier.Valid() {
		return TierBenefits{}, generic.Invalid("tier", "unknown tier %q", tier)
	}
	rule := c.rules.Tier(tier)
	benefits := append([]string(nil), rule.Benefits...)
	return TierBenefits{Tier: tier, Benefits: benefits, RateIncreasePercent: rule.RateIncreasePercent}, nil
}

// =============================================================================
// READS
// =============================================================================

// CurrentTier returns the stored tier; a tutor never classified is standard.
func (c *TierClassifier) CurrentTier(ctx context.Context, tutorID TutorID) (Tier, error) {
	rec, err := c.store.GetTierRecord(ctx, tutorID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return TierStandard, nil
	}
	return rec.CurrentTier, nil
}

func (c *TierClassifier) GetTierProgress(ctx context.Context, tutorID TutorID) (TierProgress, error) {
	stats, err := c.stats.TutorStats(ctx, tutorID)
	if err != nil {
		return TierProgress{}, err
	}
	stored, err := c.CurrentTier(ctx, tutorID)
	if err != nil {
		return TierProgress{}, err
	}

	eligible := c.Classify(stats)
	current := stored
	if eligible.Rank() > current.Rank() {
		current = eligible
	}
	p := TierProgress{TutorID: tutorID, CurrentTier: current, EligibleTier: eligible, Stats: stats}
	if next, ok := current.Next(); ok {
		g := c.gap(stats, c.rules.Tier(next))
		p.NextTier = next
		p.Remaining = &g
	}
	return p, nil
}

// =============================================================================
// PROMOTION
// =============================================================================

// CheckAndPromote persists the eligible tier when it is strictly higher
// than the stored one. Repeated calls with unchanged stats are no-ops.
func (c *TierClassifier) CheckAndPromote(ctx context.Context, tutorID TutorID) (PromotionResult, error) {
	if tutorID == "" {
		return PromotionResult{}, generic.Invalid("tutor_id", "required")
	}
	stats, err := c.stats.TutorStats(ctx, tutorID)
	if err != nil {
		return PromotionResult{}, err
	}
	eligible := c.Classify(stats)

	var result PromotionResult
	err = c.store.WithTx(ctx, func(s Store) error {
		rec, err := s.GetTierRecord(ctx, tutorID)
		if err != nil {
			return err
		}
		var expected Tier
		previous := TierStandard
		if rec != nil {
			expected = rec.CurrentTier
			previous = rec.CurrentTier
		}
		if eligible.Rank() <= previous.Rank() {
			result = PromotionResult{NewTier: previous, Stats: stats}
			return nil
		}

		now := c.clock.Now()
		next := TierRecord{
			TutorID:       tutorID,
			CurrentTier:   eligible,
			TotalSessions: stats.SessionsCompleted,
			AverageRating: stats.AverageRating,
			RetentionRate: stats.RetentionRate,
			UpdatedAt:     now,
		}
		if err := s.SaveTierRecord(ctx, next, expected); err != nil {
			return err
		}
		entry, err := c.promotionHistory(ctx, s, tutorID, previous, eligible)
		if err != nil {
			return err
		}
		entry.CreatedAt = now
		if err := s.AppendRateHistory(ctx, entry); err != nil {
			return err
		}
		result = PromotionResult{Promoted: true, PreviousTier: previous, NewTier: eligible, Stats: stats}
		return nil
	})
	if err != nil {
		return PromotionResult{}, err
	}
	return result, nil
}

// promotionHistory computes the effective rate before and after the tier
// change. Without a rate row both rates are zero and the metadata says so.
func (c *TierClassifier) promotionHistory(ctx context.Context, s Store, tutorID TutorID, from, to Tier) (RateHistoryEntry, error) {
	entry := RateHistoryEntry{
		ID:           generic.NewID("rh"),
		TutorID:      tutorID,
		ChangeType:   RateChangeTierPromotion,
		PreviousRate: decimal.Zero,
		NewRate:      decimal.Zero,
		Reason:       fmt.Sprintf("promoted from %s to %s", from, to),
		Metadata: map[string]string{
			"previous_tier":         string(from),
			"new_tier":              string(to),
			"previous_tier_percent": c.rules.RateIncrease(from).String(),
			"new_tier_percent":      c.rules.RateIncrease(to).String(),
		},
		CreatedBy: SystemActor().UserID,
	}
	rate, err := s.GetRate(ctx, tutorID)
	if err != nil {
		return RateHistoryEntry{}, err
	}
	if rate == nil {
		entry.Metadata["rate_configured"] = "false"
		return entry, nil
	}
	entry.PreviousRate = EffectiveRate(rate.BaseRate, c.rules.RateIncrease(from), rate.CustomAdjustmentPercent)
	entry.NewRate = EffectiveRate(rate.BaseRate, c.rules.RateIncrease(to), rate.CustomAdjustmentPercent)
	return entry, nil
}
