/*
rates.go - Rate Adjustment Service

PURPOSE:
  Maintains a tutor's hourly rate:

    effective = base × (1 + tierIncrease/100) × (1 + customAdjustment/100)

  The tier part is read from a TierProvider at read time, so a promotion
  shows up in the effective rate without rewriting the rate row.

LIMITS:
  - Base rate must be > 0, at most Rules.Rates.MaxBaseRate, and within
    [previous/f, previous×f] of the previous base rate.
  - Custom adjustment must sit inside the configured band and may change at
    most once per cooldown window (measured from the last
    custom_adjustment history entry).
  Violations are ValidationErrors and leave the row untouched.

HISTORY:
  Every mutation writes the row with a compare-and-swap on its version and
  appends a RateHistoryEntry in the same transaction.
*/
package rewards

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// TierProvider yields the tutor's current tier. TierClassifier implements it.
type TierProvider interface {
	CurrentTier(ctx context.Context, tutorID TutorID) (Tier, error)
}

// EffectiveRate applies the tier and custom percentages to base, rounded
// to cents.
func EffectiveRate(base, tierPercent, customPercent decimal.Decimal) decimal.Decimal {
	return generic.RoundCents(base.Mul(generic.Multiplier(tierPercent)).Mul(generic.Multiplier(customPercent)))
}

// RateComparison places a tutor's effective rate against the median of the
// same tier. Source is "peers" when enough tutors share the tier and
// "benchmark" when the configured median was used.
type RateComparison struct {
	TutorID           TutorID
	Tier              Tier
	EffectiveRate     decimal.Decimal
	BenchmarkRate     decimal.Decimal
	DifferencePercent decimal.Decimal
	Source            string
	SampleSize        int
}

type RateService struct {
	store Store
	tiers TierProvider
	rules Rules
	clock generic.Clock
}

func NewRateService(store Store, tiers TierProvider, rules Rules, clock generic.Clock) *RateService {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &RateService{store: store, tiers: tiers, rules: rules, clock: clock}
}

// =============================================================================
// READS
// =============================================================================

// GetCurrentRate returns the stored row with tier and effective rate
// recomputed from the current tier.
func (s *RateService) GetCurrentRate(ctx context.Context, tutorID TutorID) (TutorRate, error) {
	row, err := s.store.GetRate(ctx, tutorID)
	if err != nil {
		return TutorRate{}, err
	}
	if row == nil {
		return TutorRate{}, generic.NotFound("rate", string(tutorID))
	}
	tier, err := s.tiers.CurrentTier(ctx, tutorID)
	if err != nil {
		return TutorRate{}, err
	}
	return s.derive(*row, tier), nil
}

func (s *RateService) derive(r TutorRate, tier Tier) TutorRate {
	r.Tier = tier
	r.TierIncreasePercent = s.rules.RateIncrease(tier)
	r.EffectiveRate = EffectiveRate(r.BaseRate, r.TierIncreasePercent, r.CustomAdjustmentPercent)
	return r
}

// GetRateHistory returns every rate change, newest first.
func (s *RateService) GetRateHistory(ctx context.Context, tutorID TutorID) ([]RateHistoryEntry, error) {
	return s.store.LoadRateHistory(ctx, tutorID)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// UpdateBaseRate sets a new base rate, creating the row on first use.
func (s *RateService) UpdateBaseRate(ctx context.Context, actor Actor, tutorID TutorID, newBase decimal.Decimal, reason string) (TutorRate, error) {
	if err := actor.requireSelfOrAdmin(tutorID, "update base rate"); err != nil {
		return TutorRate{}, err
	}
	if tutorID == "" {
		return TutorRate{}, generic.Invalid("tutor_id", "required")
	}
	if !newBase.IsPositive() {
		return TutorRate{}, generic.Invalid("base_rate", "must be greater than 0, got %s", newBase)
	}
	if newBase.GreaterThan(s.rules.Rates.MaxBaseRate) {
		return TutorRate{}, generic.Invalid("base_rate", "must not exceed %s, got %s", s.rules.Rates.MaxBaseRate, newBase)
	}
	// Read the tier before opening the transaction; the provider does not
	// go through it.
	tier, err := s.tiers.CurrentTier(ctx, tutorID)
	if err != nil {
		return TutorRate{}, err
	}

	var saved TutorRate
	err = s.store.WithTx(ctx, func(tx Store) error {
		row, err := tx.GetRate(ctx, tutorID)
		if err != nil {
			return err
		}
		prev := TutorRate{TutorID: tutorID, BaseRate: decimal.Zero, CustomAdjustmentPercent: decimal.Zero}
		if row != nil {
			prev = *row
			f := s.rules.Rates.MaxBaseRateFactor
			lower, upper := prev.BaseRate.Div(f), prev.BaseRate.Mul(f)
			if newBase.LessThan(lower) || newBase.GreaterThan(upper) {
				return generic.Invalid("base_rate",
					"%s is outside the allowed range [%s, %s] (at most %sx the previous base rate %s)",
					newBase, generic.RoundCents(lower), generic.RoundCents(upper), f, prev.BaseRate)
			}
		}

		before := s.derive(prev, tier)
		next := prev
		next.BaseRate = newBase
		next.UpdatedAt = s.clock.Now()
		next = s.derive(next, tier)

		if err := tx.SaveRate(ctx, next, prev.Version); err != nil {
			return err
		}
		next.Version = prev.Version + 1

		entry := RateHistoryEntry{
			ID:           generic.NewID("rh"),
			TutorID:      tutorID,
			ChangeType:   RateChangeBase,
			PreviousRate: before.EffectiveRate,
			NewRate:      next.EffectiveRate,
			Reason:       reasonOr(reason, "base rate updated"),
			Metadata: map[string]string{
				"previous_base_rate": prev.BaseRate.String(),
				"new_base_rate":      newBase.String(),
				"tier":               string(tier),
			},
			CreatedBy: actor.UserID,
			CreatedAt: next.UpdatedAt,
		}
		if err := tx.AppendRateHistory(ctx, entry); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return TutorRate{}, err
	}
	return saved, nil
}

// ApplyCustomAdjustment sets the custom percentage. The tutor must already
// have a base rate.
func (s *RateService) ApplyCustomAdjustment(ctx context.Context, actor Actor, tutorID TutorID, percent decimal.Decimal, reason string) (TutorRate, error) {
	if err := actor.requireSelfOrAdmin(tutorID, "apply custom adjustment"); err != nil {
		return TutorRate{}, err
	}
	band := s.rules.Rates
	if percent.LessThan(band.MinCustomPercent) || percent.GreaterThan(band.MaxCustomPercent) {
		return TutorRate{}, generic.Invalid("custom_adjustment",
			"%s%% is outside the allowed band [%s%%, %s%%]", percent, band.MinCustomPercent, band.MaxCustomPercent)
	}
	tier, err := s.tiers.CurrentTier(ctx, tutorID)
	if err != nil {
		return TutorRate{}, err
	}

	var saved TutorRate
	err = s.store.WithTx(ctx, func(tx Store) error {
		row, err := tx.GetRate(ctx, tutorID)
		if err != nil {
			return err
		}
		if row == nil {
			return generic.NotFound("rate", string(tutorID))
		}
		now := s.clock.Now()
		if err := s.checkCooldown(ctx, tx, tutorID, now); err != nil {
			return err
		}

		prev := *row
		before := s.derive(prev, tier)
		next := prev
		next.CustomAdjustmentPercent = percent
		next.UpdatedAt = now
		next = s.derive(next, tier)

		if err := tx.SaveRate(ctx, next, prev.Version); err != nil {
			return err
		}
		next.Version = prev.Version + 1

		entry := RateHistoryEntry{
			ID:           generic.NewID("rh"),
			TutorID:      tutorID,
			ChangeType:   RateChangeCustom,
			PreviousRate: before.EffectiveRate,
			NewRate:      next.EffectiveRate,
			Reason:       reasonOr(reason, "custom adjustment applied"),
			Metadata: map[string]string{
				"previous_percent": prev.CustomAdjustmentPercent.String(),
				"new_percent":      percent.String(),
				"tier":             string(tier),
			},
			CreatedBy: actor.UserID,
			CreatedAt: now,
		}
		if err := tx.AppendRateHistory(ctx, entry); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return TutorRate{}, err
	}
	return saved, nil
}

func (s *RateService) checkCooldown(ctx context.Context, tx Store, tutorID TutorID, now time.Time) error {
	history, err := tx.LoadRateHistory(ctx, tutorID)
	if err != nil {
		return err
	}
	cooldown := s.rules.Rates.CustomCooldown
	for _, h := range history {
		if h.ChangeType != RateChangeCustom {
			continue
		}
		allowed := h.CreatedAt.Add(cooldown)
		if now.Before(allowed) {
			return generic.Invalid("custom_adjustment",
				"limit of one custom adjustment per %s reached; next change allowed after %s",
				formatWindow(cooldown), allowed.UTC().Format(time.RFC3339))
		}
		return nil
	}
	return nil
}

// =============================================================================
// COMPARISON
// =============================================================================

// GetRateComparison compares the tutor's effective rate with the median
// effective rate of other tutors in the same tier.
func (s *RateService) GetRateComparison(ctx context.Context, tutorID TutorID) (RateComparison, error) {
	rate, err := s.GetCurrentRate(ctx, tutorID)
	if err != nil {
		return RateComparison{}, err
	}
	rates, err := s.store.ListRates(ctx)
	if err != nil {
		return RateComparison{}, err
	}
	records, err := s.store.ListTierRecords(ctx)
	if err != nil {
		return RateComparison{}, err
	}
	tierOf := make(map[TutorID]Tier, len(records))
	for _, r := range records {
		tierOf[r.TutorID] = r.CurrentTier
	}

	var peers []decimal.Decimal
	for _, r := range rates {
		if r.TutorID == tutorID {
			continue
		}
		t, ok := tierOf[r.TutorID]
		if !ok {
			t = TierStandard
		}
		if t != rate.Tier {
			continue
		}
		peers = append(peers, s.derive(r, t).EffectiveRate)
	}

	cmp := RateComparison{
		TutorID:       tutorID,
		Tier:          rate.Tier,
		EffectiveRate: rate.EffectiveRate,
		SampleSize:    len(peers),
	}
	if len(peers) >= s.rules.Rates.MinBenchmarkSample && len(peers) > 0 {
		cmp.BenchmarkRate = generic.RoundCents(median(peers))
		cmp.Source = "peers"
	} else {
		cmp.BenchmarkRate = s.rules.Rates.BenchmarkMedians[rate.Tier]
		cmp.Source = "benchmark"
	}
	cmp.DifferencePercent = generic.RoundCents(
		generic.PercentOf(rate.EffectiveRate.Sub(cmp.BenchmarkRate), cmp.BenchmarkRate))
	return cmp, nil
}

func median(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func formatWindow(d time.Duration) string {
	day := 24 * time.Hour
	if d%day == 0 {
		n := int(d / day)
		if n == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", n)
	}
	return d.String()
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
