/*
bonus.go - Bonus Calculator and bonus lifecycle

PURPOSE:
  Computes monetary bonuses for four triggers and manages the approval
  lifecycle of recorded bonuses.

  Trigger     Reference            Discriminator   Amount
  ---------   ------------------   -------------   ---------------------------
  retention   student id           months_<n>      highest crossed month row
  milestone   tutor id             sessions_<n>    highest crossed session row
  review      review id            review          flat, rating >= minimum
  referral    referred student id  referral        flat, sessions >= minimum

  Every amount is multiplied by the tier multiplier (the same percentage
  used for rate increases) and rounded to cents.

CALCULATE vs RECORD:
  Calculate* never writes. The caller records only when the amount is
  positive and IsDuplicate is false. The duplicate check reads persisted
  rows; the unique index on BonusKey is the final arbiter, so a lost race
  surfaces from RecordBonus as generic.ErrDuplicateIdempotencyKey.

LIFECYCLE:
  pending -> approved -> paid
  pending | approved -> cancelled
  Paid and cancelled are terminal. Every mutation, creation included,
  appends a BonusAuditLogEntry in the same transaction as the row write,
  and status writes are compare-and-swap on the previous status.
*/
package rewards

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// BonusParams carries the trigger-specific inputs of Calculate. Only the
// fields of the requested type are read.
type BonusParams struct {
	StudentID         string
	MonthsRetained    int
	CompletedSessions int
	ReviewID          string
	Rating            decimal.Decimal
	ReferredStudentID string
	SessionsCompleted int
}

// BonusCalculation is the result of a Calculate* call. Nothing is persisted.
type BonusCalculation struct {
	TutorID       TutorID
	Type          BonusType
	Amount        decimal.Decimal
	BaseAmount    decimal.Decimal
	Tier          Tier
	ReferenceID   string
	ReferenceType string
	Milestone     string
	Metadata      map[string]string
	IsDuplicate   bool
}

// Payable reports whether the caller should record this calculation.
func (c BonusCalculation) Payable() bool {
	return c.Amount.IsPositive() && !c.IsDuplicate
}

func (c BonusCalculation) Key() BonusKey {
	return BonusKey{TutorID: c.TutorID, Type: c.Type, ReferenceID: c.ReferenceID, Milestone: c.Milestone}
}

// BonusPatch is a partial update. Nil fields are left unchanged; Metadata
// keys are merged into the existing metadata.
type BonusPatch struct {
	Status   *BonusStatus
	Amount   *decimal.Decimal
	Metadata map[string]string
}

// BonusSummary aggregates a tutor's bonuses by status. Total is what has
// been or will be paid: pending + approved + paid.
type BonusSummary struct {
	TutorID   TutorID
	Pending   decimal.Decimal
	Approved  decimal.Decimal
	Paid      decimal.Decimal
	Cancelled decimal.Decimal
	Total     decimal.Decimal
	Count     int
	Recent    []Bonus
}

const recentBonusLimit = 10

type BonusCalculator struct {
	store Store
	tiers TierProvider
	rules Rules
	clock generic.Clock
}

func NewBonusCalculator(store Store, tiers TierProvider, rules Rules, clock generic.Clock) *BonusCalculator {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &BonusCalculator{store: store, tiers: tiers, rules: rules, clock: clock}
}

// =============================================================================
// CALCULATION - Pure with respect to persisted state
// =============================================================================

// Calculate dispatches on bonus type.
func (c *BonusCalculator) Calculate(ctx context.Context, tutorID TutorID, bonusType BonusType, p BonusParams) (BonusCalculation, error) {
	switch bonusType {
	case BonusRetention:
		return c.CalculateRetentionBonus(ctx, tutorID, p.StudentID, p.MonthsRetained)
	case BonusMilestone:
		return c.CalculateMilestoneBonus(ctx, tutorID, p.CompletedSessions)
	case BonusReview:
		return c.CalculateReviewBonus(ctx, tutorID, p.ReviewID, p.Rating)
	case BonusReferral:
		return c.CalculateReferralBonus(ctx, tutorID, p.ReferredStudentID, p.SessionsCompleted)
	}
	return BonusCalculation{}, generic.Invalid("type", "unknown bonus type %q", bonusType)
}

func (c *BonusCalculator) CalculateRetentionBonus(ctx context.Context, tutorID TutorID, studentID string, monthsRetained int) (BonusCalculation, error) {
	if err := requireIDs(tutorID, "student_id", studentID); err != nil {
		return BonusCalculation{}, err
	}
	if monthsRetained < 0 {
		return BonusCalculation{}, generic.Invalid("months_retained", "must be >= 0, got %d", monthsRetained)
	}
	calc := BonusCalculation{
		TutorID:       tutorID,
		Type:          BonusRetention,
		ReferenceID:   studentID,
		ReferenceType: "student",
		Metadata:      map[string]string{"months_retained": strconv.Itoa(monthsRetained)},
	}
	m, ok := highestMilestone(c.rules.RetentionMilestones, monthsRetained)
	if !ok {
		return zeroAmount(calc), nil
	}
	calc.Milestone = fmt.Sprintf("months_%d", m.Threshold)
	calc.Metadata["milestone_months"] = strconv.Itoa(m.Threshold)
	return c.finalize(ctx, calc, m.Amount)
}

func (c *BonusCalculator) CalculateMilestoneBonus(ctx context.Context, tutorID TutorID, completedSessions int) (BonusCalculation, error) {
	if tutorID == "" {
		return BonusCalculation{}, generic.Invalid("tutor_id", "required")
	}
	if completedSessions < 0 {
		return BonusCalculation{}, generic.Invalid("completed_sessions", "must be >= 0, got %d", completedSessions)
	}
	calc := BonusCalculation{
		TutorID:       tutorID,
		Type:          BonusMilestone,
		ReferenceID:   string(tutorID),
		ReferenceType: "tutor",
		Metadata:      map[string]string{"completed_sessions": strconv.Itoa(completedSessions)},
	}
	m, ok := highestMilestone(c.rules.SessionMilestones, completedSessions)
	if !ok {
		return zeroAmount(calc), nil
	}
	calc.Milestone = fmt.Sprintf("sessions_%d", m.Threshold)
	calc.Metadata["milestone_sessions"] = strconv.Itoa(m.Threshold)
	return c.finalize(ctx, calc, m.Amount)
}

func (c *BonusCalculator) CalculateReviewBonus(ctx context.Context, tutorID TutorID, reviewID string, rating decimal.Decimal) (BonusCalculation, error) {
	if err := requireIDs(tutorID, "review_id", reviewID); err != nil {
		return BonusCalculation{}, err
	}
	if rating.IsNegative() || rating.GreaterThan(decimal.NewFromInt(5)) {
		return BonusCalculation{}, generic.Invalid("rating", "must be between 0 and 5, got %s", rating)
	}
	calc := BonusCalculation{
		TutorID:       tutorID,
		Type:          BonusReview,
		ReferenceID:   reviewID,
		ReferenceType: "review",
		Milestone:     "review",
		Metadata:      map[string]string{"rating": rating.String()},
	}
	if rating.LessThan(c.rules.ReviewBonus.MinRating) {
		return zeroAmount(calc), nil
	}
	return c.finalize(ctx, calc, c.rules.ReviewBonus.Amount)
}

func (c *BonusCalculator) CalculateReferralBonus(ctx context.Context, tutorID TutorID, referredStudentID string, sessionsCompleted int) (BonusCalculation, error) {
	if err := requireIDs(tutorID, "referred_student_id", referredStudentID); err != nil {
		return BonusCalculation{}, err
	}
	if sessionsCompleted < 0 {
		return BonusCalculation{}, generic.Invalid("sessions_completed", "must be >= 0, got %d", sessionsCompleted)
	}
	calc := BonusCalculation{
		TutorID:       tutorID,
		Type:          BonusReferral,
		ReferenceID:   referredStudentID,
		ReferenceType: "student",
		Milestone:     "referral",
		Metadata:      map[string]string{"sessions_completed": strconv.Itoa(sessionsCompleted)},
	}
	if sessionsCompleted < c.rules.ReferralBonus.MinSessions {
		return zeroAmount(calc), nil
	}
	return c.finalize(ctx, calc, c.rules.ReferralBonus.Amount)
}

// ApplyTierMultiplier returns base × (1 + tierIncrease/100), unrounded.
func (c *BonusCalculator) ApplyTierMultiplier(base decimal.Decimal, tier Tier) decimal.Decimal {
	return generic.ApplyPercent(base, c.rules.RateIncrease(tier))
}

// finalize applies the tier multiplier and checks persisted rows for the
// same idempotency key.
func (c *BonusCalculator) finalize(ctx context.Context, calc BonusCalculation, base decimal.Decimal) (BonusCalculation, error) {
	tier, err := c.tiers.CurrentTier(ctx, calc.TutorID)
	if err != nil {
		return BonusCalculation{}, err
	}
	calc.Tier = tier
	calc.BaseAmount = base
	calc.Amount = generic.RoundCents(c.ApplyTierMultiplier(base, tier))
	calc.Metadata["base_amount"] = base.StringFixed(generic.CentsPlaces)
	calc.Metadata["tier"] = string(tier)
	calc.Metadata["tier_multiplier"] = generic.Multiplier(c.rules.RateIncrease(tier)).String()

	existing, err := c.store.FindBonus(ctx, calc.Key())
	if err != nil {
		return BonusCalculation{}, err
	}
	calc.IsDuplicate = existing != nil
	return calc, nil
}

func zeroAmount(calc BonusCalculation) BonusCalculation {
	calc.Amount = decimal.Zero
	calc.BaseAmount = decimal.Zero
	return calc
}

func requireIDs(tutorID TutorID, refField, ref string) error {
	if tutorID == "" {
		return generic.Invalid("tutor_id", "required")
	}
	if ref == "" {
		return generic.Invalid(refField, "required")
	}
	return nil
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordBonus persists calc as a pending bonus together with its "created"
// audit entry. A concurrent writer that got there first yields
// generic.ErrDuplicateIdempotencyKey.
func (c *BonusCalculator) RecordBonus(ctx context.Context, calc BonusCalculation) (Bonus, error) {
	if !calc.Amount.IsPositive() {
		return Bonus{}, generic.Invalid("amount", "must be greater than 0, got %s", calc.Amount)
	}
	if _, err := ParseBonusType(string(calc.Type)); err != nil {
		return Bonus{}, err
	}
	now := c.clock.Now()
	b := Bonus{
		ID:            generic.NewID("bonus"),
		TutorID:       calc.TutorID,
		Type:          calc.Type,
		Amount:        calc.Amount,
		ReferenceID:   calc.ReferenceID,
		ReferenceType: calc.ReferenceType,
		Milestone:     calc.Milestone,
		Status:        BonusPending,
		Metadata:      cloneMetadata(calc.Metadata),
		CreatedAt:     now,
	}
	err := c.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertBonus(ctx, b); err != nil {
			return err
		}
		return s.AppendBonusAudit(ctx, BonusAuditLogEntry{
			ID:      generic.NewID("audit"),
			BonusID: b.ID,
			Action:  BonusActionCreated,
			Changes: map[string]string{
				"status":       string(b.Status),
				"amount":       b.Amount.StringFixed(generic.CentsPlaces),
				"type":         string(b.Type),
				"reference_id": b.ReferenceID,
				"milestone":    b.Milestone,
			},
			PerformedBy: SystemActor().UserID,
			PerformedAt: now,
		})
	})
	if err != nil {
		return Bonus{}, err
	}
	return b, nil
}

// =============================================================================
// LIFECYCLE - Privileged, audited transitions
// =============================================================================

func (c *BonusCalculator) ApproveBonus(ctx context.Context, actor Actor, bonusID string) (Bonus, error) {
	return c.transition(ctx, actor, bonusID, BonusApproved, BonusActionApproved, nil)
}

func (c *BonusCalculator) MarkBonusPaid(ctx context.Context, actor Actor, bonusID string) (Bonus, error) {
	return c.transition(ctx, actor, bonusID, BonusPaid, BonusActionPaid, nil)
}

func (c *BonusCalculator) CancelBonus(ctx context.Context, actor Actor, bonusID, reason string) (Bonus, error) {
	var extra map[string]string
	if reason != "" {
		extra = map[string]string{"reason": reason}
	}
	return c.transition(ctx, actor, bonusID, BonusCancelled, BonusActionCancelled, extra)
}

func (c *BonusCalculator) transition(ctx context.Context, actor Actor, bonusID string, to BonusStatus, action BonusAction, extra map[string]string) (Bonus, error) {
	if err := actor.requireAdmin(string(action) + " bonus"); err != nil {
		return Bonus{}, err
	}
	var out Bonus
	err := c.store.WithTx(ctx, func(s Store) error {
		b, err := c.load(ctx, s, bonusID)
		if err != nil {
			return err
		}
		prev := b.Status
		if !prev.CanTransitionTo(to) {
			return invalidTransition(b.ID, prev, to)
		}
		now := c.clock.Now()
		stampStatus(&b, to, actor, now)
		if err := s.UpdateBonus(ctx, b, prev); err != nil {
			return err
		}
		changes := map[string]string{"status": string(prev) + " -> " + string(to)}
		for k, v := range extra {
			changes[k] = v
		}
		if err := s.AppendBonusAudit(ctx, BonusAuditLogEntry{
			ID:          generic.NewID("audit"),
			BonusID:     b.ID,
			Action:      action,
			Changes:     changes,
			PerformedBy: actor.UserID,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return Bonus{}, err
	}
	return out, nil
}

// UpdateBonus applies a patch. Bonuses in a terminal state are rejected
// with generic.ErrInvalidTransition.
func (c *BonusCalculator) UpdateBonus(ctx context.Context, actor Actor, bonusID string, patch BonusPatch) (Bonus, error) {
	if err := actor.requireAdmin("update bonus"); err != nil {
		return Bonus{}, err
	}
	var amount *decimal.Decimal
	if patch.Amount != nil {
		rounded := generic.RoundCents(*patch.Amount)
		if !rounded.IsPositive() {
			return Bonus{}, generic.Invalid("amount", "must be at least 0.01, got %s", *patch.Amount)
		}
		amount = &rounded
	}
	var out Bonus
	err := c.store.WithTx(ctx, func(s Store) error {
		b, err := c.load(ctx, s, bonusID)
		if err != nil {
			return err
		}
		prev := b.Status
		if prev.Terminal() {
			return &generic.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("bonus %s is %s and can no longer be changed", b.ID, prev),
				Err:    generic.ErrInvalidTransition,
			}
		}

		now := c.clock.Now()
		changes := map[string]string{}
		if patch.Status != nil && *patch.Status != prev {
			if !prev.CanTransitionTo(*patch.Status) {
				return invalidTransition(b.ID, prev, *patch.Status)
			}
			stampStatus(&b, *patch.Status, actor, now)
			changes["status"] = string(prev) + " -> " + string(*patch.Status)
		}
		if amount != nil && !amount.Equal(b.Amount) {
			changes["amount"] = b.Amount.StringFixed(generic.CentsPlaces) + " -> " + amount.StringFixed(generic.CentsPlaces)
			b.Amount = *amount
		}
		if len(patch.Metadata) > 0 {
			md := cloneMetadata(b.Metadata)
			if md == nil {
				md = make(map[string]string, len(patch.Metadata))
			}
			keys := make([]string, 0, len(patch.Metadata))
			for k := range patch.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if md[k] != patch.Metadata[k] {
					changes["metadata."+k] = md[k] + " -> " + patch.Metadata[k]
					md[k] = patch.Metadata[k]
				}
			}
			b.Metadata = md
		}
		if len(changes) == 0 {
			return generic.Invalid("patch", "no changes to apply")
		}

		if err := s.UpdateBonus(ctx, b, prev); err != nil {
			return err
		}
		if err := s.AppendBonusAudit(ctx, BonusAuditLogEntry{
			ID:          generic.NewID("audit"),
			BonusID:     b.ID,
			Action:      BonusActionUpdated,
			Changes:     changes,
			PerformedBy: actor.UserID,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return Bonus{}, err
	}
	return out, nil
}

func (c *BonusCalculator) load(ctx context.Context, s BonusStore, bonusID string) (Bonus, error) {
	if bonusID == "" {
		return Bonus{}, generic.Invalid("bonus_id", "required")
	}
	b, err := s.GetBonus(ctx, bonusID)
	if err != nil {
		return Bonus{}, err
	}
	if b == nil {
		return Bonus{}, generic.NotFound("bonus", bonusID)
	}
	return *b, nil
}

func stampStatus(b *Bonus, to BonusStatus, actor Actor, now time.Time) {
	b.Status = to
	switch to {
	case BonusApproved:
		b.ApprovedAt = &now
		b.ApprovedBy = actor.UserID
	case BonusPaid:
		b.PaidAt = &now
	case BonusCancelled:
		b.CancelledAt = &now
		b.CancelledBy = actor.UserID
	}
}

func invalidTransition(id string, from, to BonusStatus) error {
	return &generic.ValidationError{
		Field:  "status",
		Reason: fmt.Sprintf("bonus %s cannot move from %s to %s", id, from, to),
		Err:    generic.ErrInvalidTransition,
	}
}

// =============================================================================
// READS
// =============================================================================

func (c *BonusCalculator) GetBonus(ctx context.Context, bonusID string) (Bonus, error) {
	return c.load(ctx, c.store, bonusID)
}

// BonusAudit returns the audit trail of a bonus, oldest first.
func (c *BonusCalculator) BonusAudit(ctx context.Context, bonusID string) ([]BonusAuditLogEntry, error) {
	if _, err := c.load(ctx, c.store, bonusID); err != nil {
		return nil, err
	}
	return c.store.LoadBonusAudit(ctx, bonusID)
}

func (c *BonusCalculator) GetBonusSummary(ctx context.Context, tutorID TutorID) (BonusSummary, error) {
	bonuses, err := c.store.LoadBonuses(ctx, tutorID)
	if err != nil {
		return BonusSummary{}, err
	}
	sum := BonusSummary{
		TutorID:   tutorID,
		Pending:   decimal.Zero,
		Approved:  decimal.Zero,
		Paid:      decimal.Zero,
		Cancelled: decimal.Zero,
		Count:     len(bonuses),
	}
	for _, b := range bonuses {
		switch b.Status {
		case BonusPending:
			sum.Pending = sum.Pending.Add(b.Amount)
		case BonusApproved:
			sum.Approved = sum.Approved.Add(b.Amount)
		case BonusPaid:
			sum.Paid = sum.Paid.Add(b.Amount)
		case BonusCancelled:
			sum.Cancelled = sum.Cancelled.Add(b.Amount)
		}
	}
	sum.Total = sum.Pending.Add(sum.Approved).Add(sum.Paid)
	n := len(bonuses)
	if n > recentBonusLimit {
		n = recentBonusLimit
	}
	sum.Recent = append([]Bonus{}, bonuses[:n]...)
	return sum, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
