/*
Package rewards implements the tutor rewards engine.

PURPOSE:
  Turns a tutor's activity (completed sessions, student retention, reviews,
  referrals) into points, badges, a tier classification and compensation
  rate adjustments. The engine is a set of plain function calls: callers
  pass already-authenticated identifiers and render or persist the plain
  data that comes back.

COMPONENTS (leaf-first):
  PointsLedger:   append-only points entries, total and level
  BadgeEvaluator: awards each badge type at most once per tutor
  TierClassifier: standard < silver < gold < elite, promote-only
  BonusCalculator: retention / milestone / review / referral bonuses
  RateService:    base rate × tier increase × bounded custom adjustment
  Engine:         façade the HTTP layer and session triggers call

DATA FLOW:
  session completed -> Engine.Award -> PointsLedger.RecordPoints
                                    -> BadgeEvaluator.CheckAndAwardBadges
  tier check        -> Engine.CheckTier -> TierClassifier.CheckAndPromote
                                            (writes tier + rate history atomically)
  bonus trigger     -> Engine.CalculateBonus -> BonusCalculator (reads current tier)
                                             -> RecordBonus when payable and new

APPEND-ONLY RECORDS:
  PointsEntry, Badge, BonusAuditLogEntry and RateHistoryEntry are never
  rewritten. Bonus, TierRecord and TutorRate are mutable rows, but every
  mutation goes through a compare-and-swap and appends to its audit trail
  in the same transaction.

SEE ALSO:
  - store.go: persistence contract
  - rules.go: business parameters
  - engine.go: caller-facing façade
*/
package rewards

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// TutorID identifies the tutor that owns a record. Every record belongs to
// exactly one tutor.
type TutorID string

// =============================================================================
// ACTOR - Authorization capability presented by the caller
// =============================================================================

// Actor is the already-authenticated caller. The engine does not look at
// cookies or sessions; it only checks the capability it is handed.
type Actor struct {
	UserID  string
	TutorID TutorID // set when the caller is a tutor acting for themselves
	IsAdmin bool
}

// SystemActor is used by background triggers (session completion hooks,
// scheduled tier checks).
func SystemActor() Actor {
	return Actor{UserID: "system", IsAdmin: true}
}

func (a Actor) requireAdmin(action string) error {
	if a.IsAdmin {
		return nil
	}
	return &generic.ForbiddenError{Action: action, Actor: a.UserID}
}

// requireSelfOrAdmin allows admins and the tutor acting on their own records.
func (a Actor) requireSelfOrAdmin(tutorID TutorID, action string) error {
	if a.IsAdmin || (a.TutorID != "" && a.TutorID == tutorID) {
		return nil
	}
	return &generic.ForbiddenError{Action: action, Actor: a.UserID}
}

// =============================================================================
// POINTS
// =============================================================================

type PointsReason string

const (
	ReasonSessionCompleted  PointsReason = "session_completed"
	ReasonFiveStarReview    PointsReason = "five_star_review"
	ReasonStudentRetained   PointsReason = "student_retained"
	ReasonReferralConverted PointsReason = "referral_converted"
	ReasonProfileCompleted  PointsReason = "profile_completed"
	ReasonStreakWeek        PointsReason = "streak_week"
	ReasonCorrection        PointsReason = "correction" // manual, explicit amount only
)

var allReasons = []PointsReason{
	ReasonSessionCompleted, ReasonFiveStarReview, ReasonStudentRetained,
	ReasonReferralConverted, ReasonProfileCompleted, ReasonStreakWeek, ReasonCorrection,
}

func (r PointsReason) Valid() bool {
	for _, known := range allReasons {
		if r == known {
			return true
		}
	}
	return false
}

// PointsEntry is one immutable ledger line. Points may be negative for
// corrections.
type PointsEntry struct {
	ID          string
	TutorID     TutorID
	Points      int64
	Reason      PointsReason
	ReferenceID string
	Metadata    map[string]string
	CreatedAt   time.Time
}

type Level string

const (
	LevelBeginner   Level = "Beginner"
	LevelProficient Level = "Proficient"
	LevelAdvanced   Level = "Advanced"
	LevelExpert     Level = "Expert"
	LevelMaster     Level = "Master"
)

// levelBands lists the lowest total that reaches each level, highest first.
var levelBands = []struct {
	Level Level
	Min   int64
}{
	{LevelMaster, 10001},
	{LevelExpert, 5001},
	{LevelAdvanced, 2001},
	{LevelProficient, 501},
}

// LevelFor maps a running points total to its level band.
func LevelFor(total int64) Level {
	for _, b := range levelBands {
		if total >= b.Min {
			return b.Level
		}
	}
	return LevelBeginner
}

// =============================================================================
// STATS - Aggregates sourced from outside the engine
// =============================================================================

type Metric string

const (
	MetricSessionsCompleted Metric = "sessions_completed"
	MetricAverageRating     Metric = "average_rating"
	MetricReviewCount       Metric = "review_count"
	MetricFiveStarReviews   Metric = "five_star_reviews"
	MetricRetentionRate     Metric = "retention_rate"
	MetricRetainedStudents  Metric = "retained_students"
	MetricStreakWeeks       Metric = "streak_weeks"
	MetricTotalEarnings     Metric = "total_earnings"
	MetricReferrals         Metric = "referrals"
)

// TutorStats is the aggregate view of a tutor's activity. RetentionRate is
// a percentage in [0, 100].
type TutorStats struct {
	TutorID           TutorID
	SessionsCompleted int
	AverageRating     decimal.Decimal
	ReviewCount       int
	FiveStarReviews   int
	RetentionRate     decimal.Decimal
	RetainedStudents  int
	StreakWeeks       int
	TotalEarnings     decimal.Decimal
	Referrals         int
	UpdatedAt         time.Time
}

// Value returns the named metric as a decimal.
func (s TutorStats) Value(m Metric) decimal.Decimal {
	switch m {
	case MetricSessionsCompleted:
		return decimal.NewFromInt(int64(s.SessionsCompleted))
	case MetricAverageRating:
		return s.AverageRating
	case MetricReviewCount:
		return decimal.NewFromInt(int64(s.ReviewCount))
	case MetricFiveStarReviews:
		return decimal.NewFromInt(int64(s.FiveStarReviews))
	case MetricRetentionRate:
		return s.RetentionRate
	case MetricRetainedStudents:
		return decimal.NewFromInt(int64(s.RetainedStudents))
	case MetricStreakWeeks:
		return decimal.NewFromInt(int64(s.StreakWeeks))
	case MetricTotalEarnings:
		return s.TotalEarnings
	case MetricReferrals:
		return decimal.NewFromInt(int64(s.Referrals))
	}
	return decimal.Zero
}

// Validate rejects out-of-range aggregates.
func (s TutorStats) Validate() error {
	if s.TutorID == "" {
		return generic.Invalid("tutor_id", "required")
	}
	counts := map[string]int{
		"sessions_completed": s.SessionsCompleted,
		"review_count":       s.ReviewCount,
		"five_star_reviews":  s.FiveStarReviews,
		"retained_students":  s.RetainedStudents,
		"streak_weeks":       s.StreakWeeks,
		"referrals":          s.Referrals,
	}
	for _, name := range []string{"sessions_completed", "review_count", "five_star_reviews", "retained_students", "streak_weeks", "referrals"} {
		if counts[name] < 0 {
			return generic.Invalid(name, "must be >= 0, got %d", counts[name])
		}
	}
	if s.AverageRating.IsNegative() || s.AverageRating.GreaterThan(decimal.NewFromInt(5)) {
		return generic.Invalid("average_rating", "must be between 0 and 5, got %s", s.AverageRating)
	}
	if s.RetentionRate.IsNegative() || s.RetentionRate.GreaterThan(decimal.NewFromInt(100)) {
		return generic.Invalid("retention_rate", "must be between 0 and 100, got %s", s.RetentionRate)
	}
	if s.TotalEarnings.IsNegative() {
		return generic.Invalid("total_earnings", "must be >= 0, got %s", s.TotalEarnings)
	}
	return nil
}

// =============================================================================
// BADGES
// =============================================================================

type BadgeType string

const (
	BadgeFirstSession     BadgeType = "first_session"
	BadgeRisingStar       BadgeType = "rising_star"
	BadgeDedicatedTutor   BadgeType = "dedicated_tutor"
	BadgeCenturyClub      BadgeType = "century_club"
	BadgeTopRated         BadgeType = "top_rated"
	BadgeFiveStarFavorite BadgeType = "five_star_favorite"
	BadgeStudentMagnet    BadgeType = "student_magnet"
	BadgeStreakMaster     BadgeType = "streak_master"
	BadgeHighEarner       BadgeType = "high_earner"
	BadgeCommunityBuilder BadgeType = "community_builder"
)

// Badge is unique per (TutorID, Type) and never mutated once written.
type Badge struct {
	ID       string
	TutorID  TutorID
	Type     BadgeType
	EarnedAt time.Time
	Metadata map[string]string
}

// =============================================================================
// TIERS
// =============================================================================

type Tier string

const (
	TierStandard Tier = "standard"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierElite    Tier = "elite"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierStandard, TierSilver, TierGold, TierElite}

// Rank orders tiers; unknown tiers rank below standard.
func (t Tier) Rank() int {
	for i, known := range Tiers {
		if t == known {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Next returns the tier above t, or false when t is the top tier.
func (t Tier) Next() (Tier, bool) {
	r := t.Rank()
	if r < 0 || r+1 >= len(Tiers) {
		return "", false
	}
	return Tiers[r+1], true
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", generic.Invalid("tier", "unknown tier %q", s)
	}
	return t, nil
}

// TierRecord is the stored classification for one tutor.
type TierRecord struct {
	TutorID       TutorID
	CurrentTier   Tier
	TotalSessions int
	AverageRating decimal.Decimal
	RetentionRate decimal.Decimal
	UpdatedAt     time.Time
}

// =============================================================================
// BONUSES
// =============================================================================

type BonusType string

const (
	BonusRetention BonusType = "retention"
	BonusMilestone BonusType = "milestone"
	BonusReview    BonusType = "review"
	BonusReferral  BonusType = "referral"
)

func ParseBonusType(s string) (BonusType, error) {
	switch t := BonusType(strings.ToLower(strings.TrimSpace(s))); t {
	case BonusRetention, BonusMilestone, BonusReview, BonusReferral:
		return t, nil
	}
	return "", generic.Invalid("type", "unknown bonus type %q", s)
}

type BonusStatus string

const (
	BonusPending   BonusStatus = "pending"
	BonusApproved  BonusStatus = "approved"
	BonusPaid      BonusStatus = "paid"
	BonusCancelled BonusStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s BonusStatus) Terminal() bool {
	return s == BonusPaid || s == BonusCancelled
}

// bonusTransitions lists the allowed next statuses.
var bonusTransitions = map[BonusStatus][]BonusStatus{
	BonusPending:  {BonusApproved, BonusCancelled},
	BonusApproved: {BonusPaid, BonusCancelled},
}

func (s BonusStatus) CanTransitionTo(next BonusStatus) bool {
	for _, allowed := range bonusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BonusKey is the idempotency key of a bonus-earning event. Storage enforces
// uniqueness on it.
type BonusKey struct {
	TutorID     TutorID
	Type        BonusType
	ReferenceID string
	Milestone   string
}

func (k BonusKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.TutorID, k.Type, k.ReferenceID, k.Milestone)
}

// Bonus is created pending by the calculator. Status and amount change only
// through the approval/update paths, each of which appends an audit entry.
type Bonus struct {
	ID            string
	TutorID       TutorID
	Type          BonusType
	Amount        decimal.Decimal
	ReferenceID   string
	ReferenceType string
	Milestone     string
	Status        BonusStatus
	Metadata      map[string]string
	CreatedAt     time.Time
	ApprovedAt    *time.Time
	ApprovedBy    string
	PaidAt        *time.Time
	CancelledAt   *time.Time
	CancelledBy   string
}

func (b Bonus) Key() BonusKey {
	return BonusKey{TutorID: b.TutorID, Type: b.Type, ReferenceID: b.ReferenceID, Milestone: b.Milestone}
}

type BonusAction string

const (
	BonusActionCreated   BonusAction = "created"
	BonusActionApproved  BonusAction = "approved"
	BonusActionPaid      BonusAction = "paid"
	BonusActionCancelled BonusAction = "cancelled"
	BonusActionUpdated   BonusAction = "updated"
)

// BonusAuditLogEntry records one mutation of a bonus. Changes holds the
// delta as "field" -> "old -> new" (or just the new value on creation).
type BonusAuditLogEntry struct {
	ID          string
	BonusID     string
	Action      BonusAction
	Changes     map[string]string
	PerformedBy string
	PerformedAt time.Time
}

// =============================================================================
// RATES
// =============================================================================

type RateChangeType string

const (
	RateChangeBase          RateChangeType = "base_rate_change"
	RateChangeCustom        RateChangeType = "custom_adjustment"
	RateChangeTierPromotion RateChangeType = "tier_promotion"
)

// TutorRate is the stored rate row. EffectiveRate, Tier and
// TierIncreasePercent are derived at read time from the tutor's current
// tier; the stored effective rate is informational only.
type TutorRate struct {
	TutorID                 TutorID
	BaseRate                decimal.Decimal
	CustomAdjustmentPercent decimal.Decimal
	EffectiveRate           decimal.Decimal
	Tier                    Tier
	TierIncreasePercent     decimal.Decimal
	Version                 int64
	UpdatedAt               time.Time
}

// RateHistoryEntry is appended for every rate mutation, tier-driven ones
// included.
type RateHistoryEntry struct {
	ID           string
	TutorID      TutorID
	ChangeType   RateChangeType
	PreviousRate decimal.Decimal
	NewRate      decimal.Decimal
	Reason       string
	Metadata     map[string]string
	CreatedBy    string
	CreatedAt    time.Time
}
