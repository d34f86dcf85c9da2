/*
engine.go - Gamification Engine façade

PURPOSE:
  The single entry point the HTTP layer and session triggers call. Wires
  the components together over one Store, bounds every call with a
  storage timeout, and serializes per-tutor check-then-write sequences
  through a Locker.

CALL CONTRACT:
  Award          -> {entry, totalPoints, level, levelChanged, newBadges}
  CheckBadges    -> {newBadges, currentBadges, progress}
  CheckTier      -> {promoted, previousTier?, newTier, stats}
  TierProgress   -> {currentTier, nextTier?, stats, benefits, rateIncreasePercent}
  CalculateBonus -> {calculation, recorded, bonus?}
  GetRate        -> {rate, history, tier}
  UpdateRate     -> {rate}

CONFLICTS:
  A lost race on an operation that is already satisfied (bonus already
  recorded, tier already promoted by someone else) is reported as a no-op
  result, not an error.

POST-AWARD BADGES:
  Award records points first and then re-checks badges. The points entry
  is never rolled back because of a badge failure; the failure is logged
  and the next Award or CheckBadges picks the badge up.
*/
package rewards

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// DefaultStorageTimeout bounds each engine call when Config leaves it zero.
const DefaultStorageTimeout = 5 * time.Second

type Config struct {
	Store Store
	// Stats defaults to Store when the store also keeps tutor stats.
	Stats StatsProvider
	// Rules defaults to DefaultRules() when left zero.
	Rules          Rules
	Clock          generic.Clock
	Locker         Locker
	Logger         *slog.Logger
	StorageTimeout time.Duration
}

type Engine struct {
	store   Store
	stats   StatsProvider
	rules   Rules
	locker  Locker
	logger  *slog.Logger
	clock   generic.Clock
	timeout time.Duration

	points  *PointsLedger
	badges  *BadgeEvaluator
	tiers   *TierClassifier
	bonuses *BonusCalculator
	rates   *RateService
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, generic.Invalid("store", "required")
	}
	if cfg.Stats == nil {
		sp, ok := cfg.Store.(StatsProvider)
		if !ok {
			return nil, generic.Invalid("stats", "required when the store does not provide tutor stats")
		}
		cfg.Stats = sp
	}
	if cfg.Rules.Tiers == nil {
		cfg.Rules = DefaultRules()
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = generic.SystemClock{}
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StorageTimeout == 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}

	tiers := NewTierClassifier(cfg.Store, cfg.Stats, cfg.Rules, cfg.Clock)
	return &Engine{
		store:   cfg.Store,
		stats:   cfg.Stats,
		rules:   cfg.Rules,
		locker:  cfg.Locker,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		timeout: cfg.StorageTimeout,
		points:  NewPointsLedger(cfg.Store, cfg.Rules, cfg.Clock),
		badges:  NewBadgeEvaluator(cfg.Store, cfg.Stats, cfg.Clock),
		tiers:   tiers,
		bonuses: NewBonusCalculator(cfg.Store, tiers, cfg.Rules, cfg.Clock),
		rates:   NewRateService(cfg.Store, tiers, cfg.Rules, cfg.Clock),
	}, nil
}

func (e *Engine) Rules() Rules { return e.rules }

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) withTutorLock(ctx context.Context, tutorID TutorID, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, tutorLockKey(tutorID))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// =============================================================================
// POINTS & BADGES
// =============================================================================

type AwardResult struct {
	Entry        PointsEntry
	TotalPoints  int64
	Level        Level
	LevelChanged bool
	NewBadges    []Badge
}

// Award records the configured points for reason and re-checks badges.
// Admin only: awards come from the host application's trusted feed.
func (e *Engine) Award(ctx context.Context, actor Actor, tutorID TutorID, reason PointsReason, referenceID string, metadata map[string]string) (AwardResult, error) {
	if err := actor.requireAdmin("award points"); err != nil {
		return AwardResult{}, err
	}
	pts, err := e.points.PointsFor(reason)
	if err != nil {
		return AwardResult{}, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	res, err := e.record(ctx, tutorID, pts, reason, referenceID, metadata)
	if err != nil {
		return AwardResult{}, err
	}
	newBadges, err := e.badges.CheckAndAwardBadges(ctx, tutorID)
	if err != nil {
		e.logger.Warn("badge check after award failed",
			"tutor_id", tutorID, "reason", reason, "error", err)
		newBadges = []Badge{}
	}
	res.NewBadges = newBadges
	for _, b := range newBadges {
		e.logger.Info("badge awarded", "tutor_id", tutorID, "badge", b.Type)
	}
	return res, nil
}

// RecordPoints appends an explicit amount, typically a negative correction.
// Admin only.
func (e *Engine) RecordPoints(ctx context.Context, actor Actor, tutorID TutorID, amount int64, reason PointsReason, referenceID string, metadata map[string]string) (AwardResult, error) {
	if err := actor.requireAdmin("record points"); err != nil {
		return AwardResult{}, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	md := cloneMetadata(metadata)
	if md == nil {
		md = map[string]string{}
	}
	md["recorded_by"] = actor.UserID
	res, err := e.record(ctx, tutorID, amount, reason, referenceID, md)
	if err != nil {
		return AwardResult{}, err
	}
	res.NewBadges = []Badge{}
	return res, nil
}

func (e *Engine) record(ctx context.Context, tutorID TutorID, amount int64, reason PointsReason, referenceID string, metadata map[string]string) (AwardResult, error) {
	entry, err := e.points.RecordPoints(ctx, tutorID, amount, reason, referenceID, metadata)
	if err != nil {
		return AwardResult{}, err
	}
	sum, err := e.points.Summary(ctx, tutorID)
	if err != nil {
		return AwardResult{}, err
	}
	return AwardResult{
		Entry:        entry,
		TotalPoints:  sum.TotalPoints,
		Level:        sum.Level,
		LevelChanged: levelChanged(sum.TotalPoints-entry.Points, sum.TotalPoints),
	}, nil
}

func (e *Engine) Points(ctx context.Context, tutorID TutorID) (PointsSummary, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.points.Summary(ctx, tutorID)
}

func (e *Engine) PointsHistory(ctx context.Context, tutorID TutorID) ([]PointsEntry, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.points.History(ctx, tutorID)
}

type BadgeCheckResult struct {
	NewBadges     []Badge
	CurrentBadges []Badge
	Progress      []BadgeProgress
}

// CheckBadges awards newly satisfied badges. Admin only.
func (e *Engine) CheckBadges(ctx context.Context, actor Actor, tutorID TutorID) (BadgeCheckResult, error) {
	if err := actor.requireAdmin("check badges"); err != nil {
		return BadgeCheckResult{}, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	newBadges, err := e.badges.CheckAndAwardBadges(ctx, tutorID)
	if err != nil {
		return BadgeCheckResult{}, err
	}
	current, err := e.badges.Badges(ctx, tutorID)
	if err != nil {
		return BadgeCheckResult{}, err
	}
	progress, err := e.badges.GetBadgeProgress(ctx, tutorID)
	if err != nil {
		return BadgeCheckResult{}, err
	}
	return BadgeCheckResult{NewBadges: newBadges, CurrentBadges: current, Progress: progress}, nil
}

// Badges is the read-only view: earned badges and progress, nothing awarded.
func (e *Engine) Badges(ctx context.Context, tutorID TutorID) (BadgeCheckResult, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	current, err := e.badges.Badges(ctx, tutorID)
	if err != nil {
		return BadgeCheckResult{}, err
	}
	progress, err := e.badges.GetBadgeProgress(ctx, tutorID)
	if err != nil {
		return BadgeCheckResult{}, err
	}
	return BadgeCheckResult{NewBadges: []Badge{}, CurrentBadges: current, Progress: progress}, nil
}

// =============================================================================
// TIERS
// =============================================================================

// CheckTier promotes the tutor when eligible. Admin only.
func (e *Engine) CheckTier(ctx context.Context, actor Actor, tutorID TutorID) (PromotionResult, error) {
	if err := actor.requireAdmin("check tier"); err != nil {
		return PromotionResult{}, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var res PromotionResult
	err := e.withTutorLock(ctx, tutorID, func() error {
		var err error
		res, err = e.tiers.CheckAndPromote(ctx, tutorID)
		return err
	})
	if errors.Is(err, generic.ErrConcurrentModification) {
		// Another writer promoted first; report where the tutor ended up.
		current, rerr := e.tiers.CurrentTier(ctx, tutorID)
		if rerr != nil {
			return PromotionResult{}, rerr
		}
		stats, rerr := e.stats.TutorStats(ctx, tutorID)
		if rerr != nil {
			return PromotionResult{}, rerr
		}
		e.logger.Info("tier promotion race lost", "tutor_id", tutorID, "tier", current)
		return PromotionResult{NewTier: current, Stats: stats}, nil
	}
	if err != nil {
		return PromotionResult{}, err
	}
	if res.Promoted {
		e.logger.Info("tutor promoted",
			"tutor_id", tutorID, "from", res.PreviousTier, "to", res.NewTier)
	}
	return res, nil
}

type TierStatus struct {
	TierProgress
	Benefits            []string
	RateIncreasePercent decimal.Decimal
}

func (e *Engine) TierProgress(ctx context.Context, tutorID TutorID) (TierStatus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	p, err := e.tiers.GetTierProgress(ctx, tutorID)
	if err != nil {
		return TierStatus{}, err
	}
	b, err := e.tiers.GetTierBenefits(p.CurrentTier)
	if err != nil {
		return TierStatus{}, err
	}
	return TierStatus{TierProgress: p, Benefits: b.Benefits, RateIncreasePercent: b.RateIncreasePercent}, nil
}

func (e *Engine) TierBenefits(tier Tier) (TierBenefits, error) {
	return e.tiers.GetTierBenefits(tier)
}

// =============================================================================
// BONUSES
// =============================================================================

type BonusResult struct {
	Calculation BonusCalculation
	Recorded    bool
	Bonus       *Bonus
}

// CalculateBonus computes the bonus and records it when payable. A
// duplicate, whether detected up front or by the unique index, yields
// Recorded=false. Admin only.
func (e *Engine) CalculateBonus(ctx context.Context, actor Actor, tutorID TutorID, bonusType BonusType, params BonusParams) (BonusResult, error) {
	if err := actor.requireAdmin("calculate bonus"); err != nil {
		return BonusResult{}, err
	}
	if _, err := ParseBonusType(string(bonusType)); err != nil {
		return BonusResult{}, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var res BonusResult
	err := e.withTutorLock(ctx, tutorID, func() error {
		calc, err := e.bonuses.Calculate(ctx, tutorID, bonusType, params)
		if err != nil {
			return err
		}
		res.Calculation = calc
		if !calc.Payable() {
			return nil
		}
		b, err := e.bonuses.RecordBonus(ctx, calc)
		if errors.Is(err, generic.ErrConflict) {
			res.Calculation.IsDuplicate = true
			return nil
		}
		if err != nil {
			return err
		}
		res.Recorded = true
		res.Bonus = &b
		return nil
	})
	if err != nil {
		return BonusResult{}, err
	}
	if res.Recorded {
		e.logger.Info("bonus recorded",
			"tutor_id", tutorID, "bonus_id", res.Bonus.ID, "type", bonusType,
			"amount", res.Bonus.Amount.StringFixed(generic.CentsPlaces))
	}
	return res, nil
}

func (e *Engine) ApproveBonus(ctx context.Context, actor Actor, bonusID string) (Bonus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	b, err := e.bonuses.ApproveBonus(ctx, actor, bonusID)
	if err != nil {
		return Bonus{}, err
	}
	e.logger.Info("bonus approved", "bonus_id", b.ID, "tutor_id", b.TutorID, "by", actor.UserID)
	return b, nil
}

func (e *Engine) CancelBonus(ctx context.Context, actor Actor, bonusID, reason string) (Bonus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	b, err := e.bonuses.CancelBonus(ctx, actor, bonusID, reason)
	if err != nil {
		return Bonus{}, err
	}
	e.logger.Info("bonus cancelled", "bonus_id", b.ID, "tutor_id", b.TutorID, "by", actor.UserID)
	return b, nil
}

func (e *Engine) PayBonus(ctx context.Context, actor Actor, bonusID string) (Bonus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	b, err := e.bonuses.MarkBonusPaid(ctx, actor, bonusID)
	if err != nil {
		return Bonus{}, err
	}
	e.logger.Info("bonus paid", "bonus_id", b.ID, "tutor_id", b.TutorID, "by", actor.UserID)
	return b, nil
}

func (e *Engine) UpdateBonus(ctx context.Context, actor Actor, bonusID string, patch BonusPatch) (Bonus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bonuses.UpdateBonus(ctx, actor, bonusID, patch)
}

func (e *Engine) GetBonus(ctx context.Context, bonusID string) (Bonus, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bonuses.GetBonus(ctx, bonusID)
}

func (e *Engine) BonusSummary(ctx context.Context, tutorID TutorID) (BonusSummary, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bonuses.GetBonusSummary(ctx, tutorID)
}

func (e *Engine) BonusAudit(ctx context.Context, bonusID string) ([]BonusAuditLogEntry, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.bonuses.BonusAudit(ctx, bonusID)
}

// =============================================================================
// RATES
// =============================================================================

type RateView struct {
	Rate    TutorRate
	History []RateHistoryEntry
	Tier    Tier
}

func (e *Engine) GetRate(ctx context.Context, tutorID TutorID) (RateView, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	rate, err := e.rates.GetCurrentRate(ctx, tutorID)
	if err != nil {
		return RateView{}, err
	}
	history, err := e.rates.GetRateHistory(ctx, tutorID)
	if err != nil {
		return RateView{}, err
	}
	return RateView{Rate: rate, History: history, Tier: rate.Tier}, nil
}

// RateUpdate carries exactly one of BaseRate or CustomAdjustment.
type RateUpdate struct {
	BaseRate         *decimal.Decimal
	CustomAdjustment *decimal.Decimal
	Reason           string
}

func (e *Engine) UpdateRate(ctx context.Context, actor Actor, tutorID TutorID, u RateUpdate) (TutorRate, error) {
	if (u.BaseRate == nil) == (u.CustomAdjustment == nil) {
		return TutorRate{}, generic.Invalid("rate", "exactly one of base_rate or custom_adjustment is required")
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var rate TutorRate
	err := e.withTutorLock(ctx, tutorID, func() error {
		var err error
		if u.BaseRate != nil {
			rate, err = e.rates.UpdateBaseRate(ctx, actor, tutorID, *u.BaseRate, u.Reason)
		} else {
			rate, err = e.rates.ApplyCustomAdjustment(ctx, actor, tutorID, *u.CustomAdjustment, u.Reason)
		}
		return err
	})
	if err != nil {
		return TutorRate{}, err
	}
	e.logger.Info("rate updated",
		"tutor_id", tutorID, "base_rate", rate.BaseRate.String(),
		"custom_percent", rate.CustomAdjustmentPercent.String(),
		"effective_rate", rate.EffectiveRate.String(), "by", actor.UserID)
	return rate, nil
}

func (e *Engine) RateComparison(ctx context.Context, tutorID TutorID) (RateComparison, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.rates.GetRateComparison(ctx, tutorID)
}

// =============================================================================
// STATS FEED
// =============================================================================

func (e *Engine) statsStore() (StatsStore, error) {
	ss, ok := e.stats.(StatsStore)
	if !ok {
		return nil, generic.Invalid("stats", "the configured stats source is read-only")
	}
	return ss, nil
}

// SaveTutorStats stores aggregates pushed by the host application.
func (e *Engine) SaveTutorStats(ctx context.Context, stats TutorStats) error {
	if err := stats.Validate(); err != nil {
		return err
	}
	ss, err := e.statsStore()
	if err != nil {
		return err
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = e.clock.Now()
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return ss.SaveTutorStats(ctx, stats)
}

func (e *Engine) TutorStats(ctx context.Context, tutorID TutorID) (TutorStats, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.stats.TutorStats(ctx, tutorID)
}

// TutorIDs lists every tutor the stats source knows about.
func (e *Engine) TutorIDs(ctx context.Context) ([]TutorID, error) {
	ss, err := e.statsStore()
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return ss.ListTutorIDs(ctx)
}
