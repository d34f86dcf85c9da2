/*
badges.go - Badge catalog and evaluator

PURPOSE:
  Each badge is a fixed predicate over TutorStats: a list of criteria, all
  of which must hold (metric >= threshold). The evaluator awards every
  newly satisfied badge exactly once per tutor.

INVARIANTS:
  - Unique per (TutorID, BadgeType). The store's insert-if-absent is the
    final arbiter, so two racing evaluations cannot both award.
  - All new badges of one evaluation are written in a single transaction.
    If stats cannot be loaded nothing is written.
  - Idempotent: a second call with unchanged stats returns no badges.
*/
package rewards

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
)

// =============================================================================
// CATALOG
// =============================================================================

type Criterion struct {
	Metric    Metric
	Threshold decimal.Decimal
}

type BadgeDefinition struct {
	Type        BadgeType
	Name        string
	Description string
	Criteria    []Criterion
}

func crit(m Metric, threshold string) Criterion {
	return Criterion{Metric: m, Threshold: generic.MustParseDecimal(threshold)}
}

// BadgeCatalog is the fixed list of achievable badges, in display order.
var BadgeCatalog = []BadgeDefinition{
	{BadgeFirstSession, "First Session", "Completed your first session",
		[]Criterion{crit(MetricSessionsCompleted, "1")}},
	{BadgeRisingStar, "Rising Star", "Completed 10 sessions",
		[]Criterion{crit(MetricSessionsCompleted, "10")}},
	{BadgeDedicatedTutor, "Dedicated Tutor", "Completed 50 sessions",
		[]Criterion{crit(MetricSessionsCompleted, "50")}},
	{BadgeCenturyClub, "Century Club", "Completed 100 sessions",
		[]Criterion{crit(MetricSessionsCompleted, "100")}},
	{BadgeTopRated, "Top Rated", "Average rating of 4.8 or higher across at least 10 reviews",
		[]Criterion{crit(MetricAverageRating, "4.8"), crit(MetricReviewCount, "10")}},
	{BadgeFiveStarFavorite, "Five Star Favorite", "Received 25 five-star reviews",
		[]Criterion{crit(MetricFiveStarReviews, "25")}},
	{BadgeStudentMagnet, "Student Magnet", "85% retention with at least 5 retained students",
		[]Criterion{crit(MetricRetentionRate, "85"), crit(MetricRetainedStudents, "5")}},
	{BadgeStreakMaster, "Streak Master", "Taught every week for 8 weeks in a row",
		[]Criterion{crit(MetricStreakWeeks, "8")}},
	{BadgeHighEarner, "High Earner", "Earned $10,000 on the platform",
		[]Criterion{crit(MetricTotalEarnings, "10000")}},
	{BadgeCommunityBuilder, "Community Builder", "Referred 3 students",
		[]Criterion{crit(MetricReferrals, "3")}},
}

// LookupBadge returns the catalog entry for t.
func LookupBadge(t BadgeType) (BadgeDefinition, bool) {
	for _, def := range BadgeCatalog {
		if def.Type == t {
			return def, true
		}
	}
	return BadgeDefinition{}, false
}

// Satisfied reports whether every criterion holds for stats.
func (b BadgeDefinition) Satisfied(stats TutorStats) bool {
	for _, c := range b.Criteria {
		if stats.Value(c.Metric).LessThan(c.Threshold) {
			return false
		}
	}
	return true
}

// Progress is the mean over criteria of min(100, value/threshold*100),
// truncated to an integer in [0, 100].
func (b BadgeDefinition) Progress(stats TutorStats) int {
	if len(b.Criteria) == 0 {
		return 100
	}
	sum := decimal.Zero
	cap100 := decimal.NewFromInt(100)
	for _, c := range b.Criteria {
		pct := cap100
		if c.Threshold.IsPositive() {
			pct = generic.PercentOf(stats.Value(c.Metric), c.Threshold)
		}
		if pct.GreaterThan(cap100) {
			pct = cap100
		}
		if pct.IsNegative() {
			pct = decimal.Zero
		}
		sum = sum.Add(pct)
	}
	return int(sum.Div(decimal.NewFromInt(int64(len(b.Criteria)))).IntPart())
}

// =============================================================================
// EVALUATOR
// =============================================================================

// BadgeProgress is one row of the progress report for unearned badges.
type BadgeProgress struct {
	Type        BadgeType
	Name        string
	Description string
	Percent     int
}

type BadgeEvaluator struct {
	store BadgeStore
	tx    func(ctx context.Context, fn func(Store) error) error
	stats StatsProvider
	clock generic.Clock
}

// NewBadgeEvaluator builds an evaluator over the full store so that new
// badges of one evaluation commit together.
func NewBadgeEvaluator(store Store, stats StatsProvider, clock generic.Clock) *BadgeEvaluator {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &BadgeEvaluator{store: store, tx: store.WithTx, stats: stats, clock: clock}
}

// CheckAndAwardBadges awards every badge whose predicate holds and that the
// tutor does not yet hold. Returns only the badges written by this call.
func (e *BadgeEvaluator) CheckAndAwardBadges(ctx context.Context, tutorID TutorID) ([]Badge, error) {
	stats, err := e.stats.TutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.LoadBadges(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	held := make(map[BadgeType]bool, len(existing))
	for _, b := range existing {
		held[b.Type] = true
	}

	var candidates []Badge
	now := e.clock.Now()
	for _, def := range BadgeCatalog {
		if held[def.Type] || !def.Satisfied(stats) {
			continue
		}
		candidates = append(candidates, Badge{
			ID:       generic.NewID("badge"),
			TutorID:  tutorID,
			Type:     def.Type,
			EarnedAt: now,
			Metadata: badgeMetadata(def, stats),
		})
	}
	if len(candidates) == 0 {
		return []Badge{}, nil
	}

	awarded := make([]Badge, 0, len(candidates))
	err = e.tx(ctx, func(s Store) error {
		awarded = awarded[:0]
		for _, b := range candidates {
			inserted, err := s.InsertBadge(ctx, b)
			if err != nil {
				return err
			}
			if inserted {
				awarded = append(awarded, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return awarded, nil
}

// GetBadgeProgress reports percentage progress for every badge the tutor
// has not earned yet. Pure read.
func (e *BadgeEvaluator) GetBadgeProgress(ctx context.Context, tutorID TutorID) ([]BadgeProgress, error) {
	stats, err := e.stats.TutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.LoadBadges(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	held := make(map[BadgeType]bool, len(existing))
	for _, b := range existing {
		held[b.Type] = true
	}

	progress := make([]BadgeProgress, 0, len(BadgeCatalog))
	for _, def := range BadgeCatalog {
		if held[def.Type] {
			continue
		}
		progress = append(progress, BadgeProgress{
			Type:        def.Type,
			Name:        def.Name,
			Description: def.Description,
			Percent:     def.Progress(stats),
		})
	}
	return progress, nil
}

func (e *BadgeEvaluator) Badges(ctx context.Context, tutorID TutorID) ([]Badge, error) {
	return e.store.LoadBadges(ctx, tutorID)
}

// badgeMetadata snapshots the metric values that earned the badge.
func badgeMetadata(def BadgeDefinition, stats TutorStats) map[string]string {
	md := make(map[string]string, len(def.Criteria)+1)
	md["name"] = def.Name
	for _, c := range def.Criteria {
		md[string(c.Metric)] = stats.Value(c.Metric).String()
	}
	return md
}
