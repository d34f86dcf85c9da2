package rewards_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
	memstore "github.com/warp/tutor-rewards/rewards/store"
)

func TestEngine_AwardAccumulatesAndLevelsUp(t *testing.T) {
	// GIVEN: A tutor with one completed session on record
	// WHEN: Awarding session_completed five times
	// THEN: Total is 600, the level flips to proficient on the fifth award
	//       and first_session is granted on the first

	f := newFixture(t)
	ctx := context.Background()
	f.setStats(t, rewards.TutorStats{TutorID: "tutor-1", SessionsCompleted: 1})

	var results []rewards.AwardResult
	for i := 1; i <= 5; i++ {
		res, err := f.engine.Award(ctx, admin(), "tutor-1", rewards.ReasonSessionCompleted, fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, int64(120), results[0].TotalPoints)
	require.Len(t, results[0].NewBadges, 1)
	assert.Equal(t, rewards.BadgeFirstSession, results[0].NewBadges[0].Type)
	assert.Empty(t, results[1].NewBadges)

	for i := 0; i < 4; i++ {
		assert.False(t, results[i].LevelChanged, "award %d", i+1)
	}
	last := results[4]
	assert.Equal(t, int64(600), last.TotalPoints)
	assert.Equal(t, rewards.LevelProficient, last.Level)
	assert.True(t, last.LevelChanged)

	summary, err := f.engine.Points(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), summary.TotalPoints)
}

func TestEngine_RecordPointsIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordPoints(ctx, tutorActor("tutor-1"), "tutor-1", -50, rewards.ReasonCorrection, "", nil)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	res, err := f.engine.RecordPoints(ctx, admin(), "tutor-1", -50, rewards.ReasonCorrection, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), res.TotalPoints)
	assert.Equal(t, "admin-1", res.Entry.Metadata["recorded_by"])
	assert.NotNil(t, res.NewBadges)
}

func TestEngine_StateChangingCallsRequireAdmin(t *testing.T) {
	// GIVEN: A gold-eligible tutor
	// WHEN: An anonymous actor and the tutor themself call the write paths
	// THEN: Each call is forbidden and the tutor's records stay empty

	f := newFixture(t)
	ctx := context.Background()
	f.setStats(t, rewards.TutorStats{
		TutorID: "tutor-1", SessionsCompleted: 160, AverageRating: dec("4.75"), RetentionRate: dec("86"),
	})

	for _, actor := range []rewards.Actor{{}, tutorActor("tutor-1")} {
		_, err := f.engine.Award(ctx, actor, "tutor-1", rewards.ReasonSessionCompleted, "s1", nil)
		assert.ErrorIs(t, err, generic.ErrForbidden)
		_, err = f.engine.CheckBadges(ctx, actor, "tutor-1")
		assert.ErrorIs(t, err, generic.ErrForbidden)
		_, err = f.engine.CheckTier(ctx, actor, "tutor-1")
		assert.ErrorIs(t, err, generic.ErrForbidden)
		_, err = f.engine.CalculateBonus(ctx, actor, "tutor-1", rewards.BonusReview,
			rewards.BonusParams{ReviewID: "r-1", Rating: dec("5")})
		assert.ErrorIs(t, err, generic.ErrForbidden)
	}

	summary, err := f.engine.Points(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Zero(t, summary.TotalPoints)

	badges, err := f.engine.Badges(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Empty(t, badges.CurrentBadges)

	bonuses, err := f.engine.BonusSummary(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Zero(t, bonuses.Count)

	status, err := f.engine.TierProgress(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, rewards.TierGold, status.EligibleTier)

	res, err := f.engine.CheckTier(ctx, rewards.SystemActor(), "tutor-1")
	require.NoError(t, err)
	assert.True(t, res.Promoted, "nothing was promoted before the system check")
}

func TestEngine_CheckTierPromotesToGold(t *testing.T) {
	// GIVEN: A standard tutor at 40.00 with 160 sessions, 4.75 rating, 86% retention
	// WHEN: Running a tier check
	// THEN: The tutor is gold and the effective rate is 44.00

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.UpdateRate(ctx, admin(), "tutor-1", rewards.RateUpdate{BaseRate: ptr(dec("40"))})
	require.NoError(t, err)
	require.NoError(t, f.engine.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID: "tutor-1", SessionsCompleted: 160, AverageRating: dec("4.75"), RetentionRate: dec("86"),
	}))

	res, err := f.engine.CheckTier(ctx, admin(), "tutor-1")
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, rewards.TierGold, res.NewTier)

	view, err := f.engine.GetRate(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, rewards.TierGold, view.Tier)
	assertMoney(t, "44.00", view.Rate.EffectiveRate)
	require.Len(t, view.History, 2)
	assert.Equal(t, rewards.RateChangeTierPromotion, view.History[0].ChangeType)

	status, err := f.engine.TierProgress(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, rewards.TierGold, status.CurrentTier)
	assert.Equal(t, rewards.TierElite, status.NextTier)
	assert.Equal(t, "10", status.RateIncreasePercent.String())
}

func TestEngine_UpdateRateNeedsExactlyOneField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.UpdateRate(ctx, admin(), "tutor-1", rewards.RateUpdate{})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.engine.UpdateRate(ctx, admin(), "tutor-1", rewards.RateUpdate{
		BaseRate: ptr(dec("40")), CustomAdjustment: ptr(dec("5")),
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestEngine_SaveTutorStatsValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []rewards.TutorStats{
		{SessionsCompleted: 1},
		{TutorID: "tutor-1", SessionsCompleted: -1},
		{TutorID: "tutor-1", AverageRating: dec("5.1")},
		{TutorID: "tutor-1", RetentionRate: dec("101")},
		{TutorID: "tutor-1", TotalEarnings: dec("-1")},
	}
	for i, s := range cases {
		err := f.engine.SaveTutorStats(ctx, s)
		assert.ErrorIs(t, err, generic.ErrValidation, "case %d", i)
	}
}

func TestEngine_SaveTutorStatsStampsEngineClock(t *testing.T) {
	// GIVEN: An engine on a manual clock
	// WHEN: Saving stats with and without an update time
	// THEN: Undated stats get the engine clock; dated stats keep theirs

	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(90 * time.Minute)

	require.NoError(t, f.engine.SaveTutorStats(ctx, rewards.TutorStats{TutorID: "tutor-1"}))
	got, err := f.engine.TutorStats(ctx, "tutor-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(90*time.Minute)), "got %s", got.UpdatedAt)

	require.NoError(t, f.engine.SaveTutorStats(ctx, rewards.TutorStats{TutorID: "tutor-2", UpdatedAt: t0}))
	got, err = f.engine.TutorStats(ctx, "tutor-2")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0))
}

func TestEngine_TutorIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []rewards.TutorID{"tutor-b", "tutor-a"} {
		require.NoError(t, f.engine.SaveTutorStats(ctx, rewards.TutorStats{TutorID: id}))
	}

	ids, err := f.engine.TutorIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []rewards.TutorID{"tutor-a", "tutor-b"}, ids)

	stats, err := f.engine.TutorStats(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, rewards.TutorID("unknown"), stats.TutorID)
	assert.Zero(t, stats.SessionsCompleted)
}

func TestEngine_NewRejectsInvalidConfig(t *testing.T) {
	_, err := rewards.New(rewards.Config{})
	assert.ErrorIs(t, err, generic.ErrValidation)

	rules := rewards.DefaultRules()
	gold := rules.Tiers[rewards.TierGold]
	gold.MinSessions = 10
	rules.Tiers[rewards.TierGold] = gold
	_, err = rewards.New(rewards.Config{Store: memstore.NewMemory(), Rules: rules})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// racingStore makes the first SaveTierRecord lose a compare-and-swap, as if
// another writer promoted the tutor between the read and the write.
type racingStore struct {
	rewards.Store
	winner rewards.TierRecord
	raced  bool
}

type racingTx struct {
	rewards.Store
	parent *racingStore
}

func (s *racingStore) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	err := s.Store.WithTx(ctx, func(tx rewards.Store) error {
		return fn(&racingTx{Store: tx, parent: s})
	})
	if s.raced && s.winner.TutorID != "" {
		w := s.winner
		s.winner = rewards.TierRecord{}
		if werr := s.Store.SaveTierRecord(ctx, w, ""); werr != nil {
			return werr
		}
	}
	return err
}

func (tx *racingTx) SaveTierRecord(ctx context.Context, rec rewards.TierRecord, expected rewards.Tier) error {
	if !tx.parent.raced {
		tx.parent.raced = true
		tx.parent.winner = rec
		return &generic.ConflictError{Kind: "tier", Key: string(rec.TutorID), Err: generic.ErrConcurrentModification}
	}
	return tx.Store.SaveTierRecord(ctx, rec, expected)
}

func TestEngine_LostPromotionRaceIsNoOp(t *testing.T) {
	// GIVEN: A gold-eligible tutor whose promotion is written by another caller first
	// WHEN: Running a tier check
	// THEN: No error; the result reports gold without claiming the promotion

	mem := memstore.NewMemory()
	st := &racingStore{Store: mem}
	engine, err := rewards.New(rewards.Config{
		Store:  st,
		Stats:  mem,
		Clock:  generic.NewManualClock(t0),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mem.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID: "tutor-1", SessionsCompleted: 160, AverageRating: dec("4.75"), RetentionRate: dec("86"),
	}))

	res, err := engine.CheckTier(ctx, admin(), "tutor-1")
	require.NoError(t, err)
	assert.True(t, st.raced)
	assert.False(t, res.Promoted)
	assert.Equal(t, rewards.TierGold, res.NewTier)
	assert.Equal(t, 160, res.Stats.SessionsCompleted)
}
