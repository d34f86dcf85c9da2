package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

func TestLevelFor_Bands(t *testing.T) {
	cases := []struct {
		total int64
		want  rewards.Level
	}{
		{-50, rewards.LevelBeginner},
		{0, rewards.LevelBeginner},
		{500, rewards.LevelBeginner},
		{501, rewards.LevelProficient},
		{2000, rewards.LevelProficient},
		{2001, rewards.LevelAdvanced},
		{5000, rewards.LevelAdvanced},
		{5001, rewards.LevelExpert},
		{10000, rewards.LevelExpert},
		{10001, rewards.LevelMaster},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rewards.LevelFor(tc.total), "total %d", tc.total)
	}
}

func TestPointsLedger_TotalIsSumOfEntries(t *testing.T) {
	// GIVEN: A session award, a streak award and a negative correction
	// WHEN: Reading the total and level
	// THEN: Total equals the sum of entries and the level follows it

	f := newFixture(t)
	ledger := rewards.NewPointsLedger(f.store, f.rules, f.clock)
	ctx := context.Background()

	_, err := ledger.RecordPoints(ctx, "tutor-1", 120, rewards.ReasonSessionCompleted, "s1", nil)
	require.NoError(t, err)
	_, err = ledger.RecordPoints(ctx, "tutor-1", 40, rewards.ReasonStreakWeek, "", nil)
	require.NoError(t, err)
	_, err = ledger.RecordPoints(ctx, "tutor-1", -60, rewards.ReasonCorrection, "s1", map[string]string{"note": "double count"})
	require.NoError(t, err)

	total, err := ledger.GetTotal(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	level, err := ledger.GetLevel(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, rewards.LevelBeginner, level)
}

func TestPointsLedger_UnknownTutorHasZero(t *testing.T) {
	f := newFixture(t)
	ledger := rewards.NewPointsLedger(f.store, f.rules, f.clock)

	s, err := ledger.Summary(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.TotalPoints)
	assert.Equal(t, rewards.LevelBeginner, s.Level)
}

func TestPointsLedger_RejectsUnknownReason(t *testing.T) {
	f := newFixture(t)
	ledger := rewards.NewPointsLedger(f.store, f.rules, f.clock)

	_, err := ledger.RecordPoints(context.Background(), "tutor-1", 10, "bribe", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = ledger.PointsFor("bribe")
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = ledger.PointsFor(rewards.ReasonCorrection)
	assert.ErrorIs(t, err, generic.ErrValidation, "correction has no fixed value")

	pts, err := ledger.PointsFor(rewards.ReasonSessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(120), pts)
}

func TestPointsLedger_HistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	ledger := rewards.NewPointsLedger(f.store, f.rules, f.clock)
	ctx := context.Background()

	for _, ref := range []string{"s1", "s2", "s3"} {
		_, err := ledger.RecordPoints(ctx, "tutor-1", 120, rewards.ReasonSessionCompleted, ref, nil)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	history, err := ledger.History(ctx, "tutor-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "s3", history[0].ReferenceID)
	assert.Equal(t, "s1", history[2].ReferenceID)
	assert.True(t, history[0].CreatedAt.After(history[2].CreatedAt))
}
