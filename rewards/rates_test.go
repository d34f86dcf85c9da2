package rewards_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

func TestEffectiveRate(t *testing.T) {
	cases := []struct {
		base, tier, custom, want string
	}{
		{"40", "0", "0", "40.00"},
		{"40", "10", "0", "44.00"},
		{"40", "10", "5", "46.20"},
		{"40", "15", "-10", "41.40"},
		{"33.33", "5", "3", "36.05"},
	}
	for _, tc := range cases {
		got := rewards.EffectiveRate(dec(tc.base), dec(tc.tier), dec(tc.custom))
		assertMoney(t, tc.want, got, "%s × %s%% × %s%%", tc.base, tc.tier, tc.custom)
	}
}

func TestRateService_UpdateBaseRateCreatesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()

	rate, err := svc.UpdateBaseRate(ctx, tutorActor("tutor-1"), "tutor-1", dec("40"), "")
	require.NoError(t, err)
	assertMoney(t, "40.00", rate.EffectiveRate)
	assert.Equal(t, int64(1), rate.Version)
	assert.Equal(t, rewards.TierStandard, rate.Tier)

	history, err := svc.GetRateHistory(ctx, "tutor-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rewards.RateChangeBase, history[0].ChangeType)
	assertMoney(t, "0.00", history[0].PreviousRate)
	assertMoney(t, "40.00", history[0].NewRate)
	assert.Equal(t, "user-tutor-1", history[0].CreatedBy)
}

func TestRateService_RejectsInvalidBaseRate(t *testing.T) {
	// GIVEN: A tutor at 40.00
	// WHEN: Setting -5, 0, 130 (over 3×) and 600 (over the cap)
	// THEN: Each is a validation error and the stored rate is unchanged

	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("40"), "")
	require.NoError(t, err)

	for _, bad := range []string{"-5", "0", "130", "600", "13"} {
		_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec(bad), "")
		assert.ErrorIs(t, err, generic.ErrValidation, "base %s", bad)
	}

	rate, err := svc.GetCurrentRate(ctx, "tutor-1")
	require.NoError(t, err)
	assertMoney(t, "40.00", rate.BaseRate)
	assert.Equal(t, int64(1), rate.Version)

	_, err = svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("130"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed range")
}

func TestRateService_OnlySelfOrAdmin(t *testing.T) {
	f := newFixture(t)
	svc := f.rates()

	_, err := svc.UpdateBaseRate(context.Background(), tutorActor("tutor-2"), "tutor-1", dec("40"), "")
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestRateService_CustomAdjustmentCooldown(t *testing.T) {
	// GIVEN: A tutor at 40.00 with a +5% adjustment applied today
	// WHEN: Applying another adjustment after 10 days, then after 30 days
	// THEN: The first is rejected with the next allowed date; the second succeeds

	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("40"), "")
	require.NoError(t, err)

	rate, err := svc.ApplyCustomAdjustment(ctx, tutorActor("tutor-1"), "tutor-1", dec("5"), "premium subject")
	require.NoError(t, err)
	assertMoney(t, "42.00", rate.EffectiveRate)
	assert.Equal(t, int64(2), rate.Version)

	f.clock.Advance(10 * 24 * time.Hour)
	_, err = svc.ApplyCustomAdjustment(ctx, tutorActor("tutor-1"), "tutor-1", dec("8"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.Contains(t, err.Error(), "30 days")
	assert.Contains(t, err.Error(), t0.Add(30*24*time.Hour).Format(time.RFC3339))

	f.clock.Advance(20 * 24 * time.Hour)
	rate, err = svc.ApplyCustomAdjustment(ctx, tutorActor("tutor-1"), "tutor-1", dec("8"), "")
	require.NoError(t, err)
	assertMoney(t, "43.20", rate.EffectiveRate)
}

func TestRateService_CustomAdjustmentBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("40"), "")
	require.NoError(t, err)

	for _, bad := range []string{"-10.5", "11", "25"} {
		_, err := svc.ApplyCustomAdjustment(ctx, admin(), "tutor-1", dec(bad), "")
		assert.ErrorIs(t, err, generic.ErrValidation, "percent %s", bad)
	}

	_, err = svc.ApplyCustomAdjustment(ctx, admin(), "tutor-1", dec("-10"), "")
	assert.NoError(t, err, "band edges are inclusive")
}

func TestRateService_CustomAdjustmentNeedsBaseRate(t *testing.T) {
	f := newFixture(t)
	_, err := f.rates().ApplyCustomAdjustment(context.Background(), admin(), "tutor-1", dec("5"), "")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestRateService_EffectiveRateFollowsTier(t *testing.T) {
	// GIVEN: Base 40.00 with +5% custom, then a promotion to gold
	// WHEN: Reading the current rate
	// THEN: Effective rate is 40 × 1.10 × 1.05 = 46.20

	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("40"), "")
	require.NoError(t, err)
	_, err = svc.ApplyCustomAdjustment(ctx, admin(), "tutor-1", dec("5"), "")
	require.NoError(t, err)
	f.promote(t, "tutor-1", rewards.TierGold)

	rate, err := svc.GetCurrentRate(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, rewards.TierGold, rate.Tier)
	assertMoney(t, "46.20", rate.EffectiveRate)

	history, err := svc.GetRateHistory(ctx, "tutor-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, rewards.RateChangeTierPromotion, history[0].ChangeType, "newest first")
	assertMoney(t, "42.00", history[0].PreviousRate)
	assertMoney(t, "46.20", history[0].NewRate)
}

func TestRateService_ComparisonFallsBackToBenchmark(t *testing.T) {
	// GIVEN: A standard tutor at 40.00 and only two standard peers
	// WHEN: Comparing
	// THEN: The configured standard median (30.00) is used

	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	for id, base := range map[rewards.TutorID]string{"tutor-1": "40", "peer-1": "20", "peer-2": "22"} {
		_, err := svc.UpdateBaseRate(ctx, admin(), id, dec(base), "")
		require.NoError(t, err)
	}

	cmp, err := svc.GetRateComparison(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, "benchmark", cmp.Source)
	assert.Equal(t, 2, cmp.SampleSize)
	assertMoney(t, "30.00", cmp.BenchmarkRate)
	assertMoney(t, "33.33", cmp.DifferencePercent)
}

func TestRateService_ComparisonUsesPeerMedian(t *testing.T) {
	// GIVEN: Five standard peers at 30, 32, 34, 36, 38 and one gold tutor
	// WHEN: A standard tutor at 40.00 compares
	// THEN: The peer median 34.00 is used and the gold tutor is ignored

	f := newFixture(t)
	ctx := context.Background()
	svc := f.rates()
	_, err := svc.UpdateBaseRate(ctx, admin(), "tutor-1", dec("40"), "")
	require.NoError(t, err)
	for i, base := range []string{"30", "32", "34", "36", "38"} {
		_, err := svc.UpdateBaseRate(ctx, admin(), rewards.TutorID(fmt.Sprintf("peer-%d", i)), dec(base), "")
		require.NoError(t, err)
	}
	_, err = svc.UpdateBaseRate(ctx, admin(), "gold-1", dec("100"), "")
	require.NoError(t, err)
	f.promote(t, "gold-1", rewards.TierGold)

	cmp, err := svc.GetRateComparison(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Equal(t, "peers", cmp.Source)
	assert.Equal(t, 5, cmp.SampleSize)
	assertMoney(t, "34.00", cmp.BenchmarkRate)
	assertMoney(t, "17.65", cmp.DifferencePercent)
}

func TestRateService_UnknownTutor(t *testing.T) {
	f := newFixture(t)
	_, err := f.rates().GetCurrentRate(context.Background(), "nobody")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
