/*
Package storetest holds the behavioural contract every rewards.Store must
meet. Implementations run it from their own tests:

	func TestContract(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) rewards.Store { return NewMemory() })
	}

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// Factory returns an empty store. Stores that also keep tutor stats are
// exercised against rewards.StatsStore as well.
type Factory func(t *testing.T) rewards.Store

var base = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return generic.MustParseDecimal(s) }

func Run(t *testing.T, newStore Factory) {
	t.Run("points", func(t *testing.T) { testPoints(t, newStore(t)) })
	t.Run("badges", func(t *testing.T) { testBadges(t, newStore(t)) })
	t.Run("tier records", func(t *testing.T) { testTierRecords(t, newStore(t)) })
	t.Run("bonuses", func(t *testing.T) { testBonuses(t, newStore(t)) })
	t.Run("bonus audit", func(t *testing.T) { testBonusAudit(t, newStore(t)) })
	t.Run("rates", func(t *testing.T) { testRates(t, newStore(t)) })
	t.Run("rate history", func(t *testing.T) { testRateHistory(t, newStore(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("metadata isolation", func(t *testing.T) { testMetadataIsolation(t, newStore(t)) })
	t.Run("stats", func(t *testing.T) {
		st := newStore(t)
		ss, ok := st.(rewards.StatsStore)
		if !ok {
			t.Skip("store does not keep tutor stats")
		}
		testStats(t, ss)
	})
}

func testPoints(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	entries := []rewards.PointsEntry{
		{ID: "p1", TutorID: "t1", Points: 120, Reason: rewards.ReasonSessionCompleted, ReferenceID: "s1", CreatedAt: base},
		{ID: "p2", TutorID: "t1", Points: -20, Reason: rewards.ReasonCorrection, Metadata: map[string]string{"note": "fix"}, CreatedAt: base.Add(time.Minute)},
		{ID: "p3", TutorID: "t2", Points: 50, Reason: rewards.ReasonFiveStarReview, CreatedAt: base},
	}
	for _, e := range entries {
		require.NoError(t, st.AppendPoints(ctx, e))
	}

	total, err := st.PointsTotal(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	total, err = st.PointsTotal(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, total)

	loaded, err := st.LoadPoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "p1", loaded[0].ID, "oldest first")
	assert.Equal(t, "s1", loaded[0].ReferenceID)
	assert.Equal(t, "fix", loaded[1].Metadata["note"])
	assert.True(t, loaded[1].CreatedAt.Equal(base.Add(time.Minute)))
}

func testBadges(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	b := rewards.Badge{ID: "b1", TutorID: "t1", Type: rewards.BadgeFirstSession, EarnedAt: base}

	inserted, err := st.InsertBadge(ctx, b)
	require.NoError(t, err)
	assert.True(t, inserted)

	b.ID = "b2"
	inserted, err = st.InsertBadge(ctx, b)
	require.NoError(t, err)
	assert.False(t, inserted, "one badge per type")

	held, err := st.LoadBadges(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "b1", held[0].ID)
}

func testTierRecords(t *testing.T, st rewards.Store) {
	ctx := context.Background()

	rec, err := st.GetTierRecord(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	silver := rewards.TierRecord{TutorID: "t1", CurrentTier: rewards.TierSilver, TotalSessions: 50,
		AverageRating: d("4.5"), RetentionRate: d("80"), UpdatedAt: base}
	require.NoError(t, st.SaveTierRecord(ctx, silver, ""))

	err = st.SaveTierRecord(ctx, silver, "")
	assert.ErrorIs(t, err, generic.ErrConcurrentModification, "insert over an existing row")

	gold := silver
	gold.CurrentTier = rewards.TierGold
	err = st.SaveTierRecord(ctx, gold, rewards.TierStandard)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification, "stale expected tier")

	require.NoError(t, st.SaveTierRecord(ctx, gold, rewards.TierSilver))

	rec, err = st.GetTierRecord(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, rewards.TierGold, rec.CurrentTier)
	assert.Equal(t, "4.5", rec.AverageRating.String())

	all, err := st.ListTierRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func newBonus(id, ref string) rewards.Bonus {
	return rewards.Bonus{
		ID: id, TutorID: "t1", Type: rewards.BonusRetention, Amount: d("50"),
		ReferenceID: ref, ReferenceType: "student", Milestone: "months_6",
		Status: rewards.BonusPending, Metadata: map[string]string{"months": "7"}, CreatedAt: base,
	}
}

func testBonuses(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	first := newBonus("bonus-1", "student-1")
	require.NoError(t, st.InsertBonus(ctx, first))

	dup := newBonus("bonus-2", "student-1")
	err := st.InsertBonus(ctx, dup)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.True(t, generic.IsConflict(err))

	second := newBonus("bonus-3", "student-2")
	second.CreatedAt = base.Add(time.Hour)
	require.NoError(t, st.InsertBonus(ctx, second))

	found, err := st.FindBonus(ctx, first.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "bonus-1", found.ID)

	missing, err := st.GetBonus(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	approvedAt := base.Add(2 * time.Hour)
	approved := first
	approved.Status = rewards.BonusApproved
	approved.ApprovedAt = &approvedAt
	approved.ApprovedBy = "admin-1"
	require.NoError(t, st.UpdateBonus(ctx, approved, rewards.BonusPending))

	err = st.UpdateBonus(ctx, approved, rewards.BonusPending)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	ghost := newBonus("ghost", "student-9")
	err = st.UpdateBonus(ctx, ghost, rewards.BonusPending)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	got, err := st.GetBonus(ctx, "bonus-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rewards.BonusApproved, got.Status)
	assert.Equal(t, "admin-1", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approvedAt))
	assert.Nil(t, got.PaidAt)
	assert.Equal(t, "50.00", got.Amount.StringFixed(generic.CentsPlaces))
	assert.Equal(t, "7", got.Metadata["months"])

	list, err := st.LoadBonuses(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bonus-3", list[0].ID, "newest first")
}

func testBonusAudit(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	require.NoError(t, st.InsertBonus(ctx, newBonus("bonus-1", "student-1")))

	for i, action := range []rewards.BonusAction{rewards.BonusActionCreated, rewards.BonusActionApproved} {
		require.NoError(t, st.AppendBonusAudit(ctx, rewards.BonusAuditLogEntry{
			ID: string(action), BonusID: "bonus-1", Action: action,
			Changes:     map[string]string{"status": "x"},
			PerformedBy: "admin-1", PerformedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	log, err := st.LoadBonusAudit(ctx, "bonus-1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, rewards.BonusActionCreated, log[0].Action, "oldest first")
	assert.Equal(t, "x", log[1].Changes["status"])
}

func testRates(t *testing.T, st rewards.Store) {
	ctx := context.Background()

	r, err := st.GetRate(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, r)

	row := rewards.TutorRate{TutorID: "t1", BaseRate: d("40"), CustomAdjustmentPercent: d("0"),
		EffectiveRate: d("40"), Tier: rewards.TierStandard, UpdatedAt: base}
	require.NoError(t, st.SaveRate(ctx, row, 0))

	err = st.SaveRate(ctx, row, 0)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	row.CustomAdjustmentPercent = d("5")
	require.NoError(t, st.SaveRate(ctx, row, 1))
	err = st.SaveRate(ctx, row, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification, "stale version")

	got, err := st.GetRate(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "5", got.CustomAdjustmentPercent.String())

	require.NoError(t, st.SaveRate(ctx, rewards.TutorRate{TutorID: "t0", BaseRate: d("30"), UpdatedAt: base}, 0))
	all, err := st.ListRates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, rewards.TutorID("t0"), all[0].TutorID)
}

func testRateHistory(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	for i, id := range []string{"h1", "h2", "h3"} {
		require.NoError(t, st.AppendRateHistory(ctx, rewards.RateHistoryEntry{
			ID: id, TutorID: "t1", ChangeType: rewards.RateChangeBase,
			PreviousRate: d("0"), NewRate: d("40"), Reason: "set",
			Metadata: map[string]string{"i": id}, CreatedBy: "admin-1",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	h, err := st.LoadRateHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, "h3", h[0].ID, "newest first")
	assert.Equal(t, "h1", h[2].ID)
	assert.Equal(t, "40", h[0].NewRate.String())
	assert.Equal(t, "admin-1", h[0].CreatedBy)

	empty, err := st.LoadRateHistory(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTransactions(t *testing.T, st rewards.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx rewards.Store) error {
		require.NoError(t, tx.InsertBonus(ctx, newBonus("bonus-1", "student-1")))
		require.NoError(t, tx.AppendPoints(ctx, rewards.PointsEntry{
			ID: "p1", TutorID: "t1", Points: 10, Reason: rewards.ReasonStreakWeek, CreatedAt: base,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := st.GetBonus(ctx, "bonus-1")
	require.NoError(t, err)
	assert.Nil(t, b, "rolled back")
	total, err := st.PointsTotal(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, total)

	err = st.WithTx(ctx, func(tx rewards.Store) error {
		if err := tx.InsertBonus(ctx, newBonus("bonus-1", "student-1")); err != nil {
			return err
		}
		return tx.WithTx(ctx, func(inner rewards.Store) error {
			return inner.AppendBonusAudit(ctx, rewards.BonusAuditLogEntry{
				ID: "a1", BonusID: "bonus-1", Action: rewards.BonusActionCreated,
				PerformedBy: "system", PerformedAt: base,
			})
		})
	})
	require.NoError(t, err)

	log, err := st.LoadBonusAudit(ctx, "bonus-1")
	require.NoError(t, err)
	assert.Len(t, log, 1, "nested call joins the outer transaction")
}

// testMetadataIsolation checks that maps handed to or returned by the store
// are not shared with its rows.
func testMetadataIsolation(t *testing.T, st rewards.Store) {
	ctx := context.Background()

	md := map[string]string{"note": "original"}
	require.NoError(t, st.AppendPoints(ctx, rewards.PointsEntry{
		ID: "p1", TutorID: "t1", Points: 10, Reason: rewards.ReasonCorrection, Metadata: md, CreatedAt: base,
	}))
	md["note"] = "mutated"
	md["extra"] = "x"
	points, err := st.LoadPoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, map[string]string{"note": "original"}, points[0].Metadata)
	points[0].Metadata["note"] = "mutated"
	points, err = st.LoadPoints(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "original", points[0].Metadata["note"])

	bonus := newBonus("bonus-1", "student-1")
	require.NoError(t, st.InsertBonus(ctx, bonus))
	bonus.Metadata["months"] = "99"
	got, err := st.GetBonus(ctx, "bonus-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "7", got.Metadata["months"])
	got.Metadata["months"] = "99"
	loaded, err := st.LoadBonuses(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "7", loaded[0].Metadata["months"])

	changes := map[string]string{"status": "pending -> approved"}
	require.NoError(t, st.AppendBonusAudit(ctx, rewards.BonusAuditLogEntry{
		ID: "a1", BonusID: "bonus-1", Action: rewards.BonusActionApproved,
		Changes: changes, PerformedBy: "admin-1", PerformedAt: base,
	}))
	changes["status"] = "rewritten"
	log, err := st.LoadBonusAudit(ctx, "bonus-1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "pending -> approved", log[0].Changes["status"])

	hmd := map[string]string{"source": "admin"}
	require.NoError(t, st.AppendRateHistory(ctx, rewards.RateHistoryEntry{
		ID: "h1", TutorID: "t1", ChangeType: rewards.RateChangeBase,
		PreviousRate: d("0"), NewRate: d("40"), Metadata: hmd, CreatedAt: base,
	}))
	hmd["source"] = "rewritten"
	h, err := st.LoadRateHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "admin", h[0].Metadata["source"])
}

func testStats(t *testing.T, st rewards.StatsStore) {
	ctx := context.Background()

	zero, err := st.TutorStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, rewards.TutorID("t1"), zero.TutorID)
	assert.Zero(t, zero.SessionsCompleted)

	s := rewards.TutorStats{TutorID: "t1", SessionsCompleted: 12, AverageRating: d("4.8"),
		ReviewCount: 10, RetentionRate: d("85.5"), TotalEarnings: d("1200.50"), UpdatedAt: base}
	require.NoError(t, st.SaveTutorStats(ctx, s))
	s.SessionsCompleted = 13
	require.NoError(t, st.SaveTutorStats(ctx, s))
	require.NoError(t, st.SaveTutorStats(ctx, rewards.TutorStats{TutorID: "t0", UpdatedAt: base}))

	got, err := st.TutorStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 13, got.SessionsCompleted, "save is an upsert")
	assert.Equal(t, "85.5", got.RetentionRate.String())
	assert.Equal(t, "1200.5", got.TotalEarnings.String())

	ids, err := st.ListTutorIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []rewards.TutorID{"t0", "t1"}, ids)
}
