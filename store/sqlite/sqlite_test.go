package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
	"github.com/warp/tutor-rewards/rewards/store/storetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func setupMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlite3")), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// =============================================================================
// REAL DATABASE
// =============================================================================

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) rewards.Store { return setupStore(t) })
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	st := setupStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewards.db")
	ctx := context.Background()

	st, err := New(path)
	require.NoError(t, err)
	require.NoError(t, st.AppendPoints(ctx, rewards.PointsEntry{
		ID: "p1", TutorID: "t1", Points: 120, Reason: rewards.ReasonSessionCompleted, CreatedAt: t0,
	}))
	require.NoError(t, st.Close())

	st, err = New(path)
	require.NoError(t, err)
	defer st.Close()
	total, err := st.PointsTotal(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), total)
}

func TestStore_EngineEndToEnd(t *testing.T) {
	// GIVEN: An engine over SQLite and a tutor with gold-level stats at 40.00
	// WHEN: Checking the tier and claiming the gold milestone twice
	// THEN: The tutor is gold at 44.00 and exactly one 55.00 bonus exists

	st := setupStore(t)
	ctx := context.Background()
	engine, err := rewards.New(rewards.Config{
		Store:  st,
		Clock:  generic.NewManualClock(t0),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	base := generic.MustParseDecimal("40")
	_, err = engine.UpdateRate(ctx, rewards.SystemActor(), "t1", rewards.RateUpdate{BaseRate: &base})
	require.NoError(t, err)
	require.NoError(t, engine.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID: "t1", SessionsCompleted: 160,
		AverageRating: generic.MustParseDecimal("4.75"), RetentionRate: generic.MustParseDecimal("86"),
	}))

	promo, err := engine.CheckTier(ctx, rewards.SystemActor(), "t1")
	require.NoError(t, err)
	assert.True(t, promo.Promoted)

	view, err := engine.GetRate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "44.00", view.Rate.EffectiveRate.StringFixed(2))

	params := rewards.BonusParams{CompletedSessions: 160}
	first, err := engine.CalculateBonus(ctx, rewards.SystemActor(), "t1", rewards.BonusMilestone, params)
	require.NoError(t, err)
	require.True(t, first.Recorded)
	assert.Equal(t, "110.00", first.Bonus.Amount.StringFixed(2))

	second, err := engine.CalculateBonus(ctx, rewards.SystemActor(), "t1", rewards.BonusMilestone, params)
	require.NoError(t, err)
	assert.False(t, second.Recorded)
	assert.True(t, second.Calculation.IsDuplicate)

	bonuses, err := st.LoadBonuses(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, bonuses, 1)
}

func TestStore_CorruptDecimalIsStorageError(t *testing.T) {
	// GIVEN: Rows whose decimal columns hold text that is not a number
	// WHEN: Reading them back
	// THEN: Every read fails with a storage error naming the column

	st := setupStore(t)
	ctx := context.Background()
	ts := formatTime(t0)
	for _, stmt := range []string{
		`INSERT INTO tier_records VALUES ('t1', 'gold', 160, 'abc', '86', '` + ts + `')`,
		`INSERT INTO tutor_rates VALUES ('t1', '40', '0', 'x', 'gold', 1, '` + ts + `')`,
		`INSERT INTO tutor_stats (tutor_id, total_earnings, updated_at) VALUES ('t1', 'lots', '` + ts + `')`,
		`INSERT INTO bonuses (id, tutor_id, bonus_type, amount, reference_id, reference_type, status, created_at)
			VALUES ('b1', 't1', 'review', '1,5', 'r1', 'review', 'pending', '` + ts + `')`,
		`INSERT INTO rate_history (id, tutor_id, change_type, previous_rate, new_rate, created_at)
			VALUES ('h1', 't1', 'base', '40', '', '` + ts + `')`,
	} {
		_, err := st.db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	_, err := st.GetTierRecord(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorContains(t, err, "average_rating")
	_, err = st.ListTierRecords(ctx)
	assert.ErrorIs(t, err, generic.ErrStorage)

	_, err = st.GetRate(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorContains(t, err, "effective_rate")
	_, err = st.ListRates(ctx)
	assert.ErrorIs(t, err, generic.ErrStorage)

	_, err = st.TutorStats(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorContains(t, err, "total_earnings")

	_, err = st.GetBonus(ctx, "b1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	_, err = st.LoadBonuses(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)

	_, err = st.LoadRateHistory(ctx, "t1")
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorContains(t, err, "new_rate")
}

func TestStore_SaveTutorStatsStampsWithStoreClock(t *testing.T) {
	// GIVEN: A store on a manual clock
	// WHEN: Saving stats without an update time
	// THEN: The row is stamped with the manual clock, not the wall clock

	clock := generic.NewManualClock(t0)
	st := setupStore(t).WithClock(clock)
	ctx := context.Background()

	require.NoError(t, st.SaveTutorStats(ctx, rewards.TutorStats{TutorID: "t1", SessionsCompleted: 3}))
	got, err := st.TutorStats(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0), "got %s", got.UpdatedAt)

	clock.Advance(time.Hour)
	require.NoError(t, st.WithTx(ctx, func(tx rewards.Store) error {
		return tx.(rewards.StatsStore).SaveTutorStats(ctx, rewards.TutorStats{TutorID: "t1", SessionsCompleted: 4})
	}))
	got, err = st.TutorStats(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)), "got %s", got.UpdatedAt)
}

// =============================================================================
// ERROR CLASSIFICATION (sqlmock)
// =============================================================================

func TestStore_UniqueViolationIsDuplicateKey(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectExec(q("INSERT INTO bonuses")).
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})

	err := st.InsertBonus(context.Background(), rewards.Bonus{
		ID: "b1", TutorID: "t1", Type: rewards.BonusReview, ReferenceID: "r1", Status: rewards.BonusPending,
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DriverErrorIsStorageError(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectQuery(q("SELECT COALESCE(SUM(points), 0) FROM points_ledger")).
		WithArgs("t1").
		WillReturnError(errors.New("disk I/O error"))

	_, err := st.PointsTotal(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.True(t, generic.IsRetryable(err))
	assert.Contains(t, err.Error(), "points total")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ZeroRowsOnCompareAndSwapIsConflict(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectExec(q("UPDATE tutor_rates")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE tier_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	err := st.SaveRate(ctx, rewards.TutorRate{TutorID: "t1", BaseRate: generic.MustParseDecimal("40")}, 3)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	err = st.SaveTierRecord(ctx, rewards.TierRecord{TutorID: "t1", CurrentTier: rewards.TierGold}, rewards.TierSilver)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MissingRowsAreNil(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectQuery(q("FROM bonuses WHERE id = ?")).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM tutor_rates WHERE tutor_id = ?")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tutor_id"}))

	ctx := context.Background()
	b, err := st.GetBonus(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, b)

	r, err := st.GetRate(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO points_ledger")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	boom := errors.New("badge check failed")
	err := st.WithTx(context.Background(), func(tx rewards.Store) error {
		if err := tx.AppendPoints(context.Background(), rewards.PointsEntry{
			ID: "p1", TutorID: "t1", Points: 10, Reason: rewards.ReasonStreakWeek, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitFailureIsStorageError(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := st.WithTx(context.Background(), func(rewards.Store) error { return nil })
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BeginFailureIsStorageError(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := st.WithTx(context.Background(), func(rewards.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}
