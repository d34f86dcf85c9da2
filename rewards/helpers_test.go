package rewards_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
	memstore "github.com/warp/tutor-rewards/rewards/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memstore.Memory
	clock  *generic.ManualClock
	rules  rewards.Rules
	engine *rewards.Engine
	tiers  *rewards.TierClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.NewMemory()
	clock := generic.NewManualClock(t0)
	rules := rewards.DefaultRules()

	engine, err := rewards.New(rewards.Config{
		Store:  st,
		Rules:  rules,
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	return &fixture{
		store:  st,
		clock:  clock,
		rules:  rules,
		engine: engine,
		tiers:  rewards.NewTierClassifier(st, st, rules, clock),
	}
}

func (f *fixture) bonuses() *rewards.BonusCalculator {
	return rewards.NewBonusCalculator(f.store, f.tiers, f.rules, f.clock)
}

func (f *fixture) rates() *rewards.RateService {
	return rewards.NewRateService(f.store, f.tiers, f.rules, f.clock)
}

func (f *fixture) setStats(t *testing.T, s rewards.TutorStats) {
	t.Helper()
	require.NoError(t, f.store.SaveTutorStats(context.Background(), s))
}

// promote stores stats that qualify for tier and runs a tier check.
func (f *fixture) promote(t *testing.T, tutor rewards.TutorID, tier rewards.Tier) {
	t.Helper()
	rule := f.rules.Tier(tier)
	f.setStats(t, rewards.TutorStats{
		TutorID:           tutor,
		SessionsCompleted: rule.MinSessions,
		AverageRating:     rule.MinRating,
		RetentionRate:     rule.MinRetention,
	})
	res, err := f.engine.CheckTier(context.Background(), admin(), tutor)
	require.NoError(t, err)
	require.Equal(t, tier, res.NewTier)
}

func dec(s string) decimal.Decimal {
	return generic.MustParseDecimal(s)
}

func admin() rewards.Actor {
	return rewards.Actor{UserID: "admin-1", IsAdmin: true}
}

func tutorActor(id rewards.TutorID) rewards.Actor {
	return rewards.Actor{UserID: "user-" + string(id), TutorID: id}
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(generic.CentsPlaces), msgAndArgs...)
}
