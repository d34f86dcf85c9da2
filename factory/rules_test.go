package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

func TestParseRules_EmptyDocumentIsDefaults(t *testing.T) {
	for _, doc := range []string{"", "# nothing here\n"} {
		rules, err := ParseRules([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, rewards.DefaultRules(), rules)
	}
}

func TestParseRules_OverlaysDefaults(t *testing.T) {
	// GIVEN: A document overriding gold, the session table and the cooldown
	// WHEN: Parsing
	// THEN: Overridden values change and everything else keeps the default

	doc := `
points:
  session_completed: 150
tiers:
  gold:
    min_rating: 4.65
    rate_increase_percent: 12
session_milestones:
  - {sessions: 10, amount: 10}
  - {sessions: 100, amount: 120.50}
rates:
  custom_cooldown: 14d
  benchmark_medians: {elite: 55}
`
	rules, err := ParseRules([]byte(doc))
	require.NoError(t, err)

	def := rewards.DefaultRules()
	assert.Equal(t, int64(150), rules.PointsPerReason[rewards.ReasonSessionCompleted])
	assert.Equal(t, def.PointsPerReason[rewards.ReasonStreakWeek], rules.PointsPerReason[rewards.ReasonStreakWeek])

	gold := rules.Tier(rewards.TierGold)
	assert.Equal(t, "4.65", gold.MinRating.String())
	assert.Equal(t, "12", gold.RateIncreasePercent.String())
	assert.Equal(t, 150, gold.MinSessions)
	assert.Equal(t, def.Tier(rewards.TierGold).Benefits, gold.Benefits)

	require.Len(t, rules.SessionMilestones, 2)
	assert.Equal(t, 100, rules.SessionMilestones[1].Threshold)
	assert.Equal(t, "120.5", rules.SessionMilestones[1].Amount.String())
	assert.Equal(t, def.RetentionMilestones, rules.RetentionMilestones)

	assert.Equal(t, 14*24*time.Hour, rules.Rates.CustomCooldown)
	assert.Equal(t, "55", rules.Rates.BenchmarkMedians[rewards.TierElite].String())
	assert.Equal(t, "40", rules.Rates.BenchmarkMedians[rewards.TierGold].String())
}

func TestParseRules_DoesNotShareMapsWithDefaults(t *testing.T) {
	base := rewards.DefaultRules()
	out, err := RulesDoc{Points: map[string]int64{"streak_week": 99}}.Apply(base)
	require.NoError(t, err)

	assert.Equal(t, int64(99), out.PointsPerReason[rewards.ReasonStreakWeek])
	assert.Equal(t, int64(40), base.PointsPerReason[rewards.ReasonStreakWeek])
}

func TestParseRules_Rejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", "bonuses: {}\n"},
		{"unknown tier field", "tiers:\n  gold:\n    min_points: 3\n"},
		{"unknown tier", "tiers:\n  platinum:\n    min_sessions: 3\n"},
		{"unknown reason", "points:\n  bribe: 10\n"},
		{"not a decimal", "review_bonus:\n  amount: lots\n"},
		{"bad duration", "rates:\n  custom_cooldown: soon\n"},
		{"non-monotonic tiers", "tiers:\n  elite:\n    min_sessions: 100\n"},
		{"zero referral minimum", "referral_bonus:\n  min_sessions: 0\n"},
		{"zero review rating", "review_bonus:\n  min_rating: 0\n"},
		{"descending milestones", "retention_milestones:\n  - {months: 6, amount: 50}\n  - {months: 3, amount: 25}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30d":  30 * 24 * time.Hour,
		"1d":   24 * time.Hour,
		"36h":  36 * time.Hour,
		" 5m ": 5 * time.Minute,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseDuration("xd")
	assert.Error(t, err)
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("referral_bonus: {min_sessions: 3}\n"), 0o644))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rules.ReferralBonus.MinSessions)

	_, err = LoadRulesFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
