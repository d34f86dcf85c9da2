package rewards_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tutor-rewards/rewards"
)

func badgeTypes(badges []rewards.Badge) []rewards.BadgeType {
	out := make([]rewards.BadgeType, 0, len(badges))
	for _, b := range badges {
		out = append(out, b.Type)
	}
	return out
}

func TestBadgeEvaluator_AwardsSatisfiedBadgesOnce(t *testing.T) {
	// GIVEN: A tutor with 12 sessions
	// WHEN: Checking badges twice
	// THEN: first_session and rising_star are awarded the first time only

	f := newFixture(t)
	eval := rewards.NewBadgeEvaluator(f.store, f.store, f.clock)
	ctx := context.Background()
	f.setStats(t, rewards.TutorStats{TutorID: "tutor-1", SessionsCompleted: 12})

	first, err := eval.CheckAndAwardBadges(ctx, "tutor-1")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]rewards.BadgeType{rewards.BadgeFirstSession, rewards.BadgeRisingStar},
		badgeTypes(first))

	second, err := eval.CheckAndAwardBadges(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Empty(t, second)

	held, err := eval.Badges(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestBadgeEvaluator_AllCriteriaRequired(t *testing.T) {
	// GIVEN: A 4.9 rating but only 9 reviews
	// WHEN: Checking badges
	// THEN: top_rated is not awarded

	f := newFixture(t)
	eval := rewards.NewBadgeEvaluator(f.store, f.store, f.clock)
	f.setStats(t, rewards.TutorStats{TutorID: "tutor-1", AverageRating: dec("4.9"), ReviewCount: 9})

	got, err := eval.CheckAndAwardBadges(context.Background(), "tutor-1")
	require.NoError(t, err)
	assert.NotContains(t, badgeTypes(got), rewards.BadgeTopRated)
}

func TestBadgeEvaluator_ProgressExcludesEarned(t *testing.T) {
	// GIVEN: 5 sessions and first_session already earned
	// WHEN: Reading progress
	// THEN: first_session is absent, rising_star is 50%, century_club is 5%

	f := newFixture(t)
	eval := rewards.NewBadgeEvaluator(f.store, f.store, f.clock)
	ctx := context.Background()
	f.setStats(t, rewards.TutorStats{TutorID: "tutor-1", SessionsCompleted: 5})
	_, err := eval.CheckAndAwardBadges(ctx, "tutor-1")
	require.NoError(t, err)

	progress, err := eval.GetBadgeProgress(ctx, "tutor-1")
	require.NoError(t, err)

	byType := map[rewards.BadgeType]int{}
	for _, p := range progress {
		byType[p.Type] = p.Percent
	}
	assert.NotContains(t, byType, rewards.BadgeFirstSession)
	assert.Equal(t, 50, byType[rewards.BadgeRisingStar])
	assert.Equal(t, 10, byType[rewards.BadgeDedicatedTutor])
	assert.Equal(t, 5, byType[rewards.BadgeCenturyClub])
	assert.Len(t, progress, len(rewards.BadgeCatalog)-1)
}

func TestBadgeDefinition_ProgressAveragesCappedCriteria(t *testing.T) {
	// GIVEN: top_rated needs rating 4.8 and 10 reviews
	// WHEN: Rating exceeds the threshold but reviews are at 5
	// THEN: Progress is (100 + 50) / 2 = 75

	def, ok := rewards.LookupBadge(rewards.BadgeTopRated)
	require.True(t, ok)

	stats := rewards.TutorStats{AverageRating: dec("5"), ReviewCount: 5}
	assert.Equal(t, 75, def.Progress(stats))
	assert.False(t, def.Satisfied(stats))
}

func TestBadgeEvaluator_ConcurrentChecksAwardOnce(t *testing.T) {
	// GIVEN: A tutor eligible for first_session
	// WHEN: Ten evaluations run concurrently
	// THEN: Exactly one badge row exists

	f := newFixture(t)
	eval := rewards.NewBadgeEvaluator(f.store, f.store, f.clock)
	ctx := context.Background()
	f.setStats(t, rewards.TutorStats{TutorID: "tutor-1", SessionsCompleted: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	awarded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := eval.CheckAndAwardBadges(ctx, "tutor-1")
			assert.NoError(t, err)
			mu.Lock()
			awarded += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	held, err := eval.Badges(ctx, "tutor-1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Equal(t, 1, awarded)
}
