/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that push realistic tutor data through the
  engine for manual exploration of the API. Every write goes through
  rewards.Engine, so scenarios exercise the same paths as real callers.

AVAILABLE SCENARIOS:
  new-tutor:      One session, first badge, standard tier
  gold-candidate: Stats that qualify for gold; a tier check promotes
  elite-tutor:    Elite stats, custom rate adjustment, bonuses in flight

HOW SCENARIOS WORK:
  1. Push tutor stats through the stats feed
  2. Seed a base rate (first load only)
  3. Award points for completed sessions
  4. Run tier and badge checks
  5. Calculate bonuses

  Scenarios are additive: the ledgers are append-only, so reloading adds
  points but never duplicates badges, promotions or bonuses.

USAGE VIA API (server started with -scenarios, admin actor):
  POST /api/scenarios/load
  {"scenario_id": "gold-candidate"}

SEE ALSO:
  - handlers.go: Engine-backed endpoints
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-tutor",
		Name:        "New Tutor",
		Description: "First completed session: points, first_session badge, standard tier",
		Tutors:      []string{"tutor-new"},
	},
	{
		ID:          "gold-candidate",
		Name:        "Gold Candidate",
		Description: "200 sessions at 4.8 with 90% retention; tier check promotes to gold",
		Tutors:      []string{"tutor-gold"},
	},
	{
		ID:          "elite-tutor",
		Name:        "Elite Tutor",
		Description: "Elite stats, +5% custom rate, retention and milestone bonuses pending approval",
		Tutors:      []string{"tutor-elite"},
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) error

var scenarioLoaders = map[string]scenarioLoader{
	"new-tutor":      loadNewTutorScenario,
	"gold-candidate": loadGoldCandidateScenario,
	"elite-tutor":    loadEliteTutorScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a demo scenario. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if actor := actorFrom(r); !actor.IsAdmin {
		h.writeEngineError(w, "Failed to load scenario", &generic.ForbiddenError{Action: "load scenario", Actor: actor.UserID})
		return
	}

	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return generic.Invalid("scenario_id", "unknown scenario %q", id)
	}
	if err := load(ctx, h); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadNewTutorScenario(ctx context.Context, h *Handler) error {
	const tutor rewards.TutorID = "tutor-new"

	if err := h.Engine.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID:           tutor,
		SessionsCompleted: 1,
		AverageRating:     decimal.NewFromInt(5),
		ReviewCount:       1,
		FiveStarReviews:   1,
		TotalEarnings:     decimal.NewFromInt(25),
	}); err != nil {
		return err
	}
	if err := seedBaseRate(ctx, h, tutor, "25.00"); err != nil {
		return err
	}
	if _, err := h.Engine.Award(ctx, rewards.SystemActor(), tutor, rewards.ReasonProfileCompleted, "profile", nil); err != nil {
		return err
	}
	if _, err := h.Engine.Award(ctx, rewards.SystemActor(), tutor, rewards.ReasonSessionCompleted, "session-1", nil); err != nil {
		return err
	}
	_, err := h.Engine.CheckTier(ctx, rewards.SystemActor(), tutor)
	return err
}

func loadGoldCandidateScenario(ctx context.Context, h *Handler) error {
	const tutor rewards.TutorID = "tutor-gold"

	if err := h.Engine.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID:           tutor,
		SessionsCompleted: 200,
		AverageRating:     generic.MustParseDecimal("4.8"),
		ReviewCount:       120,
		FiveStarReviews:   30,
		RetentionRate:     decimal.NewFromInt(90),
		RetainedStudents:  12,
		StreakWeeks:       6,
		TotalEarnings:     decimal.NewFromInt(8000),
		Referrals:         1,
	}); err != nil {
		return err
	}
	if err := seedBaseRate(ctx, h, tutor, "40.00"); err != nil {
		return err
	}
	for i := 1; i <= 5; i++ {
		if _, err := h.Engine.Award(ctx, rewards.SystemActor(), tutor, rewards.ReasonSessionCompleted, fmt.Sprintf("session-%d", i), nil); err != nil {
			return err
		}
	}
	if _, err := h.Engine.CheckTier(ctx, rewards.SystemActor(), tutor); err != nil {
		return err
	}
	_, err := h.Engine.CalculateBonus(ctx, rewards.SystemActor(), tutor, rewards.BonusMilestone, rewards.BonusParams{CompletedSessions: 200})
	return err
}

func loadEliteTutorScenario(ctx context.Context, h *Handler) error {
	const tutor rewards.TutorID = "tutor-elite"

	if err := h.Engine.SaveTutorStats(ctx, rewards.TutorStats{
		TutorID:           tutor,
		SessionsCompleted: 520,
		AverageRating:     generic.MustParseDecimal("4.9"),
		ReviewCount:       300,
		FiveStarReviews:   250,
		RetentionRate:     decimal.NewFromInt(94),
		RetainedStudents:  40,
		StreakWeeks:       20,
		TotalEarnings:     decimal.NewFromInt(26000),
		Referrals:         4,
	}); err != nil {
		return err
	}

	seeded, err := seedRate(ctx, h, tutor, "50.00")
	if err != nil {
		return err
	}
	if _, err := h.Engine.CheckTier(ctx, rewards.SystemActor(), tutor); err != nil {
		return err
	}
	if seeded {
		five := decimal.NewFromInt(5)
		if _, err := h.Engine.UpdateRate(ctx, rewards.SystemActor(), tutor, rewards.RateUpdate{
			CustomAdjustment: &five,
			Reason:           "top performer adjustment",
		}); err != nil {
			return err
		}
	}

	if _, err := h.Engine.Award(ctx, rewards.SystemActor(), tutor, rewards.ReasonStudentRetained, "student-42", nil); err != nil {
		return err
	}
	if _, err := h.Engine.CalculateBonus(ctx, rewards.SystemActor(), tutor, rewards.BonusRetention, rewards.BonusParams{
		StudentID:      "student-42",
		MonthsRetained: 12,
	}); err != nil {
		return err
	}
	_, err = h.Engine.CalculateBonus(ctx, rewards.SystemActor(), tutor, rewards.BonusMilestone, rewards.BonusParams{CompletedSessions: 520})
	return err
}

func seedBaseRate(ctx context.Context, h *Handler, tutor rewards.TutorID, base string) error {
	_, err := seedRate(ctx, h, tutor, base)
	return err
}

// seedRate sets the base rate on first load only and reports whether it did.
func seedRate(ctx context.Context, h *Handler, tutor rewards.TutorID, base string) (bool, error) {
	_, err := h.Engine.GetRate(ctx, tutor)
	if err == nil {
		return false, nil
	}
	if !generic.IsNotFound(err) {
		return false, err
	}
	rate := generic.MustParseDecimal(base)
	if _, err := h.Engine.UpdateRate(ctx, rewards.SystemActor(), tutor, rewards.RateUpdate{
		BaseRate: &rate,
		Reason:   "initial rate",
	}); err != nil {
		return false, err
	}
	return true, nil
}
