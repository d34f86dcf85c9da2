/*
handlers.go - HTTP API handlers for the tutor rewards engine

PURPOSE:
  Exposes the rewards engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates everything else to rewards.Engine.

ENDPOINTS:
  Points & badges:
    POST   /api/tutors/{id}/points            Award points (admin)
    GET    /api/tutors/{id}/points            Total, level, history
    POST   /api/tutors/{id}/badges/check      Award newly earned badges
    GET    /api/tutors/{id}/badges            Earned badges + progress

  Tiers:
    POST   /api/tutors/{id}/tier/check        Promote if eligible
    GET    /api/tutors/{id}/tier              Progress toward next tier
    GET    /api/tiers/{tier}                  Benefits of a tier

  Bonuses:
    POST   /api/tutors/{id}/bonuses           Calculate (and record) a bonus
    GET    /api/tutors/{id}/bonuses/summary   Totals per status
    GET    /api/bonuses/{id}                  Single bonus
    PATCH  /api/bonuses/{id}                  Patch status/amount/metadata (admin)
    POST   /api/bonuses/{id}/approve|pay|cancel (admin)
    GET    /api/bonuses/{id}/audit            Audit trail

  Rates:
    GET    /api/tutors/{id}/rate              Current rate + history
    PUT    /api/tutors/{id}/rate              Base rate or custom adjustment
    GET    /api/tutors/{id}/rate/comparison   Benchmark comparison

  Stats feed:
    GET    /api/tutors/{id}/stats
    PUT    /api/tutors/{id}/stats

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    POST   /api/scenarios/load                Load a demo scenario

ACTOR:
  Authentication happens upstream. The gateway forwards the caller as
  X-Actor-ID, X-Actor-Tutor-ID and X-Actor-Admin headers; the engine
  checks the capability they describe.

ERROR HANDLING:
  Engine errors map to statuses by kind:
  - 400: validation (including invalid bonus transitions)
  - 403: missing capability
  - 404: not found
  - 409: conflict (duplicate, concurrent modification)
  - 503: storage failure or timeout, with Retry-After
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

const (
	HeaderActorID      = "X-Actor-ID"
	HeaderActorTutorID = "X-Actor-Tutor-ID"
	HeaderActorAdmin   = "X-Actor-Admin"

	retryAfterSeconds = "1"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *rewards.Engine
	Logger *slog.Logger

	// ScenariosEnabled mounts the demo scenario routes (development only).
	ScenariosEnabled bool

	// Scheduler backs GET /api/scheduler; nil when no scheduler runs.
	Scheduler *TierCheckScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *rewards.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Logger: logger}
}

// actorFrom reads the caller forwarded by the gateway.
func actorFrom(r *http.Request) rewards.Actor {
	admin, _ := strconv.ParseBool(r.Header.Get(HeaderActorAdmin))
	return rewards.Actor{
		UserID:  r.Header.Get(HeaderActorID),
		TutorID: rewards.TutorID(r.Header.Get(HeaderActorTutorID)),
		IsAdmin: admin,
	}
}

func tutorParam(r *http.Request) rewards.TutorID {
	return rewards.TutorID(chi.URLParam(r, "id"))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// =============================================================================
// POINTS & BADGES
// =============================================================================

// AwardPoints records a points entry. The fixed per-reason amount is used
// unless Points is given, which is an admin correction.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	tutorID := tutorParam(r)
	actor := actorFrom(r)

	var req AwardPointsRequest
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	var (
		res rewards.AwardResult
		err error
	)
	reason := rewards.PointsReason(req.Reason)
	if req.Points != nil {
		res, err = h.Engine.RecordPoints(r.Context(), actor, tutorID, *req.Points, reason, req.ReferenceID, req.Metadata)
	} else {
		res, err = h.Engine.Award(r.Context(), actor, tutorID, reason, req.ReferenceID, req.Metadata)
	}
	if err != nil {
		h.writeEngineError(w, "Failed to award points", err)
		return
	}

	writeJSON(w, http.StatusCreated, AwardResponse{
		Entry:        toPointsEntryDTO(res.Entry),
		TotalPoints:  res.TotalPoints,
		Level:        string(res.Level),
		LevelChanged: res.LevelChanged,
		NewBadges:    toBadgeDTOs(res.NewBadges),
	})
}

func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	tutorID := tutorParam(r)

	summary, err := h.Engine.Points(r.Context(), tutorID)
	if err != nil {
		h.writeEngineError(w, "Failed to get points", err)
		return
	}
	history, err := h.Engine.PointsHistory(r.Context(), tutorID)
	if err != nil {
		h.writeEngineError(w, "Failed to get points history", err)
		return
	}

	writeJSON(w, http.StatusOK, PointsResponse{
		TutorID:     string(tutorID),
		TotalPoints: summary.TotalPoints,
		Level:       string(summary.Level),
		History:     toPointsEntryDTOs(history),
	})
}

func (h *Handler) CheckBadges(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CheckBadges(r.Context(), actorFrom(r), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to check badges", err)
		return
	}
	writeJSON(w, http.StatusOK, toBadgeCheckResponse(res))
}

func (h *Handler) GetBadges(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Badges(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get badges", err)
		return
	}
	writeJSON(w, http.StatusOK, toBadgeCheckResponse(res))
}

func toBadgeCheckResponse(res rewards.BadgeCheckResult) BadgeCheckResponse {
	return BadgeCheckResponse{
		NewBadges:     toBadgeDTOs(res.NewBadges),
		CurrentBadges: toBadgeDTOs(res.CurrentBadges),
		Progress:      toBadgeProgressDTOs(res.Progress),
	}
}

// =============================================================================
// TIERS
// =============================================================================

func (h *Handler) CheckTier(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CheckTier(r.Context(), actorFrom(r), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to check tier", err)
		return
	}
	writeJSON(w, http.StatusOK, TierCheckResponse{
		Promoted:     res.Promoted,
		PreviousTier: string(res.PreviousTier),
		NewTier:      string(res.NewTier),
		Stats:        toStatsDTO(res.Stats),
	})
}

func (h *Handler) GetTierProgress(w http.ResponseWriter, r *http.Request) {
	status, err := h.Engine.TierProgress(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get tier progress", err)
		return
	}
	writeJSON(w, http.StatusOK, toTierProgressResponse(status))
}

func (h *Handler) GetTierBenefits(w http.ResponseWriter, r *http.Request) {
	tier, err := rewards.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		h.writeEngineError(w, "Invalid tier", err)
		return
	}
	b, err := h.Engine.TierBenefits(tier)
	if err != nil {
		h.writeEngineError(w, "Failed to get tier benefits", err)
		return
	}
	benefits := b.Benefits
	if benefits == nil {
		benefits = []string{}
	}
	writeJSON(w, http.StatusOK, TierBenefitsResponse{
		Tier:                string(b.Tier),
		Benefits:            benefits,
		RateIncreasePercent: b.RateIncreasePercent.String(),
	})
}

// =============================================================================
// BONUSES
// =============================================================================

// CalculateBonus returns 201 when a new bonus was recorded, 200 otherwise
// (zero amount or duplicate).
func (h *Handler) CalculateBonus(w http.ResponseWriter, r *http.Request) {
	var req CalculateBonusRequest
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	bonusType, err := rewards.ParseBonusType(req.Type)
	if err != nil {
		h.writeEngineError(w, "Invalid bonus type", err)
		return
	}

	res, err := h.Engine.CalculateBonus(r.Context(), actorFrom(r), tutorParam(r), bonusType, rewards.BonusParams{
		StudentID:         req.StudentID,
		MonthsRetained:    req.MonthsRetained,
		CompletedSessions: req.CompletedSessions,
		ReviewID:          req.ReviewID,
		Rating:            req.Rating,
		ReferredStudentID: req.ReferredStudentID,
		SessionsCompleted: req.SessionsCompleted,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to calculate bonus", err)
		return
	}

	status := http.StatusOK
	if res.Recorded {
		status = http.StatusCreated
	}
	writeJSON(w, status, toCalculateBonusResponse(res))
}

func (h *Handler) GetBonusSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.BonusSummary(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get bonus summary", err)
		return
	}
	writeJSON(w, http.StatusOK, BonusSummaryResponse{
		TutorID:       string(s.TutorID),
		Pending:       money(s.Pending),
		Approved:      money(s.Approved),
		Paid:          money(s.Paid),
		Cancelled:     money(s.Cancelled),
		Total:         money(s.Total),
		Count:         s.Count,
		RecentBonuses: toBonusDTOs(s.Recent),
	})
}

func (h *Handler) GetBonus(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.GetBonus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to get bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusDTO(b))
}

func (h *Handler) ApproveBonus(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.ApproveBonus(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to approve bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusDTO(b))
}

func (h *Handler) PayBonus(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.PayBonus(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to mark bonus paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusDTO(b))
}

// CancelBonus accepts an optional {reason} body.
func (h *Handler) CancelBonus(w http.ResponseWriter, r *http.Request) {
	var req CancelBonusRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeEngineError(w, "Invalid request body", err)
			return
		}
	}
	b, err := h.Engine.CancelBonus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeEngineError(w, "Failed to cancel bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusDTO(b))
}

func (h *Handler) UpdateBonus(w http.ResponseWriter, r *http.Request) {
	var req UpdateBonusRequest
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	patch := rewards.BonusPatch{Amount: req.Amount, Metadata: req.Metadata}
	if req.Status != nil {
		st := rewards.BonusStatus(strings.ToLower(*req.Status))
		patch.Status = &st
	}

	b, err := h.Engine.UpdateBonus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeEngineError(w, "Failed to update bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, toBonusDTO(b))
}

func (h *Handler) GetBonusAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.BonusAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to get bonus audit", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// RATES
// =============================================================================

func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetRate(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get rate", err)
		return
	}
	writeJSON(w, http.StatusOK, RateResponse{
		Rate:    toRateDTO(view.Rate),
		History: toRateHistoryDTOs(view.History),
		Tier:    string(view.Tier),
	})
}

func (h *Handler) UpdateRate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRateRequest
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	rate, err := h.Engine.UpdateRate(r.Context(), actorFrom(r), tutorParam(r), rewards.RateUpdate{
		BaseRate:         req.BaseRate,
		CustomAdjustment: req.CustomAdjustment,
		Reason:           req.Reason,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to update rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

func (h *Handler) GetRateComparison(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.RateComparison(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to compare rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateComparisonDTO(c))
}

// =============================================================================
// STATS FEED
// =============================================================================

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.TutorStats(r.Context(), tutorParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(s))
}

// PutStats replaces the tutor's aggregates. Only admins (the host
// application's feed) may write them.
func (h *Handler) PutStats(w http.ResponseWriter, r *http.Request) {
	tutorID := tutorParam(r)
	actor := actorFrom(r)
	if !actor.IsAdmin {
		h.writeEngineError(w, "Failed to save stats", &generic.ForbiddenError{Action: "save stats", Actor: actor.UserID})
		return
	}

	var req TutorStatsDTO
	if err := decode(r, &req); err != nil {
		h.writeEngineError(w, "Invalid request body", err)
		return
	}
	stats := req.toStats(tutorID)
	if err := h.Engine.SaveTutorStats(r.Context(), stats); err != nil {
		h.writeEngineError(w, "Failed to save stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// =============================================================================
// SCHEDULER
// =============================================================================

func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		h.writeEngineError(w, "Failed to get scheduler status", generic.NotFound("scheduler", "tier-check"))
		return
	}
	writeJSON(w, http.StatusOK, toSchedulerStatusResponse(h.Scheduler.Status()))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// statusFor maps an engine error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case generic.IsClientError(err):
		return http.StatusBadRequest, "validation_error"
	case generic.IsForbidden(err):
		return http.StatusForbidden, "forbidden"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case generic.IsConflict(err):
		return http.StatusConflict, "conflict"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)

	var details any = err.Error()
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		details = map[string]string{"field": ve.Field, "reason": ve.Reason}
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		h.Logger.Warn(message, "error", err)
	case http.StatusInternalServerError:
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, code, message, details)
}
