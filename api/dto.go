/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON request/response shapes. These are separate from the
  rewards types so the wire format can evolve independently: snake_case
  keys, money as decimal strings with two places, optional fields omitted.

TYPES:
  Points:   AwardPointsRequest, AwardResponse, PointsResponse, PointsEntryDTO
  Badges:   BadgeDTO, BadgeProgressDTO, BadgeCheckResponse
  Tiers:    TierCheckResponse, TierProgressResponse, TierBenefitsResponse
  Bonuses:  CalculateBonusRequest, CalculateBonusResponse, BonusDTO,
            BonusSummaryResponse, CancelBonusRequest, UpdateBonusRequest,
            AuditEntryDTO
  Rates:    RateDTO, RateHistoryDTO, RateResponse, UpdateRateRequest,
            RateComparisonDTO
  Stats:    TutorStatsDTO
  Scheduler: SchedulerStatusResponse
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - rewards/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/tutor-rewards/generic"
	"github.com/warp/tutor-rewards/rewards"
)

// =============================================================================
// POINTS
// =============================================================================

// AwardPointsRequest awards points for a known reason. Points is only
// honoured for admin corrections.
type AwardPointsRequest struct {
	Reason      string            `json:"reason"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Points      *int64            `json:"points,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type PointsEntryDTO struct {
	ID          string            `json:"id"`
	TutorID     string            `json:"tutor_id"`
	Points      int64             `json:"points"`
	Reason      string            `json:"reason"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type AwardResponse struct {
	Entry        PointsEntryDTO `json:"entry"`
	TotalPoints  int64          `json:"total_points"`
	Level        string         `json:"level"`
	LevelChanged bool           `json:"level_changed"`
	NewBadges    []BadgeDTO     `json:"new_badges"`
}

type PointsResponse struct {
	TutorID     string           `json:"tutor_id"`
	TotalPoints int64            `json:"total_points"`
	Level       string           `json:"level"`
	History     []PointsEntryDTO `json:"history"`
}

// =============================================================================
// BADGES
// =============================================================================

type BadgeDTO struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	EarnedAt time.Time         `json:"earned_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type BadgeProgressDTO struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Percent     int    `json:"percent"`
}

type BadgeCheckResponse struct {
	NewBadges     []BadgeDTO         `json:"new_badges"`
	CurrentBadges []BadgeDTO         `json:"current_badges"`
	Progress      []BadgeProgressDTO `json:"progress"`
}

// =============================================================================
// STATS
// =============================================================================

// TutorStatsDTO is both the stats feed request body and the stats block in
// tier responses.
type TutorStatsDTO struct {
	TutorID           string          `json:"tutor_id,omitempty"`
	SessionsCompleted int             `json:"sessions_completed"`
	AverageRating     decimal.Decimal `json:"average_rating"`
	ReviewCount       int             `json:"review_count"`
	FiveStarReviews   int             `json:"five_star_reviews"`
	RetentionRate     decimal.Decimal `json:"retention_rate"`
	RetainedStudents  int             `json:"retained_students"`
	StreakWeeks       int             `json:"streak_weeks"`
	TotalEarnings     decimal.Decimal `json:"total_earnings"`
	Referrals         int             `json:"referrals"`
}

// =============================================================================
// TIERS
// =============================================================================

type TierCheckResponse struct {
	Promoted     bool          `json:"promoted"`
	PreviousTier string        `json:"previous_tier,omitempty"`
	NewTier      string        `json:"new_tier"`
	Stats        TutorStatsDTO `json:"stats"`
}

type TierGapDTO struct {
	Sessions  int    `json:"sessions"`
	Rating    string `json:"rating"`
	Retention string `json:"retention"`
}

type TierProgressResponse struct {
	TutorID             string        `json:"tutor_id"`
	CurrentTier         string        `json:"current_tier"`
	EligibleTier        string        `json:"eligible_tier"`
	NextTier            string        `json:"next_tier,omitempty"`
	Remaining           *TierGapDTO   `json:"remaining,omitempty"`
	Stats               TutorStatsDTO `json:"stats"`
	Benefits            []string      `json:"benefits"`
	RateIncreasePercent string        `json:"rate_increase_percent"`
}

type TierBenefitsResponse struct {
	Tier                string   `json:"tier"`
	Benefits            []string `json:"benefits"`
	RateIncreasePercent string   `json:"rate_increase_percent"`
}

// =============================================================================
// BONUSES
// =============================================================================

// CalculateBonusRequest carries the parameters of every bonus type; only
// those relevant to Type are read.
type CalculateBonusRequest struct {
	Type              string          `json:"type"`
	StudentID         string          `json:"student_id,omitempty"`
	MonthsRetained    int             `json:"months_retained,omitempty"`
	CompletedSessions int             `json:"completed_sessions,omitempty"`
	ReviewID          string          `json:"review_id,omitempty"`
	Rating            decimal.Decimal `json:"rating"`
	ReferredStudentID string          `json:"referred_student_id,omitempty"`
	SessionsCompleted int             `json:"sessions_completed,omitempty"`
}

type CalculateBonusResponse struct {
	Type        string            `json:"type"`
	Amount      string            `json:"amount"`
	BaseAmount  string            `json:"base_amount"`
	Tier        string            `json:"tier"`
	Milestone   string            `json:"milestone,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsDuplicate bool              `json:"is_duplicate"`
	Recorded    bool              `json:"recorded"`
	Bonus       *BonusDTO         `json:"bonus,omitempty"`
}

type BonusDTO struct {
	ID            string            `json:"id"`
	TutorID       string            `json:"tutor_id"`
	Type          string            `json:"type"`
	Amount        string            `json:"amount"`
	ReferenceID   string            `json:"reference_id"`
	ReferenceType string            `json:"reference_type"`
	Milestone     string            `json:"milestone"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ApprovedAt    *time.Time        `json:"approved_at,omitempty"`
	ApprovedBy    string            `json:"approved_by,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CancelledBy   string            `json:"cancelled_by,omitempty"`
}

type BonusSummaryResponse struct {
	TutorID       string     `json:"tutor_id"`
	Pending       string     `json:"pending"`
	Approved      string     `json:"approved"`
	Paid          string     `json:"paid"`
	Cancelled     string     `json:"cancelled"`
	Total         string     `json:"total"`
	Count         int        `json:"count"`
	RecentBonuses []BonusDTO `json:"recent_bonuses"`
}

type CancelBonusRequest struct {
	Reason string `json:"reason"`
}

type UpdateBonusRequest struct {
	Status   *string           `json:"status,omitempty"`
	Amount   *decimal.Decimal  `json:"amount,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type AuditEntryDTO struct {
	ID          string            `json:"id"`
	BonusID     string            `json:"bonus_id"`
	Action      string            `json:"action"`
	Changes     map[string]string `json:"changes"`
	PerformedBy string            `json:"performed_by"`
	PerformedAt time.Time         `json:"performed_at"`
}

// =============================================================================
// RATES
// =============================================================================

type RateDTO struct {
	TutorID                 string    `json:"tutor_id"`
	BaseRate                string    `json:"base_rate"`
	CustomAdjustmentPercent string    `json:"custom_adjustment_percent"`
	TierIncreasePercent     string    `json:"tier_increase_percent"`
	EffectiveRate           string    `json:"effective_rate"`
	Tier                    string    `json:"tier"`
	Version                 int64     `json:"version"`
	UpdatedAt               time.Time `json:"updated_at"`
}

type RateHistoryDTO struct {
	ID           string            `json:"id"`
	ChangeType   string            `json:"change_type"`
	PreviousRate string            `json:"previous_rate"`
	NewRate      string            `json:"new_rate"`
	Reason       string            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
}

type RateResponse struct {
	Rate    RateDTO          `json:"rate"`
	History []RateHistoryDTO `json:"history"`
	Tier    string           `json:"tier"`
}

// UpdateRateRequest sets exactly one of BaseRate or CustomAdjustment.
type UpdateRateRequest struct {
	BaseRate         *decimal.Decimal `json:"base_rate,omitempty"`
	CustomAdjustment *decimal.Decimal `json:"custom_adjustment,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

type RateComparisonDTO struct {
	TutorID           string `json:"tutor_id"`
	Tier              string `json:"tier"`
	EffectiveRate     string `json:"effective_rate"`
	BenchmarkRate     string `json:"benchmark_rate"`
	DifferencePercent string `json:"difference_percent"`
	Source            string `json:"source"`
	SampleSize        int    `json:"sample_size"`
}

// =============================================================================
// SCHEDULER
// =============================================================================

type SchedulerStatusResponse struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastResult struct {
		Checked  int `json:"checked"`
		Promoted int `json:"promoted"`
		Failed   int `json:"failed"`
	} `json:"last_result"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tutors      []string `json:"tutors,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(generic.CentsPlaces)
}

func toPointsEntryDTO(e rewards.PointsEntry) PointsEntryDTO {
	return PointsEntryDTO{
		ID:          e.ID,
		TutorID:     string(e.TutorID),
		Points:      e.Points,
		Reason:      string(e.Reason),
		ReferenceID: e.ReferenceID,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
	}
}

func toPointsEntryDTOs(entries []rewards.PointsEntry) []PointsEntryDTO {
	out := make([]PointsEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toPointsEntryDTO(e))
	}
	return out
}

func toBadgeDTOs(badges []rewards.Badge) []BadgeDTO {
	out := make([]BadgeDTO, 0, len(badges))
	for _, b := range badges {
		dto := BadgeDTO{
			ID:       b.ID,
			Type:     string(b.Type),
			EarnedAt: b.EarnedAt,
			Metadata: b.Metadata,
		}
		if def, ok := rewards.LookupBadge(b.Type); ok {
			dto.Name = def.Name
		}
		out = append(out, dto)
	}
	return out
}

func toBadgeProgressDTOs(progress []rewards.BadgeProgress) []BadgeProgressDTO {
	out := make([]BadgeProgressDTO, 0, len(progress))
	for _, p := range progress {
		out = append(out, BadgeProgressDTO{
			Type:        string(p.Type),
			Name:        p.Name,
			Description: p.Description,
			Percent:     p.Percent,
		})
	}
	return out
}

func toStatsDTO(s rewards.TutorStats) TutorStatsDTO {
	return TutorStatsDTO{
		TutorID:           string(s.TutorID),
		SessionsCompleted: s.SessionsCompleted,
		AverageRating:     s.AverageRating,
		ReviewCount:       s.ReviewCount,
		FiveStarReviews:   s.FiveStarReviews,
		RetentionRate:     s.RetentionRate,
		RetainedStudents:  s.RetainedStudents,
		StreakWeeks:       s.StreakWeeks,
		TotalEarnings:     s.TotalEarnings,
		Referrals:         s.Referrals,
	}
}

func (d TutorStatsDTO) toStats(tutorID rewards.TutorID) rewards.TutorStats {
	return rewards.TutorStats{
		TutorID:           tutorID,
		SessionsCompleted: d.SessionsCompleted,
		AverageRating:     d.AverageRating,
		ReviewCount:       d.ReviewCount,
		FiveStarReviews:   d.FiveStarReviews,
		RetentionRate:     d.RetentionRate,
		RetainedStudents:  d.RetainedStudents,
		StreakWeeks:       d.StreakWeeks,
		TotalEarnings:     d.TotalEarnings,
		Referrals:         d.Referrals,
	}
}

func toTierProgressResponse(s rewards.TierStatus) TierProgressResponse {
	resp := TierProgressResponse{
		TutorID:             string(s.TutorID),
		CurrentTier:         string(s.CurrentTier),
		EligibleTier:        string(s.EligibleTier),
		NextTier:            string(s.NextTier),
		Stats:               toStatsDTO(s.Stats),
		Benefits:            s.Benefits,
		RateIncreasePercent: s.RateIncreasePercent.String(),
	}
	if resp.Benefits == nil {
		resp.Benefits = []string{}
	}
	if g := s.Remaining; g != nil {
		resp.Remaining = &TierGapDTO{
			Sessions:  g.Sessions,
			Rating:    g.Rating.String(),
			Retention: g.Retention.String(),
		}
	}
	return resp
}

func toBonusDTO(b rewards.Bonus) BonusDTO {
	return BonusDTO{
		ID:            b.ID,
		TutorID:       string(b.TutorID),
		Type:          string(b.Type),
		Amount:        money(b.Amount),
		ReferenceID:   b.ReferenceID,
		ReferenceType: b.ReferenceType,
		Milestone:     b.Milestone,
		Status:        string(b.Status),
		Metadata:      b.Metadata,
		CreatedAt:     b.CreatedAt,
		ApprovedAt:    b.ApprovedAt,
		ApprovedBy:    b.ApprovedBy,
		PaidAt:        b.PaidAt,
		CancelledAt:   b.CancelledAt,
		CancelledBy:   b.CancelledBy,
	}
}

func toBonusDTOs(bonuses []rewards.Bonus) []BonusDTO {
	out := make([]BonusDTO, 0, len(bonuses))
	for _, b := range bonuses {
		out = append(out, toBonusDTO(b))
	}
	return out
}

func toCalculateBonusResponse(res rewards.BonusResult) CalculateBonusResponse {
	c := res.Calculation
	resp := CalculateBonusResponse{
		Type:        string(c.Type),
		Amount:      money(c.Amount),
		BaseAmount:  money(c.BaseAmount),
		Tier:        string(c.Tier),
		Milestone:   c.Milestone,
		Metadata:    c.Metadata,
		IsDuplicate: c.IsDuplicate,
		Recorded:    res.Recorded,
	}
	if res.Bonus != nil {
		dto := toBonusDTO(*res.Bonus)
		resp.Bonus = &dto
	}
	return resp
}

func toAuditDTOs(entries []rewards.BonusAuditLogEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:          e.ID,
			BonusID:     e.BonusID,
			Action:      string(e.Action),
			Changes:     e.Changes,
			PerformedBy: e.PerformedBy,
			PerformedAt: e.PerformedAt,
		})
	}
	return out
}

func toRateDTO(r rewards.TutorRate) RateDTO {
	return RateDTO{
		TutorID:                 string(r.TutorID),
		BaseRate:                money(r.BaseRate),
		CustomAdjustmentPercent: r.CustomAdjustmentPercent.String(),
		TierIncreasePercent:     r.TierIncreasePercent.String(),
		EffectiveRate:           money(r.EffectiveRate),
		Tier:                    string(r.Tier),
		Version:                 r.Version,
		UpdatedAt:               r.UpdatedAt,
	}
}

func toRateHistoryDTOs(entries []rewards.RateHistoryEntry) []RateHistoryDTO {
	out := make([]RateHistoryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, RateHistoryDTO{
			ID:           e.ID,
			ChangeType:   string(e.ChangeType),
			PreviousRate: money(e.PreviousRate),
			NewRate:      money(e.NewRate),
			Reason:       e.Reason,
			Metadata:     e.Metadata,
			CreatedBy:    e.CreatedBy,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func toSchedulerStatusResponse(st SchedulerStatus) SchedulerStatusResponse {
	resp := SchedulerStatusResponse{Running: st.Running, Interval: st.Interval.String()}
	if !st.LastRun.IsZero() {
		t := st.LastRun
		resp.LastRun = &t
	}
	if !st.NextRun.IsZero() {
		t := st.NextRun
		resp.NextRun = &t
	}
	resp.LastResult.Checked = st.LastResult.Checked
	resp.LastResult.Promoted = st.LastResult.Promoted
	resp.LastResult.Failed = st.LastResult.Failed
	return resp
}

func toRateComparisonDTO(c rewards.RateComparison) RateComparisonDTO {
	return RateComparisonDTO{
		TutorID:           string(c.TutorID),
		Tier:              string(c.Tier),
		EffectiveRate:     money(c.EffectiveRate),
		BenchmarkRate:     money(c.BenchmarkRate),
		DifferencePercent: c.DifferencePercent.String(),
		Source:            c.Source,
		SampleSize:        c.SampleSize,
	}
}
