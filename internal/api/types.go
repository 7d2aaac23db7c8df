package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/matching"
)

type CreateConsultationRequest struct {
	UserID          string `json:"user_id" validate:"required,uuid"`
	AstrologerID    string `json:"astrologer_id" validate:"required,uuid"`
	Topic           string `json:"topic" validate:"max=500"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,gt=0,lte=240"`
	// Optional; defaults to price per minute times duration and may not be lower.
	Cost string `json:"cost,omitempty" validate:"omitempty,numeric"`
}

type EndConsultationRequest struct {
	Rating *int    `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Review *string `json:"review,omitempty" validate:"omitempty,max=2000"`
}

type ExtendConsultationRequest struct {
	Minutes int `json:"minutes" validate:"required,gt=0,lte=120"`
}

type FindBestRequest struct {
	Languages       []string `json:"languages" validate:"dive,required"`
	Specializations []string `json:"specializations" validate:"dive,required"`
	MaxWaitMinutes  *int     `json:"max_wait_minutes,omitempty" validate:"omitempty,gte=0"`
	Priority        string   `json:"priority,omitempty" validate:"omitempty,oneof=normal high urgent"`
}

type PerformanceRequest struct {
	ResponseTimeMinutes float64 `json:"response_time_minutes" validate:"gte=0"`
	Satisfaction        float64 `json:"satisfaction" validate:"gte=0,lte=5"`
}

type CreateRoutingRuleRequest struct {
	OriginalAstrologerID string `json:"original_astrologer_id" validate:"required,uuid"`
	AssignedAstrologerID string `json:"assigned_astrologer_id" validate:"required,uuid,nefield=OriginalAstrologerID"`
	Priority             int    `json:"priority" validate:"gte=0"`
}

// ConsultationResponse never exposes the astrologer a request was rerouted
// to; astrologer_id is always the one the user picked.
type ConsultationResponse struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	AstrologerID         uuid.UUID  `json:"astrologer_id"`
	Topic                string     `json:"topic,omitempty"`
	DurationMinutes      int        `json:"duration_minutes"`
	Cost                 string     `json:"cost"`
	Status               string     `json:"status"`
	QueuePosition        *int       `json:"queue_position,omitempty"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	EndedReason          string     `json:"ended_reason,omitempty"`
	Rating               *int       `json:"rating,omitempty"`
	Review               *string    `json:"review,omitempty"`
	AstrologerExtensions int        `json:"astrologer_extensions"`
	CreatedAt            time.Time  `json:"created_at"`
}

type QueueEntryResponse struct {
	ID             uuid.UUID  `json:"id"`
	ConsultationID *uuid.UUID `json:"consultation_id,omitempty"`
	UserID         uuid.UUID  `json:"user_id"`
	Position       int        `json:"position"`
	Status         string     `json:"status"`
	JoinTime       time.Time  `json:"join_time"`
}

type RequestConsultationResponse struct {
	Consultation          ConsultationResponse `json:"consultation"`
	Queued                bool                 `json:"queued"`
	QueueEntry            *QueueEntryResponse  `json:"queue_entry,omitempty"`
	DisplayAstrologerName string               `json:"display_astrologer_name"`
}

type QueueStatusResponse struct {
	AstrologerID              uuid.UUID            `json:"astrologer_id"`
	Busy                      bool                 `json:"busy"`
	ActiveConsultationID      *uuid.UUID           `json:"active_consultation_id,omitempty"`
	Waiting                   []QueueEntryResponse `json:"waiting"`
	NextPosition              int                  `json:"next_position"`
	FixedEstimateMinutes      int                  `json:"fixed_estimate_minutes"`
	HistoricalEstimateMinutes int                  `json:"historical_estimate_minutes"`
}

type WorkloadResponse struct {
	AstrologerID         uuid.UUID  `json:"astrologer_id,omitempty"`
	CurrentConsultations int        `json:"current_consultations"`
	MaxConcurrent        int        `json:"max_concurrent"`
	AverageResponseTime  float64    `json:"average_response_time"`
	PerformanceScore     float64    `json:"performance_score"`
	WorkloadPercentage   float64    `json:"workload_percentage,omitempty"`
	IsAcceptingNew       bool       `json:"is_accepting_new"`
	BreakUntil           *time.Time `json:"break_until,omitempty"`
}

type MatchResponse struct {
	AstrologerID         uuid.UUID        `json:"astrologer_id"`
	Name                 string           `json:"name"`
	Languages            []string         `json:"languages"`
	Specializations      []string         `json:"specializations"`
	Rating               float64          `json:"rating"`
	PricePerMinute       string           `json:"price_per_minute"`
	MatchScore           float64          `json:"match_score"`
	EstimatedWaitMinutes int              `json:"estimated_wait_minutes"`
	Workload             WorkloadResponse `json:"workload"`
}

type FindBestResponse struct {
	Match *MatchResponse `json:"match"`
}

type RoutingRuleResponse struct {
	ID                   uuid.UUID `json:"id"`
	OriginalAstrologerID uuid.UUID `json:"original_astrologer_id"`
	AssignedAstrologerID uuid.UUID `json:"assigned_astrologer_id"`
	Priority             int       `json:"priority"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
}

type RebalanceResponse struct {
	Updated int `json:"updated"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toConsultationResponse(c *consultation.Consultation) ConsultationResponse {
	resp := ConsultationResponse{
		ID:                   c.ID,
		UserID:               c.UserID,
		AstrologerID:         c.AstrologerID,
		Topic:                c.Topic,
		DurationMinutes:      c.DurationMinutes,
		Cost:                 c.Cost.StringFixed(2),
		Status:               string(c.Status),
		QueuePosition:        c.QueuePosition,
		EstimatedWaitMinutes: c.EstimatedWaitMinutes,
		StartedAt:            c.StartedAt,
		EndedAt:              c.EndedAt,
		Rating:               c.Rating,
		Review:               c.Review,
		AstrologerExtensions: c.AstrologerExtensions,
		CreatedAt:            c.CreatedAt,
	}
	if c.EndedReason != nil {
		resp.EndedReason = string(*c.EndedReason)
	}
	if c.Status.Live() {
		exp := c.ExpiresAt()
		resp.ExpiresAt = &exp
	}
	return resp
}

func toQueueEntryResponse(e consultation.QueueEntry) QueueEntryResponse {
	return QueueEntryResponse{
		ID:             e.ID,
		ConsultationID: e.ConsultationID,
		UserID:         e.UserID,
		Position:       e.Position,
		Status:         string(e.Status),
		JoinTime:       e.JoinTime,
	}
}

func toWorkloadResponse(w *consultation.Workload) WorkloadResponse {
	return WorkloadResponse{
		AstrologerID:         w.AstrologerID,
		CurrentConsultations: w.CurrentConsultations,
		MaxConcurrent:        w.MaxConcurrent,
		AverageResponseTime:  w.AverageResponseTime,
		PerformanceScore:     w.PerformanceScore,
		WorkloadPercentage:   w.WorkloadPercentage,
		IsAcceptingNew:       w.IsAcceptingNew,
		BreakUntil:           w.BreakUntil,
	}
}

func toMatchResponse(m *matching.Match) *MatchResponse {
	return &MatchResponse{
		AstrologerID:         m.Astrologer.ID,
		Name:                 m.Astrologer.Name,
		Languages:            m.Astrologer.Languages,
		Specializations:      m.Astrologer.Specializations,
		Rating:               m.Astrologer.Rating,
		PricePerMinute:       m.Astrologer.PricePerMinute.StringFixed(2),
		MatchScore:           m.MatchScore,
		EstimatedWaitMinutes: m.EstimatedWaitMinutes,
		Workload: WorkloadResponse{
			CurrentConsultations: m.Workload.CurrentConsultations,
			MaxConcurrent:        m.Workload.MaxConcurrent,
			AverageResponseTime:  m.Workload.AverageResponseTime,
			PerformanceScore:     m.Workload.PerformanceScore,
			IsAcceptingNew:       m.Workload.IsAcceptingNew,
			BreakUntil:           m.Workload.BreakUntil,
		},
	}
}

func toRoutingRuleResponse(r consultation.RoutingRule) RoutingRuleResponse {
	return RoutingRuleResponse{
		ID:                   r.ID,
		OriginalAstrologerID: r.OriginalAstrologerID,
		AssignedAstrologerID: r.AssignedAstrologerID,
		Priority:             r.Priority,
		IsActive:             r.IsActive,
		CreatedAt:            r.CreatedAt,
	}
}
