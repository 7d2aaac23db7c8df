package consultation

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Live reports whether the consultation occupies its astrologer.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusPending
}

type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueConfirmed QueueStatus = "confirmed"
	QueueCancelled QueueStatus = "cancelled"
)

// EndReason is stored in consultations.ended_reason.
type EndReason string

const (
	ReasonEndedByParticipant  EndReason = "ended_by_participant"
	ReasonTimeExpired         EndReason = "time_expired"
	ReasonAutoExpired         EndReason = "auto_expired"
	ReasonLeftQueue           EndReason = "left_queue"
	ReasonInsufficientBalance EndReason = "insufficient_balance"
)

// MaxAstrologerExtensions is the number of astrologer-initiated extensions a consultation allows.
const MaxAstrologerExtensions = 2

type User struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Astrologer struct {
	ID              uuid.UUID
	Name            string
	Languages       []string
	Specializations []string
	Rating          float64 // 0..5
	PricePerMinute  decimal.Decimal
	IsOnline        bool
	IsActive        bool
	IsApproved      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available reports whether the astrologer can take consultations at all.
func (a *Astrologer) Available() bool {
	return a.IsOnline && a.IsActive && a.IsApproved
}

type Consultation struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	AstrologerID         uuid.UUID // the astrologer the user asked for
	Topic                string
	DurationMinutes      int
	Cost                 decimal.Decimal
	Status               Status
	QueuePosition        *int
	EstimatedWaitMinutes *int
	QueueEnteredAt       *time.Time
	StartedAt            *time.Time
	CreatedAt            time.Time
	EndedAt              *time.Time
	EndedReason          *EndReason
	Rating               *int
	Review               *string
	AstrologerExtensions int
	IsRerouted           bool
	ReroutedTo           *uuid.UUID
}

// EffectiveAstrologerID is the astrologer actually serving the consultation.
func (c *Consultation) EffectiveAstrologerID() uuid.UUID {
	if c.IsRerouted && c.ReroutedTo != nil {
		return *c.ReroutedTo
	}
	return c.AstrologerID
}

// HeldAstrologerIDs lists every astrologer whose slot the consultation
// occupies while live: the requested one and, when rerouted, the target.
func (c *Consultation) HeldAstrologerIDs() []uuid.UUID {
	return heldAstrologers(c.AstrologerID, c.ReroutedTo)
}

// Holds reports whether the consultation occupies astrologerID's slot.
func (c *Consultation) Holds(astrologerID uuid.UUID) bool {
	if c.AstrologerID == astrologerID {
		return true
	}
	return c.IsRerouted && c.ReroutedTo != nil && *c.ReroutedTo == astrologerID
}

func heldAstrologers(requested uuid.UUID, reroutedTo *uuid.UUID) []uuid.UUID {
	if reroutedTo == nil || *reroutedTo == requested {
		return []uuid.UUID{requested}
	}
	return []uuid.UUID{requested, *reroutedTo}
}

// ClockStart is when the paid duration began counting. Rows activated before
// started_at existed fall back to created_at.
func (c *Consultation) ClockStart() time.Time {
	if c.StartedAt != nil {
		return *c.StartedAt
	}
	return c.CreatedAt
}

func (c *Consultation) ExpiresAt() time.Time {
	return c.ClockStart().Add(time.Duration(c.DurationMinutes) * time.Minute)
}

type QueueEntry struct {
	ID             uuid.UUID
	ConsultationID *uuid.UUID
	UserID         uuid.UUID
	AstrologerID   uuid.UUID // effective astrologer
	Position       int
	Status         QueueStatus
	PaymentID      *string
	PaymentStatus  *string
	JoinTime       time.Time
}

type ActiveConsultation struct {
	ConsultationID uuid.UUID
	AstrologerID   uuid.UUID // effective astrologer, unique across rows
	UserID         uuid.UUID
	StartTime      time.Time
	LastActivity   time.Time
}

type RoutingRule struct {
	ID                   uuid.UUID
	OriginalAstrologerID uuid.UUID
	AssignedAstrologerID uuid.UUID
	Priority             int
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RoutedConsultation is the audit row written for every rerouted request.
type RoutedConsultation struct {
	ID                   uuid.UUID
	ConsultationID       uuid.UUID
	RoutingRuleID        uuid.UUID
	OriginalAstrologerID uuid.UUID
	AssignedAstrologerID uuid.UUID
	UserVisibleName      string
	ActualProviderName   string
	CreatedAt            time.Time
}

type Workload struct {
	AstrologerID         uuid.UUID
	CurrentConsultations int
	MaxConcurrent        int
	AverageResponseTime  float64 // minutes
	PerformanceScore     float64 // 0..1
	WorkloadPercentage   float64 // 0..100
	IsAcceptingNew       bool
	BreakUntil           *time.Time
	UpdatedAt            time.Time
}

const acceptingThreshold = 90.0

// DefaultWorkload is the row created the first time an astrologer's load is touched.
func DefaultWorkload(astrologerID uuid.UUID) Workload {
	return Workload{
		AstrologerID:        astrologerID,
		MaxConcurrent:       3,
		AverageResponseTime: 5,
		PerformanceScore:    0.8,
		IsAcceptingNew:      true,
	}
}

// Recompute derives the percentage and the accepting flag from the counters.
func (w *Workload) Recompute() {
	if w.CurrentConsultations < 0 {
		w.CurrentConsultations = 0
	}
	if w.MaxConcurrent <= 0 {
		w.WorkloadPercentage = 100
	} else {
		pct := float64(w.CurrentConsultations) / float64(w.MaxConcurrent) * 100
		w.WorkloadPercentage = math.Round(pct*100) / 100
	}
	w.IsAcceptingNew = w.WorkloadPercentage < acceptingThreshold
}

type Notification struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           string
	Title          string
	Message        string
	ConsultationID *uuid.UUID
	IsRead         bool
	CreatedAt      time.Time
}

// RequestDetails is what a user submits with a consultation request.
// A zero Cost means price per minute times duration; a set Cost may not be
// lower than that.
type RequestDetails struct {
	Topic           string
	DurationMinutes int
	Cost            decimal.Decimal
}

// Resolution is the routing decision for a requested astrologer.
type Resolution struct {
	AstrologerID uuid.UUID
	IsRerouted   bool
	Rule         *RoutingRule
	Assigned     *Astrologer // set when IsRerouted
}

type RequestResult struct {
	Consultation          *Consultation
	QueueEntry            *QueueEntry // nil when the consultation started immediately
	DisplayAstrologerName string      // always the requested astrologer
	Resolution            Resolution
}

type QueueStatusView struct {
	AstrologerID         uuid.UUID
	Busy                 bool
	ActiveConsultationID *uuid.UUID
	Waiting              []QueueEntry
	// Estimates for a request joining now, at position len(Waiting)+1.
	NextPosition              int
	FixedEstimateMinutes      int
	HistoricalEstimateMinutes int
}
