package consultation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrAstrologerNotFound   = errors.New("astrologer not found")
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrQueueEntryNotFound   = errors.New("queue entry not found")
	ErrWorkloadNotFound     = errors.New("workload not found")
	ErrRoutingRuleNotFound  = errors.New("routing rule not found")

	ErrExtensionLimitReached   = errors.New("astrologer extension limit reached")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrAstrologerBusy          = errors.New("astrologer is busy, retry")
	ErrInvalidStatusTransition = errors.New("invalid consultation status transition")
	ErrInvalidDuration         = errors.New("duration must be positive")
	ErrCostBelowPrice          = errors.New("cost is below the astrologer's price for the duration")
)

// NewConsultation carries what the store needs to insert a consultation.
type NewConsultation struct {
	UserID          uuid.UUID
	AstrologerID    uuid.UUID // requested
	ReroutedTo      *uuid.UUID
	Topic           string
	DurationMinutes int
	Cost            decimal.Decimal
	Now             time.Time
}

func (n NewConsultation) effectiveAstrologerID() uuid.UUID {
	if n.ReroutedTo != nil {
		return *n.ReroutedTo
	}
	return n.AstrologerID
}

func (n NewConsultation) heldAstrologerIDs() []uuid.UUID {
	return heldAstrologers(n.AstrologerID, n.ReroutedTo)
}

type Completion struct {
	EndedAt time.Time
	Reason  EndReason
	Rating  *int
	Review  *string
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetAstrologerByID(ctx context.Context, id uuid.UUID) (*Astrologer, error)
	ListAvailableAstrologers(ctx context.Context) ([]Astrologer, error)

	GetConsultationByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// FindActiveForAstrologer matches consultations requested for the
	// astrologer as well as those rerouted to it.
	FindActiveForAstrologer(ctx context.Context, astrologerID uuid.UUID) (*Consultation, error)
	FindActiveForUser(ctx context.Context, userID uuid.UUID) (*Consultation, error)
	ListActiveConsultations(ctx context.Context) ([]Consultation, error)

	// Admission. Both serialize on the held astrologers inside the store.
	// CreateActiveConsultation debits the cost in the same transaction and
	// returns ErrAstrologerBusy if another consultation holds either the
	// requested or the rerouted-to astrologer.
	CreateActiveConsultation(ctx context.Context, nc NewConsultation) (*Consultation, error)
	CreateQueuedConsultation(ctx context.Context, nc NewConsultation, slot time.Duration) (*Consultation, *QueueEntry, error)

	// Queue
	GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	ListWaiting(ctx context.Context, astrologerID uuid.UUID) ([]QueueEntry, error)
	ListAstrologersWithWaiting(ctx context.Context) ([]uuid.UUID, error)
	PeekNextWaiting(ctx context.Context, astrologerID uuid.UUID) (*QueueEntry, error)
	// PromoteQueueEntry charges the user, activates the linked consultation and
	// renumbers the remaining entries. ErrInsufficientBalance leaves the entry untouched.
	PromoteQueueEntry(ctx context.Context, entryID uuid.UUID, now time.Time, slot time.Duration) (*Consultation, error)
	// CancelQueueEntry cancels a waiting entry, completes its consultation and renumbers.
	CancelQueueEntry(ctx context.Context, entryID uuid.UUID, reason EndReason, now time.Time, slot time.Duration) (*QueueEntry, error)

	// Completion. completed is false when the consultation was no longer live,
	// which is how concurrent closers learn they lost.
	CompleteConsultation(ctx context.Context, id uuid.UUID, c Completion) (cons *Consultation, completed bool, err error)
	FindOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]Consultation, error)
	AverageConsultationMinutes(ctx context.Context, astrologerID uuid.UUID) (float64, error)

	// Extensions
	ExtendDuration(ctx context.Context, id uuid.UUID, minutes int) (*Consultation, error)
	ExtendDurationCapped(ctx context.Context, id uuid.UUID, minutes, maxExtensions int) (*Consultation, error)

	// Workload
	GetWorkload(ctx context.Context, astrologerID uuid.UUID) (*Workload, error)
	ListWorkloads(ctx context.Context) ([]Workload, error)
	UpsertWorkload(ctx context.Context, w Workload) error
	AdjustWorkload(ctx context.Context, astrologerID uuid.UUID, delta int) (*Workload, error)

	// Routing
	GetActiveRoutingRule(ctx context.Context, originalAstrologerID uuid.UUID) (*RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule RoutingRule) (*RoutingRule, error)
	ListRoutingRules(ctx context.Context) ([]RoutingRule, error)
	DeactivateRoutingRule(ctx context.Context, id uuid.UUID) error
	CreateRoutedConsultation(ctx context.Context, rc RoutedConsultation) error

	CreateNotification(ctx context.Context, n Notification) error
}
