// Package session keeps one expiry timer and one warning timer per live
// consultation in this process.
//
// Timers are an optimisation: the store's lazy sweep closes anything a lost
// timer would have closed, and the store's conditional completion makes a
// late or duplicate firing harmless.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
)

const (
	EventSessionWarning = "session-warning"
	EventSessionExpired = "session-expired"
)

// Broadcaster pushes an event to everyone subscribed to a room.
type Broadcaster interface {
	Emit(room, event string, payload any) error
}

// Expirer closes a consultation whose time ran out.
type Expirer interface {
	CompleteExpired(ctx context.Context, id uuid.UUID) (*consultation.Consultation, bool, error)
}

type Store interface {
	GetConsultationByID(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error)
	ListActiveConsultations(ctx context.Context) ([]consultation.Consultation, error)
}

type WarningPayload struct {
	ConsultationID   uuid.UUID `json:"consultationId"`
	MinutesRemaining int       `json:"minutesRemaining"`
	Message          string    `json:"message"`
}

type ExpiredPayload struct {
	ConsultationID uuid.UUID `json:"consultationId"`
	Reason         string    `json:"reason"`
	Message        string    `json:"message"`
}

// Room is the broadcast room of one consultation.
func Room(id uuid.UUID) string {
	return "consultation-" + id.String()
}

type Options struct {
	WarningLead time.Duration
	RearmDelay  time.Duration
}

type stopper interface {
	Stop() bool
}

type entry struct {
	generation uint64
	expiresAt  time.Time
	warning    stopper
	expiry     stopper
}

type Registry struct {
	store       Store
	expirer     Expirer
	broadcaster Broadcaster
	opts        Options

	mu         sync.Mutex
	entries    map[uuid.UUID]*entry
	generation uint64
	baseCtx    context.Context
	cancel     context.CancelFunc

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

func NewRegistry(store Store, expirer Expirer, broadcaster Broadcaster, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:       store,
		expirer:     expirer,
		broadcaster: broadcaster,
		opts:        opts,
		entries:     make(map[uuid.UUID]*entry),
		baseCtx:     ctx,
		cancel:      cancel,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Initialize arms timers for every live consultation, for process start.
func (r *Registry) Initialize(ctx context.Context) (int, error) {
	live, err := r.store.ListActiveConsultations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live consultations: %w", err)
	}
	for i := range live {
		r.arm(&live[i])
	}
	logging.Info().Int("armed", len(live)).Msg("session timers initialized")
	return len(live), nil
}

// Arm loads the consultation and (re)arms its timers. Closed consultations
// only have stale timers removed.
func (r *Registry) Arm(ctx context.Context, id uuid.UUID) {
	c, err := r.store.GetConsultationByID(ctx, id)
	if err != nil {
		if !errors.Is(err, consultation.ErrConsultationNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Str("consultation_id", id.String()).Msg("load consultation for timer")
		}
		r.Cancel(id)
		return
	}
	if !c.Status.Live() {
		r.Cancel(id)
		return
	}
	r.arm(c)
}

func (r *Registry) arm(c *consultation.Consultation) {
	id := c.ID
	expiresAt := c.ExpiresAt()
	remaining := expiresAt.Sub(r.now())
	if remaining < 0 {
		remaining = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked(id)
	r.generation++
	gen := r.generation

	e := &entry{generation: gen, expiresAt: expiresAt}
	if lead := remaining - r.opts.WarningLead; r.opts.WarningLead > 0 && lead > 0 {
		e.warning = r.afterFunc(lead, func() { r.warn(id, gen) })
	}
	e.expiry = r.afterFunc(remaining, func() { r.expire(id, gen) })
	r.entries[id] = e
	metrics.ArmedSessionTimers.Set(float64(len(r.entries)))
}

// Cancel stops and forgets the consultation's timers. Unknown ids are a no-op.
func (r *Registry) Cancel(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(id)
	metrics.ArmedSessionTimers.Set(float64(len(r.entries)))
}

func (r *Registry) stopLocked(id uuid.UUID) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.warning != nil {
		e.warning.Stop()
	}
	if e.expiry != nil {
		e.expiry.Stop()
	}
	delete(r.entries, id)
}

// Rearm drops the current timers and rebuilds them from the store after
// RearmDelay, so an extension that just committed is visible.
func (r *Registry) Rearm(id uuid.UUID) {
	r.Cancel(id)
	r.afterFunc(r.opts.RearmDelay, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		r.Arm(r.baseCtx, id)
	})
}

// ActiveTimers is the number of consultations with armed timers.
func (r *Registry) ActiveTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every timer. Pending rearms become no-ops.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.stopLocked(id)
	}
	metrics.ArmedSessionTimers.Set(0)
}

// current reports whether gen is still the armed generation for id.
func (r *Registry) current(id uuid.UUID, gen uint64) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.generation != gen {
		return nil, false
	}
	return e, true
}

func (r *Registry) warn(id uuid.UUID, gen uint64) {
	e, ok := r.current(id, gen)
	if !ok {
		return
	}

	minutes := int(math.Ceil(e.expiresAt.Sub(r.now()).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	payload := WarningPayload{
		ConsultationID:   id,
		MinutesRemaining: minutes,
		Message:          fmt.Sprintf("Your consultation will end in %d minutes", minutes),
	}
	metrics.SessionWarnings.Inc()
	if err := r.broadcaster.Emit(Room(id), EventSessionWarning, payload); err != nil {
		logging.Warn().Err(err).Str("consultation_id", id.String()).Msg("broadcast session warning")
	}
}

func (r *Registry) expire(id uuid.UUID, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.generation != gen {
		r.mu.Unlock()
		return
	}
	if e.warning != nil {
		e.warning.Stop()
	}
	delete(r.entries, id)
	metrics.ArmedSessionTimers.Set(float64(len(r.entries)))
	r.mu.Unlock()

	if r.baseCtx.Err() != nil {
		return
	}

	_, completed, err := r.expirer.CompleteExpired(r.baseCtx, id)
	if err != nil {
		logging.Error().Err(err).Str("consultation_id", id.String()).Msg("complete expired consultation")
		return
	}
	if !completed {
		return
	}

	payload := ExpiredPayload{
		ConsultationID: id,
		Reason:         string(consultation.ReasonTimeExpired),
		Message:        "Your consultation time has ended",
	}
	if err := r.broadcaster.Emit(Room(id), EventSessionExpired, payload); err != nil {
		logging.Warn().Err(err).Str("consultation_id", id.String()).Msg("broadcast session expired")
	}
}
