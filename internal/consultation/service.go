package consultation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/astro-consultation-queue/internal/config"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
	redisclient "github.com/hackgods/astro-consultation-queue/internal/redis"
)

// Lifecycle event names handed to the EventPublisher.
const (
	EventStarted   = "started"
	EventQueued    = "queued"
	EventPromoted  = "promoted"
	EventCompleted = "completed"
	EventExtended  = "extended"
	EventLeftQueue = "left_queue"
)

// Timers is the session timer registry as seen by the service.
type Timers interface {
	Arm(ctx context.Context, consultationID uuid.UUID)
	Cancel(consultationID uuid.UUID)
	Rearm(consultationID uuid.UUID)
}

// Router resolves the astrologer that actually serves a request.
type Router interface {
	ResolveEffectiveAstrologer(ctx context.Context, requestedID uuid.UUID) Resolution
	RecordRoutedConsultation(ctx context.Context, c *Consultation, res Resolution, requested *Astrologer)
}

// EventPublisher receives lifecycle transitions; failures stay inside the publisher.
type EventPublisher interface {
	Publish(ctx context.Context, event string, c *Consultation)
}

type noopTimers struct{}

func (noopTimers) Arm(context.Context, uuid.UUID) {}
func (noopTimers) Cancel(uuid.UUID)               {}
func (noopTimers) Rearm(uuid.UUID)                {}

type directRouter struct{}

func (directRouter) ResolveEffectiveAstrologer(_ context.Context, requestedID uuid.UUID) Resolution {
	return Resolution{AstrologerID: requestedID}
}

func (directRouter) RecordRoutedConsultation(context.Context, *Consultation, Resolution, *Astrologer) {}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, string, *Consultation) {}

// Service is the queue manager: admission, queueing, promotion, completion
// and extension of consultations.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config

	timers Timers
	router Router
	events EventPublisher
	now    func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		timers: noopTimers{},
		router: directRouter{},
		events: noopEvents{},
		now:    time.Now,
	}
}

// SetTimers attaches the session timer registry. The registry needs the
// service to complete expired sessions, so it is wired after construction.
func (s *Service) SetTimers(t Timers) {
	if t != nil {
		s.timers = t
	}
}

// SetRouter attaches the reroute resolver. Without one every request is served directly.
func (s *Service) SetRouter(r Router) {
	if r != nil {
		s.router = r
	}
}

// SetEvents attaches the lifecycle event publisher.
func (s *Service) SetEvents(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// SetClock replaces time.Now, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RequestConsultation admits a request: it starts immediately when the
// effective astrologer is free, otherwise it joins that astrologer's queue.
func (s *Service) RequestConsultation(ctx context.Context, userID, astrologerID uuid.UUID, details RequestDetails) (*RequestResult, error) {
	if details.DurationMinutes <= 0 {
		return nil, ErrInvalidDuration
	}

	requested, err := s.repo.GetAstrologerByID(ctx, astrologerID)
	if err != nil {
		if errors.Is(err, ErrAstrologerNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load astrologer: %w", err)
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	listPrice := requested.PricePerMinute.Mul(decimal.NewFromInt(int64(details.DurationMinutes)))
	cost := details.Cost
	if cost.IsZero() {
		cost = listPrice
	}
	if cost.LessThan(listPrice) {
		metrics.ConsultationRequests.WithLabelValues("rejected").Inc()
		return nil, ErrCostBelowPrice
	}
	if user.Balance.LessThan(cost) {
		metrics.ConsultationRequests.WithLabelValues("rejected").Inc()
		return nil, ErrInsufficientBalance
	}

	res := s.router.ResolveEffectiveAstrologer(ctx, astrologerID)
	if res.AstrologerID == uuid.Nil {
		res = Resolution{AstrologerID: astrologerID}
	}

	if _, err := s.SweepExpired(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("lazy sweep before admission failed")
	}

	nc := NewConsultation{
		UserID:          userID,
		AstrologerID:    astrologerID,
		Topic:           details.Topic,
		DurationMinutes: details.DurationMinutes,
		Cost:            cost,
	}
	if res.IsRerouted {
		eff := res.AstrologerID
		nc.ReroutedTo = &eff
	}

	var (
		created      *Consultation
		entry        *QueueEntry
		promoteAfter bool
	)

	// a rerouted request shares one slot between the requested astrologer
	// and the one serving it
	held := nc.heldAstrologerIDs()

	err = s.withAstrologerLocks(ctx, held, func(lockCtx context.Context) error {
		nc.Now = s.now()

		var active *Consultation
		waiting := 0
		for _, id := range held {
			c, err := s.repo.FindActiveForAstrologer(lockCtx, id)
			if err != nil && !errors.Is(err, ErrConsultationNotFound) {
				return fmt.Errorf("check active consultation: %w", err)
			}
			if active == nil {
				active = c
			}
			w, err := s.repo.ListWaiting(lockCtx, id)
			if err != nil {
				return fmt.Errorf("count waiting: %w", err)
			}
			waiting += len(w)
		}

		if active == nil && waiting == 0 {
			created, err = s.repo.CreateActiveConsultation(lockCtx, nc)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrAstrologerBusy) {
				return err
			}
			// another process activated a consultation without our lock; queue instead
		}

		created, entry, err = s.repo.CreateQueuedConsultation(lockCtx, nc, s.cfg.QueueSlotEstimate)
		if err != nil {
			return fmt.Errorf("enqueue consultation: %w", err)
		}
		promoteAfter = active == nil
		return nil
	})
	if err != nil {
		metrics.ConsultationRequests.WithLabelValues("rejected").Inc()
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAstrologerBusy
		}
		return nil, err
	}

	log := logging.Ctx(ctx).With().
		Str("consultation_id", created.ID.String()).
		Str("user_id", userID.String()).
		Str("astrologer_id", res.AstrologerID.String()).
		Logger()

	if created.Status == StatusActive {
		metrics.ConsultationRequests.WithLabelValues("active").Inc()
		s.timers.Arm(ctx, created.ID)
		s.adjustWorkload(ctx, res.AstrologerID, 1)
		s.events.Publish(ctx, EventStarted, created)
		log.Info().Msg("consultation started")
	} else {
		metrics.ConsultationRequests.WithLabelValues("queued").Inc()
		s.events.Publish(ctx, EventQueued, created)
		log.Info().Int("position", entry.Position).Msg("consultation queued")
	}

	if res.IsRerouted {
		s.router.RecordRoutedConsultation(ctx, created, res, requested)
	}

	if promoteAfter {
		for _, id := range held {
			if _, err := s.ProcessNextInQueue(ctx, id); err != nil {
				log.Warn().Err(err).Str("queue_astrologer_id", id.String()).Msg("promotion after enqueue failed")
			}
		}
		if refreshed, err := s.repo.GetConsultationByID(ctx, created.ID); err == nil {
			created = refreshed
		}
	}

	return &RequestResult{
		Consultation:          created,
		QueueEntry:            entry,
		DisplayAstrologerName: requested.Name,
		Resolution:            res,
	}, nil
}

// EndConsultation is the participant-initiated end of a live consultation.
func (s *Service) EndConsultation(ctx context.Context, id uuid.UUID, rating *int, review *string) (*Consultation, error) {
	c, completed, err := s.repo.CompleteConsultation(ctx, id, Completion{
		EndedAt: s.now(),
		Reason:  ReasonEndedByParticipant,
		Rating:  rating,
		Review:  review,
	})
	if err != nil {
		if errors.Is(err, ErrConsultationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("complete consultation: %w", err)
	}
	if !completed {
		return c, ErrInvalidStatusTransition
	}

	s.afterCompletion(ctx, c)
	return c, nil
}

// CompleteExpired is the timer path. completed is false when another path
// already closed the consultation; the caller must then do nothing.
func (s *Service) CompleteExpired(ctx context.Context, id uuid.UUID) (*Consultation, bool, error) {
	c, completed, err := s.repo.CompleteConsultation(ctx, id, Completion{
		EndedAt: s.now(),
		Reason:  ReasonTimeExpired,
	})
	if err != nil {
		return nil, false, err
	}
	if !completed {
		logging.Ctx(ctx).Debug().Str("consultation_id", id.String()).Msg("timer fired for closed consultation")
		return c, false, nil
	}

	s.afterCompletion(ctx, c)
	return c, true, nil
}

// SweepExpired closes every live consultation past its duration plus grace.
// ended_at is the deadline itself, not the time the sweep noticed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.repo.FindOverdue(ctx, now, s.cfg.SessionGrace)
	if err != nil {
		return 0, fmt.Errorf("find overdue consultations: %w", err)
	}

	closed := 0
	for _, o := range overdue {
		c, completed, err := s.repo.CompleteConsultation(ctx, o.ID, Completion{
			EndedAt: o.ExpiresAt().Add(s.cfg.SessionGrace),
			Reason:  ReasonAutoExpired,
		})
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("consultation_id", o.ID.String()).Msg("sweep failed to complete consultation")
			continue
		}
		if !completed {
			continue
		}
		closed++
		s.afterCompletion(ctx, c)
	}
	return closed, nil
}

func (s *Service) afterCompletion(ctx context.Context, c *Consultation) {
	reason := ReasonEndedByParticipant
	if c.EndedReason != nil {
		reason = *c.EndedReason
	}
	astrologerID := c.EffectiveAstrologerID()

	s.timers.Cancel(c.ID)
	s.adjustWorkload(ctx, astrologerID, -1)
	metrics.ConsultationCompletions.WithLabelValues(string(reason)).Inc()
	s.events.Publish(ctx, EventCompleted, c)

	logging.Ctx(ctx).Info().
		Str("consultation_id", c.ID.String()).
		Str("astrologer_id", astrologerID.String()).
		Str("reason", string(reason)).
		Msg("consultation completed")

	// the serving astrologer's queue first, then the requested one freed by a
	// reroute, then the target of a live rule whose waiters need the requested slot
	queues := []uuid.UUID{astrologerID}
	if astrologerID != c.AstrologerID {
		queues = append(queues, c.AstrologerID)
	}
	if res := s.router.ResolveEffectiveAstrologer(ctx, c.AstrologerID); res.IsRerouted && !containsID(queues, res.AstrologerID) {
		queues = append(queues, res.AstrologerID)
	}
	for _, id := range queues {
		if _, err := s.ProcessNextInQueue(ctx, id); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("astrologer_id", id.String()).Msg("promote next in queue")
		}
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// withAstrologerLocks takes the lock of every id in a fixed order so
// overlapping requests cannot deadlock.
func (s *Service) withAstrologerLocks(ctx context.Context, ids []uuid.UUID, fn func(ctx context.Context) error) error {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	var run func(ctx context.Context, i int) error
	run = func(ctx context.Context, i int) error {
		if i == len(sorted) {
			return fn(ctx)
		}
		if i > 0 && sorted[i] == sorted[i-1] {
			return run(ctx, i+1)
		}
		return s.locker.WithAstrologerLock(ctx, sorted[i], func(lockCtx context.Context) error {
			return run(lockCtx, i+1)
		})
	}
	return run(ctx, 0)
}

// ProcessNextInQueue promotes the oldest waiting entry of a free astrologer.
// Entries whose user can no longer pay are cancelled and skipped. It returns
// nil when nothing was promoted.
func (s *Service) ProcessNextInQueue(ctx context.Context, astrologerID uuid.UUID) (*Consultation, error) {
	var (
		promoted *Consultation
		skipped  []QueueEntry
	)

	err := s.locker.WithAstrologerLock(ctx, astrologerID, func(lockCtx context.Context) error {
		if _, err := s.repo.FindActiveForAstrologer(lockCtx, astrologerID); err == nil {
			return nil
		} else if !errors.Is(err, ErrConsultationNotFound) {
			return fmt.Errorf("check active consultation: %w", err)
		}

		for {
			next, err := s.repo.PeekNextWaiting(lockCtx, astrologerID)
			if errors.Is(err, ErrQueueEntryNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("peek queue: %w", err)
			}

			now := s.now()
			c, err := s.repo.PromoteQueueEntry(lockCtx, next.ID, now, s.cfg.QueueSlotEstimate)
			switch {
			case err == nil:
				promoted = c
				return nil
			case errors.Is(err, ErrInsufficientBalance):
				if _, cerr := s.repo.CancelQueueEntry(lockCtx, next.ID, ReasonInsufficientBalance, now, s.cfg.QueueSlotEstimate); cerr != nil {
					return fmt.Errorf("cancel unpaid queue entry: %w", cerr)
				}
				skipped = append(skipped, *next)
			case errors.Is(err, ErrAstrologerBusy):
				return nil
			default:
				return fmt.Errorf("promote queue entry: %w", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	for _, e := range skipped {
		metrics.ConsultationCompletions.WithLabelValues(string(ReasonInsufficientBalance)).Inc()
		s.notify(ctx, e.UserID, e.ConsultationID, "queue_skipped",
			"Consultation cancelled", "Your balance was too low when your turn came, so the consultation was cancelled.")
	}

	if promoted == nil {
		return nil, nil
	}

	metrics.QueuePromotions.Inc()
	s.timers.Arm(ctx, promoted.ID)
	s.adjustWorkload(ctx, astrologerID, 1)
	s.events.Publish(ctx, EventPromoted, promoted)
	cid := promoted.ID
	s.notify(ctx, promoted.UserID, &cid, "consultation_started",
		"Your consultation has started", "The astrologer is ready for you now.")

	logging.Ctx(ctx).Info().
		Str("consultation_id", promoted.ID.String()).
		Str("astrologer_id", astrologerID.String()).
		Msg("queued consultation promoted")
	return promoted, nil
}

// ReconcileQueues promotes for every astrologer that has waiting entries but
// no live consultation. It repairs promotions lost to crashes or lock contention.
func (s *Service) ReconcileQueues(ctx context.Context) (int, error) {
	ids, err := s.repo.ListAstrologersWithWaiting(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued astrologers: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		c, err := s.ProcessNextInQueue(ctx, id)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("astrologer_id", id.String()).Msg("reconcile queue")
			continue
		}
		if c != nil {
			promoted++
		}
	}
	return promoted, nil
}

// ExtendConsultation adds minutes without any cap.
func (s *Service) ExtendConsultation(ctx context.Context, id uuid.UUID, minutes int) (*Consultation, error) {
	if minutes <= 0 {
		return nil, ErrInvalidDuration
	}
	c, err := s.repo.ExtendDuration(ctx, id, minutes)
	if err != nil {
		return nil, err
	}
	s.afterExtension(ctx, c, minutes)
	return c, nil
}

// ExtendWithAstrologerLimit adds minutes on the astrologer's initiative, at
// most MaxAstrologerExtensions times per consultation.
func (s *Service) ExtendWithAstrologerLimit(ctx context.Context, id uuid.UUID, minutes int) (*Consultation, error) {
	if minutes <= 0 {
		return nil, ErrInvalidDuration
	}
	c, err := s.repo.ExtendDurationCapped(ctx, id, minutes, MaxAstrologerExtensions)
	if err != nil {
		if errors.Is(err, ErrExtensionLimitReached) {
			metrics.ExtensionRejections.Inc()
		}
		return nil, err
	}
	s.afterExtension(ctx, c, minutes)
	return c, nil
}

func (s *Service) afterExtension(ctx context.Context, c *Consultation, minutes int) {
	if c.Status.Live() {
		s.timers.Rearm(c.ID)
	}
	s.events.Publish(ctx, EventExtended, c)
	logging.Ctx(ctx).Info().
		Str("consultation_id", c.ID.String()).
		Int("minutes", minutes).
		Int("duration_minutes", c.DurationMinutes).
		Int("astrologer_extensions", c.AstrologerExtensions).
		Msg("consultation extended")
}

// LeaveQueue withdraws a waiting request.
func (s *Service) LeaveQueue(ctx context.Context, entryID uuid.UUID) (*QueueEntry, error) {
	entry, err := s.repo.GetQueueEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var cancelled *QueueEntry
	err = s.locker.WithAstrologerLock(ctx, entry.AstrologerID, func(lockCtx context.Context) error {
		var err error
		cancelled, err = s.repo.CancelQueueEntry(lockCtx, entryID, ReasonLeftQueue, s.now(), s.cfg.QueueSlotEstimate)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAstrologerBusy
		}
		return nil, err
	}

	metrics.ConsultationCompletions.WithLabelValues(string(ReasonLeftQueue)).Inc()
	if cancelled.ConsultationID != nil {
		if c, err := s.repo.GetConsultationByID(ctx, *cancelled.ConsultationID); err == nil {
			s.events.Publish(ctx, EventLeftQueue, c)
		}
	}
	return cancelled, nil
}

func (s *Service) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.repo.GetConsultationByID(ctx, id)
}

// GetActiveForUser sweeps overdue sessions before reading.
func (s *Service) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Consultation, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("lazy sweep failed")
	}
	return s.repo.FindActiveForUser(ctx, userID)
}

// GetActiveForAstrologer sweeps overdue sessions before reading.
func (s *Service) GetActiveForAstrologer(ctx context.Context, astrologerID uuid.UUID) (*Consultation, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("lazy sweep failed")
	}
	return s.repo.FindActiveForAstrologer(ctx, astrologerID)
}

// GetQueueStatus reports the astrologer's queue and what a new request would wait.
func (s *Service) GetQueueStatus(ctx context.Context, astrologerID uuid.UUID) (*QueueStatusView, error) {
	if _, err := s.repo.GetAstrologerByID(ctx, astrologerID); err != nil {
		return nil, err
	}

	active, err := s.GetActiveForAstrologer(ctx, astrologerID)
	if err != nil && !errors.Is(err, ErrConsultationNotFound) {
		return nil, fmt.Errorf("load active consultation: %w", err)
	}
	waiting, err := s.repo.ListWaiting(ctx, astrologerID)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	avg, err := s.repo.AverageConsultationMinutes(ctx, astrologerID)
	if err != nil {
		return nil, fmt.Errorf("average consultation duration: %w", err)
	}

	view := &QueueStatusView{
		AstrologerID: astrologerID,
		Busy:         active != nil || len(waiting) > 0,
		Waiting:      waiting,
	}
	if active != nil {
		id := active.ID
		view.ActiveConsultationID = &id
	}
	if view.Busy {
		view.NextPosition = len(waiting) + 1
		view.FixedEstimateMinutes = waitMinutes(view.NextPosition, s.cfg.QueueSlotEstimate)
		view.HistoricalEstimateMinutes = int(math.Round(float64(view.NextPosition) * avg))
	}
	return view, nil
}

func (s *Service) adjustWorkload(ctx context.Context, astrologerID uuid.UUID, delta int) {
	if _, err := s.repo.AdjustWorkload(ctx, astrologerID, delta); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("astrologer_id", astrologerID.String()).Int("delta", delta).Msg("adjust workload")
	}
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, consultationID *uuid.UUID, kind, title, message string) {
	n := Notification{
		UserID:         userID,
		Type:           kind,
		Title:          title,
		Message:        message,
		ConsultationID: consultationID,
		CreatedAt:      s.now(),
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("user_id", userID.String()).Str("type", kind).Msg("create notification")
	}
}
