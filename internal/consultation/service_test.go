package consultation_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/astro-consultation-queue/internal/config"
	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	redisclient "github.com/hackgods/astro-consultation-queue/internal/redis"
	"github.com/hackgods/astro-consultation-queue/internal/routing"
)

type timerCall struct {
	op string
	id uuid.UUID
}

type recordingTimers struct {
	mu    sync.Mutex
	calls []timerCall
}

func (r *recordingTimers) record(op string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, timerCall{op: op, id: id})
}

func (r *recordingTimers) Arm(_ context.Context, id uuid.UUID) { r.record("arm", id) }
func (r *recordingTimers) Cancel(id uuid.UUID)                 { r.record("cancel", id) }
func (r *recordingTimers) Rearm(id uuid.UUID)                  { r.record("rearm", id) }

func (r *recordingTimers) count(op string, id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.op == op && c.id == id {
			n++
		}
	}
	return n
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Publish(_ context.Context, event string, _ *consultation.Consultation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *consultation.Service
	repo   *consultation.MemoryRepository
	timers *recordingTimers
	events *recordingEvents
	now    time.Time
	astro  consultation.Astrologer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   consultation.NewMemoryRepository(),
		timers: &recordingTimers{},
		events: &recordingEvents{},
		now:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	cfg := config.Config{
		QueueSlotEstimate: 35 * time.Minute,
		SessionGrace:      2 * time.Minute,
	}
	f.svc = consultation.NewService(f.repo, redisclient.NewLocalLocker(), cfg)
	f.svc.SetTimers(f.timers)
	f.svc.SetEvents(f.events)
	f.svc.SetRouter(routing.NewEngine(f.repo))
	f.svc.SetClock(func() time.Time { return f.now })

	f.astro = f.repo.AddAstrologer(consultation.Astrologer{
		Name:           "Acharya Vedant",
		PricePerMinute: decimal.NewFromInt(10),
		IsOnline:       true,
		IsActive:       true,
		IsApproved:     true,
	})
	return f
}

func (f *fixture) user(t *testing.T, balance int64) consultation.User {
	t.Helper()
	return f.repo.AddUser(consultation.User{Name: "user", Balance: decimal.NewFromInt(balance)})
}

func (f *fixture) request(t *testing.T, userID uuid.UUID, minutes int) *consultation.RequestResult {
	t.Helper()
	res, err := f.svc.RequestConsultation(context.Background(), userID, f.astro.ID, consultation.RequestDetails{
		Topic:           "career",
		DurationMinutes: minutes,
	})
	require.NoError(t, err)
	return res
}

func balanceOf(t *testing.T, repo *consultation.MemoryRepository, id uuid.UUID) decimal.Decimal {
	t.Helper()
	u, err := repo.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func TestRequestStartsImmediatelyWhenFree(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)

	res := f.request(t, u.ID, 30)

	c := res.Consultation
	assert.Equal(t, consultation.StatusActive, c.Status)
	assert.Nil(t, res.QueueEntry)
	assert.Equal(t, "Acharya Vedant", res.DisplayAstrologerName)
	assert.True(t, decimal.NewFromInt(300).Equal(c.Cost))
	assert.True(t, decimal.NewFromInt(700).Equal(balanceOf(t, f.repo, u.ID)))
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, f.now, *c.StartedAt)
	assert.Equal(t, 1, f.timers.count("arm", c.ID))
	assert.Equal(t, 1, f.events.count(consultation.EventStarted))

	w, err := f.repo.GetWorkload(context.Background(), f.astro.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentConsultations)
}

func TestRequestQueuesWhenBusy(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.user(t, 1000), f.user(t, 1000), f.user(t, 1000)
	f.request(t, a.ID, 30)

	second := f.request(t, b.ID, 30)
	third := f.request(t, c.ID, 30)

	assert.Equal(t, consultation.StatusQueued, second.Consultation.Status)
	require.NotNil(t, second.QueueEntry)
	assert.Equal(t, 1, second.QueueEntry.Position)
	assert.Equal(t, 1, *second.Consultation.QueuePosition)
	assert.Equal(t, 35, *second.Consultation.EstimatedWaitMinutes)

	assert.Equal(t, 2, third.QueueEntry.Position)
	assert.Equal(t, 70, *third.Consultation.EstimatedWaitMinutes)

	// queued users are only charged on promotion
	assert.True(t, decimal.NewFromInt(1000).Equal(balanceOf(t, f.repo, b.ID)))
	assert.Zero(t, f.timers.count("arm", second.Consultation.ID))
}

func TestRequestRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 50)

	_, err := f.svc.RequestConsultation(context.Background(), u.ID, f.astro.ID, consultation.RequestDetails{DurationMinutes: 30})
	assert.ErrorIs(t, err, consultation.ErrInsufficientBalance)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)
	ctx := context.Background()

	_, err := f.svc.RequestConsultation(ctx, u.ID, f.astro.ID, consultation.RequestDetails{DurationMinutes: 0})
	assert.ErrorIs(t, err, consultation.ErrInvalidDuration)

	_, err = f.svc.RequestConsultation(ctx, u.ID, uuid.New(), consultation.RequestDetails{DurationMinutes: 10})
	assert.ErrorIs(t, err, consultation.ErrAstrologerNotFound)

	_, err = f.svc.RequestConsultation(ctx, uuid.New(), f.astro.ID, consultation.RequestDetails{DurationMinutes: 10})
	assert.ErrorIs(t, err, consultation.ErrUserNotFound)
}

func TestExplicitCostOverridesPrice(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 500)

	res, err := f.svc.RequestConsultation(context.Background(), u.ID, f.astro.ID, consultation.RequestDetails{
		DurationMinutes: 30,
		Cost:            decimal.NewFromInt(450),
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(450).Equal(res.Consultation.Cost))
	assert.True(t, decimal.NewFromInt(50).Equal(balanceOf(t, f.repo, u.ID)))
}

func TestCostBelowPriceIsRejected(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)

	_, err := f.svc.RequestConsultation(context.Background(), u.ID, f.astro.ID, consultation.RequestDetails{
		DurationMinutes: 240,
		Cost:            decimal.RequireFromString("0.01"),
	})
	assert.ErrorIs(t, err, consultation.ErrCostBelowPrice)
	assert.True(t, decimal.NewFromInt(1000).Equal(balanceOf(t, f.repo, u.ID)), "rejected request must not debit")

	_, err = f.repo.FindActiveForUser(context.Background(), u.ID)
	assert.ErrorIs(t, err, consultation.ErrConsultationNotFound)
}

func TestEndPromotesNextAndRenumbers(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.user(t, 1000), f.user(t, 1000), f.user(t, 1000)
	first := f.request(t, a.ID, 30)
	second := f.request(t, b.ID, 30)
	third := f.request(t, c.ID, 30)

	f.now = f.now.Add(10 * time.Minute)
	rating := 5
	ended, err := f.svc.EndConsultation(context.Background(), first.Consultation.ID, &rating, nil)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, ended.Status)
	assert.Equal(t, consultation.ReasonEndedByParticipant, *ended.EndedReason)
	assert.Equal(t, 5, *ended.Rating)
	assert.Equal(t, 1, f.timers.count("cancel", first.Consultation.ID))

	promoted, err := f.repo.GetConsultationByID(context.Background(), second.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusActive, promoted.Status)
	assert.Equal(t, f.now, *promoted.StartedAt)
	assert.Nil(t, promoted.QueuePosition)
	assert.Equal(t, 1, f.timers.count("arm", promoted.ID))
	assert.True(t, decimal.NewFromInt(700).Equal(balanceOf(t, f.repo, b.ID)))
	assert.Len(t, f.repo.Notifications(b.ID), 1)

	waiting, err := f.repo.ListWaiting(context.Background(), f.astro.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, third.QueueEntry.ID, waiting[0].ID)
	assert.Equal(t, 1, waiting[0].Position)

	lastCons, err := f.repo.GetConsultationByID(context.Background(), third.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *lastCons.QueuePosition)
	assert.Equal(t, 35, *lastCons.EstimatedWaitMinutes)
}

func TestEndTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, f.user(t, 1000).ID, 30)

	_, err := f.svc.EndConsultation(context.Background(), res.Consultation.ID, nil, nil)
	require.NoError(t, err)
	_, err = f.svc.EndConsultation(context.Background(), res.Consultation.ID, nil, nil)
	assert.ErrorIs(t, err, consultation.ErrInvalidStatusTransition)

	_, err = f.svc.EndConsultation(context.Background(), uuid.New(), nil, nil)
	assert.ErrorIs(t, err, consultation.ErrConsultationNotFound)
}

func TestPromotionSkipsUserWhoCannotPay(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 1000)
	poor := f.user(t, 300)
	rich := f.user(t, 1000)

	first := f.request(t, a.ID, 30)
	skipped := f.request(t, poor.ID, 30)
	next := f.request(t, rich.ID, 30)

	// the poor user spends their balance elsewhere while waiting
	f.repo.AddUser(consultation.User{ID: poor.ID, Name: poor.Name, Balance: decimal.NewFromInt(10)})

	_, err := f.svc.EndConsultation(context.Background(), first.Consultation.ID, nil, nil)
	require.NoError(t, err)

	s, err := f.repo.GetConsultationByID(context.Background(), skipped.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, s.Status)
	assert.Equal(t, consultation.ReasonInsufficientBalance, *s.EndedReason)

	n, err := f.repo.GetConsultationByID(context.Background(), next.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusActive, n.Status)
	assert.Len(t, f.repo.Notifications(poor.ID), 1)
}

func TestAstrologerExtensionCap(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, f.user(t, 1000).ID, 30)
	id := res.Consultation.ID

	c, err := f.svc.ExtendWithAstrologerLimit(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Equal(t, 40, c.DurationMinutes)
	c, err = f.svc.ExtendWithAstrologerLimit(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Equal(t, 50, c.DurationMinutes)
	assert.Equal(t, 2, c.AstrologerExtensions)

	_, err = f.svc.ExtendWithAstrologerLimit(context.Background(), id, 10)
	assert.ErrorIs(t, err, consultation.ErrExtensionLimitReached)

	stored, err := f.repo.GetConsultationByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.DurationMinutes)
	assert.Equal(t, 2, f.timers.count("rearm", id))
}

func TestUncappedExtension(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, f.user(t, 1000).ID, 30)
	id := res.Consultation.ID

	for i := 0; i < 4; i++ {
		_, err := f.svc.ExtendConsultation(context.Background(), id, 5)
		require.NoError(t, err)
	}
	stored, err := f.repo.GetConsultationByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.DurationMinutes)
	assert.Zero(t, stored.AstrologerExtensions)

	_, err = f.svc.ExtendConsultation(context.Background(), id, -5)
	assert.ErrorIs(t, err, consultation.ErrInvalidDuration)

	_, err = f.svc.EndConsultation(context.Background(), id, nil, nil)
	require.NoError(t, err)
	_, err = f.svc.ExtendConsultation(context.Background(), id, 5)
	assert.ErrorIs(t, err, consultation.ErrInvalidStatusTransition)
}

func TestLazySweepClosesOverdueSession(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)
	res := f.request(t, u.ID, 30)
	start := *res.Consultation.StartedAt

	// the process restarted and the timer was lost
	f.now = start.Add(40 * time.Minute)
	_, err := f.svc.GetActiveForUser(context.Background(), u.ID)
	assert.ErrorIs(t, err, consultation.ErrConsultationNotFound)

	c, err := f.repo.GetConsultationByID(context.Background(), res.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, c.Status)
	assert.Equal(t, consultation.ReasonAutoExpired, *c.EndedReason)
	assert.Equal(t, start.Add(32*time.Minute), *c.EndedAt)
	assert.Empty(t, f.repo.ActiveRows())
}

func TestSweepLeavesSessionsWithinGrace(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)
	res := f.request(t, u.ID, 30)

	f.now = res.Consultation.StartedAt.Add(31 * time.Minute)
	active, err := f.svc.GetActiveForAstrologer(context.Background(), f.astro.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Consultation.ID, active.ID)
}

func TestReroutedRequestKeepsDisplayName(t *testing.T) {
	f := newFixture(t)
	backup := f.repo.AddAstrologer(consultation.Astrologer{
		Name:       "Pandit Raman",
		IsOnline:   true,
		IsActive:   true,
		IsApproved: true,
	})
	_, err := routing.NewEngine(f.repo).CreateRule(context.Background(), f.astro.ID, backup.ID, 1)
	require.NoError(t, err)

	res := f.request(t, f.user(t, 1000).ID, 30)

	c := res.Consultation
	assert.Equal(t, "Acharya Vedant", res.DisplayAstrologerName)
	assert.True(t, c.IsRerouted)
	assert.Equal(t, f.astro.ID, c.AstrologerID)
	require.NotNil(t, c.ReroutedTo)
	assert.Equal(t, backup.ID, *c.ReroutedTo)
	assert.Equal(t, backup.ID, c.EffectiveAstrologerID())

	routed := f.repo.RoutedConsultations()
	require.Len(t, routed, 1)
	assert.Equal(t, "Acharya Vedant", routed[0].UserVisibleName)
	assert.Equal(t, "Pandit Raman", routed[0].ActualProviderName)

	// the reroute occupies the requested astrologer and the backup alike
	for _, id := range []uuid.UUID{f.astro.ID, backup.ID} {
		active, err := f.svc.GetActiveForAstrologer(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, c.ID, active.ID)
	}
}

// liveHolding counts live consultations bound to astrologerID directly or
// through a reroute.
func liveHolding(t *testing.T, repo *consultation.MemoryRepository, astrologerID uuid.UUID) int {
	t.Helper()
	live, err := repo.ListActiveConsultations(context.Background())
	require.NoError(t, err)
	n := 0
	for _, c := range live {
		if c.Holds(astrologerID) {
			n++
		}
	}
	return n
}

func TestReroutedSessionKeepsRequestedAstrologerBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	backup := f.repo.AddAstrologer(consultation.Astrologer{
		Name:       "Pandit Raman",
		IsOnline:   true,
		IsActive:   true,
		IsApproved: true,
	})
	router := routing.NewEngine(f.repo)
	rule, err := router.CreateRule(ctx, f.astro.ID, backup.ID, 1)
	require.NoError(t, err)

	first := f.request(t, f.user(t, 1000).ID, 30)
	require.Equal(t, consultation.StatusActive, first.Consultation.Status)
	require.Equal(t, backup.ID, first.Consultation.EffectiveAstrologerID())

	require.NoError(t, router.DeactivateRule(ctx, rule.ID))

	second := f.request(t, f.user(t, 1000).ID, 30)
	assert.Equal(t, consultation.StatusQueued, second.Consultation.Status)
	require.NotNil(t, second.QueueEntry)
	assert.Equal(t, 1, second.QueueEntry.Position)
	assert.Equal(t, f.astro.ID, second.QueueEntry.AstrologerID)
	assert.LessOrEqual(t, liveHolding(t, f.repo, f.astro.ID), 1)

	_, err = f.svc.EndConsultation(ctx, first.Consultation.ID, nil, nil)
	require.NoError(t, err)

	promoted, err := f.repo.GetConsultationByID(ctx, second.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusActive, promoted.Status)
	assert.Equal(t, 1, liveHolding(t, f.repo, f.astro.ID))
}

func TestRerouteWaitsForBusyRequestedAstrologer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	backup := f.repo.AddAstrologer(consultation.Astrologer{
		Name:       "Pandit Raman",
		IsOnline:   true,
		IsActive:   true,
		IsApproved: true,
	})

	direct := f.request(t, f.user(t, 1000).ID, 30)
	require.Equal(t, consultation.StatusActive, direct.Consultation.Status)

	_, err := routing.NewEngine(f.repo).CreateRule(ctx, f.astro.ID, backup.ID, 1)
	require.NoError(t, err)

	rerouted := f.request(t, f.user(t, 1000).ID, 30)
	assert.Equal(t, consultation.StatusQueued, rerouted.Consultation.Status)
	require.NotNil(t, rerouted.QueueEntry)
	assert.Equal(t, backup.ID, rerouted.QueueEntry.AstrologerID)
	assert.Equal(t, 1, liveHolding(t, f.repo, f.astro.ID))

	_, err = f.svc.EndConsultation(ctx, direct.Consultation.ID, nil, nil)
	require.NoError(t, err)

	promoted, err := f.repo.GetConsultationByID(ctx, rerouted.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusActive, promoted.Status)
	assert.Equal(t, backup.ID, promoted.EffectiveAstrologerID())
}

func TestConcurrentRequestsAdmitOne(t *testing.T) {
	f := newFixture(t)
	const n = 20
	users := make([]consultation.User, n)
	for i := range users {
		users[i] = f.user(t, 1000)
	}

	var wg sync.WaitGroup
	results := make([]*consultation.RequestResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.RequestConsultation(context.Background(), users[i].ID, f.astro.ID,
				consultation.RequestDetails{DurationMinutes: 30})
		}(i)
	}
	wg.Wait()

	active := 0
	var positions []int
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Consultation.Status == consultation.StatusActive {
			active++
			continue
		}
		positions = append(positions, results[i].QueueEntry.Position)
	}
	assert.Equal(t, 1, active)

	sort.Ints(positions)
	for i, p := range positions {
		assert.Equal(t, i+1, p)
	}
	assert.Len(t, f.repo.ActiveRows(), 1)
}

func TestTimerAndSweepRacePromoteOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		first := f.request(t, f.user(t, 1000).ID, 30)
		f.request(t, f.user(t, 1000).ID, 30)
		third := f.request(t, f.user(t, 1000).ID, 30)

		f.now = first.Consultation.StartedAt.Add(45 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = f.svc.CompleteExpired(context.Background(), first.Consultation.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.SweepExpired(context.Background())
		}()
		wg.Wait()

		waiting, err := f.repo.ListWaiting(context.Background(), f.astro.ID)
		require.NoError(t, err)
		require.Len(t, waiting, 1, "round %d", round)
		assert.Equal(t, third.QueueEntry.ID, waiting[0].ID)
		assert.Equal(t, 1, waiting[0].Position)
		assert.Equal(t, 1, f.events.count(consultation.EventPromoted))
		assert.Len(t, f.repo.ActiveRows(), 1)
	}
}

func TestCompleteExpiredAfterManualEndIsNoop(t *testing.T) {
	f := newFixture(t)
	res := f.request(t, f.user(t, 1000).ID, 30)
	_, err := f.svc.EndConsultation(context.Background(), res.Consultation.ID, nil, nil)
	require.NoError(t, err)

	c, completed, err := f.svc.CompleteExpired(context.Background(), res.Consultation.ID)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, consultation.ReasonEndedByParticipant, *c.EndedReason)
	assert.Equal(t, 1, f.events.count(consultation.EventCompleted))
}

func TestLeaveQueue(t *testing.T) {
	f := newFixture(t)
	f.request(t, f.user(t, 1000).ID, 30)
	leaving := f.request(t, f.user(t, 1000).ID, 30)
	staying := f.request(t, f.user(t, 1000).ID, 30)

	entry, err := f.svc.LeaveQueue(context.Background(), leaving.QueueEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.QueueCancelled, entry.Status)

	c, err := f.repo.GetConsultationByID(context.Background(), leaving.Consultation.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusCompleted, c.Status)
	assert.Equal(t, consultation.ReasonLeftQueue, *c.EndedReason)

	waiting, err := f.repo.ListWaiting(context.Background(), f.astro.ID)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, staying.QueueEntry.ID, waiting[0].ID)
	assert.Equal(t, 1, waiting[0].Position)

	_, err = f.svc.LeaveQueue(context.Background(), leaving.QueueEntry.ID)
	assert.ErrorIs(t, err, consultation.ErrQueueEntryNotFound)
}

func TestQueueStatusEstimates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// one finished 20 minute consultation gives the historical average
	done := f.request(t, f.user(t, 1000).ID, 30)
	f.now = f.now.Add(20 * time.Minute)
	_, err := f.svc.EndConsultation(ctx, done.Consultation.ID, nil, nil)
	require.NoError(t, err)

	view, err := f.svc.GetQueueStatus(ctx, f.astro.ID)
	require.NoError(t, err)
	assert.False(t, view.Busy)
	assert.Zero(t, view.FixedEstimateMinutes)

	f.request(t, f.user(t, 1000).ID, 30)
	f.request(t, f.user(t, 1000).ID, 30)

	view, err = f.svc.GetQueueStatus(ctx, f.astro.ID)
	require.NoError(t, err)
	assert.True(t, view.Busy)
	require.NotNil(t, view.ActiveConsultationID)
	assert.Len(t, view.Waiting, 1)
	assert.Equal(t, 2, view.NextPosition)
	assert.Equal(t, 70, view.FixedEstimateMinutes)
	assert.Equal(t, 40, view.HistoricalEstimateMinutes)

	_, err = f.svc.GetQueueStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, consultation.ErrAstrologerNotFound)
}

func TestReconcileQueuesPromotesStranded(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 1000)

	// a queued row whose promotion was lost, e.g. the process died after completion
	_, entry, err := f.repo.CreateQueuedConsultation(context.Background(), consultation.NewConsultation{
		UserID:          u.ID,
		AstrologerID:    f.astro.ID,
		DurationMinutes: 30,
		Cost:            decimal.NewFromInt(300),
		Now:             f.now,
	}, 35*time.Minute)
	require.NoError(t, err)

	promoted, err := f.svc.ReconcileQueues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err := f.repo.GetQueueEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, consultation.QueueConfirmed, got.Status)
}
