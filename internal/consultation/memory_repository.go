package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. It backs STORE_BACKEND=memory
// and the tests; one mutex stands in for the database transactions.
type MemoryRepository struct {
	mu            sync.Mutex
	users         map[uuid.UUID]User
	astrologers   map[uuid.UUID]Astrologer
	consultations map[uuid.UUID]Consultation
	queue         map[uuid.UUID]QueueEntry
	active        map[uuid.UUID]ActiveConsultation // keyed by consultation id
	workloads     map[uuid.UUID]Workload
	rules         map[uuid.UUID]RoutingRule
	routed        []RoutedConsultation
	notifications []Notification
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[uuid.UUID]User),
		astrologers:   make(map[uuid.UUID]Astrologer),
		consultations: make(map[uuid.UUID]Consultation),
		queue:         make(map[uuid.UUID]QueueEntry),
		active:        make(map[uuid.UUID]ActiveConsultation),
		workloads:     make(map[uuid.UUID]Workload),
		rules:         make(map[uuid.UUID]RoutingRule),
	}
}

func (r *MemoryRepository) AddUser(u User) User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
		u.UpdatedAt = u.CreatedAt
	}
	r.users[u.ID] = u
	return u
}

func (r *MemoryRepository) AddAstrologer(a Astrologer) Astrologer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
	}
	r.astrologers[a.ID] = a
	return a
}

// PutConsultation stores c as-is, registering it as active when it is live.
func (r *MemoryRepository) PutConsultation(c Consultation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consultations[c.ID] = c
	if c.Status.Live() {
		r.active[c.ID] = ActiveConsultation{
			ConsultationID: c.ID,
			AstrologerID:   c.EffectiveAstrologerID(),
			UserID:         c.UserID,
			StartTime:      c.ClockStart(),
			LastActivity:   c.ClockStart(),
		}
	}
}

func (r *MemoryRepository) Notifications(userID uuid.UUID) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (r *MemoryRepository) RoutedConsultations() []RoutedConsultation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RoutedConsultation(nil), r.routed...)
}

func (r *MemoryRepository) ActiveRows() []ActiveConsultation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveConsultation, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a)
	}
	return out
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) GetAstrologerByID(_ context.Context, id uuid.UUID) (*Astrologer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.astrologers[id]
	if !ok {
		return nil, ErrAstrologerNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListAvailableAstrologers(_ context.Context) ([]Astrologer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Astrologer
	for _, a := range r.astrologers {
		if a.Available() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *MemoryRepository) GetConsultationByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) FindActiveForAstrologer(_ context.Context, astrologerID uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveWhere(func(c Consultation) bool { return c.Holds(astrologerID) })
}

func (r *MemoryRepository) FindActiveForUser(_ context.Context, userID uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveWhere(func(c Consultation) bool { return c.UserID == userID })
}

func (r *MemoryRepository) liveWhere(match func(Consultation) bool) (*Consultation, error) {
	var found *Consultation
	for _, c := range r.consultations {
		if !c.Status.Live() || !match(c) {
			continue
		}
		if found == nil || c.ClockStart().Before(found.ClockStart()) {
			c := c
			found = &c
		}
	}
	if found == nil {
		return nil, ErrConsultationNotFound
	}
	return found, nil
}

func (r *MemoryRepository) ListActiveConsultations(_ context.Context) ([]Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Consultation
	for _, c := range r.consultations {
		if c.Status.Live() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClockStart().Before(out[j].ClockStart()) })
	return out, nil
}

// astrologerOccupied reports whether a live consultation holds any of ids,
// directly or through a reroute.
func (r *MemoryRepository) astrologerOccupied(ids []uuid.UUID) bool {
	for _, c := range r.consultations {
		if !c.Status.Live() {
			continue
		}
		for _, id := range ids {
			if c.Holds(id) {
				return true
			}
		}
	}
	return false
}

func (r *MemoryRepository) CreateActiveConsultation(_ context.Context, nc NewConsultation) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[nc.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if r.astrologerOccupied(nc.heldAstrologerIDs()) {
		return nil, ErrAstrologerBusy
	}
	if user.Balance.LessThan(nc.Cost) {
		return nil, ErrInsufficientBalance
	}
	user.Balance = user.Balance.Sub(nc.Cost)
	user.UpdatedAt = nc.Now
	r.users[user.ID] = user

	now := nc.Now
	c := newConsultationRow(nc)
	c.Status = StatusActive
	c.StartedAt = &now
	r.consultations[c.ID] = c
	r.active[c.ID] = ActiveConsultation{
		ConsultationID: c.ID,
		AstrologerID:   c.EffectiveAstrologerID(),
		UserID:         c.UserID,
		StartTime:      now,
		LastActivity:   now,
	}
	return &c, nil
}

func newConsultationRow(nc NewConsultation) Consultation {
	return Consultation{
		ID:              uuid.New(),
		UserID:          nc.UserID,
		AstrologerID:    nc.AstrologerID,
		Topic:           nc.Topic,
		DurationMinutes: nc.DurationMinutes,
		Cost:            nc.Cost,
		CreatedAt:       nc.Now,
		IsRerouted:      nc.ReroutedTo != nil,
		ReroutedTo:      nc.ReroutedTo,
	}
}

func (r *MemoryRepository) CreateQueuedConsultation(_ context.Context, nc NewConsultation, slot time.Duration) (*Consultation, *QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[nc.UserID]; !ok {
		return nil, nil, ErrUserNotFound
	}
	eff := nc.effectiveAstrologerID()
	position := len(r.waiting(eff)) + 1
	wait := waitMinutes(position, slot)
	now := nc.Now

	c := newConsultationRow(nc)
	c.Status = StatusQueued
	c.QueuePosition = &position
	c.EstimatedWaitMinutes = &wait
	c.QueueEnteredAt = &now
	r.consultations[c.ID] = c

	cid := c.ID
	entry := QueueEntry{
		ID:             uuid.New(),
		ConsultationID: &cid,
		UserID:         nc.UserID,
		AstrologerID:   eff,
		Position:       position,
		Status:         QueueWaiting,
		JoinTime:       now,
	}
	r.queue[entry.ID] = entry
	return &c, &entry, nil
}

func waitMinutes(position int, slot time.Duration) int {
	return position * int(slot/time.Minute)
}

// waiting returns the astrologer's waiting entries in join order.
func (r *MemoryRepository) waiting(astrologerID uuid.UUID) []QueueEntry {
	var out []QueueEntry
	for _, e := range r.queue {
		if e.AstrologerID == astrologerID && e.Status == QueueWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinTime.Equal(out[j].JoinTime) {
			return out[i].JoinTime.Before(out[j].JoinTime)
		}
		return out[i].Position < out[j].Position
	})
	return out
}

func (r *MemoryRepository) renumber(astrologerID uuid.UUID, slot time.Duration) {
	for i, e := range r.waiting(astrologerID) {
		position := i + 1
		e.Position = position
		r.queue[e.ID] = e
		if e.ConsultationID == nil {
			continue
		}
		if c, ok := r.consultations[*e.ConsultationID]; ok {
			wait := waitMinutes(position, slot)
			c.QueuePosition = &position
			c.EstimatedWaitMinutes = &wait
			r.consultations[c.ID] = c
		}
	}
}

func (r *MemoryRepository) GetQueueEntry(_ context.Context, id uuid.UUID) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.queue[id]
	if !ok {
		return nil, ErrQueueEntryNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) ListWaiting(_ context.Context, astrologerID uuid.UUID) ([]QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting(astrologerID), nil
}

func (r *MemoryRepository) ListAstrologersWithWaiting(_ context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, e := range r.queue {
		if e.Status == QueueWaiting && !seen[e.AstrologerID] {
			seen[e.AstrologerID] = true
			out = append(out, e.AstrologerID)
		}
	}
	return out, nil
}

func (r *MemoryRepository) PeekNextWaiting(_ context.Context, astrologerID uuid.UUID) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.waiting(astrologerID)
	if len(w) == 0 {
		return nil, ErrQueueEntryNotFound
	}
	return &w[0], nil
}

func (r *MemoryRepository) PromoteQueueEntry(_ context.Context, entryID uuid.UUID, now time.Time, slot time.Duration) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.queue[entryID]
	if !ok || entry.Status != QueueWaiting || entry.ConsultationID == nil {
		return nil, ErrQueueEntryNotFound
	}
	c, ok := r.consultations[*entry.ConsultationID]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	if r.astrologerOccupied(append(c.HeldAstrologerIDs(), entry.AstrologerID)) {
		return nil, ErrAstrologerBusy
	}
	user, ok := r.users[c.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if user.Balance.LessThan(c.Cost) {
		return nil, ErrInsufficientBalance
	}
	user.Balance = user.Balance.Sub(c.Cost)
	user.UpdatedAt = now
	r.users[user.ID] = user

	entry.Status = QueueConfirmed
	r.queue[entry.ID] = entry

	c.Status = StatusActive
	c.StartedAt = &now
	c.QueuePosition = nil
	c.EstimatedWaitMinutes = nil
	r.consultations[c.ID] = c
	r.active[c.ID] = ActiveConsultation{
		ConsultationID: c.ID,
		AstrologerID:   entry.AstrologerID,
		UserID:         c.UserID,
		StartTime:      now,
		LastActivity:   now,
	}

	r.renumber(entry.AstrologerID, slot)
	return &c, nil
}

func (r *MemoryRepository) CancelQueueEntry(_ context.Context, entryID uuid.UUID, reason EndReason, now time.Time, slot time.Duration) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.queue[entryID]
	if !ok || entry.Status != QueueWaiting {
		return nil, ErrQueueEntryNotFound
	}
	entry.Status = QueueCancelled
	r.queue[entry.ID] = entry

	if entry.ConsultationID != nil {
		if c, ok := r.consultations[*entry.ConsultationID]; ok && c.Status == StatusQueued {
			c.Status = StatusCompleted
			c.EndedAt = &now
			c.EndedReason = &reason
			c.QueuePosition = nil
			c.EstimatedWaitMinutes = nil
			r.consultations[c.ID] = c
		}
	}

	r.renumber(entry.AstrologerID, slot)
	return &entry, nil
}

func (r *MemoryRepository) CompleteConsultation(_ context.Context, id uuid.UUID, done Completion) (*Consultation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consultations[id]
	if !ok {
		return nil, false, ErrConsultationNotFound
	}
	if !c.Status.Live() {
		return &c, false, nil
	}

	endedAt := done.EndedAt
	reason := done.Reason
	c.Status = StatusCompleted
	c.EndedAt = &endedAt
	c.EndedReason = &reason
	if done.Rating != nil {
		c.Rating = done.Rating
	}
	if done.Review != nil {
		c.Review = done.Review
	}
	r.consultations[id] = c
	delete(r.active, id)
	return &c, true, nil
}

func (r *MemoryRepository) FindOverdue(_ context.Context, now time.Time, grace time.Duration) ([]Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Consultation
	for _, c := range r.consultations {
		if c.Status.Live() && c.ExpiresAt().Add(grace).Before(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt().Before(out[j].ExpiresAt()) })
	return out, nil
}

func (r *MemoryRepository) AverageConsultationMinutes(_ context.Context, astrologerID uuid.UUID) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	var n int
	for _, c := range r.consultations {
		if c.Status != StatusCompleted || c.StartedAt == nil || c.EndedAt == nil {
			continue
		}
		if c.EffectiveAstrologerID() != astrologerID {
			continue
		}
		total += c.EndedAt.Sub(*c.StartedAt).Minutes()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func (r *MemoryRepository) ExtendDuration(_ context.Context, id uuid.UUID, minutes int) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	if c.Status == StatusCompleted {
		return nil, ErrInvalidStatusTransition
	}
	c.DurationMinutes += minutes
	r.consultations[id] = c
	return &c, nil
}

func (r *MemoryRepository) ExtendDurationCapped(_ context.Context, id uuid.UUID, minutes, maxExtensions int) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	if c.Status == StatusCompleted {
		return nil, ErrInvalidStatusTransition
	}
	if c.AstrologerExtensions >= maxExtensions {
		return nil, ErrExtensionLimitReached
	}
	c.DurationMinutes += minutes
	c.AstrologerExtensions++
	r.consultations[id] = c
	return &c, nil
}

func (r *MemoryRepository) GetWorkload(_ context.Context, astrologerID uuid.UUID) (*Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[astrologerID]
	if !ok {
		return nil, ErrWorkloadNotFound
	}
	return &w, nil
}

func (r *MemoryRepository) ListWorkloads(_ context.Context) ([]Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Workload, 0, len(r.workloads))
	for _, w := range r.workloads {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AstrologerID.String() < out[j].AstrologerID.String() })
	return out, nil
}

func (r *MemoryRepository) UpsertWorkload(_ context.Context, w Workload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.UpdatedAt = time.Now()
	r.workloads[w.AstrologerID] = w
	return nil
}

func (r *MemoryRepository) AdjustWorkload(_ context.Context, astrologerID uuid.UUID, delta int) (*Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[astrologerID]
	if !ok {
		w = DefaultWorkload(astrologerID)
	}
	w.CurrentConsultations += delta
	w.Recompute()
	w.UpdatedAt = time.Now()
	r.workloads[astrologerID] = w
	return &w, nil
}

func (r *MemoryRepository) GetActiveRoutingRule(_ context.Context, originalAstrologerID uuid.UUID) (*RoutingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *RoutingRule
	for _, rule := range r.rules {
		if !rule.IsActive || rule.OriginalAstrologerID != originalAstrologerID {
			continue
		}
		if best == nil || rule.Priority > best.Priority ||
			(rule.Priority == best.Priority && rule.CreatedAt.Before(best.CreatedAt)) {
			rule := rule
			best = &rule
		}
	}
	if best == nil {
		return nil, ErrRoutingRuleNotFound
	}
	return best, nil
}

func (r *MemoryRepository) CreateRoutingRule(_ context.Context, rule RoutingRule) (*RoutingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = rule.CreatedAt
	r.rules[rule.ID] = rule
	return &rule, nil
}

func (r *MemoryRepository) ListRoutingRules(_ context.Context) ([]RoutingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoutingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) DeactivateRoutingRule(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return ErrRoutingRuleNotFound
	}
	rule.IsActive = false
	rule.UpdatedAt = time.Now()
	r.rules[id] = rule
	return nil
}

func (r *MemoryRepository) CreateRoutedConsultation(_ context.Context, rc RoutedConsultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc.ID == uuid.Nil {
		rc.ID = uuid.New()
	}
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now()
	}
	r.routed = append(r.routed, rc)
	return nil
}

func (r *MemoryRepository) CreateNotification(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	r.notifications = append(r.notifications, n)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
