// Package events publishes consultation lifecycle transitions on NATS so other
// processes (timers in api-server, audit consumers) can follow them.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
)

type LifecycleEvent struct {
	Type                  string    `json:"type"`
	Source                string    `json:"source"`
	ConsultationID        uuid.UUID `json:"consultation_id"`
	UserID                uuid.UUID `json:"user_id"`
	AstrologerID          uuid.UUID `json:"astrologer_id"`
	EffectiveAstrologerID uuid.UUID `json:"effective_astrologer_id"`
	Status                string    `json:"status"`
	DurationMinutes       int       `json:"duration_minutes"`
	At                    time.Time `json:"at"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn    Conn
	prefix  string
	source  string
	breaker *gobreaker.CircuitBreaker[interface{}]
	now     func() time.Time
}

// NewNATSPublisher publishes to "<prefix>.<event>". source identifies this
// process so it can ignore its own events when subscribed.
func NewNATSPublisher(conn Conn, prefix, source string) *NATSPublisher {
	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "nats-lifecycle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &NATSPublisher{conn: conn, prefix: prefix, source: source, breaker: breaker, now: time.Now}
}

func Subject(prefix, event string) string {
	return prefix + "." + event
}

// Publish never fails the caller; errors are logged and counted.
func (p *NATSPublisher) Publish(ctx context.Context, event string, c *consultation.Consultation) {
	ev := LifecycleEvent{
		Type:                  event,
		Source:                p.source,
		ConsultationID:        c.ID,
		UserID:                c.UserID,
		AstrologerID:          c.AstrologerID,
		EffectiveAstrologerID: c.EffectiveAstrologerID(),
		Status:                string(c.Status),
		DurationMinutes:       c.DurationMinutes,
		At:                    p.now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("event", event).Msg("marshal lifecycle event")
		return
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.conn.Publish(Subject(p.prefix, event), data)
	})
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues(event).Inc()
		logger := logging.Ctx(ctx)
		ev := logger.Warn
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			ev = logger.Debug
		}
		ev().Err(err).Str("event", event).Str("consultation_id", c.ID.String()).Msg("publish lifecycle event")
	}
}

func (p *NATSPublisher) State() gobreaker.State {
	return p.breaker.State()
}

func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("astro-consultation-queue"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Subscribe delivers lifecycle events published by other processes.
func Subscribe(nc *nats.Conn, prefix, source string, handle func(LifecycleEvent)) (*nats.Subscription, error) {
	return nc.Subscribe(Subject(prefix, "*"), func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			logging.Warn().Err(err).Str("subject", msg.Subject).Msg("decode lifecycle event")
			return
		}
		if ev.Source == source {
			return
		}
		handle(ev)
	})
}

func decode(data []byte) (LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.ConsultationID == uuid.Nil {
		return LifecycleEvent{}, errors.New("lifecycle event without consultation id")
	}
	return ev, nil
}
