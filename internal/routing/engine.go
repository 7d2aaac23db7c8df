// Package routing decides which astrologer actually serves a request. A
// rerouted request stays invisible to the user: they keep seeing the name of
// the astrologer they asked for.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
)

var ErrInvalidRule = errors.New("invalid routing rule")

type Store interface {
	GetAstrologerByID(ctx context.Context, id uuid.UUID) (*consultation.Astrologer, error)
	GetActiveRoutingRule(ctx context.Context, originalAstrologerID uuid.UUID) (*consultation.RoutingRule, error)
	CreateRoutingRule(ctx context.Context, rule consultation.RoutingRule) (*consultation.RoutingRule, error)
	ListRoutingRules(ctx context.Context) ([]consultation.RoutingRule, error)
	DeactivateRoutingRule(ctx context.Context, id uuid.UUID) error
	CreateRoutedConsultation(ctx context.Context, rc consultation.RoutedConsultation) error
}

type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// ResolveEffectiveAstrologer applies the highest-priority active rule whose
// target is online. Any lookup failure falls back to the requested astrologer.
func (e *Engine) ResolveEffectiveAstrologer(ctx context.Context, requestedID uuid.UUID) consultation.Resolution {
	direct := consultation.Resolution{AstrologerID: requestedID}
	log := logging.Ctx(ctx).With().Str("astrologer_id", requestedID.String()).Logger()

	rule, err := e.store.GetActiveRoutingRule(ctx, requestedID)
	if err != nil {
		if !errors.Is(err, consultation.ErrRoutingRuleNotFound) {
			metrics.RoutingLookupFailures.Inc()
			log.Warn().Err(err).Msg("routing rule lookup failed, serving requested astrologer")
		}
		return direct
	}

	assigned, err := e.store.GetAstrologerByID(ctx, rule.AssignedAstrologerID)
	if err != nil {
		metrics.RoutingLookupFailures.Inc()
		log.Warn().Err(err).Str("rule_id", rule.ID.String()).Msg("routing target lookup failed, serving requested astrologer")
		return direct
	}
	if !assigned.IsOnline {
		log.Debug().Str("rule_id", rule.ID.String()).Msg("routing target offline")
		return direct
	}

	metrics.RoutingReroutes.Inc()
	return consultation.Resolution{
		AstrologerID: assigned.ID,
		IsRerouted:   true,
		Rule:         rule,
		Assigned:     assigned,
	}
}

// RecordRoutedConsultation writes the audit row linking the consultation to
// the rule. Failures are logged; the consultation itself stands.
func (e *Engine) RecordRoutedConsultation(ctx context.Context, c *consultation.Consultation, res consultation.Resolution, requested *consultation.Astrologer) {
	if !res.IsRerouted || res.Rule == nil || res.Assigned == nil {
		return
	}

	rc := consultation.RoutedConsultation{
		ConsultationID:       c.ID,
		RoutingRuleID:        res.Rule.ID,
		OriginalAstrologerID: requested.ID,
		AssignedAstrologerID: res.Assigned.ID,
		UserVisibleName:      requested.Name,
		ActualProviderName:   res.Assigned.Name,
	}
	if err := e.store.CreateRoutedConsultation(ctx, rc); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("consultation_id", c.ID.String()).
			Str("rule_id", res.Rule.ID.String()).
			Msg("record routed consultation")
	}
}

func (e *Engine) CreateRule(ctx context.Context, originalID, assignedID uuid.UUID, priority int) (*consultation.RoutingRule, error) {
	if originalID == assignedID {
		return nil, fmt.Errorf("%w: original and assigned astrologer are the same", ErrInvalidRule)
	}
	if priority < 0 {
		return nil, fmt.Errorf("%w: priority must not be negative", ErrInvalidRule)
	}
	for _, id := range []uuid.UUID{originalID, assignedID} {
		if _, err := e.store.GetAstrologerByID(ctx, id); err != nil {
			return nil, err
		}
	}

	rule, err := e.store.CreateRoutingRule(ctx, consultation.RoutingRule{
		OriginalAstrologerID: originalID,
		AssignedAstrologerID: assignedID,
		Priority:             priority,
		IsActive:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("create routing rule: %w", err)
	}
	logging.Ctx(ctx).Info().
		Str("rule_id", rule.ID.String()).
		Str("original_astrologer_id", originalID.String()).
		Str("assigned_astrologer_id", assignedID.String()).
		Int("priority", priority).
		Msg("routing rule created")
	return rule, nil
}

func (e *Engine) ListRules(ctx context.Context) ([]consultation.RoutingRule, error) {
	return e.store.ListRoutingRules(ctx)
}

func (e *Engine) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	return e.store.DeactivateRoutingRule(ctx, id)
}
