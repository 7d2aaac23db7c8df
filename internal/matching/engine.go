// Package matching picks the best available astrologer for a set of
// preferences and maintains the workload figures the choice depends on.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
	"github.com/hackgods/astro-consultation-queue/internal/metrics"
)

var ErrInvalidMetrics = errors.New("invalid performance metrics")

type Store interface {
	GetAstrologerByID(ctx context.Context, id uuid.UUID) (*consultation.Astrologer, error)
	ListAvailableAstrologers(ctx context.Context) ([]consultation.Astrologer, error)
	GetWorkload(ctx context.Context, astrologerID uuid.UUID) (*consultation.Workload, error)
	ListWorkloads(ctx context.Context) ([]consultation.Workload, error)
	UpsertWorkload(ctx context.Context, w consultation.Workload) error
}

type Match struct {
	Astrologer           consultation.Astrologer
	Workload             WorkloadSnapshot
	MatchScore           float64
	EstimatedWaitMinutes int
}

type Engine struct {
	store Store
	mode  ScoreMode
	now   func() time.Time
}

func NewEngine(store Store, mode ScoreMode) *Engine {
	if mode == "" {
		mode = ScoreFixed
	}
	return &Engine{store: store, mode: mode, now: time.Now}
}

// FindBestAvailableAstrologer returns nil when no astrologer qualifies.
// Ties on score go to the lowest astrologer id so equal inputs give equal output.
func (e *Engine) FindBestAvailableAstrologer(ctx context.Context, prefs Preferences) (*Match, error) {
	candidates, err := e.store.ListAvailableAstrologers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available astrologers: %w", err)
	}

	now := e.now()
	multiplier := prefs.Priority.Multiplier()
	var matches []Match

	for _, a := range candidates {
		w, err := e.store.GetWorkload(ctx, a.ID)
		if err != nil && !errors.Is(err, consultation.ErrWorkloadNotFound) {
			return nil, fmt.Errorf("load workload for %s: %w", a.ID, err)
		}
		snap := SnapshotOf(w)
		if !snap.IsAcceptingNew || snap.OnBreak(now) {
			continue
		}

		wait := EstimatedWaitMinutes(snap)
		if prefs.MaxWaitMinutes != nil && wait > *prefs.MaxWaitMinutes {
			continue
		}

		matches = append(matches, Match{
			Astrologer:           a,
			Workload:             snap,
			MatchScore:           Score(a, snap, prefs, e.mode),
			EstimatedWaitMinutes: wait,
		})
	}

	if len(matches) == 0 {
		metrics.MatchMisses.Inc()
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		si, sj := matches[i].MatchScore*multiplier, matches[j].MatchScore*multiplier
		if si != sj {
			return si > sj
		}
		return matches[i].Astrologer.ID.String() < matches[j].Astrologer.ID.String()
	})

	best := matches[0]
	metrics.MatchScores.Observe(best.MatchScore)
	logging.Ctx(ctx).Debug().
		Str("astrologer_id", best.Astrologer.ID.String()).
		Float64("score", best.MatchScore).
		Int("candidates", len(matches)).
		Msg("best astrologer matched")
	return &best, nil
}

// UpdatePerformanceMetrics folds one consultation's response time (minutes)
// and satisfaction (0..5) into the moving averages.
func (e *Engine) UpdatePerformanceMetrics(ctx context.Context, astrologerID uuid.UUID, responseTime, satisfaction float64) (*consultation.Workload, error) {
	if responseTime < 0 || satisfaction < 0 || satisfaction > 5 {
		return nil, ErrInvalidMetrics
	}
	if _, err := e.store.GetAstrologerByID(ctx, astrologerID); err != nil {
		return nil, err
	}

	w, err := e.store.GetWorkload(ctx, astrologerID)
	if errors.Is(err, consultation.ErrWorkloadNotFound) {
		d := consultation.DefaultWorkload(astrologerID)
		w, err = &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workload: %w", err)
	}

	w.AverageResponseTime = 0.8*w.AverageResponseTime + 0.2*responseTime
	w.PerformanceScore = 0.9*w.PerformanceScore + 0.1*(satisfaction/5)
	w.Recompute()

	if err := e.store.UpsertWorkload(ctx, *w); err != nil {
		return nil, fmt.Errorf("save workload: %w", err)
	}
	return w, nil
}

// RebalanceWorkload recomputes percentage and accepting flag for every
// astrologer with a workload row. It returns how many rows changed.
func (e *Engine) RebalanceWorkload(ctx context.Context) (int, error) {
	all, err := e.store.ListWorkloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workloads: %w", err)
	}

	changed := 0
	for _, w := range all {
		before := w
		w.Recompute()
		if w.WorkloadPercentage == before.WorkloadPercentage && w.IsAcceptingNew == before.IsAcceptingNew &&
			w.CurrentConsultations == before.CurrentConsultations {
			continue
		}
		if err := e.store.UpsertWorkload(ctx, w); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("astrologer_id", w.AstrologerID.String()).Msg("rebalance workload")
			continue
		}
		changed++
	}

	logging.Ctx(ctx).Info().Int("astrologers", len(all)).Int("changed", changed).Msg("workload rebalanced")
	return changed, nil
}
