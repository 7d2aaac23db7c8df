package matching

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityUrgent:
		return 1.5
	case PriorityHigh:
		return 1.2
	default:
		return 1.0
	}
}

// ScoreMode decides what an empty preference list does to the denominator.
// ScoreFixed always divides by the full 100 points, so a request without
// language or specialization preferences caps out at 45. ScoreRenormalized
// drops the unused criteria from the denominator.
type ScoreMode string

const (
	ScoreFixed        ScoreMode = "fixed"
	ScoreRenormalized ScoreMode = "renormalized"
)

const (
	weightLanguage       = 30.0
	weightSpecialization = 25.0
	weightPerformance    = 20.0
	weightWorkload       = 15.0
	weightRating         = 10.0
)

type Preferences struct {
	Languages       []string
	Specializations []string
	MaxWaitMinutes  *int
	Priority        Priority
}

// WorkloadSnapshot is the load state scoring reads. Defaults for astrologers
// without a workload row are filled in by SnapshotOf.
type WorkloadSnapshot struct {
	CurrentConsultations int
	MaxConcurrent        int
	AverageResponseTime  float64
	PerformanceScore     float64
	IsAcceptingNew       bool
	BreakUntil           *time.Time
}

func SnapshotOf(w *consultation.Workload) WorkloadSnapshot {
	if w == nil {
		d := consultation.DefaultWorkload(uuid.Nil)
		w = &d
	}
	return WorkloadSnapshot{
		CurrentConsultations: w.CurrentConsultations,
		MaxConcurrent:        w.MaxConcurrent,
		AverageResponseTime:  w.AverageResponseTime,
		PerformanceScore:     w.PerformanceScore,
		IsAcceptingNew:       w.IsAcceptingNew,
		BreakUntil:           w.BreakUntil,
	}
}

// OnBreak reports whether the astrologer is on a break at now.
func (w WorkloadSnapshot) OnBreak(now time.Time) bool {
	return w.BreakUntil != nil && w.BreakUntil.After(now)
}

// Score rates how well an astrologer fits the preferences, 0..100.
func Score(a consultation.Astrologer, w WorkloadSnapshot, p Preferences, mode ScoreMode) float64 {
	var earned, possible float64

	if len(p.Languages) > 0 {
		earned += weightLanguage * overlap(p.Languages, a.Languages)
		possible += weightLanguage
	} else if mode != ScoreRenormalized {
		possible += weightLanguage
	}

	if len(p.Specializations) > 0 {
		earned += weightSpecialization * overlap(p.Specializations, a.Specializations)
		possible += weightSpecialization
	} else if mode != ScoreRenormalized {
		possible += weightSpecialization
	}

	earned += weightPerformance * clamp01(w.PerformanceScore)
	possible += weightPerformance

	if w.MaxConcurrent > 0 {
		earned += weightWorkload * clamp01(1-float64(w.CurrentConsultations)/float64(w.MaxConcurrent))
	}
	possible += weightWorkload

	earned += weightRating * clamp01(a.Rating/5)
	possible += weightRating

	return round2(earned / possible * 100)
}

// EstimatedWaitMinutes is zero while the astrologer has spare capacity and
// grows by one average response time per consultation over capacity.
func EstimatedWaitMinutes(w WorkloadSnapshot) int {
	if w.CurrentConsultations < w.MaxConcurrent {
		return 0
	}
	over := w.CurrentConsultations - w.MaxConcurrent + 1
	return int(math.Round(float64(over) * w.AverageResponseTime))
}

// overlap is the share of wanted values the astrologer offers, case-insensitive.
func overlap(wanted, offered []string) float64 {
	have := make(map[string]struct{}, len(offered))
	for _, o := range offered {
		have[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	matched := 0
	for _, w := range wanted {
		if _, ok := have[strings.ToLower(strings.TrimSpace(w))]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(wanted))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
