package matching

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
)

func astrologer(name string, rating float64, langs, specs []string) consultation.Astrologer {
	return consultation.Astrologer{
		Name:            name,
		Rating:          rating,
		Languages:       langs,
		Specializations: specs,
		IsOnline:        true,
		IsActive:        true,
		IsApproved:      true,
	}
}

func idleWorkload() WorkloadSnapshot {
	return WorkloadSnapshot{MaxConcurrent: 3, AverageResponseTime: 5, PerformanceScore: 1, IsAcceptingNew: true}
}

func TestScorePerfectMatch(t *testing.T) {
	a := astrologer("A", 5, []string{"Hindi", "English"}, []string{"vedic"})
	p := Preferences{Languages: []string{"english"}, Specializations: []string{"Vedic"}}

	assert.Equal(t, 100.0, Score(a, idleWorkload(), p, ScoreFixed))
}

func TestScoreEmptyPreferences(t *testing.T) {
	a := astrologer("A", 5, nil, nil)

	assert.Equal(t, 45.0, Score(a, idleWorkload(), Preferences{}, ScoreFixed))
	assert.Equal(t, 100.0, Score(a, idleWorkload(), Preferences{}, ScoreRenormalized))
}

func TestScorePartialOverlapAndLoad(t *testing.T) {
	a := astrologer("A", 4, []string{"hindi"}, []string{"tarot"})
	w := WorkloadSnapshot{CurrentConsultations: 3, MaxConcurrent: 3, PerformanceScore: 0.5, IsAcceptingNew: true}
	p := Preferences{Languages: []string{"hindi", "tamil"}, Specializations: []string{"vedic"}}

	// 30*0.5 + 0 + 20*0.5 + 15*0 + 10*0.8 = 33
	assert.Equal(t, 33.0, Score(a, w, p, ScoreFixed))
}

func TestScoreIsPure(t *testing.T) {
	a := astrologer("A", 3.7, []string{"hindi"}, []string{"numerology"})
	w := WorkloadSnapshot{CurrentConsultations: 1, MaxConcurrent: 4, PerformanceScore: 0.66, IsAcceptingNew: true}
	p := Preferences{Languages: []string{"hindi"}, Specializations: []string{"numerology", "vedic"}}

	first := Score(a, w, p, ScoreFixed)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(a, w, p, ScoreFixed))
	}
}

func TestEstimatedWait(t *testing.T) {
	w := WorkloadSnapshot{CurrentConsultations: 2, MaxConcurrent: 3, AverageResponseTime: 6}
	assert.Equal(t, 0, EstimatedWaitMinutes(w))

	w.CurrentConsultations = 4
	assert.Equal(t, 12, EstimatedWaitMinutes(w))
}

func TestPriorityMultiplier(t *testing.T) {
	assert.Equal(t, 1.5, PriorityUrgent.Multiplier())
	assert.Equal(t, 1.2, PriorityHigh.Multiplier())
	assert.Equal(t, 1.0, PriorityNormal.Multiplier())
	assert.Equal(t, 1.0, Priority("").Multiplier())
}

func TestFindBestPrefersBetterFit(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	good := repo.AddAstrologer(astrologer("Good", 4.8, []string{"hindi"}, []string{"vedic"}))
	repo.AddAstrologer(astrologer("Other", 4.8, []string{"tamil"}, []string{"tarot"}))

	e := NewEngine(repo, ScoreFixed)
	match, err := e.FindBestAvailableAstrologer(context.Background(), Preferences{
		Languages:       []string{"Hindi"},
		Specializations: []string{"vedic"},
	})

	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, good.ID, match.Astrologer.ID)
	assert.Zero(t, match.EstimatedWaitMinutes)
}

func TestFindBestSkipsUnavailable(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	ctx := context.Background()

	full := repo.AddAstrologer(astrologer("Full", 5, []string{"hindi"}, nil))
	onBreak := repo.AddAstrologer(astrologer("Break", 5, []string{"hindi"}, nil))
	offline := astrologer("Offline", 5, []string{"hindi"}, nil)
	offline.IsOnline = false
	repo.AddAstrologer(offline)
	free := repo.AddAstrologer(astrologer("Free", 1, nil, nil))

	wFull := consultation.DefaultWorkload(full.ID)
	wFull.CurrentConsultations = 3
	wFull.Recompute()
	require.NoError(t, repo.UpsertWorkload(ctx, wFull))

	until := time.Now().Add(time.Hour)
	wBreak := consultation.DefaultWorkload(onBreak.ID)
	wBreak.BreakUntil = &until
	require.NoError(t, repo.UpsertWorkload(ctx, wBreak))

	e := NewEngine(repo, ScoreFixed)
	match, err := e.FindBestAvailableAstrologer(ctx, Preferences{Languages: []string{"hindi"}})

	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, free.ID, match.Astrologer.ID)
}

func TestFindBestHonoursMaxWait(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	ctx := context.Background()
	busy := repo.AddAstrologer(astrologer("Busy", 5, nil, nil))

	w := consultation.DefaultWorkload(busy.ID)
	w.MaxConcurrent = 1
	w.CurrentConsultations = 1
	w.AverageResponseTime = 10
	w.IsAcceptingNew = true // stale flag, rebalance has not run yet
	require.NoError(t, repo.UpsertWorkload(ctx, w))

	e := NewEngine(repo, ScoreFixed)
	maxWait := 5
	match, err := e.FindBestAvailableAstrologer(ctx, Preferences{MaxWaitMinutes: &maxWait})
	require.NoError(t, err)
	assert.Nil(t, match)

	match, err = e.FindBestAvailableAstrologer(ctx, Preferences{})
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, 10, match.EstimatedWaitMinutes)
}

func TestFindBestDeterministicTieBreak(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	a := astrologer("Twin", 4, []string{"hindi"}, nil)
	b := a
	a.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	b.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	repo.AddAstrologer(a)
	repo.AddAstrologer(b)

	e := NewEngine(repo, ScoreFixed)
	for i := 0; i < 5; i++ {
		match, err := e.FindBestAvailableAstrologer(context.Background(), Preferences{Languages: []string{"hindi"}, Priority: PriorityUrgent})
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, b.ID, match.Astrologer.ID)
	}
}

func TestFindBestNoCandidates(t *testing.T) {
	e := NewEngine(consultation.NewMemoryRepository(), ScoreFixed)
	match, err := e.FindBestAvailableAstrologer(context.Background(), Preferences{})
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestUpdatePerformanceMetrics(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	a := repo.AddAstrologer(astrologer("A", 4, nil, nil))
	e := NewEngine(repo, ScoreFixed)

	w, err := e.UpdatePerformanceMetrics(context.Background(), a.ID, 10, 5)
	require.NoError(t, err)

	// defaults: response 5, performance 0.8
	assert.InDelta(t, 6.0, w.AverageResponseTime, 1e-9)
	assert.InDelta(t, 0.82, w.PerformanceScore, 1e-9)

	stored, err := repo.GetWorkload(context.Background(), a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, stored.AverageResponseTime, 1e-9)
}

func TestUpdatePerformanceMetricsValidation(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	a := repo.AddAstrologer(astrologer("A", 4, nil, nil))
	e := NewEngine(repo, ScoreFixed)

	_, err := e.UpdatePerformanceMetrics(context.Background(), a.ID, 3, 7)
	assert.ErrorIs(t, err, ErrInvalidMetrics)

	_, err = e.UpdatePerformanceMetrics(context.Background(), uuid.New(), 3, 4)
	assert.ErrorIs(t, err, consultation.ErrAstrologerNotFound)
}

func TestRebalanceWorkload(t *testing.T) {
	repo := consultation.NewMemoryRepository()
	ctx := context.Background()
	a := repo.AddAstrologer(astrologer("A", 4, nil, nil))
	b := repo.AddAstrologer(astrologer("B", 4, nil, nil))

	stale := consultation.DefaultWorkload(a.ID)
	stale.CurrentConsultations = 3
	require.NoError(t, repo.UpsertWorkload(ctx, stale))

	fresh := consultation.DefaultWorkload(b.ID)
	fresh.Recompute()
	require.NoError(t, repo.UpsertWorkload(ctx, fresh))

	changed, err := NewEngine(repo, ScoreFixed).RebalanceWorkload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := repo.GetWorkload(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.WorkloadPercentage)
	assert.False(t, got.IsAcceptingNew)
}
