package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
)

type failingStore struct {
	*consultation.MemoryRepository
}

func (failingStore) GetActiveRoutingRule(context.Context, uuid.UUID) (*consultation.RoutingRule, error) {
	return nil, errors.New("connection reset")
}

func setup(t *testing.T) (*Engine, *consultation.MemoryRepository, consultation.Astrologer, consultation.Astrologer) {
	t.Helper()
	repo := consultation.NewMemoryRepository()
	original := repo.AddAstrologer(consultation.Astrologer{Name: "Acharya Vedant", IsOnline: true, IsActive: true, IsApproved: true})
	backup := repo.AddAstrologer(consultation.Astrologer{Name: "Pandit Raman", IsOnline: true, IsActive: true, IsApproved: true})
	return NewEngine(repo), repo, original, backup
}

func TestResolveWithoutRuleServesRequested(t *testing.T) {
	e, _, original, _ := setup(t)

	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	assert.Equal(t, original.ID, res.AstrologerID)
	assert.False(t, res.IsRerouted)
}

func TestResolveAppliesHighestPriorityRule(t *testing.T) {
	e, repo, original, backup := setup(t)
	third := repo.AddAstrologer(consultation.Astrologer{Name: "Jyotish Meera", IsOnline: true})

	_, err := e.CreateRule(context.Background(), original.ID, third.ID, 1)
	require.NoError(t, err)
	_, err = e.CreateRule(context.Background(), original.ID, backup.ID, 5)
	require.NoError(t, err)

	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	assert.True(t, res.IsRerouted)
	assert.Equal(t, backup.ID, res.AstrologerID)
	require.NotNil(t, res.Assigned)
	assert.Equal(t, "Pandit Raman", res.Assigned.Name)
}

func TestResolveSkipsOfflineTarget(t *testing.T) {
	e, repo, original, _ := setup(t)
	offline := repo.AddAstrologer(consultation.Astrologer{Name: "Offline", IsOnline: false})
	_, err := e.CreateRule(context.Background(), original.ID, offline.ID, 1)
	require.NoError(t, err)

	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	assert.False(t, res.IsRerouted)
	assert.Equal(t, original.ID, res.AstrologerID)
}

func TestResolveIgnoresDeactivatedRule(t *testing.T) {
	e, _, original, backup := setup(t)
	rule, err := e.CreateRule(context.Background(), original.ID, backup.ID, 1)
	require.NoError(t, err)
	require.NoError(t, e.DeactivateRule(context.Background(), rule.ID))

	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	assert.False(t, res.IsRerouted)
}

func TestResolveFailsOpenOnStoreError(t *testing.T) {
	_, repo, original, _ := setup(t)
	e := NewEngine(failingStore{repo})

	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	assert.Equal(t, original.ID, res.AstrologerID)
	assert.False(t, res.IsRerouted)
}

func TestRecordRoutedConsultationKeepsVisibleName(t *testing.T) {
	e, repo, original, backup := setup(t)
	_, err := e.CreateRule(context.Background(), original.ID, backup.ID, 1)
	require.NoError(t, err)
	res := e.ResolveEffectiveAstrologer(context.Background(), original.ID)

	c := &consultation.Consultation{ID: uuid.New()}
	e.RecordRoutedConsultation(context.Background(), c, res, &original)

	routed := repo.RoutedConsultations()
	require.Len(t, routed, 1)
	assert.Equal(t, "Acharya Vedant", routed[0].UserVisibleName)
	assert.Equal(t, "Pandit Raman", routed[0].ActualProviderName)
	assert.Equal(t, res.Rule.ID, routed[0].RoutingRuleID)
}

func TestRecordRoutedConsultationSkipsDirect(t *testing.T) {
	e, repo, original, _ := setup(t)

	e.RecordRoutedConsultation(context.Background(), &consultation.Consultation{ID: uuid.New()},
		consultation.Resolution{AstrologerID: original.ID}, &original)

	assert.Empty(t, repo.RoutedConsultations())
}

func TestCreateRuleValidation(t *testing.T) {
	e, _, original, _ := setup(t)

	_, err := e.CreateRule(context.Background(), original.ID, original.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = e.CreateRule(context.Background(), original.ID, uuid.New(), 1)
	assert.ErrorIs(t, err, consultation.ErrAstrologerNotFound)

	_, err = e.CreateRule(context.Background(), original.ID, uuid.New(), -1)
	assert.ErrorIs(t, err, ErrInvalidRule)
}
