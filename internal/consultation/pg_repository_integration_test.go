//go:build integration

package consultation

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hackgods/astro-consultation-queue/internal/db"
)

const slot = 35 * time.Minute

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "astro",
				"POSTGRES_PASSWORD": "astro",
				"POSTGRES_DB":       "consultations",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://astro:astro@%s:%s/consultations?sslmode=disable", host, port.Port())
	pool, err := db.ConnectPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	return pool
}

func insertUser(t *testing.T, pool *pgxpool.Pool, balance int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, name, balance) VALUES ($1, $2, $3)`,
		id, "user-"+id.String()[:8], decimal.NewFromInt(balance))
	require.NoError(t, err)
	return id
}

func insertAstrologer(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO astrologers (id, name, languages, specializations, rating, price_per_minute, is_online, is_active, is_approved)
		VALUES ($1, $2, '{Hindi}', '{Vedic}', 4.5, 10, true, true, true)
	`, id, "astro-"+id.String()[:8])
	require.NoError(t, err)
	return id
}

func TestPgRepositoryQueueLifecycle(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	astro := insertAstrologer(t, pool)
	first := insertUser(t, pool, 1000)
	second := insertUser(t, pool, 1000)
	broke := insertUser(t, pool, 100)

	nc := func(user uuid.UUID) NewConsultation {
		return NewConsultation{UserID: user, AstrologerID: astro, DurationMinutes: 30, Cost: decimal.NewFromInt(300), Now: now}
	}

	active, err := repo.CreateActiveConsultation(ctx, nc(first))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)

	u, err := repo.GetUserByID(ctx, first)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(700)), u.Balance.String())

	_, err = repo.CreateActiveConsultation(ctx, nc(second))
	assert.ErrorIs(t, err, ErrAstrologerBusy)
	u, err = repo.GetUserByID(ctx, second)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(1000)), "failed admission must not debit")

	_, brokeEntry, err := repo.CreateQueuedConsultation(ctx, nc(broke), slot)
	require.NoError(t, err)
	assert.Equal(t, 1, brokeEntry.Position)
	queued, entry, err := repo.CreateQueuedConsultation(ctx, nc(second), slot)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Position)
	require.NotNil(t, queued.EstimatedWaitMinutes)
	assert.Equal(t, 70, *queued.EstimatedWaitMinutes)

	_, err = repo.PromoteQueueEntry(ctx, entry.ID, now, slot)
	assert.ErrorIs(t, err, ErrAstrologerBusy, "promotion while the astrologer is occupied")

	done, completed, err := repo.CompleteConsultation(ctx, active.ID, Completion{EndedAt: now, Reason: ReasonEndedByParticipant})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, StatusCompleted, done.Status)

	_, completed, err = repo.CompleteConsultation(ctx, active.ID, Completion{EndedAt: now, Reason: ReasonTimeExpired})
	require.NoError(t, err)
	assert.False(t, completed, "second closer loses")

	_, err = repo.PromoteQueueEntry(ctx, brokeEntry.ID, now, slot)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = repo.CancelQueueEntry(ctx, brokeEntry.ID, ReasonInsufficientBalance, now, slot)
	require.NoError(t, err)
	waiting, err := repo.ListWaiting(ctx, astro)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, entry.ID, waiting[0].ID)
	assert.Equal(t, 1, waiting[0].Position)

	promoted, err := repo.PromoteQueueEntry(ctx, entry.ID, now, slot)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, promoted.Status)
	assert.Nil(t, promoted.QueuePosition)

	live, err := repo.FindActiveForAstrologer(ctx, astro)
	require.NoError(t, err)
	assert.Equal(t, queued.ID, live.ID)
}

func TestPgRepositoryExtensionCapAndOverdue(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	start := time.Now().UTC().Add(-40 * time.Minute).Truncate(time.Second)

	astro := insertAstrologer(t, pool)
	user := insertUser(t, pool, 1000)

	c, err := repo.CreateActiveConsultation(ctx, NewConsultation{
		UserID: user, AstrologerID: astro, DurationMinutes: 30, Cost: decimal.NewFromInt(300), Now: start,
	})
	require.NoError(t, err)

	for i := 0; i < MaxAstrologerExtensions; i++ {
		c, err = repo.ExtendDurationCapped(ctx, c.ID, 1, MaxAstrologerExtensions)
		require.NoError(t, err)
	}
	assert.Equal(t, 32, c.DurationMinutes)
	_, err = repo.ExtendDurationCapped(ctx, c.ID, 1, MaxAstrologerExtensions)
	assert.ErrorIs(t, err, ErrExtensionLimitReached)

	overdue, err := repo.FindOverdue(ctx, time.Now().UTC(), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, c.ID, overdue[0].ID)

	overdue, err = repo.FindOverdue(ctx, time.Now().UTC(), 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestPgRepositoryWorkloadAdjustFloorsAtZero(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	astro := insertAstrologer(t, pool)

	w, err := repo.AdjustWorkload(ctx, astro, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentConsultations)
	assert.InDelta(t, 33.33, w.WorkloadPercentage, 0.01)

	w, err = repo.AdjustWorkload(ctx, astro, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentConsultations)
	assert.True(t, w.IsAcceptingNew)
}

func TestPgRepositoryRerouteHoldsBothAstrologers(t *testing.T) {
	pool := startPostgres(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	requested := insertAstrologer(t, pool)
	backup := insertAstrologer(t, pool)

	rerouted, err := repo.CreateActiveConsultation(ctx, NewConsultation{
		UserID:          insertUser(t, pool, 1000),
		AstrologerID:    requested,
		ReroutedTo:      &backup,
		DurationMinutes: 30,
		Cost:            decimal.NewFromInt(300),
		Now:             now,
	})
	require.NoError(t, err)

	for _, id := range []uuid.UUID{requested, backup} {
		found, err := repo.FindActiveForAstrologer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rerouted.ID, found.ID)
	}

	direct := NewConsultation{
		UserID:          insertUser(t, pool, 1000),
		AstrologerID:    requested,
		DurationMinutes: 30,
		Cost:            decimal.NewFromInt(300),
		Now:             now,
	}
	_, err = repo.CreateActiveConsultation(ctx, direct)
	assert.ErrorIs(t, err, ErrAstrologerBusy, "requested astrologer is held by the reroute")

	_, entry, err := repo.CreateQueuedConsultation(ctx, direct, slot)
	require.NoError(t, err)
	_, err = repo.PromoteQueueEntry(ctx, entry.ID, now, slot)
	assert.ErrorIs(t, err, ErrAstrologerBusy)

	_, completed, err := repo.CompleteConsultation(ctx, rerouted.ID, Completion{EndedAt: now, Reason: ReasonEndedByParticipant})
	require.NoError(t, err)
	require.True(t, completed)

	promoted, err := repo.PromoteQueueEntry(ctx, entry.ID, now, slot)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, promoted.Status)

	var holds int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM astrologer_holds WHERE astrologer_id = $1`, requested).Scan(&holds))
	assert.Equal(t, 1, holds)
}
