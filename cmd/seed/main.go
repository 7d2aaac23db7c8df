package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hackgods/astro-consultation-queue/internal/db"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
)

var (
	languages = []string{"Hindi", "English", "Tamil", "Telugu", "Bengali", "Marathi", "Gujarati", "Kannada"}

	specializations = []string{
		"Vedic",
		"Tarot",
		"Numerology",
		"Palmistry",
		"Vastu",
		"KP System",
		"Prashna",
		"Face Reading",
		"Nadi",
		"Lal Kitab",
	}
)

func main() {
	logging.Init(logging.Config{Format: "console"})
	logging.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logging.Fatal().Msg("POSTGRES_DSN is required")
	}
	astrologerCount := envInt("SEED_ASTROLOGERS", 50)
	userCount := envInt("SEED_USERS", 5000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logging.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		logging.Fatal().Err(err).Msg("migrate")
	}

	ids, err := seedAstrologers(context.Background(), pool, astrologerCount)
	if err != nil {
		logging.Fatal().Err(err).Msg("seed astrologers")
	}
	if err := seedRoutingRules(context.Background(), pool, ids); err != nil {
		logging.Fatal().Err(err).Msg("seed routing rules")
	}
	if err := seedUsers(context.Background(), pool, userCount); err != nil {
		logging.Fatal().Err(err).Msg("seed users")
	}

	logging.Info().Msg("seed complete")
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func pick(from []string, min, max int) []string {
	out := append([]string(nil), from...)
	gofakeit.ShuffleStrings(out)
	return out[:gofakeit.Number(min, max)]
}

// seedAstrologers inserts astrologers and their workload rows. Roughly one in
// five is left offline so routing and matching have something to skip.
func seedAstrologers(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	logging.Info().Int("count", count).Msg("seeding astrologers")

	ids := make([]uuid.UUID, 0, count)
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			id := uuid.New()
			price := decimal.NewFromFloat(gofakeit.Price(5, 60)).Round(2)
			rating := float64(gofakeit.Number(30, 50)) / 10

			_, err := tx.Exec(ctx, `
				INSERT INTO astrologers (id, name, languages, specializations, rating, price_per_minute,
				                         is_online, is_active, is_approved, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, true, true, now(), now())
			`, id, gofakeit.Name(), pick(languages, 1, 3), pick(specializations, 1, 4), rating, price,
				gofakeit.Number(1, 5) != 1)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO astrologer_workload (astrologer_id, max_concurrent, average_response_time, performance_score, updated_at)
				VALUES ($1, $2, $3, $4, now())
			`, id, gofakeit.Number(1, 5), gofakeit.Float64Range(1, 10), gofakeit.Float64Range(0.5, 1))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info().Msg("astrologers seeded")
	return ids, nil
}

// seedRoutingRules pairs every tenth astrologer with the next one.
func seedRoutingRules(ctx context.Context, pool *pgxpool.Pool, ids []uuid.UUID) error {
	n := 0
	for i := 0; i+1 < len(ids); i += 10 {
		_, err := pool.Exec(ctx, `
			INSERT INTO chat_routing_rules (id, original_astrologer_id, assigned_astrologer_id, priority, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, now(), now())
		`, uuid.New(), ids[i], ids[i+1], gofakeit.Number(0, 5))
		if err != nil {
			return err
		}
		n++
	}
	logging.Info().Int("count", n).Msg("routing rules seeded")
	return nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, count int) error {
	logging.Info().Int("count", count).Msg("seeding users")

	now := time.Now()
	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		// COPY encodes binary, so balances go in as whole float64 amounts
		balance := float64(gofakeit.Number(0, 50) * 100)
		rows = append(rows, []any{uuid.New(), gofakeit.Name(), gofakeit.Email(), balance, now, now})
	}

	copied, err := pool.CopyFrom(ctx,
		pgx.Identifier{"users"},
		[]string{"id", "name", "email", "balance", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}

	logging.Info().Int64("count", copied).Msg("users seeded")
	return nil
}
