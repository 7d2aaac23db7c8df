package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/astro-consultation-queue/internal/logging"
)

const clientName = "astro-consultation-queue"

// clientOptions sizes the pool for lock traffic: short commands, many
// concurrent admissions, nothing long-running.
func clientOptions(addr, username, password string) *redis.Options {
	return &redis.Options{
		Addr:            addr,
		Username:        username,
		Password:        password,
		ClientName:      clientName,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolTimeout:     3 * time.Second,
		PoolSize:        20,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      2,
	}
}

// NewRedisClient connects and pings once; an unreachable server fails startup.
func NewRedisClient(addr, username, password string) (*redis.Client, error) {
	opts := clientOptions(addr, username, password)
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	logging.Info().
		Str("addr", addr).
		Int("pool_size", opts.PoolSize).
		Dur("ping", time.Since(start)).
		Msg("connected to redis")
	return rdb, nil
}
