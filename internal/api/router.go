package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/astro-consultation-queue/internal/consultation"
	"github.com/hackgods/astro-consultation-queue/internal/matching"
	"github.com/hackgods/astro-consultation-queue/internal/routing"
	"github.com/hackgods/astro-consultation-queue/internal/websocket"
)

type RouterConfig struct {
	Consultations *consultation.Service
	Routing       *routing.Engine
	Matching      *matching.Engine
	Hub           *websocket.Hub
	PgPool        *pgxpool.Pool // nil with the memory store
	Redis         *redis.Client // nil with the local lock
	Env           string
	Version       string

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.Hub != nil {
		r.Get("/ws", websocketHandler(cfg.Hub))
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRequests > 0 && cfg.RateLimitWindow > 0 {
			r.Use(httprate.Limit(cfg.RateLimitRequests, cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
				}),
			))
		}

		svc := cfg.Consultations
		r.Post("/consultations", requestConsultationHandler(svc))
		r.Get("/consultations/{id}", getConsultationHandler(svc))
		r.Post("/consultations/{id}/end", endConsultationHandler(svc))
		r.Post("/consultations/{id}/extend", extendConsultationHandler(svc.ExtendConsultation))
		r.Post("/consultations/{id}/astrologer-extend", extendConsultationHandler(svc.ExtendWithAstrologerLimit))
		r.Get("/users/{id}/active-consultation", activeForUserHandler(svc))
		r.Get("/astrologers/{id}/active-consultation", activeForAstrologerHandler(svc))
		r.Get("/astrologers/{id}/queue", queueStatusHandler(svc))
		r.Delete("/queue/{entryId}", leaveQueueHandler(svc))

		if cfg.Matching != nil {
			r.Post("/matching/best", findBestHandler(cfg.Matching))
			r.Post("/astrologers/{id}/performance", updatePerformanceHandler(cfg.Matching))
			r.Post("/workload/rebalance", rebalanceHandler(cfg.Matching))
		}

		if cfg.Routing != nil {
			r.Post("/routing-rules", createRuleHandler(cfg.Routing))
			r.Get("/routing-rules", listRulesHandler(cfg.Routing))
			r.Delete("/routing-rules/{id}", deactivateRuleHandler(cfg.Routing))
		}
	})

	return r
}
