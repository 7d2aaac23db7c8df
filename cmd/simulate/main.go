package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/astro-consultation-queue/internal/db"
	"github.com/hackgods/astro-consultation-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	RequestRatio    float64
	EndRatio        float64
	ExtendRatio     float64
	ReadRatio       float64
	UserLimit       int
	AstrologerLimit int
	PostgresDSN     string
}

type DataPool struct {
	Users       []uuid.UUID
	Astrologers []uuid.UUID

	mu            sync.Mutex
	consultations []uuid.UUID // admitted, possibly still queued
	queueEntries  []uuid.UUID
}

func (dp *DataPool) addConsultation(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consultations = append(dp.consultations, id)
}

func (dp *DataPool) addQueueEntry(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.queueEntries = append(dp.queueEntries, id)
}

// takeConsultation removes and returns a random consultation so two workers
// rarely end the same one.
func (dp *DataPool) takeConsultation(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return take(&dp.consultations, rng)
}

func (dp *DataPool) takeQueueEntry(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return take(&dp.queueEntries, rng)
}

func (dp *DataPool) peekConsultation(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.consultations) == 0 {
		return uuid.Nil, false
	}
	return dp.consultations[rng.Intn(len(dp.consultations))], true
}

func take(ids *[]uuid.UUID, rng *rand.Rand) (uuid.UUID, bool) {
	s := *ids
	if len(s) == 0 {
		return uuid.Nil, false
	}
	i := rng.Intn(len(s))
	id := s[i]
	s[i] = s[len(s)-1]
	*ids = s[:len(s)-1]
	return id, true
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeQueued
	outcomeConflict
	outcomeRejected
	outcomeError
)

type OperationMetrics struct {
	counts    [outcomeError + 1]int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.counts[o], 1)
	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), pct(99)
}

type Metrics struct {
	Request     OperationMetrics
	End         OperationMetrics
	Extend      OperationMetrics
	QueueStatus OperationMetrics
	LeaveQueue  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	logging.Init(logging.Config{Format: "console"})

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logging.Fatal().Err(err).Msg("invalid config")
	}

	logging.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("request", cfg.RequestRatio).
		Float64("end", cfg.EndRatio).
		Float64("extend", cfg.ExtendRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("load data pool")
	}
	logging.Info().Int("users", len(dataPool.Users)).Int("astrologers", len(dataPool.Astrologers)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		RequestRatio:    getFloat("SIM_REQUEST_RATIO", 0.5),
		EndRatio:        getFloat("SIM_END_RATIO", 0.2),
		ExtendRatio:     getFloat("SIM_EXTEND_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.2),
		UserLimit:       getInt("SIM_USER_LIMIT", 4000),
		AstrologerLimit: getInt("SIM_ASTROLOGER_LIMIT", 50),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
	}

	total := cfg.RequestRatio + cfg.EndRatio + cfg.ExtendRatio + cfg.ReadRatio
	if total > 0 {
		cfg.RequestRatio /= total
		cfg.EndRatio /= total
		cfg.ExtendRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	var err error
	dp.Users, err = loadIDs(ctx, pool, `SELECT id FROM users WHERE balance > 0 LIMIT $1`, cfg.UserLimit)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	dp.Astrologers, err = loadIDs(ctx, pool, `
		SELECT id FROM astrologers
		WHERE is_online AND is_active AND is_approved
		LIMIT $1
	`, cfg.AstrologerLimit)
	if err != nil {
		return nil, fmt.Errorf("load astrologers: %w", err)
	}

	if len(dp.Users) == 0 {
		return nil, fmt.Errorf("no users loaded, run cmd/seed first")
	}
	if len(dp.Astrologers) == 0 {
		return nil, fmt.Errorf("no online astrologers loaded")
	}
	return dp, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	logging.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.RequestRatio:
			s.doRequest(ctx, rng)
		case r < s.config.RequestRatio+s.config.EndRatio:
			s.doEnd(ctx, rng)
		case r < s.config.RequestRatio+s.config.EndRatio+s.config.ExtendRatio:
			s.doExtend(ctx, rng)
		default:
			if rng.Intn(4) == 0 {
				s.doLeaveQueue(ctx, rng)
			} else {
				s.doQueueStatus(ctx, rng)
			}
		}
	}
}

// call sends a JSON request and maps the status code to an outcome. out, when
// non-nil, receives the decoded body of a 2xx response.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (time.Duration, outcome) {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, outcomeError
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, outcomeError
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return latency, outcomeQueued
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return latency, outcomeOK
	case resp.StatusCode == http.StatusConflict:
		return latency, outcomeConflict
	case resp.StatusCode == http.StatusPaymentRequired, resp.StatusCode == http.StatusNotFound:
		return latency, outcomeRejected
	default:
		return latency, outcomeError
	}
}

func (s *Simulator) doRequest(ctx context.Context, rng *rand.Rand) {
	body := map[string]any{
		"user_id":          s.pool.Users[rng.Intn(len(s.pool.Users))].String(),
		"astrologer_id":    s.pool.Astrologers[rng.Intn(len(s.pool.Astrologers))].String(),
		"topic":            "simulated",
		"duration_minutes": 5 + rng.Intn(26),
	}
	var resp struct {
		Consultation struct {
			ID uuid.UUID `json:"id"`
		} `json:"consultation"`
		QueueEntry *struct {
			ID uuid.UUID `json:"id"`
		} `json:"queue_entry"`
	}

	latency, o := s.call(ctx, http.MethodPost, "/consultations", body, &resp)
	if (o == outcomeOK || o == outcomeQueued) && resp.Consultation.ID != uuid.Nil {
		s.pool.addConsultation(resp.Consultation.ID)
		if resp.QueueEntry != nil {
			s.pool.addQueueEntry(resp.QueueEntry.ID)
		}
	}
	s.metrics.Request.Record(latency, o)
}

func (s *Simulator) doEnd(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.takeConsultation(rng)
	if !ok {
		return
	}
	body := map[string]any{"rating": 1 + rng.Intn(5)}
	latency, o := s.call(ctx, http.MethodPost, "/consultations/"+id.String()+"/end", body, nil)
	s.metrics.End.Record(latency, o)
}

func (s *Simulator) doExtend(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.peekConsultation(rng)
	if !ok {
		return
	}
	latency, o := s.call(ctx, http.MethodPost, "/consultations/"+id.String()+"/astrologer-extend",
		map[string]any{"minutes": 5}, nil)
	s.metrics.Extend.Record(latency, o)
}

func (s *Simulator) doQueueStatus(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Astrologers[rng.Intn(len(s.pool.Astrologers))]
	latency, o := s.call(ctx, http.MethodGet, "/astrologers/"+id.String()+"/queue", nil, nil)
	s.metrics.QueueStatus.Record(latency, o)
}

func (s *Simulator) doLeaveQueue(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.takeQueueEntry(rng)
	if !ok {
		return
	}
	latency, o := s.call(ctx, http.MethodDelete, "/queue/"+id.String(), nil, nil)
	s.metrics.LeaveQueue.Record(latency, o)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Request consultation", &s.metrics.Request)
	printOperationReport("End consultation", &s.metrics.End)
	printOperationReport("Astrologer extend", &s.metrics.Extend)
	printOperationReport("Queue status", &s.metrics.QueueStatus)
	printOperationReport("Leave queue", &s.metrics.LeaveQueue)
}

func printOperationReport(name string, om *OperationMetrics) {
	var total int64
	for i := range om.counts {
		total += atomic.LoadInt64(&om.counts[i])
	}
	if total == 0 {
		return
	}

	labels := []string{"OK", "Queued", "Conflict", "Rejected", "Error"}
	fmt.Printf("%s:\n  Total: %d\n", name, total)
	for i, label := range labels {
		n := atomic.LoadInt64(&om.counts[i])
		if n == 0 {
			continue
		}
		fmt.Printf("  %s: %d (%.1f%%)\n", label, n, float64(n)/float64(total)*100)
	}

	avg, p50, p95, p99 := om.Stats()
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), p99.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
