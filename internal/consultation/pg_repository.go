package consultation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hackgods/astro-consultation-queue/internal/logging"
)

const pgUniqueViolation = "23505"

const consultationColumns = `
	id, user_id, astrologer_id, topic, duration_minutes, cost, status,
	queue_position, estimated_wait_minutes, queue_entered_at, started_at, created_at,
	ended_at, ended_reason, rating, review, astrologer_extensions, is_rerouted, rerouted_to`

const queueColumns = `id, consultation_id, user_id, astrologer_id, position, status, payment_id, payment_status, join_time`

const workloadColumns = `
	astrologer_id, current_consultations, max_concurrent, average_response_time,
	performance_score, workload_percentage, is_accepting_new, break_until, updated_at`

const ruleColumns = `id, original_astrologer_id, assigned_astrologer_id, priority, is_active, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (r *PgRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logging.Ctx(ctx).Warn().Err(rbErr).Msg("rollback failed")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Helpers

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanAstrologer(row pgx.Row) (*Astrologer, error) {
	var a Astrologer
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Languages,
		&a.Specializations,
		&a.Rating,
		&a.PricePerMinute,
		&a.IsOnline,
		&a.IsActive,
		&a.IsApproved,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAstrologerNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	var reason *string

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.AstrologerID,
		&c.Topic,
		&c.DurationMinutes,
		&c.Cost,
		&c.Status,
		&c.QueuePosition,
		&c.EstimatedWaitMinutes,
		&c.QueueEnteredAt,
		&c.StartedAt,
		&c.CreatedAt,
		&c.EndedAt,
		&reason,
		&c.Rating,
		&c.Review,
		&c.AstrologerExtensions,
		&c.IsRerouted,
		&c.ReroutedTo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}

	if reason != nil {
		er := EndReason(*reason)
		c.EndedReason = &er
	}
	return &c, nil
}

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID,
		&e.ConsultationID,
		&e.UserID,
		&e.AstrologerID,
		&e.Position,
		&e.Status,
		&e.PaymentID,
		&e.PaymentStatus,
		&e.JoinTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanWorkload(row pgx.Row) (*Workload, error) {
	var w Workload
	err := row.Scan(
		&w.AstrologerID,
		&w.CurrentConsultations,
		&w.MaxConcurrent,
		&w.AverageResponseTime,
		&w.PerformanceScore,
		&w.WorkloadPercentage,
		&w.IsAcceptingNew,
		&w.BreakUntil,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkloadNotFound
		}
		return nil, err
	}
	return &w, nil
}

func scanRule(row pgx.Row) (*RoutingRule, error) {
	var rule RoutingRule
	err := row.Scan(
		&rule.ID,
		&rule.OriginalAstrologerID,
		&rule.AssignedAstrologerID,
		&rule.Priority,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoutingRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Interface methods

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, balance, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

const astrologerSelect = `
	SELECT id, name, languages, specializations, rating, price_per_minute,
	       is_online, is_active, is_approved, created_at, updated_at
	FROM astrologers`

func (r *PgRepository) GetAstrologerByID(ctx context.Context, id uuid.UUID) (*Astrologer, error) {
	return scanAstrologer(r.pool.QueryRow(ctx, astrologerSelect+` WHERE id = $1`, id))
}

func (r *PgRepository) ListAvailableAstrologers(ctx context.Context) ([]Astrologer, error) {
	rows, err := r.pool.Query(ctx, astrologerSelect+`
		WHERE is_online AND is_active AND is_approved
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAstrologer)
}

func (r *PgRepository) GetConsultationByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id))
}

func (r *PgRepository) FindActiveForAstrologer(ctx context.Context, astrologerID uuid.UUID) (*Consultation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status IN ('active', 'pending')
		  AND (astrologer_id = $1 OR rerouted_to = $1)
		ORDER BY COALESCE(started_at, created_at)
		LIMIT 1
	`, astrologerID)
	return scanConsultation(row)
}

func (r *PgRepository) FindActiveForUser(ctx context.Context, userID uuid.UUID) (*Consultation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status IN ('active', 'pending')
		  AND user_id = $1
		ORDER BY COALESCE(started_at, created_at)
		LIMIT 1
	`, userID)
	return scanConsultation(row)
}

func (r *PgRepository) ListActiveConsultations(ctx context.Context) ([]Consultation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status IN ('active', 'pending')
		ORDER BY COALESCE(started_at, created_at)
	`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConsultation)
}

// lockAstrologer serializes queue mutations for one astrologer inside a tx.
func lockAstrologer(ctx context.Context, tx pgx.Tx, astrologerID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM astrologers WHERE id = $1 FOR UPDATE`, astrologerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAstrologerNotFound
	}
	return err
}

// lockAstrologers locks every id in a fixed order so two transactions
// holding overlapping pairs cannot deadlock.
func lockAstrologers(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		if err := lockAstrologer(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func userExists(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// debit takes amount off the user's balance, never below zero.
func debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		ok, err := userExists(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
		return nil
	}

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET balance = balance - $2,
		    updated_at = now()
		WHERE id = $1
		  AND balance >= $2
		RETURNING id
	`, userID, amount).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("debit balance: %w", err)
	}

	ok, err := userExists(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	return ErrInsufficientBalance
}

func insertActiveRow(ctx context.Context, tx pgx.Tx, c *Consultation, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO active_consultations (consultation_id, astrologer_id, user_id, start_time, last_activity)
		VALUES ($1, $2, $3, $4, $4)
	`, c.ID, c.EffectiveAstrologerID(), c.UserID, at)
	if isUniqueViolation(err) {
		return ErrAstrologerBusy
	}
	if err != nil {
		return err
	}

	for _, id := range c.HeldAstrologerIDs() {
		_, err := tx.Exec(ctx, `
			INSERT INTO astrologer_holds (astrologer_id, consultation_id) VALUES ($1, $2)
		`, id, c.ID)
		if isUniqueViolation(err) {
			return ErrAstrologerBusy
		}
		if err != nil {
			return fmt.Errorf("insert astrologer hold: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) CreateActiveConsultation(ctx context.Context, nc NewConsultation) (*Consultation, error) {
	var created *Consultation

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockAstrologers(ctx, tx, nc.heldAstrologerIDs()...); err != nil {
			return err
		}
		if err := debit(ctx, tx, nc.UserID, nc.Cost); err != nil {
			return err
		}

		c, err := scanConsultation(tx.QueryRow(ctx, `
			INSERT INTO consultations (id, user_id, astrologer_id, topic, duration_minutes, cost, status,
			                           started_at, created_at, is_rerouted, rerouted_to)
			VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $7, $8, $9)
			RETURNING `+consultationColumns,
			uuid.New(), nc.UserID, nc.AstrologerID, nc.Topic, nc.DurationMinutes, nc.Cost,
			nc.Now, nc.ReroutedTo != nil, nc.ReroutedTo,
		))
		if err != nil {
			return fmt.Errorf("insert consultation: %w", err)
		}

		if err := insertActiveRow(ctx, tx, c, nc.Now); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) CreateQueuedConsultation(ctx context.Context, nc NewConsultation, slot time.Duration) (*Consultation, *QueueEntry, error) {
	var (
		created *Consultation
		entry   *QueueEntry
	)
	eff := nc.effectiveAstrologerID()

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockAstrologer(ctx, tx, eff); err != nil {
			return err
		}
		ok, err := userExists(ctx, tx, nc.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}

		var waiting int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM consultation_queue
			WHERE astrologer_id = $1 AND status = 'waiting'
		`, eff).Scan(&waiting); err != nil {
			return fmt.Errorf("count waiting: %w", err)
		}
		position := waiting + 1

		c, err := scanConsultation(tx.QueryRow(ctx, `
			INSERT INTO consultations (id, user_id, astrologer_id, topic, duration_minutes, cost, status,
			                           queue_position, estimated_wait_minutes, queue_entered_at, created_at,
			                           is_rerouted, rerouted_to)
			VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, $9, $9, $10, $11)
			RETURNING `+consultationColumns,
			uuid.New(), nc.UserID, nc.AstrologerID, nc.Topic, nc.DurationMinutes, nc.Cost,
			position, waitMinutes(position, slot), nc.Now, nc.ReroutedTo != nil, nc.ReroutedTo,
		))
		if err != nil {
			return fmt.Errorf("insert queued consultation: %w", err)
		}

		e, err := scanQueueEntry(tx.QueryRow(ctx, `
			INSERT INTO consultation_queue (id, consultation_id, user_id, astrologer_id, position, status, join_time)
			VALUES ($1, $2, $3, $4, $5, 'waiting', $6)
			RETURNING `+queueColumns,
			uuid.New(), c.ID, nc.UserID, eff, position, nc.Now,
		))
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}

		created, entry = c, e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, entry, nil
}

// renumber rewrites waiting positions to 1..n in join order and mirrors them
// onto the linked consultations.
func renumber(ctx context.Context, tx pgx.Tx, astrologerID uuid.UUID, slot time.Duration) error {
	_, err := tx.Exec(ctx, `
		WITH ordered AS (
			SELECT id, row_number() OVER (ORDER BY join_time, position, id) AS pos
			FROM consultation_queue
			WHERE astrologer_id = $1 AND status = 'waiting'
		), moved AS (
			UPDATE consultation_queue q
			SET position = o.pos
			FROM ordered o
			WHERE q.id = o.id
			RETURNING q.consultation_id, o.pos
		)
		UPDATE consultations c
		SET queue_position = m.pos,
		    estimated_wait_minutes = m.pos * $2::int
		FROM moved m
		WHERE c.id = m.consultation_id
	`, astrologerID, int(slot/time.Minute))
	if err != nil {
		return fmt.Errorf("renumber queue: %w", err)
	}
	return nil
}

func (r *PgRepository) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return scanQueueEntry(r.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM consultation_queue WHERE id = $1`, id))
}

func (r *PgRepository) ListWaiting(ctx context.Context, astrologerID uuid.UUID) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+queueColumns+`
		FROM consultation_queue
		WHERE astrologer_id = $1 AND status = 'waiting'
		ORDER BY join_time, position, id
	`, astrologerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanQueueEntry)
}

func (r *PgRepository) ListAstrologersWithWaiting(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT astrologer_id FROM consultation_queue WHERE status = 'waiting'`)
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

func (r *PgRepository) PeekNextWaiting(ctx context.Context, astrologerID uuid.UUID) (*QueueEntry, error) {
	return scanQueueEntry(r.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM consultation_queue
		WHERE astrologer_id = $1 AND status = 'waiting'
		ORDER BY join_time, position, id
		LIMIT 1
	`, astrologerID))
}

func (r *PgRepository) PromoteQueueEntry(ctx context.Context, entryID uuid.UUID, now time.Time, slot time.Duration) (*Consultation, error) {
	var promoted *Consultation

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		entry, err := scanQueueEntry(tx.QueryRow(ctx, `
			SELECT `+queueColumns+`
			FROM consultation_queue
			WHERE id = $1 AND status = 'waiting'
			FOR UPDATE
		`, entryID))
		if err != nil {
			return err
		}
		if entry.ConsultationID == nil {
			return ErrQueueEntryNotFound
		}

		queued, err := scanConsultation(tx.QueryRow(ctx, `
			SELECT `+consultationColumns+` FROM consultations WHERE id = $1 FOR UPDATE
		`, *entry.ConsultationID))
		if err != nil {
			return err
		}
		if err := lockAstrologers(ctx, tx, append(queued.HeldAstrologerIDs(), entry.AstrologerID)...); err != nil {
			return err
		}
		if err := debit(ctx, tx, queued.UserID, queued.Cost); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE consultation_queue SET status = 'confirmed' WHERE id = $1`, entry.ID); err != nil {
			return fmt.Errorf("confirm queue entry: %w", err)
		}

		c, err := scanConsultation(tx.QueryRow(ctx, `
			UPDATE consultations
			SET status = 'active',
			    started_at = $2,
			    queue_position = NULL,
			    estimated_wait_minutes = NULL
			WHERE id = $1 AND status = 'queued'
			RETURNING `+consultationColumns,
			queued.ID, now,
		))
		if err != nil {
			return fmt.Errorf("activate consultation: %w", err)
		}

		if err := insertActiveRow(ctx, tx, c, now); err != nil {
			return err
		}
		if err := renumber(ctx, tx, entry.AstrologerID, slot); err != nil {
			return err
		}
		promoted = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func (r *PgRepository) CancelQueueEntry(ctx context.Context, entryID uuid.UUID, reason EndReason, now time.Time, slot time.Duration) (*QueueEntry, error) {
	var cancelled *QueueEntry

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		entry, err := scanQueueEntry(tx.QueryRow(ctx, `
			UPDATE consultation_queue
			SET status = 'cancelled'
			WHERE id = $1 AND status = 'waiting'
			RETURNING `+queueColumns,
			entryID,
		))
		if err != nil {
			return err
		}

		if entry.ConsultationID != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE consultations
				SET status = 'completed',
				    ended_at = $2,
				    ended_reason = $3,
				    queue_position = NULL,
				    estimated_wait_minutes = NULL
				WHERE id = $1 AND status = 'queued'
			`, *entry.ConsultationID, now, string(reason)); err != nil {
				return fmt.Errorf("complete queued consultation: %w", err)
			}
		}

		if err := renumber(ctx, tx, entry.AstrologerID, slot); err != nil {
			return err
		}
		cancelled = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (r *PgRepository) CompleteConsultation(ctx context.Context, id uuid.UUID, done Completion) (*Consultation, bool, error) {
	var (
		result    *Consultation
		completed bool
	)

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		c, err := scanConsultation(tx.QueryRow(ctx, `
			UPDATE consultations
			SET status = 'completed',
			    ended_at = $2,
			    ended_reason = $3,
			    rating = COALESCE($4, rating),
			    review = COALESCE($5, review)
			WHERE id = $1
			  AND status IN ('active', 'pending')
			RETURNING `+consultationColumns,
			id, done.EndedAt, string(done.Reason), done.Rating, done.Review,
		))
		if errors.Is(err, ErrConsultationNotFound) {
			// either missing or already closed by another path
			current, err := scanConsultation(tx.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = $1`, id))
			if err != nil {
				return err
			}
			result = current
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete consultation: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM active_consultations WHERE consultation_id = $1`, id); err != nil {
			return fmt.Errorf("delete active row: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM astrologer_holds WHERE consultation_id = $1`, id); err != nil {
			return fmt.Errorf("delete astrologer holds: %w", err)
		}
		result, completed = c, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, completed, nil
}

func (r *PgRepository) FindOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]Consultation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationColumns+`
		FROM consultations
		WHERE status IN ('active', 'pending')
		  AND COALESCE(started_at, created_at)
		      + make_interval(mins => duration_minutes)
		      + make_interval(secs => $2::double precision) < $1
		ORDER BY COALESCE(started_at, created_at) + make_interval(mins => duration_minutes)
	`, now, grace.Seconds())
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConsultation)
}

func (r *PgRepository) AverageConsultationMinutes(ctx context.Context, astrologerID uuid.UUID) (float64, error) {
	var avg float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (ended_at - started_at)) / 60), 0)::double precision
		FROM consultations
		WHERE status = 'completed'
		  AND started_at IS NOT NULL
		  AND ended_at IS NOT NULL
		  AND COALESCE(rerouted_to, astrologer_id) = $1
	`, astrologerID).Scan(&avg)
	return avg, err
}

// explainNoExtension tells a missing consultation from a closed one after an
// extension update matched no row.
func (r *PgRepository) explainNoExtension(ctx context.Context, id uuid.UUID, capped bool) error {
	c, err := r.GetConsultationByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusCompleted {
		return ErrInvalidStatusTransition
	}
	if capped {
		return ErrExtensionLimitReached
	}
	return ErrInvalidStatusTransition
}

func (r *PgRepository) ExtendDuration(ctx context.Context, id uuid.UUID, minutes int) (*Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		UPDATE consultations
		SET duration_minutes = duration_minutes + $2
		WHERE id = $1 AND status <> 'completed'
		RETURNING `+consultationColumns,
		id, minutes,
	))
	if errors.Is(err, ErrConsultationNotFound) {
		return nil, r.explainNoExtension(ctx, id, false)
	}
	return c, err
}

func (r *PgRepository) ExtendDurationCapped(ctx context.Context, id uuid.UUID, minutes, maxExtensions int) (*Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		UPDATE consultations
		SET duration_minutes = duration_minutes + $2,
		    astrologer_extensions = astrologer_extensions + 1
		WHERE id = $1
		  AND status <> 'completed'
		  AND astrologer_extensions < $3
		RETURNING `+consultationColumns,
		id, minutes, maxExtensions,
	))
	if errors.Is(err, ErrConsultationNotFound) {
		return nil, r.explainNoExtension(ctx, id, true)
	}
	return c, err
}

func (r *PgRepository) GetWorkload(ctx context.Context, astrologerID uuid.UUID) (*Workload, error) {
	return scanWorkload(r.pool.QueryRow(ctx, `SELECT `+workloadColumns+` FROM astrologer_workload WHERE astrologer_id = $1`, astrologerID))
}

func (r *PgRepository) ListWorkloads(ctx context.Context) ([]Workload, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+workloadColumns+` FROM astrologer_workload ORDER BY astrologer_id`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWorkload)
}

const upsertWorkloadSQL = `
	INSERT INTO astrologer_workload (astrologer_id, current_consultations, max_concurrent,
	                                 average_response_time, performance_score, workload_percentage,
	                                 is_accepting_new, break_until, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (astrologer_id) DO UPDATE
	SET current_consultations = EXCLUDED.current_consultations,
	    max_concurrent = EXCLUDED.max_concurrent,
	    average_response_time = EXCLUDED.average_response_time,
	    performance_score = EXCLUDED.performance_score,
	    workload_percentage = EXCLUDED.workload_percentage,
	    is_accepting_new = EXCLUDED.is_accepting_new,
	    break_until = EXCLUDED.break_until,
	    updated_at = now()
	RETURNING ` + workloadColumns

func upsertWorkload(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, w Workload) (*Workload, error) {
	return scanWorkload(q.QueryRow(ctx, upsertWorkloadSQL,
		w.AstrologerID, w.CurrentConsultations, w.MaxConcurrent, w.AverageResponseTime,
		w.PerformanceScore, w.WorkloadPercentage, w.IsAcceptingNew, w.BreakUntil,
	))
}

func (r *PgRepository) UpsertWorkload(ctx context.Context, w Workload) error {
	_, err := upsertWorkload(ctx, r.pool, w)
	return err
}

func (r *PgRepository) AdjustWorkload(ctx context.Context, astrologerID uuid.UUID, delta int) (*Workload, error) {
	var updated *Workload

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWorkload(tx.QueryRow(ctx, `
			SELECT `+workloadColumns+` FROM astrologer_workload WHERE astrologer_id = $1 FOR UPDATE
		`, astrologerID))
		if errors.Is(err, ErrWorkloadNotFound) {
			d := DefaultWorkload(astrologerID)
			w, err = &d, nil
		}
		if err != nil {
			return err
		}

		w.CurrentConsultations += delta
		w.Recompute()
		updated, err = upsertWorkload(ctx, tx, *w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) GetActiveRoutingRule(ctx context.Context, originalAstrologerID uuid.UUID) (*RoutingRule, error) {
	return scanRule(r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM chat_routing_rules
		WHERE original_astrologer_id = $1 AND is_active
		ORDER BY priority DESC, created_at
		LIMIT 1
	`, originalAstrologerID))
}

func (r *PgRepository) CreateRoutingRule(ctx context.Context, rule RoutingRule) (*RoutingRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	return scanRule(r.pool.QueryRow(ctx, `
		INSERT INTO chat_routing_rules (id, original_astrologer_id, assigned_astrologer_id, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+ruleColumns,
		rule.ID, rule.OriginalAstrologerID, rule.AssignedAstrologerID, rule.Priority, rule.IsActive,
	))
}

func (r *PgRepository) ListRoutingRules(ctx context.Context) ([]RoutingRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM chat_routing_rules ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRule)
}

func (r *PgRepository) DeactivateRoutingRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE chat_routing_rules SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoutingRuleNotFound
	}
	return nil
}

func (r *PgRepository) CreateRoutedConsultation(ctx context.Context, rc RoutedConsultation) error {
	if rc.ID == uuid.Nil {
		rc.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO routed_consultations (id, consultation_id, routing_rule_id, original_astrologer_id,
		                                  assigned_astrologer_id, user_visible_name, actual_provider_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, rc.ID, rc.ConsultationID, rc.RoutingRuleID, rc.OriginalAstrologerID, rc.AssignedAstrologerID,
		rc.UserVisibleName, rc.ActualProviderName)
	return err
}

func (r *PgRepository) CreateNotification(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, consultation_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.ConsultationID)
	return err
}

var _ Repository = (*PgRepository)(nil)
