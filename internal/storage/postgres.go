package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/job"
)

const jobColumns = `id, dedup_key, type, payload, state, run_at, attempts, max_attempts,
	locked_by, lease_expires_at, last_error, created_at, updated_at, done_at`

// PostgresStore implements the job store contract over a single jobs table.
// Claiming is a single atomic statement using FOR UPDATE SKIP LOCKED; every
// other mutation is a conditional update guarded by the caller's lock
// identity, so a worker that lost its lease can never touch a job another
// worker now owns.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	opts   Options
}

// NewPostgresStore creates a Postgres-backed job store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger, opts Options) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger, opts: opts.withDefaults()}
}

// Push inserts a new pending job. A duplicate dedup key leaves the existing
// job untouched and returns its id.
func (s *PostgresStore) Push(ctx context.Context, j *job.Job) (uuid.UUID, error) {
	now := s.opts.Clock.Now()
	query := `
		INSERT INTO jobs (id, dedup_key, type, payload, state, run_at, attempts, max_attempts,
			locked_by, lease_expires_at, last_error, created_at, updated_at, done_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, '', NULL, '', $8, $8, NULL)
		ON CONFLICT (dedup_key) WHERE dedup_key <> '' DO NOTHING
		RETURNING id`

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query,
		j.ID, j.DedupKey, j.Type, j.Payload, j.RunAt, j.Attempts, j.MaxAttempts, now,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, unavailable("insert job", err)
	}

	// Conflict on the dedup key: hand back the job that won.
	err = s.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE dedup_key = $1`, j.DedupKey).Scan(&id)
	if err != nil {
		return uuid.Nil, unavailable("select deduplicated job", err)
	}
	return id, nil
}

// Poll atomically claims up to limit due pending jobs. The claim is one
// statement, so no two concurrent pollers can ever receive the same row.
func (s *PostgresStore) Poll(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*job.Job, error) {
	now := s.opts.Clock.Now()
	query := `
		WITH claimed AS (
			UPDATE jobs
			SET state = 'running', locked_by = $1, lease_expires_at = $3, updated_at = $2
			WHERE id IN (
				SELECT id FROM jobs
				WHERE state = 'pending' AND run_at <= $2
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING ` + jobColumns + `
		)
		SELECT ` + jobColumns + ` FROM claimed ORDER BY run_at ASC`

	rows, err := s.pool.Query(ctx, query, workerID, now, now.Add(lease), limit)
	if err != nil {
		return nil, unavailable("claim jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ExtendLease pushes out the lease deadline of a job owned by the caller.
func (s *PostgresStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	now := s.opts.Clock.Now()
	query := `
		UPDATE jobs SET lease_expires_at = $3, updated_at = $2
		WHERE id = $1 AND state = 'running' AND locked_by = $4`

	tag, err := s.pool.Exec(ctx, query, id, now, now.Add(lease), workerID)
	if err != nil {
		return unavailable("extend lease", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, id)
	}
	return nil
}

// Ack marks a job owned by the caller as done.
func (s *PostgresStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	now := s.opts.Clock.Now()
	query := `
		UPDATE jobs SET state = 'done', locked_by = '', lease_expires_at = NULL,
			done_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'running' AND locked_by = $3`

	tag, err := s.pool.Exec(ctx, query, id, now, workerID)
	if err != nil {
		return unavailable("ack job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownershipErr(ctx, id)
	}
	return nil
}

// Retry records a handler failure for a job owned by the caller. The final
// update is guarded by the lock identity, so a lease reclaimed between the
// attempts read and the update surfaces as ErrLeaseLost instead of
// clobbering the new owner's state.
func (s *PostgresStore) Retry(ctx context.Context, id uuid.UUID, workerID string, cause error) error {
	var attempts, maxAttempts int
	err := s.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1 AND state = 'running' AND locked_by = $2`,
		id, workerID,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.ownershipErr(ctx, id)
		}
		return unavailable("read attempts", err)
	}

	now := s.opts.Clock.Now()
	attempts++
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	var tag pgconn.CommandTag
	if attempts >= maxAttempts {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET state = 'failed', attempts = $2, last_error = $3,
				locked_by = '', lease_expires_at = NULL, done_at = $4, updated_at = $4
			WHERE id = $1 AND state = 'running' AND locked_by = $5`,
			id, attempts, lastError, now, workerID)
	} else {
		runAt := now.Add(s.opts.Backoff.NextDelay(attempts))
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET state = 'pending', attempts = $2, last_error = $3,
				run_at = $4, locked_by = '', lease_expires_at = NULL, updated_at = $5
			WHERE id = $1 AND state = 'running' AND locked_by = $6`,
			id, attempts, lastError, runAt, now, workerID)
	}
	if err != nil {
		return unavailable("retry job", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrLeaseLost
	}
	return nil
}

// Kill forces a job into the killed state regardless of remaining attempts.
func (s *PostgresStore) Kill(ctx context.Context, id uuid.UUID) error {
	now := s.opts.Clock.Now()
	query := `
		UPDATE jobs SET state = 'killed', locked_by = '', lease_expires_at = NULL,
			done_at = $2, updated_at = $2
		WHERE id = $1 AND state NOT IN ('done', 'killed')`

	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return unavailable("kill job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var state job.State
	err = s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrNotFound
		}
		return unavailable("read job state", err)
	}
	if state == job.StateKilled {
		return nil
	}
	return job.ErrTerminal
}

// Reap reverts all running jobs with an expired lease back to pending. The
// state guard makes it safe against concurrent acks: a job acked between
// scan and revert no longer matches and is left alone.
func (s *PostgresStore) Reap(ctx context.Context) (int64, error) {
	now := s.opts.Clock.Now()
	penalty := 0
	if s.opts.ReapIncrementsAttempts {
		penalty = 1
	}
	query := `
		UPDATE jobs SET state = 'pending', locked_by = '', lease_expires_at = NULL,
			attempts = attempts + $2, updated_at = $1
		WHERE state = 'running' AND lease_expires_at < $1`

	tag, err := s.pool.Exec(ctx, query, now, penalty)
	if err != nil {
		return 0, unavailable("reap expired leases", err)
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a job by id.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, unavailable("query job", err)
	}
	return j, nil
}

// List returns jobs in the given state, newest first, with pagination.
func (s *PostgresStore) List(ctx context.Context, state job.State, limit, offset int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, state, limit, offset)
	if err != nil {
		return nil, unavailable("query jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Stats returns the count of jobs grouped by state.
func (s *PostgresStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, unavailable("query counts", err)
	}
	defer rows.Close()

	counts := make(map[job.State]int64)
	for rows.Next() {
		var state job.State
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// ownershipErr distinguishes a missing job from a lost lease after a
// conditional update touched no rows.
func (s *PostgresStore) ownershipErr(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return unavailable("check job exists", err)
	}
	if !exists {
		return job.ErrNotFound
	}
	return job.ErrLeaseLost
}

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	err := row.Scan(
		&j.ID, &j.DedupKey, &j.Type, &j.Payload, &j.State, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.LockedBy, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.DoneAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, unavailable("scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
