package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/derekleverenz/apalis/internal/job"
)

// Keyspace layout. Pending jobs sit in the scheduled sorted set (score =
// run_at) until the promoter moves the due ones into the ready list; claimed
// jobs are tracked in the inflight sorted set (score = lease deadline). The
// record hash is the source of truth for the job's fields.
const (
	jobKeyPrefix = "apalis:job:"      // hash holding the job record
	jobIDsKey    = "apalis:jobs"      // set of all known job ids
	scheduledKey = "apalis:scheduled" // zset, score = run_at (unix ms)
	readyKey     = "apalis:ready"     // list of due job ids, FIFO
	inflightKey  = "apalis:inflight"  // zset, score = lease deadline (unix ms)
	dedupPrefix  = "apalis:dedup:"    // dedup key -> job id
)

// doneRetention is how long a finished record stays readable before its
// hash expires.
const doneRetention = 24 * time.Hour

// Script return codes shared by the ownership-checked scripts.
const (
	scriptLeaseLost = -1
	scriptNotFound  = -2
	scriptTerminal  = -3
)

// promoteScript moves due ids from the scheduled set into the ready list.
// KEYS: scheduled, ready. ARGV: now_ms, limit.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("RPUSH", KEYS[2], id)
end
return #due
`)

// claimScript pops up to limit ids from the ready list and marks each
// running with the caller's lock identity, inserting it into the inflight
// set in the same atomic step. No concurrent poller can observe the pop
// without the insert.
// KEYS: ready, inflight. ARGV: limit, worker, now_iso, deadline_ms,
// deadline_iso, prefix.
var claimScript = redis.NewScript(`
local claimed = {}
for i = 1, tonumber(ARGV[1]) do
	local id = redis.call("LPOP", KEYS[1])
	if not id then break end
	local key = ARGV[6] .. id
	if redis.call("EXISTS", key) == 1 then
		redis.call("HSET", key,
			"state", "running",
			"locked_by", ARGV[2],
			"lease_expires_at", ARGV[5],
			"updated_at", ARGV[3])
		redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), id)
		claimed[#claimed+1] = id
	end
end
return claimed
`)

// ackScript finalizes a job after checking the caller still owns the lease.
// KEYS: inflight. ARGV: id, worker, now_iso, prefix, ttl_sec.
var ackScript = redis.NewScript(`
local key = ARGV[4] .. ARGV[1]
if redis.call("EXISTS", key) == 0 then return -2 end
if redis.call("HGET", key, "state") ~= "running" or redis.call("HGET", key, "locked_by") ~= ARGV[2] then
	return -1
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", key, "state", "done", "locked_by", "", "lease_expires_at", "",
	"done_at", ARGV[3], "updated_at", ARGV[3])
redis.call("EXPIRE", key, ARGV[5])
return 1
`)

// retryScript increments attempts and either reschedules the job or fails
// it, after the same ownership check.
// KEYS: inflight, scheduled. ARGV: id, worker, now_iso, retry_at_ms,
// retry_at_iso, last_error, prefix, ttl_sec.
var retryScript = redis.NewScript(`
local key = ARGV[7] .. ARGV[1]
if redis.call("EXISTS", key) == 0 then return -2 end
if redis.call("HGET", key, "state") ~= "running" or redis.call("HGET", key, "locked_by") ~= ARGV[2] then
	return -1
end
local attempts = redis.call("HINCRBY", key, "attempts", 1)
local max = tonumber(redis.call("HGET", key, "max_attempts"))
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", key, "locked_by", "", "lease_expires_at", "",
	"last_error", ARGV[6], "updated_at", ARGV[3])
if attempts >= max then
	redis.call("HSET", key, "state", "failed", "done_at", ARGV[3])
	redis.call("EXPIRE", key, ARGV[8])
	return 0
end
redis.call("HSET", key, "state", "pending", "run_at", ARGV[5])
redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), ARGV[1])
return attempts
`)

// extendScript pushes out the lease deadline for the owning caller.
// KEYS: inflight. ARGV: id, worker, deadline_ms, deadline_iso, now_iso,
// prefix.
var extendScript = redis.NewScript(`
local key = ARGV[6] .. ARGV[1]
if redis.call("EXISTS", key) == 0 then return -2 end
if redis.call("HGET", key, "state") ~= "running" or redis.call("HGET", key, "locked_by") ~= ARGV[2] then
	return -1
end
redis.call("ZADD", KEYS[1], "XX", tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", key, "lease_expires_at", ARGV[4], "updated_at", ARGV[5])
return 1
`)

// killScript removes the job from every queue structure and marks it
// killed. Killing twice is a no-op; killing a done job is refused.
// KEYS: scheduled, ready, inflight. ARGV: id, now_iso, prefix, ttl_sec.
var killScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
if redis.call("EXISTS", key) == 0 then return -2 end
local state = redis.call("HGET", key, "state")
if state == "killed" then return 1 end
if state == "done" then return -3 end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HSET", key, "state", "killed", "locked_by", "", "lease_expires_at", "",
	"done_at", ARGV[2], "updated_at", ARGV[2])
redis.call("EXPIRE", key, ARGV[4])
return 1
`)

// reapScript reverts expired inflight members to pending. The state check
// inside the script means a job acked between scan and revert is left
// alone.
// KEYS: inflight, scheduled. ARGV: now_ms, now_iso, prefix, penalty.
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local count = 0
for _, id in ipairs(expired) do
	local key = ARGV[3] .. id
	redis.call("ZREM", KEYS[1], id)
	if redis.call("HGET", key, "state") == "running" then
		redis.call("HSET", key, "state", "pending", "locked_by", "", "lease_expires_at", "",
			"run_at", ARGV[2], "updated_at", ARGV[2])
		if tonumber(ARGV[4]) == 1 then
			redis.call("HINCRBY", key, "attempts", 1)
		end
		redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
		count = count + 1
	end
end
return count
`)

// RedisStore implements the job store contract over three coordinated
// structures plus a record hash per job. All multi-step transitions run as
// Lua scripts so they can never be observed half-applied.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	opts   Options
}

// NewRedisStore creates a Redis-backed job store.
func NewRedisStore(client *redis.Client, logger *zap.Logger, opts Options) *RedisStore {
	return &RedisStore{client: client, logger: logger, opts: opts.withDefaults()}
}

// Push writes the record hash and schedules the id. A duplicate dedup key
// returns the winning job's id.
func (s *RedisStore) Push(ctx context.Context, j *job.Job) (uuid.UUID, error) {
	id := j.ID.String()

	if j.DedupKey != "" {
		set, err := s.client.SetNX(ctx, dedupPrefix+j.DedupKey, id, 0).Result()
		if err != nil {
			return uuid.Nil, unavailable("dedup check", err)
		}
		if !set {
			existing, err := s.client.Get(ctx, dedupPrefix+j.DedupKey).Result()
			if err != nil {
				return uuid.Nil, unavailable("dedup lookup", err)
			}
			existingID, err := uuid.Parse(existing)
			if err != nil {
				return uuid.Nil, unavailable("dedup lookup", err)
			}
			return existingID, nil
		}
	}

	now := s.opts.Clock.Now()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+id, recordFields(j, now))
	pipe.SAdd(ctx, jobIDsKey, id)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return uuid.Nil, unavailable("push job", err)
	}
	return j.ID, nil
}

// Poll promotes due ids into the ready list and claims up to limit of them.
func (s *RedisStore) Poll(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*job.Job, error) {
	now := s.opts.Clock.Now()
	deadline := now.Add(lease)

	if _, err := promoteScript.Run(ctx, s.client,
		[]string{scheduledKey, readyKey},
		now.UnixMilli(), limit,
	).Result(); err != nil {
		return nil, unavailable("promote due jobs", err)
	}

	res, err := claimScript.Run(ctx, s.client,
		[]string{readyKey, inflightKey},
		limit, workerID, now.Format(time.RFC3339Nano),
		deadline.UnixMilli(), deadline.Format(time.RFC3339Nano),
		jobKeyPrefix,
	).Result()
	if err != nil {
		return nil, unavailable("claim jobs", err)
	}

	ids, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		j, err := s.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ExtendLease pushes out the lease deadline of a job owned by the caller.
func (s *RedisStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	now := s.opts.Clock.Now()
	deadline := now.Add(lease)
	res, err := extendScript.Run(ctx, s.client,
		[]string{inflightKey},
		id.String(), workerID,
		deadline.UnixMilli(), deadline.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), jobKeyPrefix,
	).Int()
	if err != nil {
		return unavailable("extend lease", err)
	}
	return scriptErr(res)
}

// Ack marks a job owned by the caller as done.
func (s *RedisStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	now := s.opts.Clock.Now()
	res, err := ackScript.Run(ctx, s.client,
		[]string{inflightKey},
		id.String(), workerID, now.Format(time.RFC3339Nano),
		jobKeyPrefix, int(doneRetention.Seconds()),
	).Int()
	if err != nil {
		return unavailable("ack job", err)
	}
	return scriptErr(res)
}

// Retry records a handler failure. The backoff delay is computed from the
// attempt count read up front; if the lease is lost in between, the script
// refuses the mutation.
func (s *RedisStore) Retry(ctx context.Context, id uuid.UUID, workerID string, cause error) error {
	attempts, err := s.client.HGet(ctx, jobKeyPrefix+id.String(), "attempts").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return job.ErrNotFound
		}
		return unavailable("read attempts", err)
	}

	now := s.opts.Clock.Now()
	retryAt := now.Add(s.opts.Backoff.NextDelay(attempts + 1))
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	res, err := retryScript.Run(ctx, s.client,
		[]string{inflightKey, scheduledKey},
		id.String(), workerID, now.Format(time.RFC3339Nano),
		retryAt.UnixMilli(), retryAt.Format(time.RFC3339Nano),
		lastError, jobKeyPrefix, int(doneRetention.Seconds()),
	).Int()
	if err != nil {
		return unavailable("retry job", err)
	}
	if res < 0 {
		return scriptErr(res)
	}
	return nil
}

// Kill forces a job into the killed state.
func (s *RedisStore) Kill(ctx context.Context, id uuid.UUID) error {
	now := s.opts.Clock.Now()
	res, err := killScript.Run(ctx, s.client,
		[]string{scheduledKey, readyKey, inflightKey},
		id.String(), now.Format(time.RFC3339Nano),
		jobKeyPrefix, int(doneRetention.Seconds()),
	).Int()
	if err != nil {
		return unavailable("kill job", err)
	}
	return scriptErr(res)
}

// Reap reverts all inflight members with an expired lease back to pending.
func (s *RedisStore) Reap(ctx context.Context) (int64, error) {
	now := s.opts.Clock.Now()
	penalty := 0
	if s.opts.ReapIncrementsAttempts {
		penalty = 1
	}
	count, err := reapScript.Run(ctx, s.client,
		[]string{inflightKey, scheduledKey},
		now.UnixMilli(), now.Format(time.RFC3339Nano),
		jobKeyPrefix, penalty,
	).Int64()
	if err != nil {
		return 0, unavailable("reap expired leases", err)
	}
	return count, nil
}

// Get retrieves a job by id.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.fetch(ctx, id.String())
}

// List returns jobs in the given state, newest first, with pagination.
func (s *RedisStore) List(ctx context.Context, state job.State, limit, offset int) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, unavailable("list job ids", err)
	}

	matched := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.fetch(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				// Record expired; drop the dangling id.
				s.client.SRem(ctx, jobIDsKey, id)
				continue
			}
			return nil, err
		}
		if j.State == state {
			matched = append(matched, j)
		}
	}

	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.After(matched[k].CreatedAt) })
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Stats returns the number of jobs in each state.
func (s *RedisStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, unavailable("list job ids", err)
	}

	counts := make(map[job.State]int64)
	for _, id := range ids {
		state, err := s.client.HGet(ctx, jobKeyPrefix+id, "state").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				s.client.SRem(ctx, jobIDsKey, id)
				continue
			}
			return nil, unavailable("read job state", err)
		}
		counts[job.State(state)]++
	}
	return counts, nil
}

func (s *RedisStore) fetch(ctx context.Context, id string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKeyPrefix+id).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(vals) == 0 {
		return nil, job.ErrNotFound
	}
	j, err := recordToJob(vals)
	if err != nil {
		s.logger.Error("corrupt job record", zap.String("job_id", id), zap.Error(err))
		return nil, err
	}
	return j, nil
}

func scriptErr(code int) error {
	switch code {
	case scriptLeaseLost:
		return job.ErrLeaseLost
	case scriptNotFound:
		return job.ErrNotFound
	case scriptTerminal:
		return job.ErrTerminal
	default:
		return nil
	}
}

func recordFields(j *job.Job, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":           j.ID.String(),
		"dedup_key":    j.DedupKey,
		"type":         j.Type,
		"payload":      string(j.Payload),
		"state":        string(job.StatePending),
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"locked_by":    "",
		"last_error":   "",
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   now.Format(time.RFC3339Nano),
	}
}

func recordToJob(m map[string]string) (*job.Job, error) {
	id, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, err
	}

	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	j := &job.Job{
		ID:          id,
		DedupKey:    m["dedup_key"],
		Type:        m["type"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		RunAt:       runAt,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LockedBy:    m["locked_by"],
		LastError:   m["last_error"],
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if v := m["lease_expires_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.LeaseExpiresAt = &t
		}
	}
	if v := m["done_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			j.DoneAt = &t
		}
	}
	return j, nil
}
