// Package scheduler implements deferred, replaceable jobs on Redis. A job is
// identified by a key; scheduling the same key again replaces the earlier
// fire time and payload. The dormancy check after each order relies on this:
// every new order pushes the user's single pending check further out.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cohortd/cohortd/internal/clock"
)

// Redis layout: one sorted set ordering job keys by fire time, one hash
// holding the payload per job key.
const (
	scheduleKey = "cohortd:schedule"
	payloadKey  = "cohortd:schedule:payloads"
)

// Job is a claimed due job.
type Job struct {
	Key     string
	Payload []byte
}

// JobStore is the deferred job contract.
type JobStore interface {
	// ScheduleAt registers the job to fire at the given time, replacing any
	// pending job with the same key.
	ScheduleAt(ctx context.Context, key string, payload []byte, at time.Time) error

	// Cancel removes a pending job. Missing jobs are not an error.
	Cancel(ctx context.Context, key string) error

	// ClaimDue atomically removes and returns up to limit jobs whose fire
	// time has passed. A claimed job fires exactly once per claim; handler
	// failure re-schedules it explicitly.
	ClaimDue(ctx context.Context, limit int64) ([]Job, error)
}

// Compile-time check to verify that RedisJobStore implements JobStore.
var _ JobStore = (*RedisJobStore)(nil)

// RedisJobStore is the JobStore backed by a Redis sorted set.
type RedisJobStore struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisJobStore creates a job store over the given Redis client.
func NewRedisJobStore(client *redis.Client, clk clock.Clock) *RedisJobStore {
	if client == nil {
		panic("scheduler: redis client cannot be nil")
	}
	if clk == nil {
		panic("scheduler: clock cannot be nil")
	}
	return &RedisJobStore{client: client, clock: clk}
}

// ScheduleAt registers or replaces the job atomically.
func (s *RedisJobStore) ScheduleAt(ctx context.Context, key string, payload []byte, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(at.UnixMilli()), Member: key})
	pipe.HSet(ctx, payloadKey, key, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", key, err)
	}
	return nil
}

// Cancel removes the pending job.
func (s *RedisJobStore) Cancel(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, scheduleKey, key)
	pipe.HDel(ctx, payloadKey, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel job %q: %w", key, err)
	}
	return nil
}

// claimScript pops due jobs with their payloads in one atomic step. A
// concurrent ScheduleAt therefore either lands before the claim, where its
// fire time decides whether it is due, or after it, where it stays pending.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, key in ipairs(due) do
	redis.call('ZREM', KEYS[1], key)
	out[#out+1] = key
	out[#out+1] = redis.call('HGET', KEYS[2], key) or ''
	redis.call('HDEL', KEYS[2], key)
end
return out
`)

// ClaimDue pops due jobs. The scripted remove is the claim: with competing
// workers each job lands in exactly one claim batch.
func (s *RedisJobStore) ClaimDue(ctx context.Context, limit int64) ([]Job, error) {
	now := s.clock.Now().UnixMilli()

	vals, err := claimScript.Run(ctx, s.client, []string{scheduleKey, payloadKey}, now, limit).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	return jobsFromClaimReply(vals)
}

// jobsFromClaimReply decodes the script's alternating key/payload reply.
func jobsFromClaimReply(vals []interface{}) ([]Job, error) {
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("malformed claim reply: %d values", len(vals))
	}

	jobs := make([]Job, 0, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		key, ok := vals[i].(string)
		if !ok {
			return nil, fmt.Errorf("malformed claim reply: key at index %d is %T", i, vals[i])
		}

		var payload []byte
		switch p := vals[i+1].(type) {
		case string:
			if p != "" {
				payload = []byte(p)
			}
		case nil:
		default:
			return nil, fmt.Errorf("malformed claim reply: payload for job %q is %T", key, vals[i+1])
		}

		jobs = append(jobs, Job{Key: key, Payload: payload})
	}

	return jobs, nil
}
