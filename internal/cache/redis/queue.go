package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scheduleKey is the sorted set of registered state keys, scored by the unix
// millisecond at which each key is next due. The set itself is the durable
// job registry: keys survive process restarts in Redis, and the recovery
// bootstrapper re-registers from the position store regardless, which is safe
// because registration is idempotent.
const scheduleKey = "trail:sched"

// claimLua atomically collects the due members and pushes their scores one
// interval ahead, so concurrent dispatchers never hand the same key to two
// workers and a crashed worker loses at most one period, not the job.
const claimLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, k in ipairs(due) do
    redis.call('ZADD', KEYS[1], ARGV[3], k)
end
return due
`

// JobQueue is the durable recurring-job registry behind the primary
// scheduler. One member per non-terminal state key; each claim reschedules
// the key one interval ahead, giving at-least-once tick execution per period.
type JobQueue struct {
	rdb     *redis.Client
	claimSc *redis.Script
}

// NewJobQueue creates a JobQueue backed by the given Client.
func NewJobQueue(c *Client) *JobQueue {
	return &JobQueue{
		rdb:     c.Underlying(),
		claimSc: redis.NewScript(claimLua),
	}
}

// Add registers a state key as due at the given time. Re-adding an existing
// key simply moves its due time, so registration is idempotent.
func (q *JobQueue) Add(ctx context.Context, stateKey string, due time.Time) error {
	member := redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: stateKey,
	}
	if err := q.rdb.ZAdd(ctx, scheduleKey, member).Err(); err != nil {
		return fmt.Errorf("redis: add job %s: %w", stateKey, err)
	}
	return nil
}

// Remove deletes a state key from the registry. Removing an unknown key is a
// no-op.
func (q *JobQueue) Remove(ctx context.Context, stateKey string) error {
	if err := q.rdb.ZRem(ctx, scheduleKey, stateKey).Err(); err != nil {
		return fmt.Errorf("redis: remove job %s: %w", stateKey, err)
	}
	return nil
}

// Claim returns up to limit keys due at or before now and atomically
// reschedules each of them interval ahead.
func (q *JobQueue) Claim(ctx context.Context, now time.Time, limit int, interval time.Duration) ([]string, error) {
	next := now.Add(interval)

	res, err := q.claimSc.Run(ctx, q.rdb,
		[]string{scheduleKey},
		now.UnixMilli(), limit, next.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis: claim due jobs: %w", err)
	}
	return res, nil
}

// Len reports the number of registered keys.
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, scheduleKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: job count: %w", err)
	}
	return n, nil
}
