// Package queue is the Redis broker side of the job pipeline. Only job ids
// and their priority live here; the job record itself is in Postgres.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-platform/internal/config"
)

// ErrUnknownPriority is returned for a priority no worker consumes.
var ErrUnknownPriority = errors.New("unknown priority queue")

// keyspace names every redis key the queue touches.
type keyspace struct {
	ns  string
	dlq string
}

func (k keyspace) ready(priority string) string { return k.ns + ":ready:" + priority }
func (k keyspace) leases() string               { return k.ns + ":leases" }
func (k keyspace) delayed() string              { return k.ns + ":delayed" }
func (k keyspace) meta(jobID string) string     { return k.ns + ":job:" + jobID }

// RedisQueue keeps one ready list per priority, a lease ZSET scored by the
// visibility deadline, a delayed ZSET scored by run time, and a dead-letter list.
type RedisQueue struct {
	rdb        *redis.Client
	keys       keyspace
	priorities []string
	lease      time.Duration
}

// NewClient opens a redis client for the configured broker.
func NewClient(b config.Broker) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     b.Addr(),
		Password: b.Password,
		DB:       b.DB,
	})
}

// NewRedisQueue builds a queue on top of an existing client. Priorities are
// consumed in the order configured.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	q := &RedisQueue{
		rdb:        client,
		keys:       keyspace{ns: "jobs", dlq: cfg.DLQName},
		priorities: cfg.PriorityQueues,
		lease:      cfg.VisibilityTimeout,
	}
	if len(q.priorities) == 0 {
		q.priorities = []string{"default"}
	}
	if q.lease <= 0 {
		q.lease = 30 * time.Second
	}
	if q.keys.dlq == "" {
		q.keys.dlq = "jobs:dead"
	}
	return q
}

func (q *RedisQueue) priority(p string) (string, error) {
	if p == "" {
		p = "default"
	}
	if !slices.Contains(q.priorities, p) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, p)
	}
	return p, nil
}

// tx runs fn inside MULTI/EXEC so readers never observe a half-applied move.
func (q *RedisQueue) tx(ctx context.Context, op, jobID string, fn func(redis.Pipeliner)) error {
	if _, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(p)
		return nil
	}); err != nil {
		return fmt.Errorf("%s %s: %w", op, jobID, err)
	}
	return nil
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}

// Enqueue makes a job ready now, or delays it until runAt. It returns once
// redis has acknowledged the write.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	p, err := q.priority(priority)
	if err != nil {
		return err
	}
	return q.tx(ctx, "enqueue", jobID, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.keys.meta(jobID), "priority", p)
		if runAt.After(time.Now()) {
			pipe.ZAdd(ctx, q.keys.delayed(), redis.Z{Score: score(runAt), Member: jobID})
			return
		}
		pipe.RPush(ctx, q.keys.ready(p), jobID)
	})
}

// Retry drops the lease and delays the job until runAt, even when runAt has
// already passed; the next promotion makes it ready.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	p, err := q.priority(priority)
	if err != nil {
		return err
	}
	return q.tx(ctx, "schedule retry", jobID, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.keys.leases(), jobID)
		pipe.HSet(ctx, q.keys.meta(jobID), "priority", p)
		pipe.ZAdd(ctx, q.keys.delayed(), redis.Z{Score: score(runAt), Member: jobID})
	})
}

// PromoteScheduled makes due delayed jobs ready and reports how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.reclaim(ctx, q.keys.delayed(), now, limit)
	return len(ids), err
}

// RequeueExpired returns jobs whose lease ran out to their ready list and
// reports their ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.reclaim(ctx, q.keys.leases(), now, limit)
}

// reclaim moves up to limit members of set that are due by now. A member is
// pushed only by the caller whose ZREM removed it, so concurrent workers never
// duplicate a job.
func (q *RedisQueue) reclaim(ctx context.Context, set string, now time.Time, limit int64) ([]string, error) {
	due, err := q.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", set, err)
	}

	var moved []string
	for _, id := range due {
		ok, err := moveScript.Run(ctx, q.rdb, []string{set, q.keys.ready(q.priorityOf(ctx, id))}, id).Bool()
		if err != nil {
			return moved, fmt.Errorf("move %s: %w", id, err)
		}
		if ok {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

// priorityOf falls back to the least urgent list when the meta hash is gone.
func (q *RedisQueue) priorityOf(ctx context.Context, jobID string) string {
	p, err := q.rdb.HGet(ctx, q.keys.meta(jobID), "priority").Result()
	if err != nil || !slices.Contains(q.priorities, p) {
		return q.priorities[len(q.priorities)-1]
	}
	return p
}

// DequeueWithLease takes the head of the most urgent non-empty ready list and
// leases it for the visibility timeout. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.keys.ready(p))
	}
	keys = append(keys, q.keys.leases())

	jobID, err := dequeueScript.Run(ctx, q.rdb, keys, time.Now().Add(q.lease).UnixMilli()).Text()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return jobID, nil
}

// ExtendLease moves the visibility deadline to now+extension. A lease that
// was already released stays released.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	z := redis.Z{Score: score(time.Now().Add(extension)), Member: jobID}
	if err := q.rdb.ZAddXX(ctx, q.keys.leases(), z).Err(); err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return nil
}

// Ack forgets a finished job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.tx(ctx, "ack", jobID, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.keys.leases(), jobID)
		pipe.Del(ctx, q.keys.meta(jobID))
	})
}

// Cancel withdraws a job from whichever list or set holds it.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	return q.tx(ctx, "cancel", jobID, func(pipe redis.Pipeliner) {
		for _, p := range q.priorities {
			pipe.LRem(ctx, q.keys.ready(p), 0, jobID)
		}
		pipe.ZRem(ctx, q.keys.leases(), jobID)
		pipe.ZRem(ctx, q.keys.delayed(), jobID)
		pipe.Del(ctx, q.keys.meta(jobID))
	})
}

// DeadLetter drops the lease and appends the id to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string) error {
	return q.tx(ctx, "dead letter", jobID, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.keys.leases(), jobID)
		pipe.Del(ctx, q.keys.meta(jobID))
		pipe.RPush(ctx, q.keys.dlq, jobID)
	})
}

// DLQPeek returns up to count dead-lettered ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, q.keys.dlq, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dlq: %w", err)
	}
	return ids, nil
}

// DLQRemove drops ids from the dead-letter list once their rows are reaped.
func (q *RedisQueue) DLQRemove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.LRem(ctx, q.keys.dlq, 0, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim dlq: %w", err)
	}
	return nil
}

// ReadyDepth is the number of jobs waiting across every ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	keys := make([]string, len(q.priorities))
	for i, p := range q.priorities {
		keys[i] = q.keys.ready(p)
	}
	n, err := depthScript.Run(ctx, q.rdb, keys).Int64()
	if err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	return n, nil
}

// InFlight is the number of leased jobs across all workers.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.keys.leases()).Result()
	if err != nil {
		return 0, fmt.Errorf("inflight count: %w", err)
	}
	return n, nil
}

// KEYS: ready lists in priority order, then the lease set. ARGV[1]: deadline.
var dequeueScript = redis.NewScript(`
local leases = KEYS[#KEYS]
for i = 1, #KEYS - 1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', leases, ARGV[1], id)
    return id
  end
end
return false
`)

var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var depthScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
  n = n + redis.call('LLEN', KEYS[i])
end
return n
`)
