// Package queue is a Redis-backed build job queue with at-least-once delivery.
//
// Layout under the configured prefix:
//
//	wait        list of job ids waiting for a consumer
//	active      list of job ids claimed by a consumer
//	job:<id>    JSON payload
//	lock:<id>   consumer token, expires unless renewed
//	stalled:<id> number of times the job was recovered from a dead consumer
//	marker      wake-up list for idle consumers
//
// A job is claimed by moving it from wait to active and setting its lock in one
// script. An active job whose lock expired belonged to a crashed consumer and is
// moved back to wait by the stall checker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/domain"
)

// ErrDuplicate is returned when a job with the same build id is already queued.
var ErrDuplicate = errors.New("queue: job already queued")

var enqueueScript = redis.NewScript(`
local jobKey = ARGV[1] .. "job:" .. ARGV[2]
if redis.call("EXISTS", jobKey) == 1 then
	return 0
end
redis.call("SET", jobKey, ARGV[3])
redis.call("LPUSH", ARGV[1] .. "wait", ARGV[2])
redis.call("LPUSH", ARGV[1] .. "marker", "1")
redis.call("LTRIM", ARGV[1] .. "marker", 0, 0)
return 1
`)

var claimScript = redis.NewScript(`
local id = redis.call("RPOPLPUSH", ARGV[1] .. "wait", ARGV[1] .. "active")
if not id then
	return false
end
redis.call("SET", ARGV[1] .. "lock:" .. id, ARGV[2], "PX", ARGV[3])
local payload = redis.call("GET", ARGV[1] .. "job:" .. id)
if not payload then
	redis.call("LREM", ARGV[1] .. "active", 1, id)
	redis.call("DEL", ARGV[1] .. "lock:" .. id)
	return {id, ""}
end
return {id, payload}
`)

var extendScript = redis.NewScript(`
local lockKey = ARGV[1] .. "lock:" .. ARGV[2]
if redis.call("GET", lockKey) == ARGV[3] then
	return redis.call("PEXPIRE", lockKey, ARGV[4])
end
return 0
`)

var completeScript = redis.NewScript(`
redis.call("LREM", ARGV[1] .. "active", 1, ARGV[2])
redis.call("DEL", ARGV[1] .. "job:" .. ARGV[2], ARGV[1] .. "lock:" .. ARGV[2], ARGV[1] .. "stalled:" .. ARGV[2])
return 1
`)

// Returns the payloads of jobs dropped for exceeding the stall budget followed
// by the number of requeued jobs as the last element.
var stalledScript = redis.NewScript(`
local prefix = ARGV[1]
local maxStalled = tonumber(ARGV[2])
local ids = redis.call("LRANGE", prefix .. "active", 0, -1)
local dropped = {}
local requeued = 0
for _, id in ipairs(ids) do
	if redis.call("EXISTS", prefix .. "lock:" .. id) == 0 then
		redis.call("LREM", prefix .. "active", 1, id)
		local count = redis.call("INCR", prefix .. "stalled:" .. id)
		if count > maxStalled then
			local payload = redis.call("GET", prefix .. "job:" .. id)
			if payload then
				table.insert(dropped, payload)
			end
			redis.call("DEL", prefix .. "job:" .. id, prefix .. "stalled:" .. id)
		else
			redis.call("RPUSH", prefix .. "wait", id)
			requeued = requeued + 1
		end
	end
end
table.insert(dropped, tostring(requeued))
return dropped
`)

// Options tunes lock and stall handling.
type Options struct {
	// LockDuration is how long a claim survives without a heartbeat.
	LockDuration time.Duration
	// StalledInterval is how often active jobs are checked for expired locks.
	StalledInterval time.Duration
	// MaxStalledCount is how many recoveries a job gets before it is dropped.
	MaxStalledCount int
	// IdleWait bounds how long an idle consumer blocks before polling again.
	IdleWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockDuration <= 0 {
		o.LockDuration = 60 * time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 60 * time.Second
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = 1
	}
	if o.IdleWait <= 0 {
		o.IdleWait = 5 * time.Second
	}
	return o
}

// Queue enqueues and consumes build jobs.
type Queue struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	logger *slog.Logger
}

// New returns a Queue storing keys under "<name>:".
func New(client redis.UniversalClient, name string, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, prefix: name + ":", opts: opts.withDefaults(), logger: logger}
}

// Enqueue stores the job and makes it visible to consumers. The build id is the
// job id, so enqueuing the same build twice returns ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, job domain.BuildJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client, nil, q.prefix, job.BuildID, string(payload)).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.BuildID, err)
	}
	if added == 0 {
		return ErrDuplicate
	}
	return nil
}

// Counts reports the number of waiting and active jobs.
func (q *Queue) Counts(ctx context.Context) (waiting, active int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.LLen(ctx, q.prefix+"wait")
	a := pipe.LLen(ctx, q.prefix+"active")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return w.Val(), a.Val(), nil
}

// claimed is a job held by this consumer.
type claimed struct {
	id      string
	token   string
	payload string
}

func (q *Queue) claim(ctx context.Context, token string) (*claimed, error) {
	res, err := claimScript.Run(ctx, q.client, nil, q.prefix, token, q.opts.LockDuration.Milliseconds()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	return &claimed{id: id, token: token, payload: payload}, nil
}

func (q *Queue) extend(ctx context.Context, c *claimed) (bool, error) {
	n, err := extendScript.Run(ctx, q.client, nil, q.prefix, c.id, c.token, q.opts.LockDuration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *Queue) complete(ctx context.Context, id string) error {
	return completeScript.Run(ctx, q.client, nil, q.prefix, id).Err()
}

// RecoverStalled moves jobs whose consumer died back to wait and returns the
// jobs dropped for exceeding MaxStalledCount.
func (q *Queue) RecoverStalled(ctx context.Context) (requeued int, dropped []domain.BuildJob, err error) {
	res, err := stalledScript.Run(ctx, q.client, nil, q.prefix, q.opts.MaxStalledCount).StringSlice()
	if err != nil {
		return 0, nil, err
	}
	if len(res) == 0 {
		return 0, nil, nil
	}
	requeued, err = strconv.Atoi(res[len(res)-1])
	if err != nil {
		return 0, nil, fmt.Errorf("unexpected stall reply: %w", err)
	}
	for _, payload := range res[:len(res)-1] {
		var job domain.BuildJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error("decode dropped job", "error", err)
			continue
		}
		dropped = append(dropped, job)
	}
	return requeued, dropped, nil
}

func (q *Queue) waitForWork(ctx context.Context) {
	err := q.client.BLPop(ctx, q.opts.IdleWait, q.prefix+"marker").Err()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		q.logger.Warn("queue idle wait failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(q.opts.IdleWait):
		}
	}
}
