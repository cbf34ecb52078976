/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithLogger sets the logger for the queue.
func WithLogger(l logr.Logger) RedisOption {
	return func(q *RedisQueue) { q.log = l }
}

// WithLockTTL sets how long a claimed job stays owned without a renewal.
func WithLockTTL(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.lockTTL = d }
}

// WithBlockTimeout bounds a single blocking pop so delayed and stalled jobs are
// checked regularly while the queue is idle.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.blockTimeout = d }
}

// WithRetention sets how long finished jobs and their logs are kept.
func WithRetention(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.retention = d }
}

// WithMaxLogLines caps the number of log lines kept per job.
func WithMaxLogLines(n int64) RedisOption {
	return func(q *RedisQueue) { q.maxLogLines = n }
}

// RedisQueue is a reliable list queue on Redis.
//
// Job ids move from the waiting list to the active list atomically (BLMOVE), so a
// job is never lost between claim and acknowledgement. Each claimed job holds a
// lock key renewed by Run; active jobs whose lock expired are moved back to
// waiting, which makes delivery at-least-once across worker crashes.
type RedisQueue struct {
	rdb          redis.UniversalClient
	prefix       string
	policy       Policy
	owner        string
	lockTTL      time.Duration
	blockTimeout time.Duration
	retention    time.Duration
	maxLogLines  int64
	log          logr.Logger
	now          func() time.Time

	mu       sync.Mutex
	held     map[string]struct{}
	suspects map[string]struct{}
	lastScan time.Time
}

var _ Broker = (*RedisQueue)(nil)

// NewRedisQueue creates a queue named name on rdb.
func NewRedisQueue(rdb redis.UniversalClient, name string, policy Policy, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		rdb:          rdb,
		prefix:       "moru:" + name,
		policy:       policy,
		owner:        uuid.NewString(),
		lockTTL:      30 * time.Second,
		blockTimeout: time.Second,
		retention:    24 * time.Hour,
		maxLogLines:  defaultMaxLogLines,
		log:          logr.Discard(),
		now:          time.Now,
		held:         make(map[string]struct{}),
		suspects:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) waitKey() string          { return q.prefix + ":wait" }
func (q *RedisQueue) activeKey() string        { return q.prefix + ":active" }
func (q *RedisQueue) delayedKey() string       { return q.prefix + ":delayed" }
func (q *RedisQueue) completedKey() string     { return q.prefix + ":completed" }
func (q *RedisQueue) deadKey() string          { return q.prefix + ":dead" }
func (q *RedisQueue) jobKey(id string) string  { return q.prefix + ":job:" + id }
func (q *RedisQueue) logKey(id string) string  { return q.prefix + ":job:" + id + ":logs" }
func (q *RedisQueue) lockKey(id string) string { return q.prefix + ":lock:" + id }

// Name identifies the lock keeper in the worker's module list.
func (q *RedisQueue) Name() string { return "queue-lock-keeper" }

// Enqueue stores the job and appends it to the waiting list in one transaction.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) (string, error) {
	id := uuid.NewString()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(id),
			"taskId", taskID,
			"state", string(StateWaiting),
			"enqueuedAt", q.now().UTC().Format(time.RFC3339Nano),
			"attempts", 0,
		)
		p.LPush(ctx, q.waitKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing task %s: %w", taskID, err)
	}
	return id, nil
}

// Claim blocks until a job can be moved to the active list or ctx is done.
func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDelayed(ctx); err != nil {
			q.log.Error(err, "failed to promote delayed jobs")
		}
		if err := q.recoverStalled(ctx); err != nil {
			q.log.Error(err, "failed to recover stalled jobs")
		}

		id, err := q.rdb.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		job, err := q.activate(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.log.Info("dropping job id without data", "jobID", id)
			q.rdb.LRem(ctx, q.activeKey(), 1, id)
			continue
		}
		return job, err
	}
}

func (q *RedisQueue) activate(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	q.held[id] = struct{}{}
	q.mu.Unlock()

	var fields *redis.MapStringStringCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.lockKey(id), q.owner, q.lockTTL)
		p.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
		p.HSet(ctx, q.jobKey(id), "state", string(StateActive))
		p.Del(ctx, q.logKey(id))
		fields = p.HGetAll(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		q.release(id)
		return nil, fmt.Errorf("activating job %s: %w", id, err)
	}
	job, err := parseJob(id, fields.Val())
	if err != nil {
		q.release(id)
		q.rdb.Del(ctx, q.lockKey(id), q.jobKey(id))
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) release(id string) {
	q.mu.Lock()
	delete(q.held, id)
	q.mu.Unlock()
}

// takeActive removes id from the active list. It fails with ErrNotActive when
// another worker has since recovered the job.
func (q *RedisQueue) takeActive(ctx context.Context, id string) error {
	q.release(id)
	owner, err := q.rdb.Get(ctx, q.lockKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reading lock of job %s: %w", id, err)
	}
	if err == nil && owner != q.owner {
		return ErrNotActive
	}
	n, err := q.rdb.LRem(ctx, q.activeKey(), 1, id).Result()
	if err != nil {
		return fmt.Errorf("removing job %s from active list: %w", id, err)
	}
	if n == 0 {
		exists, err := q.rdb.Exists(ctx, q.jobKey(id)).Result()
		if err == nil && exists == 0 {
			return ErrJobNotFound
		}
		return ErrNotActive
	}
	return nil
}

// Ack marks the job completed and schedules its data for expiry.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.takeActive(ctx, jobID); err != nil {
		return err
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(jobID),
			"state", string(StateCompleted),
			"finishedAt", q.now().UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, q.jobKey(jobID), q.retention)
		p.Expire(ctx, q.logKey(jobID), q.retention)
		p.Del(ctx, q.lockKey(jobID))
		p.LPush(ctx, q.completedKey(), jobID)
		p.LTrim(ctx, q.completedKey(), 0, 999)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledging job %s: %w", jobID, err)
	}
	return nil
}

// Fail delays the job for redelivery or moves it to the dead-letter list.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, cause error) error {
	attempts, err := q.rdb.HGet(ctx, q.jobKey(jobID), "attempts").Int()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("reading attempts of job %s: %w", jobID, err)
	}
	if err := q.takeActive(ctx, jobID); err != nil {
		return err
	}

	now := q.now()
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, q.lockKey(jobID))
		if q.policy.Exhausted(attempts) {
			p.HSet(ctx, q.jobKey(jobID),
				"state", string(StateDead),
				"lastError", errorMessage(cause),
				"finishedAt", now.UTC().Format(time.RFC3339Nano),
			)
			p.LPush(ctx, q.deadKey(), jobID)
			return nil
		}
		p.HSet(ctx, q.jobKey(jobID),
			"state", string(StateDelayed),
			"lastError", errorMessage(cause),
		)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(now.Add(q.policy.Delay(attempts)).UnixMilli()),
			Member: jobID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	return nil
}

// promoteDelayed moves delayed jobs whose retry time has passed back to waiting.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		// Only the caller whose ZREM succeeds requeues the job.
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
			p.LPush(ctx, q.waitKey(), id)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recoverStalled requeues active jobs whose lock has expired. A job must be seen
// without a lock on two consecutive scans, which covers the short window between
// BLMOVE and taking the lock.
func (q *RedisQueue) recoverStalled(ctx context.Context) error {
	q.mu.Lock()
	if q.now().Sub(q.lastScan) < q.lockTTL/2 {
		q.mu.Unlock()
		return nil
	}
	q.lastScan = q.now()
	q.mu.Unlock()

	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return err
	}

	next := make(map[string]struct{})
	for _, id := range ids {
		exists, err := q.rdb.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			continue
		}
		q.mu.Lock()
		_, suspected := q.suspects[id]
		q.mu.Unlock()
		if !suspected {
			next[id] = struct{}{}
			continue
		}

		n, err := q.rdb.LRem(ctx, q.activeKey(), 1, id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		q.log.Info("requeueing stalled job", "jobID", id)
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
			p.RPush(ctx, q.waitKey(), id)
			return nil
		})
		if err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.suspects = next
	q.mu.Unlock()
	return nil
}

// renewLockScript extends a lock only while it still names the caller as owner.
var renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Run renews the locks of jobs claimed by this process until ctx is done.
func (q *RedisQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.renewLocks(ctx)
		}
	}
}

func (q *RedisQueue) renewLocks(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.held))
	for id := range q.held {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		renewed, err := renewLockScript.Run(ctx, q.rdb, []string{q.lockKey(id)}, q.owner, q.lockTTL.Milliseconds()).Int()
		if err != nil {
			q.log.Error(err, "failed to renew job lock", "jobID", id)
			continue
		}
		if renewed == 0 {
			// The lock expired or was taken over after a stalled-job recovery.
			q.log.Info("lost lock on job", "jobID", id)
			q.release(id)
		}
	}
}

// AppendLog appends a line to the job's log, trimming to the newest lines.
func (q *RedisQueue) AppendLog(ctx context.Context, jobID, line string) error {
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, q.logKey(jobID), line)
		p.LTrim(ctx, q.logKey(jobID), -q.maxLogLines, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending log for job %s: %w", jobID, err)
	}
	return nil
}

// Logs returns the log lines of the job's latest delivery.
func (q *RedisQueue) Logs(ctx context.Context, jobID string) ([]string, error) {
	exists, err := q.rdb.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking job %s: %w", jobID, err)
	}
	if exists == 0 {
		return nil, ErrJobNotFound
	}
	lines, err := q.rdb.LRange(ctx, q.logKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading logs of job %s: %w", jobID, err)
	}
	return lines, nil
}

// Get loads a job by id.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return parseJob(jobID, fields)
}

// Stats counts jobs per list.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var waiting, active, delayed, completed, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.waitKey())
		active = p.LLen(ctx, q.activeKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		completed = p.LLen(ctx, q.completedKey())
		dead = p.LLen(ctx, q.deadKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func parseJob(id string, fields map[string]string) (*Job, error) {
	if len(fields) == 0 || fields["taskId"] == "" {
		return nil, ErrJobNotFound
	}
	job := &Job{
		ID:        id,
		TaskID:    fields["taskId"],
		State:     State(fields["state"]),
		LastError: fields["lastError"],
	}
	if v := fields["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing attempts of job %s: %w", id, err)
		}
		job.Attempt = n
	}
	if v := fields["enqueuedAt"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parsing enqueuedAt of job %s: %w", id, err)
		}
		job.EnqueuedAt = t
	}
	if v := fields["finishedAt"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parsing finishedAt of job %s: %w", id, err)
		}
		job.FinishedAt = &t
	}
	return job, nil
}
