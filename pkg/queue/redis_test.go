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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueue_DelayedRetryWaitsForBackoff(t *testing.T) {
	q, _ := newRedisQueue(t, Policy{MaxAttempts: 3, Backoff: time.Minute})
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, q, time.Second)
	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)

	require.NoError(t, q.promoteDelayed(ctx))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting, "job must not be redelivered before its backoff")
	assert.Equal(t, int64(1), stats.Delayed)

	now = now.Add(time.Minute + time.Second)
	job := claimWithin(t, q, time.Second)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempt)
}

func TestRedisQueue_RecoversStalledJob(t *testing.T) {
	ttl := 10 * time.Second
	crashed, mr := newRedisQueue(t, DefaultPolicy(), WithLockTTL(ttl))
	ctx := context.Background()

	id, err := crashed.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, crashed, time.Second)
	assert.True(t, mr.Exists(crashed.lockKey(id)))

	// The claiming worker dies: its lock is never renewed and expires.
	mr.FastForward(ttl + time.Second)
	require.False(t, mr.Exists(crashed.lockKey(id)))

	survivor := NewRedisQueue(crashed.rdb, "tasks", DefaultPolicy(), WithLockTTL(ttl), WithBlockTimeout(time.Second))
	now := time.Now()
	survivor.now = func() time.Time { return now }

	require.NoError(t, survivor.recoverStalled(ctx))
	stats, err := survivor.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active, "first scan only marks the job as suspect")

	now = now.Add(ttl)
	require.NoError(t, survivor.recoverStalled(ctx))
	stats, err = survivor.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)

	job := claimWithin(t, survivor, time.Second)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempt, "a recovered job is delivered again")

	assert.ErrorIs(t, crashed.Ack(ctx, id), ErrNotActive, "the stale owner can no longer acknowledge")
	require.NoError(t, survivor.Ack(ctx, id))
}

func TestRedisQueue_LockedJobIsNotRecovered(t *testing.T) {
	q, _ := newRedisQueue(t, DefaultPolicy(), WithLockTTL(10*time.Second))
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, q, time.Second)

	for range 3 {
		now = now.Add(10 * time.Second)
		require.NoError(t, q.recoverStalled(ctx))
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
}

func TestRedisQueue_RenewLocks(t *testing.T) {
	ttl := 10 * time.Second
	q, mr := newRedisQueue(t, DefaultPolicy(), WithLockTTL(ttl))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, q, time.Second)

	mr.FastForward(ttl - time.Second)
	q.renewLocks(ctx)
	assert.Equal(t, ttl, mr.TTL(q.lockKey(id)))

	require.NoError(t, q.Ack(ctx, id))
	assert.False(t, mr.Exists(q.lockKey(id)))
	q.mu.Lock()
	assert.Empty(t, q.held)
	q.mu.Unlock()
}

func TestRedisQueue_StaleOwnerCannotRenewRecoveredJob(t *testing.T) {
	ttl := 10 * time.Second
	paused, mr := newRedisQueue(t, DefaultPolicy(), WithLockTTL(ttl))
	ctx := context.Background()

	id, err := paused.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, paused, time.Second)

	mr.FastForward(ttl + time.Second)

	survivor := NewRedisQueue(paused.rdb, "tasks", DefaultPolicy(), WithLockTTL(ttl), WithBlockTimeout(time.Second))
	now := time.Now()
	survivor.now = func() time.Time { return now }
	require.NoError(t, survivor.recoverStalled(ctx))
	now = now.Add(ttl)
	require.NoError(t, survivor.recoverStalled(ctx))
	claimWithin(t, survivor, time.Second)

	// The paused worker wakes up and tries to keep its lock alive.
	paused.renewLocks(ctx)
	owner, err := mr.Get(survivor.lockKey(id))
	require.NoError(t, err)
	assert.Equal(t, survivor.owner, owner, "renewal must not take the lock back")
	paused.mu.Lock()
	assert.Empty(t, paused.held, "a lost lock is no longer renewed")
	paused.mu.Unlock()

	require.NoError(t, survivor.Ack(ctx, id))
	assert.ErrorIs(t, paused.Ack(ctx, id), ErrNotActive)

	got, err := survivor.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestRedisQueue_RunStopsOnCancel(t *testing.T) {
	q, _ := newRedisQueue(t, DefaultPolicy(), WithLockTTL(30*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRedisQueue_LogsAreTrimmed(t *testing.T) {
	q, _ := newRedisQueue(t, DefaultPolicy(), WithMaxLogLines(3))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, q.AppendLog(ctx, id, fmt.Sprintf("line %d", i)))
	}
	lines, err := q.Logs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, lines)
}

func TestRedisQueue_AckSetsRetention(t *testing.T) {
	q, mr := newRedisQueue(t, DefaultPolicy(), WithRetention(time.Hour))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)
	claimWithin(t, q, time.Second)
	require.NoError(t, q.AppendLog(ctx, id, "done"))
	require.NoError(t, q.Ack(ctx, id))

	assert.Equal(t, time.Hour, mr.TTL(q.jobKey(id)))
	assert.Equal(t, time.Hour, mr.TTL(q.logKey(id)))
}

func TestRedisQueue_OrphanIDIsDropped(t *testing.T) {
	q, mr := newRedisQueue(t, DefaultPolicy())
	ctx := context.Background()

	_, err := mr.Lpush(q.waitKey(), "ghost")
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, "t1")
	require.NoError(t, err)

	job := claimWithin(t, q, time.Second)
	assert.Equal(t, id, job.ID)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
}
