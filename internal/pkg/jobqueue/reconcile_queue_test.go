package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/payhook/internal/pkg/testredis"
)

type countingRunner struct {
	mu       sync.Mutex
	runs     []string
	active   int
	maxInUse int
	delay    time.Duration
}

func (r *countingRunner) RunOnce(_ context.Context, trigger string) error {
	r.mu.Lock()
	r.active++
	if r.active > r.maxInUse {
		r.maxInUse = r.active
	}
	r.runs = append(r.runs, trigger)
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return nil
}

func (r *countingRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func TestReconcileTriggerCoalesces(t *testing.T) {
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	rq := NewReconcileQueue(client, &countingRunner{})
	ctx := context.Background()

	queued, err := rq.Trigger(ctx, "schedule")
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = rq.Trigger(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, queued)

	n, err := client.LLen(ctx, ReconcileQueueKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconcileProcessTriggerRunsUnderLock(t *testing.T) {
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	runner := &countingRunner{}
	rq := NewReconcileQueue(client, runner)
	ctx := context.Background()

	_, err := rq.Trigger(ctx, "manual")
	require.NoError(t, err)

	require.NoError(t, rq.ProcessTrigger(ctx, "manual"))
	assert.Equal(t, []string{"manual"}, runner.Runs())

	pending, err := rq.Pending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	exists, err := client.Exists(ctx, ReconcileLockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "lock must be released")
}

type lockObservingRunner struct {
	client *redis.Client
	delay  time.Duration
	owner  string
}

func (r *lockObservingRunner) RunOnce(ctx context.Context, _ string) error {
	time.Sleep(r.delay)
	owner, err := r.client.Get(ctx, ReconcileLockKey).Result()
	if err != nil {
		return err
	}
	r.owner = owner
	return nil
}

func TestReconcileLockOutlivesItsTTLDuringLongRun(t *testing.T) {
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	runner := &lockObservingRunner{client: client, delay: time.Second}
	rq := NewReconcileQueue(client, runner)
	rq.lockTTL = 300 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, rq.ProcessTrigger(ctx, "scheduled"))
	assert.Equal(t, rq.owner, runner.owner)

	exists, err := client.Exists(ctx, ReconcileLockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestReconcileWaitsForInFlightRun(t *testing.T) {
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	runner := &countingRunner{}
	rq := NewReconcileQueue(client, runner)
	ctx := context.Background()

	// another instance holds the lock
	require.NoError(t, client.Set(ctx, ReconcileLockKey, "other-instance", time.Minute).Err())

	require.NoError(t, rq.ProcessTrigger(ctx, "manual"))
	assert.Empty(t, runner.Runs())

	requeued, err := client.LRange(ctx, ReconcileQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"manual"}, requeued)

	// a foreign lock is not released by this instance
	owner, err := client.Get(ctx, ReconcileLockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-instance", owner)
}

func TestReconcileConsumerNeverOverlaps(t *testing.T) {
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	runner := &countingRunner{delay: 200 * time.Millisecond}
	rq := NewReconcileQueue(client, runner)
	ctx := context.Background()

	rq.Start()
	defer rq.Stop()

	_, err := rq.Trigger(ctx, "schedule")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pending, err := rq.Pending(ctx)
		return err == nil && !pending
	}, 5*time.Second, 10*time.Millisecond)

	queued, err := rq.Trigger(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, queued)

	require.Eventually(t, func() bool { return len(runner.Runs()) == 2 }, 5*time.Second, 20*time.Millisecond)
	runner.mu.Lock()
	assert.Equal(t, 1, runner.maxInUse)
	runner.mu.Unlock()
}
