package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/internal/pkg/effects"
	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
	"github.com/ManuelReschke/payhook/internal/pkg/testredis"
)

const isolatedJobQueueTestRedisDB = 14

type scriptedProcessor struct {
	mu       sync.Mutex
	calls    int
	attempts int
	result   effects.Result
	err      error
}

func (p *scriptedProcessor) ProcessRetry(context.Context, string) (ingest.RetryOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.attempts++
	return ingest.RetryOutcome{Result: p.result, Attempts: p.attempts}, p.err
}

type memoryArchiver struct {
	archived []DeadLetter
}

func (a *memoryArchiver) ArchiveDeadLetter(_ context.Context, dl DeadLetter) error {
	a.archived = append(a.archived, dl)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, proc EventProcessor, cfg Config) (*Queue, *redis.Client, *testClock) {
	t.Helper()
	client := testredis.NewClient(t, isolatedJobQueueTestRedisDB)
	clock := &testClock{now: time.Now()}
	q := NewQueue(client, proc, cfg)
	q.now = clock.Now
	q.limiter.now = clock.Now
	return q, client, clock
}

func failedEvent(id string) *models.WebhookEvent {
	return &models.WebhookEvent{ID: id, OrganizationID: "org_1", DedupeKey: "psp_" + id}
}

// runDue promotes everything due and processes the ready list until empty.
func runDue(t *testing.T, ctx context.Context, q *Queue) int {
	t.Helper()
	_, err := q.PromoteDue(ctx)
	require.NoError(t, err)

	processed := 0
	for {
		n, err := q.client.LLen(ctx, JobQueueKey).Result()
		require.NoError(t, err)
		if n == 0 {
			return processed
		}
		job, err := q.dequeueJob(ctx)
		require.NoError(t, err)
		q.processJob(ctx, job)
		processed++
	}
}

func TestNewQueueDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	q := NewQueue(client, &scriptedProcessor{}, Config{})
	assert.Equal(t, DefaultWorkers, q.workers)
	assert.Equal(t, DefaultWorkers, cap(q.workerPool))
	assert.Equal(t, DefaultMaxRetries, q.cfg.MaxRetries)
	assert.Equal(t, int64(DefaultRateLimit), q.limiter.limit)
	assert.Equal(t, DefaultRateWindow, q.limiter.window)
	assert.False(t, q.running)
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 5, DefaultMaxRetries)
	assert.Equal(t, 5, DefaultWorkers)
	assert.Equal(t, 100, DefaultRateLimit)
	assert.Equal(t, time.Minute, DefaultRateWindow)
	assert.Equal(t, 7*24*time.Hour, DLQTTL)
}

func TestScheduleRetryIsKeyedByDedupeKey(t *testing.T) {
	q, client, _ := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()
	e := failedEvent("e1")

	require.NoError(t, q.ScheduleRetry(ctx, e, "down"))
	require.NoError(t, q.ScheduleRetry(ctx, e, "down again"))

	n, err := client.ZCard(ctx, JobDelayedKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.GetJob(ctx, RetryJobID("org_1", "psp_e1"))
	require.NoError(t, err)
	assert.Equal(t, "down", job.ErrorMsg)
	assert.Equal(t, 0, job.RetryCount)
}

func TestPromoteDueHonorsDelay(t *testing.T) {
	q, client, clock := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "down"))

	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(Backoff(1))
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, err := client.LLen(ctx, JobQueueKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
}

func TestRetrySuccessRemovesJob(t *testing.T) {
	proc := &scriptedProcessor{result: effects.Result{Success: true}}
	q, _, clock := newTestQueue(t, proc, Config{})
	ctx := context.Background()
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "down"))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, runDue(t, ctx, q))
	assert.Equal(t, 1, proc.calls)

	_, err := q.GetJob(ctx, RetryJobID("org_1", "psp_e1"))
	assert.ErrorIs(t, err, redis.Nil)

	// a later failure of the same event can be scheduled again
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "again"))
}

func TestRetryBudgetEndsInDeadLetter(t *testing.T) {
	proc := &scriptedProcessor{attempts: 1, result: effects.Result{ShouldRetry: true, Error: "ledger unavailable"}}
	q, client, clock := newTestQueue(t, proc, Config{})
	archiver := &memoryArchiver{}
	q.SetArchiver(archiver)
	ctx := context.Background()
	jobID := RetryJobID("org_1", "psp_e1")
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "ledger unavailable"))

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		score, err := client.ZScore(ctx, JobDelayedKey, jobID).Result()
		if err == redis.Nil {
			break
		}
		require.NoError(t, err)
		due := time.UnixMilli(int64(score))
		delays = append(delays, due.Sub(clock.Now()))
		clock.Advance(due.Sub(clock.Now()))
		runDue(t, ctx, q)
	}

	assert.Equal(t, DefaultMaxRetries, proc.calls)
	require.Len(t, delays, DefaultMaxRetries)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	dl, err := q.GetDeadLetter(ctx, "org_1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", dl.EventID)
	assert.Equal(t, 6, dl.Attempts)
	assert.Equal(t, "ledger unavailable", dl.LastError)

	ttl, err := client.TTL(ctx, DLQKeyPrefix+"e1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 6*24*time.Hour)

	require.Len(t, archiver.archived, 1)

	_, err = q.GetJob(ctx, jobID)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestPermanentFailureDuringRetryStops(t *testing.T) {
	proc := &scriptedProcessor{result: effects.Result{Error: "merchant missing"}}
	q, _, clock := newTestQueue(t, proc, Config{})
	ctx := context.Background()
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "down"))

	clock.Advance(time.Minute)
	runDue(t, ctx, q)
	clock.Advance(time.Hour)
	runDue(t, ctx, q)

	assert.Equal(t, 1, proc.calls)
	_, err := q.GetDeadLetter(ctx, "org_1", "e1")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
}

func scheduleMany(t *testing.T, ctx context.Context, q *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.ScheduleRetry(ctx, failedEvent(fmt.Sprintf("e%d", i)), "down"))
	}
}

func TestBusinessRetriesDoNotTripBreaker(t *testing.T) {
	proc := &scriptedProcessor{result: effects.Result{ShouldRetry: true, Error: "transaction txn_1 not found"}}
	q, client, clock := newTestQueue(t, proc, Config{})
	ctx := context.Background()
	scheduleMany(t, ctx, q, 12)

	clock.Advance(time.Minute)
	runDue(t, ctx, q)

	assert.Equal(t, 12, proc.calls)
	assert.Equal(t, gobreaker.StateClosed, q.breaker.State())

	// every job was rescheduled with one attempt consumed
	ids, err := client.ZRange(ctx, JobDelayedKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ids, 12)
	job, err := q.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
}

func TestStoreErrorsTripBreaker(t *testing.T) {
	proc := &scriptedProcessor{err: errors.New("database unavailable")}
	q, client, clock := newTestQueue(t, proc, Config{})
	ctx := context.Background()
	scheduleMany(t, ctx, q, 12)

	clock.Advance(time.Minute)
	runDue(t, ctx, q)

	assert.Equal(t, 10, proc.calls)
	assert.Equal(t, gobreaker.StateOpen, q.breaker.State())

	// jobs seen while open are delayed without consuming an attempt
	var untouched int
	ids, err := client.ZRange(ctx, JobDelayedKey, 0, -1).Result()
	require.NoError(t, err)
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		if job.RetryCount == 0 {
			untouched++
		}
	}
	assert.Equal(t, 2, untouched)
}

func TestRateLimitDelaysWithoutConsumingAttempt(t *testing.T) {
	proc := &scriptedProcessor{result: effects.Result{Success: true}}
	q, client, clock := newTestQueue(t, proc, Config{RateLimit: 1, RateWindow: time.Minute})
	ctx := context.Background()
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "down"))
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e2"), "down"))

	clock.Advance(10 * time.Second)
	runDue(t, ctx, q)
	assert.Equal(t, 1, proc.calls)

	delayed, err := client.ZCard(ctx, JobDelayedKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	ids, err := client.ZRange(ctx, JobDelayedKey, 0, -1).Result()
	require.NoError(t, err)
	job, err := q.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, job.RetryCount)

	clock.Advance(time.Minute)
	runDue(t, ctx, q)
	assert.Equal(t, 2, proc.calls)
}

func TestReplayDeadLetterHasPriority(t *testing.T) {
	q, client, _ := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()

	q.deadLetter(ctx, &Job{ID: RetryJobID("org_1", "psp_e1")}, DeadLetter{
		JobID: RetryJobID("org_1", "psp_e1"), EventID: "e1", DedupeKey: "psp_e1", OrganizationID: "org_1",
		Attempts: 6, LastError: "down", FailedAt: time.Now().UTC(),
	})
	require.NoError(t, client.LPush(ctx, JobQueueKey, "other-job").Err())

	_, err := q.ReplayDeadLetter(ctx, "org_2", "e1")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	dl, err := q.ReplayDeadLetter(ctx, "org_1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", dl.EventID)

	next, err := client.RPop(ctx, JobQueueKey).Result()
	require.NoError(t, err)
	assert.Equal(t, RetryJobID("org_1", "psp_e1"), next)

	job, err := q.GetJob(ctx, next)
	require.NoError(t, err)
	assert.True(t, job.Priority)
	assert.Equal(t, 0, job.RetryCount)

	_, err = q.GetDeadLetter(ctx, "org_1", "e1")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	n, err := client.ZCard(ctx, DLQIndexKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestListDeadLettersIsScoped(t *testing.T) {
	q, client, _ := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()
	base := time.Now().UTC()

	for i, org := range []string{"org_1", "org_2", "org_1"} {
		id := []string{"a", "b", "c"}[i]
		q.deadLetter(ctx, &Job{ID: id}, DeadLetter{JobID: id, EventID: id, OrganizationID: org, FailedAt: base.Add(time.Duration(i) * time.Second)})
	}
	// index entry whose data has expired
	require.NoError(t, client.ZAdd(ctx, DLQIndexKey, redis.Z{Score: float64(base.Unix()), Member: "gone"}).Err())

	list, err := q.ListDeadLetters(ctx, "org_1", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].EventID)
	assert.Equal(t, "a", list[1].EventID)

	_, err = client.ZScore(ctx, DLQIndexKey, "gone").Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestSweepStuckRequeuesOldJobs(t *testing.T) {
	q, client, clock := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()

	started := clock.Now().Add(-time.Hour)
	old := &Job{ID: "old", Status: JobStatusProcessing, ProcessedAt: &started, UpdatedAt: started}
	q.updateJob(ctx, old)
	recent := clock.Now()
	fresh := &Job{ID: "fresh", Status: JobStatusProcessing, ProcessedAt: &recent, UpdatedAt: recent}
	q.updateJob(ctx, fresh)
	require.NoError(t, client.LPush(ctx, JobProcessingKey, "old", "fresh", "orphan").Err())

	n, err := q.SweepStuck(ctx, DefaultStuckAge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processing, err := client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, processing)

	ready, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ready)
}

func TestStats(t *testing.T) {
	q, _, _ := newTestQueue(t, &scriptedProcessor{}, Config{})
	ctx := context.Background()
	require.NoError(t, q.ScheduleRetry(ctx, failedEvent("e1"), "down"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(0), stats.Ready)
	assert.Equal(t, int64(1), stats.Jobs[JobStatusRetrying])
	assert.Equal(t, "closed", stats.Breaker)
}
