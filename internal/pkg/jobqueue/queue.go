package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
	"github.com/ManuelReschke/payhook/internal/pkg/metrics/counter"
)

const (
	// Redis keys
	JobKeyPrefix     = "webhook:job:"
	JobQueueKey      = "webhook:retry:ready"
	JobDelayedKey    = "webhook:retry:delayed"
	JobProcessingKey = "webhook:retry:processing"
	JobStatsKey      = "webhook:retry:stats"

	// Job settings
	DefaultMaxRetries = 5
	DefaultWorkers    = 5
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours

	promoteBatch = 100
)

// ErrJobExists is returned when a retry for the same event is already queued.
var ErrJobExists = errors.New("retry job already queued")

// EventProcessor re-applies a stored event's business effect.
type EventProcessor interface {
	ProcessRetry(ctx context.Context, eventID string) (ingest.RetryOutcome, error)
}

// Archiver keeps dead letters beyond their Redis TTL.
type Archiver interface {
	ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error
}

// Config tunes the retry queue
type Config struct {
	Workers    int
	MaxRetries int
	RateLimit  int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	return c
}

// Queue retries failed webhook events using Redis lists, a delayed ZSET and a
// bounded worker pool.
type Queue struct {
	client     *redis.Client
	processor  EventProcessor
	limiter    *RateLimiter
	breaker    *gobreaker.CircuitBreaker[ingest.RetryOutcome]
	archiver   Archiver
	stats      ingest.StatsRecorder
	cfg        Config
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	now        func() time.Time
}

// NewQueue creates a new retry queue
func NewQueue(client *redis.Client, processor EventProcessor, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		client:     client,
		processor:  processor,
		limiter:    NewRateLimiter(client, cfg.RateLimit, cfg.RateWindow),
		cfg:        cfg,
		workers:    cfg.Workers,
		workerPool: make(chan struct{}, cfg.Workers),
		stopCh:     make(chan struct{}),
		stats:      nopStats{},
		now:        time.Now,
	}
	q.breaker = gobreaker.NewCircuitBreaker[ingest.RetryOutcome](gobreaker.Settings{
		Name:        "webhook-retry",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[JobQueue] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return q
}

type nopStats struct{}

func (nopStats) Incr(context.Context, string) {}

// SetArchiver enables long-term dead-letter archiving
func (q *Queue) SetArchiver(a Archiver) {
	q.archiver = a
}

func (q *Queue) SetStats(s ingest.StatsRecorder) {
	if s != nil {
		q.stats = s
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()

	// Drain the pool so a later Start begins from an empty channel
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Debugf("[JobQueue] Worker %d processing job %s (attempt %d)", id, job.ID, job.RetryCount+1)
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// ScheduleRetry queues the first retry for a failed event. A second call for
// the same event while a job exists is a no-op.
func (q *Queue) ScheduleRetry(ctx context.Context, event *models.WebhookEvent, lastError string) error {
	now := q.now()
	job := &Job{
		ID:     RetryJobID(event.OrganizationID, event.DedupeKey),
		Type:   JobTypeWebhookRetry,
		Status: JobStatusRetrying,
		Payload: WebhookRetryJobPayload{
			EventID:        event.ID,
			DedupeKey:      event.DedupeKey,
			OrganizationID: event.OrganizationID,
		}.ToMap(),
		CreatedAt:  now,
		UpdatedAt:  now,
		ErrorMsg:   lastError,
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetries,
	}
	err := q.createJob(ctx, job, Backoff(1))
	if errors.Is(err, ErrJobExists) {
		log.Debugf("[JobQueue] Retry for %s already queued", job.ID)
		return nil
	}
	return err
}

// createJob stores the job only if its key is free, then delays it.
func (q *Queue) createJob(ctx context.Context, job *Job, delay time.Duration) error {
	due := q.now().Add(delay)
	job.NextRunAt = &due

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := q.client.SetNX(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if !created {
		return ErrJobExists
	}

	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Scheduled job %s in %s", job.ID, delay)
	return nil
}

// delayJob moves a known job back into the delayed set
func (q *Queue) delayJob(ctx context.Context, job *Job, delay time.Duration) {
	due := q.now().Add(delay)
	job.MarkAsRetrying(due)
	q.updateJob(ctx, job)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
	pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to delay job %s: %v", job.ID, err)
	}
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// PromoteDue moves delayed jobs whose time has come onto the ready list
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{JobDelayedKey, JobQueueKey},
		strconv.FormatInt(q.now().UnixMilli(), 10), promoteBatch).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debugf("[JobQueue] Promoted %d delayed jobs", n)
	}
	return n, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data missing or invalid, drop it from processing
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	return job, nil
}

// processJob runs one retry attempt and decides what happens next
func (q *Queue) processJob(ctx context.Context, job *Job) {
	payload, err := WebhookRetryJobPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorf("[JobQueue] Job %s has invalid payload: %v", job.ID, err)
		q.removeCompletedJob(ctx, job.ID)
		q.removeFromProcessing(ctx, job.ID)
		return
	}

	allowed, wait, err := q.limiter.Allow(ctx)
	if err != nil {
		log.Warnf("[JobQueue] Rate limiter unavailable, continuing: %v", err)
	}
	if !allowed {
		// over budget; the attempt is not consumed
		log.Debugf("[JobQueue] Rate limit reached, delaying job %s by %s", job.ID, wait)
		q.delayJob(ctx, job, wait)
		return
	}

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	// only store errors count toward the breaker; a retryable business
	// result such as an out-of-order delivery does not
	outcome, err := q.breaker.Execute(func() (ingest.RetryOutcome, error) {
		return q.processor.ProcessRetry(ctx, payload.EventID)
	})

	var lastErr string
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		log.Warnf("[JobQueue] Circuit open, delaying job %s", job.ID)
		q.delayJob(ctx, job, Backoff(job.RetryCount+1))
		return
	case err != nil:
		lastErr = err.Error()
	case outcome.Result.Success:
		log.Infof("[JobQueue] Job %s completed (event %s, attempts %d)", job.ID, payload.EventID, outcome.Attempts)
		q.complete(ctx, job, JobStatusCompleted)
		return
	case !outcome.Result.ShouldRetry:
		// skipped, or a permanent failure already recorded on the event
		log.Infof("[JobQueue] Job %s finished without retry: %s", job.ID, outcome.Result.Error)
		q.complete(ctx, job, JobStatusFailed)
		return
	default:
		lastErr = outcome.Result.Error
	}
	job.MarkAsFailed(lastErr)

	if job.IsRetryable() {
		delay := Backoff(job.RetryCount + 1)
		log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d) in %s", job.ID, job.RetryCount, job.MaxRetries, delay)
		q.stats.Incr(ctx, counter.Retried)
		q.delayJob(ctx, job, delay)
		return
	}

	attempts := outcome.Attempts
	if attempts == 0 {
		attempts = job.RetryCount + 1
	}
	q.deadLetter(ctx, job, DeadLetter{
		JobID:          job.ID,
		EventID:        payload.EventID,
		DedupeKey:      payload.DedupeKey,
		OrganizationID: payload.OrganizationID,
		Attempts:       attempts,
		LastError:      lastErr,
		FailedAt:       q.now().UTC(),
	})
}

func (q *Queue) complete(ctx context.Context, job *Job, status JobStatus) {
	job.MarkAsCompleted()
	q.updateJobStats(ctx, status, 1)
	q.updateJobStats(ctx, JobStatusRetrying, -1)
	q.removeCompletedJob(ctx, job.ID)
	q.removeFromProcessing(ctx, job.ID)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a finished job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// QueueStats is a point-in-time view of the retry queue
type QueueStats struct {
	Ready       int64               `json:"ready"`
	Delayed     int64               `json:"delayed"`
	Processing  int64               `json:"processing"`
	DeadLetters int64               `json:"dead_letters"`
	Jobs        map[JobStatus]int64 `json:"jobs"`
	Breaker     string              `json:"breaker"`
}

// Stats returns queue sizes and job status counters
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, JobQueueKey)
	delayed := pipe.ZCard(ctx, JobDelayedKey)
	processing := pipe.LLen(ctx, JobProcessingKey)
	dead := pipe.ZCard(ctx, DLQIndexKey)
	raw := pipe.HGetAll(ctx, JobStatsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	jobs := make(map[JobStatus]int64)
	for status, count := range raw.Val() {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			jobs[JobStatus(status)] = n
		}
	}

	return &QueueStats{
		Ready:       ready.Val(),
		Delayed:     delayed.Val(),
		Processing:  processing.Val(),
		DeadLetters: dead.Val(),
		Jobs:        jobs,
		Breaker:     q.breaker.State().String(),
	}, nil
}
