package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/payhook/internal/pkg/metrics/counter"
)

const (
	DLQKeyPrefix = "webhook:dlq:"
	DLQIndexKey  = "webhook:dlq:index"
	DLQTTL       = 7 * 24 * time.Hour
)

// ErrDeadLetterNotFound is returned for unknown, expired or foreign dead letters.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// deadLetter parks an exhausted job. The event row is left untouched.
func (q *Queue) deadLetter(ctx context.Context, job *Job, dl DeadLetter) {
	data, err := json.Marshal(dl)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal dead letter for %s: %v", dl.EventID, err)
		return
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, DLQKeyPrefix+dl.EventID, data, DLQTTL)
	pipe.ZAdd(ctx, DLQIndexKey, redis.Z{Score: float64(dl.FailedAt.Unix()), Member: dl.EventID})
	pipe.Del(ctx, JobKeyPrefix+job.ID)
	pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusDead), 1)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter event %s: %v", dl.EventID, err)
		return
	}

	job.MarkAsDead()
	q.stats.Incr(ctx, counter.DeadLettered)
	log.Warnf("[JobQueue] Event %s dead-lettered after %d attempts: %s", dl.EventID, dl.Attempts, dl.LastError)

	if q.archiver != nil {
		if err := q.archiver.ArchiveDeadLetter(ctx, dl); err != nil {
			log.Errorf("[JobQueue] Failed to archive dead letter %s: %v", dl.EventID, err)
		}
	}
}

// GetDeadLetter loads a dead letter scoped to organizationID.
func (q *Queue) GetDeadLetter(ctx context.Context, organizationID, eventID string) (*DeadLetter, error) {
	data, err := q.client.Get(ctx, DLQKeyPrefix+eventID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := json.Unmarshal([]byte(data), &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if organizationID != "" && dl.OrganizationID != organizationID {
		return nil, ErrDeadLetterNotFound
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters newest first. Index entries whose data
// has expired are dropped on the way.
func (q *Queue) ListDeadLetters(ctx context.Context, organizationID string, offset, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, DLQIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, limit)
	skipped := 0
	for _, id := range ids {
		dl, err := q.GetDeadLetter(ctx, organizationID, id)
		if errors.Is(err, ErrDeadLetterNotFound) {
			if exists, _ := q.client.Exists(ctx, DLQKeyPrefix+id).Result(); exists == 0 {
				q.client.ZRem(ctx, DLQIndexKey, id)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *dl)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReplayDeadLetter re-enqueues the event ahead of normal retries and removes
// the dead letter. The retry still goes through the pipeline's checks.
func (q *Queue) ReplayDeadLetter(ctx context.Context, organizationID, eventID string) (*DeadLetter, error) {
	dl, err := q.GetDeadLetter(ctx, organizationID, eventID)
	if err != nil {
		return nil, err
	}

	now := q.now()
	job := &Job{
		ID:     dl.JobID,
		Type:   JobTypeWebhookRetry,
		Status: JobStatusPending,
		Payload: WebhookRetryJobPayload{
			EventID:        dl.EventID,
			DedupeKey:      dl.DedupeKey,
			OrganizationID: dl.OrganizationID,
		}.ToMap(),
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.cfg.MaxRetries,
		Priority:   true,
	}
	if job.ID == "" {
		job.ID = RetryJobID(dl.OrganizationID, dl.DedupeKey)
	}
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := q.client.SetNX(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrJobExists
	}

	pipe := q.client.TxPipeline()
	// workers pop from the right, so RPUSH is served next
	pipe.RPush(ctx, JobQueueKey, job.ID)
	pipe.Del(ctx, DLQKeyPrefix+dl.EventID)
	pipe.ZRem(ctx, DLQIndexKey, dl.EventID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusDead), -1)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to replay dead letter: %w", err)
	}

	log.Infof("[JobQueue] Dead letter %s re-enqueued with priority", dl.EventID)
	return dl, nil
}

// PruneDeadLetters drops index entries older than the retention window.
func (q *Queue) PruneDeadLetters(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-DLQTTL).Unix()
	return q.client.ZRemRangeByScore(ctx, DLQIndexKey, "-inf", strconv.FormatInt(cutoff, 10)).Result()
}
