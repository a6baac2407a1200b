package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// DefaultStuckAge is how long a job may sit in processing before it is recovered
const DefaultStuckAge = 10 * time.Minute

// SweepStuck requeues jobs stuck in processing for longer than maxAge, which
// happens when a worker dies mid-job.
func (q *Queue) SweepStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := q.now()
	recovered := 0
	for _, id := range ids {
		data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
		if err != nil {
			// Job data missing; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		var job Job
		if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
			log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}

		// Determine when processing started
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if started.IsZero() {
			started = job.CreatedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s, age=%s", job.ID, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, &job)
		// Move from processing back to pending
		_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
		_ = q.client.RPush(ctx, JobQueueKey, id).Err()
		recovered++
	}
	return recovered, nil
}
