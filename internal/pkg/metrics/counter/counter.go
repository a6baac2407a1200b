package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Ingestion outcome counter names.
const (
	Accepted         = "accepted"
	Duplicate        = "duplicate"
	InvalidSignature = "invalid_signature"
	BusinessFailure  = "business_failure"
	Retried          = "retried"
	DeadLettered     = "dead_lettered"
)

const (
	totalsKey      = "webhook:counters:totals"
	dailyKeyPrefix = "webhook:counters:daily:"
	dailyTTL       = 30 * 24 * time.Hour
)

// Names lists every counter in display order.
var Names = []string{Accepted, Duplicate, InvalidSignature, BusinessFailure, Retried, DeadLettered}

// Recorder keeps outcome counters in Redis hashes so they are shared by all instances.
type Recorder struct {
	client *redis.Client
	now    func() time.Time
}

func NewRecorder(client *redis.Client) *Recorder {
	return &Recorder{client: client, now: time.Now}
}

// Incr bumps the total and today's counter. Failures are logged only.
func (r *Recorder) Incr(ctx context.Context, name string) {
	daily := dailyKey(r.now())
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, totalsKey, name, 1)
	pipe.HIncrBy(ctx, daily, name, 1)
	pipe.Expire(ctx, daily, dailyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Debugf("[Counter] Failed to increment %s: %v", name, err)
	}
}

// Totals returns all-time counters; missing names read as zero.
func (r *Recorder) Totals(ctx context.Context) (map[string]int64, error) {
	return r.read(ctx, totalsKey)
}

// Day returns the counters for the UTC day containing t.
func (r *Recorder) Day(ctx context.Context, t time.Time) (map[string]int64, error) {
	return r.read(ctx, dailyKey(t))
}

func (r *Recorder) read(ctx context.Context, key string) (map[string]int64, error) {
	data, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(Names))
	for _, name := range Names {
		out[name] = 0
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func dailyKey(t time.Time) string {
	return dailyKeyPrefix + t.UTC().Format("2006-01-02")
}
