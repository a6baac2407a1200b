package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ReconcileQueueKey   = "reconcile:queue"
	ReconcilePendingKey = "reconcile:pending"
	ReconcileLockKey    = "reconcile:lock"
	ReconcileLockTTL    = 10 * time.Minute
	reconcilePendingTTL = time.Hour
)

// ReconcileRunner executes one reconciliation pass.
type ReconcileRunner interface {
	RunOnce(ctx context.Context, trigger string) error
}

// ReconcileQueue serializes reconciliation runs. At most one trigger waits in
// the queue and at most one run holds the lock across all instances.
type ReconcileQueue struct {
	client  *redis.Client
	runner  ReconcileRunner
	owner   string
	lockTTL time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewReconcileQueue(client *redis.Client, runner ReconcileRunner) *ReconcileQueue {
	return &ReconcileQueue{
		client:  client,
		runner:  runner,
		owner:   uuid.NewString(),
		lockTTL: ReconcileLockTTL,
		stopCh:  make(chan struct{}),
	}
}

// Trigger queues a run. It returns false when a trigger is already pending.
func (r *ReconcileQueue) Trigger(ctx context.Context, source string) (bool, error) {
	ok, err := r.client.SetNX(ctx, ReconcilePendingKey, source, reconcilePendingTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debugf("[Reconcile] Trigger from %s coalesced with pending run", source)
		return false, nil
	}
	if err := r.client.LPush(ctx, ReconcileQueueKey, source).Err(); err != nil {
		r.client.Del(ctx, ReconcilePendingKey)
		return false, err
	}
	return true, nil
}

// Start launches the single consumer.
func (r *ReconcileQueue) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.running = true
	r.wg.Add(1)
	go r.consume()
}

func (r *ReconcileQueue) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
	r.wg.Wait()
}

func (r *ReconcileQueue) consume() {
	defer r.wg.Done()
	ctx := context.Background()
	log.Info("[Reconcile] Consumer started")

	for {
		select {
		case <-r.stopCh:
			log.Info("[Reconcile] Consumer stopping")
			return
		default:
		}

		res, err := r.client.BRPop(ctx, time.Second, ReconcileQueueKey).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[Reconcile] Dequeue error: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}
		source := res[1]

		if err := r.ProcessTrigger(ctx, source); err != nil {
			log.Errorf("[Reconcile] Run from %s failed: %v", source, err)
		}
	}
}

// ProcessTrigger runs one reconciliation under the distributed lock. When
// another instance holds the lock the trigger is put back.
func (r *ReconcileQueue) ProcessTrigger(ctx context.Context, source string) error {
	acquired, err := r.client.SetNX(ctx, ReconcileLockKey, r.owner, r.lockTTL).Result()
	if err != nil {
		return err
	}
	if !acquired {
		// wait for the in-flight run instead of running beside it
		if err := r.client.RPush(ctx, ReconcileQueueKey, source).Err(); err != nil {
			return err
		}
		time.Sleep(time.Second)
		return nil
	}
	defer r.release(ctx)

	// a new trigger may queue while this one runs
	r.client.Del(ctx, ReconcilePendingKey)

	stopRefresh := r.keepLock(ctx)
	started := time.Now()
	err = r.runner.RunOnce(ctx, source)
	stopRefresh()
	log.Infof("[Reconcile] Run from %s finished in %s", source, time.Since(started).Round(time.Millisecond))
	return err
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// keepLock extends the lock every third of its TTL until the returned
// function is called.
func (r *ReconcileQueue) keepLock(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				kept, err := refreshScript.Run(ctx, r.client, []string{ReconcileLockKey}, r.owner, r.lockTTL.Milliseconds()).Int()
				if err != nil {
					log.Errorf("[Reconcile] Failed to refresh lock: %v", err)
				} else if kept == 0 {
					log.Warn("[Reconcile] Lock lost during run")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *ReconcileQueue) release(ctx context.Context) {
	if err := releaseScript.Run(ctx, r.client, []string{ReconcileLockKey}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		log.Errorf("[Reconcile] Failed to release lock: %v", err)
	}
}

// Pending reports whether a trigger is waiting.
func (r *ReconcileQueue) Pending(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, ReconcilePendingKey).Result()
	return n > 0, err
}
