package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// AlertCleaner auto-resolves stale reconciliation alerts.
type AlertCleaner interface {
	CleanupStale(ctx context.Context) (int64, error)
}

// ManagerConfig holds the background intervals
type ManagerConfig struct {
	ReconcileInterval time.Duration
	CleanupInterval   time.Duration
	PromoteInterval   time.Duration
	SweepInterval     time.Duration
	StuckAge          time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StuckAge <= 0 {
		c.StuckAge = DefaultStuckAge
	}
	return c
}

// Manager manages the retry queue, the reconciliation queue and the
// recurring schedule that feeds them
type Manager struct {
	queue           *Queue
	reconcile       *ReconcileQueue
	cleaner         AlertCleaner
	cfg             ManagerConfig
	reconcileTicker *time.Ticker
	cleanupTicker   *time.Ticker
	promoteTicker   *time.Ticker
	sweepTicker     *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager creates a manager. reconcile and cleaner may be nil.
func NewManager(queue *Queue, reconcile *ReconcileQueue, cleaner AlertCleaner, cfg ManagerConfig) *Manager {
	return &Manager{
		queue:     queue,
		reconcile: reconcile,
		cleaner:   cleaner,
		cfg:       cfg.withDefaults(),
		stopCh:    make(chan struct{}),
	}
}

// GetQueue returns the managed retry queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the queues and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()
	if m.reconcile != nil {
		m.reconcile.Start()
	}

	m.promoteTicker = time.NewTicker(m.cfg.PromoteInterval)
	m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
	m.wg.Add(2)
	go m.loop("promoter", m.promoteTicker, m.promoteOnce)
	go m.loop("sweeper", m.sweepTicker, m.sweepOnce)

	if m.reconcile != nil {
		m.reconcileTicker = time.NewTicker(m.cfg.ReconcileInterval)
		m.wg.Add(1)
		go m.loop("reconcile scheduler", m.reconcileTicker, func(ctx context.Context) {
			m.triggerReconcile(ctx, "schedule")
		})
	}
	if m.cleaner != nil {
		m.cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)
		m.wg.Add(1)
		go m.loop("alert cleanup", m.cleanupTicker, m.cleanupOnce)
	}

	log.Infof("[JobQueue Manager] Started (reconcile every %s, cleanup every %s)", m.cfg.ReconcileInterval, m.cfg.CleanupInterval)
}

// Stop stops the background tasks and then the queues
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	for _, t := range []*time.Ticker{m.promoteTicker, m.sweepTicker, m.reconcileTicker, m.cleanupTicker} {
		if t != nil {
			t.Stop()
		}
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	if m.reconcile != nil {
		m.reconcile.Stop()
	}
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) loop(name string, ticker *time.Ticker, fn func(ctx context.Context)) {
	defer m.wg.Done()
	stopCh := m.stopCh
	ctx := context.Background()
	log.Debugf("[JobQueue Manager] Started %s", name)

	for {
		select {
		case <-stopCh:
			log.Debugf("[JobQueue Manager] %s stopping", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) promoteOnce(ctx context.Context) {
	if _, err := m.queue.PromoteDue(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Promote error: %v", err)
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	if n, err := m.queue.SweepStuck(ctx, m.cfg.StuckAge); err != nil {
		log.Errorf("[JobQueue Manager] Sweeper error: %v", err)
	} else if n > 0 {
		log.Warnf("[JobQueue Manager] Recovered %d stuck jobs", n)
	}
}

func (m *Manager) cleanupOnce(ctx context.Context) {
	n, err := m.cleaner.CleanupStale(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Alert cleanup error: %v", err)
	} else if n > 0 {
		log.Infof("[JobQueue Manager] Auto-resolved %d stale alerts", n)
	}
	if pruned, err := m.queue.PruneDeadLetters(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Dead-letter prune error: %v", err)
	} else if pruned > 0 {
		log.Infof("[JobQueue Manager] Pruned %d expired dead letters", pruned)
	}
}

func (m *Manager) triggerReconcile(ctx context.Context, source string) {
	queued, err := m.reconcile.Trigger(ctx, source)
	if err != nil {
		log.Errorf("[JobQueue Manager] Failed to trigger reconciliation: %v", err)
		return
	}
	if !queued {
		log.Debugf("[JobQueue Manager] Reconciliation already pending, %s trigger skipped", source)
	}
}

// TriggerReconciliation queues an on-demand run. It returns false when a run
// is already pending.
func (m *Manager) TriggerReconciliation(ctx context.Context, source string) (bool, error) {
	if m.reconcile == nil {
		return false, nil
	}
	return m.reconcile.Trigger(ctx, source)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
