package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
)

// SystemActor resolves alerts on behalf of the cleanup job.
const SystemActor = "system"

// Config holds detector thresholds. Zero values fall back to the defaults.
type Config struct {
	OrphanAge       time.Duration
	LinkAge         time.Duration
	LagAge          time.Duration
	LagAttempts     int
	HighLagAttempts int
	SessionAge      time.Duration
	Limit           int
	StaleAge        time.Duration
}

func (c Config) withDefaults() Config {
	if c.OrphanAge <= 0 {
		c.OrphanAge = 30 * time.Minute
	}
	if c.LinkAge <= 0 {
		c.LinkAge = time.Hour
	}
	if c.LagAge <= 0 {
		c.LagAge = 10 * time.Minute
	}
	if c.LagAttempts <= 0 {
		c.LagAttempts = 3
	}
	if c.HighLagAttempts <= 0 {
		c.HighLagAttempts = 5
	}
	if c.SessionAge <= 0 {
		c.SessionAge = 30 * time.Minute
	}
	if c.Limit <= 0 {
		c.Limit = 50
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 7 * 24 * time.Hour
	}
	return c
}

// RunResult summarizes one reconciliation pass.
type RunResult struct {
	Trigger    string            `json:"trigger"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Candidates map[string]int    `json:"candidates"`
	Created    map[string]int    `json:"created"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Engine runs the detectors. It only reads business aggregates and only
// writes alerts.
type Engine struct {
	alerts     repository.AlertRepository
	aggregates repository.AggregateRepository
	cfg        Config
	now        func() time.Time

	mu   sync.Mutex
	last *RunResult
}

func NewEngine(alerts repository.AlertRepository, aggregates repository.AggregateRepository, cfg Config) *Engine {
	return &Engine{
		alerts:     alerts,
		aggregates: aggregates,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

type detector struct {
	name string
	run  func(ctx context.Context, now time.Time) ([]*models.ReconciliationAlert, error)
}

func (e *Engine) detectors() []detector {
	return []detector{
		{string(models.AlertTypeOrphanedTransaction), e.detectOrphanedTransactions},
		{string(models.AlertTypeMissingPaymentLink), e.detectMissingSettlements},
		{string(models.AlertTypeWebhookDeliveryLag), e.detectDeliveryLag},
		{string(models.AlertTypeStatusMismatch), e.detectStatusMismatch},
	}
}

// Run executes every detector. A failing detector is recorded in the result
// and does not stop the others.
func (e *Engine) Run(ctx context.Context, trigger string) *RunResult {
	now := e.now()
	res := &RunResult{
		Trigger:    trigger,
		StartedAt:  now,
		Candidates: map[string]int{},
		Created:    map[string]int{},
		Errors:     map[string]string{},
	}

	for _, d := range e.detectors() {
		alerts, err := d.run(ctx, now)
		if err != nil {
			log.Errorf("[Reconcile] Detector %s failed: %v", d.name, err)
			res.Errors[d.name] = err.Error()
			continue
		}
		res.Candidates[d.name] = len(alerts)
		for _, a := range alerts {
			created, err := e.alerts.CreateIfNotExists(ctx, a)
			if err != nil {
				log.Errorf("[Reconcile] Failed to store alert %s: %v", a.ID, err)
				res.Errors[d.name] = err.Error()
				continue
			}
			if created {
				res.Created[d.name]++
			}
		}
	}

	res.Duration = e.now().Sub(now)
	log.Infof("[Reconcile] Run (%s) finished: candidates=%v created=%v errors=%d", trigger, res.Candidates, res.Created, len(res.Errors))

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()
	return res
}

// RunOnce runs one pass for the reconciliation queue. Detector errors are
// logged and never returned.
func (e *Engine) RunOnce(ctx context.Context, trigger string) error {
	e.Run(ctx, trigger)
	return nil
}

// LastResult returns the most recent run or nil.
func (e *Engine) LastResult() *RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// CleanupStale auto-resolves alerts left unresolved longer than StaleAge.
func (e *Engine) CleanupStale(ctx context.Context) (int64, error) {
	now := e.now()
	n, err := e.alerts.ResolveStale(ctx, now.Add(-e.cfg.StaleAge), repository.AlertResolution{
		By:   SystemActor,
		Type: models.ResolutionAutomatic,
		Note: fmt.Sprintf("auto-resolved after %s unresolved", e.cfg.StaleAge),
		At:   now,
	})
	if err != nil {
		return 0, fmt.Errorf("resolve stale alerts: %w", err)
	}
	return n, nil
}
