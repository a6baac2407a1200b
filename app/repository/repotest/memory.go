// Package repotest provides in-memory repository implementations for tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"gorm.io/gorm"
)

// WebhookEvents is an in-memory WebhookEventRepository honoring the
// (organization, dedupe key) constraint.
type WebhookEvents struct {
	mu     sync.Mutex
	rows   map[string]*models.WebhookEvent
	Now    func() time.Time
	Hidden bool // GetByDedupeKey misses on the first call, simulating a concurrent insert
	misses int
}

func NewWebhookEvents() *WebhookEvents {
	return &WebhookEvents{rows: map[string]*models.WebhookEvent{}, Now: time.Now}
}

// Put stores a row as-is.
func (r *WebhookEvents) Put(e *models.WebhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.rows[e.ID] = &cp
}

// Len returns the number of stored rows.
func (r *WebhookEvents) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *WebhookEvents) GetByID(_ context.Context, id string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *WebhookEvents) GetByDedupeKey(_ context.Context, orgID, key string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Hidden && r.misses == 0 {
		r.misses++
		return nil, gorm.ErrRecordNotFound
	}
	for _, e := range r.rows {
		if e.OrganizationID == orgID && e.DedupeKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *WebhookEvents) Create(_ context.Context, e *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.OrganizationID == e.OrganizationID && existing.DedupeKey == e.DedupeKey {
			return gorm.ErrDuplicatedKey
		}
	}
	now := r.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	r.rows[e.ID] = &cp
	return nil
}

func (r *WebhookEvents) SaveOutcome(_ context.Context, id string, o repository.EventOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := r.Now()
	e.Processed = o.Processed
	e.ProcessingAttempts = o.Attempts
	e.FailureReason = o.FailureReason
	e.LastAttemptAt = &now
	return nil
}

func (r *WebhookEvents) RecordAttempt(_ context.Context, id string, processed bool, reason *string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	now := r.Now()
	e.ProcessingAttempts++
	e.Processed = processed
	e.FailureReason = reason
	e.LastAttemptAt = &now
	return e.ProcessingAttempts, nil
}

func (r *WebhookEvents) ResetForReplay(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	e.Processed = false
	e.ProcessingAttempts = 0
	e.FailureReason = nil
	return nil
}

func (r *WebhookEvents) List(_ context.Context, f repository.EventFilter) (*repository.EventPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range r.rows {
		if e.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Processed != nil && e.Processed != *f.Processed {
			continue
		}
		if f.Verified != nil && e.Verified != *f.Verified {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	page := &repository.EventPage{Total: int64(len(out))}
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	page.Events = out
	return page, nil
}

// Alerts is an in-memory AlertRepository.
type Alerts struct {
	mu   sync.Mutex
	rows map[string]*models.ReconciliationAlert
	Now  func() time.Time
}

func NewAlerts() *Alerts {
	return &Alerts{rows: map[string]*models.ReconciliationAlert{}, Now: time.Now}
}

func (r *Alerts) Put(a *models.ReconciliationAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.rows[a.ID] = &cp
}

func (r *Alerts) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *Alerts) CreateIfNotExists(_ context.Context, a *models.ReconciliationAlert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[a.ID]; ok {
		return false, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.Now()
	}
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.rows[a.ID] = &cp
	return true, nil
}

func (r *Alerts) GetByID(_ context.Context, id string) (*models.ReconciliationAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Alerts) List(_ context.Context, f repository.AlertFilter) ([]models.ReconciliationAlert, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReconciliationAlert
	for _, a := range r.rows {
		if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Type != "" && string(a.Type) != f.Type {
			continue
		}
		if f.Severity != "" && string(a.Severity) != f.Severity {
			continue
		}
		if f.Resolved != nil && a.Resolved != *f.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (r *Alerts) Resolve(_ context.Context, id string, res repository.AlertResolution) (*models.ReconciliationAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if !a.Resolved {
		resolve(a, res, r.Now())
	}
	cp := *a
	return &cp, nil
}

func (r *Alerts) ResolveStale(_ context.Context, before time.Time, res repository.AlertResolution) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.rows {
		if !a.Resolved && a.CreatedAt.Before(before) {
			resolve(a, res, r.Now())
			n++
		}
	}
	return n, nil
}

func resolve(a *models.ReconciliationAlert, res repository.AlertResolution, now time.Time) {
	at := res.At
	if at.IsZero() {
		at = now
	}
	a.Resolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = res.By
	a.ResolutionType = res.Type
	if res.Note != "" {
		a.ResolutionNote = res.Note
	}
}

// Aggregates is a canned AggregateRepository. Err* fields force a detector failure.
type Aggregates struct {
	Orphaned      []models.Transaction
	Links         []models.PaymentLink
	Lagging       []models.WebhookEvent
	Sessions      []models.CheckoutSession
	ErrOrphaned   error
	ErrLinks      error
	ErrLagging    error
	ErrSessions   error
	LastLagLimit  int
	LastLagBefore time.Time
}

func (a *Aggregates) FindOrphanedTransactions(context.Context, time.Time, int) ([]models.Transaction, error) {
	return a.Orphaned, a.ErrOrphaned
}

func (a *Aggregates) FindCompletedLinksWithoutTransaction(context.Context, time.Time, int) ([]models.PaymentLink, error) {
	return a.Links, a.ErrLinks
}

func (a *Aggregates) FindLaggingWebhookEvents(_ context.Context, _ int, before time.Time, limit int) ([]models.WebhookEvent, error) {
	a.LastLagLimit = limit
	a.LastLagBefore = before
	return a.Lagging, a.ErrLagging
}

func (a *Aggregates) FindCompletedSessionsWithoutTransactions(context.Context, time.Time, int) ([]models.CheckoutSession, error) {
	return a.Sessions, a.ErrSessions
}

// Ledger is an in-memory LedgerRepository keyed like the unique indexes:
// transactions by (organization, provider reference), verifications by
// (organization, merchant).
type Ledger struct {
	mu            sync.Mutex
	Transactions  map[string]*models.Transaction
	Links         map[string]*models.PaymentLink
	Sessions      map[string]*models.CheckoutSession
	Verifications map[string]*models.MerchantVerification
}

func NewLedger() *Ledger {
	return &Ledger{
		Transactions:  map[string]*models.Transaction{},
		Links:         map[string]*models.PaymentLink{},
		Sessions:      map[string]*models.CheckoutSession{},
		Verifications: map[string]*models.MerchantVerification{},
	}
}

// TransactionCount returns the number of stored transactions.
func (l *Ledger) TransactionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Transactions)
}

func (l *Ledger) UpsertTransaction(_ context.Context, txn *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.Transactions {
		if existing.OrganizationID == txn.OrganizationID && existing.ProviderReference == txn.ProviderReference {
			txn.ID = existing.ID
		}
	}
	cp := *txn
	l.Transactions[txn.ID] = &cp
	return nil
}

func (l *Ledger) FindTransaction(_ context.Context, orgID, idOrRef string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.Transactions {
		if t.OrganizationID == orgID && (t.ID == idOrRef || t.ProviderReference == idOrRef) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (l *Ledger) UpdateTransaction(_ context.Context, id string, updates map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.Transactions[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if score, ok := updates["fraud_score"].(int); ok {
		t.FraudScore = &score
	}
	if status, ok := updates["status"].(string); ok {
		t.Status = status
	}
	if code, ok := updates["failure_code"].(string); ok {
		t.FailureCode = &code
	}
	if review, ok := updates["fraud_review"].(bool); ok {
		t.FraudReview = review
	}
	return nil
}

func (l *Ledger) LinkPaymentLink(_ context.Context, orgID, linkID, txnID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	link, ok := l.Links[linkID]
	if !ok || link.OrganizationID != orgID {
		return gorm.ErrRecordNotFound
	}
	link.TransactionID = &txnID
	link.Status = models.PaymentLinkStatusCompleted
	link.CompletedAt = &at
	return nil
}

func (l *Ledger) CompleteCheckoutSession(_ context.Context, orgID, sessionID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.Sessions[sessionID]
	if !ok || s.OrganizationID != orgID {
		return gorm.ErrRecordNotFound
	}
	s.Status = models.CheckoutSessionStatusCompleted
	s.CompletedAt = &at
	return nil
}

func (l *Ledger) UpsertMerchantVerification(_ context.Context, mv *models.MerchantVerification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *mv
	l.Verifications[mv.OrganizationID+"/"+mv.MerchantID] = &cp
	return nil
}
