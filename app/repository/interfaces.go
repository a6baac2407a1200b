package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"gorm.io/gorm"
)

// WebhookEventRepository persists inbound notifications. Create must surface a
// unique violation on (organization_id, dedupe_key) as gorm.ErrDuplicatedKey.
type WebhookEventRepository interface {
	GetByID(ctx context.Context, id string) (*models.WebhookEvent, error)
	GetByDedupeKey(ctx context.Context, organizationID, dedupeKey string) (*models.WebhookEvent, error)
	Create(ctx context.Context, event *models.WebhookEvent) error
	SaveOutcome(ctx context.Context, id string, outcome EventOutcome) error
	RecordAttempt(ctx context.Context, id string, processed bool, failureReason *string) (int, error)
	ResetForReplay(ctx context.Context, id string) error
	List(ctx context.Context, filter EventFilter) (*EventPage, error)
}

// EventOutcome is the terminal-or-not result of one handling pass.
type EventOutcome struct {
	Processed     bool
	Attempts      int
	FailureReason *string
}

// EventFilter narrows admin event listings. OrganizationID is mandatory.
type EventFilter struct {
	OrganizationID string
	Provider       string
	EventType      string
	Processed      *bool
	Verified       *bool
	From           *time.Time
	To             *time.Time
	Offset         int
	Limit          int
	Cursor         string
}

type EventPage struct {
	Events     []models.WebhookEvent `json:"events"`
	Total      int64                 `json:"total"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// AlertRepository stores reconciliation alerts. Alerts are never deleted.
type AlertRepository interface {
	CreateIfNotExists(ctx context.Context, alert *models.ReconciliationAlert) (bool, error)
	GetByID(ctx context.Context, id string) (*models.ReconciliationAlert, error)
	List(ctx context.Context, filter AlertFilter) ([]models.ReconciliationAlert, int64, error)
	Resolve(ctx context.Context, id string, resolution AlertResolution) (*models.ReconciliationAlert, error)
	ResolveStale(ctx context.Context, createdBefore time.Time, resolution AlertResolution) (int64, error)
}

type AlertFilter struct {
	OrganizationID string
	Type           string
	Severity       string
	Resolved       *bool
	Offset         int
	Limit          int
}

type AlertResolution struct {
	By   string
	Type string
	Note string
	At   time.Time
}

// AggregateRepository is the read-only view over business aggregates used by
// reconciliation detectors. Every method is capped by limit.
type AggregateRepository interface {
	FindOrphanedTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error)
	FindCompletedLinksWithoutTransaction(ctx context.Context, completedBefore time.Time, limit int) ([]models.PaymentLink, error)
	FindLaggingWebhookEvents(ctx context.Context, minAttempts int, createdBefore time.Time, limit int) ([]models.WebhookEvent, error)
	FindCompletedSessionsWithoutTransactions(ctx context.Context, completedBefore time.Time, limit int) ([]models.CheckoutSession, error)
}

// LedgerRepository is the write side used by the default business-effect handlers.
type LedgerRepository interface {
	UpsertTransaction(ctx context.Context, txn *models.Transaction) error
	FindTransaction(ctx context.Context, organizationID, idOrReference string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, updates map[string]interface{}) error
	LinkPaymentLink(ctx context.Context, organizationID, linkID, transactionID string, completedAt time.Time) error
	CompleteCheckoutSession(ctx context.Context, organizationID, sessionID string, completedAt time.Time) error
	UpsertMerchantVerification(ctx context.Context, mv *models.MerchantVerification) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	WebhookEvent WebhookEventRepository
	Alert        AlertRepository
	Aggregate    AggregateRepository
	Ledger       LedgerRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		WebhookEvent: NewWebhookEventRepository(db),
		Alert:        NewAlertRepository(db),
		Aggregate:    NewAggregateRepository(db),
		Ledger:       NewLedgerRepository(db),
	}
}
