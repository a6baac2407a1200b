package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"gorm.io/gorm"
)

type aggregateRepository struct {
	db *gorm.DB
}

// NewAggregateRepository creates the read-only reconciliation view.
func NewAggregateRepository(db *gorm.DB) AggregateRepository {
	return &aggregateRepository{db: db}
}

// FindOrphanedTransactions returns completed or processing transactions that
// cannot be resolved to a payment link.
func (r *aggregateRepository) FindOrphanedTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Table("transactions AS t").
		Select("t.*").
		Joins("LEFT JOIN payment_links pl ON pl.id = t.payment_link_id").
		Where("t.status IN ?", []string{models.TransactionStatusCompleted, models.TransactionStatusProcessing}).
		Where("t.created_at < ?", createdBefore).
		Where("t.payment_link_id IS NULL OR t.payment_link_id = '' OR pl.id IS NULL").
		Order("t.created_at ASC").
		Limit(limit).
		Scan(&txns).Error
	return txns, err
}

func (r *aggregateRepository) FindCompletedLinksWithoutTransaction(ctx context.Context, completedBefore time.Time, limit int) ([]models.PaymentLink, error) {
	var links []models.PaymentLink
	err := r.db.WithContext(ctx).
		Where("status = ?", models.PaymentLinkStatusCompleted).
		Where("completed_at IS NOT NULL AND completed_at < ?", completedBefore).
		Where("transaction_id IS NULL OR transaction_id = ''").
		Order("completed_at ASC").
		Limit(limit).
		Find(&links).Error
	return links, err
}

func (r *aggregateRepository) FindLaggingWebhookEvents(ctx context.Context, minAttempts int, createdBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND processing_attempts >= ? AND created_at < ?", false, minAttempts, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *aggregateRepository) FindCompletedSessionsWithoutTransactions(ctx context.Context, completedBefore time.Time, limit int) ([]models.CheckoutSession, error) {
	var sessions []models.CheckoutSession
	err := r.db.WithContext(ctx).
		Table("checkout_sessions AS cs").
		Select("cs.*").
		Where("cs.status = ?", models.CheckoutSessionStatusCompleted).
		Where("cs.completed_at IS NOT NULL AND cs.completed_at < ?", completedBefore).
		Where("NOT EXISTS (SELECT 1 FROM transactions t WHERE t.checkout_session_id = cs.id)").
		Order("cs.completed_at ASC").
		Limit(limit).
		Scan(&sessions).Error
	return sessions, err
}
