package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates the ledger write repository.
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// UpsertTransaction inserts or updates by (organization_id, provider_reference)
// and reloads txn so its ID reflects the stored row.
func (r *ledgerRepository) UpsertTransaction(ctx context.Context, txn *models.Transaction) error {
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization_id"}, {Name: "provider_reference"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "amount", "currency", "merchant_id", "payment_link_id", "checkout_session_id", "updated_at",
		}),
	}).Create(txn).Error
	if err != nil {
		return err
	}
	return db.Where("organization_id = ? AND provider_reference = ?", txn.OrganizationID, txn.ProviderReference).First(txn).Error
}

// FindTransaction resolves a transaction by primary id or provider reference.
func (r *ledgerRepository) FindTransaction(ctx context.Context, organizationID, idOrReference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND (id = ? OR provider_reference = ?)", organizationID, idOrReference, idOrReference).
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *ledgerRepository) UpdateTransaction(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ledgerRepository) LinkPaymentLink(ctx context.Context, organizationID, linkID, transactionID string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.PaymentLink{}).
		Where("id = ? AND organization_id = ?", linkID, organizationID).
		Updates(map[string]interface{}{
			"transaction_id": transactionID,
			"status":         models.PaymentLinkStatusCompleted,
			"completed_at":   gorm.Expr("COALESCE(completed_at, ?)", completedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ledgerRepository) CompleteCheckoutSession(ctx context.Context, organizationID, sessionID string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.CheckoutSession{}).
		Where("id = ? AND organization_id = ?", sessionID, organizationID).
		Updates(map[string]interface{}{
			"status":       models.CheckoutSessionStatusCompleted,
			"completed_at": gorm.Expr("COALESCE(completed_at, ?)", completedAt),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ledgerRepository) UpsertMerchantVerification(ctx context.Context, mv *models.MerchantVerification) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "merchant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"verification_id", "status", "last_event_id", "updated_at"}),
	}).Create(mv).Error
}
