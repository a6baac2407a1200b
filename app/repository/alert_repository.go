package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a reconciliation alert repository.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

// CreateIfNotExists inserts the alert unless one with the same id exists.
// Returns true when a new row was written.
func (r *alertRepository) CreateIfNotExists(ctx context.Context, alert *models.ReconciliationAlert) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(alert)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *alertRepository) GetByID(ctx context.Context, id string) (*models.ReconciliationAlert, error) {
	var alert models.ReconciliationAlert
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *alertRepository) List(ctx context.Context, filter AlertFilter) ([]models.ReconciliationAlert, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.ReconciliationAlert{})
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Resolved != nil {
		q = q.Where("resolved = ?", *filter.Resolved)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var alerts []models.ReconciliationAlert
	err := q.Order("created_at DESC").Offset(filter.Offset).Limit(clampLimit(filter.Limit)).Find(&alerts).Error
	return alerts, total, err
}

func (r *alertRepository) Resolve(ctx context.Context, id string, resolution AlertResolution) (*models.ReconciliationAlert, error) {
	var alert models.ReconciliationAlert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&alert).Error; err != nil {
			return err
		}
		if alert.Resolved {
			return nil
		}
		at := resolution.At
		if at.IsZero() {
			at = time.Now()
		}
		if err := tx.Model(&alert).Updates(resolutionUpdates(resolution, at)).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&alert).Error
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *alertRepository) ResolveStale(ctx context.Context, createdBefore time.Time, resolution AlertResolution) (int64, error) {
	at := resolution.At
	if at.IsZero() {
		at = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&models.ReconciliationAlert{}).
		Where("resolved = ? AND created_at < ?", false, createdBefore).
		Updates(resolutionUpdates(resolution, at))
	return res.RowsAffected, res.Error
}

func resolutionUpdates(resolution AlertResolution, at time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"resolved":        true,
		"resolved_at":     &at,
		"resolved_by":     resolution.By,
		"resolution_type": resolution.Type,
	}
	if resolution.Note != "" {
		updates["resolution_note"] = resolution.Note
	}
	return updates
}
