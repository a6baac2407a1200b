package models

import (
	"fmt"
	"time"
)

type AlertType string

const (
	AlertTypeOrphanedTransaction AlertType = "orphaned_transaction"
	// AlertTypeMissingPaymentLink flags a completed payment link that never got a settlement transaction.
	AlertTypeMissingPaymentLink AlertType = "missing_payment_link"
	AlertTypeWebhookDeliveryLag AlertType = "webhook_delivery_lag"
	AlertTypeStatusMismatch     AlertType = "status_mismatch"
)

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

const (
	ResolutionManual    = "manual"
	ResolutionAutomatic = "automatic"
)

// ReconciliationAlert is a detected inconsistency. The ID is derived from the
// alert type and the resource, so re-detection never creates a second row.
type ReconciliationAlert struct {
	ID             string        `gorm:"type:varchar(191);primaryKey" json:"id"`
	Type           AlertType     `gorm:"type:varchar(40);not null;index" json:"type"`
	Severity       AlertSeverity `gorm:"type:varchar(10);not null;index" json:"severity"`
	Title          string        `gorm:"type:varchar(255);not null" json:"title"`
	Description    string        `gorm:"type:text" json:"description"`
	ResourceID     string        `gorm:"type:varchar(128);not null;index" json:"resource_id"`
	ResourceType   string        `gorm:"type:varchar(40);not null" json:"resource_type"`
	OrganizationID string        `gorm:"type:varchar(64);index" json:"organization_id"`
	Metadata       JSONMap       `gorm:"type:text" json:"metadata"`
	Resolved       bool          `gorm:"default:false;index" json:"resolved"`
	ResolvedAt     *time.Time    `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	ResolvedBy     string        `gorm:"type:varchar(128)" json:"resolved_by,omitempty"`
	ResolutionType string        `gorm:"type:varchar(20)" json:"resolution_type,omitempty"`
	ResolutionNote string        `gorm:"type:text" json:"resolution_note,omitempty"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ReconciliationAlert) TableName() string {
	return "reconciliation_alerts"
}

// AlertID builds the deterministic alert identifier.
func AlertID(t AlertType, resourceID string) string {
	return fmt.Sprintf("%s_%s", t, resourceID)
}
