package models

import (
	"strings"
	"time"
)

const (
	ProviderPaymentProcessor     = "payment-processor"
	ProviderFraudDetector        = "fraud-detector"
	ProviderBusinessVerification = "business-verification"
)

// FailureInvalidSignature is stored on events rejected by signature verification.
const FailureInvalidSignature = "Invalid signature"

// WebhookEvent stores one inbound provider notification. The pair
// (organization_id, dedupe_key) is unique and is the only idempotency guarantee.
type WebhookEvent struct {
	ID                 string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID     string     `gorm:"type:varchar(64);not null;index:ux_webhook_events_org_dedupe,unique,priority:1" json:"organization_id"`
	DedupeKey          string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_org_dedupe,unique,priority:2" json:"dedupe_key"`
	MerchantID         *string    `gorm:"type:varchar(64);index" json:"merchant_id,omitempty"`
	Provider           string     `gorm:"type:varchar(40);not null;index" json:"provider"`
	EventType          string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload            string     `gorm:"type:longtext;not null" json:"payload"`
	Headers            StringMap  `gorm:"type:text" json:"headers"`
	Signature          string     `gorm:"type:text" json:"signature,omitempty"`
	Verified           bool       `gorm:"default:false;index" json:"verified"`
	Processed          bool       `gorm:"default:false;index" json:"processed"`
	ProcessingAttempts int        `gorm:"default:0;not null" json:"processing_attempts"`
	FailureReason      *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastAttemptAt      *time.Time `gorm:"type:timestamp;default:null" json:"last_attempt_at,omitempty"`
}

// TableName pins the table name used by migrations.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// HasSignature reports whether the delivery carried a signature header.
func (e *WebhookEvent) HasSignature() bool {
	return strings.TrimSpace(e.Signature) != ""
}

// RejectedBySignature reports whether the event was recorded with a signature
// that did not verify. Such events never produce a business effect.
func (e *WebhookEvent) RejectedBySignature() bool {
	return e.HasSignature() && !e.Verified
}

// FailureReasonString returns the failure reason or "" when none is set.
func (e *WebhookEvent) FailureReasonString() string {
	if e.FailureReason == nil {
		return ""
	}
	return *e.FailureReason
}

// IsKnownProvider reports whether name is one of the supported providers.
func IsKnownProvider(name string) bool {
	switch name {
	case ProviderPaymentProcessor, ProviderFraudDetector, ProviderBusinessVerification:
		return true
	default:
		return false
	}
}
