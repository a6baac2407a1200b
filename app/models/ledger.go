package models

import "time"

const (
	TransactionStatusPending    = "pending"
	TransactionStatusProcessing = "processing"
	TransactionStatusCompleted  = "completed"
	TransactionStatusFailed     = "failed"
	TransactionStatusCancelled  = "cancelled"
)

const (
	PaymentLinkStatusActive    = "active"
	PaymentLinkStatusCompleted = "completed"
	PaymentLinkStatusExpired   = "expired"
)

const (
	CheckoutSessionStatusOpen      = "open"
	CheckoutSessionStatusCompleted = "completed"
	CheckoutSessionStatusExpired   = "expired"
)

// FailureCodeFraudDetected marks transactions cancelled by a fraud decline.
const FailureCodeFraudDetected = "fraud_detected"

// Transaction is the settled (or in-flight) payment aggregate.
type Transaction struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID    string    `gorm:"type:varchar(64);not null;index:ux_transactions_org_ref,unique,priority:1" json:"organization_id"`
	ProviderReference string    `gorm:"type:varchar(191);not null;index:ux_transactions_org_ref,unique,priority:2" json:"provider_reference"`
	MerchantID        *string   `gorm:"type:varchar(64);index" json:"merchant_id,omitempty"`
	PaymentLinkID     *string   `gorm:"type:varchar(64);index" json:"payment_link_id,omitempty"`
	CheckoutSessionID *string   `gorm:"type:varchar(64);index" json:"checkout_session_id,omitempty"`
	Amount            int64     `gorm:"not null;default:0" json:"amount"`
	Currency          string    `gorm:"type:varchar(3)" json:"currency"`
	Status            string    `gorm:"type:varchar(20);not null;index" json:"status"`
	FraudScore        *int      `json:"fraud_score,omitempty"`
	FraudReview       bool      `gorm:"default:false" json:"fraud_review"`
	FailureCode       *string   `gorm:"type:varchar(64)" json:"failure_code,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// PaymentLink is a hosted payment request. A completed link must reference
// the transaction that settled it.
type PaymentLink struct {
	ID             string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	OrganizationID string     `gorm:"type:varchar(64);not null;index" json:"organization_id"`
	Status         string     `gorm:"type:varchar(20);not null;index" json:"status"`
	TransactionID  *string    `gorm:"type:varchar(36);index" json:"transaction_id,omitempty"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null;index" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentLink) TableName() string {
	return "payment_links"
}

type CheckoutSession struct {
	ID             string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	OrganizationID string     `gorm:"type:varchar(64);not null;index" json:"organization_id"`
	PaymentLinkID  *string    `gorm:"type:varchar(64);index" json:"payment_link_id,omitempty"`
	Status         string     `gorm:"type:varchar(20);not null;index" json:"status"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null;index" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CheckoutSession) TableName() string {
	return "checkout_sessions"
}

// MerchantVerification holds the latest business-verification state per merchant.
type MerchantVerification struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:varchar(64);not null;index:ux_merchant_verifications_org_merchant,unique,priority:1" json:"organization_id"`
	MerchantID     string    `gorm:"type:varchar(64);not null;index:ux_merchant_verifications_org_merchant,unique,priority:2" json:"merchant_id"`
	VerificationID string    `gorm:"type:varchar(128)" json:"verification_id"`
	Status         string    `gorm:"type:varchar(40);not null" json:"status"`
	LastEventID    string    `gorm:"type:varchar(36)" json:"last_event_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MerchantVerification) TableName() string {
	return "merchant_verifications"
}
