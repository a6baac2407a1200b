package effects

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/providers"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var paymentStatuses = map[string]string{
	"payment.completed":  models.TransactionStatusCompleted,
	"payment.succeeded":  models.TransactionStatusCompleted,
	"payment.processing": models.TransactionStatusProcessing,
	"payment.failed":     models.TransactionStatusFailed,
}

// PaymentHandler records payment lifecycle events on the transaction ledger.
type PaymentHandler struct {
	ledger repository.LedgerRepository
	now    func() time.Time
}

func NewPaymentHandler(ledger repository.LedgerRepository) *PaymentHandler {
	return &PaymentHandler{ledger: ledger, now: time.Now}
}

func (h *PaymentHandler) Handle(ctx context.Context, event *models.WebhookEvent) Result {
	status, tracked := paymentStatuses[event.EventType]
	if !tracked {
		return ok()
	}

	p, err := providers.ParsePayload([]byte(event.Payload))
	if err != nil {
		return permanent("payload unreadable: %v", err)
	}
	// events without an explicit charge reference are keyed by the provider event id
	ref := p.String("transaction_id", "payment_id", "charge_id", "event_id", "id")
	if ref == "" {
		return permanent("payment event has no transaction reference")
	}

	existing, err := h.ledger.FindTransaction(ctx, event.OrganizationID, ref)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return retryable("lookup transaction %s: %v", ref, err)
	}
	if existing != nil && isTerminal(existing.Status) && status == models.TransactionStatusProcessing {
		// late processing notice after settlement
		return ok()
	}

	txn := &models.Transaction{
		ID:                uuid.NewString(),
		OrganizationID:    event.OrganizationID,
		ProviderReference: ref,
		MerchantID:        optional(p.String("merchant_id")),
		PaymentLinkID:     optional(p.String("payment_link_id")),
		CheckoutSessionID: optional(p.String("checkout_session_id")),
		Currency:          strings.ToUpper(p.String("currency")),
		Status:            status,
	}
	if txn.MerchantID == nil {
		txn.MerchantID = event.MerchantID
	}
	if amount, found := p.Int("amount"); found {
		txn.Amount = amount
	}
	if existing != nil {
		mergeMissing(txn, existing)
	}

	if err := h.ledger.UpsertTransaction(ctx, txn); err != nil {
		return retryable("upsert transaction %s: %v", ref, err)
	}

	if status != models.TransactionStatusCompleted {
		return ok()
	}

	completedAt := h.now()
	if txn.PaymentLinkID != nil {
		err := h.ledger.LinkPaymentLink(ctx, event.OrganizationID, *txn.PaymentLinkID, txn.ID, completedAt)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Effects] Payment link %s not found for transaction %s", *txn.PaymentLinkID, txn.ID)
		} else if err != nil {
			return retryable("link payment link %s: %v", *txn.PaymentLinkID, err)
		}
	}
	if txn.CheckoutSessionID != nil {
		err := h.ledger.CompleteCheckoutSession(ctx, event.OrganizationID, *txn.CheckoutSessionID, completedAt)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Effects] Checkout session %s not found for transaction %s", *txn.CheckoutSessionID, txn.ID)
		} else if err != nil {
			return retryable("complete checkout session %s: %v", *txn.CheckoutSessionID, err)
		}
	}
	return ok()
}

func mergeMissing(txn, existing *models.Transaction) {
	txn.ID = existing.ID
	if txn.MerchantID == nil {
		txn.MerchantID = existing.MerchantID
	}
	if txn.PaymentLinkID == nil {
		txn.PaymentLinkID = existing.PaymentLinkID
	}
	if txn.CheckoutSessionID == nil {
		txn.CheckoutSessionID = existing.CheckoutSessionID
	}
	if txn.Currency == "" {
		txn.Currency = existing.Currency
	}
	if txn.Amount == 0 {
		txn.Amount = existing.Amount
	}
}

func isTerminal(status string) bool {
	switch status {
	case models.TransactionStatusCompleted, models.TransactionStatusFailed, models.TransactionStatusCancelled:
		return true
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
