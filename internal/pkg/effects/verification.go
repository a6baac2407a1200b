package effects

import (
	"context"
	"strings"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/providers"
)

// VerificationHandler stores the latest business-verification state per merchant.
type VerificationHandler struct {
	ledger repository.LedgerRepository
}

func NewVerificationHandler(ledger repository.LedgerRepository) *VerificationHandler {
	return &VerificationHandler{ledger: ledger}
}

func (h *VerificationHandler) Handle(ctx context.Context, event *models.WebhookEvent) Result {
	p, err := providers.ParsePayload([]byte(event.Payload))
	if err != nil {
		return permanent("payload unreadable: %v", err)
	}

	merchantID := p.String("merchant_id")
	if merchantID == "" && event.MerchantID != nil {
		merchantID = *event.MerchantID
	}
	if merchantID == "" {
		return permanent("verification event has no merchant_id")
	}

	status := strings.ToLower(p.String("status"))
	if status == "" {
		status = "pending"
	}

	mv := &models.MerchantVerification{
		OrganizationID: event.OrganizationID,
		MerchantID:     merchantID,
		VerificationID: p.String("verification_id"),
		Status:         status,
		LastEventID:    event.ID,
	}
	if err := h.ledger.UpsertMerchantVerification(ctx, mv); err != nil {
		return retryable("upsert merchant verification %s: %v", merchantID, err)
	}
	return ok()
}
