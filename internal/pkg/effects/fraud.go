package effects

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/providers"
	"gorm.io/gorm"
)

const (
	decisionApprove = "approve"
	decisionReview  = "review"
	decisionDecline = "decline"
)

// FraudHandler applies externally computed fraud decisions to transactions.
type FraudHandler struct {
	ledger repository.LedgerRepository
}

func NewFraudHandler(ledger repository.LedgerRepository) *FraudHandler {
	return &FraudHandler{ledger: ledger}
}

func (h *FraudHandler) Handle(ctx context.Context, event *models.WebhookEvent) Result {
	p, err := providers.ParsePayload([]byte(event.Payload))
	if err != nil {
		return permanent("payload unreadable: %v", err)
	}
	ref := p.String("transaction_id")
	if ref == "" {
		return permanent("fraud decision has no transaction_id")
	}

	decision := strings.ToLower(p.String("decision"))
	switch decision {
	case decisionApprove, decisionReview, decisionDecline:
	default:
		return permanent("unsupported fraud decision %q", decision)
	}

	txn, err := h.ledger.FindTransaction(ctx, event.OrganizationID, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// the payment notification may not have landed yet
		return retryable("transaction %s not found", ref)
	}
	if err != nil {
		return retryable("lookup transaction %s: %v", ref, err)
	}

	updates := map[string]interface{}{}
	if score, found := p.Int("risk_score"); found {
		updates["fraud_score"] = int(score)
	}
	switch decision {
	case decisionDecline:
		updates["status"] = models.TransactionStatusCancelled
		updates["failure_code"] = models.FailureCodeFraudDetected
	case decisionReview:
		updates["fraud_review"] = true
	}
	if len(updates) == 0 {
		return ok()
	}

	if err := h.ledger.UpdateTransaction(ctx, txn.ID, updates); err != nil {
		return retryable("update transaction %s: %v", txn.ID, err)
	}
	return ok()
}
