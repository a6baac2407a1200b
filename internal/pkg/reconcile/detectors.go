package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
)

func (e *Engine) detectOrphanedTransactions(ctx context.Context, now time.Time) ([]*models.ReconciliationAlert, error) {
	txns, err := e.aggregates.FindOrphanedTransactions(ctx, now.Add(-e.cfg.OrphanAge), e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ReconciliationAlert, 0, len(txns))
	for _, txn := range truncate(txns, e.cfg.Limit) {
		meta := models.JSONMap{
			"status":             txn.Status,
			"amount":             txn.Amount,
			"currency":           txn.Currency,
			"provider_reference": txn.ProviderReference,
		}
		if txn.PaymentLinkID != nil {
			meta["payment_link_id"] = *txn.PaymentLinkID
		}
		out = append(out, &models.ReconciliationAlert{
			ID:             models.AlertID(models.AlertTypeOrphanedTransaction, txn.ID),
			Type:           models.AlertTypeOrphanedTransaction,
			Severity:       models.SeverityHigh,
			Title:          "Orphaned transaction",
			Description:    fmt.Sprintf("Transaction %s (%s) has no resolvable payment link after %s", txn.ID, txn.Status, e.cfg.OrphanAge),
			ResourceID:     txn.ID,
			ResourceType:   "transaction",
			OrganizationID: txn.OrganizationID,
			Metadata:       meta,
		})
	}
	return out, nil
}

func (e *Engine) detectMissingSettlements(ctx context.Context, now time.Time) ([]*models.ReconciliationAlert, error) {
	links, err := e.aggregates.FindCompletedLinksWithoutTransaction(ctx, now.Add(-e.cfg.LinkAge), e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ReconciliationAlert, 0, len(links))
	for _, link := range truncate(links, e.cfg.Limit) {
		meta := models.JSONMap{"status": link.Status}
		if link.CompletedAt != nil {
			meta["completed_at"] = link.CompletedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, &models.ReconciliationAlert{
			ID:             models.AlertID(models.AlertTypeMissingPaymentLink, link.ID),
			Type:           models.AlertTypeMissingPaymentLink,
			Severity:       models.SeverityHigh,
			Title:          "Completed payment link without transaction",
			Description:    fmt.Sprintf("Payment link %s completed more than %s ago but references no transaction", link.ID, e.cfg.LinkAge),
			ResourceID:     link.ID,
			ResourceType:   "payment_link",
			OrganizationID: link.OrganizationID,
			Metadata:       meta,
		})
	}
	return out, nil
}

func (e *Engine) detectDeliveryLag(ctx context.Context, now time.Time) ([]*models.ReconciliationAlert, error) {
	events, err := e.aggregates.FindLaggingWebhookEvents(ctx, e.cfg.LagAttempts, now.Add(-e.cfg.LagAge), e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ReconciliationAlert, 0, len(events))
	for _, ev := range truncate(events, e.cfg.Limit) {
		severity := models.SeverityMedium
		if ev.ProcessingAttempts >= e.cfg.HighLagAttempts {
			severity = models.SeverityHigh
		}
		meta := models.JSONMap{
			"provider":            ev.Provider,
			"event_type":          ev.EventType,
			"dedupe_key":          ev.DedupeKey,
			"processing_attempts": ev.ProcessingAttempts,
		}
		if ev.FailureReason != nil {
			meta["failure_reason"] = *ev.FailureReason
		}
		out = append(out, &models.ReconciliationAlert{
			ID:             models.AlertID(models.AlertTypeWebhookDeliveryLag, ev.ID),
			Type:           models.AlertTypeWebhookDeliveryLag,
			Severity:       severity,
			Title:          "Webhook delivery lag",
			Description:    fmt.Sprintf("%s event %s is unprocessed after %d attempts", ev.Provider, ev.ID, ev.ProcessingAttempts),
			ResourceID:     ev.ID,
			ResourceType:   "webhook_event",
			OrganizationID: ev.OrganizationID,
			Metadata:       meta,
		})
	}
	return out, nil
}

func (e *Engine) detectStatusMismatch(ctx context.Context, now time.Time) ([]*models.ReconciliationAlert, error) {
	sessions, err := e.aggregates.FindCompletedSessionsWithoutTransactions(ctx, now.Add(-e.cfg.SessionAge), e.cfg.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ReconciliationAlert, 0, len(sessions))
	for _, s := range truncate(sessions, e.cfg.Limit) {
		meta := models.JSONMap{"status": s.Status}
		if s.PaymentLinkID != nil {
			meta["payment_link_id"] = *s.PaymentLinkID
		}
		out = append(out, &models.ReconciliationAlert{
			ID:             models.AlertID(models.AlertTypeStatusMismatch, s.ID),
			Type:           models.AlertTypeStatusMismatch,
			Severity:       models.SeverityMedium,
			Title:          "Completed checkout session without transactions",
			Description:    fmt.Sprintf("Checkout session %s is completed but has no associated transaction", s.ID),
			ResourceID:     s.ID,
			ResourceType:   "checkout_session",
			OrganizationID: s.OrganizationID,
			Metadata:       meta,
		})
	}
	return out, nil
}

// truncate enforces the per-run cap when a store ignores the limit.
func truncate[T any](rows []T, limit int) []T {
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
