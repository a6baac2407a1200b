package effects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeLedger struct {
	txns          map[string]*models.Transaction
	links         map[string]*models.PaymentLink
	sessions      map[string]*models.CheckoutSession
	verifications map[string]*models.MerchantVerification
	upserts       int
	failWith      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txns:          map[string]*models.Transaction{},
		links:         map[string]*models.PaymentLink{},
		sessions:      map[string]*models.CheckoutSession{},
		verifications: map[string]*models.MerchantVerification{},
	}
}

func (f *fakeLedger) UpsertTransaction(_ context.Context, txn *models.Transaction) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.upserts++
	for _, existing := range f.txns {
		if existing.OrganizationID == txn.OrganizationID && existing.ProviderReference == txn.ProviderReference {
			txn.ID = existing.ID
		}
	}
	cp := *txn
	f.txns[txn.ID] = &cp
	return nil
}

func (f *fakeLedger) FindTransaction(_ context.Context, orgID, idOrRef string) (*models.Transaction, error) {
	for _, t := range f.txns {
		if t.OrganizationID == orgID && (t.ID == idOrRef || t.ProviderReference == idOrRef) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLedger) UpdateTransaction(_ context.Context, id string, updates map[string]interface{}) error {
	t, ok := f.txns[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range updates {
		switch k {
		case "fraud_score":
			score := v.(int)
			t.FraudScore = &score
		case "status":
			t.Status = v.(string)
		case "failure_code":
			code := v.(string)
			t.FailureCode = &code
		case "fraud_review":
			t.FraudReview = v.(bool)
		}
	}
	return nil
}

func (f *fakeLedger) LinkPaymentLink(_ context.Context, orgID, linkID, txnID string, at time.Time) error {
	l, ok := f.links[linkID]
	if !ok || l.OrganizationID != orgID {
		return gorm.ErrRecordNotFound
	}
	l.TransactionID = &txnID
	l.Status = models.PaymentLinkStatusCompleted
	l.CompletedAt = &at
	return nil
}

func (f *fakeLedger) CompleteCheckoutSession(_ context.Context, orgID, sessionID string, at time.Time) error {
	s, ok := f.sessions[sessionID]
	if !ok || s.OrganizationID != orgID {
		return gorm.ErrRecordNotFound
	}
	s.Status = models.CheckoutSessionStatusCompleted
	s.CompletedAt = &at
	return nil
}

func (f *fakeLedger) UpsertMerchantVerification(_ context.Context, mv *models.MerchantVerification) error {
	if f.failWith != nil {
		return f.failWith
	}
	cp := *mv
	f.verifications[mv.OrganizationID+"/"+mv.MerchantID] = &cp
	return nil
}

func event(provider, eventType, payload string) *models.WebhookEvent {
	return &models.WebhookEvent{
		ID:             "evt-row-1",
		OrganizationID: "org_1",
		Provider:       provider,
		EventType:      eventType,
		Payload:        payload,
	}
}

func TestPaymentCompletedCreatesAndLinksTransaction(t *testing.T) {
	ledger := newFakeLedger()
	ledger.links["pl_1"] = &models.PaymentLink{ID: "pl_1", OrganizationID: "org_1", Status: models.PaymentLinkStatusActive}
	ledger.sessions["cs_1"] = &models.CheckoutSession{ID: "cs_1", OrganizationID: "org_1", Status: models.CheckoutSessionStatusOpen}
	reg := NewDefaultRegistry(ledger)

	res := reg.Dispatch(context.Background(), event(models.ProviderPaymentProcessor, "payment.completed",
		`{"event_id":"evt_1","type":"payment.completed","transaction_id":"pi_1","amount":2500,"currency":"usd","payment_link_id":"pl_1","checkout_session_id":"cs_1"}`))
	require.True(t, res.Success, res.Error)

	require.Len(t, ledger.txns, 1)
	var txn *models.Transaction
	for _, v := range ledger.txns {
		txn = v
	}
	assert.Equal(t, int64(2500), txn.Amount)
	assert.Equal(t, "USD", txn.Currency)
	assert.Equal(t, models.TransactionStatusCompleted, txn.Status)

	require.NotNil(t, ledger.links["pl_1"].TransactionID)
	assert.Equal(t, txn.ID, *ledger.links["pl_1"].TransactionID)
	assert.Equal(t, models.CheckoutSessionStatusCompleted, ledger.sessions["cs_1"].Status)
}

func TestPaymentCompletedWithoutChargeReferenceUsesEventID(t *testing.T) {
	ledger := newFakeLedger()
	reg := NewDefaultRegistry(ledger)

	completed := event(models.ProviderPaymentProcessor, "payment.completed",
		`{"event_id":"evt_1","type":"payment.completed","amount":2500,"currency":"USD"}`)
	res := reg.Dispatch(context.Background(), completed)
	require.Equal(t, Result{Success: true}, res)

	require.Len(t, ledger.txns, 1)
	var txn *models.Transaction
	for _, v := range ledger.txns {
		txn = v
	}
	assert.Equal(t, "evt_1", txn.ProviderReference)
	assert.Equal(t, int64(2500), txn.Amount)
	assert.Equal(t, "USD", txn.Currency)
	assert.Equal(t, models.TransactionStatusCompleted, txn.Status)

	// a second delivery of the same provider event updates the same row
	res = reg.Dispatch(context.Background(), completed)
	require.True(t, res.Success)
	assert.Len(t, ledger.txns, 1)
}

func TestPaymentProcessingDoesNotRegressSettledTransaction(t *testing.T) {
	ledger := newFakeLedger()
	ledger.txns["t1"] = &models.Transaction{ID: "t1", OrganizationID: "org_1", ProviderReference: "pi_1", Status: models.TransactionStatusCompleted}
	h := NewPaymentHandler(ledger)

	res := h.Handle(context.Background(), event(models.ProviderPaymentProcessor, "payment.processing", `{"transaction_id":"pi_1"}`))
	assert.True(t, res.Success)
	assert.Equal(t, 0, ledger.upserts)
	assert.Equal(t, models.TransactionStatusCompleted, ledger.txns["t1"].Status)
}

func TestPaymentHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		failWith  error
		want      Result
	}{
		{"untracked type is a no-op", "customer.created", `{}`, nil, Result{Success: true}},
		{"missing reference is permanent", "payment.completed", `{"amount":1}`, nil, Result{Error: "payment event has no transaction reference"}},
		{"storage error is retryable", "payment.failed", `{"transaction_id":"pi_2"}`, errors.New("db down"), Result{ShouldRetry: true, Error: "upsert transaction pi_2: db down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			ledger.failWith = tt.failWith
			res := NewPaymentHandler(ledger).Handle(context.Background(), event(models.ProviderPaymentProcessor, tt.eventType, tt.payload))
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestFraudDeclineCancelsTransaction(t *testing.T) {
	ledger := newFakeLedger()
	ledger.txns["txn_x"] = &models.Transaction{ID: "txn_x", OrganizationID: "org_1", ProviderReference: "pi_x", Status: models.TransactionStatusProcessing}

	res := NewFraudHandler(ledger).Handle(context.Background(), event(models.ProviderFraudDetector, "fraud_assessment",
		`{"decision":"decline","risk_score":85,"transaction_id":"txn_x"}`))
	require.True(t, res.Success, res.Error)

	txn := ledger.txns["txn_x"]
	require.NotNil(t, txn.FraudScore)
	assert.Equal(t, 85, *txn.FraudScore)
	assert.Equal(t, models.TransactionStatusCancelled, txn.Status)
	require.NotNil(t, txn.FailureCode)
	assert.Equal(t, models.FailureCodeFraudDetected, *txn.FailureCode)
}

func TestFraudReviewFlagsTransaction(t *testing.T) {
	ledger := newFakeLedger()
	ledger.txns["txn_x"] = &models.Transaction{ID: "txn_x", OrganizationID: "org_1", Status: models.TransactionStatusProcessing}

	res := NewFraudHandler(ledger).Handle(context.Background(), event(models.ProviderFraudDetector, "fraud_assessment",
		`{"decision":"review","risk_score":55,"transaction_id":"txn_x"}`))
	require.True(t, res.Success)
	assert.True(t, ledger.txns["txn_x"].FraudReview)
	assert.Equal(t, models.TransactionStatusProcessing, ledger.txns["txn_x"].Status)
}

func TestFraudUnknownTransactionIsRetryable(t *testing.T) {
	res := NewFraudHandler(newFakeLedger()).Handle(context.Background(), event(models.ProviderFraudDetector, "fraud_assessment",
		`{"decision":"decline","transaction_id":"txn_missing"}`))
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)
}

func TestFraudUnsupportedDecisionIsPermanent(t *testing.T) {
	res := NewFraudHandler(newFakeLedger()).Handle(context.Background(), event(models.ProviderFraudDetector, "fraud_assessment",
		`{"decision":"maybe","transaction_id":"txn_x"}`))
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
}

func TestVerificationHandler(t *testing.T) {
	ledger := newFakeLedger()
	h := NewVerificationHandler(ledger)

	res := h.Handle(context.Background(), event(models.ProviderBusinessVerification, "kyb_update",
		`{"verification_id":"ver_1","merchant_id":"m_1","status":"APPROVED"}`))
	require.True(t, res.Success)
	mv := ledger.verifications["org_1/m_1"]
	require.NotNil(t, mv)
	assert.Equal(t, "approved", mv.Status)
	assert.Equal(t, "evt-row-1", mv.LastEventID)

	res = h.Handle(context.Background(), event(models.ProviderBusinessVerification, "kyb_update", `{"verification_id":"ver_2"}`))
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
}

func TestDispatch(t *testing.T) {
	reg := NewRegistry()
	res := reg.Dispatch(context.Background(), event("acme", "x", `{}`))
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)

	reg.Register("acme", HandlerFunc(func(context.Context, *models.WebhookEvent) Result {
		panic("boom")
	}))
	res = reg.Dispatch(context.Background(), event("acme", "x", `{}`))
	assert.True(t, res.ShouldRetry)
	assert.Contains(t, res.Error, "boom")
}
