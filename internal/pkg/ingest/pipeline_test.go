package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/app/repository/repotest"
	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/effects"
	"github.com/ManuelReschke/payhook/internal/pkg/providers"
	"github.com/ManuelReschke/payhook/internal/pkg/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOrg       = "org_1"
	pspSecret     = "psp-secret"
	fraudSecret   = "fraud-secret"
	paymentEvent1 = `{"event_id":"evt_1","type":"payment.completed","transaction_id":"pi_1","amount":2500,"currency":"USD"}`
)

type countingDispatcher struct {
	mu     sync.Mutex
	calls  int
	result effects.Result
}

func (d *countingDispatcher) Dispatch(context.Context, *models.WebhookEvent) effects.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.result
}

func (d *countingDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingSink struct {
	security []audit.SecurityEvent
	replays  []audit.ReplayEvent
}

func (s *recordingSink) RecordSecurityEvent(_ context.Context, e audit.SecurityEvent) {
	s.security = append(s.security, e)
}

func (s *recordingSink) RecordReplay(_ context.Context, e audit.ReplayEvent) {
	s.replays = append(s.replays, e)
}

type recordingScheduler struct {
	scheduled []string
}

func (s *recordingScheduler) ScheduleRetry(_ context.Context, e *models.WebhookEvent, _ string) error {
	s.scheduled = append(s.scheduled, e.ID)
	return nil
}

type fixture struct {
	pipeline   *Pipeline
	events     *repotest.WebhookEvents
	dispatcher *countingDispatcher
	sink       *recordingSink
	retries    *recordingScheduler
}

func newFixture(result effects.Result) *fixture {
	f := &fixture{
		events:     repotest.NewWebhookEvents(),
		dispatcher: &countingDispatcher{result: result},
		sink:       &recordingSink{},
		retries:    &recordingScheduler{},
	}
	f.pipeline = NewPipeline(f.events, secrets.Static{
		models.ProviderPaymentProcessor: pspSecret,
		models.ProviderFraudDetector:    fraudSecret,
	}, f.dispatcher, f.sink)
	f.pipeline.SetRetryScheduler(f.retries)
	return f
}

func hmacHex(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func pspRequest(payload, signature string) Request {
	headers := map[string]string{"Content-Type": "application/json"}
	if signature != "" {
		headers["X-PSP-Signature"] = signature
	}
	return Request{
		Provider:       models.ProviderPaymentProcessor,
		Payload:        []byte(payload),
		Headers:        headers,
		OrganizationID: testOrg,
	}
}

func TestIngestVerifiedPaymentIsProcessed(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	res := f.pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, "sha256="+hmacHex(pspSecret, paymentEvent1)))

	require.True(t, res.Success)
	require.NoError(t, res.Error)
	require.NotEmpty(t, res.EventID)

	stored, err := f.events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	assert.True(t, stored.Processed)
	assert.Equal(t, 1, stored.ProcessingAttempts)
	assert.Nil(t, stored.FailureReason)
	assert.Equal(t, "psp_evt_1", stored.DedupeKey)
	assert.Equal(t, "payment.completed", stored.EventType)
	assert.Equal(t, 1, f.dispatcher.Calls())
}

func TestIngestPaymentCompletedCreatesOneTransaction(t *testing.T) {
	events := repotest.NewWebhookEvents()
	ledger := repotest.NewLedger()
	pipeline := NewPipeline(events, secrets.Static{models.ProviderPaymentProcessor: pspSecret},
		effects.NewDefaultRegistry(ledger), &recordingSink{})

	payload := `{"event_id":"evt_1","type":"payment.completed","amount":2500,"currency":"USD"}`
	req := pspRequest(payload, "sha256="+hmacHex(pspSecret, payload))

	first := pipeline.Ingest(context.Background(), req)
	require.NoError(t, first.Error)
	require.True(t, first.Success)

	stored, err := events.GetByID(context.Background(), first.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	assert.True(t, stored.Processed)
	assert.Nil(t, stored.FailureReason)
	require.Equal(t, 1, ledger.TransactionCount())

	second := pipeline.Ingest(context.Background(), req)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, 1, ledger.TransactionCount())
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	req := pspRequest(paymentEvent1, "sha256="+hmacHex(pspSecret, paymentEvent1))

	first := f.pipeline.Ingest(context.Background(), req)
	second := f.pipeline.Ingest(context.Background(), req)

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.EventID, second.EventID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, f.dispatcher.Calls())
	assert.Equal(t, 1, f.events.Len())
}

func TestIngestDuplicateDoesNotReprocessFailedEvent(t *testing.T) {
	f := newFixture(effects.Result{ShouldRetry: true, Error: "ledger unavailable"})
	req := pspRequest(paymentEvent1, "")

	first := f.pipeline.Ingest(context.Background(), req)
	second := f.pipeline.Ingest(context.Background(), req)

	assert.Equal(t, first.EventID, second.EventID)
	assert.True(t, second.Success)
	assert.Equal(t, 1, f.dispatcher.Calls())
}

func TestIngestConcurrentDuplicatesShareOneRow(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	req := pspRequest(paymentEvent1, "")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := f.pipeline.Ingest(context.Background(), req)
			ids[i] = res.EventID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.events.Len())
	assert.Equal(t, 1, f.dispatcher.Calls())
}

func TestIngestLosingInsertRaceReturnsWinner(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	winner := &models.WebhookEvent{ID: "winner", OrganizationID: testOrg, DedupeKey: "psp_evt_1", Provider: models.ProviderPaymentProcessor}
	f.events.Put(winner)
	f.events.Hidden = true

	res := f.pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, ""))
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "winner", res.EventID)
	assert.Equal(t, 0, f.dispatcher.Calls())
}

func TestIngestTamperedPayloadIsRejected(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	signature := "sha256=" + hmacHex(pspSecret, paymentEvent1)
	tampered := `{"event_id":"evt_1","type":"payment.completed","transaction_id":"pi_1","amount":999999,"currency":"USD"}`

	res := f.pipeline.Ingest(context.Background(), pspRequest(tampered, signature))

	var sigErr *InvalidSignatureError
	require.ErrorAs(t, res.Error, &sigErr)
	require.NotEmpty(t, res.EventID)
	assert.False(t, res.Success)

	stored, err := f.events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	assert.True(t, stored.Processed)
	assert.Equal(t, models.FailureInvalidSignature, stored.FailureReasonString())
	assert.Equal(t, 0, f.dispatcher.Calls())
	assert.Empty(t, f.retries.scheduled)
	require.Len(t, f.sink.security, 1)
	assert.Equal(t, "invalid_signature", f.sink.security[0].Kind)
}

// outcomeFailingEvents accepts inserts but fails every outcome update.
type outcomeFailingEvents struct {
	*repotest.WebhookEvents
}

func (outcomeFailingEvents) SaveOutcome(context.Context, string, repository.EventOutcome) error {
	return errors.New("connection reset")
}

func TestIngestRejectedEventIsTerminalOnInsert(t *testing.T) {
	events := outcomeFailingEvents{repotest.NewWebhookEvents()}
	dispatcher := &countingDispatcher{result: effects.Result{Success: true}}
	pipeline := NewPipeline(events, secrets.Static{models.ProviderPaymentProcessor: pspSecret}, dispatcher, &recordingSink{})

	res := pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, "sha256="+hmacHex("wrong-secret", paymentEvent1)))

	var sigErr *InvalidSignatureError
	require.ErrorAs(t, res.Error, &sigErr)

	stored, err := events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	assert.True(t, stored.Processed)
	assert.Equal(t, models.FailureInvalidSignature, stored.FailureReasonString())
	assert.Equal(t, 0, dispatcher.Calls())
}

func TestIngestMissingSecretFailsClosed(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	payload := `{"verification_id":"ver_1","merchant_id":"m_1","status":"approved"}`
	res := f.pipeline.Ingest(context.Background(), Request{
		Provider:       models.ProviderBusinessVerification,
		Payload:        []byte(payload),
		Headers:        map[string]string{"x-kyb-signature": hmacHex("anything", payload)},
		OrganizationID: testOrg,
	})

	var sigErr *InvalidSignatureError
	assert.ErrorAs(t, res.Error, &sigErr)
	assert.Equal(t, 0, f.dispatcher.Calls())
}

func TestIngestUnsignedIsAcceptedUnverified(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	res := f.pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, ""))
	require.True(t, res.Success)

	stored, err := f.events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	assert.True(t, stored.Processed)
	assert.Equal(t, 1, f.dispatcher.Calls())
}

func TestIngestStaleFraudSignatureIsRejected(t *testing.T) {
	f := newFixture(effects.Result{Success: true})
	now := time.Now()
	fraud := providers.NewFraudDetector().WithClock(func() time.Time { return now })
	f.pipeline.SetAdapterLookup(func(name string) (providers.Adapter, bool) {
		if name == models.ProviderFraudDetector {
			return fraud, true
		}
		return providers.Lookup(name)
	})

	payload := `{"decision":"decline","risk_score":85,"transaction_id":"txn_x"}`
	ts := fmt.Sprintf("%d", now.Add(-10*time.Minute).Unix())
	res := f.pipeline.Ingest(context.Background(), Request{
		Provider:       models.ProviderFraudDetector,
		Payload:        []byte(payload),
		Headers:        map[string]string{"X-Fraud-Signature": "t=" + ts + ",v1=" + hmacHex(fraudSecret, ts, ".", payload)},
		OrganizationID: testOrg,
	})

	var sigErr *InvalidSignatureError
	assert.ErrorAs(t, res.Error, &sigErr)
	assert.Equal(t, 0, f.dispatcher.Calls())
}

func TestIngestRetryableFailureSchedulesRetry(t *testing.T) {
	f := newFixture(effects.Result{ShouldRetry: true, Error: "transaction txn_x not found"})
	res := f.pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, ""))

	var bizErr *BusinessEffectError
	require.ErrorAs(t, res.Error, &bizErr)
	assert.True(t, bizErr.Retryable)
	assert.Equal(t, []string{res.EventID}, f.retries.scheduled)

	stored, err := f.events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Equal(t, 1, stored.ProcessingAttempts)
	assert.Equal(t, "transaction txn_x not found", stored.FailureReasonString())
}

func TestIngestPermanentFailureIsTerminal(t *testing.T) {
	f := newFixture(effects.Result{Error: "unsupported"})
	res := f.pipeline.Ingest(context.Background(), pspRequest(paymentEvent1, ""))

	var bizErr *BusinessEffectError
	require.ErrorAs(t, res.Error, &bizErr)
	assert.False(t, bizErr.Retryable)
	assert.Empty(t, f.retries.scheduled)

	stored, err := f.events.GetByID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, "unsupported", stored.FailureReasonString())
}

func TestIngestRejectsBeforePersisting(t *testing.T) {
	f := newFixture(effects.Result{Success: true})

	res := f.pipeline.Ingest(context.Background(), Request{Provider: "acme", Payload: []byte(`{}`), OrganizationID: testOrg})
	var unknown *UnknownProviderError
	assert.ErrorAs(t, res.Error, &unknown)

	res = f.pipeline.Ingest(context.Background(), pspRequest(`{"event_id":`, ""))
	var malformed *MalformedPayloadError
	assert.ErrorAs(t, res.Error, &malformed)

	req := pspRequest(paymentEvent1, "")
	req.OrganizationID = ""
	res = f.pipeline.Ingest(context.Background(), req)
	var missing *MissingOrganizationError
	assert.ErrorAs(t, res.Error, &missing)

	assert.Equal(t, 0, f.events.Len())
}
