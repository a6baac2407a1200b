package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
)

type stubIngestor struct {
	result ingest.Result
	got    ingest.Request
}

func (s *stubIngestor) Ingest(_ context.Context, req ingest.Request) ingest.Result {
	s.got = req
	return s.result
}

func newWebhookApp(ing Ingestor) *fiber.App {
	app := fiber.New()
	app.Post("/webhooks/:provider", NewWebhookController(ing).HandleWebhook)
	return app
}

func decodeBody(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func TestHandleWebhookResponses(t *testing.T) {
	tests := []struct {
		name       string
		result     ingest.Result
		wantStatus int
		wantKeys   map[string]interface{}
	}{
		{
			name:       "accepted",
			result:     ingest.Result{Success: true, EventID: "evt-1"},
			wantStatus: fiber.StatusOK,
			wantKeys:   map[string]interface{}{"received": true, "event_id": "evt-1"},
		},
		{
			name:       "duplicate",
			result:     ingest.Result{Success: true, EventID: "evt-1", Duplicate: true},
			wantStatus: fiber.StatusOK,
			wantKeys:   map[string]interface{}{"received": true, "duplicate": true},
		},
		{
			name:       "invalid signature is acknowledged",
			result:     ingest.Result{EventID: "evt-2", Error: &ingest.InvalidSignatureError{Provider: "payment-processor"}},
			wantStatus: fiber.StatusOK,
			wantKeys:   map[string]interface{}{"received": true, "event_id": "evt-2"},
		},
		{
			name:       "business failure",
			result:     ingest.Result{EventID: "evt-3", Error: &ingest.BusinessEffectError{Reason: "ledger down", Retryable: true}},
			wantStatus: fiber.StatusBadRequest,
			wantKeys:   map[string]interface{}{"error": "ledger down", "event_id": "evt-3"},
		},
		{
			name:       "missing organization",
			result:     ingest.Result{Error: &ingest.MissingOrganizationError{}},
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "unknown provider",
			result:     ingest.Result{Error: &ingest.UnknownProviderError{Provider: "nope"}},
			wantStatus: fiber.StatusInternalServerError,
		},
		{
			name:       "malformed payload",
			result:     ingest.Result{Error: &ingest.MalformedPayloadError{Err: errors.New("bad json")}},
			wantStatus: fiber.StatusInternalServerError,
		},
		{
			name:       "storage failure",
			result:     ingest.Result{Error: errors.New("db gone")},
			wantStatus: fiber.StatusInternalServerError,
			wantKeys:   map[string]interface{}{"error": "internal_server_error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newWebhookApp(&stubIngestor{result: tt.result})
			req := httptest.NewRequest("POST", "/webhooks/payment-processor", strings.NewReader(`{"event_id":"evt_1"}`))
			req.Header.Set("X-Organization-ID", "org_1")

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			body := decodeBody(t, resp.Body)
			for k, v := range tt.wantKeys {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestHandleWebhookBuildsRequest(t *testing.T) {
	ing := &stubIngestor{result: ingest.Result{Success: true, EventID: "evt-1"}}
	app := newWebhookApp(ing)

	payload := `{"event_id":"evt_1","type":"payment.completed"}`
	req := httptest.NewRequest("POST", "/webhooks/fraud-detector?organization_id=org_q&merchant_id=m_9", strings.NewReader(payload))
	req.Header.Set("X-Fraud-Signature", "t=1,v1=abc")
	req.Header.Set("Authorization", "Bearer secret")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, "fraud-detector", ing.got.Provider)
	assert.Equal(t, payload, string(ing.got.Payload))
	assert.Equal(t, "org_q", ing.got.OrganizationID)
	assert.Equal(t, "m_9", ing.got.MerchantID)
	assert.Equal(t, "t=1,v1=abc", ing.got.Headers["X-Fraud-Signature"])
	_, hasAuth := ing.got.Headers["Authorization"]
	assert.False(t, hasAuth)
}

func TestHandleWebhookHeaderOrganizationWins(t *testing.T) {
	ing := &stubIngestor{result: ingest.Result{Success: true, EventID: "evt-1"}}
	app := newWebhookApp(ing)

	req := httptest.NewRequest("POST", "/webhooks/payment-processor?organization_id=org_q", strings.NewReader(`{}`))
	req.Header.Set("X-Organization-ID", "org_h")

	_, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "org_h", ing.got.OrganizationID)
}
