package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
)

// Ingestor runs a delivery through the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) ingest.Result
}

// WebhookController accepts provider notifications on POST /webhooks/:provider
type WebhookController struct {
	pipeline Ingestor
}

func NewWebhookController(pipeline Ingestor) *WebhookController {
	return &WebhookController{pipeline: pipeline}
}

// HandleWebhook records the delivery and maps the outcome to a stable
// response shape. Invalid signatures are acknowledged so providers stop
// redelivering a message that will never verify.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := strings.TrimSpace(c.Params("provider"))
	req := ingest.Request{
		Provider:       provider,
		Payload:        append([]byte(nil), c.BodyRaw()...),
		Headers:        flattenHeaders(c),
		OrganizationID: firstNonEmpty(c.Get("X-Organization-ID"), c.Query("organization_id")),
		MerchantID:     firstNonEmpty(c.Get("X-Merchant-ID"), c.Query("merchant_id")),
	}

	res := wc.pipeline.Ingest(c.UserContext(), req)
	if res.Success {
		body := fiber.Map{"received": true, "event_id": res.EventID}
		if res.Duplicate {
			body["duplicate"] = true
		}
		return c.Status(fiber.StatusOK).JSON(body)
	}

	var (
		sigErr      *ingest.InvalidSignatureError
		businessErr *ingest.BusinessEffectError
		orgErr      *ingest.MissingOrganizationError
		providerErr *ingest.UnknownProviderError
		payloadErr  *ingest.MalformedPayloadError
	)
	switch {
	case errors.As(res.Error, &sigErr):
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "event_id": res.EventID})
	case errors.As(res.Error, &businessErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": businessErr.Reason, "event_id": res.EventID})
	case errors.As(res.Error, &orgErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": orgErr.Error()})
	case errors.As(res.Error, &providerErr), errors.As(res.Error, &payloadErr):
		log.Warnf("[Webhook] Rejected %s delivery: %v", provider, res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": res.Error.Error()})
	default:
		log.Errorf("[Webhook] Pipeline error for %s: %v", provider, res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}

// flattenHeaders keeps the first value per header. Credentials never reach storage.
func flattenHeaders(c *fiber.Ctx) map[string]string {
	out := make(map[string]string)
	for k, values := range c.GetReqHeaders() {
		if len(values) == 0 || strings.EqualFold(k, fiber.HeaderAuthorization) || strings.EqualFold(k, fiber.HeaderCookie) {
			continue
		}
		out[k] = values[0]
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
