package providers

import (
	"strings"

	"github.com/ManuelReschke/payhook/app/models"
)

const pspSignaturePrefix = "sha256="

// PaymentProcessor verifies `sha256=<hex>` signatures over the raw body.
type PaymentProcessor struct{}

func NewPaymentProcessor() *PaymentProcessor {
	return &PaymentProcessor{}
}

func (PaymentProcessor) Name() string            { return models.ProviderPaymentProcessor }
func (PaymentProcessor) SignatureHeader() string { return "X-PSP-Signature" }

func (PaymentProcessor) VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" || !strings.HasPrefix(sig, pspSignaturePrefix) {
		return false
	}
	return equalHex(computeHMAC(secret, payload), strings.TrimPrefix(sig, pspSignaturePrefix))
}

func (PaymentProcessor) ExtractDedupeKey(payload Payload) string {
	return dedupeKey("psp", payload, "event_id", "id", "transaction_id", "merchant_id")
}

func (PaymentProcessor) ClassifyEventType(payload Payload) string {
	if t := payload.String("type", "event_type"); t != "" {
		return t
	}
	return "unknown"
}
