package providers

import (
	"strings"

	"github.com/ManuelReschke/payhook/app/models"
)

// BusinessVerification verifies a plain hex HMAC-SHA256 of the body.
type BusinessVerification struct{}

func NewBusinessVerification() *BusinessVerification {
	return &BusinessVerification{}
}

func (BusinessVerification) Name() string            { return models.ProviderBusinessVerification }
func (BusinessVerification) SignatureHeader() string { return "X-KYB-Signature" }

func (BusinessVerification) VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}
	return equalHex(computeHMAC(secret, payload), sig)
}

func (BusinessVerification) ExtractDedupeKey(payload Payload) string {
	return dedupeKey("kyb", payload, "event_id", "verification_id", "merchant_id")
}

func (BusinessVerification) ClassifyEventType(payload Payload) string {
	if t := payload.String("type", "event_type"); t != "" {
		return t
	}
	return "kyb_update"
}
