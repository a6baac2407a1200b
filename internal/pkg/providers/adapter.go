package providers

import (
	"sort"

	"github.com/ManuelReschke/payhook/app/models"
)

// Adapter captures everything provider-specific about an inbound notification.
type Adapter interface {
	Name() string
	// SignatureHeader is the request header carrying the provider signature.
	SignatureHeader() string
	VerifySignature(payload []byte, signature, secret string) bool
	ExtractDedupeKey(payload Payload) string
	ClassifyEventType(payload Payload) string
}

var registry = map[string]Adapter{
	models.ProviderPaymentProcessor:     NewPaymentProcessor(),
	models.ProviderFraudDetector:        NewFraudDetector(),
	models.ProviderBusinessVerification: NewBusinessVerification(),
}

// Lookup returns the adapter registered under name.
func Lookup(name string) (Adapter, bool) {
	a, ok := registry[name]
	return a, ok
}

// Names returns the registered provider names in stable order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
