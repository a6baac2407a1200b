package providers

import (
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
)

// ReplayWindow bounds how far a timestamped fraud signature may drift from now.
const ReplayWindow = 300 * time.Second

// FraudDetector verifies `t=<unix>,v1=<hex>` signatures. With a timestamp the
// signed material is "<t>.<payload>".
type FraudDetector struct {
	now func() time.Time
}

func NewFraudDetector() *FraudDetector {
	return &FraudDetector{now: time.Now}
}

// WithClock returns a copy using now as its time source.
func (f *FraudDetector) WithClock(now func() time.Time) *FraudDetector {
	return &FraudDetector{now: now}
}

func (*FraudDetector) Name() string            { return models.ProviderFraudDetector }
func (*FraudDetector) SignatureHeader() string { return "X-Fraud-Signature" }

func (f *FraudDetector) VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}

	timestamp, candidates := parseFraudSignature(sig)
	if len(candidates) == 0 {
		return false
	}

	var expected []byte
	if timestamp != "" {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return false
		}
		delta := f.now().Sub(time.Unix(ts, 0))
		if delta > ReplayWindow || delta < -ReplayWindow {
			return false
		}
		expected = computeHMAC(secret, []byte(timestamp), []byte("."), payload)
	} else {
		expected = computeHMAC(secret, payload)
	}

	// any matching v1 is accepted so secrets can rotate
	ok := false
	for _, c := range candidates {
		if equalHex(expected, c) {
			ok = true
		}
	}
	return ok
}

// parseFraudSignature splits a header into its timestamp and v1 values. A
// header without key/value pairs is treated as a bare hex signature.
func parseFraudSignature(header string) (string, []string) {
	if !strings.Contains(header, "=") {
		return "", []string{header}
	}
	var timestamp string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	return timestamp, sigs
}

func (*FraudDetector) ExtractDedupeKey(payload Payload) string {
	return dedupeKey("fraud", payload, "event_id", "decision_id", "transaction_id", "merchant_id")
}

func (*FraudDetector) ClassifyEventType(payload Payload) string {
	if t := payload.String("event_type", "type"); t != "" {
		return t
	}
	return "fraud_assessment"
}
