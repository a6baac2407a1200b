package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func computeHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// equalHex compares a hex-encoded signature against expected in constant time.
func equalHex(expected []byte, provided string) bool {
	decoded, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(provided)))
	if err != nil || len(decoded) == 0 {
		return false
	}
	return hmac.Equal(expected, decoded)
}
