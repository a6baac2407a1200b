package providers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

// Payload is a decoded notification body. Numbers are kept as json.Number so
// identifiers and hashes stay byte-stable.
type Payload map[string]interface{}

// ErrNotObject is returned when the body is valid JSON but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// ParsePayload decodes raw into a Payload.
func ParsePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}
	return Payload(obj), nil
}

// String returns the first non-empty scalar value among keys.
func (p Payload) String(keys ...string) string {
	for _, key := range keys {
		switch v := p[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// Int returns the value at key as an int64.
func (p Payload) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Object returns the nested object at key.
func (p Payload) Object(key string) Payload {
	if m, ok := p[key].(map[string]interface{}); ok {
		return Payload(m)
	}
	return nil
}

// canonicalHash is a 16-hex-character digest of the payload with keys sorted
// at every level.
func canonicalHash(p Payload) string {
	// map keys are emitted in sorted order
	b, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		b = []byte{}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

func dedupeKey(namespace string, p Payload, idKeys ...string) string {
	if id := p.String(idKeys...); id != "" {
		return namespace + "_" + id
	}
	return namespace + "_hash_" + canonicalHash(p)
}
