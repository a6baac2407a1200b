package ingest

import "fmt"

// UnknownProviderError means no adapter is registered for the provider. No row is persisted.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.Provider)
}

// MalformedPayloadError means the body could not be parsed. No row is persisted.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// InvalidSignatureError means a supplied signature did not verify. The row is
// persisted as processed and is never retried.
type InvalidSignatureError struct {
	Provider string
}

func (e *InvalidSignatureError) Error() string {
	return "invalid signature"
}

// BusinessEffectError wraps a failed business-effect handler outcome.
type BusinessEffectError struct {
	Reason    string
	Retryable bool
}

func (e *BusinessEffectError) Error() string {
	return e.Reason
}

// NotFoundError is returned by replay when the event does not exist.
type NotFoundError struct {
	EventID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("webhook event %s not found", e.EventID)
}

// AccessDeniedError is returned by replay when the operator may not touch the event.
type AccessDeniedError struct {
	EventID string
	Reason  string
}

func (e *AccessDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("access denied to webhook event %s: %s", e.EventID, e.Reason)
	}
	return fmt.Sprintf("access denied to webhook event %s", e.EventID)
}

// MissingOrganizationError is returned when a delivery carries no organization scope.
type MissingOrganizationError struct{}

func (e *MissingOrganizationError) Error() string {
	return "organization id is required"
}
