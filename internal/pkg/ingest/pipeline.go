package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/effects"
	"github.com/ManuelReschke/payhook/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/payhook/internal/pkg/providers"
	"github.com/ManuelReschke/payhook/internal/pkg/secrets"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dispatcher applies an event's business effect.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.WebhookEvent) effects.Result
}

// RetryScheduler enqueues a delayed retry for a failed event.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, event *models.WebhookEvent, lastError string) error
}

// StatsRecorder counts ingestion outcomes.
type StatsRecorder interface {
	Incr(ctx context.Context, name string)
}

type noopStats struct{}

func (noopStats) Incr(context.Context, string) {}

// Request is one inbound delivery.
type Request struct {
	Provider       string
	Payload        []byte
	Headers        map[string]string
	OrganizationID string
	MerchantID     string
}

// Result is the outcome of Ingest. EventID is set whenever a row exists.
type Result struct {
	Success   bool
	EventID   string
	Duplicate bool
	Error     error
}

// Pipeline verifies, records and dispatches inbound notifications.
type Pipeline struct {
	events     repository.WebhookEventRepository
	secrets    secrets.Provider
	dispatcher Dispatcher
	audit      audit.Sink
	retries    RetryScheduler
	stats      StatsRecorder
	lookup     func(name string) (providers.Adapter, bool)
	now        func() time.Time
}

func NewPipeline(events repository.WebhookEventRepository, secretProvider secrets.Provider, dispatcher Dispatcher, sink audit.Sink) *Pipeline {
	return &Pipeline{
		events:     events,
		secrets:    secretProvider,
		dispatcher: dispatcher,
		audit:      sink,
		stats:      noopStats{},
		lookup:     providers.Lookup,
		now:        time.Now,
	}
}

// SetRetryScheduler wires the retry queue. Without one, retryable failures
// are recorded but not retried.
func (p *Pipeline) SetRetryScheduler(s RetryScheduler) {
	p.retries = s
}

func (p *Pipeline) SetStats(s StatsRecorder) {
	if s != nil {
		p.stats = s
	}
}

// SetAdapterLookup replaces the provider registry lookup.
func (p *Pipeline) SetAdapterLookup(lookup func(name string) (providers.Adapter, bool)) {
	p.lookup = lookup
}

// Ingest runs the full delivery path. Uniqueness of (organization, dedupe key)
// in storage is the only idempotency guarantee.
func (p *Pipeline) Ingest(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return Result{Error: &MissingOrganizationError{}}
	}

	adapter, ok := p.lookup(req.Provider)
	if !ok {
		return Result{Error: &UnknownProviderError{Provider: req.Provider}}
	}

	payload, err := providers.ParsePayload(req.Payload)
	if err != nil {
		return Result{Error: &MalformedPayloadError{Err: err}}
	}

	dedupeKey := adapter.ExtractDedupeKey(payload)
	eventType := adapter.ClassifyEventType(payload)

	existing, err := p.events.GetByDedupeKey(ctx, req.OrganizationID, dedupeKey)
	if err == nil {
		p.stats.Incr(ctx, counter.Duplicate)
		log.Debugf("[Ingest] Duplicate delivery %s for org %s, event %s", dedupeKey, req.OrganizationID, existing.ID)
		return Result{Success: true, EventID: existing.ID, Duplicate: true}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{Error: fmt.Errorf("lookup dedupe key %s: %w", dedupeKey, err)}
	}

	signature := headerValue(req.Headers, adapter.SignatureHeader())
	verified := false
	if signature != "" {
		verified = p.verify(ctx, adapter, req, signature)
	} else {
		log.Warnf("[Ingest] Unsigned %s delivery %s for org %s accepted unverified", req.Provider, dedupeKey, req.OrganizationID)
	}

	event := &models.WebhookEvent{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		MerchantID:     optional(req.MerchantID),
		Provider:       adapter.Name(),
		EventType:      eventType,
		DedupeKey:      dedupeKey,
		Payload:        string(req.Payload),
		Headers:        models.StringMap(req.Headers),
		Signature:      signature,
		Verified:       verified,
	}
	rejected := signature != "" && !verified
	if rejected {
		// rejected rows are terminal from the first write
		reason := models.FailureInvalidSignature
		event.Processed = true
		event.FailureReason = &reason
	}
	if err := p.events.Create(ctx, event); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost the insert race; the winner's row is authoritative
			winner, lookupErr := p.events.GetByDedupeKey(ctx, req.OrganizationID, dedupeKey)
			if lookupErr == nil {
				p.stats.Incr(ctx, counter.Duplicate)
				return Result{Success: true, EventID: winner.ID, Duplicate: true}
			}
			return Result{Error: fmt.Errorf("recheck dedupe key %s: %w", dedupeKey, lookupErr)}
		}
		return Result{Error: fmt.Errorf("persist webhook event: %w", err)}
	}
	p.stats.Incr(ctx, counter.Accepted)

	if rejected {
		p.audit.RecordSecurityEvent(ctx, audit.SecurityEvent{
			Kind:           "invalid_signature",
			Provider:       event.Provider,
			OrganizationID: event.OrganizationID,
			EventID:        event.ID,
			DedupeKey:      event.DedupeKey,
			Detail:         "signature verification failed",
		})
		p.stats.Incr(ctx, counter.InvalidSignature)
		return Result{EventID: event.ID, Error: &InvalidSignatureError{Provider: event.Provider}}
	}

	return p.apply(ctx, event)
}

func (p *Pipeline) verify(ctx context.Context, adapter providers.Adapter, req Request, signature string) bool {
	secret, err := p.secrets.SigningSecret(ctx, adapter.Name(), req.OrganizationID)
	if err != nil {
		log.Warnf("[Ingest] No signing secret for %s org %s: %v", adapter.Name(), req.OrganizationID, err)
		return false
	}
	return adapter.VerifySignature(req.Payload, signature, secret)
}

// apply dispatches the business effect and persists the first-pass outcome.
func (p *Pipeline) apply(ctx context.Context, event *models.WebhookEvent) Result {
	res := p.dispatcher.Dispatch(ctx, event)

	outcome := repository.EventOutcome{
		Processed: terminal(res),
		Attempts:  1,
	}
	if !res.Success {
		reason := res.Error
		outcome.FailureReason = &reason
	}
	if err := p.events.SaveOutcome(ctx, event.ID, outcome); err != nil {
		log.Errorf("[Ingest] Failed to save outcome for event %s: %v", event.ID, err)
	}

	if res.Success {
		return Result{Success: true, EventID: event.ID}
	}

	p.stats.Incr(ctx, counter.BusinessFailure)
	log.Warnf("[Ingest] Business effect failed for event %s (retry=%t): %s", event.ID, res.ShouldRetry, res.Error)
	if res.ShouldRetry && p.retries != nil {
		if err := p.retries.ScheduleRetry(ctx, event, res.Error); err != nil {
			log.Errorf("[Ingest] Failed to schedule retry for event %s: %v", event.ID, err)
		}
	}
	return Result{EventID: event.ID, Error: &BusinessEffectError{Reason: res.Error, Retryable: res.ShouldRetry}}
}

// terminal reports whether no further attempts will follow this result.
func terminal(res effects.Result) bool {
	return res.Success || !res.ShouldRetry
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
