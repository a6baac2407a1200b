package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/effects"
	"github.com/ManuelReschke/payhook/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// ReplayRequest is an operator-initiated re-execution of an event's effect.
type ReplayRequest struct {
	OrganizationID string
	EventID        string
	Actor          string
	Reason         string
}

// Replay resets the event and re-runs its business effect, bypassing the
// dedupe short-circuit. Events rejected by signature cannot be replayed.
func (p *Pipeline) Replay(ctx context.Context, req ReplayRequest) (Result, error) {
	event, err := p.events.GetByID(ctx, req.EventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, &NotFoundError{EventID: req.EventID}
	}
	if err != nil {
		return Result{}, fmt.Errorf("load webhook event %s: %w", req.EventID, err)
	}
	if event.OrganizationID != req.OrganizationID {
		p.audit.RecordSecurityEvent(ctx, audit.SecurityEvent{
			Kind:           "cross_org_replay",
			Provider:       event.Provider,
			OrganizationID: req.OrganizationID,
			EventID:        event.ID,
			Detail:         "actor " + req.Actor,
		})
		return Result{}, &AccessDeniedError{EventID: req.EventID}
	}
	if event.RejectedBySignature() {
		return Result{}, &AccessDeniedError{EventID: req.EventID, Reason: "event failed signature verification"}
	}

	if err := p.events.ResetForReplay(ctx, event.ID); err != nil {
		return Result{}, fmt.Errorf("reset webhook event %s: %w", event.ID, err)
	}
	event.Processed = false
	event.ProcessingAttempts = 0
	event.FailureReason = nil

	p.audit.RecordReplay(ctx, audit.ReplayEvent{
		Actor:          req.Actor,
		OrganizationID: req.OrganizationID,
		EventID:        event.ID,
		Reason:         req.Reason,
		Source:         "event",
	})
	log.Infof("[Ingest] Replaying event %s by %s", event.ID, req.Actor)

	return p.apply(ctx, event), nil
}

// RetryOutcome is what a retry worker needs to decide the next step.
type RetryOutcome struct {
	Result   effects.Result
	Attempts int
	Skipped  bool
}

// ProcessRetry re-runs the business effect for a stored event. Attempt counts
// are incremented in storage.
func (p *Pipeline) ProcessRetry(ctx context.Context, eventID string) (RetryOutcome, error) {
	event, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("load webhook event %s: %w", eventID, err)
	}
	if event.Processed || event.RejectedBySignature() {
		return RetryOutcome{Result: effects.Result{Success: event.Processed}, Attempts: event.ProcessingAttempts, Skipped: true}, nil
	}

	res := p.dispatcher.Dispatch(ctx, event)
	var reason *string
	if !res.Success {
		r := res.Error
		reason = &r
	}
	attempts, err := p.events.RecordAttempt(ctx, event.ID, terminal(res), reason)
	if err != nil {
		return RetryOutcome{Result: res}, fmt.Errorf("record attempt for %s: %w", event.ID, err)
	}
	if res.Success {
		log.Infof("[Ingest] Retry succeeded for event %s after %d attempts", event.ID, attempts)
	} else {
		p.stats.Incr(ctx, counter.BusinessFailure)
	}
	return RetryOutcome{Result: res, Attempts: attempts}, nil
}

// Event loads a single event scoped to organizationID.
func (p *Pipeline) Event(ctx context.Context, organizationID, eventID string) (*models.WebhookEvent, error) {
	event, err := p.events.GetByID(ctx, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{EventID: eventID}
	}
	if err != nil {
		return nil, err
	}
	if event.OrganizationID != organizationID {
		// do not reveal other tenants' ids
		return nil, &NotFoundError{EventID: eventID}
	}
	return event, nil
}

// Events lists events for an organization.
func (p *Pipeline) Events(ctx context.Context, filter repository.EventFilter) (*repository.EventPage, error) {
	return p.events.List(ctx, filter)
}
