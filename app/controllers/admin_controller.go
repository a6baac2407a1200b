package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/ingest"
	"github.com/ManuelReschke/payhook/internal/pkg/jobqueue"
)

// EventService is the operator view of stored events.
type EventService interface {
	Event(ctx context.Context, organizationID, eventID string) (*models.WebhookEvent, error)
	Events(ctx context.Context, filter repository.EventFilter) (*repository.EventPage, error)
	Replay(ctx context.Context, req ingest.ReplayRequest) (ingest.Result, error)
}

// DeadLetterQueue is the operator view of the retry queue.
type DeadLetterQueue interface {
	ListDeadLetters(ctx context.Context, organizationID string, offset, limit int) ([]jobqueue.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, organizationID, eventID string) (*jobqueue.DeadLetter, error)
	Stats(ctx context.Context) (*jobqueue.QueueStats, error)
}

type ReconcileTrigger interface {
	TriggerReconciliation(ctx context.Context, source string) (bool, error)
}

type CounterSource interface {
	Totals(ctx context.Context) (map[string]int64, error)
}

// AdminController serves the operator API. Every handler is scoped to the
// organization of the authenticated principal.
type AdminController struct {
	events    EventService
	alerts    repository.AlertRepository
	queue     DeadLetterQueue
	reconcile ReconcileTrigger
	counters  CounterSource
	audit     audit.Sink
}

// NewAdminController creates a new admin controller. counters may be nil.
func NewAdminController(events EventService, alerts repository.AlertRepository, queue DeadLetterQueue, reconcile ReconcileTrigger, counters CounterSource, sink audit.Sink) *AdminController {
	return &AdminController{
		events:    events,
		alerts:    alerts,
		queue:     queue,
		reconcile: reconcile,
		counters:  counters,
		audit:     sink,
	}
}

type eventListQuery struct {
	Provider  string `query:"provider" validate:"omitempty,oneof=payment-processor fraud-detector business-verification"`
	EventType string `query:"event_type" validate:"omitempty,max=100"`
	Processed string `query:"processed" validate:"omitempty,oneof=true false"`
	Verified  string `query:"verified" validate:"omitempty,oneof=true false"`
	From      string `query:"from" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To        string `query:"to" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Offset    int    `query:"offset" validate:"min=0"`
	Limit     int    `query:"limit" validate:"min=0,max=200"`
	Cursor    string `query:"cursor" validate:"omitempty,max=512"`
}

// HandleListEvents returns a page of events, newest first.
func (ac *AdminController) HandleListEvents(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var q eventListQuery
	if err := c.QueryParser(&q); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid query parameters")
	}
	if err := validate.Struct(q); err != nil {
		return validationError(c, err)
	}

	page, err := ac.events.Events(c.UserContext(), repository.EventFilter{
		OrganizationID: p.OrganizationID,
		Provider:       q.Provider,
		EventType:      q.EventType,
		Processed:      parseOptionalBool(q.Processed),
		Verified:       parseOptionalBool(q.Verified),
		From:           parseOptionalTime(q.From),
		To:             parseOptionalTime(q.To),
		Offset:         q.Offset,
		Limit:          q.Limit,
		Cursor:         q.Cursor,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid cursor")
		}
		log.Errorf("[Admin] List events failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to list events")
	}
	return c.JSON(page)
}

// HandleGetEvent returns one event including its raw payload and headers.
func (ac *AdminController) HandleGetEvent(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	event, err := ac.events.Event(c.UserContext(), p.OrganizationID, c.Params("id"))
	if err != nil {
		var nf *ingest.NotFoundError
		if errors.As(err, &nf) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Event not found")
		}
		log.Errorf("[Admin] Get event failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load event")
	}
	return c.JSON(fiber.Map{
		"event":           event,
		"last_attempt_at": formatTimePtr(event.LastAttemptAt),
	})
}

type replayBody struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// HandleReplayEvent re-runs an event's business effect on operator request.
func (ac *AdminController) HandleReplayEvent(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var body replayBody
	if err := c.BodyParser(&body); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	body.Reason = strings.TrimSpace(body.Reason)
	if err := validate.Struct(body); err != nil {
		return validationError(c, err)
	}

	res, err := ac.events.Replay(c.UserContext(), ingest.ReplayRequest{
		OrganizationID: p.OrganizationID,
		EventID:        c.Params("id"),
		Actor:          p.Actor,
		Reason:         body.Reason,
	})
	if err != nil {
		var (
			nf     *ingest.NotFoundError
			denied *ingest.AccessDeniedError
		)
		switch {
		case errors.As(err, &nf):
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Event not found")
		case errors.As(err, &denied):
			return errorJSON(c, fiber.StatusForbidden, "access_denied", denied.Error())
		}
		log.Errorf("[Admin] Replay failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Replay failed")
	}

	out := fiber.Map{"replayed": true, "event_id": res.EventID, "success": res.Success}
	if res.Error != nil {
		out["error"] = res.Error.Error()
	}
	return c.JSON(out)
}

type alertListQuery struct {
	Type     string `query:"type" validate:"omitempty,oneof=orphaned_transaction missing_payment_link webhook_delivery_lag status_mismatch"`
	Severity string `query:"severity" validate:"omitempty,oneof=low medium high"`
	Resolved string `query:"resolved" validate:"omitempty,oneof=true false"`
	Offset   int    `query:"offset" validate:"min=0"`
	Limit    int    `query:"limit" validate:"min=0,max=200"`
}

func (ac *AdminController) HandleListAlerts(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var q alertListQuery
	if err := c.QueryParser(&q); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid query parameters")
	}
	if err := validate.Struct(q); err != nil {
		return validationError(c, err)
	}

	alerts, total, err := ac.alerts.List(c.UserContext(), repository.AlertFilter{
		OrganizationID: p.OrganizationID,
		Type:           q.Type,
		Severity:       q.Severity,
		Resolved:       parseOptionalBool(q.Resolved),
		Offset:         q.Offset,
		Limit:          q.Limit,
	})
	if err != nil {
		log.Errorf("[Admin] List alerts failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to list alerts")
	}
	if alerts == nil {
		alerts = []models.ReconciliationAlert{}
	}
	return c.JSON(fiber.Map{"alerts": alerts, "total": total})
}

type resolveBody struct {
	Note string `json:"note" validate:"max=1000"`
}

func (ac *AdminController) HandleResolveAlert(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var body resolveBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
		}
	}
	if err := validate.Struct(body); err != nil {
		return validationError(c, err)
	}

	ctx := c.UserContext()
	id := c.Params("id")
	alert, err := ac.alerts.GetByID(ctx, id)
	if err != nil || alert.OrganizationID != p.OrganizationID {
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Alert not found")
		}
		log.Errorf("[Admin] Load alert failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load alert")
	}

	resolved, err := ac.alerts.Resolve(ctx, id, repository.AlertResolution{
		By:   p.Actor,
		Type: models.ResolutionManual,
		Note: strings.TrimSpace(body.Note),
	})
	if err != nil {
		log.Errorf("[Admin] Resolve alert failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to resolve alert")
	}
	return c.JSON(fiber.Map{"alert": resolved})
}
