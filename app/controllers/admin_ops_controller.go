package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/payhook/internal/pkg/audit"
	"github.com/ManuelReschke/payhook/internal/pkg/jobqueue"
)

type deadLetterQuery struct {
	Offset int `query:"offset" validate:"min=0"`
	Limit  int `query:"limit" validate:"min=0,max=200"`
}

func (ac *AdminController) HandleListDeadLetters(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	var q deadLetterQuery
	if err := c.QueryParser(&q); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid query parameters")
	}
	if err := validate.Struct(q); err != nil {
		return validationError(c, err)
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	letters, err := ac.queue.ListDeadLetters(c.UserContext(), p.OrganizationID, q.Offset, q.Limit)
	if err != nil {
		log.Errorf("[Admin] List dead letters failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to list dead letters")
	}
	if letters == nil {
		letters = []jobqueue.DeadLetter{}
	}
	return c.JSON(fiber.Map{"dead_letters": letters})
}

// HandleReplayDeadLetter puts a dead letter back at the head of the retry queue.
func (ac *AdminController) HandleReplayDeadLetter(c *fiber.Ctx) error {
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

	ctx := c.UserContext()
	dl, err := ac.queue.ReplayDeadLetter(ctx, p.OrganizationID, c.Params("eventId"))
	if err != nil {
		if errors.Is(err, jobqueue.ErrDeadLetterNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "Dead letter not found")
		}
		log.Errorf("[Admin] Dead-letter replay failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Dead-letter replay failed")
	}

	ac.audit.RecordReplay(ctx, audit.ReplayEvent{
		Actor:          p.Actor,
		OrganizationID: p.OrganizationID,
		EventID:        dl.EventID,
		Reason:         body.Reason,
		Source:         "dead_letter",
	})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"requeued": true, "event_id": dl.EventID, "job_id": dl.JobID})
}

// HandleRunReconciliation queues an on-demand reconciliation run.
func (ac *AdminController) HandleRunReconciliation(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}

	queued, err := ac.reconcile.TriggerReconciliation(c.UserContext(), "manual:"+p.Actor)
	if err != nil {
		log.Errorf("[Admin] Reconciliation trigger failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to trigger reconciliation")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued, "already_pending": !queued})
}

func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	if _, err := principal(c); err != nil {
		return err
	}

	ctx := c.UserContext()
	stats, err := ac.queue.Stats(ctx)
	if err != nil {
		log.Errorf("[Admin] Queue stats failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load queue stats")
	}

	out := fiber.Map{"queue": stats}
	if ac.counters != nil {
		totals, err := ac.counters.Totals(ctx)
		if err != nil {
			log.Warnf("[Admin] Counter totals unavailable: %v", err)
		} else {
			out["counters"] = totals
		}
	}
	return c.JSON(out)
}
