package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/payhook/app/controllers"
	"github.com/ManuelReschke/payhook/internal/pkg/env"
	"github.com/ManuelReschke/payhook/internal/pkg/middleware"
)

type ApiRouter struct {
	admin   *controllers.AdminController
	authz   middleware.Authorizer
	storage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	admin := v1.Group("/admin",
		limiter.New(limiter.Config{
			Max:        env.GetEnvInt("ADMIN_RATE_LIMIT", 120),
			Expiration: time.Minute,
			Storage:    h.storage,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
			},
		}),
		middleware.AdminAuth(h.authz),
	)

	admin.Get("/events", h.admin.HandleListEvents)
	admin.Get("/events/:id", h.admin.HandleGetEvent)
	admin.Post("/events/:id/replay", h.admin.HandleReplayEvent)

	admin.Get("/alerts", h.admin.HandleListAlerts)
	admin.Post("/alerts/:id/resolve", h.admin.HandleResolveAlert)

	admin.Get("/dead-letters", h.admin.HandleListDeadLetters)
	admin.Post("/dead-letters/:eventId/replay", h.admin.HandleReplayDeadLetter)

	admin.Post("/reconciliation/run", h.admin.HandleRunReconciliation)
	admin.Get("/queue/stats", h.admin.HandleQueueStats)
	admin.Get("/metrics", monitor.New(monitor.Config{Title: "payhook metrics"}))
}

func NewApiRouter(admin *controllers.AdminController, authz middleware.Authorizer, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{admin: admin, authz: authz, storage: storage}
}
