package router

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HealthRouter struct {
	checks map[string]HealthCheck
}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", h.handle)
}

func (h HealthRouter) handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := fiber.StatusOK
	results := fiber.Map{}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			log.Warnf("[Health] %s check failed: %v", name, err)
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": results})
}

func NewHealthRouter(checks map[string]HealthCheck) *HealthRouter {
	return &HealthRouter{checks: checks}
}
