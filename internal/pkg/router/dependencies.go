package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/payhook/app/controllers"
	"github.com/ManuelReschke/payhook/internal/pkg/middleware"
)

// Dependencies carries the wired controllers into the routers.
// LimiterStorage may be nil, the admin limiter then keeps counts in memory.
type Dependencies struct {
	Webhooks       *controllers.WebhookController
	Admin          *controllers.AdminController
	Authorizer     middleware.Authorizer
	LimiterStorage fiber.Storage
	Checks         map[string]HealthCheck
}
