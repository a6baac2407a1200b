package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the health check first, then the provider webhook
// endpoints, then the authenticated admin API.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app,
		NewHealthRouter(deps.Checks),
		NewWebhookRouter(deps.Webhooks),
		NewApiRouter(deps.Admin, deps.Authorizer, deps.LimiterStorage),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
