package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/payhook/app/controllers"
)

type WebhookRouter struct {
	controller *controllers.WebhookController
}

func (w WebhookRouter) InstallRouter(app *fiber.App) {
	// provider deliveries are never rate limited
	app.Post("/webhooks/:provider", w.controller.HandleWebhook)
}

func NewWebhookRouter(controller *controllers.WebhookController) *WebhookRouter {
	return &WebhookRouter{controller: controller}
}
