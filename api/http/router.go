package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/artem13815/chatrelay/api/http/handlers"
)

// Register wires all HTTP routes onto given Fiber app.
// authMW guards the conversation routes; chatLimit applies to message submission only.
func Register(app *fiber.App, health *handlers.HealthHandler, conversations *handlers.ConversationHandler, authMW, chatLimit fiber.Handler) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	// Health and readiness endpoints for probes/monitoring
	v1.Get("/health", health.Health)
	v1.Get("/ready", health.Ready)

	cg := v1.Group("/conversations", authMW)
	cg.Get("/", conversations.List)
	cg.Post("/messages", chatLimit, conversations.SendMessage)
	cg.Get("/:id", conversations.Get)
	cg.Get("/:id/turns", conversations.Turns)
	cg.Post("/:id/messages", chatLimit, conversations.SendMessage)
}
