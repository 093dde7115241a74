package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/feedback-chat/internal/api/http/handlers"
	"github.com/spec-kit/feedback-chat/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Agents         *handlers.AgentsHandler
	Tickets        *handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes. Requesters are anonymous, so ticket
// routes only load a principal when a bearer token is sent.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	authGroup := app.Group("/auth")
	authGroup.Post("/agents/login", cfg.Agents.Login)

	tickets := app.Group("/tickets", cfg.AuthMiddleware.Optional)
	tickets.Post("/", cfg.Tickets.OpenTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/messages", cfg.Tickets.PostMessage)
	tickets.Put("/:id/seen", cfg.Tickets.MarkSeen)
	tickets.Put("/:id/close", cfg.AuthMiddleware.Handle, auth.RequireAgent(), cfg.Tickets.CloseTicket)
}
