package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/feedback-chat/internal/api/dto"
	"github.com/spec-kit/feedback-chat/internal/service"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// AgentsHandler exposes agent auth endpoints.
type AgentsHandler struct {
	auth *service.AuthService
}

// NewAgentsHandler constructs handler.
func NewAgentsHandler(authService *service.AuthService) *AgentsHandler {
	return &AgentsHandler{auth: authService}
}

// Login handles POST /auth/agents/login.
func (h *AgentsHandler) Login(c *fiber.Ctx) error {
	var req dto.AgentLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}

	agent, token, exp, err := h.auth.LoginAgent(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": dto.AuthResponse{
			AccessToken: token,
			ExpiresAt:   exp,
			Agent: dto.AgentResponse{
				ID:    agent.ID,
				Name:  agent.Name,
				Email: agent.Email,
			},
		},
	})
}
