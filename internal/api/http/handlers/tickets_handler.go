package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/feedback-chat/internal/api/dto"
	"github.com/spec-kit/feedback-chat/internal/auth"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/service"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// IdempotencyHeader carries the client's retry key for message submission.
const IdempotencyHeader = "Idempotency-Key"

// TicketsHandler manages ticket conversation endpoints.
type TicketsHandler struct {
	tickets  *service.TicketService
	messages *service.MessageService
	seen     *service.SeenTracker
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(tickets *service.TicketService, messages *service.MessageService, seen *service.SeenTracker) *TicketsHandler {
	return &TicketsHandler{tickets: tickets, messages: messages, seen: seen}
}

// OpenTicket POST /tickets.
func (h *TicketsHandler) OpenTicket(c *fiber.Ctx) error {
	var req dto.OpenTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	ticket, messages, err := h.tickets.Open(c.UserContext(), req.Text)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewTicketDetailResponse(ticket, messages)})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, messages, err := h.tickets.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketDetailResponse(ticket, messages)})
}

// PostMessage POST /tickets/:id/messages.
func (h *TicketsHandler) PostMessage(c *fiber.Ctx) error {
	var req dto.PostMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	principal, _ := auth.PrincipalFromContext(c)
	if !auth.CanAuthor(principal, req.AuthorID) {
		return apperrors.NewForbidden("author does not match token")
	}

	msg, err := h.messages.SubmitWithKey(c.UserContext(), c.Get(IdempotencyHeader), c.Params("id"), req.AuthorID, req.Text)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewMessageResponse(msg)})
}

// MarkSeen PUT /tickets/:id/seen.
func (h *TicketsHandler) MarkSeen(c *fiber.Ctx) error {
	var req dto.MarkSeenRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	role, _ := domain.ParseRole(req.Role)
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	if _, err := h.seen.MarkSeen(c.UserContext(), c.Params("id"), role, at); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{}})
}

// CloseTicket PUT /tickets/:id/close.
func (h *TicketsHandler) CloseTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("agent required")
	}
	ticket, err := h.tickets.Close(c.UserContext(), c.Params("id"), principal.AgentID())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}
