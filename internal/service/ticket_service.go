package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/repository"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets   repository.TicketRepository
	messages  repository.TicketMessageRepository
	submitter *MessageService
	publisher events.Publisher
	logger    *zap.Logger
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	MessageRepo repository.TicketMessageRepository
	Messages    *MessageService
	Publisher   events.Publisher
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies, logger *zap.Logger) *TicketService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:   deps.TicketRepo,
		messages:  deps.MessageRepo,
		submitter: deps.Messages,
		publisher: deps.Publisher,
		logger:    logger,
	}
}

// Open creates a ticket whose first message is the anonymous requester's text.
func (s *TicketService) Open(ctx context.Context, text string) (*domain.Ticket, []domain.Message, error) {
	if _, problem := domain.NormalizeText(text, s.submitter.maxLength); problem != domain.TextOK {
		return nil, nil, apperrors.NewValidationError(string(problem), map[string]any{"field": "text"})
	}

	ticket := &domain.Ticket{}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, nil, fmt.Errorf("create ticket: %w", err)
	}
	msg, err := s.submitter.Submit(ctx, ticket.ID, nil, text)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("ticket opened", zap.String("ticket_id", ticket.ID))
	return ticket, []domain.Message{*msg}, nil
}

// Get returns the ticket with its messages ordered oldest first.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*domain.Ticket, []domain.Message, error) {
	ticketID = strings.TrimSpace(ticketID)
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, nil, mapTicketError(err, ticketID)
	}
	messages, err := s.messages.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return ticket, messages, nil
}

// Close stops the ticket from accepting messages and announces it on the
// ticket topic. Closing an already closed ticket is a no-op; of several
// concurrent closes only the one that flipped the ticket publishes.
func (s *TicketService) Close(ctx context.Context, ticketID, agentID string) (*domain.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	ticket, closedNow, err := s.tickets.Close(ctx, ticketID)
	if err != nil {
		return nil, mapTicketError(err, ticketID)
	}
	if !closedNow {
		return ticket, nil
	}
	s.logger.Info("ticket closed", zap.String("ticket_id", ticketID), zap.String("agent_id", agentID))

	if s.publisher != nil && ticket.ClosedAt != nil {
		event := events.NewClosedEvent(ticketID, *ticket.ClosedAt)
		if err := s.publisher.Publish(context.WithoutCancel(ctx), events.TicketTopic(ticketID), event); err != nil {
			s.logger.Warn("publish closed event failed", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}
	return ticket, nil
}
