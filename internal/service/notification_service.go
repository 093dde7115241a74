package service

import (
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
)

// NotificationService emits out-of-band notifications for live events.
type NotificationService struct {
	logger *zap.Logger
	cfg    config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		logger: logger,
		cfg:    cfg,
	}
}

// Handle notifies about one live event. Kinds other than message and
// closed are ignored.
func (n *NotificationService) Handle(event events.Event) {
	switch event.Kind {
	case events.KindMessage:
		n.handleMessage(event)
	case events.KindClosed:
		n.handleClosed(event)
	}
}

func (n *NotificationService) handleMessage(event events.Event) {
	if event.Message == nil {
		return
	}
	ticketID := event.Message.TicketID
	role := domain.RoleOf(event.Message.AuthorID)
	n.logger.Info("TicketMessageAdded",
		zap.String("ticket_id", ticketID),
		zap.String("author_role", string(role)))
	// Agents are paged for requester messages; requesters are anonymous and
	// have no address to mail.
	if role == domain.RoleAnonymous {
		n.sendEmailNotificationStub(ticketID, event.Kind)
	}
	n.sendWebhookNotificationStub(ticketID, event.Kind)
}

func (n *NotificationService) handleClosed(event events.Event) {
	if event.Closed == nil {
		return
	}
	n.logger.Info("TicketClosed", zap.String("ticket_id", event.Closed.TicketID))
	n.sendWebhookNotificationStub(event.Closed.TicketID, event.Kind)
}

func (n *NotificationService) sendEmailNotificationStub(ticketID string, kind events.Kind) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("ticket_id", ticketID),
		zap.String("event_kind", string(kind)))
}

func (n *NotificationService) sendWebhookNotificationStub(ticketID string, kind events.Kind) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("ticket_id", ticketID),
		zap.String("event_kind", string(kind)))
}
