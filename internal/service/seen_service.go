package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/repository"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// SeenTracker records seen receipts for both parties of a ticket.
type SeenTracker struct {
	tickets   repository.TicketRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewSeenTracker constructs the tracker.
func NewSeenTracker(tickets repository.TicketRepository, publisher events.Publisher, logger *zap.Logger) *SeenTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeenTracker{
		tickets:   tickets,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MarkSeen raises the role's receipt to at (now when zero) and publishes the
// stored value. Receipts never move backwards, so a stale at republishes the
// newer stored one.
func (s *SeenTracker) MarkSeen(ctx context.Context, ticketID string, role domain.Role, at time.Time) (*domain.Ticket, error) {
	parsed, ok := domain.ParseRole(string(role))
	if !ok {
		return nil, apperrors.NewValidationError("unknown role", map[string]any{"field": "role", "value": string(role)})
	}
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return nil, apperrors.NewValidationError("ticket id is required", map[string]any{"field": "ticketId"})
	}
	if at.IsZero() {
		at = s.now()
	}

	ticket, err := s.tickets.RaiseLastSeen(ctx, ticketID, parsed, at.UTC())
	if err != nil {
		return nil, mapTicketError(err, ticketID)
	}

	if s.publisher != nil {
		event := events.NewSeenEvent(parsed, ticket.LastSeen(parsed))
		if err := s.publisher.Publish(context.WithoutCancel(ctx), events.TicketTopic(ticketID), event); err != nil {
			s.logger.Warn("publish seen event failed",
				zap.String("ticket_id", ticketID),
				zap.String("role", string(parsed)),
				zap.Error(err))
		}
	}
	return ticket, nil
}
