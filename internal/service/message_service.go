package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/repository"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

const (
	replayPollInterval = 25 * time.Millisecond
	replayWait         = 5 * time.Second
)

// MessageService validates, persists and broadcasts ticket messages.
type MessageService struct {
	messages    repository.TicketMessageRepository
	publisher   events.Publisher
	idempotency IdempotencyStore
	maxLength   int
	logger      *zap.Logger

	// pollInterval and replayWait bound how long a retry waits for a
	// submission still running under the same key.
	pollInterval time.Duration
	replayWait   time.Duration
}

// MessageDependencies bundles collaborators for the message service.
// Idempotency may be nil.
type MessageDependencies struct {
	MessageRepo repository.TicketMessageRepository
	Publisher   events.Publisher
	Idempotency IdempotencyStore
}

// NewMessageService constructs the service.
func NewMessageService(deps MessageDependencies, cfg config.ChatConfig, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		messages:    deps.MessageRepo,
		publisher:   deps.Publisher,
		idempotency: deps.Idempotency,
		maxLength:   cfg.MaxMessageLength,
		logger:      logger,

		pollInterval: replayPollInterval,
		replayWait:   replayWait,
	}
}

// Submit appends a message to an open ticket and publishes it on the ticket
// topic. A nil or empty authorID marks the anonymous party.
func (s *MessageService) Submit(ctx context.Context, ticketID string, authorID *string, text string) (*domain.Message, error) {
	return s.SubmitWithKey(ctx, "", ticketID, authorID, text)
}

// SubmitWithKey behaves like Submit. When key is not empty a retry with the
// same key returns the originally stored message without publishing again.
// A retry arriving while the first submission still runs waits for it.
func (s *MessageService) SubmitWithKey(ctx context.Context, key, ticketID string, authorID *string, text string) (*domain.Message, error) {
	body, problem := domain.NormalizeText(text, s.maxLength)
	if problem != domain.TextOK {
		return nil, apperrors.NewValidationError(string(problem), map[string]any{"field": "text"})
	}
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return nil, apperrors.NewValidationError("ticket id is required", map[string]any{"field": "ticketId"})
	}
	key = strings.TrimSpace(key)

	existing, reserved, err := s.reserve(ctx, key, ticketID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	msg := &domain.Message{
		TicketID: ticketID,
		AuthorID: normalizeAuthor(authorID),
		Text:     body,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		if reserved {
			s.release(context.WithoutCancel(ctx), key, ticketID)
		}
		return nil, mapTicketError(err, ticketID)
	}

	// The message is stored; nothing below may fail the submission.
	ctx = context.WithoutCancel(ctx)
	if reserved {
		s.complete(ctx, key, msg)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.TicketTopic(ticketID), events.NewMessageEvent(*msg)); err != nil {
			s.logger.Warn("publish message event failed",
				zap.String("ticket_id", ticketID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
	return msg, nil
}

// reserve claims key for this submission. It returns the stored message when
// an earlier submission with the key already completed. A store failure
// degrades to an unkeyed submission.
func (s *MessageService) reserve(ctx context.Context, key, ticketID string) (*domain.Message, bool, error) {
	if key == "" || s.idempotency == nil {
		return nil, false, nil
	}

	deadline := time.Now().Add(s.replayWait)
	for {
		messageID, reserved, err := s.idempotency.Reserve(ctx, ticketID, key)
		switch {
		case err != nil:
			s.logger.Warn("idempotency reserve failed", zap.String("ticket_id", ticketID), zap.Error(err))
			return nil, false, nil
		case reserved:
			return nil, true, nil
		case messageID != "":
			return s.stored(ctx, ticketID, messageID), false, nil
		}

		if time.Now().After(deadline) {
			return nil, false, apperrors.NewConflict("a submission with this idempotency key is still in progress",
				map[string]any{"ticketId": ticketID})
		}
		select {
		case <-ctx.Done():
			return nil, false, apperrors.NewTransportError(ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// stored loads the message a completed key points to. A dangling key yields
// nil so the caller submits anew.
func (s *MessageService) stored(ctx context.Context, ticketID, messageID string) *domain.Message {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil || msg.TicketID != ticketID {
		s.logger.Warn("idempotency key points to unknown message",
			zap.String("ticket_id", ticketID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return nil
	}
	return msg
}

func (s *MessageService) complete(ctx context.Context, key string, msg *domain.Message) {
	if err := s.idempotency.Complete(ctx, msg.TicketID, key, msg.ID); err != nil {
		s.logger.Warn("idempotency store failed", zap.String("ticket_id", msg.TicketID), zap.Error(err))
	}
}

func (s *MessageService) release(ctx context.Context, key, ticketID string) {
	if err := s.idempotency.Release(ctx, ticketID, key); err != nil {
		s.logger.Warn("idempotency release failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
}

func normalizeAuthor(authorID *string) *string {
	if authorID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*authorID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func mapTicketError(err error, ticketID string) error {
	switch {
	case errors.Is(err, domain.ErrTicketNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"ticketId": ticketID})
	case errors.Is(err, domain.ErrTicketClosed):
		return apperrors.NewTicketClosed(ticketID)
	}
	return fmt.Errorf("ticket %s: %w", ticketID, err)
}
