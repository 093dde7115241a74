package dto

import (
	"time"

	"github.com/samber/lo"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

// OpenTicketRequest payload for POST /tickets.
type OpenTicketRequest struct {
	Text string `json:"text" validate:"required"`
}

// PostMessageRequest payload for POST /tickets/:id/messages.
type PostMessageRequest struct {
	AuthorID *string `json:"authorId"`
	Text     string  `json:"text" validate:"required"`
}

// MarkSeenRequest payload for PUT /tickets/:id/seen. A missing at means now.
type MarkSeenRequest struct {
	Role string     `json:"role" validate:"required,oneof=user anonymous agent"`
	At   *time.Time `json:"at"`
}

// TicketResponse is the wire form of a ticket. Receipts are null until set.
type TicketResponse struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"createdAt"`
	IsClosed         bool       `json:"isClosed"`
	ClosedAt         *time.Time `json:"closedAt"`
	AnonymLastSeenAt *time.Time `json:"anonymLastSeenAt"`
	UserLastSeenAt   *time.Time `json:"userLastSeenAt"`
}

// MessageResponse is the wire form of a message.
type MessageResponse struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	AuthorID  *string   `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
}

// TicketDetailResponse bundles a ticket with its ordered messages.
type TicketDetailResponse struct {
	Ticket   TicketResponse    `json:"ticket"`
	Messages []MessageResponse `json:"messages"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:               t.ID,
		CreatedAt:        t.CreatedAt,
		IsClosed:         t.IsClosed,
		ClosedAt:         t.ClosedAt,
		AnonymLastSeenAt: optionalTime(t.AnonymLastSeenAt),
		UserLastSeenAt:   optionalTime(t.UserLastSeenAt),
	}
}

// NewMessageResponse maps a domain message.
func NewMessageResponse(m *domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		TicketID:  m.TicketID,
		AuthorID:  m.AuthorID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		Seq:       m.Seq,
	}
}

// NewTicketDetailResponse maps a ticket snapshot.
func NewTicketDetailResponse(t *domain.Ticket, messages []domain.Message) TicketDetailResponse {
	return TicketDetailResponse{
		Ticket: NewTicketResponse(t),
		Messages: lo.Map(messages, func(item domain.Message, _ int) MessageResponse {
			return NewMessageResponse(&item)
		}),
	}
}

// ToDomain converts the wire ticket back into the domain model.
func (r TicketResponse) ToDomain() *domain.Ticket {
	return &domain.Ticket{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		IsClosed:         r.IsClosed,
		ClosedAt:         r.ClosedAt,
		AnonymLastSeenAt: lo.FromPtr(r.AnonymLastSeenAt),
		UserLastSeenAt:   lo.FromPtr(r.UserLastSeenAt),
	}
}

// ToDomain converts the wire message back into the domain model.
func (r MessageResponse) ToDomain() domain.Message {
	return domain.Message{
		ID:        r.ID,
		TicketID:  r.TicketID,
		AuthorID:  r.AuthorID,
		Text:      r.Text,
		CreatedAt: r.CreatedAt,
		Seq:       r.Seq,
	}
}

// ToDomain converts the snapshot back into domain values.
func (r TicketDetailResponse) ToDomain() (*domain.Ticket, []domain.Message) {
	return r.Ticket.ToDomain(), lo.Map(r.Messages, func(item MessageResponse, _ int) domain.Message {
		return item.ToDomain()
	})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return lo.ToPtr(t)
}
