package events

import (
	"strings"
	"time"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

// Topic addresses a live channel. Ticket topics carry conversation events,
// party topics carry errors for one sender.
type Topic string

const (
	ticketTopicPrefix = "ticket:"
	partyTopicPrefix  = "party:"
	// Session keyed topics get their own namespace so a client chosen
	// session id never collides with an agent id.
	sessionTopicPrefix = partyTopicPrefix + "anon:"

	// AnonymousParty keys the error topic of anonymous senders without a session id.
	AnonymousParty = "anonymous"
)

// TicketTopic returns the topic of a ticket conversation.
func TicketTopic(ticketID string) Topic {
	return Topic(ticketTopicPrefix + ticketID)
}

// PartyTopic returns the error topic of a sender: party:<agentId> when
// present, otherwise party:anon:<sessionId>, otherwise the shared anonymous key.
func PartyTopic(authorID *string, sessionID string) Topic {
	switch {
	case authorID != nil && *authorID != "":
		return Topic(partyTopicPrefix + *authorID)
	case sessionID != "":
		return Topic(sessionTopicPrefix + sessionID)
	default:
		return Topic(partyTopicPrefix + AnonymousParty)
	}
}

// TicketID extracts the ticket id of a ticket topic.
func (t Topic) TicketID() (string, bool) {
	if !strings.HasPrefix(string(t), ticketTopicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(t), ticketTopicPrefix), true
}

// IsParty reports whether t is a party topic.
func (t Topic) IsParty() bool {
	return strings.HasPrefix(string(t), partyTopicPrefix)
}

// Valid reports whether the topic uses a known prefix and a non-empty key.
func (t Topic) Valid() bool {
	s := string(t)
	switch {
	case strings.HasPrefix(s, ticketTopicPrefix):
		return len(s) > len(ticketTopicPrefix)
	case strings.HasPrefix(s, partyTopicPrefix):
		return len(s) > len(partyTopicPrefix)
	}
	return false
}

// Kind enumerates live event kinds.
type Kind string

const (
	KindMessage Kind = "message"
	KindSeen    Kind = "seen"
	KindClosed  Kind = "closed"
	KindError   Kind = "error"
)

// Event is a typed live channel event. Exactly one payload field is set,
// matching Kind.
type Event struct {
	ID      string
	Kind    Kind
	Topic   Topic
	At      time.Time
	Message *MessagePayload
	Seen    *SeenPayload
	Closed  *ClosedPayload
	Error   string
}

// MessagePayload carries a persisted message.
type MessagePayload struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	AuthorID  *string   `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Seq       int64     `json:"seq"`
}

// SeenPayload carries a seen receipt update.
type SeenPayload struct {
	Role domain.Role `json:"role"`
	At   time.Time   `json:"at"`
}

// ClosedPayload announces that a ticket no longer accepts messages.
type ClosedPayload struct {
	TicketID string    `json:"ticketId"`
	ClosedAt time.Time `json:"closedAt"`
}

// NewMessageEvent builds a "message" event.
func NewMessageEvent(msg domain.Message) Event {
	return Event{
		Kind: KindMessage,
		Message: &MessagePayload{
			ID:        msg.ID,
			TicketID:  msg.TicketID,
			AuthorID:  msg.AuthorID,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
			Seq:       msg.Seq,
		},
	}
}

// NewSeenEvent builds a "seen" event.
func NewSeenEvent(role domain.Role, at time.Time) Event {
	return Event{Kind: KindSeen, Seen: &SeenPayload{Role: role, At: at}}
}

// NewClosedEvent builds a "closed" event.
func NewClosedEvent(ticketID string, closedAt time.Time) Event {
	return Event{Kind: KindClosed, Closed: &ClosedPayload{TicketID: ticketID, ClosedAt: closedAt}}
}

// NewErrorEvent builds an "error" event.
func NewErrorEvent(text string) Event {
	return Event{Kind: KindError, Error: text}
}

// ToMessage converts the payload back into a domain message.
func (p *MessagePayload) ToMessage() domain.Message {
	return domain.Message{
		ID:        p.ID,
		TicketID:  p.TicketID,
		AuthorID:  p.AuthorID,
		Text:      p.Text,
		CreatedAt: p.CreatedAt,
		Seq:       p.Seq,
	}
}
