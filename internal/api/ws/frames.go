package ws

import (
	"encoding/json"

	"github.com/spec-kit/feedback-chat/internal/events"
)

// Upgrade query parameters.
const (
	TokenParam   = "token"
	SessionParam = "session"
)

// maxSessionIDLength bounds the session query parameter.
const maxSessionIDLength = 128

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
)

// ClientFrame is a frame sent by a websocket client.
type ClientFrame struct {
	Type           string       `json:"type"`
	Topic          events.Topic `json:"topic,omitempty"`
	TicketID       string       `json:"ticketId,omitempty"`
	AuthorID       *string      `json:"authorId,omitempty"`
	Text           string       `json:"text,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

// connectionError builds the frame answering a bad request on the
// connection itself. It carries no topic.
func connectionError(text string) events.Frame {
	payload, _ := json.Marshal(text)
	return events.Frame{Kind: events.KindError, Payload: payload}
}
