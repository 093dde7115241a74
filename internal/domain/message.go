package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxMessageLength bounds message text when no limit is configured.
const DefaultMaxMessageLength = 1000

// Role identifies one of the two parties of a ticket.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
)

// ParseRole accepts the wire names of both parties; "agent" is an alias of RoleUser.
func ParseRole(value string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RoleAnonymous):
		return RoleAnonymous, true
	case string(RoleUser), "agent":
		return RoleUser, true
	}
	return "", false
}

// Other returns the opposite party.
func (r Role) Other() Role {
	if r == RoleAnonymous {
		return RoleUser
	}
	return RoleAnonymous
}

// RoleOf maps an author id to its party: nil or empty means anonymous.
func RoleOf(authorID *string) Role {
	if authorID == nil || *authorID == "" {
		return RoleAnonymous
	}
	return RoleUser
}

// Message is one immutable chat line of a ticket thread.
type Message struct {
	ID        string
	TicketID  string
	AuthorID  *string
	Text      string
	CreatedAt time.Time
	// Seq is the store insertion order, used to break CreatedAt ties.
	Seq int64
}

// AuthorRole returns the party that wrote the message.
func (m *Message) AuthorRole() Role {
	return RoleOf(m.AuthorID)
}

// Before reports whether m sorts ahead of other in a ticket thread.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// TextProblem describes why message text is rejected.
type TextProblem string

const (
	TextOK      TextProblem = ""
	TextEmpty   TextProblem = "text must not be empty"
	TextTooLong TextProblem = "text is too long"
)

// NormalizeText trims the text and checks it against the length bound.
func NormalizeText(text string, maxLen int) (string, TextProblem) {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", TextEmpty
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return "", TextTooLong
	}
	return trimmed, TextOK
}
