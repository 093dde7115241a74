package domain

import (
	"errors"
	"time"
)

var (
	// ErrTicketNotFound is returned by stores when the ticket does not exist.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketClosed is returned by stores when a message targets a closed ticket.
	ErrTicketClosed = errors.New("ticket is closed")
)

// Ticket is the aggregate for a support conversation between the anonymous
// requester and an agent.
type Ticket struct {
	ID               string
	CreatedAt        time.Time
	IsClosed         bool
	ClosedAt         *time.Time
	AnonymLastSeenAt time.Time
	UserLastSeenAt   time.Time
}

// LastSeen returns the stored seen receipt for the given role.
func (t *Ticket) LastSeen(role Role) time.Time {
	if role == RoleAnonymous {
		return t.AnonymLastSeenAt
	}
	return t.UserLastSeenAt
}

// RaiseLastSeen moves the role's receipt forward. Older timestamps are ignored.
func (t *Ticket) RaiseLastSeen(role Role, at time.Time) bool {
	if !at.After(t.LastSeen(role)) {
		return false
	}
	if role == RoleAnonymous {
		t.AnonymLastSeenAt = at
	} else {
		t.UserLastSeenAt = at
	}
	return true
}
