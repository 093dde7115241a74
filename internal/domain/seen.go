package domain

import "time"

// IsSeen reports whether the latest message has been observed by the party
// that did not write it. observerRole is the role partyLastSeenAt belongs to.
func IsSeen(messageCreatedAt time.Time, latestAuthorRole Role, partyLastSeenAt time.Time, observerRole Role) bool {
	if observerRole == latestAuthorRole {
		return false
	}
	return !partyLastSeenAt.Before(messageCreatedAt)
}

// LatestSeen evaluates IsSeen for the last message of a thread from the
// perspective of viewer. Only the viewer's own messages can carry a receipt.
func LatestSeen(ticket *Ticket, messages []Message, viewer Role) bool {
	if ticket == nil || len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	author := last.AuthorRole()
	if author != viewer {
		return false
	}
	other := viewer.Other()
	return IsSeen(last.CreatedAt, author, ticket.LastSeen(other), other)
}
