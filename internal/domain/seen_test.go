package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsSeen(t *testing.T) {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		author   Role
		lastSeen time.Time
		observer Role
		want     bool
	}{
		{"seen after creation", RoleUser, created.Add(time.Second), RoleAnonymous, true},
		{"seen at creation", RoleUser, created, RoleAnonymous, true},
		{"seen before creation", RoleUser, created.Add(-time.Second), RoleAnonymous, false},
		{"never seen", RoleAnonymous, time.Time{}, RoleUser, false},
		{"author cannot confirm own message", RoleUser, created.Add(time.Hour), RoleUser, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsSeen(created, tc.author, tc.lastSeen, tc.observer))
		})
	}
}

func TestLatestSeen(t *testing.T) {
	req := require.New(t)
	agent := "agent-1"
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	ticket := &Ticket{AnonymLastSeenAt: created.Add(time.Minute)}
	messages := []Message{
		{ID: "1", Text: "hello", CreatedAt: created.Add(-time.Minute)},
		{ID: "2", AuthorID: &agent, Text: "hi", CreatedAt: created},
	}

	// Given the agent wrote last and the requester has looked since
	req.True(LatestSeen(ticket, messages, RoleUser))
	// The requester never gets a receipt for someone else's message
	req.False(LatestSeen(ticket, messages, RoleAnonymous))
	req.False(LatestSeen(ticket, nil, RoleUser))

	ticket.AnonymLastSeenAt = created.Add(-time.Second)
	req.False(LatestSeen(ticket, messages, RoleUser))
}

func TestTicketRaiseLastSeen(t *testing.T) {
	req := require.New(t)
	ticket := &Ticket{}
	now := time.Now()

	req.True(ticket.RaiseLastSeen(RoleAnonymous, now))
	req.False(ticket.RaiseLastSeen(RoleAnonymous, now.Add(-time.Minute)))
	req.Equal(now, ticket.LastSeen(RoleAnonymous))
	req.True(ticket.LastSeen(RoleUser).IsZero())
}

func TestNormalizeText(t *testing.T) {
	text, problem := NormalizeText("  hi  ", 5)
	require.Equal(t, TextOK, problem)
	require.Equal(t, "hi", text)

	_, problem = NormalizeText(" \n\t", 5)
	require.Equal(t, TextEmpty, problem)

	_, problem = NormalizeText("héllo!", 5)
	require.Equal(t, TextTooLong, problem)

	_, problem = NormalizeText("héllo", 5)
	require.Equal(t, TextOK, problem)
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{"anonymous": RoleAnonymous, "USER": RoleUser, "agent": RoleUser} {
		role, ok := ParseRole(input)
		require.True(t, ok, input)
		require.Equal(t, want, role)
	}
	_, ok := ParseRole("visitor")
	require.False(t, ok)
	require.Equal(t, RoleUser, RoleAnonymous.Other())
}
