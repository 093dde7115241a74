package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/feedback-chat/internal/domain"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(MarkSeenRequest{Role: "anonymous"}))

	err := Validate(MarkSeenRequest{Role: "visitor"})
	de := apperrors.ToDomainError(err)
	require.Equal(t, apperrors.CodeValidation, de.Code)
	require.Equal(t, "oneof", de.Details["role"])

	err = Validate(AgentLoginRequest{Email: "not-an-email", Password: "x"})
	require.Equal(t, "email", apperrors.ToDomainError(err).Details["email"])
}

func TestTicketDetailRoundTrip(t *testing.T) {
	req := require.New(t)
	agent := "agent-1"
	created := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	ticket := &domain.Ticket{ID: "t1", CreatedAt: created, UserLastSeenAt: created}
	messages := []domain.Message{
		{ID: "m1", TicketID: "t1", Text: "hello", CreatedAt: created, Seq: 1},
		{ID: "m2", TicketID: "t1", AuthorID: &agent, Text: "hi", CreatedAt: created, Seq: 2},
	}

	resp := NewTicketDetailResponse(ticket, messages)
	req.Nil(resp.Ticket.AnonymLastSeenAt)
	req.NotNil(resp.Ticket.UserLastSeenAt)

	gotTicket, gotMessages := resp.ToDomain()
	req.Equal(ticket, gotTicket)
	req.Equal(messages, gotMessages)
}
