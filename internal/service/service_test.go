package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/mocks"
	"github.com/spec-kit/feedback-chat/internal/repository"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

type harness struct {
	store    *repository.MemoryStore
	broker   *events.Broker
	messages *MessageService
	seen     *SeenTracker
	tickets  *TicketService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	broker := events.NewBroker(16, zap.NewNop(), nil)
	t.Cleanup(broker.Close)

	messages := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Publisher:   broker,
	}, config.ChatConfig{MaxMessageLength: 20}, zap.NewNop())

	return &harness{
		store:    store,
		broker:   broker,
		messages: messages,
		seen:     NewSeenTracker(store.Tickets(), broker, zap.NewNop()),
		tickets: NewTicketService(TicketDependencies{
			TicketRepo:  store.Tickets(),
			MessageRepo: store.Messages(),
			Messages:    messages,
			Publisher:   broker,
		}, zap.NewNop()),
	}
}

func (h *harness) newTicket(t *testing.T) *domain.Ticket {
	t.Helper()
	ticket := &domain.Ticket{}
	require.NoError(t, h.store.Tickets().Create(context.Background(), ticket))
	return ticket
}

func (h *harness) listen(t *testing.T, topic events.Topic) <-chan events.Event {
	t.Helper()
	received := make(chan events.Event, 16)
	sub, err := h.broker.Subscribe(topic, func(e events.Event) { received <- e })
	require.NoError(t, err)
	t.Cleanup(func() { h.broker.Unsubscribe(sub) })
	return received
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func requireNoEvent(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected %s event", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func strPtr(s string) *string { return &s }

func TestSubmit_Conversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.newTicket(t)
	live := h.listen(t, events.TicketTopic(ticket.ID))

	// Given an open ticket with an empty history
	first, err := h.messages.Submit(ctx, ticket.ID, nil, "hello")
	req.NoError(err)
	req.Nil(first.AuthorID)
	req.NotEmpty(first.ID)

	event := waitEvent(t, live)
	req.Equal(events.KindMessage, event.Kind)
	req.Equal(first.ID, event.Message.ID)

	// When the agent answers
	second, err := h.messages.Submit(ctx, ticket.ID, strPtr("agent-1"), "hi there")
	req.NoError(err)
	req.Equal(domain.RoleUser, second.AuthorRole())

	// Then the history holds both messages in order
	_, list, err := h.tickets.Get(ctx, ticket.ID)
	req.NoError(err)
	req.Len(list, 2)
	req.Equal(first.ID, list[0].ID)
	req.Equal(second.ID, list[1].ID)

	// And the agent's own receipt never confirms the agent's message
	req.False(domain.IsSeen(second.CreatedAt, domain.RoleUser, time.Now(), domain.RoleUser))
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("closed ticket", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t)
		ticket := h.newTicket(t)
		_, err := h.messages.Submit(ctx, ticket.ID, nil, "before")
		req.NoError(err)
		_, _, err = h.store.Tickets().Close(ctx, ticket.ID)
		req.NoError(err)
		live := h.listen(t, events.TicketTopic(ticket.ID))

		_, err = h.messages.Submit(ctx, ticket.ID, nil, "after")
		req.True(apperrors.IsCode(err, apperrors.CodeTicketClosed))

		_, list, err := h.tickets.Get(ctx, ticket.ID)
		req.NoError(err)
		req.Len(list, 1)
		requireNoEvent(t, live)
	})

	t.Run("empty text", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.newTicket(t)
		_, err := h.messages.Submit(ctx, ticket.ID, nil, "   ")
		require.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	})

	t.Run("text too long", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.newTicket(t)
		_, err := h.messages.Submit(ctx, ticket.ID, nil, strings.Repeat("x", 21))
		require.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	})

	t.Run("unknown ticket", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.messages.Submit(ctx, "missing", nil, "hello")
		require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	})
}

func TestSubmit_PublishFailureKeepsMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().
		Publish(gomock.Any(), events.TicketTopic(ticket.ID), gomock.Any()).
		Return(events.ErrBrokerClosed).
		Times(1)

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Publisher:   publisher,
	}, config.ChatConfig{}, zap.NewNop())

	msg, err := svc.Submit(ctx, ticket.ID, nil, "still stored")
	req.NoError(err)

	stored, err := store.Messages().GetByID(ctx, msg.ID)
	req.NoError(err)
	req.Equal("still stored", stored.Text)
}

func TestSubmitWithKey_ReplaysOriginalMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	publisher := mocks.NewMockPublisher(ctrl)
	idem := mocks.NewMockIdempotencyStore(ctrl)

	var completedID string
	gomock.InOrder(
		idem.EXPECT().Reserve(gomock.Any(), ticket.ID, "key-1").Return("", true, nil),
		idem.EXPECT().Complete(gomock.Any(), ticket.ID, "key-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, messageID string) error {
				completedID = messageID
				return nil
			}),
	)
	// Only the first submission is broadcast.
	publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Publisher:   publisher,
		Idempotency: idem,
	}, config.ChatConfig{}, zap.NewNop())

	first, err := svc.SubmitWithKey(ctx, "key-1", ticket.ID, nil, "hello")
	req.NoError(err)
	req.Equal(first.ID, completedID)

	idem.EXPECT().Reserve(gomock.Any(), ticket.ID, "key-1").Return(first.ID, false, nil)
	again, err := svc.SubmitWithKey(ctx, "key-1", ticket.ID, nil, "hello")
	req.NoError(err)
	req.Equal(first.ID, again.ID)

	list, err := store.Messages().ListByTicket(ctx, ticket.ID)
	req.NoError(err)
	req.Len(list, 1)
}

func TestSubmitWithKey_WaitsForRunningSubmission(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))
	original := &domain.Message{TicketID: ticket.ID, Text: "hello"}
	req.NoError(store.Messages().Append(ctx, original))

	idem := mocks.NewMockIdempotencyStore(ctrl)
	gomock.InOrder(
		idem.EXPECT().Reserve(gomock.Any(), ticket.ID, "key-1").Return("", false, nil).Times(2),
		idem.EXPECT().Reserve(gomock.Any(), ticket.ID, "key-1").Return(original.ID, false, nil),
	)

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Idempotency: idem,
	}, config.ChatConfig{}, zap.NewNop())
	svc.pollInterval = time.Millisecond

	msg, err := svc.SubmitWithKey(ctx, "key-1", ticket.ID, nil, "hello")
	req.NoError(err)
	req.Equal(original.ID, msg.ID)

	list, err := store.Messages().ListByTicket(ctx, ticket.ID)
	req.NoError(err)
	req.Len(list, 1)
}

func TestSubmitWithKey_GivesUpOnStuckReservation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	idem := mocks.NewMockIdempotencyStore(ctrl)
	idem.EXPECT().Reserve(gomock.Any(), ticket.ID, "key-1").Return("", false, nil).AnyTimes()

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Idempotency: idem,
	}, config.ChatConfig{}, zap.NewNop())
	svc.pollInterval = time.Millisecond
	svc.replayWait = 10 * time.Millisecond

	_, err := svc.SubmitWithKey(ctx, "key-1", ticket.ID, nil, "hello")
	req.True(apperrors.IsCode(err, apperrors.CodeConflict))

	list, err := store.Messages().ListByTicket(ctx, ticket.ID)
	req.NoError(err)
	req.Empty(list)
}

func TestSubmitWithKey_ConcurrentRetriesPersistOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), events.TicketTopic(ticket.ID), gomock.Any()).Return(nil).Times(1)

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Publisher:   publisher,
		Idempotency: repository.NewMemoryIdempotency(time.Minute),
	}, config.ChatConfig{}, zap.NewNop())
	svc.pollInterval = time.Millisecond

	const retries = 6
	var (
		wg  sync.WaitGroup
		ids = make([]string, retries)
	)
	errs := make([]error, retries)
	for i := 0; i < retries; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := svc.SubmitWithKey(ctx, "k1", ticket.ID, nil, "hello")
			errs[i] = err
			if msg != nil {
				ids[i] = msg.ID
			}
		}()
	}
	wg.Wait()

	for i := range errs {
		req.NoError(errs[i])
		req.Equal(ids[0], ids[i])
	}
	list, err := store.Messages().ListByTicket(ctx, ticket.ID)
	req.NoError(err)
	req.Len(list, 1)
}

func TestSubmitWithKey_FailedSubmissionReleasesKey(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := repository.NewMemoryStore()
	idem := repository.NewMemoryIdempotency(time.Minute)

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Idempotency: idem,
	}, config.ChatConfig{}, zap.NewNop())

	_, err := svc.SubmitWithKey(ctx, "k1", "missing", nil, "hello")
	req.True(apperrors.IsCode(err, apperrors.CodeNotFound))

	_, reserved, err := idem.Reserve(ctx, "missing", "k1")
	req.NoError(err)
	req.True(reserved)
}

func TestSubmitWithKey_StoreFailureDoesNotBlock(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	idem := mocks.NewMockIdempotencyStore(ctrl)
	idem.EXPECT().Reserve(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false, errors.New("redis down"))

	svc := NewMessageService(MessageDependencies{
		MessageRepo: store.Messages(),
		Idempotency: idem,
	}, config.ChatConfig{}, zap.NewNop())

	msg, err := svc.SubmitWithKey(ctx, "key-1", ticket.ID, nil, "hello")
	req.NoError(err)
	req.NotEmpty(msg.ID)
}

func TestMarkSeen(t *testing.T) {
	ctx := context.Background()

	t.Run("monotonic and published", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t)
		ticket := h.newTicket(t)
		live := h.listen(t, events.TicketTopic(ticket.ID))

		later := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		updated, err := h.seen.MarkSeen(ctx, ticket.ID, domain.RoleUser, later)
		req.NoError(err)
		req.Equal(later, updated.UserLastSeenAt)
		event := waitEvent(t, live)
		req.Equal(events.KindSeen, event.Kind)
		req.Equal(later, event.Seen.At)

		// When an older receipt arrives the stored one is republished
		updated, err = h.seen.MarkSeen(ctx, ticket.ID, domain.RoleUser, later.Add(-time.Minute))
		req.NoError(err)
		req.Equal(later, updated.UserLastSeenAt)
		req.Equal(later, waitEvent(t, live).Seen.At)
	})

	t.Run("zero time means now", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t)
		ticket := h.newTicket(t)
		before := time.Now().UTC()
		updated, err := h.seen.MarkSeen(ctx, ticket.ID, domain.RoleAnonymous, time.Time{})
		req.NoError(err)
		req.False(updated.AnonymLastSeenAt.Before(before))
	})

	t.Run("agent alias", func(t *testing.T) {
		req := require.New(t)
		h := newHarness(t)
		ticket := h.newTicket(t)
		at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		updated, err := h.seen.MarkSeen(ctx, ticket.ID, domain.Role("agent"), at)
		req.NoError(err)
		req.Equal(at, updated.UserLastSeenAt)
	})

	t.Run("rejections", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.newTicket(t)
		_, err := h.seen.MarkSeen(ctx, ticket.ID, domain.Role("visitor"), time.Now())
		require.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
		_, err = h.seen.MarkSeen(ctx, "missing", domain.RoleUser, time.Now())
		require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	})
}

func TestTicketService_OpenAndClose(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.tickets.Open(ctx, "")
	req.True(apperrors.IsCode(err, apperrors.CodeValidation))

	ticket, messages, err := h.tickets.Open(ctx, "  order missing ")
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("order missing", messages[0].Text)
	req.Equal(domain.RoleAnonymous, messages[0].AuthorRole())

	live := h.listen(t, events.TicketTopic(ticket.ID))
	closed, err := h.tickets.Close(ctx, ticket.ID, "agent-1")
	req.NoError(err)
	req.True(closed.IsClosed)

	event := waitEvent(t, live)
	req.Equal(events.KindClosed, event.Kind)
	req.Equal(ticket.ID, event.Closed.TicketID)

	// Closing again neither fails nor republishes
	_, err = h.tickets.Close(ctx, ticket.ID, "agent-1")
	req.NoError(err)
	requireNoEvent(t, live)

	_, err = h.tickets.Close(ctx, "missing", "agent-1")
	req.True(apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestTicketService_ConcurrentClosePublishesOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := repository.NewMemoryStore()
	ticket := &domain.Ticket{}
	req.NoError(store.Tickets().Create(ctx, ticket))

	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), events.TicketTopic(ticket.ID), gomock.Any()).Return(nil).Times(1)
	svc := NewTicketService(TicketDependencies{
		TicketRepo:  store.Tickets(),
		MessageRepo: store.Messages(),
		Publisher:   publisher,
	}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closed, err := svc.Close(ctx, ticket.ID, "agent-1")
			if assert.NoError(t, err) {
				assert.True(t, closed.IsClosed)
			}
		}()
	}
	wg.Wait()
}

func TestAuthService_AgentLogin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewAuthService(config.AuthConfig{JWTSecret: "test", AccessTokenTTLMinutes: 5, BcryptCost: 4}, store.Agents())

	agent, err := svc.CreateAgent(ctx, "Ana", "Ana@Example.com", "correct-horse")
	req.NoError(err)
	req.Equal("ana@example.com", agent.Email)

	_, err = svc.CreateAgent(ctx, "Ana", "ana@example.com", "correct-horse")
	req.True(apperrors.IsCode(err, apperrors.CodeConflict))

	_, err = svc.CreateAgent(ctx, "Bo", "bo@example.com", "short")
	req.True(apperrors.IsCode(err, apperrors.CodeValidation))

	_, _, _, err = svc.LoginAgent(ctx, "ana@example.com", "wrong-password")
	req.True(apperrors.IsCode(err, apperrors.CodeUnauthorized))

	logged, token, exp, err := svc.LoginAgent(ctx, "ana@example.com", "correct-horse")
	req.NoError(err)
	req.Equal(agent.ID, logged.ID)
	req.True(exp.After(time.Now()))

	claims, err := svc.TokenManager().ParseToken(token)
	req.NoError(err)
	req.Equal(agent.ID, claims.AgentID())
}

func TestNotificationService_HandlesEventKinds(t *testing.T) {
	svc := NewNotificationService(zap.NewNop(), config.NotificationConfig{
		EmailFrom:  "noreply@example.com",
		WebhookURL: "https://hooks.example.com/chat",
	})

	require.NotPanics(t, func() {
		svc.Handle(events.NewMessageEvent(domain.Message{ID: "m1", TicketID: "t1"}))
		svc.Handle(events.NewClosedEvent("t1", time.Now()))
		svc.Handle(events.NewSeenEvent(domain.RoleUser, time.Now()))
		svc.Handle(events.Event{Kind: events.KindMessage})
		svc.Handle(events.Event{Kind: events.KindClosed})
	})
}
