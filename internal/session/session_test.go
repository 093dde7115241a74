package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/repository"
	"github.com/spec-kit/feedback-chat/internal/service"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// serviceAPI calls the services directly in place of the REST client.
type serviceAPI struct {
	tickets  *service.TicketService
	messages *service.MessageService
	seen     *service.SeenTracker

	posts   atomic.Int32
	mu      sync.Mutex
	postErr error
	seenErr error
}

func (a *serviceAPI) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, []domain.Message, error) {
	return a.tickets.Get(ctx, ticketID)
}

func (a *serviceAPI) PostMessage(ctx context.Context, ticketID string, authorID *string, text string) (*domain.Message, error) {
	a.posts.Add(1)
	a.mu.Lock()
	err := a.postErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.messages.Submit(ctx, ticketID, authorID, text)
}

func (a *serviceAPI) MarkSeen(ctx context.Context, ticketID string, role domain.Role, at time.Time) error {
	a.mu.Lock()
	err := a.seenErr
	a.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = a.seen.MarkSeen(ctx, ticketID, role, at)
	return err
}

type fixture struct {
	api    *serviceAPI
	broker *events.Broker
	store  *repository.MemoryStore
	ticket *domain.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	broker := events.NewBroker(32, zap.NewNop(), nil)
	t.Cleanup(broker.Close)

	messages := service.NewMessageService(service.MessageDependencies{
		MessageRepo: store.Messages(),
		Publisher:   broker,
	}, config.ChatConfig{}, zap.NewNop())
	tickets := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  store.Tickets(),
		MessageRepo: store.Messages(),
		Messages:    messages,
		Publisher:   broker,
	}, zap.NewNop())

	ticket, _, err := tickets.Open(context.Background(), "first question")
	require.NoError(t, err)

	return &fixture{
		api: &serviceAPI{
			tickets:  tickets,
			messages: messages,
			seen:     service.NewSeenTracker(store.Tickets(), broker, zap.NewNop()),
		},
		broker: broker,
		store:  store,
		ticket: ticket,
	}
}

func (f *fixture) open(t *testing.T, authorID *string, sessionID string) *Session {
	t.Helper()
	s := New(f.api, BrokerLive{Broker: f.broker}, Options{
		TicketID:  f.ticket.ID,
		AuthorID:  authorID,
		SessionID: sessionID,
	})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, s *Session, cond func(View) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.View()) }, time.Second, 5*time.Millisecond)
}

func agentID() *string {
	id := "agent-1"
	return &id
}

func TestSession_OpenLoadsSnapshotAndMarksSeen(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	s := f.open(t, nil, "s1")

	view := s.View()
	req.Equal(StateReady, view.State)
	req.True(view.Connected)
	req.False(view.InputDisabled)
	req.Len(view.Messages, 1)
	req.Equal(1, f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)))
	req.Equal(1, f.broker.SubscriberCount(events.PartyTopic(nil, "s1")))

	stored, err := f.store.Tickets().GetByID(context.Background(), f.ticket.ID)
	req.NoError(err)
	req.False(stored.AnonymLastSeenAt.IsZero())
}

func TestSession_DeduplicatesLiveEcho(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	requester := f.open(t, nil, "s1")
	agent := f.open(t, agentID(), "s2")

	// Given the requester's own submission comes back on the live channel
	req.NoError(requester.Send(context.Background(), "any update?"))
	// And the agent answers afterwards on the same topic
	req.NoError(agent.Send(context.Background(), "shipping today"))

	// Then each session holds every message exactly once
	for _, s := range []*Session{requester, agent} {
		eventually(t, s, func(v View) bool { return len(v.Messages) == 3 })
		view := s.View()
		req.Equal("first question", view.Messages[0].Text)
		req.Equal("any update?", view.Messages[1].Text)
		req.Equal("shipping today", view.Messages[2].Text)
	}
	time.Sleep(30 * time.Millisecond)
	req.Len(requester.View().Messages, 3)
}

// manualLive hands events to handlers only when the test delivers them.
type manualLive struct {
	mu       sync.Mutex
	handlers map[events.Topic][]events.Handler
}

func newManualLive() *manualLive {
	return &manualLive{handlers: make(map[events.Topic][]events.Handler)}
}

func (l *manualLive) Subscribe(topic events.Topic, handler events.Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = append(l.handlers[topic], handler)
	return manualSubscription{}, nil
}

func (l *manualLive) deliver(topic events.Topic, event events.Event) {
	l.mu.Lock()
	handlers := append([]events.Handler(nil), l.handlers[topic]...)
	l.mu.Unlock()
	event.Topic = topic
	for _, handler := range handlers {
		handler(event)
	}
}

type manualSubscription struct{}

func (manualSubscription) Unsubscribe() {}

// echoingAPI pushes the stored message through the live channel before the
// post returns, the way a fast broker can outrun the HTTP response.
type echoingAPI struct {
	*serviceAPI
	live *manualLive
}

func (a echoingAPI) PostMessage(ctx context.Context, ticketID string, authorID *string, text string) (*domain.Message, error) {
	msg, err := a.serviceAPI.PostMessage(ctx, ticketID, authorID, text)
	if err == nil {
		a.live.deliver(events.TicketTopic(ticketID), events.NewMessageEvent(*msg))
	}
	return msg, err
}

func TestSession_OwnEchoMergedOnce(t *testing.T) {
	for _, echoFirst := range []bool{true, false} {
		name := "echo after response"
		if echoFirst {
			name = "echo before response"
		}
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t)
			live := newManualLive()
			var api API = f.api
			if echoFirst {
				api = echoingAPI{serviceAPI: f.api, live: live}
			}
			s := New(api, live, Options{TicketID: f.ticket.ID, SessionID: "s1"})
			req.NoError(s.Open(context.Background()))
			t.Cleanup(s.Close)

			req.NoError(s.Send(context.Background(), "any update?"))
			sent := s.View().Messages[1]
			if !echoFirst {
				live.deliver(events.TicketTopic(f.ticket.ID), events.NewMessageEvent(sent))
			}

			view := s.View()
			req.Len(view.Messages, 2)
			req.Equal("first question", view.Messages[0].Text)
			req.Equal(sent.ID, view.Messages[1].ID)
			req.Equal("any update?", view.Messages[1].Text)
		})
	}
}

func TestSession_SeenReceiptFollowsOtherParty(t *testing.T) {
	f := newFixture(t)
	requester := f.open(t, nil, "s1")
	require.NoError(t, requester.Send(context.Background(), "hello?"))
	require.False(t, requester.View().Seen)

	// When the agent opens the ticket it marks the thread seen
	f.open(t, agentID(), "s2")

	eventually(t, requester, func(v View) bool { return v.Seen })
}

func TestSession_SendRejectedLocally(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.open(t, nil, "s1")

	err := s.Send(context.Background(), "   ")
	req.True(apperrors.IsCode(err, apperrors.CodeValidation))
	req.Equal(string(domain.TextEmpty), s.View().Notice)
	req.Zero(f.api.posts.Load())

	// A closed event disables input and later sends never reach the API
	_, err = f.api.tickets.Close(context.Background(), f.ticket.ID, "agent-1")
	req.NoError(err)
	eventually(t, s, func(v View) bool { return v.InputDisabled })

	err = s.Send(context.Background(), "hello")
	req.True(apperrors.IsCode(err, apperrors.CodeTicketClosed))
	req.Zero(f.api.posts.Load())
}

func TestSession_SendFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transport failure stays ready", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		s := f.open(t, nil, "s1")
		f.api.postErr = apperrors.NewTransportError(errors.New("connection refused"))

		req.Error(s.Send(ctx, "hello"))
		view := s.View()
		req.Equal(StateReady, view.State)
		req.Len(view.Messages, 1)
		req.NotEmpty(view.Notice)
	})

	t.Run("closed on server", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		s := f.open(t, nil, "s1")
		f.api.postErr = apperrors.NewTicketClosed(f.ticket.ID)

		req.Error(s.Send(ctx, "hello"))
		req.True(s.View().InputDisabled)
	})

	t.Run("ticket gone is fatal", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		s := f.open(t, nil, "s1")
		f.api.postErr = apperrors.NewNotFound("ticket", nil)

		req.Error(s.Send(ctx, "hello"))
		view := s.View()
		req.Equal(StateError, view.State)
		req.NotEmpty(view.Fatal)
		req.Zero(f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)))
	})
}

func TestSession_OpenFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	s := New(f.api, BrokerLive{Broker: f.broker}, Options{TicketID: "missing"})

	err := s.Open(context.Background())
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	require.Equal(t, StateError, s.View().State)
	require.ErrorIs(t, s.Send(context.Background(), "hi"), ErrNotReady)
}

func TestSession_ErrorEventHalts(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.open(t, nil, "s1")
	party := events.PartyTopic(nil, "s1")

	req.NoError(f.broker.Publish(context.Background(), party, events.NewErrorEvent("ticket is closed")))

	eventually(t, s, func(v View) bool {
		return v.State == StateError &&
			f.broker.SubscriberCount(party) == 0 &&
			f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)) == 0
	})
	req.Equal("ticket is closed", s.View().Fatal)

	// No automatic or manual resubscription afterwards
	req.NoError(s.Reconnect(context.Background()))
	s.Focus(context.Background())
	req.Zero(f.broker.SubscriberCount(party))
}

func TestSession_ReconnectResyncs(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	s := f.open(t, nil, "s1")

	s.ConnectionLost(errors.New("socket closed"))
	view := s.View()
	req.False(view.Connected)
	req.Zero(f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)))

	// Given a message lands while the socket is down
	_, err := f.api.messages.Submit(ctx, f.ticket.ID, agentID(), "missed reply")
	req.NoError(err)
	time.Sleep(20 * time.Millisecond)
	req.Len(s.View().Messages, 1)

	// When the transport comes back
	req.NoError(s.Reconnect(ctx))

	view = s.View()
	req.True(view.Connected)
	req.Empty(view.Notice)
	req.Len(view.Messages, 2)
	req.Equal("missed reply", view.Messages[1].Text)
	req.Equal(1, f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)))

	// Reconnecting again neither duplicates messages nor subscriptions
	req.NoError(s.Reconnect(ctx))
	req.Len(s.View().Messages, 2)
	req.Equal(1, f.broker.SubscriberCount(events.TicketTopic(f.ticket.ID)))
}

func TestSession_FocusResumesDroppedSubscription(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.open(t, nil, "s1")
	topic := events.TicketTopic(f.ticket.ID)

	s.Focus(context.Background())
	req.Equal(1, f.broker.SubscriberCount(topic))

	s.ConnectionLost(nil)
	s.Focus(context.Background())
	req.Equal(1, f.broker.SubscriberCount(topic))
	req.True(s.View().Connected)
}

func TestSession_SeenFailures(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	s := f.open(t, nil, "s1")

	f.api.seenErr = apperrors.NewTransportError(errors.New("timeout"))
	s.Focus(context.Background())
	req.Empty(s.View().Notice)

	f.api.seenErr = apperrors.NewValidationError("unknown role", nil)
	s.Focus(context.Background())
	req.Equal("unknown role", s.View().Notice)
}

func TestSession_OnChangeReceivesViews(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var states []State
	s := New(f.api, BrokerLive{Broker: f.broker}, Options{
		TicketID: f.ticket.ID,
		OnChange: func(v View) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, v.State)
		},
	})
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StateLoading, states[0])
	require.Equal(t, StateReady, states[len(states)-1])
}
