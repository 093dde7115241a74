// Package session reconciles a client's view of one ticket from the REST
// snapshot, the live channel and its own submissions.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

// State names the session lifecycle stage.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	// StateError is terminal; only a new Session recovers.
	StateError State = "error"
)

// ErrNotReady is returned by Send outside the Ready state.
var ErrNotReady = errors.New("session is not ready")

// Notices surfaced in the view.
const (
	noticeClosed         = "this conversation is closed"
	noticeConnectionLost = "connection lost, reconnecting"
	noticeLiveDown       = "live updates unavailable"
)

// API is the REST surface used by the session.
type API interface {
	GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, []domain.Message, error)
	PostMessage(ctx context.Context, ticketID string, authorID *string, text string) (*domain.Message, error)
	MarkSeen(ctx context.Context, ticketID string, role domain.Role, at time.Time) error
}

// Subscription is a live channel subscription handle.
type Subscription interface {
	Unsubscribe()
}

// Live is the live channel surface used by the session.
type Live interface {
	Subscribe(topic events.Topic, handler events.Handler) (Subscription, error)
}

// View is an immutable snapshot of the session for rendering.
type View struct {
	State         State
	Connected     bool
	Ticket        domain.Ticket
	Messages      []domain.Message
	Seen          bool
	InputDisabled bool
	Notice        string
	Fatal         string
}

// Options configures a Session.
type Options struct {
	TicketID string
	// AuthorID is the agent id; nil for the anonymous requester.
	AuthorID         *string
	SessionID        string
	MaxMessageLength int
	OnChange         func(View)
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Session holds the client state of one ticket conversation.
type Session struct {
	api      API
	live     Live
	opts     Options
	role     domain.Role
	logger   *zap.Logger
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	connected  bool
	subscribed bool
	halted     bool
	ticket     *domain.Ticket
	messages   []domain.Message
	ids        map[string]struct{}
	notice     string
	fatal      string
	subs       []Subscription
}

// New creates a session in the Loading state. Call Open to start it.
func New(api API, live Live, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		api:    api,
		live:   live,
		opts:   opts,
		role:   domain.RoleOf(opts.AuthorID),
		logger: logger,
		state:  StateLoading,
		ids:    make(map[string]struct{}),
	}
}

// Role returns the party this session speaks for.
func (s *Session) Role() domain.Role { return s.role }

// Open loads the snapshot, subscribes to the live channel and marks the
// conversation seen. A snapshot failure is fatal.
func (s *Session) Open(ctx context.Context) error {
	s.notify()
	ticket, messages, err := s.api.GetTicket(ctx, s.opts.TicketID)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.ticket = ticket
	s.mergeLocked(messages)
	s.state = StateReady
	s.mu.Unlock()

	s.subscribe()
	s.markSeen(ctx)
	return nil
}

// Send submits text as this session's party. Validation and closed-ticket
// failures are reported without a request.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.ticket.IsClosed {
		s.notice = noticeClosed
		s.mu.Unlock()
		s.notify()
		return apperrors.NewTicketClosed(s.opts.TicketID)
	}
	if _, problem := domain.NormalizeText(text, s.opts.MaxMessageLength); problem != domain.TextOK {
		s.notice = string(problem)
		s.mu.Unlock()
		s.notify()
		return apperrors.NewValidationError(string(problem), map[string]any{"field": "text"})
	}
	s.state = StateSubmitting
	s.notice = ""
	s.mu.Unlock()
	s.notify()

	msg, err := s.api.PostMessage(ctx, s.opts.TicketID, s.opts.AuthorID, text)

	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateSubmitting {
		s.state = StateReady
	}
	switch {
	case err == nil:
		s.mergeLocked([]domain.Message{*msg})
	case apperrors.IsCode(err, apperrors.CodeTicketClosed):
		s.ticket.IsClosed = true
		s.notice = noticeClosed
	default:
		s.notice = apperrors.ToDomainError(err).Message
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// Focus re-marks the conversation seen. When the live subscription was lost
// it resubscribes and resyncs from a fresh snapshot.
func (s *Session) Focus(ctx context.Context) {
	s.markSeen(ctx)

	s.mu.Lock()
	resume := s.canResumeLocked() && !s.subscribed
	s.mu.Unlock()
	if resume {
		s.resume(ctx)
	}
}

// ConnectionLost records that the live transport dropped.
func (s *Session) ConnectionLost(err error) {
	s.mu.Lock()
	subs := s.dropSubscriptionsLocked()
	s.connected = false
	if s.state != StateError {
		s.notice = noticeConnectionLost
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.logger.Info("live connection lost", zap.String("ticket_id", s.opts.TicketID), zap.Error(err))
	s.notify()
}

// Reconnect resubscribes and merges anything missed while disconnected.
// A session halted by an error event stays halted.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	resume := s.canResumeLocked()
	s.mu.Unlock()
	if !resume {
		return nil
	}
	return s.resume(ctx)
}

// Close releases live subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	subs := s.dropSubscriptionsLocked()
	s.connected = false
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) resume(ctx context.Context) error {
	s.subscribe()
	return s.resync(ctx)
}

func (s *Session) resync(ctx context.Context) error {
	ticket, messages, err := s.api.GetTicket(ctx, s.opts.TicketID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			s.fail(err)
			return err
		}
		s.mu.Lock()
		s.notice = apperrors.ToDomainError(err).Message
		s.mu.Unlock()
		s.notify()
		return err
	}

	s.mu.Lock()
	s.ticket.RaiseLastSeen(domain.RoleAnonymous, ticket.AnonymLastSeenAt)
	s.ticket.RaiseLastSeen(domain.RoleUser, ticket.UserLastSeenAt)
	if ticket.IsClosed {
		s.ticket.IsClosed = true
		s.ticket.ClosedAt = ticket.ClosedAt
	}
	s.mergeLocked(messages)
	if s.connected && s.notice == noticeConnectionLost {
		s.notice = ""
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) subscribe() {
	topics := []events.Topic{
		events.TicketTopic(s.opts.TicketID),
		events.PartyTopic(s.opts.AuthorID, s.opts.SessionID),
	}
	subs := make([]Subscription, 0, len(topics))
	var subErr error
	for _, topic := range topics {
		sub, err := s.live.Subscribe(topic, s.handleEvent)
		if err != nil {
			subErr = err
			break
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	if subErr != nil || s.halted {
		s.connected = false
		if subErr != nil && s.state != StateError {
			s.notice = noticeLiveDown
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if subErr != nil {
			s.logger.Warn("live subscribe failed", zap.String("ticket_id", s.opts.TicketID), zap.Error(subErr))
		}
		s.notify()
		return
	}
	stale := s.dropSubscriptionsLocked()
	s.subs = subs
	s.subscribed = true
	s.connected = true
	s.mu.Unlock()

	for _, sub := range stale {
		sub.Unsubscribe()
	}
	s.notify()
}

func (s *Session) handleEvent(event events.Event) {
	s.mu.Lock()
	if s.halted || s.ticket == nil {
		s.mu.Unlock()
		return
	}
	var drop []Subscription
	switch event.Kind {
	case events.KindMessage:
		if event.Message == nil || event.Message.TicketID != s.opts.TicketID {
			s.mu.Unlock()
			return
		}
		s.mergeLocked([]domain.Message{event.Message.ToMessage()})
	case events.KindSeen:
		if event.Seen == nil {
			s.mu.Unlock()
			return
		}
		s.ticket.RaiseLastSeen(event.Seen.Role, event.Seen.At)
	case events.KindClosed:
		s.ticket.IsClosed = true
		if event.Closed != nil {
			s.ticket.ClosedAt = &event.Closed.ClosedAt
		}
	case events.KindError:
		drop = s.haltLocked(event.Error)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	for _, sub := range drop {
		sub.Unsubscribe()
	}
	s.notify()
}

func (s *Session) markSeen(ctx context.Context) {
	s.mu.Lock()
	ready := s.ticket != nil && s.state != StateError
	s.mu.Unlock()
	if !ready {
		return
	}

	at := s.opts.Clock()
	if err := s.api.MarkSeen(ctx, s.opts.TicketID, s.role, at); err != nil {
		if apperrors.IsTransport(err) {
			s.logger.Debug("seen update dropped", zap.String("ticket_id", s.opts.TicketID), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.notice = apperrors.ToDomainError(err).Message
		s.mu.Unlock()
		s.notify()
		return
	}

	s.mu.Lock()
	s.ticket.RaiseLastSeen(s.role, at)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	subs := s.haltLocked(apperrors.ToDomainError(err).Message)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.notify()
}

// haltLocked moves to the terminal state and returns the subscriptions the
// caller must release once the lock is dropped.
func (s *Session) haltLocked(reason string) []Subscription {
	s.halted = true
	s.state = StateError
	s.fatal = reason
	s.connected = false
	return s.dropSubscriptionsLocked()
}

func (s *Session) dropSubscriptionsLocked() []Subscription {
	subs := s.subs
	s.subs = nil
	s.subscribed = false
	return subs
}

func (s *Session) canResumeLocked() bool {
	return !s.halted && s.state != StateError && s.ticket != nil
}

func (s *Session) mergeLocked(messages []domain.Message) {
	added := false
	for _, msg := range messages {
		if _, dup := s.ids[msg.ID]; dup {
			continue
		}
		s.ids[msg.ID] = struct{}{}
		s.messages = append(s.messages, msg)
		added = true
	}
	if added {
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].Before(&s.messages[j])
		})
	}
}

func (s *Session) viewLocked() View {
	view := View{
		State:     s.state,
		Connected: s.connected,
		Messages:  append([]domain.Message(nil), s.messages...),
		Notice:    s.notice,
		Fatal:     s.fatal,
	}
	if s.ticket != nil {
		view.Ticket = *s.ticket
		view.Seen = domain.LatestSeen(s.ticket, s.messages, s.role)
	}
	view.InputDisabled = s.state != StateReady || s.halted || s.ticket == nil || s.ticket.IsClosed
	return view
}

func (s *Session) notify() {
	if s.opts.OnChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.opts.OnChange(s.View())
}
