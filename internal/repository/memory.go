package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

// MemoryStore keeps tickets, messages and agents in process memory. It backs
// the service when no Postgres DSN is configured and in tests. One mutex
// guards all records so the closed check and the append are atomic.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	tickets  map[string]*domain.Ticket
	messages map[string][]domain.Message
	byID     map[string]domain.Message
	agents   map[string]*domain.Agent
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		tickets:  make(map[string]*domain.Ticket),
		messages: make(map[string][]domain.Message),
		byID:     make(map[string]domain.Message),
		agents:   make(map[string]*domain.Agent),
	}
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Tickets returns the ticket view of the store.
func (s *MemoryStore) Tickets() TicketRepository { return memoryTickets{s} }

// Messages returns the message view of the store.
func (s *MemoryStore) Messages() TicketMessageRepository { return memoryMessages{s} }

// Agents returns the agent view of the store.
func (s *MemoryStore) Agents() AgentRepository { return memoryAgents{s} }

type memoryTickets struct{ s *MemoryStore }

func (r memoryTickets) Create(_ context.Context, ticket *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticket.ID = uuid.NewString()
	ticket.CreatedAt = r.s.now()
	ticket.IsClosed = false
	ticket.ClosedAt = nil
	stored := *ticket
	r.s.tickets[ticket.ID] = &stored
	return nil
}

func (r memoryTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticket, ok := r.s.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	copied := *ticket
	return &copied, nil
}

func (r memoryTickets) Close(_ context.Context, id string) (*domain.Ticket, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticket, ok := r.s.tickets[id]
	if !ok {
		return nil, false, domain.ErrTicketNotFound
	}
	closedNow := !ticket.IsClosed
	if closedNow {
		now := r.s.now()
		ticket.IsClosed = true
		ticket.ClosedAt = &now
	}
	copied := *ticket
	return &copied, closedNow, nil
}

func (r memoryTickets) RaiseLastSeen(_ context.Context, id string, role domain.Role, at time.Time) (*domain.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticket, ok := r.s.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	ticket.RaiseLastSeen(role, at)
	copied := *ticket
	return &copied, nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Append(_ context.Context, msg *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticket, ok := r.s.tickets[msg.TicketID]
	if !ok {
		return domain.ErrTicketNotFound
	}
	if ticket.IsClosed {
		return domain.ErrTicketClosed
	}
	r.s.seq++
	msg.ID = uuid.NewString()
	msg.Seq = r.s.seq
	msg.CreatedAt = r.s.now()
	r.s.messages[msg.TicketID] = append(r.s.messages[msg.TicketID], *msg)
	r.s.byID[msg.ID] = *msg
	return nil
}

func (r memoryMessages) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	msg, ok := r.s.byID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

func (r memoryMessages) ListByTicket(_ context.Context, ticketID string) ([]domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	result := append([]domain.Message(nil), r.s.messages[ticketID]...)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Before(&result[j]) })
	return result, nil
}

type memoryAgents struct{ s *MemoryStore }

func (r memoryAgents) Create(_ context.Context, agent *domain.Agent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.agents {
		if strings.EqualFold(existing.Email, agent.Email) {
			return ErrAgentExists
		}
	}
	now := r.s.now()
	agent.ID = uuid.NewString()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	stored := *agent
	r.s.agents[agent.ID] = &stored
	return nil
}

func (r memoryAgents) GetByID(_ context.Context, id string) (*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	agent, ok := r.s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	copied := *agent
	return &copied, nil
}

func (r memoryAgents) GetByEmail(_ context.Context, email string) (*domain.Agent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, agent := range r.s.agents {
		if strings.EqualFold(agent.Email, email) {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, ErrAgentNotFound
}
