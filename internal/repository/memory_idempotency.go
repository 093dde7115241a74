package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotency keeps submission keys in process memory. It stands in
// for Redis when no address is configured.
type MemoryIdempotency struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	keys map[string]idempotencyEntry
}

type idempotencyEntry struct {
	messageID string
	expiresAt time.Time
}

// NewMemoryIdempotency remembers completed keys for ttl.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{
		ttl:  ttl,
		now:  time.Now,
		keys: make(map[string]idempotencyEntry),
	}
}

func (m *MemoryIdempotency) Reserve(_ context.Context, ticketID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ticketID + ":" + key
	if entry, ok := m.keys[id]; ok && m.now().Before(entry.expiresAt) {
		return entry.messageID, false, nil
	}
	m.keys[id] = idempotencyEntry{expiresAt: m.now().Add(m.ttl)}
	return "", true, nil
}

func (m *MemoryIdempotency) Complete(_ context.Context, ticketID, key, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[ticketID+":"+key] = idempotencyEntry{messageID: messageID, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryIdempotency) Release(_ context.Context, ticketID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, ticketID+":"+key)
	return nil
}
