//go:generate go run go.uber.org/mock/mockgen -source=idempotency.go -destination=../mocks/mock_idempotency_store.go -package=mocks
package service

import "context"

// IdempotencyStore maps a client supplied key to the message it produced.
//
// Reserve claims (ticketID, key) for one submission. When the key is already
// held it reports reserved=false together with the stored message id, which
// is empty while the holder has not completed yet.
type IdempotencyStore interface {
	Reserve(ctx context.Context, ticketID, key string) (messageID string, reserved bool, err error)
	Complete(ctx context.Context, ticketID, key, messageID string) error
	Release(ctx context.Context, ticketID, key string) error
}
