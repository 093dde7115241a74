package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

// ErrMessageNotFound is returned when no message matches the lookup.
var ErrMessageNotFound = errors.New("message not found")

// TicketMessageRepository manages ticket thread messages.
type TicketMessageRepository interface {
	// Append persists msg unless its ticket is missing (domain.ErrTicketNotFound)
	// or closed (domain.ErrTicketClosed). ID, CreatedAt and Seq are assigned.
	Append(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error)
}

type ticketMessageRepository struct {
	pool *pgxpool.Pool
}

// NewTicketMessageRepository builds repository.
func NewTicketMessageRepository(pool *pgxpool.Pool) TicketMessageRepository {
	return &ticketMessageRepository{pool: pool}
}

func (r *ticketMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The row lock orders this insert against a concurrent close.
	var closed bool
	err = tx.QueryRow(ctx, `SELECT is_closed FROM tickets WHERE id=$1 FOR UPDATE`, msg.TicketID).Scan(&closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTicketNotFound
	}
	if err != nil {
		return err
	}
	if closed {
		return domain.ErrTicketClosed
	}

	const query = `
        INSERT INTO ticket_messages (ticket_id, author_id, body)
        VALUES ($1,$2,$3)
        RETURNING id, seq, created_at`
	if err := tx.QueryRow(ctx, query,
		msg.TicketID,
		msg.AuthorID,
		msg.Text,
	).Scan(&msg.ID, &msg.Seq, &msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ticketMessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	const query = `
        SELECT id, ticket_id, author_id, body, created_at, seq
        FROM ticket_messages WHERE id=$1`
	var msg domain.Message
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&msg.ID,
		&msg.TicketID,
		&msg.AuthorID,
		&msg.Text,
		&msg.CreatedAt,
		&msg.Seq,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *ticketMessageRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT id, ticket_id, author_id, body, created_at, seq
        FROM ticket_messages WHERE ticket_id=$1 ORDER BY created_at ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.AuthorID,
			&msg.Text,
			&msg.CreatedAt,
			&msg.Seq,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
