package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

// TicketRepository encapsulates ticket persistence. Lookups of unknown
// tickets fail with domain.ErrTicketNotFound.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Close marks the ticket closed and reports whether this call closed it.
	// Closing twice keeps the first ClosedAt.
	Close(ctx context.Context, id string) (*domain.Ticket, bool, error)
	// RaiseLastSeen stores at for role only when it is newer than the stored value.
	RaiseLastSeen(ctx context.Context, id string, role domain.Role, at time.Time) (*domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, created_at, is_closed, closed_at, anonym_last_seen_at, user_last_seen_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (is_closed) VALUES (FALSE)
        RETURNING ` + ticketColumns
	return scanTicket(r.pool.QueryRow(ctx, query), ticket)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	const query = `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) Close(ctx context.Context, id string) (*domain.Ticket, bool, error) {
	// The row lock makes a concurrent close read the committed flag.
	const query = `
        WITH prior AS (SELECT is_closed AS was_closed FROM tickets WHERE id=$1 FOR UPDATE)
        UPDATE tickets SET is_closed=TRUE, closed_at=COALESCE(closed_at, NOW())
        FROM prior
        WHERE id=$1
        RETURNING ` + ticketColumns + `, NOT prior.was_closed`
	var (
		ticket    domain.Ticket
		closedNow bool
	)
	if err := scanTicket(r.pool.QueryRow(ctx, query, id), &ticket, &closedNow); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, domain.ErrTicketNotFound
		}
		return nil, false, err
	}
	return &ticket, closedNow, nil
}

func (r *ticketRepository) RaiseLastSeen(ctx context.Context, id string, role domain.Role, at time.Time) (*domain.Ticket, error) {
	var column string
	switch role {
	case domain.RoleAnonymous:
		column = "anonym_last_seen_at"
	case domain.RoleUser:
		column = "user_last_seen_at"
	default:
		return nil, fmt.Errorf("raise last seen: unknown role %q", role)
	}
	query := fmt.Sprintf(`
        UPDATE tickets SET %[1]s = GREATEST(%[1]s, $2)
        WHERE id=$1
        RETURNING %[2]s`, column, ticketColumns)
	return r.fetchSingle(ctx, query, id, at)
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := scanTicket(r.pool.QueryRow(ctx, query, args...), &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// scanTicket reads ticketColumns followed by any extra returned columns.
func scanTicket(row pgx.Row, ticket *domain.Ticket, extra ...any) error {
	var anonymSeen, userSeen *time.Time
	dest := append([]any{
		&ticket.ID,
		&ticket.CreatedAt,
		&ticket.IsClosed,
		&ticket.ClosedAt,
		&anonymSeen,
		&userSeen,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if anonymSeen != nil {
		ticket.AnonymLastSeenAt = *anonymSeen
	}
	if userSeen != nil {
		ticket.UserLastSeenAt = *userSeen
	}
	return nil
}
