// Package client implements the REST and live transports used by chat clients.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/feedback-chat/internal/api/dto"
	"github.com/spec-kit/feedback-chat/internal/api/http/handlers"
	"github.com/spec-kit/feedback-chat/internal/domain"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

const defaultTimeout = 10 * time.Second

// RESTClient talks to the ticket HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

// NewRESTClient builds a client for baseURL. token may be empty for the
// anonymous requester.
func NewRESTClient(baseURL, token string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RESTClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: timeout}
}

// WithToken returns a copy authenticated as an agent.
func (c *RESTClient) WithToken(token string) *RESTClient {
	copied := *c
	copied.token = token
	return &copied
}

// OpenTicket starts a ticket with the requester's first message.
func (c *RESTClient) OpenTicket(ctx context.Context, text string) (*domain.Ticket, []domain.Message, error) {
	var detail dto.TicketDetailResponse
	if err := c.do(ctx, fiber.Post(c.url("/tickets")).JSON(dto.OpenTicketRequest{Text: text}), &detail); err != nil {
		return nil, nil, err
	}
	ticket, messages := detail.ToDomain()
	return ticket, messages, nil
}

// GetTicket fetches the ticket snapshot.
func (c *RESTClient) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, []domain.Message, error) {
	var detail dto.TicketDetailResponse
	if err := c.do(ctx, fiber.Get(c.url("/tickets/"+url.PathEscape(ticketID))), &detail); err != nil {
		return nil, nil, err
	}
	ticket, messages := detail.ToDomain()
	return ticket, messages, nil
}

// PostMessage submits a message under a fresh idempotency key.
func (c *RESTClient) PostMessage(ctx context.Context, ticketID string, authorID *string, text string) (*domain.Message, error) {
	var resp dto.MessageResponse
	agent := fiber.Post(c.url("/tickets/" + url.PathEscape(ticketID) + "/messages")).
		JSON(dto.PostMessageRequest{AuthorID: authorID, Text: text}).
		Set(handlers.IdempotencyHeader, uuid.NewString())
	if err := c.do(ctx, agent, &resp); err != nil {
		return nil, err
	}
	msg := resp.ToDomain()
	return &msg, nil
}

// MarkSeen records the role's seen receipt.
func (c *RESTClient) MarkSeen(ctx context.Context, ticketID string, role domain.Role, at time.Time) error {
	req := dto.MarkSeenRequest{Role: string(role)}
	if !at.IsZero() {
		req.At = &at
	}
	return c.do(ctx, fiber.Put(c.url("/tickets/"+url.PathEscape(ticketID)+"/seen")).JSON(req), nil)
}

// CloseTicket closes the ticket. Requires an agent token.
func (c *RESTClient) CloseTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	var resp dto.TicketResponse
	if err := c.do(ctx, fiber.Put(c.url("/tickets/"+url.PathEscape(ticketID)+"/close")), &resp); err != nil {
		return nil, err
	}
	return resp.ToDomain(), nil
}

// Login exchanges agent credentials for a token.
func (c *RESTClient) Login(ctx context.Context, email, password string) (*dto.AuthResponse, error) {
	var resp dto.AuthResponse
	agent := fiber.Post(c.url("/auth/agents/login")).JSON(dto.AgentLoginRequest{Email: email, Password: password})
	if err := c.do(ctx, agent, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) url(path string) string {
	return c.baseURL + path
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// do runs the request and decodes the data envelope into out. Network
// failures become transport errors; error bodies become DomainErrors.
func (c *RESTClient) do(ctx context.Context, agent *fiber.Agent, out any) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewTransportError(err)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	agent.Timeout(timeout)
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return apperrors.NewTransportError(errs[0])
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	if status >= http.StatusBadRequest {
		if decodeErr != nil || env.Error == nil {
			if status >= http.StatusInternalServerError {
				return apperrors.NewTransportError(fiber.NewError(status, string(body)))
			}
			return apperrors.ToDomainError(fiber.NewError(status, http.StatusText(status)))
		}
		return apperrors.NewDomainError(env.Error.Code, env.Error.Message, status, env.Error.Details)
	}
	if decodeErr != nil {
		return apperrors.NewTransportError(decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewTransportError(err)
	}
	return nil
}
