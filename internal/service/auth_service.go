package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/feedback-chat/internal/auth"
	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/repository"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

const minPasswordLength = 8

// AuthService coordinates agent provisioning and login flows.
type AuthService struct {
	agents     repository.AgentRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, agents repository.AgentRepository) *AuthService {
	return &AuthService{
		agents:     agents,
		tokenMgr:   auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes),
		bcryptCost: cfg.BcryptCost,
	}
}

// CreateAgent registers a new active agent.
func (s *AuthService) CreateAgent(ctx context.Context, name, email, password string) (*domain.Agent, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.NewValidationError("email is required", map[string]any{"field": "email"})
	}
	if len(password) < minPasswordLength {
		return nil, apperrors.NewValidationError("password is too short", map[string]any{"field": "password", "min": minPasswordLength})
	}

	hash, err := auth.HashAgentPassword(password, s.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperrors.NewValidationError("password is too long", map[string]any{"field": "password"})
	}
	if err != nil {
		return nil, err
	}
	agent := &domain.Agent{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrAgentExists) {
			return nil, apperrors.NewConflict("email already registered", map[string]any{"email": email})
		}
		return nil, err
	}
	return agent, nil
}

// LoginAgent authenticates an agent and returns a bearer token.
func (s *AuthService) LoginAgent(ctx context.Context, email, password string) (*domain.Agent, string, time.Time, error) {
	agent, err := s.agents.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrAgentNotFound) {
			auth.BurnPasswordCheck(password)
			return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
		}
		return nil, "", time.Time{}, err
	}
	if !agent.Active {
		return nil, "", time.Time{}, apperrors.NewForbidden("agent inactive")
	}
	if err := auth.VerifyAgentPassword(agent.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, apperrors.NewUnauthorized("invalid credentials")
	}
	token, exp, err := s.tokenMgr.GenerateToken(agent.ID)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return agent, token, exp, nil
}

// IssueToken mints a token for an existing agent without a password check.
func (s *AuthService) IssueToken(ctx context.Context, agentID string) (string, time.Time, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrAgentNotFound) {
			return "", time.Time{}, apperrors.NewNotFound("agent", map[string]any{"agentId": agentID})
		}
		return "", time.Time{}, err
	}
	return s.tokenMgr.GenerateToken(agent.ID)
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}
