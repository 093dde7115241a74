// agentctl provisions support agents in the Postgres store.
//
//	agentctl create --name "Ana" --email ana@example.com --password ...
//	agentctl token  --email ana@example.com
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/persistence"
	"github.com/spec-kit/feedback-chat/internal/repository"
	"github.com/spec-kit/feedback-chat/internal/service"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: agentctl <create|token> [flags]")
	}
	command, args := args[0], args[1:]

	var name, email, password string
	flagSet := pflag.NewFlagSet("agentctl "+command, pflag.ContinueOnError)
	flagSet.StringVar(&email, "email", "", "agent email")
	if command == "create" {
		flagSet.StringVar(&name, "name", "", "agent display name")
		flagSet.StringVar(&password, "password", "", "agent password (at least 8 characters)")
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if email == "" {
		return errors.New("--email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := zap.NewNop()
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	agents := repository.NewAgentRepository(pg.PoolHandle())
	authService := service.NewAuthService(cfg.Auth, agents)

	switch command {
	case "create":
		return createAgent(ctx, authService, out, name, email, password)
	case "token":
		return issueToken(ctx, authService, agents, out, email)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func createAgent(ctx context.Context, authService *service.AuthService, out io.Writer, name, email, password string) error {
	agent, err := authService.CreateAgent(ctx, name, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created agent %s (%s)\n", agent.ID, agent.Email)
	return nil
}

func issueToken(ctx context.Context, authService *service.AuthService, agents repository.AgentRepository, out io.Writer, email string) error {
	agent, err := agents.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	token, expiresAt, err := authService.IssueToken(ctx, agent.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}
