package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/feedback-chat/internal/api/http"
	"github.com/spec-kit/feedback-chat/internal/api/http/handlers"
	"github.com/spec-kit/feedback-chat/internal/api/ws"
	"github.com/spec-kit/feedback-chat/internal/auth"
	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/observability"
	"github.com/spec-kit/feedback-chat/internal/persistence"
	"github.com/spec-kit/feedback-chat/internal/repository"
	"github.com/spec-kit/feedback-chat/internal/service"
	"github.com/spec-kit/feedback-chat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type repositories struct {
	tickets  repository.TicketRepository
	messages repository.TicketMessageRepository
	agents   repository.AgentRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	repos := buildRepositories(pg)
	metrics := observability.NewMetrics()
	broker := events.NewBroker(cfg.Live.MailboxSize, logger, metrics)

	messageDeps := service.MessageDependencies{
		MessageRepo: repos.messages,
		Publisher:   broker,
	}
	if store := persistence.NewRedisIdempotency(redis, cfg.Chat.IdempotencyTTL()); store != nil {
		messageDeps.Idempotency = store
	} else {
		messageDeps.Idempotency = repository.NewMemoryIdempotency(cfg.Chat.IdempotencyTTL())
	}
	messageService := service.NewMessageService(messageDeps, cfg.Chat, logger)
	ticketService := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  repos.tickets,
		MessageRepo: repos.messages,
		Messages:    messageService,
		Publisher:   broker,
	}, logger)
	seenTracker := service.NewSeenTracker(repos.tickets, broker, logger)
	authService := service.NewAuthService(cfg.Auth, repos.agents)
	authMiddleware := auth.NewAuthMiddleware(authService.TokenManager(), repos.agents)

	notifications := worker.NewNotificationWorker(
		service.NewNotificationService(logger, cfg.Notification),
		cfg.Notification.QueueSize, logger, metrics)
	notifications.Start(broker)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version,
			handlers.DependencyCheck{Name: "postgres", Pinger: pg},
			handlers.DependencyCheck{Name: "redis", Pinger: redis},
			handlers.DependencyCheck{Name: "broker", Pinger: broker},
		),
		Agents:         handlers.NewAgentsHandler(authService),
		Tickets:        handlers.NewTicketsHandler(ticketService, messageService, seenTracker),
		AuthMiddleware: authMiddleware,
	})

	gateway := ws.NewGateway(ws.GatewayDependencies{
		Bus:           broker,
		Submitter:     messageService,
		Authenticator: authMiddleware,
	}, cfg.Live, logger, metrics)
	liveServer := gateway.Server()

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("live gateway listening", zap.String("addr", cfg.Live.Addr()))
		if err := liveServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("live gateway listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gateway.Close()
	if err := liveServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("live gateway shutdown", zap.Error(err))
	}
	broker.Close()
	notifications.Stop()
}

func buildRepositories(pg *persistence.Postgres) repositories {
	if !pg.Enabled() {
		store := repository.NewMemoryStore()
		return repositories{
			tickets:  store.Tickets(),
			messages: store.Messages(),
			agents:   store.Agents(),
		}
	}
	pool := pg.PoolHandle()
	return repositories{
		tickets:  repository.NewTicketRepository(pool),
		messages: repository.NewTicketMessageRepository(pool),
		agents:   repository.NewAgentRepository(pool),
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
