// chatclient is a terminal client for one ticket conversation. It drives
// the session reconciler over the REST API and the live gateway.
//
// Lines typed on stdin are sent as messages. Commands:
//
//	/focus      mark the conversation seen (and resync if live was lost)
//	/reconnect  redial the live channel and resync
//	/close      close the ticket (agents only)
//	/quit       exit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/client"
	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/observability"
	"github.com/spec-kit/feedback-chat/internal/session"
)

const maxRedialBackoff = 30 * time.Second

type options struct {
	apiURL     string
	liveURL    string
	ticketID   string
	openText   string
	email      string
	password   string
	sessionID  string
	maxLength  int
	logLevel   string
	reqTimeout time.Duration
	plain      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	flagSet.StringVar(&opts.apiURL, "api", "http://localhost:8080", "REST API base URL")
	flagSet.StringVar(&opts.liveURL, "live", "ws://localhost:8081/ws", "live gateway websocket URL")
	flagSet.StringVar(&opts.ticketID, "ticket", "", "ticket id to join")
	flagSet.StringVar(&opts.openText, "open", "", "open a new ticket with this first message")
	flagSet.StringVar(&opts.email, "email", "", "agent email (join as the support agent)")
	flagSet.StringVar(&opts.password, "password", "", "agent password")
	flagSet.StringVar(&opts.sessionID, "session", "", "session id used for error delivery (default: random)")
	flagSet.IntVar(&opts.maxLength, "max-length", 1000, "maximum message length in characters")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flagSet.DurationVar(&opts.reqTimeout, "timeout", 10*time.Second, "REST request timeout")
	flagSet.BoolVar(&opts.plain, "plain", false, "disable colored output")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if (opts.ticketID == "") == (opts.openText == "") {
		return errors.New("exactly one of --ticket or --open is required")
	}
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}

	logger, err := observability.NewLogger(config.LoggerConfig{Level: opts.logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return chat(ctx, opts, logger)
}

func chat(ctx context.Context, opts options, logger *zap.Logger) error {
	api := client.NewRESTClient(opts.apiURL, "", opts.reqTimeout)
	var authorID *string
	token := ""
	if opts.email != "" {
		auth, err := api.Login(ctx, opts.email, opts.password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		token = auth.AccessToken
		authorID = &auth.Agent.ID
		api = api.WithToken(token)
		fmt.Printf("signed in as %s\n", auth.Agent.Name)
	}

	if opts.openText != "" {
		ticket, _, err := api.OpenTicket(ctx, opts.openText)
		if err != nil {
			return fmt.Errorf("open ticket: %w", err)
		}
		opts.ticketID = ticket.ID
		fmt.Printf("opened ticket %s\n", ticket.ID)
	}

	lost := make(chan error, 1)
	live, err := client.DialLive(ctx, client.LiveOptions{
		Endpoint:  opts.liveURL,
		Token:     token,
		SessionID: opts.sessionID,
		OnDisconnect: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("connect live channel: %w", err)
	}
	defer live.Close() //nolint:errcheck

	view := newRenderer(os.Stdout, !opts.plain)
	sess := session.New(api, live, session.Options{
		TicketID:         opts.ticketID,
		AuthorID:         authorID,
		SessionID:        opts.sessionID,
		MaxMessageLength: opts.maxLength,
		OnChange:         view.render,
		Logger:           logger,
	})
	defer sess.Close()

	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	go watchConnection(ctx, live, sess, lost, logger)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, line, opts.ticketID, api, live, sess); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, line, ticketID string, api *client.RESTClient, live *client.LiveClient, sess *session.Session) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit":
		return true
	case "/focus":
		sess.Focus(ctx)
	case "/reconnect":
		if !live.Connected() {
			if err := live.Redial(ctx); err != nil {
				fmt.Printf("! reconnect failed: %v\n", err)
				return false
			}
		}
		if err := sess.Reconnect(ctx); err != nil {
			fmt.Printf("! resync failed: %v\n", err)
		}
	case "/close":
		if _, err := api.CloseTicket(ctx, ticketID); err != nil {
			fmt.Printf("! close failed: %v\n", err)
		}
	default:
		// Rejections are rendered from the session view.
		_ = sess.Send(ctx, line)
	}
	return false
}

// watchConnection redials the live channel with exponential backoff after a
// disconnect, then resyncs the session.
func watchConnection(ctx context.Context, live *client.LiveClient, sess *session.Session, lost <-chan error, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			sess.ConnectionLost(err)
		}

		backoff := time.Second
		for {
			err := live.Redial(ctx)
			if err == nil {
				break
			}
			logger.Debug("redial failed", zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRedialBackoff)
		}
		if err := sess.Reconnect(ctx); err != nil {
			logger.Warn("resync after reconnect failed", zap.Error(err))
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
