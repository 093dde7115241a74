package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/config"
	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/observability"
)

// LiveBus is the broker surface used by the gateway.
type LiveBus interface {
	events.Publisher
	Subscribe(topic events.Topic, handler events.Handler) (*events.Subscription, error)
	Unsubscribe(sub *events.Subscription)
}

// Submitter persists messages relayed from websocket clients.
type Submitter interface {
	SubmitWithKey(ctx context.Context, key, ticketID string, authorID *string, text string) (*domain.Message, error)
}

// Authenticator resolves the optional token query parameter to an agent.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Agent, error)
}

// GatewayDependencies bundles collaborators for the gateway.
type GatewayDependencies struct {
	Bus           LiveBus
	Submitter     Submitter
	Authenticator Authenticator
}

// Gateway bridges websocket clients to the live broker.
type Gateway struct {
	bus      LiveBus
	submit   Submitter
	authn    Authenticator
	cfg      config.LiveConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
}

// NewGateway constructs the gateway.
func NewGateway(deps GatewayDependencies, cfg config.LiveConfig, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		bus:     deps.Bus,
		submit:  deps.Submitter,
		authn:   deps.Authenticator,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Requesters embed the widget on arbitrary sites.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Router returns the HTTP handler exposing the websocket endpoint at /ws.
func (g *Gateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", g.ServeWS).Methods(http.MethodGet)
	return router
}

// Server returns an http.Server bound to the live address.
func (g *Gateway) Server() *http.Server {
	return &http.Server{
		Addr:              g.cfg.Addr(),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
// The token or session query parameter fixes the party topic of the
// connection for its whole lifetime.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get(SessionParam))
	if len(sessionID) > maxSessionIDLength {
		http.Error(w, "session id too long", http.StatusBadRequest)
		return
	}

	var agent *domain.Agent
	if token := query.Get(TokenParam); token != "" && g.authn != nil {
		authenticated, err := g.authn.Authenticate(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		agent = authenticated
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(g, conn, agent, connectionParty(agent, sessionID))
	if !g.track(c) {
		_ = conn.Close()
		return
	}
	defer g.untrack(c)

	g.logger.Info("live client connected", zap.String("remote", r.RemoteAddr), zap.Bool("agent", agent != nil))
	c.run()
	g.logger.Info("live client disconnected", zap.String("remote", r.RemoteAddr))
}

// connectionParty is the only party topic a connection may read and the
// one its rejected sends are reported on. Empty means none.
func connectionParty(agent *domain.Agent, sessionID string) events.Topic {
	switch {
	case agent != nil:
		return events.PartyTopic(&agent.ID, "")
	case sessionID != "":
		return events.PartyTopic(nil, sessionID)
	}
	return ""
}

// Close disconnects every client. Later upgrades are refused.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}
