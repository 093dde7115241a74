package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/api/ws"
	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/session"
)

// ErrLiveDisconnected is returned while no websocket connection is open.
var ErrLiveDisconnected = errors.New("live channel disconnected")

const liveWriteWait = 5 * time.Second

// LiveClient multiplexes topic subscriptions over one websocket connection.
// Handlers run on the read goroutine in frame order.
type LiveClient struct {
	endpoint     string
	token        string
	sessionID    string
	logger       *zap.Logger
	onDisconnect func(error)

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	nextID   uint64
	handlers map[events.Topic]map[uint64]events.Handler
}

// LiveOptions configures a LiveClient.
type LiveOptions struct {
	// Endpoint is the websocket URL, e.g. ws://localhost:8081/ws.
	Endpoint string
	Token    string
	// SessionID names the anonymous party topic of this connection. It is
	// ignored when Token authenticates an agent.
	SessionID string
	// OnDisconnect is called once per lost connection, never after Close.
	OnDisconnect func(error)
	Logger       *zap.Logger
}

// DialLive opens the live channel.
func DialLive(ctx context.Context, opts LiveOptions) (*LiveClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &LiveClient{
		endpoint:     opts.Endpoint,
		token:        opts.Token,
		sessionID:    opts.SessionID,
		logger:       logger,
		onDisconnect: opts.OnDisconnect,
		handlers:     make(map[events.Topic]map[uint64]events.Handler),
	}
	if err := c.Redial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Redial replaces a lost connection. Subscriptions do not survive a
// disconnect; callers subscribe again afterwards.
func (c *LiveClient) Redial(ctx context.Context) error {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return err
	}
	query := endpoint.Query()
	if c.token != "" {
		query.Set(ws.TokenParam, c.token)
	}
	if c.sessionID != "" {
		query.Set(ws.SessionParam, c.sessionID)
	}
	endpoint.RawQuery = query.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrLiveDisconnected
	}
	previous := c.conn
	c.conn = conn
	c.handlers = make(map[events.Topic]map[uint64]events.Handler)
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	go c.readLoop(conn)
	return nil
}

// Connected reports whether a connection is open.
func (c *LiveClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe implements session.Live.
func (c *LiveClient) Subscribe(topic events.Topic, handler events.Handler) (session.Subscription, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrLiveDisconnected
	}
	c.nextID++
	id := c.nextID
	first := len(c.handlers[topic]) == 0
	if first {
		c.handlers[topic] = make(map[uint64]events.Handler)
	}
	c.handlers[topic][id] = handler
	c.mu.Unlock()

	if first {
		if err := c.write(conn, ws.ClientFrame{Type: ws.FrameSubscribe, Topic: topic}); err != nil {
			c.remove(conn, topic, id)
			return nil, err
		}
	}
	return &liveSubscription{client: c, conn: conn, topic: topic, id: id}, nil
}

// Send relays a message through the gateway. Rejections arrive as error
// events on the sender's party topic.
func (c *LiveClient) Send(ticketID string, authorID *string, text, idempotencyKey string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrLiveDisconnected
	}
	return c.write(conn, ws.ClientFrame{
		Type:           ws.FrameSend,
		TicketID:       ticketID,
		AuthorID:       authorID,
		Text:           text,
		IdempotencyKey: idempotencyKey,
	})
}

// Close shuts the connection without calling OnDisconnect.
func (c *LiveClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[events.Topic]map[uint64]events.Handler)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(liveWriteWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *LiveClient) readLoop(conn *websocket.Conn) {
	for {
		var frame events.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.lost(conn, err)
			return
		}
		event, err := events.DecodeFrame(frame)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.String("topic", string(frame.Topic)), zap.Error(err))
			continue
		}
		if frame.Topic == "" {
			c.logger.Warn("live channel rejected request", zap.String("error", event.Error))
			continue
		}
		for _, handler := range c.handlersFor(conn, frame.Topic) {
			handler(event)
		}
	}
}

func (c *LiveClient) handlersFor(conn *websocket.Conn, topic events.Topic) []events.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return nil
	}
	result := make([]events.Handler, 0, len(c.handlers[topic]))
	for _, handler := range c.handlers[topic] {
		result = append(result, handler)
	}
	return result
}

func (c *LiveClient) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.handlers = make(map[events.Topic]map[uint64]events.Handler)
	notify := c.onDisconnect
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Info("live channel disconnected", zap.Error(err))
	if notify != nil {
		notify(err)
	}
}

func (c *LiveClient) remove(conn *websocket.Conn, topic events.Topic, id uint64) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	handlers, ok := c.handlers[topic]
	if !ok {
		return false
	}
	if _, ok := handlers[id]; !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(c.handlers, topic)
		return true
	}
	return false
}

func (c *LiveClient) write(conn *websocket.Conn, frame ws.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

type liveSubscription struct {
	client *LiveClient
	conn   *websocket.Conn
	topic  events.Topic
	id     uint64
	once   sync.Once
}

// Unsubscribe is safe after a disconnect and when called twice.
func (s *liveSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.client.remove(s.conn, s.topic, s.id) {
			if err := s.client.write(s.conn, ws.ClientFrame{Type: ws.FrameUnsubscribe, Topic: s.topic}); err != nil {
				s.client.logger.Debug("unsubscribe frame not sent", zap.Error(err))
			}
		}
	})
}
