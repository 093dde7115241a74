package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/domain"
	"github.com/spec-kit/feedback-chat/internal/events"
	apperrors "github.com/spec-kit/feedback-chat/pkg/util/errorutil"
)

const outboundBuffer = 32

// Error texts relayed to the party topic of the sending connection.
const (
	errTicketMissing = "ticket does not exist"
	errTicketClosed  = "ticket is closed"
	errNotDelivered  = "message could not be delivered"
)

type connection struct {
	g        *Gateway
	conn     *websocket.Conn
	agent    *domain.Agent
	party    events.Topic
	outbound chan events.Frame
	done     chan struct{}
	once     sync.Once

	// subs is owned by the read loop.
	subs map[events.Topic]*events.Subscription
}

func newConnection(g *Gateway, conn *websocket.Conn, agent *domain.Agent, party events.Topic) *connection {
	return &connection{
		g:        g,
		conn:     conn,
		agent:    agent,
		party:    party,
		outbound: make(chan events.Frame, outboundBuffer),
		done:     make(chan struct{}),
		subs:     make(map[events.Topic]*events.Subscription),
	}
}

func (c *connection) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	for _, sub := range c.subs {
		c.g.bus.Unsubscribe(sub)
	}
	c.subs = nil
	c.shutdown()
	<-writerDone
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *connection) readLoop() {
	pongWait := 2 * c.g.cfg.PingInterval()
	if c.g.cfg.ReadLimitBytes > 0 {
		c.conn.SetReadLimit(c.g.cfg.ReadLimitBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.g.logger.Debug("live read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(connectionError("malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.g.cfg.PingInterval())
	defer ticker.Stop()
	writeTimeout := c.g.cfg.WriteTimeout()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.g.logger.Debug("live write failed", zap.Error(err))
				c.shutdown()
				return
			}
			c.g.metrics.RecordEvent(string(frame.Kind), "relayed")
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// enqueue hands a frame to the writer. It blocks while the writer is busy,
// which in turn lets the broker mailbox absorb or drop the overflow.
func (c *connection) enqueue(frame events.Frame) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	}
}

func (c *connection) handle(frame ClientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		c.subscribe(frame.Topic)
	case FrameUnsubscribe:
		if sub, ok := c.subs[frame.Topic]; ok {
			c.g.bus.Unsubscribe(sub)
			delete(c.subs, frame.Topic)
		}
	case FrameSend:
		c.send(frame)
	default:
		c.enqueue(connectionError("unknown frame type"))
	}
}

func (c *connection) subscribe(topic events.Topic) {
	if !topic.Valid() {
		c.enqueue(connectionError("invalid topic"))
		return
	}
	if topic.IsParty() && topic != c.party {
		c.enqueue(connectionError("not allowed to subscribe to this party topic"))
		return
	}
	if _, ok := c.subs[topic]; ok {
		return
	}
	sub, err := c.g.bus.Subscribe(topic, c.forward)
	if err != nil {
		c.enqueue(connectionError("live channel unavailable"))
		return
	}
	c.subs[topic] = sub
}

func (c *connection) forward(event events.Event) {
	frame, err := events.EncodeFrame(event)
	if err != nil {
		c.g.logger.Warn("encode live frame failed", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *connection) send(frame ClientFrame) {
	if frame.AuthorID != nil && *frame.AuthorID != "" {
		if c.agent == nil || c.agent.ID != *frame.AuthorID {
			c.enqueue(connectionError("not allowed to post as this author"))
			return
		}
	}

	// Sends run on the read loop so one client's frames stay ordered.
	_, err := c.g.submit.SubmitWithKey(context.Background(), frame.IdempotencyKey, frame.TicketID, frame.AuthorID, frame.Text)
	if err == nil {
		return
	}

	text := relayErrorText(err)
	if c.party == "" {
		c.enqueue(connectionError(text))
		return
	}
	if pubErr := c.g.bus.Publish(context.Background(), c.party, events.NewErrorEvent(text)); pubErr != nil {
		c.g.logger.Warn("publish relay error failed", zap.String("topic", string(c.party)), zap.Error(pubErr))
	}
}

func relayErrorText(err error) string {
	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) {
		return errNotDelivered
	}
	switch domainErr.Code {
	case apperrors.CodeNotFound:
		return errTicketMissing
	case apperrors.CodeTicketClosed:
		return errTicketClosed
	case apperrors.CodeValidation:
		return domainErr.Message
	}
	return errNotDelivered
}
