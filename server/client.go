package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/teranos/aggregator/dispatch"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
	"github.com/teranos/aggregator/query"
	"github.com/teranos/aggregator/registry"
	"github.com/teranos/aggregator/subscription"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Client is one websocket connection. It implements subscription.Connection.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	send    chan any
	done    chan struct{}
	id      string
	remote  string
	limiter *rate.Limiter

	// registered receives the hub's admission decision.
	registered chan bool
	closeOnce  sync.Once
}

func newClient(s *Server, conn *websocket.Conn, id, remote string, queueSize int) *Client {
	c := &Client{
		server:     s,
		conn:       conn,
		send:       make(chan any, queueSize),
		done:       make(chan struct{}),
		id:         id,
		remote:     remote,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		registered: make(chan bool, 1),
	}
	c.setRate(int(s.queriesPerMinute.Load()))
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg any) error {
	select {
	case <-c.done:
		return errors.Mark(errors.Newf("client %s is closed", c.id), errors.ErrConnectionClosed)
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errors.Mark(errors.Newf("client %s is closed", c.id), errors.ErrConnectionClosed)
	default:
		return errors.Mark(errors.Newf("send queue full for client %s", c.id), errors.ErrSendQueueFull)
	}
}

// close marks the client closed and closes the socket. Safe to call repeatedly.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) setRate(perMinute int) {
	if perMinute <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(float64(perMinute) / 60))
	c.limiter.SetBurst(perMinute)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
			c.close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", logger.FieldConnectionID, c.id)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				logger.FieldError, err.Error(),
				logger.FieldConnectionID, c.id,
			)
			c.Send(subscription.NewStatus(subscription.StatusError, "", "message is not valid JSON"))
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			logger.FieldConnectionID, c.id,
			logger.FieldError, err,
		)
	}
}

// routeMessage dispatches a message by the fields it carries.
func (c *Client) routeMessage(msg *inboundMessage) {
	switch {
	case msg.AggregationEvent != "":
		c.handleAggregation(msg)
	case msg.Status != "":
		c.handleStatus(msg)
	case msg.Query != "":
		c.handleQuery(msg)
	default:
		c.server.logger.Debugw("Unroutable message", logger.FieldConnectionID, c.id)
		c.Send(subscription.NewStatus(subscription.StatusError, msg.QueryHash,
			"message carries no query, aggregation_event or status"))
	}
}

func (c *Client) handleQuery(msg *inboundMessage) {
	if !c.limiter.Allow() {
		c.server.logger.Infow("Query rate limited",
			logger.FieldConnectionID, c.id,
			"limit_per_minute", c.server.queriesPerMinute.Load(),
		)
		c.Send(subscription.NewStatus(subscription.StatusRateLimited, "", "too many queries, retry later"))
		return
	}

	ctx := logger.WithConnectionID(c.server.ctx, c.id)
	out, err := c.server.coord.Submit(ctx, dispatch.Submission{
		Raw:   msg.Query,
		Rules: msg.Rules,
		Type:  msg.Type,
		Conn:  c,
		Metadata: registry.Metadata{
			RegisteredBy: msg.RegisteredBy,
			ConnectionID: c.id,
			QueryType:    msg.Type,
			Rules:        msg.Rules,
		},
	})
	if err != nil {
		// The coordinator has already told the requester.
		c.server.logger.Debugw("Submission rejected",
			logger.FieldConnectionID, c.id,
			logger.FieldError, err,
		)
		return
	}
	c.server.logger.Debugw("Submission handled",
		logger.FieldConnectionID, c.id,
		logger.FieldState, out.State,
		logger.FieldCanonical, out.Decision.Canonical.Short(),
	)
}

func (c *Client) handleAggregation(msg *inboundMessage) {
	err := c.server.coord.HandleResult(c.server.ctx, subscription.AggregationEvent{
		AggregationEvent: msg.AggregationEvent,
		QueryHash:        msg.QueryHash,
		WindowFrom:       msg.WindowFrom,
		WindowTo:         msg.WindowTo,
	})
	if err != nil {
		c.server.logger.Warnw("Aggregation event rejected",
			logger.FieldConnectionID, c.id,
			logger.FieldError, err,
		)
		c.server.coord.Table().NotifyError(c, query.Fingerprint(msg.QueryHash), err)
	}
}

func (c *Client) handleStatus(msg *inboundMessage) {
	status := subscription.NewStatus(msg.Status, msg.QueryHash, msg.Detail)
	if err := c.server.coord.ForwardStatus(c.server.ctx, status); err != nil {
		c.server.logger.Warnw("Status message rejected",
			logger.FieldConnectionID, c.id,
			logger.FieldError, err,
		)
		c.server.coord.Table().NotifyError(c, query.Fingerprint(msg.QueryHash), err)
	}
}

// writePump writes queued messages and pings to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	c.server.logger.Debugw("Write pump started", logger.FieldConnectionID, c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warnw("WebSocket write error",
					logger.FieldConnectionID, c.id,
					logger.FieldError, err,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
