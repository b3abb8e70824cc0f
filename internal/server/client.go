// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one authenticated websocket connection. The gateway owns it from
// registration until its send channel is closed.
type Client struct {
	id             string
	subjectID      string
	conn           *websocket.Conn
	send           chan []byte
	gateway        *Gateway
	addr           string
	closed         bool
	state          atomic.Int32
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *zap.Logger

	// ctx is cancelled when the connection closes. Store reads derive from it;
	// store writes detach from it so they are never abandoned mid-way.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a Client for an upgraded connection whose bearer
// credential resolved to subjectID. The connection stays Unauthenticated
// until the gateway admits it.
func NewClient(conn *websocket.Conn, gateway *Gateway, subjectID, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:             id,
		subjectID:      subjectID,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		gateway:        gateway,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		log:            gateway.log.With(zap.String("conn", id), zap.String("subject", subjectID)),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.state.Store(int32(StateUnauthenticated))
	return c
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// SubjectID returns the authenticated subject.
func (c *Client) SubjectID() string { return c.subjectID }

// State returns the protocol state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("set_read_deadline_failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("set_read_deadline_failed", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("frame_too_large", zap.Int64("limit", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Debug("client_disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug("connection_closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.log.Warn("unexpected_close", zap.Error(err))
		return true
	}

	c.log.Warn("read_failed", zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the event should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Debug("rate_limited",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processFrame decodes every envelope in a frame and hands each one to the
// gateway in order. A malformed envelope is answered with an error event and
// the rest of the frame is dropped.
func (c *Client) processFrame(raw []byte) {
	envs, err := protocol.DecodeFrame(raw)
	for _, env := range envs {
		if !c.checkRateLimit() {
			c.gateway.rejectRateLimited(c, env)
			continue
		}
		c.gateway.dispatch(c, env)
	}
	if err != nil {
		c.log.Debug("malformed_frame", zap.Error(err))
		c.gateway.replyError(c, "", "", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.detach(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Warn("close_failed", zap.String("pump", "read"), zap.Error(err))
			}
		}
	}()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("close_failed", zap.String("pump", "write"), zap.Error(err))
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set_write_deadline_failed", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("write_close_failed", zap.Error(err))
		}
	}
	return false
}

// writeTextMessage writes a text frame holding message and every event queued
// behind it, separated by '\n'.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Debug("next_writer_failed", zap.Error(err))
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Debug("write_failed", zap.Error(err))
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.log.Debug("writer_close_failed", zap.Error(err))
		return false
	}
	return true
}

// writeQueuedMessages drains what is already buffered into the open frame.
// A closed channel ends the frame; the next loop iteration sees it and sends
// the close message.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Debug("write_failed", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.log.Debug("write_failed", zap.Error(err))
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("ping_failed", zap.Error(err))
		return false
	}
	return true
}
