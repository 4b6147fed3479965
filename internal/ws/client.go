package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/realtime"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type ClientConfig struct {
	SendBufferSize     int
	MaxFrameBytes      int64
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Client adapts a gorilla connection to realtime.Conn. Writes happen only
// on the write pump; Send enqueues without blocking.
type Client struct {
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	send    chan []byte
	limiter *rate.Limiter

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newClient(log *slog.Logger, conn *websocket.Conn, cfg ClientConfig) *Client {
	id := uuid.NewString()
	size := cfg.SendBufferSize
	if size <= 0 {
		size = 1
	}
	return &Client{
		id:      id,
		conn:    conn,
		log:     log.With("conn_id", id),
		send:    make(chan []byte, size),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the write pump to flush queued frames, send a close frame with
// code and reason, and drop the connection.
func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

func (c *Client) readPump(ctx context.Context, engine *realtime.Engine, maxFrameBytes int64) {
	defer func() {
		engine.OnDisconnect(ctx, c)
		_ = c.Close(realtime.CloseNormal, "")
	}()

	if maxFrameBytes > 0 {
		c.conn.SetReadLimit(maxFrameBytes)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Unable to set read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.log.Warn("Rate limit exceeded; discarding frame")
			c.sendError(apperr.Validation("rate limit exceeded"))
			continue
		}
		if !engine.OnInboundFrame(ctx, c, raw) {
			return
		}
	}
}

func (c *Client) sendError(err error) {
	payload, encErr := realtime.EncodeResponse(realtime.ErrorNotice{
		Code:      apperr.Code(err),
		Message:   apperr.Public(err),
		Timestamp: time.Now().UTC(),
	})
	if encErr != nil {
		return
	}
	_ = c.Send(payload)
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Connection closed", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing connection", "error", err)
		}
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.write(websocket.TextMessage, payload) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
				c.log.Debug("Error writing close frame", "error", err)
			}
			return
		}
	}
}

// flush writes frames queued before Close.
func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			if !c.write(websocket.TextMessage, payload) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Unable to set write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("WebSocket write error", "error", err)
		}
		return false
	}
	return true
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
