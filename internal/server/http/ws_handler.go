package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/app"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 << 10

	// CloseConversationNotFound is the close code sent for unknown conversations.
	CloseConversationNotFound = 4004
)

// MsgRateLimited is sent when a client outpaces the inbound limiter.
const MsgRateLimited = "Too many messages; slow down"

var errConnClosed = errors.New("websocket closed")

// wsConn serialises writes to one websocket. Run goroutines, replies and the
// pinger all write through it.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(ev conversation.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame and releases the socket.
func (c *wsConn) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// WSHandler upgrades conversation streams and pumps inbound frames into the
// coordinator.
type WSHandler struct {
	coordinator  *app.Coordinator
	upgrader     websocket.Upgrader
	inboundRate  rate.Limit
	inboundBurst int
	metrics      *observability.RunMetrics
	logger       logging.Logger
}

type WSOption func(*WSHandler)

// WithInboundLimit throttles frames per connection. Zero disables throttling.
func WithInboundLimit(perSecond float64, burst int) WSOption {
	return func(h *WSHandler) {
		if perSecond > 0 && burst > 0 {
			h.inboundRate = rate.Limit(perSecond)
			h.inboundBurst = burst
		}
	}
}

func WithWSMetrics(m *observability.RunMetrics) WSOption {
	return func(h *WSHandler) { h.metrics = m }
}

func WithWSLogger(logger logging.Logger) WSOption {
	return func(h *WSHandler) { h.logger = logging.OrNop(logger) }
}

func NewWSHandler(coordinator *app.Coordinator, allowedOrigins []string, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *WSHandler) HandleStream(c *gin.Context) {
	conversationID := c.Param("id")
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Warn("WebSocket upgrade failed for %s: %v", conversationID, err)
		return
	}
	conn := &wsConn{conn: ws}
	ctx := c.Request.Context()

	session, err := h.coordinator.Open(ctx, conversationID, conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, app.ErrNotFound) {
			code = CloseConversationNotFound
		}
		conn.closeWith(code, app.MsgConversationNotFound)
		return
	}
	defer conn.closeWith(websocket.CloseNormalClosure, "")
	defer session.Close()

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(conn, done)

	var limiter *rate.Limiter
	if h.inboundRate > 0 {
		limiter = rate.NewLimiter(h.inboundRate, h.inboundBurst)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("WebSocket for %s closed: %v", conversationID, err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			h.metrics.InboundRejected("rate_limited")
			_ = conn.Send(conversation.ErrorEvent(MsgRateLimited))
			continue
		}
		session.HandleInbound(ctx, data)
	}
}

func (h *WSHandler) keepAlive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
