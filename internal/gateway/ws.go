// Package gateway owns the client-facing surface: the websocket channel the
// paired device speaks the envelope protocol over, and the HTTP admin API for
// session management.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/tether/internal/agent"
	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 256
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 25 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsHandler struct {
	engine   *agent.Engine
	logger   *observability.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(engine *agent.Engine, logger *observability.Logger) *wsHandler {
	return &wsHandler{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// client is one connected device. It implements agent.Sink; envelope sends
// never block, and a full buffer drops the connection.
type client struct {
	handler *wsHandler
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id       string
	deviceID string
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		id:       uuid.NewString(),
		deviceID: resolveDeviceID(r),
	}
	h.logger.Info(ctx, "client connected", "conn_id", c.id, "device_id", c.deviceID)
	go c.writeLoop()
	c.readLoop()
	c.close()
}

// resolveDeviceID reads the device identity the auth gate attached to the
// upgrade request. Empty means no push routing for turns started on this
// connection.
func resolveDeviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("deviceId"))
}

func (c *client) close() {
	c.cancel()
	_ = c.conn.Close()
	c.handler.logger.Info(c.ctx, "client disconnected", "conn_id", c.id)
}

// Send enqueues one outbound envelope. It must not block: a slow or gone
// client returns false, which the engine treats as a turn cancel signal.
func (c *client) Send(env *models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- data:
		return true
	default:
		c.handler.logger.Warn(c.ctx, "client send buffer full, dropping connection", "conn_id", c.id)
		c.cancel()
		return false
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) dispatch(data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid_message", "message is not valid JSON: "+err.Error())
		return
	}

	switch msg.Type {
	case models.TypeAgentMessage:
		c.handler.engine.HandleMessage(c.ctx, c, msg, c.deviceID)
	case models.TypeToolResponse:
		c.handler.engine.HandleToolResponse(c.ctx, c, msg)
	case models.TypeStop:
		c.handler.engine.HandleStop(c.ctx, c, msg.SessionID)
	case models.TypeGenerateTitle:
		title := c.handler.engine.GenerateTitle(c.ctx, msg.Provider, msg.Content)
		env := models.NewEnvelope(msg.SessionID, models.TypeTitle)
		env.Title = title
		c.Send(env)
	default:
		c.sendError(msg.SessionID, "invalid_message", "unknown message type: "+msg.Type)
	}
}

func (c *client) sendError(sessionID, code, message string) {
	env := models.NewEnvelope(sessionID, models.TypeError)
	env.Error = &models.WireError{Code: code, Message: message}
	c.Send(env)
}
