package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocket message types for the snapshot stream
const (
	// Client -> Server messages
	MsgTypePing     = "ping"
	MsgTypeSnapshot = "snapshot" // also a request for an immediate snapshot

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
	MsgTypeClosed    = "closed"
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketConfig tunes keep-alive pings and inbound message size.
type WebSocketConfig struct {
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// WebSocketHandler streams session snapshots to renderers
type WebSocketHandler struct {
	sessions SessionManager
	upgrader websocket.Upgrader
	config   WebSocketConfig
}

// NewWebSocketHandler creates a new snapshot stream handler
func NewWebSocketHandler(sessions SessionManager, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		config: cfg,
	}
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Timestamp = time.Now().UnixMilli()
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// HandleSessionStream upgrades to WebSocket and pushes a snapshot after each
// state change until the client leaves or the session ends.
func (wsh *WebSocketHandler) HandleSessionStream(c echo.Context) error {
	id := c.Param("id")
	ctrl, ok := wsh.sessions.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsh.config.MaxMessageBytes)

	log := logger.WithField("session", id)
	log.Debug("Snapshot stream connected")

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	conn := &wsConn{ws: ws}
	if err := conn.send(WSMessage{Type: MsgTypeConnected, ID: id}); err != nil {
		return nil
	}
	if err := wsh.sendSnapshot(conn, ctrl); err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wsh.readLoop(conn, ctrl)
	}()

	ticker := time.NewTicker(wsh.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Debug("Snapshot stream disconnected")
			return nil
		case _, open := <-updates:
			if !open {
				conn.send(WSMessage{Type: MsgTypeClosed, ID: id})
				return nil
			}
			wsh.sessions.TouchSession(id)
			if err := wsh.sendSnapshot(conn, ctrl); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return nil
			}
		}
	}
}

func (wsh *WebSocketHandler) readLoop(conn *wsConn, ctrl *upload.Controller) {
	for {
		var msg WSMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithField("session", ctrl.ID()).WithError(err).Debug("WebSocket read failed")
			}
			return
		}

		switch msg.Type {
		case MsgTypePing:
			// Respond with pong to keep connection alive
			conn.send(WSMessage{Type: MsgTypePong, ID: msg.ID})
		case MsgTypeSnapshot:
			wsh.sendSnapshot(conn, ctrl)
		default:
			conn.send(WSMessage{
				Type:    MsgTypeError,
				ID:      msg.ID,
				Payload: mustJSON(WSErrorResponse{Message: "Unknown message type: " + msg.Type, Code: "INVALID_TYPE"}),
			})
		}
	}
}

func (wsh *WebSocketHandler) sendSnapshot(conn *wsConn, ctrl *upload.Controller) error {
	return conn.send(WSMessage{
		Type:    MsgTypeSnapshot,
		ID:      ctrl.ID(),
		Payload: mustJSON(ctrl.Snapshot()),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
