package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/robotlink-core/internal/auth"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/config"
	"github.com/nerrad567/robotlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/robotlink-core/internal/pubsub"
)

// Dashboard WebSocket message types.
const (
	WSTypePing  = "ping"
	WSTypePong  = "pong"
	WSTypeError = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// Applied when the WebSocket config leaves them unset.
	defaultDashboardPingInterval = 30 * time.Second
	defaultDashboardPongTimeout  = 10 * time.Second
	defaultDashboardMaxMessage   = 8192

	// TokenQueryParam carries the dashboard token in the handshake URL.
	TokenQueryParam = "token"
)

// WSMessage is a control message exchanged with a dashboard client. Event
// frames are produced by the broadcast package and relayed verbatim.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub tracks dashboard clients and their membership of the frontend group.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	layer   pubsub.Layer
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is a connected dashboard. It receives every frame published to
// the frontend_updates group.
type WSClient struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	username string // from the dashboard token, empty when auth is off
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a dashboard hub joined to layer. Zero-valued cfg fields take
// the dashboard defaults.
func NewHub(cfg config.WebSocketConfig, layer pubsub.Layer, logger *logging.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultDashboardPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultDashboardPongTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultDashboardMaxMessage
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		layer:   layer,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub and joins it to the frontend group.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.layer.Join(pubsub.FrontendGroup, client)
	h.logger.Debug("dashboard connected", "client_id", client.id, "clients", h.ClientCount())
}

// Unregister leaves the frontend group and removes the client.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.layer.Leave(pubsub.FrontendGroup, client.id)

	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("dashboard disconnected", "client_id", client.id, "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.layer.Leave(pubsub.FrontendGroup, client.id)
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleFrontendWebSocket upgrades a dashboard connection. When a dashboard
// token secret is configured the token query parameter must carry a valid
// token; failures are answered with 401 before the upgrade.
func (s *Server) handleFrontendWebSocket(w http.ResponseWriter, r *http.Request) {
	var username string
	if secret := s.secCfg.DashboardTokenSecret; secret != "" {
		claims, err := auth.ParseToken(r.URL.Query().Get(TokenQueryParam), secret)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenMissing):
				writeUnauthorized(w, "token query parameter is required")
			case errors.Is(err, auth.ErrTokenExpired):
				writeUnauthorized(w, "token has expired")
			default:
				writeUnauthorized(w, "invalid token")
			}
			return
		}
		username = claims.Username
		if username == "" {
			username = claims.Subject
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:       uuid.NewString(),
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		username: username,
	}

	s.hub.Register(client)
	if username != "" {
		s.logger.Info("dashboard authenticated", "client_id", client.id, "username", username)
	}

	go client.writePump()
	go client.readPump()
}

// ID implements pubsub.Subscriber.
func (c *WSClient) ID() string {
	return c.id
}

// Deliver implements pubsub.Subscriber. Frames for a slow dashboard are
// dropped rather than blocking the publisher.
func (c *WSClient) Deliver(_ string, payload []byte) {
	c.trySend(payload)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	deadline := cfg.PingInterval + cfg.PongTimeout

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("dashboard read error", "error", err)
			} else {
				c.hub.logger.Debug("dashboard closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming dashboard message. Dashboards are
// receive-only apart from application-level pings.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendResponse sends a response message to the client.
// Routes through trySend to safely handle closed channels during shutdown.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
