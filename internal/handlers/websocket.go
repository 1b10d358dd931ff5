package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/queue"
	"github.com/ternarybob/formpilot/internal/services/events"
	"golang.org/x/time/rate"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every frame sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// StatsProvider supplies the queue snapshot sent on connect and after events
type StatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// WebSocketHandler pushes job lifecycle events and throttled queue stats to clients
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	stats            StatsProvider
	statsThrottler   *rate.Limiter // nil = unthrottled
	serverInstanceID string        // clients use it to detect a server restart
}

func NewWebSocketHandler(stats StatsProvider, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		stats:            stats,
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && config.ThrottleWindow != "" {
		if window, err := time.ParseDuration(config.ThrottleWindow); err == nil && window > 0 {
			h.statsThrottler = rate.NewLimiter(rate.Every(window), 1)
		} else {
			logger.Warn().
				Str("throttle_window", config.ThrottleWindow).
				Msg("Invalid websocket throttle window - stats throttling disabled")
		}
	}

	logger.Debug().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// SubscribeToEvents forwards every queue event to connected clients
func (h *WebSocketHandler) SubscribeToEvents(eventService interfaces.EventService) error {
	return events.SubscribeAll(eventService, func(ctx context.Context, event interfaces.Event) error {
		h.Broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
		h.broadcastStats()
		return nil
	})
}

// HandleWebSocket upgrades the connection and keeps it registered until the client leaves
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	lock := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = lock
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.send(conn, lock, WSMessage{Type: "hello", Payload: map[string]string{"serverInstanceId": h.serverInstanceID}})
	if snapshot := h.snapshot(r.Context()); snapshot != nil {
		h.send(conn, lock, *snapshot)
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// Broadcast sends msg to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	locks := make([]*sync.Mutex, 0, len(h.clients))
	for conn, lock := range h.clients {
		conns = append(conns, conn)
		locks = append(locks, lock)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		h.write(conn, locks[i], data)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) broadcastStats() {
	if h.statsThrottler != nil && !h.statsThrottler.Allow() {
		return
	}
	if snapshot := h.snapshot(context.Background()); snapshot != nil {
		h.Broadcast(*snapshot)
	}
}

func (h *WebSocketHandler) snapshot(ctx context.Context) *WSMessage {
	if h.stats == nil {
		return nil
	}
	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to load queue stats for websocket")
		return nil
	}
	return &WSMessage{Type: "queue_stats", Payload: stats}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, lock *sync.Mutex, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}
	h.write(conn, lock, data)
}

func (h *WebSocketHandler) write(conn *websocket.Conn, lock *sync.Mutex, data []byte) {
	lock.Lock()
	defer lock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to send to websocket client")
	}
}
