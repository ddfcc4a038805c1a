package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
	"sync"
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				err := conn.WriteMessage(websocket.TextMessage, message)
				if err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
					// Assume client is disconnected, let the read pump handle unregistering
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastRunSnapshot 广播一次验证运行的状态快照
func (h *Hub) BroadcastRunSnapshot(snap types.RunSnapshot) {
	h.send(WebSocketMessage{Type: "run_update", Data: snap})
}

// BroadcastRunDone signals that a run reached a terminal state. Unlike
// intermediate snapshots the terminal message is never dropped.
func (h *Hub) BroadcastRunDone(snap types.RunSnapshot) {
	h.sendFinal(WebSocketMessage{Type: "run_done", Data: snap})
}

// BroadcastSourceEvent 广播单条聚合进度事件
func (h *Hub) BroadcastSourceEvent(ev types.SourceEvent) {
	h.send(WebSocketMessage{Type: "source_event", Data: ev})
}

func (h *Hub) send(msg WebSocketMessage) {
	h.enqueue(msg, false)
}

func (h *Hub) sendFinal(msg WebSocketMessage) {
	h.enqueue(msg, true)
}

// enqueue writes a message into the bounded broadcast channel. Intermediate
// messages are dropped when the buffer is full; a final message always lands
// by evicting the oldest buffered entries until it fits.
func (h *Hub) enqueue(msg WebSocketMessage, final bool) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("type", msg.Type).Msg("Hub: Failed to marshal message")
		return
	}

	for {
		select {
		case h.broadcast <- jsonMsg:
			return
		default:
			if !final {
				// Do not log warning for full channel here to avoid log spam
				return
			}
			select {
			case <-h.broadcast:
			default:
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	hub.register <- conn

	// This is a read pump. It's needed to detect when a client closes the connection.
	go func() {
		defer func() {
			hub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
