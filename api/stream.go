package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vela/cycle"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans committed cycle frames out to websocket subscribers. A subscriber
// that cannot keep up is dropped, never buffered without bound.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub creates a stream hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Broadcast sends one frame to every subscriber. Called by the orchestrator
// after each committed cycle.
func (h *Hub) Broadcast(frame cycle.Frame) {
	data, err := sonic.Marshal(frame)
	if err != nil {
		log.Printf("⚠️  Failed to encode stream frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			delete(h.clients, conn)
			close(send)
			conn.Close()
			log.Printf("🔌 Dropped slow stream subscriber (%s)", conn.RemoteAddr())
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) chan []byte {
	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	return send
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	conn.Close()
}

// subscribers current subscriber count
func (h *Hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleStream upgrades the connection and streams cycle frames until the
// client disconnects or falls behind.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️  Stream upgrade failed: %v", err)
		return
	}
	send := s.hub.add(conn)
	log.Printf("🔌 Stream subscriber connected (%s)", conn.RemoteAddr())

	// Writer: frames until the channel closes or the conn dies.
	go func() {
		for data := range send {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				break
			}
		}
		s.hub.remove(conn)
	}()

	// Reader: drains control frames and detects disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()
}
