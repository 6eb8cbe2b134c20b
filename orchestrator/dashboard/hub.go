package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/harvestctl/orchestrator/observability"
)

const maxWSConnections = 200

// Hub manages WebSocket connections and broadcasts dashboard Metrics on a 1s
// ticker, tenant-scoped. Single broadcaster pattern prevents N duplicate
// tickers, one per connected client.
type Hub struct {
	clients    map[*websocket.Conn]string // conn -> tenant id
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	service    *Service
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

// NewHub creates a Hub that broadcasts metrics pulled from service.
func NewHub(service *Service) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		service:    service,
	}
}

// Run drives the hub's main loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("dashboard: websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			h.mu.Unlock()
			log.Printf("dashboard: websocket client registered for tenant %s, total %d", reg.tenantID, len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

func (h *Hub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tenants := make(map[string]bool)
	for _, tenantID := range h.clients {
		tenants[tenantID] = true
	}

	for tenantID := range tenants {
		metrics, err := h.service.GetMetrics(ctx, tenantID)
		if err != nil {
			log.Printf("dashboard: collect metrics for tenant %s: %v", tenantID, err)
			continue
		}
		for conn, tid := range h.clients {
			if tid != tenantID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(metrics); err != nil {
				log.Printf("dashboard: websocket write error: %v", err)
				observability.EventPublishFailures.WithLabelValues("dashboard_snapshot", "write_error").Inc()
				go h.Unregister(conn)
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("dashboard: shutting down websocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection for tenantID.
func (h *Hub) Register(conn *websocket.Conn, tenantID string) {
	h.register <- registration{conn: conn, tenantID: tenantID}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
