package dashboard

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/itskum47/harvestctl/orchestrator/middleware"
)

var upgrader = websocket.Upgrader{
	// Dashboard clients are same-origin browser tabs behind the control
	// API's own CORS policy; no additional origin check here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades a /v1/dashboard/stream request to a websocket and
// registers it with hub for the tenant found in request context.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := middleware.GetTenantFromContext(r.Context())
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn, tenantID)

		// Drain and discard any client frames (pings/close) until the
		// connection dies; this is the read pump that notices a dead
		// socket and unregisters it.
		go func() {
			defer hub.Unregister(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
