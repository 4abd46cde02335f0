package ws

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
)

// Handler upgrades /ws/{room_id} requests and starts a Client per socket.
type Handler struct {
	hub      *Hub
	upgrades *ratelimit.Registry
	upgrader websocket.Upgrader
}

// NewHandler builds the upgrade endpoint. upgrades throttles handshakes per
// remote host and may be nil. An empty origin list, or one containing "*",
// accepts any origin.
func NewHandler(hub *Hub, upgrades *ratelimit.Registry, allowedOrigins []string) *Handler {
	return &Handler{
		hub:      hub,
		upgrades: upgrades,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	if h.upgrades != nil && !h.upgrades.Allow(remoteHost(r)) {
		h.hub.logger.Warn("upgrade throttled", "remote", r.RemoteAddr, "room", roomID)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.hub.logger.Warn("upgrade failed", "room", roomID, "error", err)
		return
	}

	client := newClient(h.hub, conn, roomID)
	go client.writePump()
	go client.run()
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin
		return origin == "" || set[strings.TrimRight(origin, "/")]
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
