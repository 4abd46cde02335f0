package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/room"
)

// Delivery is the outcome of handing one frame to one connection.
type Delivery int

const (
	Delivered Delivery = iota
	Failed
)

// Hub fans frames out to the connections of a room. Connections that fail
// to accept a frame are treated as disconnected: they are closed, removed
// from the registry and announced as having left.
type Hub struct {
	registry *room.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(registry *room.Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// Join registers conn in roomKey and tells the rest of the room.
func (h *Hub) Join(conn room.Conn, roomKey, username string) string {
	userID := h.registry.Join(conn, roomKey, username)
	h.logger.Info("client joined",
		"room", roomKey, "user_id", userID, "username", username,
		"clients", len(h.registry.Connections(roomKey)))

	h.BroadcastUserJoined(roomKey, userID, username, conn)
	return userID
}

// Leave deregisters conn and announces the departure. It reports false,
// and sends nothing, if conn was not registered.
func (h *Hub) Leave(conn room.Conn) bool {
	member, ok := h.registry.Leave(conn)
	if !ok {
		return false
	}

	remaining := len(h.registry.Connections(member.RoomKey))
	if remaining == 0 {
		h.logger.Info("room empty", "room", member.RoomKey)
	} else {
		h.logger.Info("client left", "room", member.RoomKey, "user_id", member.ParticipantID, "remaining", remaining)
	}

	h.BroadcastUserLeft(member.RoomKey, member.ParticipantID)
	return true
}

// CloseAll closes every registered connection. Each connection's own
// handler deregisters it once its socket winds down.
func (h *Hub) CloseAll() int {
	conns := h.registry.All()
	for _, conn := range conns {
		conn.Close()
	}
	if len(conns) > 0 {
		h.logger.Info("closing live connections", "count", len(conns))
	}
	return len(conns)
}

// Drain closes every connection and waits until the registry is empty or
// ctx is done.
func (h *Hub) Drain(ctx context.Context) error {
	if h.CloseAll() == 0 {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.registry.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) BroadcastCodeChange(roomKey string, change protocol.CodeChange, userID string, exclude room.Conn) {
	if change.HasDiff() && !change.ValidDiff() {
		h.logger.Debug("forwarding out-of-order diff",
			"room", roomKey, "user_id", userID,
			"from_pos", *change.FromPos, "to_pos", *change.ToPos, "has_code", change.Code != nil)
	}
	h.broadcast(roomKey, change.Frame(userID, h.now()), exclude)
}

func (h *Hub) BroadcastCursorChange(roomKey string, line, column int, userID string, exclude room.Conn) {
	h.broadcast(roomKey, protocol.NewCursorUpdate(line, column, userID), exclude)
}

func (h *Hub) BroadcastUserJoined(roomKey, userID, username string, exclude room.Conn) {
	h.broadcast(roomKey, protocol.NewUserJoined(userID, username), exclude)
}

func (h *Hub) BroadcastUserLeft(roomKey, userID string) {
	h.broadcast(roomKey, protocol.NewUserLeft(userID), nil)
}

// The connection snapshot is taken under the registry lock and then walked
// without it.
func (h *Hub) broadcast(roomKey string, frame any, exclude room.Conn) {
	// Unknown or already empty rooms are a no-op.
	if !h.registry.Touch(roomKey) {
		return
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		h.logger.Error("encode frame", "room", roomKey, "error", err)
		return
	}

	var failed []room.Conn
	for _, conn := range h.registry.Connections(roomKey) {
		if conn == exclude {
			continue
		}
		if h.deliver(conn, data) == Failed {
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		h.prune(conn)
	}
}

func (h *Hub) deliver(conn room.Conn, data []byte) Delivery {
	if err := conn.Send(data); err != nil {
		return Failed
	}
	return Delivered
}

func (h *Hub) prune(conn room.Conn) {
	if member, ok := h.registry.Member(conn); ok {
		h.logger.Warn("dropping unreachable client", "room", member.RoomKey, "user_id", member.ParticipantID)
	}
	conn.Close()
	h.Leave(conn)
}
