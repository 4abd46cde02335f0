package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/room"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(room.NewRegistry(), discardLogger())
	router := mux.NewRouter()
	router.Handle("/ws/{room_id}", NewHandler(hub, nil, nil))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, srv
}

// dialAndJoin opens a socket to roomID, sends the join frame and waits until
// the server has registered it.
func dialAndJoin(t *testing.T, hub *Hub, srv *httptest.Server, roomID, username string) *websocket.Conn {
	t.Helper()

	before := len(hub.Registry().Connections(roomID))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "username": username}))
	require.Eventually(t, func() bool {
		return len(hub.Registry().Connections(roomID)) == before+1
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expectSilence must be the last read on conn: a timed out read leaves the
// gorilla connection unusable for further reads.
func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func participantID(t *testing.T, hub *Hub, roomID, username string) string {
	t.Helper()
	for _, c := range hub.Registry().Connections(roomID) {
		if m, ok := hub.Registry().Member(c); ok && m.DisplayName == username {
			return m.ParticipantID
		}
	}
	t.Fatalf("no participant %q in room %q", username, roomID)
	return ""
}

func TestClient_CursorChangeReachesPeerOnly(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dialAndJoin(t, hub, srv, "r1", "alice")
	bob := dialAndJoin(t, hub, srv, "r1", "bob")

	joined := readFrame(t, alice)
	assert.Equal(t, "user_joined", joined["type"])
	assert.Equal(t, "bob", joined["username"])
	assert.Equal(t, participantID(t, hub, "r1", "bob"), joined["user_id"])

	require.NoError(t, alice.WriteJSON(map[string]any{"type": "cursor_change", "line": 3, "column": 7}))

	assert.Equal(t, map[string]any{
		"type":    "cursor_change",
		"line":    float64(3),
		"column":  float64(7),
		"user_id": participantID(t, hub, "r1", "alice"),
	}, readFrame(t, bob))

	expectSilence(t, alice, 200*time.Millisecond)
}

func TestClient_AbruptDisconnect(t *testing.T) {
	hub, srv := newTestServer(t)

	conn := dialAndJoin(t, hub, srv, "r2", "solo")

	disconnectedAt := time.Now()
	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return len(hub.Registry().Connections("r2")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	ts, ok := hub.Registry().LastActivity("r2")
	require.True(t, ok)
	assert.False(t, ts.Before(disconnectedAt), "activity %v should not predate disconnect %v", ts, disconnectedAt)
}

func TestClient_DrainClosesLiveSockets(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dialAndJoin(t, hub, srv, "r3", "alice")
	bob := dialAndJoin(t, hub, srv, "r4", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Drain(ctx))
	assert.Zero(t, hub.Registry().ConnectionCount())

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var err error
		for err == nil {
			_, _, err = conn.ReadMessage()
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure),
			"expected a close from the server, got %v", err)
	}
}

func TestClient_UnknownTypeGetsSingleError(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dialAndJoin(t, hub, srv, "r3", "alice")
	bob := dialAndJoin(t, hub, srv, "r3", "bob")
	assert.Equal(t, "user_joined", readFrame(t, alice)["type"])

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "bogus"}))

	errFrame := readFrame(t, alice)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "unknown message type: bogus", errFrame["message"])

	// still open and still relayed
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "cursor_change", "line": 1, "column": 0}))
	assert.Equal(t, "cursor_change", readFrame(t, bob)["type"], "bob must not see anything caused by the bad frame")

	expectSilence(t, alice, 200*time.Millisecond)
	assert.Len(t, hub.Registry().Connections("r3"), 2)
}

func TestClient_MalformedFrameGetsError(t *testing.T) {
	hub, srv := newTestServer(t)

	conn := dialAndJoin(t, hub, srv, "r4", "alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "error processing message")
	assert.Len(t, hub.Registry().Connections("r4"), 1)
}

func TestClient_LeaveAnnouncesDeparture(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dialAndJoin(t, hub, srv, "r5", "alice")
	bob := dialAndJoin(t, hub, srv, "r5", "bob")
	readFrame(t, alice)
	aliceID := participantID(t, hub, "r5", "alice")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "leave"}))

	assert.Equal(t, map[string]any{"type": "user_left", "user_id": aliceID}, readFrame(t, bob))
	assert.Len(t, hub.Registry().Connections("r5"), 1)
}

func TestClient_DiffRelay(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dialAndJoin(t, hub, srv, "r6", "alice")
	bob := dialAndJoin(t, hub, srv, "r6", "bob")
	readFrame(t, alice)

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "code_change", "from_pos": 0, "to_pos": 3, "insert": "abc",
	}))

	frame := readFrame(t, bob)
	assert.Equal(t, "code_change", frame["type"])
	assert.NotContains(t, frame, "code")
	assert.Equal(t, float64(0), frame["from_pos"])
	assert.Equal(t, float64(3), frame["to_pos"])
	assert.Equal(t, "abc", frame["insert"])
	assert.Equal(t, participantID(t, hub, "r6", "alice"), frame["user_id"])
}

func TestClient_MissingJoinNameDefaultsToAnonymous(t *testing.T) {
	hub, srv := newTestServer(t)

	first := dialAndJoin(t, hub, srv, "r7", "first")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/r7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello?")))

	joined := readFrame(t, first)
	assert.Equal(t, "user_joined", joined["type"])
	assert.Equal(t, protocol.AnonymousName, joined["username"])
}

func TestClient_HandleJoinAfterHandshake(t *testing.T) {
	hub := newTestHub()
	c := &Client{hub: hub, send: make(chan []byte, 4), roomID: "r1", userID: "u1"}

	assert.True(t, c.handle(protocol.Join{Username: "again"}))
	assert.True(t, c.handle(protocol.Decode([]byte(`{"type":"cursor_change","line":0,"column":0}`))))
	assert.False(t, c.handle(protocol.Leave{}))

	require.Len(t, c.send, 2)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(<-c.send, &frame))
	assert.Equal(t, map[string]any{"type": "error", "message": "unknown message type: join"}, frame)
	require.NoError(t, json.Unmarshal(<-c.send, &frame))
	assert.Equal(t, "error", frame["type"])
}

func TestClient_SendAfterClose(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}

	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSendBufferFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClosed)
}

func TestHandler_ThrottlesUpgrades(t *testing.T) {
	hub := newTestHub()
	handler := NewHandler(hub, ratelimit.NewRegistry(0, 1, time.Minute), nil)

	request := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		req = mux.SetURLVars(req, map[string]string{"room_id": "r1"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// first attempt passes the throttle and fails the handshake itself
	assert.Equal(t, http.StatusBadRequest, request())
	assert.Equal(t, http.StatusTooManyRequests, request())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173/", " http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
	assert.True(t, check(req), "no Origin header")

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker(nil)(req))
}
