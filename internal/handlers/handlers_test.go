package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/middleware"
	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/registry"
	"github.com/mossy-p/roomrelay/internal/relay"
	"github.com/mossy-p/roomrelay/internal/session"
)

const testSecret = "handler-secret"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *relay.Router) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		AllowedOrigins: []string{"http://allowed.example"},
		JWTSecret:      testSecret,
		Limits: config.LimitsConfig{
			MaxMessageBytes:     64 * 1024,
			SignalRatePerSecond: 1000,
			SignalBurst:         1000,
			SendBuffer:          64,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	router := relay.NewRouter(registry.New(), session.NewDirectory())
	ts := httptest.NewServer(NewEngine(cfg, router, nil))
	t.Cleanup(ts.Close)
	return ts, router
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	msg := c.read()
	require.Equal(t, models.MessageTypeConnected, msg.Type)
	var connected models.Connected
	require.NoError(t, msg.Decode(&connected))
	c.id = connected.ID
	return c
}

func (c *wsClient) write(t models.MessageType, data any) {
	c.t.Helper()
	msg, err := models.NewMessage(t, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *wsClient) read() models.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg models.Message
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func TestSignaling_JoinSignalAndDisconnect(t *testing.T) {
	ts, router := newTestServer(t, nil)
	x := dial(t, ts)
	y := dial(t, ts)

	x.write(models.MessageTypeJoinRoom, models.JoinRoomRequest{RoomID: "42", DisplayName: "X", IsPrivate: true})
	msg := x.read()
	require.Equal(t, models.MessageTypeRoomUsers, msg.Type)
	var users models.RoomUsers
	require.NoError(t, msg.Decode(&users))
	require.NotEmpty(t, users.RoomInfo.Token)

	y.write(models.MessageTypeJoinRoom, models.JoinRoomRequest{RoomID: "42", DisplayName: "Y"})
	msg = y.read()
	require.Equal(t, models.MessageTypeJoinDenied, msg.Type)

	y.write(models.MessageTypeJoinRoom, models.JoinRoomRequest{RoomID: "42", DisplayName: "Y", Token: users.RoomInfo.Token})
	msg = y.read()
	require.Equal(t, models.MessageTypeRoomUsers, msg.Type)
	require.NoError(t, msg.Decode(&users))
	assert.Equal(t, []models.Member{{ID: x.id, DisplayName: "X"}}, users.Others)

	msg = x.read()
	require.Equal(t, models.MessageTypeUserJoined, msg.Type)

	y.write(models.MessageTypeSignal, models.Signal{To: x.id, Payload: json.RawMessage(`{"type":"media-state-request"}`)})
	msg = x.read()
	require.Equal(t, models.MessageTypeSignal, msg.Type)
	var sig models.Signal
	require.NoError(t, msg.Decode(&sig))
	assert.Equal(t, y.id, sig.From)
	assert.JSONEq(t, `{"type":"media-state-request"}`, string(sig.Payload))

	require.NoError(t, y.conn.Close())
	msg = x.read()
	require.Equal(t, models.MessageTypeUserLeft, msg.Type)
	var left models.UserEvent
	require.NoError(t, msg.Decode(&left))
	assert.Equal(t, models.Member{ID: y.id, DisplayName: "Y"}, left)

	room, ok := router.Room("42")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount)
}

func TestSignaling_MalformedFramesAreIgnored(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	c := dial(t, ts)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	c.write(models.MessageTypeJoinRoom, models.JoinRoomRequest{RoomID: "room"})

	msg := c.read()
	assert.Equal(t, models.MessageTypeRoomUsers, msg.Type)
}

func TestSignaling_RateLimitClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.SignalRatePerSecond = 1
		cfg.Limits.SignalBurst = 2
	})
	c := dial(t, ts)

	for i := 0; i < 5; i++ {
		c.write(models.MessageTypeSignal, models.Signal{To: "nobody", Payload: json.RawMessage(`{}`)})
	}

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestAdminAPI(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	a := dial(t, ts)
	a.write(models.MessageTypeJoinRoom, models.JoinRoomRequest{RoomID: "secret-room", IsPrivate: true})
	a.read()

	token, err := middleware.IssueAdminToken(testSecret, "ops", time.Minute)
	require.NoError(t, err)

	get := func(method, path, bearer string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get(http.MethodGet, "/api/rooms", "").StatusCode)

	resp := get(http.MethodGet, "/api/rooms", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Rooms []map[string]any `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "secret-room", body.Rooms[0]["id"])
	assert.NotContains(t, body.Rooms[0], "token")

	assert.Equal(t, http.StatusOK, get(http.MethodGet, "/api/rooms/secret-room", token).StatusCode)
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/api/rooms/missing", token).StatusCode)
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/api/rooms/secret-room/presence", token).StatusCode)

	assert.Equal(t, http.StatusOK, get(http.MethodDelete, "/api/rooms/secret-room", token).StatusCode)
	msg := a.read()
	assert.Equal(t, models.MessageTypeRoomClosed, msg.Type)
	assert.Equal(t, http.StatusNotFound, get(http.MethodDelete, "/api/rooms/secret-room", token).StatusCode)
}

func TestOriginFilter(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "http://allowed.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://allowed.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
