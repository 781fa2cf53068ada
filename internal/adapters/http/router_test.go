package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/Ring/internal/adapters/http"
	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/app/orch"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*httptest.Server, *orch.Dispatcher) {
	t.Helper()
	cfg := &config.Config{
		Mode:       "release",
		ReadLimit:  32768,
		PingPeriod: time.Second,
		WriteWait:  time.Second,
		SendBuffer: 16,
		InboxSize:  8,
		Secret:     "test-secret",
	}
	m := metrics.New()
	d := orch.NewDispatcher(app.NewRegistry(m), app.NewRoomRelay(m))
	d.Metrics = m
	d.Calls.Metrics = m
	d.Policy = app.SimplePolicy{}

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(router.SetupRouter(ctx, cfg, d, m))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, d
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expect reads frames until one of the given type arrives and decodes it.
func (c *wsClient) expect(typ string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		var msg map[string]any
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestSignalEndToEnd(t *testing.T) {
	srv, d := newServer(t)
	alice, bob := dial(t, srv), dial(t, srv)

	alice.send(`{"type":"register-user","userId":"alice"}`)
	alice.expect("registered")
	bob.send(`{"type":"register-user","userId":"bob"}`)
	bob.expect("registered")

	alice.send(`{"type":"initiate-call","callerId":"alice","calleeId":"bob","roomId":"r1"}`)
	inv := bob.expect("incoming-call")
	assert.Equal(t, "alice", inv["callerId"])
	assert.Equal(t, "r1", inv["roomId"])

	bob.send(`{"type":"accept-call","roomId":"r1","calleeId":"bob"}`)
	alice.expect("call-accepted")

	alice.send(`{"type":"webrtc-signal","roomId":"r1","signal":{"type":"offer","sdp":"v=0"}}`)
	sig := bob.expect("webrtc-signal")
	assert.Equal(t, "alice", sig["sender"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, sig["signal"])

	bob.send(`{"type":"transcript","roomId":"r1","text":"can you hear me"}`)
	tr := alice.expect("transcript")
	assert.Equal(t, "bob", tr["userId"])
	assert.NotEmpty(t, tr["timestamp"])

	alice.send(`{"type":"end-call","roomId":"r1"}`)
	alice.expect("call-ended")
	ended := bob.expect("call-ended")
	assert.Equal(t, "ended", ended["state"])

	bob.send(`{"type":"accept-call","roomId":"r1","calleeId":"bob"}`)
	errEv := bob.expect("error")
	assert.Equal(t, "stale_session", errEv["code"])
	assert.Zero(t, d.Calls.Count())
}

func TestSignalDisconnectEndsCall(t *testing.T) {
	srv, d := newServer(t)
	alice, bob := dial(t, srv), dial(t, srv)

	alice.send(`{"type":"register-user","userId":"alice"}`)
	alice.expect("registered")
	bob.send(`{"type":"register-user","userId":"bob"}`)
	bob.expect("registered")
	alice.send(`{"type":"initiate-call","callerId":"alice","calleeId":"bob","roomId":"r1"}`)
	bob.expect("incoming-call")

	require.NoError(t, alice.conn.Close())

	ended := bob.expect("call-ended")
	assert.Equal(t, "cancelled", ended["state"])
	require.Eventually(t, func() bool {
		_, ok := d.Registry.Lookup("alice")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)
	c := dial(t, srv)
	c.send(`{"type":"ping"}`)
	c.expect("pong")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ring_connections 1")
}
