package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestViewerReceivesWelcome(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	conn := dialHub(t, server.URL)
	assert.JSONEq(t, `{"type":"connected"}`, readText(t, conn))
	assert.Equal(t, 1, hub.Clients())
}

func TestBroadcastReachesEveryViewer(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	first := dialHub(t, server.URL)
	second := dialHub(t, server.URL)
	readText(t, first)
	readText(t, second)
	require.Equal(t, 2, hub.Clients())

	payload := `{"type":"gps_update","data":[]}`
	hub.Broadcast([]byte(payload))

	assert.Equal(t, payload, readText(t, first))
	assert.Equal(t, payload, readText(t, second))
}

func TestDisconnectedViewerIsRemoved(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	staying := dialHub(t, server.URL)
	leaving := dialHub(t, server.URL)
	readText(t, staying)
	readText(t, leaving)

	require.NoError(t, leaving.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the remaining viewer still receives broadcasts
	hub.Broadcast([]byte(`{"type":"alert_update"}`))
	assert.Equal(t, `{"type":"alert_update"}`, readText(t, staying))
}

func TestStopRejectsLateViewers(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	conn := dialHub(t, server.URL)
	readText(t, conn)

	// mark the hub started so Stop runs its full teardown against the
	// externally mounted handler
	hub.mu.Lock()
	hub.running = true
	hub.shutdown = make(chan struct{})
	hub.mu.Unlock()
	require.NoError(t, hub.Stop(time.Second))
	assert.Equal(t, 0, hub.Clients())

	// a viewer arriving after shutdown began is turned away before the
	// upgrade instead of joining a hub that stopped waiting for it
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStopWithoutStart(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.Stop(time.Second))
}

func TestHubOptions(t *testing.T) {
	hub := NewHub(nil,
		WithPort(9100),
		WithPath("/stream"),
		WithSubject("fleet.events.gps"),
	)
	assert.Equal(t, 9100, hub.port)
	assert.Equal(t, "/stream", hub.path)
	assert.Equal(t, "fleet.events.gps", hub.subject)
}
