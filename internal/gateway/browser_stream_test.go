package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
)

type fakeStatuser struct {
	status container.ContainerStatus
}

func (f *fakeStatuser) Status(string) container.ContainerStatus { return f.status }

func startProxyServer(t *testing.T, statuser containerStatuser) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	proxy := NewBrowserStreamProxy(statuser, logger.Default())
	router.GET("/api/agents/:slug/browser/stream", proxy.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/a1/browser/stream"
}

// startEchoUpstream runs a WebSocket echo server on 127.0.0.1 and returns
// its port. It serves the path the proxy dials inside the container.
func startEchoUpstream(t *testing.T) int {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/browser/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestStreamRefusedWhenNotRunning(t *testing.T) {
	url := startProxyServer(t, &fakeStatuser{status: container.ContainerStatus{Status: container.StatusStopped}})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The proxy upgrades, then immediately closes with 1011.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestStreamSplicesFramesPreservingType(t *testing.T) {
	port := startEchoUpstream(t)
	url := startProxyServer(t, &fakeStatuser{status: container.ContainerStatus{
		Status: container.StatusRunning,
		Port:   port,
	}})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{0x01, 0x02}, data)
}

func TestStreamUpstreamUnreachableCloses1011(t *testing.T) {
	// A port nothing listens on.
	url := startProxyServer(t, &fakeStatuser{status: container.ContainerStatus{
		Status: container.StatusRunning,
		Port:   1,
	}})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Equal(t, "Upstream connection error", closeErr.Text)
}
