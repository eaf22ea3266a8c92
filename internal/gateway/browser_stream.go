// Package gateway proxies real-time streams between UI clients and agent
// containers.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/container"
)

// containerStatuser is the slice of the container manager the proxy needs.
type containerStatuser interface {
	Status(agentSlug string) container.ContainerStatus
}

// BrowserStreamProxy splices a UI WebSocket to the agent container's
// internal browser stream, preserving frame types.
type BrowserStreamProxy struct {
	containers containerStatuser
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
	logger     *logger.Logger
}

// NewBrowserStreamProxy creates the proxy over the container manager.
func NewBrowserStreamProxy(containers containerStatuser, log *logger.Logger) *BrowserStreamProxy {
	return &BrowserStreamProxy{
		containers: containers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Local desktop API; the shell is the only origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: log.WithFields(zap.String("component", "browser-stream")),
	}
}

// Handle upgrades GET /api/agents/:slug/browser/stream and splices it to
// ws://127.0.0.1:<port>/browser/stream inside the container's namespace.
func (p *BrowserStreamProxy) Handle(c *gin.Context) {
	agentSlug := c.Param("slug")

	client, err := p.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer client.Close()

	st := p.containers.Status(agentSlug)
	if st.Status != container.StatusRunning || st.Port == 0 {
		p.closeWith(client, "Agent container is not running")
		return
	}

	upstreamURL := fmt.Sprintf("ws://127.0.0.1:%d/browser/stream", st.Port)
	upstream, _, err := p.dialer.Dial(upstreamURL, nil)
	if err != nil {
		p.logger.Warn("failed to dial container browser stream",
			zap.String("agent_slug", agentSlug), zap.Error(err))
		p.closeWith(client, "Upstream connection error")
		return
	}
	defer upstream.Close()

	p.logger.Info("browser stream attached",
		zap.String("agent_slug", agentSlug), zap.Int("port", st.Port))

	// Either direction ending tears down both sides.
	var once sync.Once
	done := make(chan struct{})
	finish := func() { once.Do(func() { close(done) }) }

	go splice(client, upstream, finish)
	go splice(upstream, client, finish)
	<-done
}

// splice copies frames from src to dst until either side fails, keeping
// text frames text and binary frames binary.
func splice(dst, src *websocket.Conn, finish func()) {
	defer finish()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			// Relay a clean close; abnormal errors close the peer too.
			if closeErr, ok := err.(*websocket.CloseError); ok {
				msg := websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// closeWith sends a 1011 close frame and drops the connection.
func (p *BrowserStreamProxy) closeWith(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
