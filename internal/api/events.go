package api

import (
	"net/http"
	"sync"
	"time"

	"iap-bridge/internal/services"
	"iap-bridge/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// eventBuffer is how many envelopes a slow socket may fall behind
	// before it is dropped
	eventBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents upgrades to a WebSocket and writes every channel's events
// as {channel, data} envelopes, in publish order per channel
// GET /api/events
func (h *Handler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Errorf("Event stream upgrade failed: %v", err)
		return
	}

	envelopes := make(chan services.Envelope, eventBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	// Channels deliver on their own goroutines
	remove := h.client.Events().ListenAll(func(envelope services.Envelope) {
		select {
		case envelopes <- envelope:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})

	done := make(chan struct{})
	go readLoop(conn, done)

	logging.Infof("Event stream client connected: %s", c.Request.RemoteAddr)
	writeLoop(conn, envelopes, overflow, done)
	remove()
	_ = conn.Close()
	logging.Infof("Event stream client disconnected: %s", c.Request.RemoteAddr)
}

// writeLoop runs until the client goes away or falls too far behind
func writeLoop(conn *websocket.Conn, envelopes <-chan services.Envelope, overflow, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-envelopes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(envelope); err != nil {
				logging.Warnf("Event stream write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-overflow:
			logging.Warnf("Event stream client fell behind by %d events, closing", eventBuffer)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream overflow"),
				time.Now().Add(writeWait))
			return
		case <-done:
			return
		}
	}
}

// readLoop discards client messages and closes done when the socket ends
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
