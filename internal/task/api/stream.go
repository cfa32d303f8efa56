package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamTask streams a task's events over a websocket until the task
// terminates, is deleted, or the client disconnects.
// GET /api/v1/tasks/:name/stream
func (h *Handler) StreamTask(c *gin.Context) {
	name := c.Param("name")
	sub, err := h.service.Subscribe(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn("websocket upgrade failed", zap.String("name", name), zap.Error(err))
		return
	}

	client := &streamClient{
		conn:   conn,
		sub:    sub,
		done:   make(chan struct{}),
		logger: h.logger,
	}
	go client.readPump()
	client.writePump()
}

// streamClient pumps one fan-out subscription into one websocket.
type streamClient struct {
	conn   *websocket.Conn
	sub    *events.Subscription
	done   chan struct{}
	logger *logger.Logger
}

// readPump discards client frames and detects disconnects.
func (sc *streamClient) readPump() {
	defer close(sc.done)

	sc.conn.SetReadLimit(maxMessageSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards subscription events and keeps the connection alive
// with pings. The subscription channel closing (task deleted or the
// subscriber lagged) ends the stream.
func (sc *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.sub.Close()
		_ = sc.conn.Close()
	}()

	for {
		select {
		case event, ok := <-sc.sub.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sc.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := sc.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sc.done:
			return
		}
	}
}
