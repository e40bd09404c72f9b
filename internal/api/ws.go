package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/tendant/simple-docworker/pkg/schema"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingEvery    = 30 * time.Second
)

type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WatchTask relays notifications_{id} to a websocket client. The first frame
// is the current status so a late subscriber still sees a terminal state.
// The socket closes after a terminal notification.
func (h *Handler) WatchTask(c echo.Context) error {
	if h.deps.Watcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "notifications unavailable")
	}
	id := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Warn("websocket upgrade failed", "job_id", id, "err", err)
		return nil
	}
	defer conn.Close()
	log := h.logger.With("job_id", id)

	events := make(chan []byte, 16)
	stop, err := h.deps.Watcher.Watch(schema.ChannelName(id), func(data []byte) {
		select {
		case events <- data:
		default:
			log.Warn("websocket client too slow, notification dropped")
		}
	})
	if err != nil {
		log.Error("watch notifications failed", "err", err)
		closeWith(conn, websocket.CloseInternalServerErr, "notifications unavailable")
		return nil
	}
	defer stop()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := h.deps.Status.Query(ctx, id)
	if err := write(conn, wsMessage{Type: "status", Payload: snap}); err != nil {
		return nil
	}
	if snap.IsCompleted || snap.IsFailed {
		closeWith(conn, websocket.CloseNormalClosure, string(snap.Status))
		return nil
	}

	limiter := rate.NewLimiter(rate.Limit(h.deps.WSRate), 1)
	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
		case data := <-events:
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			var n schema.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				log.Warn("skipping malformed notification", "err", err)
				continue
			}
			if err := write(conn, wsMessage{Type: "notification", Payload: n}); err != nil {
				log.Debug("websocket write failed", "err", err)
				return nil
			}
			if n.Status == schema.NotificationCompleted || n.Status == schema.NotificationFailed {
				closeWith(conn, websocket.CloseNormalClosure, string(n.Status))
				return nil
			}
		}
	}
}

func write(conn *websocket.Conn, msg wsMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteTimeout))
}
