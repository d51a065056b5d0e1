// Package statusws exposes a read-only, same-process status/health stream:
// bus events fanned out to connected WebSocket clients for monitoring
// dashboards. It is not part of the coordination protocol's RPC surface —
// clients cannot send operations over it, only observe.
package statusws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/coordd/internal/bus"
)

// StatusEvent is the JSON shape written to every connected client.
type StatusEvent struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// Handler serves the status stream. Each connection gets its own bus
// subscription, scoped to the connection's lifetime.
type Handler struct {
	events *bus.Bus
	logger *slog.Logger
}

// New wires a Handler to the shared event bus.
func New(events *bus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{events: events, logger: logger}
}

// ServeHTTP upgrades the connection and streams every bus event (an empty
// topic prefix matches all of them) until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("statusws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := h.events.Subscribe("")
	defer h.events.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, StatusEvent{
				Topic:     ev.Topic,
				Payload:   ev.Payload,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			})
			cancel()
			if err != nil {
				h.logger.Warn("statusws: write failed, closing connection", "error", err)
				return
			}
		}
	}
}

