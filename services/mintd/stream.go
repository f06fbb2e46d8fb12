package mintd

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"dailymint/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 128
)

// handleStream upgrades to a websocket and relays committed events. The
// optional type query parameter filters by event type prefix, so
// "subscription.skip" matches every skip event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream not configured"})
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string) error {
	updates, cancel, backlog := s.deps.Stream.Subscribe(wsBuffer)
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt, filter); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
			}
			if err := writeEvent(ctx, conn, evt, filter); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event, filter string) error {
	if evt == nil || (filter != "" && !strings.HasPrefix(evt.Type, filter)) {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
