package mintd

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"dailymint/core/types"
	"dailymint/native/subscription"
)

func dialStream(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return &evt
}

func TestStreamReplaysBacklogThenLiveEvents(t *testing.T) {
	h := newAPIHarness(t)
	server := httptest.NewServer(h.server.Handler())
	defer server.Close()

	h.subscribe(t, alice, 1, 3)
	conn := dialStream(t, server, "")

	evt := readEvent(t, conn)
	require.Equal(t, subscription.EventTypeSubscribed, evt.Type)
	require.Equal(t, alice.Hex(), evt.Attr("subscriber"))

	h.subscribe(t, bob, 2, 1)
	evt = readEvent(t, conn)
	require.Equal(t, subscription.EventTypeSubscribed, evt.Type)
	require.Equal(t, bob.Hex(), evt.Attr("subscriber"))
}

func TestStreamFiltersByTypePrefix(t *testing.T) {
	h := newAPIHarness(t)
	server := httptest.NewServer(h.server.Handler())
	defer server.Close()

	h.subscribe(t, alice, 2, 3)
	h.subscribe(t, bob, 1, 1)
	h.oracle.SetDay(2)
	conn := dialStream(t, server, "?type=subscription.batch")

	_, err := h.scheduler.RunOnce(context.Background())
	require.NoError(t, err)

	evt := readEvent(t, conn)
	require.Equal(t, subscription.EventTypeBatchSettled, evt.Type)
	require.Equal(t, "1", evt.Attr("day"))
	require.Equal(t, "3", evt.Attr("minted"))
}
