package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/models"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-User-ID", "7")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestServerSubscribeAndReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	identify := func(r *http.Request) (int64, bool) { return 7, r.Header.Get("X-User-ID") == "7" }
	server := NewServer(ctx, hub, identify, ServerOptions{PingInterval: time.Second}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Members("user:7") == 1 })

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "group": "session", "id": "10"}))
	ack := readEnvelope(t, conn)
	require.Equal(t, "Subscribed", ack.Event)
	require.Equal(t, "session:10", ack.Group)

	NewNotifier(hub, zap.NewNop()).ChargingProgressUpdated(ctx, 10, &models.Progress{SessionID: 10, SocPercentage: 40})
	event := readEnvelope(t, conn)
	require.Equal(t, EventChargingProgressUpdated, event.Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "group": "user", "id": "8"}))
	require.Equal(t, "Error", readEnvelope(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe", "group": "session", "id": "10"}))
	require.Equal(t, "Unsubscribed", readEnvelope(t, conn).Event)
	require.Zero(t, hub.Members("session:10"))
}

func TestServerTeardownOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	server := NewServer(ctx, hub, nil, ServerOptions{}, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "group": "station", "id": "3"}))
	require.Equal(t, "Subscribed", readEnvelope(t, conn).Event)
	require.Equal(t, 1, hub.Members("station:3"))

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return hub.Members("station:3") == 0 })
}
