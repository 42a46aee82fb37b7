package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tickstream/internal/app"
	"tickstream/internal/config"
	"tickstream/pkg/types"
)

// StartTestServer runs a full application on a loopback port
func StartTestServer(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.WebSocket.TrustProxy = false
	cfg.Metrics.Interval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(shutdownCtx)
	})
	return application
}

// WebSocketURL returns the /ws endpoint of a started application
func WebSocketURL(application *app.Application) string {
	return "ws://" + application.Addr() + "/ws"
}

// DialRaw opens a plain WebSocket connection and returns the handshake status
func DialRaw(t *testing.T, url string) (*websocket.Conn, int, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
		status = http.StatusSwitchingProtocols
	}
	return conn, status, err
}

// SendControl writes one control message
func SendControl(t *testing.T, conn *websocket.Conn, msg types.ControlMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// ReadEnvelope reads the next envelope or fails after timeout
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env types.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// ExpectSilence asserts nothing arrives within d
func ExpectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}
