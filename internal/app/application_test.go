package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/internal/auth"
	"tickstream/internal/config"
	"tickstream/internal/journal"
	"tickstream/pkg/types"
)

func startApp(t *testing.T, mutate func(*config.Config)) *Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	if mutate != nil {
		mutate(cfg)
	}

	application, err := NewApplication(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.MaxRequests = 0
	_, err := NewApplication(context.Background(), cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestApplication_ServesHealthAndMetrics(t *testing.T) {
	application := startApp(t, nil)
	base := "http://" + application.Addr()

	code, body := get(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"journal":"healthy"`)

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "tickstream_connections_active")
}

func TestApplication_ConnectionLifecycleIsJournaled(t *testing.T) {
	application := startApp(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+application.Addr()+"/ws", nil)
	require.NoError(t, err)

	sub, err := json.Marshal(types.ControlMessage{Type: types.MessageTypeSubscribe, Topic: "chat"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	require.Eventually(t, func() bool { return application.Hub().TopicSizes()["chat"] == 1 },
		2*time.Second, 10*time.Millisecond)

	// operator publish through the admin API
	resp, err := http.Post("http://"+application.Addr()+"/api/publish", "application/json",
		strings.NewReader(`{"topic":"chat","data":{"text":"hello"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env types.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, types.EventMessage, env.Type)
	assert.JSONEq(t, `{"text":"hello"}`, string(env.Data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return application.Hub().Stats().ActiveConnections == 0 },
		2*time.Second, 10*time.Millisecond)

	j := application.Journal()
	require.NotNil(t, j)
	require.NoError(t, j.Flush(context.Background()))

	events, err := j.ConnectionEvents(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventClosed, events[0].Event)
	assert.Equal(t, []string{"chat"}, events[0].Topics)
	assert.Equal(t, int64(1), events[0].MessagesSent)
	assert.Equal(t, journal.EventOpened, events[1].Event)
}

func TestApplication_SimulatorFeedsSubscribers(t *testing.T) {
	application := startApp(t, func(cfg *config.Config) {
		cfg.Journal.Path = ""
		cfg.Simulator.Enabled = true
		cfg.Simulator.Symbols = []string{"NIFTY50"}
		cfg.Simulator.Interval = 10 * time.Millisecond
	})
	assert.Nil(t, application.Journal())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+application.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	join, err := json.Marshal(types.ControlMessage{Type: types.MessageTypeJoinMarket, Topic: "NIFTY50"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		var env types.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Type == types.EventMarketUpdate {
			assert.Equal(t, "market-NIFTY50", env.Topic)
			return
		}
	}
}

func TestApplication_OperatorTokenGuardsPublish(t *testing.T) {
	application := startApp(t, func(c *config.Config) { c.Auth.Secret = "s3cret" })
	url := "http://" + application.Addr() + "/api/publish"

	issuer, err := auth.NewJWTValidator("s3cret", true)
	require.NoError(t, err)
	userToken, err := issuer.Issue("user-1", time.Minute)
	require.NoError(t, err)
	operatorToken, err := issuer.Issue("operator", time.Minute)
	require.NoError(t, err)

	post := func(token string) int {
		req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(`{"topic":"market-NIFTY50","data":{"price":1}}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post(userToken))
	assert.Equal(t, http.StatusOK, post(operatorToken))
}
