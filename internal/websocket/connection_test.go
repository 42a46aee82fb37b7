package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"tickstream/pkg/interfaces"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Peer = &Connection{}
}

// newConnectionPair returns a server-side Connection and the client socket talking to it
func newConnectionPair(t *testing.T, opts ConnectionOptions) (*Connection, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		connCh <- NewConnection(ws, "127.0.0.1", r.UserAgent(), "user-1", opts, zerolog.Nop())
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"User-Agent": []string{"tickstream-test"}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not created")
		return nil, nil
	}
}

// newDetachedConnection builds a Connection with no socket and no writer goroutine
func newDetachedConnection(buffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		sendCh:         make(chan []byte, buffer),
		id:             "detached",
		logger:         zerolog.Nop(),
		publishLimiter: rate.NewLimiter(1, 2),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	conn, _ := newConnectionPair(t, ConnectionOptions{})

	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, DefaultConnectionOptions().SendBuffer, cap(conn.sendCh))

	info := conn.Info()
	assert.Equal(t, conn.ID(), info.ID)
	assert.Equal(t, "127.0.0.1", info.RemoteAddr)
	assert.Equal(t, "tickstream-test", info.UserAgent)
	assert.Equal(t, "user-1", info.Subject)
	assert.False(t, info.ConnectedAt.IsZero())
}

func TestConnection_SendDeliversInOrder(t *testing.T) {
	conn, client := newConnectionPair(t, ConnectionOptions{})

	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, conn.Send([]byte(frame)))
	}

	for _, expected := range []string{"one", "two", "three"} {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		messageType, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.Equal(t, expected, string(data))
	}

	assert.Eventually(t, func() bool { return conn.Info().MessagesSent == 3 }, time.Second, 5*time.Millisecond)
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn, _ := newConnectionPair(t, ConnectionOptions{})

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosing, conn.State())
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrConnectionClosed)

	// Close is idempotent
	assert.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("writer goroutine did not exit")
	}
}

func TestConnection_SlowConsumerIsDropped(t *testing.T) {
	conn := newDetachedConnection(1)

	require.NoError(t, conn.Send([]byte("fits")))
	assert.ErrorIs(t, conn.Send([]byte("overflow")), ErrSendBufferFull)

	assert.Eventually(t, func() bool { return conn.State() == StateClosing }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, conn.Send([]byte("after")), ErrConnectionClosed)
}

func TestConnection_StateTransitionsOnlyMoveForward(t *testing.T) {
	conn := newDetachedConnection(1)

	conn.MarkActive()
	assert.Equal(t, StateActive, conn.State())

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosing, conn.State())

	conn.MarkActive()
	assert.Equal(t, StateClosing, conn.State(), "a closing connection cannot become active again")

	conn.MarkClosed()
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, "closed", conn.State().String())
}

func TestConnection_PublishBudget(t *testing.T) {
	conn := newDetachedConnection(1)

	assert.True(t, conn.AllowPublish())
	assert.True(t, conn.AllowPublish())
	assert.False(t, conn.AllowPublish(), "burst of 2 exhausted")
}

func TestConnection_ReceivedCounters(t *testing.T) {
	conn := newDetachedConnection(1)
	before := conn.Info().LastActivity

	time.Sleep(2 * time.Millisecond)
	conn.recordReceived()
	conn.recordReceived()

	info := conn.Info()
	assert.Equal(t, int64(2), info.MessagesReceived)
	assert.True(t, info.LastActivity.After(before))
}
