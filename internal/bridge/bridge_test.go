package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rekindle-dev/rekindle/internal/registry"
	"github.com/rekindle-dev/rekindle/pkg/protocol"
)

func startTestBridge(t *testing.T, reg *registry.Registry, replay func(io.Writer) error) *Bridge {
	t.Helper()
	b := New("127.0.0.1:0", func(conn registry.Conn) (string, error) {
		return reg.Register(conn, replay)
	}, nil)
	b.Start()
	require.NotEmpty(t, b.Addr(), "bridge failed to bind")
	t.Cleanup(b.Stop)
	return b
}

func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+b.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestBridgeReplaysThenBroadcasts(t *testing.T) {
	reg := registry.New(nil)
	snapshot, err := protocol.Encode(protocol.NewUpdate(json.RawMessage(`{"name":"replayed"}`)))
	require.NoError(t, err)

	b := startTestBridge(t, reg, func(w io.Writer) error {
		_, werr := w.Write(snapshot)
		return werr
	})
	conn := dialBridge(t, b)

	require.Eventually(t, func() bool { return reg.Len() == 1 },
		5*time.Second, 5*time.Millisecond)

	msg := readFrame(t, conn)
	require.Equal(t, protocol.KindUpdateTemplate, msg.Kind)
	assert.JSONEq(t, `{"name":"replayed"}`, string(msg.Template))

	reg.Broadcast(protocol.NewUpdate(json.RawMessage(`{"name":"live"}`)))
	msg = readFrame(t, conn)
	assert.JSONEq(t, `{"name":"live"}`, string(msg.Template))

	reg.Broadcast(protocol.NewShutdown())
	assert.Equal(t, protocol.KindShutdown, readFrame(t, conn).Kind)
}

func TestBridgeClientClosedThroughRegistry(t *testing.T) {
	reg := registry.New(nil)
	b := startTestBridge(t, reg, nil)
	conn := dialBridge(t, b)

	require.Eventually(t, func() bool { return reg.Len() == 1 },
		5*time.Second, 5*time.Millisecond)
	reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestBridgeRejectsForeignOrigin(t *testing.T) {
	reg := registry.New(nil)
	b := startTestBridge(t, reg, nil)

	req, err := http.NewRequest(http.MethodGet, "http://"+b.Addr()+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, reg.Len())
}

func TestAllowedOrigin(t *testing.T) {
	assert.True(t, allowedOrigin(""))
	assert.True(t, allowedOrigin("http://localhost:7331"))
	assert.True(t, allowedOrigin("http://127.0.0.1"))
	assert.True(t, allowedOrigin("http://app.localhost:3000"))
	assert.False(t, allowedOrigin("http://evil.example"))
	assert.False(t, allowedOrigin("://bad"))
}

func TestBridgeBindFailureIsNonFatal(t *testing.T) {
	b := New("definitely-not-an-address", func(registry.Conn) (string, error) {
		return "", nil
	}, nil)

	assert.NotPanics(t, b.Start)
	assert.Empty(t, b.Addr())
	b.Stop()
}
