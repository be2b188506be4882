// Package bridge exposes the coordinator's replay+broadcast stream to
// browser clients over WebSocket. A bridged client goes through the same
// registry path as a socket client, so it receives the identical snapshot
// replay followed by live messages, one JSON message per WebSocket text
// frame.
package bridge

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/rekindle-dev/rekindle/internal/logging"
	"github.com/rekindle-dev/rekindle/internal/registry"
)

// writeTimeout bounds each frame write so a stalled browser degrades only
// its own connection. Matches the registry's per-write deadline.
const writeTimeout = time.Second

// RegisterFunc registers a connection with the coordinator's registry,
// replaying current state first. The bridge never touches the registry
// directly.
type RegisterFunc func(conn registry.Conn) (string, error)

// Bridge serves the WebSocket endpoint on a loopback address.
type Bridge struct {
	addr     string
	register RegisterFunc
	log      logging.Logger
	srv      *http.Server
	lis      net.Listener
}

// New creates a bridge listening on addr (host:port, loopback expected).
func New(addr string, register RegisterFunc, log logging.Logger) *Bridge {
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{
		addr:     addr,
		register: register,
		log:      log.WithComponent("bridge"),
	}
}

// Start begins serving in the background. Like the socket transport, a
// bind failure is non-fatal: it is logged and the bridge stays down.
func (b *Bridge) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)

	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		b.log.Warn(context.Background(), err, "bridge bind failed, continuing without browser reload", "addr", b.addr)
		return
	}

	b.lis = listener
	b.srv = &http.Server{Handler: mux}
	go func() {
		if serr := b.srv.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			b.log.Warn(context.Background(), serr, "bridge server stopped")
		}
	}()
	b.log.Info(context.Background(), "browser reload bridge listening", "addr", b.addr)
}

// Addr returns the bound listen address, or "" when the bridge is down.
// Useful when the configured address uses port 0.
func (b *Bridge) Addr() string {
	if b.lis == nil {
		return ""
	}
	return b.lis.Addr().String()
}

// Stop shuts the HTTP server down. Registered WebSocket clients are closed
// through the registry like everyone else.
func (b *Bridge) Stop() {
	if b.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.srv.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and hands it to the registry.
func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !allowedOrigin(r.Header.Get("Origin")) {
		b.log.Debug(r.Context(), "rejected websocket origin", "origin", r.Header.Get("Origin"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin validated above; local dev endpoint
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		b.log.Debug(r.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}

	// Browser clients only listen; draining reads keeps control frames
	// processed and surfaces disconnects.
	readCtx := conn.CloseRead(context.Background())

	wrapped := &wsConn{conn: conn, ctx: readCtx}
	if _, err := b.register(wrapped); err != nil {
		return // registry closed the connection
	}
}

// allowedOrigin accepts requests with no Origin header (non-browser
// tooling) or a loopback origin. The bridge is a dev aid, not a public
// surface.
func allowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}

// wsConn adapts a WebSocket connection to the registry's stream interface:
// each wire line becomes one text frame.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (c *wsConn) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
