// Package registry tracks the set of currently-connected client streams
// and fans coordinator messages out to them. A connection belongs to at
// most one registry entry; a failed write evicts it silently and
// permanently.
package registry

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rekindle-dev/rekindle/internal/logging"
	"github.com/rekindle-dev/rekindle/pkg/protocol"
)

// writeTimeout bounds one replay or broadcast write. A connection that
// cannot absorb a single line within it is dead as far as the registry is
// concerned: the write fails and the connection is evicted, so a stalled
// client never holds up the fan-out to everyone else.
const writeTimeout = time.Second

// Conn is one duplex client stream. The registry owns it exclusively from
// registration until eviction or shutdown.
type Conn interface {
	io.Writer
	io.Closer
}

// deadliner is satisfied by transport connections that support write
// deadlines (every net.Conn does). Connections that manage their own write
// timeout, like the WebSocket bridge adapter, simply don't implement it.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// deadlineConn arms a write deadline before every write so no registry
// operation can block indefinitely on one peer.
type deadlineConn struct {
	Conn
	setDeadline func(time.Time) error
}

func (c deadlineConn) Write(p []byte) (int, error) {
	if err := c.setDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

type entry struct {
	id   string
	conn Conn
}

// Registry is the connection set shared by the listener and router loops.
// The mutex is the only synchronization; it is held for the duration of a
// single register or broadcast operation, or of one Exclusive span.
type Registry struct {
	mu    sync.Mutex
	conns []entry
	log   logging.Logger
}

// New creates an empty registry.
func New(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{log: log.WithComponent("registry")}
}

// Register replays current state to conn via the replay callback and, only
// if replay succeeds, adds the connection. The callback runs under the
// registry mutex so no broadcast can interleave between the replayed
// snapshot and registration: together they form the same consistent view a
// long-lived client observed.
//
// On replay failure the connection is closed and never tracked.
func (r *Registry) Register(conn Conn, replay func(io.Writer) error) (string, error) {
	if d, ok := conn.(deadliner); ok {
		conn = deadlineConn{Conn: conn, setDeadline: d.SetWriteDeadline}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if replay != nil {
		if err := replay(conn); err != nil {
			conn.Close()
			r.log.Debug(context.Background(), "replay failed, discarding connection", "error", err.Error())
			return "", err
		}
	}

	id := ulid.Make().String()
	r.conns = append(r.conns, entry{id: id, conn: conn})
	r.log.Info(context.Background(), "client connected", "client", id, "clients", len(r.conns))
	return id, nil
}

// Broadcast sends msg to every registered connection in registration
// order. A connection whose write fails is closed and removed; remaining
// connections are unaffected. Serialization failure drops the message for
// everyone. Delivery is at-most-once; there is no retry and no queueing.
func (r *Registry) Broadcast(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg)
}

// Exclusive runs fn with the registry locked. Sends performed through the
// supplied function carry normal broadcast semantics, but no registration
// and no other broadcast can interleave anywhere inside fn. Wrapping an
// entire produce-then-send span in it keeps replay consistent: a client
// registering mid-span cannot be replayed state the span is still going to
// send.
func (r *Registry) Exclusive(fn func(send func(protocol.Message))) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.broadcastLocked)
}

func (r *Registry) broadcastLocked(msg protocol.Message) {
	line, err := protocol.Encode(msg)
	if err != nil {
		r.log.Warn(context.Background(), err, "dropping unserializable message")
		return
	}

	kept := r.conns[:0]
	for _, e := range r.conns {
		if _, werr := e.conn.Write(line); werr != nil {
			e.conn.Close()
			r.log.Info(context.Background(), "client evicted", "client", e.id, "error", werr.Error())
			continue
		}
		kept = append(kept, e)
	}
	r.conns = kept
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes and forgets every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.conns {
		e.conn.Close()
	}
	r.conns = nil
}
