package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rekindle-dev/rekindle/internal/engine"
	"github.com/rekindle-dev/rekindle/pkg/protocol"
)

// fakeEngine returns scripted results keyed by path basename and records
// the evaluation order.
type fakeEngine struct {
	results map[string]engine.Result
	errs    map[string]error
	snap    []engine.Template
	calls   []string
}

func (e *fakeEngine) Update(path, root string) (engine.Result, error) {
	base := filepath.Base(path)
	e.calls = append(e.calls, base)
	if err := e.errs[base]; err != nil {
		return engine.Result{}, err
	}
	return e.results[base], nil
}

func (e *fakeEngine) Snapshot() []engine.Template {
	return e.snap
}

func tmpl(name string) engine.Template {
	payload, _ := json.Marshal(map[string]string{"name": name})
	return engine.Template{ID: name, Payload: payload}
}

func newTestCoordinator(t *testing.T, eng engine.DiffEngine, strategy RebuildStrategy) *Coordinator {
	t.Helper()
	c, err := New(Options{
		Root:       t.TempDir(),
		SocketPath: filepath.Join(t.TempDir(), "hr.sock"),
		Engine:     eng,
		Strategy:   strategy,
	})
	require.NoError(t, err)
	return c
}

// startTestCoordinator also runs both loops and stops them at cleanup.
func startTestCoordinator(t *testing.T, eng engine.DiffEngine, strategy RebuildStrategy) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t, eng, strategy)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

// connectClient dials the coordinator's socket and streams received
// messages to the returned channel.
func connectClient(t *testing.T, c *Coordinator) <-chan protocol.Message {
	t.Helper()
	conn, err := protocol.Dial(c.socket)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msgs := make(chan protocol.Message, 16)
	go func() {
		defer close(msgs)
		protocol.ReadMessages(conn, func(m protocol.Message) { msgs <- m })
	}()
	return msgs
}

func recvMessage(t *testing.T, msgs <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-msgs:
		require.True(t, ok, "connection closed before message arrived")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func payloadName(t *testing.T, m protocol.Message) string {
	t.Helper()
	require.Equal(t, protocol.KindUpdateTemplate, m.Kind)
	var p struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(m.Template, &p))
	return p.Name
}

func waitForClients(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Clients() == n },
		5*time.Second, 5*time.Millisecond)
}

func TestBatchBroadcastsCollectedUpdates(t *testing.T) {
	eng := &fakeEngine{results: map[string]engine.Result{
		"a.templ": {Updated: []engine.Template{tmpl("A")}},
		"b.templ": {Updated: []engine.Template{tmpl("B")}},
	}}
	c := startTestCoordinator(t, eng, nil)
	msgs := connectClient(t, c)
	waitForClients(t, c, 1)

	assert.True(t, c.handleBatch([]string{"a.templ", "b.templ"}))

	assert.Equal(t, "A", payloadName(t, recvMessage(t, msgs)))
	assert.Equal(t, "B", payloadName(t, recvMessage(t, msgs)))
	assert.False(t, c.Aborted())
}

func TestRebuildingBatchEmitsNoUpdates(t *testing.T) {
	// An update collected earlier in the batch must be discarded once a
	// later path turns out structural: clients see only Shutdown.
	eng := &fakeEngine{results: map[string]engine.Result{
		"a.templ": {Updated: []engine.Template{tmpl("A")}},
		"b.templ": {NeedsRebuild: true},
	}}
	c := startTestCoordinator(t, eng, nil)
	msgs := connectClient(t, c)
	waitForClients(t, c, 1)

	// Nil strategy: the rebuild path terminates the session.
	assert.False(t, c.handleBatch([]string{"a.templ", "b.templ"}))
	assert.True(t, c.Aborted())

	assert.Equal(t, protocol.KindShutdown, recvMessage(t, msgs).Kind)
}

func TestNonHotExtensionShortCircuitsToRebuild(t *testing.T) {
	eng := &fakeEngine{}
	continued := false
	c := newTestCoordinator(t, eng, Callback(func() bool { continued = true; return false }))

	assert.True(t, c.handleBatch([]string{"main.go"}))
	assert.True(t, continued)
	assert.Empty(t, eng.calls, "non-hot paths never reach the engine")
	assert.False(t, c.Aborted())
}

func TestEngineErrorSkipsPathOnly(t *testing.T) {
	eng := &fakeEngine{
		results: map[string]engine.Result{
			"b.templ": {Updated: []engine.Template{tmpl("B")}},
		},
		errs: map[string]error{"a.templ": errors.New("parse failed")},
	}
	c := startTestCoordinator(t, eng, nil)
	msgs := connectClient(t, c)
	waitForClients(t, c, 1)

	assert.True(t, c.handleBatch([]string{"a.templ", "b.templ"}))
	assert.Equal(t, []string{"a.templ", "b.templ"}, eng.calls)
	assert.Equal(t, "B", payloadName(t, recvMessage(t, msgs)))
}

func TestRebuildStopsEvaluatingRemainingPaths(t *testing.T) {
	eng := &fakeEngine{results: map[string]engine.Result{
		"a.templ": {NeedsRebuild: true},
		"b.templ": {Updated: []engine.Template{tmpl("B")}},
	}}
	c := newTestCoordinator(t, eng, Callback(func() bool { return false }))

	assert.True(t, c.handleBatch([]string{"a.templ", "b.templ"}))
	assert.Equal(t, []string{"a.templ"}, eng.calls)
}

func TestBatchAfterTerminationDoesNothing(t *testing.T) {
	eng := &fakeEngine{results: map[string]engine.Result{
		"a.templ": {Updated: []engine.Template{tmpl("A")}},
	}}
	c := newTestCoordinator(t, eng, nil)
	c.abort.Set()

	assert.False(t, c.handleBatch([]string{"a.templ"}))
	assert.Empty(t, eng.calls)
}

func TestReplayPrecedesLiveBroadcasts(t *testing.T) {
	eng := &fakeEngine{
		snap: []engine.Template{tmpl("A"), tmpl("B")},
		results: map[string]engine.Result{
			"c.templ": {Updated: []engine.Template{tmpl("C")}},
		},
	}
	c := startTestCoordinator(t, eng, nil)
	msgs := connectClient(t, c)
	waitForClients(t, c, 1)

	assert.True(t, c.handleBatch([]string{"c.templ"}))

	// The snapshot arrives first in insertion order, then the live update.
	assert.Equal(t, "A", payloadName(t, recvMessage(t, msgs)))
	assert.Equal(t, "B", payloadName(t, recvMessage(t, msgs)))
	assert.Equal(t, "C", payloadName(t, recvMessage(t, msgs)))
}

func TestLateClientReceivesSnapshot(t *testing.T) {
	eng := &fakeEngine{snap: []engine.Template{tmpl("A")}}
	c := startTestCoordinator(t, eng, nil)

	first := connectClient(t, c)
	waitForClients(t, c, 1)
	second := connectClient(t, c)
	waitForClients(t, c, 2)

	assert.Equal(t, "A", payloadName(t, recvMessage(t, first)))
	assert.Equal(t, "A", payloadName(t, recvMessage(t, second)))
}

// gatedEngine commits template A while evaluating the first path, then
// parks inside Update on the second path until released. This opens the
// window between an engine mutation and the batch broadcast.
type gatedEngine struct {
	mu      sync.Mutex
	snap    []engine.Template
	entered chan struct{}
	release chan struct{}
}

func (e *gatedEngine) commit(tpl engine.Template) engine.Result {
	e.mu.Lock()
	e.snap = append(e.snap, tpl)
	e.mu.Unlock()
	return engine.Result{Updated: []engine.Template{tpl}}
}

func (e *gatedEngine) Update(path, root string) (engine.Result, error) {
	switch filepath.Base(path) {
	case "a.templ":
		return e.commit(tmpl("A")), nil
	case "b.templ":
		close(e.entered)
		<-e.release
		return engine.Result{}, nil
	case "c.templ":
		return e.commit(tmpl("C")), nil
	}
	return engine.Result{}, nil
}

func (e *gatedEngine) Snapshot() []engine.Template {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Template(nil), e.snap...)
}

func TestMidBatchRegistrationSeesNoDuplicates(t *testing.T) {
	eng := &gatedEngine{entered: make(chan struct{}), release: make(chan struct{})}
	c := startTestCoordinator(t, eng, nil)

	done := make(chan bool, 1)
	go func() { done <- c.handleBatch([]string{"a.templ", "b.templ"}) }()

	select {
	case <-eng.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never reached the second path")
	}

	// A client arrives while the batch is mid-evaluation and A is already
	// in the engine map. Replay plus the batch broadcast together must
	// deliver A exactly once.
	msgs := connectClient(t, c)
	close(eng.release)

	select {
	case alive := <-done:
		require.True(t, alive)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}
	waitForClients(t, c, 1)

	assert.Equal(t, "A", payloadName(t, recvMessage(t, msgs)))

	// Drive a follow-up change; the very next message must be C, not a
	// second copy of A.
	assert.True(t, c.handleBatch([]string{"c.templ"}))
	assert.Equal(t, "C", payloadName(t, recvMessage(t, msgs)))
}

func TestTerminationEndsBothLoops(t *testing.T) {
	root := t.TempDir()
	c, err := New(Options{
		Root:       root,
		SocketPath: filepath.Join(t.TempDir(), "hr.sock"),
		Engine:     &fakeEngine{},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// A source change is not hot-applicable; with no strategy the session
	// terminates, and both worker loops wind down on their own.
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
		assert.True(t, c.Aborted())
	case <-time.After(5 * time.Second):
		t.Fatal("worker loops did not exit after termination")
	}
}

func TestStartClearsStaleSocketFile(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "hr.sock")
	require.NoError(t, os.WriteFile(socket, nil, 0600))

	c, err := New(Options{
		Root:       t.TempDir(),
		SocketPath: socket,
		Engine:     &fakeEngine{},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
}

func TestStartRefusesLiveSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "hr.sock")
	first, err := New(Options{Root: t.TempDir(), SocketPath: socket, Engine: &fakeEngine{}})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second, err := New(Options{Root: t.TempDir(), SocketPath: socket, Engine: &fakeEngine{}})
	require.NoError(t, err)
	assert.Error(t, second.Start(context.Background()))
}

func TestStopAfterFailedStartKeepsLiveSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "hr.sock")
	first, err := New(Options{Root: t.TempDir(), SocketPath: socket, Engine: &fakeEngine{}})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second, err := New(Options{Root: t.TempDir(), SocketPath: socket, Engine: &fakeEngine{}})
	require.NoError(t, err)
	require.Error(t, second.Start(context.Background()))
	second.Stop()

	// The losing instance must not tear down the winner's socket.
	_, err = os.Stat(socket)
	require.NoError(t, err)
	conn, err := protocol.Dial(socket)
	require.NoError(t, err)
	conn.Close()
}

func TestStopClosesClients(t *testing.T) {
	c := startTestCoordinator(t, &fakeEngine{}, nil)
	msgs := connectClient(t, c)
	waitForClients(t, c, 1)

	c.Stop()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok, "client stream should end at shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("client connection not closed")
	}
}
