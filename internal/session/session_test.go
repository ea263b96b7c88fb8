package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mudgate/internal/config"
	"mudgate/internal/protocol"
	"mudgate/internal/sound"
	"mudgate/internal/upstream"
)

// TestMain catches reader/writer goroutines leaked by a Session whose pump
// outlives Close (spec's ambient test tooling section).
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport records every frame written to it in-process, without a
// websocket connection, grounded on the teacher's in-memory test doubles in
// client_test.go.
type fakeTransport struct {
	id     string
	frames chan frame
	closed chan struct{}
}

type frame struct {
	typ     string
	payload any
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, frames: make(chan frame, 64), closed: make(chan struct{})}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) WriteFrame(typ string, payload any, _ protocol.Meta) error {
	select {
	case f.frames <- frame{typ, payload}:
		return nil
	default:
		return nil
	}
}

func (f *fakeTransport) Close(_ int, _ string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) waitFor(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-f.frames:
			if fr.typ == typ {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame type %q", typ)
		}
	}
}

// startEchoServer starts a TCP listener that, for every connection, echoes
// back anything written to it prefixed with nothing — used to drive the
// pump loop against a real socket.
func startEchoServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HistoryBytesMax = 1024
	cfg.HistoryLinesMax = 10
	cfg.CommandQueueMax = 3
	cfg.WriteTimeout = time.Second
	return cfg
}

func newTestSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	host, port := startEchoServer(t)
	cfg.MUDHost = host
	cfg.MUDPort = port
	s := New(uuid.New(), uuid.New(), cfg, nil, upstream.Open, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

// newTestSessionWithEngine loads a one-rule sound document (matching "look",
// emitting a single play event) so fan-out ordering through deliverLine can
// be observed end to end, not just Engine.Evaluate in isolation.
func newTestSessionWithEngine(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	host, port := startEchoServer(t)
	cfg.MUDHost = host
	cfg.MUDPort = port

	doc := `
rules:
  - trigger: "look"
    send:
      - play: "creak.ogg"
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	engine, err := sound.Load(path, zerolog.Nop())
	require.NoError(t, err)

	s := New(uuid.New(), uuid.New(), cfg, engine, upstream.Open, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func TestAttachReturnsCurrentHistoryAndState(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")

	content, has, state := s.Attach(tr)
	require.False(t, has)
	require.Empty(t, content)
	require.Equal(t, protocol.StateDisconnected, state)
	require.Equal(t, 1, s.AttachedCount())
}

func TestDetachStartsIdleClock(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)

	_, idle := s.IdleSince()
	require.False(t, idle)

	s.Detach(tr)
	_, idle = s.IdleSince()
	require.True(t, idle)
}

func TestRequestConnectTransitionsToConnectedAndBroadcastsState(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)

	err := s.RequestConnect(context.Background())
	require.NoError(t, err)
	require.Equal(t, protocol.StateConnected, s.State())

	connecting := tr.waitFor(t, protocol.TypeState)
	require.Equal(t, protocol.StatePayload{Value: protocol.StateConnecting}, connecting.payload)
	fr := tr.waitFor(t, protocol.TypeState)
	require.Equal(t, protocol.StatePayload{Value: protocol.StateConnected}, fr.payload)
}

func TestRequestConnectTwiceReturnsAlreadyConnected(t *testing.T) {
	s := newTestSession(t, testConfig())
	require.NoError(t, s.RequestConnect(context.Background()))
	require.ErrorIs(t, s.RequestConnect(context.Background()), ErrAlreadyConnected)
}

func TestSubmitCommandEchoesAsLine(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	require.NoError(t, s.SubmitCommand("look"))

	fr := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "look"}, fr.payload)
}

func TestSubmitCommandQueuesWhileDisconnected(t *testing.T) {
	s := newTestSession(t, testConfig())
	require.NoError(t, s.SubmitCommand("a"))
	require.NoError(t, s.SubmitCommand("b"))
	require.NoError(t, s.SubmitCommand("c"))
	require.ErrorIs(t, s.SubmitCommand("d"), ErrQueueFull)
}

func TestSubmitCommandSplitsOnSemicolon(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	require.NoError(t, s.SubmitCommand("north;south;;east"))

	first := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "north"}, first.payload)
	second := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "south"}, second.payload)
	third := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "east"}, third.payload)
}

func TestRequestDisconnectClearsStateAndQueue(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState) // CONNECTING
	tr.waitFor(t, protocol.TypeState) // CONNECTED

	s.RequestDisconnect()
	require.Equal(t, protocol.StateDisconnected, s.State())

	fr := tr.waitFor(t, protocol.TypeState)
	require.Equal(t, protocol.StatePayload{Value: protocol.StateDisconnected}, fr.payload)
}

func TestHistoryEvictsPastLineBudget(t *testing.T) {
	s := newTestSession(t, testConfig())
	s.cfg.HistoryLinesMax = 2

	s.appendHistory("one")
	s.appendHistory("two")
	s.appendHistory("three")

	content, has := s.HistorySnapshot()
	require.True(t, has)
	require.Equal(t, "two\nthree", content)
}

func TestReportedStateShowsReconnectingWhenEmptyButConnected(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	s.Detach(tr)

	require.Equal(t, protocol.StateReconnecting, s.ReportedState())
	require.Equal(t, protocol.StateConnected, s.State())
}

func TestDeliverLineDowngradesToAwaitingLoginOnPrompt(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	s.deliverLine("Password:")

	require.Eventually(t, func() bool {
		return s.State() == protocol.StateAwaitingLogin
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitLoginSendsCredentialsAndReturnsToConnected(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	s.mu.Lock()
	s.state = protocol.StateAwaitingLogin
	s.mu.Unlock()

	require.NoError(t, s.SubmitLogin("alice", "secret"))
	require.Equal(t, protocol.StateConnected, s.State())

	fr := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "alice"}, fr.payload)
}

// TestRequestDisconnectDrainsAttachedTransport exercises the transportDrainer
// capability directly: a transport that reports a non-empty outbound queue
// is given up to cfg.DisconnectGrace before RequestDisconnect returns.
func TestRequestDisconnectDrainsAttachedTransport(t *testing.T) {
	s := newTestSession(t, testConfig())
	s.cfg.DisconnectGrace = 200 * time.Millisecond
	tr := newDrainableTransport("t1", 50*time.Millisecond)
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	start := time.Now()
	s.RequestDisconnect()
	elapsed := time.Since(start)

	require.True(t, tr.drainCalled)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

// drainableTransport is a fakeTransport that also implements
// transportDrainer, simulating an outbound queue that takes drainFor to
// empty (or the transport's own close, whichever first).
type drainableTransport struct {
	*fakeTransport
	drainFor    time.Duration
	drainCalled bool
}

func newDrainableTransport(id string, drainFor time.Duration) *drainableTransport {
	return &drainableTransport{fakeTransport: newFakeTransport(id), drainFor: drainFor}
}

func (d *drainableTransport) Drain(timeout time.Duration) {
	d.drainCalled = true
	wait := d.drainFor
	if timeout < wait {
		wait = timeout
	}
	time.Sleep(wait)
}

// TestQueuedCommandsDrainBeforeNewCommandAfterReconnect pins property 4: a
// command submitted while disconnected is forwarded upstream, in order,
// before any command submitted after the reconnect completes — the queue
// never reorders relative to fresh traffic.
func TestQueuedCommandsDrainBeforeNewCommandAfterReconnect(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)

	require.NoError(t, s.SubmitCommand("a"))
	require.NoError(t, s.SubmitCommand("b"))

	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)
	require.NoError(t, s.SubmitCommand("c"))

	first := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "a"}, first.payload)
	second := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "b"}, second.payload)
	third := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "c"}, third.payload)
}

// TestFanOutDeliversIdenticalLineSequenceToAllAttachedTransports pins
// property 5: every transport attached to the same session observes the
// same sequence of line frames.
func TestFanOutDeliversIdenticalLineSequenceToAllAttachedTransports(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr1 := newFakeTransport("t1")
	tr2 := newFakeTransport("t2")
	s.Attach(tr1)
	s.Attach(tr2)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr1.waitFor(t, protocol.TypeState)
	tr2.waitFor(t, protocol.TypeState)

	require.NoError(t, s.SubmitCommand("north;south"))

	for _, tr := range []*fakeTransport{tr1, tr2} {
		first := tr.waitFor(t, protocol.TypeLine)
		require.Equal(t, protocol.LinePayload{Content: "north"}, first.payload)
		second := tr.waitFor(t, protocol.TypeLine)
		require.Equal(t, protocol.LinePayload{Content: "south"}, second.payload)
	}
}

// TestDeliverLineFansOutLineBeforeSound pins property 7 through the real
// Session.deliverLine fan-out (not Engine.Evaluate in isolation): an
// attached transport must observe line{} strictly before sound{} for the
// same upstream line.
func TestDeliverLineFansOutLineBeforeSound(t *testing.T) {
	s := newTestSessionWithEngine(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState) // CONNECTING
	tr.waitFor(t, protocol.TypeState) // CONNECTED

	s.deliverLine("you look around")

	first := <-tr.frames
	require.Equal(t, protocol.TypeLine, first.typ)
	second := <-tr.frames
	require.Equal(t, protocol.TypeSound, second.typ)
}

// TestIngestSplitsPartialBufferIntoExactlyTwoLines pins the spec's partial
// line scenario: "hello " followed by "world\nhi\n" yields exactly two line
// frames, "hello world" and "hi" — the partial buffer is only promoted to a
// line once a newline completes it.
func TestIngestSplitsPartialBufferIntoExactlyTwoLines(t *testing.T) {
	s := newTestSession(t, testConfig())
	tr := newFakeTransport("t1")
	s.Attach(tr)
	require.NoError(t, s.RequestConnect(context.Background()))
	tr.waitFor(t, protocol.TypeState)

	s.ingest([]byte("hello "))
	s.ingest([]byte("world\nhi\n"))

	first := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "hello world"}, first.payload)
	second := tr.waitFor(t, protocol.TypeLine)
	require.Equal(t, protocol.LinePayload{Content: "hi"}, second.payload)

	select {
	case fr := <-tr.frames:
		if fr.typ == protocol.TypeLine {
			t.Fatalf("unexpected third line frame: %+v", fr.payload)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
