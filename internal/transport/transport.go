// Package transport implements the Transport Envelope (spec §4.1): frame
// codec, schema validation, size limits and per-transport rate limiting over
// a gorilla/websocket connection. It adapts the upgrade/read/write-goroutine
// shape of the teacher's internal/ws.Handler to the generic {type, payload,
// meta} envelope instead of a fixed Message struct.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mudgate/internal/protocol"
	"mudgate/internal/ratelimit"
)

// Sentinel errors returned by ReadFrame/WriteFrame, matching the categorical
// error kinds of spec §7. ErrHighwater wraps the shared
// protocol.ErrTransportBackpressure so Session.fanOut can recognize it
// without importing this package (see protocol.ErrTransportBackpressure).
var (
	ErrMalformed   = errors.New("malformed frame")
	ErrOversized   = errors.New("oversized frame")
	ErrRateLimited = errors.New("rate limited")
	ErrClosed      = errors.New("transport closed")
	ErrHighwater   = fmt.Errorf("%w: queue at highwater mark", protocol.ErrTransportBackpressure)
)

// defaultMaxFrameBytes bounds a single raw frame when New is given no
// limit; exceeding the limit is ErrOversized.
const defaultMaxFrameBytes = 64 * 1024

// defaultWriteHighwater is the spec §5 back-pressure default: a transport
// whose outbound queue exceeds this many unsent frames is closed rather than
// blocking the session's fan-out loop.
const defaultWriteHighwater = 256

// Handle is the minimal surface a Session needs from an attached transport.
// Keeping this an interface (rather than *Envelope) means internal/session
// never imports gorilla/websocket, matching spec §3's ownership model where
// transport handles are shared by reference, not by concrete type.
type Handle interface {
	ID() string
	WriteFrame(typ string, payload any, meta protocol.Meta) error
	Close(code int, reason string) error
}

// Envelope wraps one websocket connection, decoding/encoding the {type,
// payload, meta} frame shape and enforcing size and rate limits.
//
// Outbound frames are enqueued onto writeQueue and drained by a single
// writeLoop goroutine, so a slow client's socket write never blocks the
// session's synchronous fan-out across other transports (spec §5, "no
// per-session head-of-line blocking"). WriteFrame reports ErrHighwater
// instead of blocking when the queue is already full at its highwater mark.
type Envelope struct {
	id            string
	conn          *websocket.Conn
	maxFrameBytes int
	limiter       *ratelimit.PerTransport

	writeQueue chan []byte
	writeDone  chan struct{}

	writeMu sync.Mutex
	closed  bool
}

// New wraps conn as an Envelope identified by id. ratePerSec is the
// sustained frames/sec budget (spec default 20); maxFrameBytes is the raw
// frame size ceiling (spec default 64KiB); highwater is the outbound queue
// depth that trips back-pressure (spec default 256); zero/negative values
// fall back to the spec defaults.
func New(id string, conn *websocket.Conn, ratePerSec float64, maxFrameBytes, highwater int) *Envelope {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if highwater <= 0 {
		highwater = defaultWriteHighwater
	}
	conn.SetReadLimit(int64(maxFrameBytes) + 1) // a longer frame fails the read with websocket.ErrReadLimit, which ReadFrame reports as ErrOversized
	e := &Envelope{
		id:            id,
		conn:          conn,
		maxFrameBytes: maxFrameBytes,
		limiter:       ratelimit.NewPerTransport(ratePerSec),
		writeQueue:    make(chan []byte, highwater),
		writeDone:     make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

// ID returns the transport's identifier (used for logging and diagnostics).
func (e *Envelope) ID() string { return e.id }

// ReadFrame blocks for the next decoded envelope. It returns ErrOversized if
// the raw frame exceeds the configured limit, ErrRateLimited if the sender
// exceeded the sustained budget, ErrMalformed on a JSON/schema error, and
// ErrClosed once the transport can no longer be read.
func (e *Envelope) ReadFrame() (protocol.Envelope, error) {
	_, raw, err := e.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return protocol.Envelope{}, ErrOversized
		}
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if len(raw) > e.maxFrameBytes {
		return protocol.Envelope{}, ErrOversized
	}
	if !e.limiter.Allow() {
		return protocol.Envelope{}, ErrRateLimited
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fields = protocol.PromoteLegacy(fields)

	var env protocol.Envelope
	promoted, err := json.Marshal(fields)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(promoted, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return protocol.Envelope{}, ErrMalformed
	}
	return env, nil
}

// WriteFrame serializes and enqueues one frame for the write loop.
// meta.ServerTS is stamped with the current time if unset. It returns
// ErrClosed once the transport can no longer be written to, and
// ErrHighwater if the outbound queue is already at its configured depth —
// the caller (Session.fanOut) is expected to close the transport with code
// 1013 in that case (spec §5).
func (e *Envelope) WriteFrame(typ string, payload any, meta protocol.Meta) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if meta.ServerTS == 0 {
		meta.ServerTS = time.Now().UnixMilli()
	}
	env := protocol.Envelope{Type: typ, Payload: raw, Meta: meta}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return ErrClosed
	}

	select {
	case e.writeQueue <- encoded:
		return nil
	default:
		return fmt.Errorf("%w: depth %d", ErrHighwater, cap(e.writeQueue))
	}
}

// writeLoop is the single goroutine draining writeQueue to the socket, so a
// write to a slow or stalled client never blocks another attached
// transport's fan-out (spec §5).
func (e *Envelope) writeLoop() {
	for {
		select {
		case encoded := <-e.writeQueue:
			if err := e.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				return
			}
		case <-e.writeDone:
			return
		}
	}
}

// Drain blocks until the outbound write queue has emptied or the transport
// has been closed, bounded by timeout. It implements the manual-disconnect
// grace period of spec §5 ("preserves the session shell until all in-flight
// frames have been drained to attached transports or the transports are
// closed, whichever comes first"); Session.RequestDisconnect calls it
// through the optional transportDrainer capability.
func (e *Envelope) Drain(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		e.writeMu.Lock()
		done := e.closed || len(e.writeQueue) == 0
		e.writeMu.Unlock()
		if done {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// Close closes the transport with a well-known close code (spec §4.1).
func (e *Envelope) Close(code int, reason string) error {
	e.writeMu.Lock()
	if e.closed {
		e.writeMu.Unlock()
		return nil
	}
	e.closed = true
	e.writeMu.Unlock()
	close(e.writeDone)

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return e.conn.Close()
}

var _ Handle = (*Envelope)(nil)
