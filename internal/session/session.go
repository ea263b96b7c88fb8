// Package session implements the Session (spec §4.3): the per-user state
// machine and multiplexer that binds one upstream MUD connection to however
// many transports are currently attached, with history retention, partial-
// line buffering, a pending-command queue, and ownership enforcement.
//
// The mutex shape follows the teacher's internal/core.ChannelState: one
// mutex guards every field that attach/detach/ingest/submit touch, and all
// upstream and transport I/O happens outside the lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mudgate/internal/config"
	"mudgate/internal/metrics"
	"mudgate/internal/protocol"
	"mudgate/internal/sound"
	"mudgate/internal/upstream"
)

// Sentinel errors returned by Session methods (spec §7).
var (
	ErrQueueFull        = fmt.Errorf("command queue full")
	ErrAlreadyConnected = fmt.Errorf("session already connected")
)

// loginGraceWindow bounds how long after a successful connect the session
// will still downgrade CONNECTED to AWAITING_LOGIN on a credential prompt
// (spec §4.3: "within a short grace window").
const loginGraceWindow = 2 * time.Second

// partialFlushInterval is how often the ingestion loop checks whether a
// stalled partial buffer should be flushed as a synthetic line (spec §4.3).
const partialFlushInterval = 200 * time.Millisecond

// partialFlushBytes is the partial-buffer size that forces a flush check
// even between ticks (spec §4.3).
const partialFlushBytes = 4096

// Transport is the minimal surface a Session needs from an attached
// transport handle; satisfied by *transport.Envelope without this package
// importing gorilla/websocket (spec §3, Ownership).
type Transport interface {
	ID() string
	WriteFrame(typ string, payload any, meta protocol.Meta) error
	Close(code int, reason string) error
}

// Dialer opens an upstream connection; satisfied by upstream.Open, injected
// so tests can substitute an in-memory listener.
type Dialer func(ctx context.Context, host string, port int, deadline time.Time, writeTimeout time.Duration) (*upstream.Connector, error)

// Session is the central broker entity (spec §3).
type Session struct {
	ID    uuid.UUID
	Owner uuid.UUID

	cfg    config.Config
	engine *sound.Engine
	dial   Dialer
	logger zerolog.Logger

	mu                 sync.Mutex
	state              string
	history            []string
	historyBytes       int
	partialBuffer      string
	pendingCommands    []string
	attachedTransports map[string]Transport
	credentialsHint    string
	loginInFlight      bool
	lastActivity       time.Time
	emptySince         time.Time
	isEmpty            bool
	everAttached       bool
	reconnectAttempts  int

	conn       *upstream.Connector
	cancelPump context.CancelFunc
	pumpDone   chan struct{}
	connectedAt time.Time
}

// New creates a fresh, DISCONNECTED session with no attached transports.
func New(id, owner uuid.UUID, cfg config.Config, engine *sound.Engine, dial Dialer, logger zerolog.Logger) *Session {
	if engine == nil {
		engine = sound.NewEmpty()
	}
	if dial == nil {
		dial = upstream.Open
	}
	now := time.Now()
	return &Session{
		ID:                 id,
		Owner:              owner,
		cfg:                cfg,
		engine:             engine,
		dial:               dial,
		logger:             logger.With().Str("session", id.String()).Logger(),
		state:              protocol.StateDisconnected,
		attachedTransports: make(map[string]Transport),
		lastActivity:       now,
		emptySince:         now,
		isEmpty:            true,
	}
}

// State returns the session's current internal state value.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HistorySnapshot returns the concatenated retained history and whether it
// is non-empty, for the init_ok{hasHistory} and history{content} frames.
func (s *Session) HistorySnapshot() (content string, hasHistory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content = strings.Join(s.history, "\n")
	return content, len(s.history) > 0
}

// LastActivity returns the timestamp of the most recent transport or
// upstream event.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleSince reports whether the session currently has no attached
// transports and, if so, since when (spec §4.2, sweep).
func (s *Session) IdleSince() (since time.Time, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptySince, s.isEmpty
}

// Attach adds a transport to the fan-out set and returns the history/state
// snapshot the Manager must send immediately on recovery (spec §4.2).
func (s *Session) Attach(t Transport) (historyContent string, hasHistory bool, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.everAttached {
		s.reconnectAttempts++
	}
	s.everAttached = true
	s.attachedTransports[t.ID()] = t
	s.isEmpty = false
	s.lastActivity = time.Now()
	return strings.Join(s.history, "\n"), len(s.history) > 0, s.state
}

// ReconnectAttempts reports how many times a transport has re-attached to
// this session after the first, for the /sessions debug endpoint
// (spec.md §4.5, diagnostic only — does not affect client-driven
// reconnect scheduling).
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// HistoryDebugString renders retained history size for diagnostic logging.
func (s *Session) HistoryDebugString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s / %d lines", humanize.IBytes(uint64(s.historyBytes)), len(s.history))
}

// Detach removes a transport from the fan-out set. When the set becomes
// empty it starts the idle clock the Manager's sweep consults.
func (s *Session) Detach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachedTransports, t.ID())
	if len(s.attachedTransports) == 0 {
		s.isEmpty = true
		s.emptySince = time.Now()
	}
}

// AttachedCount reports how many transports are currently attached.
func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attachedTransports)
}

// ReportedState is State() except it substitutes RECONNECTING whenever the
// upstream is live but no transport is currently attached — purely a
// diagnostic view (DESIGN.md records this as the resolution of the
// RECONNECTING ambiguity in spec §4.1's state enum); the state{} frame sent
// to transports always uses the literal internal state, never this one.
func (s *Session) ReportedState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isEmpty && s.state != protocol.StateDisconnected {
		return protocol.StateReconnecting
	}
	return s.state
}

// RequestConnect opens the upstream connection (spec §4.3). It is only
// valid from DISCONNECTED.
func (s *Session) RequestConnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != protocol.StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = protocol.StateConnecting
	s.mu.Unlock()
	s.broadcastState()

	conn, err := s.dial(ctx, s.cfg.MUDHost, s.cfg.MUDPort, time.Now().Add(5*time.Second), s.cfg.WriteTimeout)
	if err != nil {
		s.mu.Lock()
		s.state = protocol.StateDisconnected
		s.mu.Unlock()
		s.broadcastState()
		s.broadcastSystem(fmt.Sprintf("connection failed: %v", err))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = protocol.StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancelPump = cancel
	s.pumpDone = make(chan struct{})
	s.mu.Unlock()

	go s.pump(pumpCtx, conn)

	s.broadcastState()
	s.drainPendingLocked()
	return nil
}

// transportDrainer is an optional capability a Transport implementation may
// satisfy: block until its outbound queue has drained or it has closed,
// bounded by a timeout. *transport.Envelope implements this; test doubles
// that write synchronously need not, since they have nothing to drain.
type transportDrainer interface {
	Drain(timeout time.Duration)
}

// RequestDisconnect closes the upstream gracefully, clears the login hint,
// flushes the pending queue and transitions to DISCONNECTED (spec §4.3). It
// then preserves the session shell — the Session itself is untouched, only
// its upstream — while giving each attached transport up to
// cfg.DisconnectGrace to drain any in-flight frames already queued to it,
// whichever comes first (spec §5: "preserves the session shell until all
// in-flight frames have been drained to attached transports or the
// transports are closed").
func (s *Session) RequestDisconnect() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelPump
	s.conn = nil
	s.cancelPump = nil
	s.state = protocol.StateDisconnected
	s.credentialsHint = ""
	s.loginInFlight = false
	s.pendingCommands = nil
	targets := make([]Transport, 0, len(s.attachedTransports))
	for _, t := range s.attachedTransports {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.broadcastState()

	deadline := time.Now().Add(s.cfg.DisconnectGrace)
	for _, t := range targets {
		d, ok := t.(transportDrainer)
		if !ok {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		d.Drain(remaining)
	}
}

// Close tears the session down unconditionally: used by the manager's
// sweep eviction. It never blocks upstream progress (spec §5).
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelPump
	s.conn = nil
	s.cancelPump = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// SubmitCommand forwards value to upstream, splitting on ';' into separate
// lines with empty elements removed (spec §4.3). If the session cannot
// write immediately it queues the command; a full queue reports
// ErrQueueFull to the caller.
func (s *Session) SubmitCommand(value string) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	state := s.state
	conn := s.conn
	s.mu.Unlock()

	parts := splitCommands(value)
	if len(parts) == 0 {
		return nil
	}

	if (state != protocol.StateConnected && state != protocol.StateAwaitingLogin) || conn == nil {
		return s.enqueueAll(parts)
	}

	for i, line := range parts {
		if err := conn.Write([]byte(line + "\n")); err != nil {
			// Backpressure or a just-closed socket: queue the remainder
			// rather than drop it.
			return s.enqueueAll(parts[i:])
		}
	}
	return nil
}

// SubmitLogin behaves like SubmitCommand but also records the username hint
// used to drive auto-login after recovery, and gates the
// AWAITING_LOGIN→CONNECTED transition (spec §4.3).
func (s *Session) SubmitLogin(username, password string) error {
	s.mu.Lock()
	s.credentialsHint = username
	s.loginInFlight = true
	s.mu.Unlock()

	if err := s.SubmitCommand(username); err != nil {
		return err
	}
	if err := s.SubmitCommand(password); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == protocol.StateAwaitingLogin {
		s.state = protocol.StateConnected
	}
	s.loginInFlight = false
	s.mu.Unlock()
	s.broadcastState()
	return nil
}

func splitCommands(value string) []string {
	raw := strings.Split(value, ";")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (s *Session) enqueueAll(parts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parts {
		if len(s.pendingCommands) >= s.cfg.CommandQueueMax {
			return ErrQueueFull
		}
		s.pendingCommands = append(s.pendingCommands, p)
	}
	return nil
}

// drainPendingLocked writes every queued command to upstream in FIFO order.
// Called right after a successful connect (spec §4.5, "Queue draining").
func (s *Session) drainPendingLocked() {
	s.mu.Lock()
	conn := s.conn
	pending := s.pendingCommands
	s.pendingCommands = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	for _, cmd := range pending {
		if err := conn.Write([]byte(cmd + "\n")); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain pending command")
			s.mu.Lock()
			s.pendingCommands = append(s.pendingCommands, cmd)
			s.mu.Unlock()
		}
	}
}

// broadcastState fans out the current state to every attached transport.
func (s *Session) broadcastState() {
	state := s.State()
	s.fanOut(protocol.TypeState, protocol.StatePayload{Value: state})
}

func (s *Session) broadcastSystem(message string) {
	s.fanOut(protocol.TypeSystem, protocol.SystemPayload{Message: message})
}

// fanOut delivers one frame to every attached transport, removing and
// closing any transport whose write fails (spec §4.3/§5).
func (s *Session) fanOut(typ string, payload any) {
	s.mu.Lock()
	targets := make([]Transport, 0, len(s.attachedTransports))
	for _, t := range s.attachedTransports {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	for _, t := range targets {
		if err := t.WriteFrame(typ, payload, protocol.Meta{}); err != nil {
			code := protocol.CloseWriteError
			reason := "write error"
			if errors.Is(err, protocol.ErrTransportBackpressure) {
				code = protocol.CloseRateLimited
				reason = "write queue back-pressure"
			}
			s.logger.Debug().Str("transport", t.ID()).Err(err).Msg("dropping transport on write error")
			s.Detach(t)
			_ = t.Close(code, reason)
		}
	}
}

// pump runs the upstream ingestion algorithm (spec §4.3, "hot path") until
// ctx is canceled or the upstream connection ends.
func (s *Session) pump(ctx context.Context, conn *upstream.Connector) {
	defer close(s.pumpDone)

	reader := conn.Reader()
	ticker := time.NewTicker(partialFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-reader:
			if !ok {
				s.handleUpstreamClosed()
				return
			}
			s.ingest(chunk)

		case <-ticker.C:
			s.maybeFlushPartial()
		}
	}
}

// ingest appends raw bytes to the partial buffer, splits complete lines, and
// fans them out with sound events (spec §4.3).
func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	s.partialBuffer += string(chunk)
	lines, rest := splitLines(s.partialBuffer)
	s.partialBuffer = rest
	s.mu.Unlock()

	for _, line := range lines {
		s.deliverLine(line)
	}

	if len(rest) > partialFlushBytes {
		s.maybeFlushPartial()
	}
}

// maybeFlushPartial implements the "every 200ms or >4KiB without a newline"
// rule: a stalled partial buffer is only promoted to a synthetic line when
// it looks like a recognized prompt (spec §4.3).
func (s *Session) maybeFlushPartial() {
	s.mu.Lock()
	buf := s.partialBuffer
	s.mu.Unlock()
	if buf == "" {
		return
	}
	if !looksLikeLoginPrompt(buf) && !looksLikeConfirmPrompt(buf) {
		return
	}

	s.mu.Lock()
	if s.partialBuffer != buf {
		s.mu.Unlock() // buffer moved on between check and flush; skip this tick
		return
	}
	s.partialBuffer = ""
	s.mu.Unlock()

	s.deliverLine(buf)
}

// deliverLine evaluates the sound engine against one complete line, fans out
// line{} followed by sound{} (spec §4.3/§4.6, "a line emitted before a sound
// event is delivered before that sound event"), and appends it to history. A
// gagged line is hidden from both the live fan-out and history: a
// reconnecting client's history{} replay should show exactly what was shown
// live, never a line no attached transport ever saw (see DESIGN.md).
func (s *Session) deliverLine(line string) {
	trimmed := strings.TrimRight(line, " \t\r")
	metrics.UpstreamLinesIngested.Inc()

	s.maybeDowngradeToAwaitingLogin(trimmed)

	result := s.engine.Evaluate(trimmed)
	if len(result.Events) > 0 {
		metrics.SoundEventsEmitted.Add(float64(len(result.Events)))
	}

	if !result.Gag {
		s.appendHistory(trimmed)
		s.fanOut(protocol.TypeLine, protocol.LinePayload{Content: trimmed})
	}
	if len(result.Events) > 0 {
		s.fanOut(protocol.TypeSound, protocol.SoundPayload{Events: result.Events})
	}
	if looksLikeConfirmPrompt(trimmed) {
		s.fanOut(protocol.TypeConfirm, protocol.ConfirmPayload{Message: trimmed})
	}
}

func (s *Session) maybeDowngradeToAwaitingLogin(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != protocol.StateConnected {
		return
	}
	if time.Since(s.connectedAt) > loginGraceWindow {
		return
	}
	if looksLikeLoginPrompt(line) {
		s.state = protocol.StateAwaitingLogin
		go s.broadcastState()
	}
}

// appendHistory appends line and evicts from the oldest end while either
// budget is exceeded (spec §3 invariants).
func (s *Session) appendHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, line)
	s.historyBytes += len(line)
	s.lastActivity = time.Now()

	for (s.historyBytes > s.cfg.HistoryBytesMax || len(s.history) > s.cfg.HistoryLinesMax) && len(s.history) > 0 {
		evicted := s.history[0]
		s.history = s.history[1:]
		s.historyBytes -= len(evicted)
	}
	if s.historyBytes < 0 {
		s.historyBytes = 0
	}
}

func (s *Session) handleUpstreamClosed() {
	s.mu.Lock()
	s.state = protocol.StateDisconnected
	s.conn = nil
	s.mu.Unlock()
	s.broadcastState()
	s.broadcastSystem("upstream connection closed")
	s.logger.Info().Msg("upstream closed unexpectedly")
}

// splitLines splits s on \r?\n, returning every complete line and the
// trailing partial fragment (spec §4.3).
func splitLines(s string) (lines []string, rest string) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	parts := strings.Split(s, "\n")
	if len(parts) == 1 {
		return nil, parts[0]
	}
	return parts[:len(parts)-1], parts[len(parts)-1]
}
