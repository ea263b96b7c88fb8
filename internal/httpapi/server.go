// Package httpapi is the HTTP shell (spec §2/§6): the websocket upgrade
// route, a health check, and a DEBUG-gated set of inspection endpoints.
// The Echo app shape — middleware.Recover, a slog-style request logger, a
// graceful Run(ctx) — is adapted from the teacher's internal/httpapi and
// root-level Phase 8/10 admin routes, generalized from presence/voice
// state to session-broker state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mudgate/internal/config"
	"mudgate/internal/logbuffer"
	"mudgate/internal/manager"
	"mudgate/internal/protocol"
	"mudgate/internal/session"
	"mudgate/internal/sse"
	"mudgate/internal/transport"
)

// Server is the Echo application exposing the broker over HTTP/websocket.
type Server struct {
	echo      *echo.Echo
	manager   *manager.Manager
	cfg       config.Config
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	logBuffer *logbuffer.Buffer
}

// New constructs the Echo app and registers every route. logBuffer may be
// nil; when it is, the DEBUG-gated /logs and /api/logs/stream endpoints
// report 503 instead of panicking (cfg.Debug without a wired buffer, e.g.
// in tests that construct a Server directly).
func New(mgr *manager.Manager, cfg config.Config, logger zerolog.Logger, logBuffer *logbuffer.Buffer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		manager:   mgr,
		cfg:       cfg,
		logger:    logger,
		logBuffer: logBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// requestLogger logs every HTTP request via zerolog, quieting the noisy
// /ws and /health endpoints to debug level (adapted from the teacher's
// slog-based requestLogger).
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			ev := s.logger.Info()
			if path == "/ws" || path == "/health" {
				ev = s.logger.Debug()
			}
			ev.Str("method", req.Method).
				Str("path", path).
				Int("status", c.Response().Status).
				Dur("duration", time.Since(start)).
				Str("remote", c.RealIP()).
				Msg("http request")
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ws", s.handleWebSocket)

	if s.cfg.Debug {
		s.echo.GET("/sessions", s.handleSessions)
		s.echo.GET("/api/sessions/status", s.handleSessionsStatus)
		s.echo.GET("/logs", s.handleLogs)
		s.echo.GET("/api/logs/stream", s.handleLogsStream)
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

// Run starts Echo and blocks until ctx cancellation or a startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.logger.Info().Msg("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.manager.Count(),
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Snapshot())
}

type sessionsStatusResponse struct {
	TotalSessions int `json:"totalSessions"`
}

func (s *Server) handleSessionsStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionsStatusResponse{TotalSessions: s.manager.Count()})
}

// handleLogs dumps every currently retained log line (spec.md §6's
// DEBUG-gated inspection surface).
func (s *Server) handleLogs(c echo.Context) error {
	if s.logBuffer == nil {
		return c.String(http.StatusServiceUnavailable, "log buffer not configured")
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", s.logBuffer.Snapshot())
}

// handleLogsStream streams every subsequent log line as an SSE event until
// the client disconnects, heartbeating on an idle connection so
// intermediating proxies don't time it out.
func (s *Server) handleLogsStream(c echo.Context) error {
	if s.logBuffer == nil {
		return c.String(http.StatusServiceUnavailable, "log buffer not configured")
	}

	sw, err := sse.NewWriter(c.Response())
	if err != nil {
		return c.String(http.StatusInternalServerError, "streaming unsupported")
	}

	lines, cancel := s.logBuffer.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := sw.WriteEvent(sse.Event{Event: "log", Data: string(line)}); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := sw.WriteHeartbeat(); err != nil {
				return nil
			}
		}
	}
}

// handleWebSocket upgrades one request and drives the init → attach →
// message loop until the transport disconnects (spec §4.1).
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ws upgrade failed")
		return nil
	}

	env := transport.New(uuid.NewString(), conn, s.cfg.RateLimitPerSec, s.cfg.MaxFrameBytes, s.cfg.TransportWriteHighwater)
	s.serve(c.Request().Context(), env)
	return nil
}

// connState holds the one session currently attached to a transport. A
// transport may re-init destructively (spec §4.5: "a second init closes
// the prior attachment on that transport"), so the attached session can
// change over the lifetime of one connection.
type connState struct {
	sess *session.Session
}

func (s *Server) serve(ctx context.Context, env *transport.Envelope) {
	defer env.Close(protocol.CloseNormal, "")

	initEnv, err := env.ReadFrame()
	if err != nil || initEnv.Type != protocol.TypeInit {
		_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: "first message must be init"}, protocol.Meta{})
		return
	}

	st := &connState{}
	if !s.handleInit(env, st, initEnv) {
		return
	}
	defer func() {
		if st.sess != nil {
			s.manager.Detach(st.sess.ID, env)
		}
	}()

	s.readLoop(ctx, env, st)
}

// handleInit performs one init frame's attach, replying init_ok/
// session_invalid and replacing st.sess on success. It reports whether the
// transport should keep running.
func (s *Server) handleInit(env *transport.Envelope, st *connState, initEnv protocol.Envelope) bool {
	var initPayload protocol.InitPayload
	if err := decodePayload(initEnv.Payload, &initPayload); err != nil {
		_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: "malformed init payload"}, protocol.Meta{})
		return true
	}

	publicID, owner, reason, err := resolveIdentity(initPayload)
	if err != nil {
		_ = env.WriteFrame(protocol.TypeSessionInvalid, protocol.SessionInvalidPayload{Reason: reason, Message: err.Error()}, protocol.Meta{})
		_ = env.Close(protocol.CloseOwnerMismatch, reason)
		return false
	}

	sess, status, historyContent, hasHistory, err := s.manager.Attach(publicID, owner, env)
	if err != nil {
		reason := "not_found"
		if errors.Is(err, manager.ErrOwnerMismatch) {
			reason = "owner_mismatch"
		}
		_ = env.WriteFrame(protocol.TypeSessionInvalid, protocol.SessionInvalidPayload{Reason: reason, Message: err.Error()}, protocol.Meta{})
		_ = env.Close(protocol.CloseOwnerMismatch, reason)
		return false
	}

	// A second init on this transport is destructive: detach the prior
	// session before taking on the new one (spec §4.5).
	if st.sess != nil {
		s.manager.Detach(st.sess.ID, env)
	}
	st.sess = sess

	_ = env.WriteFrame(protocol.TypeInitOK, protocol.InitOKPayload{
		PublicID:   sess.ID.String(),
		Owner:      sess.Owner.String(),
		Status:     string(status),
		HasHistory: hasHistory,
	}, protocol.Meta{})

	if hasHistory {
		_ = env.WriteFrame(protocol.TypeHistory, protocol.HistoryPayload{Content: historyContent}, protocol.Meta{})
	}
	_ = env.WriteFrame(protocol.TypeState, protocol.StatePayload{Value: sess.State()}, protocol.Meta{})
	return true
}

func (s *Server) readLoop(ctx context.Context, env *transport.Envelope, st *connState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frameEnv, err := env.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrRateLimited):
				_ = env.Close(protocol.CloseRateLimited, "rate limited")
			case errors.Is(err, transport.ErrOversized), errors.Is(err, transport.ErrMalformed):
				_ = env.Close(protocol.ClosePolicy, "malformed or oversized frame")
			}
			return
		}

		if frameEnv.Type == protocol.TypeInit {
			if !s.handleInit(env, st, frameEnv) {
				return
			}
			continue
		}
		s.dispatch(ctx, env, st.sess, frameEnv)
	}
}

func (s *Server) dispatch(ctx context.Context, env *transport.Envelope, sess *session.Session, in protocol.Envelope) {
	switch in.Type {
	case protocol.TypeConnect:
		if err := sess.RequestConnect(ctx); err != nil {
			_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}, protocol.Meta{})
		}

	case protocol.TypeDisconnect:
		sess.RequestDisconnect()

	case protocol.TypeCommand:
		var p protocol.CommandPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: "malformed command payload"}, protocol.Meta{})
			return
		}
		if err := sess.SubmitCommand(p.Value); err != nil {
			_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}, protocol.Meta{})
		}

	case protocol.TypeLogin:
		var p protocol.LoginPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: "malformed login payload"}, protocol.Meta{})
			return
		}
		if err := sess.SubmitLogin(p.Username, p.Password); err != nil {
			_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}, protocol.Meta{})
		}

	default:
		_ = env.WriteFrame(protocol.TypeError, protocol.ErrorPayload{Message: "unknown message type: " + in.Type}, protocol.Meta{})
	}
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// resolveIdentity parses the init payload's publicId/owner, generating a
// fresh owner when absent (spec §3: "two independent random 128-bit
// values"). When publicId is present but owner is missing or malformed,
// spec §4.1 item 3 treats that identically to an owner mismatch.
func resolveIdentity(p protocol.InitPayload) (publicID, owner uuid.UUID, reason string, err error) {
	if p.PublicID == "" {
		return uuid.Nil, uuid.New(), "", nil
	}
	publicID, err = uuid.Parse(p.PublicID)
	if err != nil {
		return uuid.Nil, uuid.Nil, "not_found", err
	}
	owner, err = uuid.Parse(p.Owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, "owner_mismatch", fmt.Errorf("owner missing or malformed: %w", err)
	}
	return publicID, owner, "", nil
}
