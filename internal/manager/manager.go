// Package manager implements the Session Manager (spec §4.2): the registry
// that maps a session's public identifier to its Session, enforces
// ownership on attach, and sweeps idle sessions on a ticker.
//
// The registry shape (a map guarded by one RWMutex, Add/Remove semantics
// with a snapshot helper) is grounded on the teacher's
// internal/core.ChannelState; the ticker-driven background loop is grounded
// on the teacher's root-level RunMetrics.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mudgate/internal/config"
	"mudgate/internal/metrics"
	"mudgate/internal/session"
	"mudgate/internal/sound"
)

// Sentinel errors returned by Manager methods (spec §7).
var (
	ErrOwnerMismatch   = fmt.Errorf("owner mismatch")
	ErrUnknownSession  = fmt.Errorf("unknown session")
)

// AttachStatus distinguishes a brand new session from a recovered one, for
// the init_ok{status} field (spec §4.1).
type AttachStatus string

const (
	StatusCreated   AttachStatus = "created"
	StatusRecovered AttachStatus = "recovered"
)

// Manager owns every live Session, keyed by its public id, and enforces
// one-owner-per-session on attach (spec §4.2).
type Manager struct {
	cfg    config.Config
	engine *sound.Engine
	dial   session.Dialer
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session.Session

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager with no sessions. engine may be nil, in which case
// sound evaluation is a no-op for every session it creates.
func New(cfg config.Config, engine *sound.Engine, dial session.Dialer, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		dial:     dial,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session.Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CreateSession allocates a fresh session owned by owner and registers it.
func (m *Manager) CreateSession(owner uuid.UUID) *session.Session {
	id := uuid.New()
	s := session.New(id, owner, m.cfg, m.engine, m.dial, m.logger)

	m.mu.Lock()
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	m.logger.Info().Str("session", id.String()).Str("owner", owner.String()).Msg("session created")
	return s
}

// Lookup returns the session for publicID without any ownership check.
func (m *Manager) Lookup(publicID uuid.UUID) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[publicID]
	return s, ok
}

// Attach resolves publicID, validates owner, and attaches t to the
// session's transport fan-out set, returning the status the caller should
// report in init_ok (spec §4.1/§4.2).
//
// If publicID is the zero UUID, a new session is created and owned by
// owner — this is the "init with no publicId" path.
func (m *Manager) Attach(publicID, owner uuid.UUID, t session.Transport) (s *session.Session, status AttachStatus, historyContent string, hasHistory bool, err error) {
	if publicID == uuid.Nil {
		s = m.CreateSession(owner)
		_, _, _ = s.Attach(t)
		metrics.AttachedTransports.Inc()
		return s, StatusCreated, "", false, nil
	}

	s, ok := m.Lookup(publicID)
	if !ok {
		return nil, "", "", false, ErrUnknownSession
	}
	if s.Owner != owner {
		return nil, "", "", false, ErrOwnerMismatch
	}

	historyContent, hasHistory, _ = s.Attach(t)
	metrics.AttachedTransports.Inc()
	return s, StatusRecovered, historyContent, hasHistory, nil
}

// Detach removes t from its session's fan-out set. It is a no-op if the
// session has already been evicted.
func (m *Manager) Detach(publicID uuid.UUID, t session.Transport) {
	s, ok := m.Lookup(publicID)
	if !ok {
		return
	}
	s.Detach(t)
	metrics.AttachedTransports.Dec()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot lists every live session's diagnostic state, for the DEBUG-gated
// /sessions endpoint (spec's debug surface).
type Snapshot struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	State             string `json:"state"`
	AttachedCount     int    `json:"attachedCount"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	History           string `json:"history"`
}

func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, Snapshot{
			ID:                id.String(),
			Owner:             s.Owner.String(),
			State:             s.ReportedState(),
			AttachedCount:     s.AttachedCount(),
			ReconnectAttempts: s.ReconnectAttempts(),
			History:           s.HistoryDebugString(),
		})
	}
	return out
}

// Run starts the idle sweep loop; it blocks until Stop is called or ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// sweep evicts every session that has had zero attached transports for
// longer than cfg.IdleTimeout (spec §4.2).
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var evict []uuid.UUID
	var evictedSessions []*session.Session
	for id, s := range m.sessions {
		since, idle := s.IdleSince()
		if idle && now.Sub(since) > m.cfg.IdleTimeout {
			evict = append(evict, id)
			evictedSessions = append(evictedSessions, s)
		}
	}
	for _, id := range evict {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	for i, id := range evict {
		evictedSessions[i].Close()
		m.logger.Info().Str("session", id.String()).Msg("evicting idle session")
	}
	if len(evict) > 0 {
		metrics.SessionsEvicted.Add(float64(len(evict)))
	}
	metrics.ActiveSessions.Set(float64(remaining))
}

