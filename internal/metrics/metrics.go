// Package metrics exposes the broker's operational counters via Prometheus,
// wired the same way as ManuGH-xg2g's internal/ratelimit and
// lookatitude-beluga-ai's telemetry packages: a package-level promauto
// registration set, read only through promhttp.Handler in internal/httpapi.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current number of live sessions in the manager.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudgate",
		Name:      "active_sessions",
		Help:      "Number of sessions currently tracked by the manager.",
	})

	// AttachedTransports is the current number of attached transport handles
	// across all sessions.
	AttachedTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mudgate",
		Name:      "attached_transports",
		Help:      "Number of transports currently attached across all sessions.",
	})

	// SessionsEvicted counts sweep-driven idle evictions.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudgate",
		Name:      "sessions_evicted_total",
		Help:      "Total sessions evicted by the idle sweep.",
	})

	// RateLimitExceeded counts transports closed for sustained rate-limit
	// violation.
	RateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudgate",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total transports closed for sustained rate limit violation.",
	})

	// SoundEventsEmitted counts SoundOp values emitted by the sound engine.
	SoundEventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudgate",
		Name:      "sound_events_emitted_total",
		Help:      "Total sound events emitted across all sessions.",
	})

	// UpstreamLinesIngested counts complete lines read from upstream.
	UpstreamLinesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mudgate",
		Name:      "upstream_lines_ingested_total",
		Help:      "Total complete lines read from upstream connections.",
	})
)
