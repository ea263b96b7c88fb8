// Command mudgate runs the session broker: it accepts websocket
// connections from browser-style clients, multiplexes them onto Session
// state keyed by public_id, and proxies each session's commands to its own
// upstream MUD connection.
//
// Exit codes follow the teacher's main.go convention: 0 clean shutdown, 2
// configuration error, 1 runtime/listen error.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"mudgate/internal/config"
	"mudgate/internal/httpapi"
	"mudgate/internal/logbuffer"
	"mudgate/internal/manager"
	"mudgate/internal/metrics"
	"mudgate/internal/ratelimit"
	"mudgate/internal/sound"
	"mudgate/internal/upstream"
)

// logBufferCapacity bounds the in-memory ring buffer backing the DEBUG
// /logs and /api/logs/stream endpoints (spec.md §6).
const logBufferCapacity = 500

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	ratelimit.SetExceededHook(func() { metrics.RateLimitExceeded.Inc() })

	cfg, err := config.Parse(args)
	if err != nil {
		logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("configuration error")
		return 2
	}

	// The log buffer is only allocated when DEBUG is on, so normal
	// production runs pay nothing for an inspection surface nobody queries.
	var logBuf *logbuffer.Buffer
	var logger zerolog.Logger
	if cfg.Debug {
		logBuf = logbuffer.New(logBufferCapacity)
		logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, logBuf)).With().Timestamp().Logger()
		logger.Info().Msg("debug endpoints enabled")
	} else {
		logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	engine, err := sound.Load(cfg.RulesPath, logger)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.RulesPath).Msg("no sound rule document loaded")
		engine = sound.NewEmpty()
	}
	if cfg.SoundRegistryPath != "" {
		registry, err := sound.LoadRegistry(cfg.SoundRegistryPath, cfg.SoundAssetsDir)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.SoundRegistryPath).Msg("no sound asset registry loaded")
		} else {
			engine.SetRegistry(registry)
		}
	}

	mgr := manager.New(cfg, engine, upstream.Open, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	go mgr.Run(ctx)
	defer mgr.Stop()

	srv := httpapi.New(mgr, cfg, logger, logBuf)
	if err := srv.Run(ctx, cfg.Addr); err != nil {
		logger.Error().Err(err).Msg("http server error")
		return 1
	}
	return 0
}
