// Package config holds the broker's operational limits and process
// configuration, gathered into one struct rather than scattered named
// constants (the teacher's limits.go groups per-subsystem constants the same
// way; this generalizes those into flags with the same defaults).
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the full set of broker limits and process settings, built once
// at startup in cmd/mudgate and passed down explicitly.
type Config struct {
	Addr      string // frame-transport listen address
	RulesPath string // sound rule document path

	SoundRegistryPath string // sound asset name→path registry document (optional)
	SoundAssetsDir    string // base directory sound asset paths resolve against

	MUDHost string // upstream MUD hostname
	MUDPort int    // upstream MUD port

	HistoryBytesMax int
	HistoryLinesMax int
	CommandQueueMax int

	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	WriteTimeout    time.Duration
	DisconnectGrace time.Duration

	TransportWriteHighwater int
	RateLimitPerSec         float64
	MaxFrameBytes           int

	Debug bool
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		Addr:      ":8080",
		RulesPath: "rules.yaml",
		MUDHost:   "localhost",
		MUDPort:   4000,

		SoundRegistryPath: "",
		SoundAssetsDir:    "assets/sound",

		HistoryBytesMax: 512 * 1024,
		HistoryLinesMax: 2000,
		CommandQueueMax: 10,

		IdleTimeout:     10 * time.Minute,
		SweepInterval:   60 * time.Second,
		WriteTimeout:    5 * time.Second,
		DisconnectGrace: 2 * time.Second,

		TransportWriteHighwater: 256,
		RateLimitPerSec:         20,
		MaxFrameBytes:           64 * 1024,
	}
}

// Parse builds a Config from CLI flags and the DEBUG environment variable.
// args should not include the program name (os.Args[1:]).
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("mudgate", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "frame-transport listen address")
	fs.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "sound rule document path")
	fs.StringVar(&cfg.SoundRegistryPath, "sound-registry", cfg.SoundRegistryPath, "sound asset name-to-path registry document (optional)")
	fs.StringVar(&cfg.SoundAssetsDir, "sound-assets-dir", cfg.SoundAssetsDir, "base directory sound asset paths resolve against")
	fs.StringVar(&cfg.MUDHost, "mud-host", cfg.MUDHost, "upstream MUD hostname")
	fs.IntVar(&cfg.MUDPort, "mud-port", cfg.MUDPort, "upstream MUD port")
	fs.IntVar(&cfg.HistoryBytesMax, "history-bytes-max", cfg.HistoryBytesMax, "max retained history bytes per session")
	fs.IntVar(&cfg.HistoryLinesMax, "history-lines-max", cfg.HistoryLinesMax, "max retained history lines per session")
	fs.IntVar(&cfg.CommandQueueMax, "command-queue-max", cfg.CommandQueueMax, "max queued commands while disconnected")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "evict a session this long after its last transport detaches")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "interval between idle-session sweeps")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "upstream write back-pressure timeout")
	fs.DurationVar(&cfg.DisconnectGrace, "disconnect-grace", cfg.DisconnectGrace, "grace period to drain frames on manual disconnect")
	fs.IntVar(&cfg.TransportWriteHighwater, "transport-write-highwater", cfg.TransportWriteHighwater, "max queued frames before a transport is closed")
	fs.Float64Var(&cfg.RateLimitPerSec, "rate-limit-per-sec", cfg.RateLimitPerSec, "sustained frames/sec allowed per transport")
	fs.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "max raw frame size in bytes")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Debug = parseBool(os.Getenv("DEBUG"))

	if cfg.HistoryBytesMax <= 0 || cfg.HistoryLinesMax <= 0 || cfg.CommandQueueMax <= 0 {
		return Config{}, fmt.Errorf("history and queue limits must be positive")
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
