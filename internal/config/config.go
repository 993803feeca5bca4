// Package config provides configuration management for tasker.
//
// There is no configuration file: everything is driven by defaults,
// environment variables, and command-line flags. Viper holds the merged
// view so gate thresholds and keyword maps stay overridable without
// hard-coding them at call sites.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DirName is the working directory owned by tasker.
	DirName = ".tasker"

	// EnvDir overrides the working directory location.
	EnvDir = "TASKER_DIR"
	// EnvLogLevel controls logging verbosity (debug, info, warn, error).
	EnvLogLevel = "TASKER_LOG_LEVEL"
	// EnvWorker overrides the worker command used by the supervisor.
	EnvWorker = "TASKER_WORKER"

	// DefaultLockTimeout bounds state lock acquisition.
	DefaultLockTimeout = 30 * time.Second
	// DefaultParallel is the worker-dispatch bound per batch.
	DefaultParallel = 3
)

// GateConfig holds planning-gate tuning.
type GateConfig struct {
	// SteelThreadCoverage is the required behavior-coverage fraction for
	// steel-thread behaviors.
	SteelThreadCoverage float64
	// Coverage is the required behavior-coverage fraction for everything else.
	Coverage float64
	// LeakageKeywords maps a task phase (as decimal string) to keywords
	// that belong to that phase. A task in an earlier phase mentioning
	// them fails the phase-leakage gate.
	LeakageKeywords map[string][]string
	// VerificationPrefixes are the recognized executable prefixes for
	// acceptance-criterion verification commands.
	VerificationPrefixes []string
}

// Config is the resolved runtime configuration.
type Config struct {
	// Dir is the absolute path to the .tasker working directory.
	Dir string
	// LockTimeout bounds advisory lock acquisition on the state file.
	LockTimeout time.Duration
	// Parallel is the max number of workers dispatched per batch.
	Parallel int
	// WorkerCmd is the external worker executable.
	WorkerCmd string
	// Gates holds planning-gate configuration.
	Gates GateConfig
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("lock_timeout", DefaultLockTimeout.String())
	v.SetDefault("parallel", DefaultParallel)
	v.SetDefault("worker", "tasker-worker")
	v.SetDefault("gates.steel_thread_coverage", 1.0)
	v.SetDefault("gates.coverage", 0.9)
	v.SetDefault("gates.leakage_keywords", map[string][]string{})
	v.SetDefault("gates.verification_prefixes", []string{
		"go test", "pytest", "npm test", "make test", "cargo test",
		"bash", "sh", "./",
	})
	v.SetEnvPrefix("TASKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves configuration from defaults and the environment.
func Load() *Config {
	v := newViper()

	timeout, err := time.ParseDuration(v.GetString("lock_timeout"))
	if err != nil || timeout < DefaultLockTimeout {
		timeout = DefaultLockTimeout
	}

	parallel := v.GetInt("parallel")
	if parallel < 1 {
		parallel = DefaultParallel
	}

	return &Config{
		Dir:         ResolveDir(""),
		LockTimeout: timeout,
		Parallel:    parallel,
		WorkerCmd:   v.GetString("worker"),
		Gates: GateConfig{
			SteelThreadCoverage:  v.GetFloat64("gates.steel_thread_coverage"),
			Coverage:             v.GetFloat64("gates.coverage"),
			LeakageKeywords:      v.GetStringMapStringSlice("gates.leakage_keywords"),
			VerificationPrefixes: v.GetStringSlice("gates.verification_prefixes"),
		},
	}
}

// ResolveDir returns the working directory, preferring the explicit
// override, then TASKER_DIR, then ./.tasker.
func ResolveDir(override string) string {
	dir := override
	if dir == "" {
		dir = os.Getenv(EnvDir)
	}
	if dir == "" {
		dir = DirName
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// Logger builds the process logger from TASKER_LOG_LEVEL.
func Logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
