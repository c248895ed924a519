// Package config loads runtime configuration from the environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/flowforge-io/flowforge/internal/flow"
)

// Config is the full runtime configuration of the coordinator and worker
// processes. Every field has a default; the environment overrides.
type Config struct {
	CoordinatorHost string
	CoordinatorPort int
	// WorkerBaseURL, when set, routes execution to a remote worker instead
	// of the in-process interpreter.
	WorkerBaseURL string
	WorkerPort    int

	CacheDir      string
	CacheMaxBytes int64
	StorageDir    string

	LogLevel      zerolog.Level
	ExecutionMode flow.ExecutionMode

	MaxParallelNodes int
	MaxInFlight      int64
	CancelGrace      time.Duration
	SampleRows       int
}

// fileConfig is the optional YAML config file, pointed at by
// FLOWFORGE_CONFIG. Environment variables override file values.
type fileConfig struct {
	CoordinatorHost  *string `yaml:"coordinator_host"`
	CoordinatorPort  *int    `yaml:"coordinator_port"`
	WorkerPort       *int    `yaml:"worker_port"`
	WorkerBaseURL    *string `yaml:"worker_base_url"`
	CacheDir         *string `yaml:"cache_dir"`
	CacheMaxBytes    *int64  `yaml:"cache_max_bytes"`
	StorageDir       *string `yaml:"storage_dir"`
	LogLevel         *string `yaml:"log_level"`
	ExecutionMode    *string `yaml:"execution_mode"`
	MaxParallelNodes *int    `yaml:"max_parallel_nodes"`
	MaxInFlight      *int64  `yaml:"max_in_flight"`
	CancelGraceMS    *int    `yaml:"cancel_grace_ms"`
	SampleRows       *int    `yaml:"sample_rows"`
}

// FromEnv builds a config from defaults, the optional config file, and
// the environment, in that order.
func FromEnv() (Config, error) {
	cfg := Config{
		CoordinatorHost:  "127.0.0.1",
		CoordinatorPort:  8080,
		WorkerPort:       9090,
		CacheDir:         ".flowforge/cache",
		StorageDir:       ".flowforge/flows",
		LogLevel:         zerolog.InfoLevel,
		ExecutionMode:    flow.Development,
		MaxParallelNodes: 4,
		MaxInFlight:      16,
		CancelGrace:      2 * time.Second,
		SampleRows:       100,
	}
	if path := os.Getenv("FLOWFORGE_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	cfg.CoordinatorHost = envString("COORDINATOR_HOST", cfg.CoordinatorHost)
	cfg.WorkerBaseURL = envString("WORKER_BASE_URL", cfg.WorkerBaseURL)
	cfg.CacheDir = envString("CACHE_DIR", cfg.CacheDir)
	cfg.StorageDir = envString("STORAGE_DIR", cfg.StorageDir)
	var err error
	if cfg.CoordinatorPort, err = envInt("COORDINATOR_PORT", cfg.CoordinatorPort); err != nil {
		return cfg, err
	}
	if cfg.WorkerPort, err = envInt("WORKER_PORT", cfg.WorkerPort); err != nil {
		return cfg, err
	}
	if cfg.CacheMaxBytes, err = envInt64("CACHE_MAX_BYTES", cfg.CacheMaxBytes); err != nil {
		return cfg, err
	}
	if cfg.MaxParallelNodes, err = envInt("MAX_PARALLEL_NODES", cfg.MaxParallelNodes); err != nil {
		return cfg, err
	}
	inFlight, err := envInt("MAX_IN_FLIGHT", int(cfg.MaxInFlight))
	if err != nil {
		return cfg, err
	}
	cfg.MaxInFlight = int64(inFlight)
	graceMS, err := envInt("CANCEL_GRACE_MS", int(cfg.CancelGrace/time.Millisecond))
	if err != nil {
		return cfg, err
	}
	cfg.CancelGrace = time.Duration(graceMS) * time.Millisecond
	if cfg.SampleRows, err = envInt("SAMPLE_ROWS", cfg.SampleRows); err != nil {
		return cfg, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		mode, err := flow.ParseExecutionMode(v)
		if err != nil {
			return cfg, fmt.Errorf("EXECUTION_MODE: %w", err)
		}
		cfg.ExecutionMode = mode
	}
	return cfg, nil
}

// CoordinatorAddr is the coordinator listen address.
func (c Config) CoordinatorAddr() string {
	return fmt.Sprintf("%s:%d", c.CoordinatorHost, c.CoordinatorPort)
}

// WorkerAddr is the worker listen address.
func (c Config) WorkerAddr() string {
	return fmt.Sprintf("%s:%d", c.CoordinatorHost, c.WorkerPort)
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("FLOWFORGE_CONFIG: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if fc.CoordinatorHost != nil {
		cfg.CoordinatorHost = *fc.CoordinatorHost
	}
	if fc.CoordinatorPort != nil {
		cfg.CoordinatorPort = *fc.CoordinatorPort
	}
	if fc.WorkerPort != nil {
		cfg.WorkerPort = *fc.WorkerPort
	}
	if fc.WorkerBaseURL != nil {
		cfg.WorkerBaseURL = *fc.WorkerBaseURL
	}
	if fc.CacheDir != nil {
		cfg.CacheDir = *fc.CacheDir
	}
	if fc.CacheMaxBytes != nil {
		cfg.CacheMaxBytes = *fc.CacheMaxBytes
	}
	if fc.StorageDir != nil {
		cfg.StorageDir = *fc.StorageDir
	}
	if fc.LogLevel != nil {
		lvl, err := zerolog.ParseLevel(*fc.LogLevel)
		if err != nil {
			return fmt.Errorf("%s: log_level: %w", path, err)
		}
		cfg.LogLevel = lvl
	}
	if fc.ExecutionMode != nil {
		mode, err := flow.ParseExecutionMode(*fc.ExecutionMode)
		if err != nil {
			return fmt.Errorf("%s: execution_mode: %w", path, err)
		}
		cfg.ExecutionMode = mode
	}
	if fc.MaxParallelNodes != nil {
		cfg.MaxParallelNodes = *fc.MaxParallelNodes
	}
	if fc.MaxInFlight != nil {
		cfg.MaxInFlight = *fc.MaxInFlight
	}
	if fc.CancelGraceMS != nil {
		cfg.CancelGrace = time.Duration(*fc.CancelGraceMS) * time.Millisecond
	}
	if fc.SampleRows != nil {
		cfg.SampleRows = *fc.SampleRows
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
