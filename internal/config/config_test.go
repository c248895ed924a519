package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforge-io/flowforge/internal/flow"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CoordinatorAddr() != "127.0.0.1:8080" {
		t.Fatalf("addr = %s", cfg.CoordinatorAddr())
	}
	if cfg.ExecutionMode != flow.Development || cfg.MaxParallelNodes != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.CancelGrace != 2*time.Second {
		t.Fatalf("grace = %s", cfg.CancelGrace)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_PORT", "9999")
	t.Setenv("EXECUTION_MODE", "performance")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CACHE_MAX_BYTES", "1048576")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CoordinatorPort != 9999 || cfg.ExecutionMode != flow.Performance {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != zerolog.DebugLevel || cfg.CacheMaxBytes != 1<<20 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestConfigFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowforge.yaml")
	doc := "coordinator_port: 7000\nexecution_mode: performance\nsample_rows: 25\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWFORGE_CONFIG", path)
	t.Setenv("COORDINATOR_PORT", "7001")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	// env beats file, file beats default
	if cfg.CoordinatorPort != 7001 || cfg.SampleRows != 25 || cfg.ExecutionMode != flow.Performance {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowforge.yaml")
	if err := os.WriteFile(path, []byte("coordinator_prot: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOWFORGE_CONFIG", path)
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestBadValuesAreErrors(t *testing.T) {
	t.Setenv("COORDINATOR_PORT", "not-a-port")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for bad COORDINATOR_PORT")
	}
}
