package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_HasSaneValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Runner.RunnerName == "" {
		t.Fatal("expected a non-empty default runner name")
	}
	if cfg.TAPPool.Size <= 0 || cfg.OverlayPool.Size <= 0 {
		t.Fatal("expected positive default pool sizes")
	}
	if cfg.VM.BootTimeout <= 0 {
		t.Fatal("expected a positive default boot timeout")
	}
}

func TestLoadFromFile_OverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	contents := `{"runner":{"runner_name":"custom-runner"},"tap_pool":{"size":4}}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Runner.RunnerName != "custom-runner" {
		t.Fatalf("expected overridden runner name, got %q", cfg.Runner.RunnerName)
	}
	if cfg.TAPPool.Size != 4 {
		t.Fatalf("expected overridden tap pool size 4, got %d", cfg.TAPPool.Size)
	}
	// Untouched sections should retain defaults.
	if cfg.Observability.LogFormat != "text" {
		t.Fatalf("expected default log format to survive, got %q", cfg.Observability.LogFormat)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("RUNNER_NAME", "env-runner")
	t.Setenv("RUNNER_VM_VCPUS", "4")
	t.Setenv("RUNNER_VM_BOOT_TIMEOUT", "15s")
	t.Setenv("RUNNER_QUEUE_ADDR", "redis.internal:6379")
	t.Setenv("RUNNER_METRICS_ENABLED", "false")
	t.Setenv("RUNNER_TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("RUNNER_BREAKER_ERROR_PCT", "75")
	t.Setenv("RUNNER_BREAKER_OPEN_DURATION", "1m")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Runner.RunnerName != "env-runner" {
		t.Fatalf("expected env override for runner name, got %q", cfg.Runner.RunnerName)
	}
	if cfg.VM.Vcpus != 4 {
		t.Fatalf("expected 4 vcpus, got %d", cfg.VM.Vcpus)
	}
	if cfg.VM.BootTimeout != 15*time.Second {
		t.Fatalf("expected 15s boot timeout, got %s", cfg.VM.BootTimeout)
	}
	if cfg.Queue.Addr != "redis.internal:6379" || !cfg.Queue.Enabled {
		t.Fatalf("expected queue addr override to also enable the queue, got %+v", cfg.Queue)
	}
	if cfg.Observability.MetricsEnabled {
		t.Fatal("expected metrics to be disabled by env override")
	}
	if cfg.Observability.TracingSample != 0.25 {
		t.Fatalf("expected tracing sample 0.25, got %f", cfg.Observability.TracingSample)
	}
	if cfg.Breaker.ErrorPct != 75 {
		t.Fatalf("expected breaker error pct 75, got %f", cfg.Breaker.ErrorPct)
	}
	if cfg.Breaker.OpenDuration != time.Minute {
		t.Fatalf("expected breaker open duration 1m, got %s", cfg.Breaker.OpenDuration)
	}
}

func TestLoadFromEnv_IgnoresUnsetVars(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	LoadFromEnv(cfg)
	if *cfg != before {
		t.Fatal("expected config to be unchanged when no RUNNER_* vars are set")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Fatalf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}
