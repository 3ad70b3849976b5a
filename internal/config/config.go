// Package config provides typed configuration for the runner: defaults,
// JSON file loading, and environment variable overrides, grounded on
// oriys-nova's internal/config/config.go struct-of-structs pattern.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// RunnerConfig holds the host-level settings every pool and VM Instance
// needs: binaries, image paths, directories, and the bridge network a
// VM's TAP device attaches to.
type RunnerConfig struct {
	RunnerName     string `json:"runner_name"`
	FirecrackerBin string `json:"firecracker_bin"`
	KernelPath     string `json:"kernel_path"`
	RootfsPath     string `json:"rootfs_path"`
	PoolDir        string `json:"pool_dir"`
	SocketDir      string `json:"socket_dir"`
	OutputDir      string `json:"output_dir"`
	BridgeName     string `json:"bridge_name"`
	BridgeIP       string `json:"bridge_ip"`
	BridgeNetmask  string `json:"bridge_netmask"`
	Subnet         string `json:"subnet"`
}

// PoolConfig configures one resource pool's target depth and
// replenishment trigger. Used independently for TAP and Overlay.
type PoolConfig struct {
	Size               int `json:"size"`
	ReplenishThreshold int `json:"replenish_threshold"`
}

// VMConfig holds the per-VM defaults a job can override.
type VMConfig struct {
	Vcpus       int           `json:"vcpus"`
	MemoryMB    int           `json:"memory_mb"`
	BootTimeout time.Duration `json:"boot_timeout"`
}

// ObservabilityConfig holds logging/metrics/tracing toggles.
type ObservabilityConfig struct {
	MetricsEnabled   bool    `json:"metrics_enabled"`
	MetricsNamespace string  `json:"metrics_namespace"`
	TracingEnabled   bool    `json:"tracing_enabled"`
	TracingEndpoint  string  `json:"tracing_endpoint"`
	TracingSample    float64 `json:"tracing_sample_rate"`
	LogLevel         string  `json:"log_level"`
	LogFormat        string  `json:"log_format"`
	OutputMaxBytes   int64   `json:"output_max_bytes"`
	OutputRetainS    int     `json:"output_retain_s"`
}

// DaemonConfig holds the long-running process's own settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
}

// QueueConfig configures the optional Redis-backed job intake surface.
type QueueConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	DB      int    `json:"db"`
}

// BreakerConfig configures the per-runtime circuit breaker that guards
// against repeatedly spawning VMs for a runtime whose boots keep failing.
// ErrorPct of 0 disables circuit breaking.
type BreakerConfig struct {
	ErrorPct       float64       `json:"error_pct"`
	WindowDuration time.Duration `json:"window_duration"`
	OpenDuration   time.Duration `json:"open_duration"`
	HalfOpenProbes int           `json:"half_open_probes"`
}

// Config is the central configuration struct embedding every component's
// settings.
type Config struct {
	Runner        RunnerConfig        `json:"runner"`
	TAPPool       PoolConfig          `json:"tap_pool"`
	OverlayPool   PoolConfig          `json:"overlay_pool"`
	VM            VMConfig            `json:"vm"`
	Daemon        DaemonConfig        `json:"daemon"`
	Queue         QueueConfig         `json:"queue"`
	Breaker       BreakerConfig       `json:"breaker"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			RunnerName:     "vmrunner",
			FirecrackerBin: "/usr/local/bin/firecracker",
			KernelPath:     "/var/lib/vmrunner/vmlinux",
			RootfsPath:     "/var/lib/vmrunner/rootfs.ext4",
			PoolDir:        "/var/lib/vmrunner/pool",
			SocketDir:      "/run/vmrunner",
			OutputDir:      "/var/lib/vmrunner/output",
			BridgeName:     "vmr0",
			BridgeIP:       "169.254.100.1",
			BridgeNetmask:  "255.255.255.0",
			Subnet:         "169.254.100.0/24",
		},
		TAPPool: PoolConfig{
			Size:               16,
			ReplenishThreshold: 4,
		},
		OverlayPool: PoolConfig{
			Size:               16,
			ReplenishThreshold: 4,
		},
		VM: VMConfig{
			Vcpus:       1,
			MemoryMB:    128,
			BootTimeout: 8 * time.Second,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "",
		},
		Queue: QueueConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Breaker: BreakerConfig{
			ErrorPct:       0,
			WindowDuration: time.Minute,
			OpenDuration:   30 * time.Second,
			HalfOpenProbes: 1,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:   true,
			MetricsNamespace: "vmrunner",
			TracingEnabled:   false,
			TracingEndpoint:  "localhost:4318",
			TracingSample:    1.0,
			LogLevel:         "info",
			LogFormat:        "text",
			OutputMaxBytes:   1 << 20,
			OutputRetainS:    3600,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, applied on top of
// DefaultConfig so an omitted section keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies RUNNER_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RUNNER_NAME"); v != "" {
		cfg.Runner.RunnerName = v
	}
	if v := os.Getenv("RUNNER_FIRECRACKER_BIN"); v != "" {
		cfg.Runner.FirecrackerBin = v
	}
	if v := os.Getenv("RUNNER_KERNEL_PATH"); v != "" {
		cfg.Runner.KernelPath = v
	}
	if v := os.Getenv("RUNNER_ROOTFS_PATH"); v != "" {
		cfg.Runner.RootfsPath = v
	}
	if v := os.Getenv("RUNNER_POOL_DIR"); v != "" {
		cfg.Runner.PoolDir = v
	}
	if v := os.Getenv("RUNNER_SOCKET_DIR"); v != "" {
		cfg.Runner.SocketDir = v
	}
	if v := os.Getenv("RUNNER_OUTPUT_DIR"); v != "" {
		cfg.Runner.OutputDir = v
	}
	if v := os.Getenv("RUNNER_BRIDGE_NAME"); v != "" {
		cfg.Runner.BridgeName = v
	}
	if v := os.Getenv("RUNNER_BRIDGE_IP"); v != "" {
		cfg.Runner.BridgeIP = v
	}
	if v := os.Getenv("RUNNER_BRIDGE_NETMASK"); v != "" {
		cfg.Runner.BridgeNetmask = v
	}
	if v := os.Getenv("RUNNER_SUBNET"); v != "" {
		cfg.Runner.Subnet = v
	}

	if v := os.Getenv("RUNNER_TAP_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TAPPool.Size = n
		}
	}
	if v := os.Getenv("RUNNER_TAP_POOL_REPLENISH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TAPPool.ReplenishThreshold = n
		}
	}
	if v := os.Getenv("RUNNER_OVERLAY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OverlayPool.Size = n
		}
	}
	if v := os.Getenv("RUNNER_OVERLAY_POOL_REPLENISH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OverlayPool.ReplenishThreshold = n
		}
	}

	if v := os.Getenv("RUNNER_VM_VCPUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VM.Vcpus = n
		}
	}
	if v := os.Getenv("RUNNER_VM_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VM.MemoryMB = n
		}
	}
	if v := os.Getenv("RUNNER_VM_BOOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.VM.BootTimeout = d
		}
	}

	if v := os.Getenv("RUNNER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}

	if v := os.Getenv("RUNNER_QUEUE_ENABLED"); v != "" {
		cfg.Queue.Enabled = parseBool(v)
	}
	if v := os.Getenv("RUNNER_QUEUE_ADDR"); v != "" {
		cfg.Queue.Addr = v
		cfg.Queue.Enabled = true
	}
	if v := os.Getenv("RUNNER_QUEUE_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.DB = n
		}
	}

	if v := os.Getenv("RUNNER_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Breaker.ErrorPct = f
		}
	}
	if v := os.Getenv("RUNNER_BREAKER_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.WindowDuration = d
		}
	}
	if v := os.Getenv("RUNNER_BREAKER_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.OpenDuration = d
		}
	}
	if v := os.Getenv("RUNNER_BREAKER_HALF_OPEN_PROBES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.HalfOpenProbes = n
		}
	}

	if v := os.Getenv("RUNNER_METRICS_ENABLED"); v != "" {
		cfg.Observability.MetricsEnabled = parseBool(v)
	}
	if v := os.Getenv("RUNNER_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.MetricsNamespace = v
	}
	if v := os.Getenv("RUNNER_TRACING_ENABLED"); v != "" {
		cfg.Observability.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("RUNNER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.TracingEndpoint = v
	}
	if v := os.Getenv("RUNNER_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.TracingSample = f
		}
	}
	if v := os.Getenv("RUNNER_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("RUNNER_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("RUNNER_OUTPUT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Observability.OutputMaxBytes = n
		}
	}
	if v := os.Getenv("RUNNER_OUTPUT_RETAIN_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Observability.OutputRetainS = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
