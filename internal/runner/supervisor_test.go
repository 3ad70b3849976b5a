package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/vmrunner/internal/circuitbreaker"
	"github.com/oriys/vmrunner/internal/queue"
)

func TestNewSupervisor_HoldsConfigAndPools(t *testing.T) {
	taps := &TAPPool{}
	overlays := &OverlayPool{}
	cfg := SupervisorConfig{
		FirecrackerBin: "/usr/bin/firecracker",
		KernelPath:     "/vm/kernel",
		RootfsPath:     "/vm/rootfs.ext4",
		LogDir:         t.TempDir(),
		TmpDir:         t.TempDir(),
		BootTimeout:    2 * time.Second,
		DefaultTimeout: 30 * time.Second,
		DefaultVCPU:    1,
		DefaultMemMiB:  128,
	}

	s := NewSupervisor(cfg, taps, overlays)
	if s.cfg.FirecrackerBin != cfg.FirecrackerBin {
		t.Fatalf("expected firecracker bin to be retained, got %q", s.cfg.FirecrackerBin)
	}
	if s.taps != taps || s.overlays != overlays {
		t.Fatal("expected supervisor to hold the given pools")
	}
	if s.breakers == nil {
		t.Fatal("expected supervisor to hold a breaker registry")
	}
}

func TestSupervisor_Submit_RejectsFastWhenBreakerOpen(t *testing.T) {
	cfg := SupervisorConfig{
		LogDir: t.TempDir(),
		TmpDir: t.TempDir(),
		Breaker: circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   time.Minute,
			HalfOpenProbes: 1,
		},
	}
	// The overlay pool points at a directory that does not exist, so a
	// job that gets past the breaker fails at overlay creation instead of
	// touching the host.
	overlays := NewOverlayPool(OverlayPoolConfig{Dir: filepath.Join(t.TempDir(), "missing")})
	s := NewSupervisor(cfg, &TAPPool{}, overlays)

	// Trip the breaker for "python" before any VM is ever spawned.
	b := s.breakers.Get("python", cfg.Breaker)
	b.RecordFailure()
	b.RecordFailure()

	_, err := s.Submit(context.Background(), queue.Job{RequestID: "req-1", Runtime: "python"})
	if err == nil {
		t.Fatal("expected Submit to reject once the runtime's breaker is open")
	}
	if !IsKind(err, KindExhausted) {
		t.Fatalf("expected KindExhausted, got %v", err)
	}

	// A different runtime's breaker is independent and still closed.
	_, otherErr := s.Submit(context.Background(), queue.Job{RequestID: "req-2", Runtime: "node"})
	if otherErr != nil && IsKind(otherErr, KindExhausted) {
		t.Fatal("expected node's breaker to be unaffected by python's trip")
	}
}

func TestErrString(t *testing.T) {
	if got := errString(nil); got != "" {
		t.Fatalf("expected empty string for nil error, got %q", got)
	}
	if got := errString(errors.New("boom")); got != "boom" {
		t.Fatalf("expected 'boom', got %q", got)
	}
}

func TestSupervisorConfig_TimeoutDefaulting(t *testing.T) {
	// Mirrors the timeout-resolution rule in Supervisor.Submit: a job's
	// TimeoutS overrides DefaultTimeout, and a non-positive result falls
	// back to 30s.
	cfg := SupervisorConfig{DefaultTimeout: 10 * time.Second}

	resolve := func(job queue.Job) time.Duration {
		timeout := cfg.DefaultTimeout
		if job.TimeoutS > 0 {
			timeout = time.Duration(job.TimeoutS) * time.Second
		}
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return timeout
	}

	if got := resolve(queue.Job{}); got != 10*time.Second {
		t.Fatalf("expected default timeout 10s, got %s", got)
	}
	if got := resolve(queue.Job{TimeoutS: 5}); got != 5*time.Second {
		t.Fatalf("expected job timeout override 5s, got %s", got)
	}

	zeroDefaultCfg := SupervisorConfig{}
	zeroResolve := func(job queue.Job) time.Duration {
		timeout := zeroDefaultCfg.DefaultTimeout
		if job.TimeoutS > 0 {
			timeout = time.Duration(job.TimeoutS) * time.Second
		}
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return timeout
	}
	if got := zeroResolve(queue.Job{}); got != 30*time.Second {
		t.Fatalf("expected fallback timeout 30s, got %s", got)
	}
}
