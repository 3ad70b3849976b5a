package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oriys/vmrunner/internal/circuitbreaker"
	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/queue"
	"github.com/oriys/vmrunner/internal/tracing"
)

// SupervisorConfig holds everything the Supervisor needs to turn a Job
// into a running VM Instance.
type SupervisorConfig struct {
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	LogDir         string
	TmpDir         string
	BootTimeout    time.Duration
	DefaultTimeout time.Duration
	DefaultVCPU    int
	DefaultMemMiB  int

	// Breaker configures the per-runtime circuit breaker that protects the
	// daemon from repeatedly spawning VMs for a runtime whose boots keep
	// failing. Zero value disables circuit breaking entirely.
	Breaker circuitbreaker.Config
}

// Result is what Submit returns once a job's VM has been torn down.
type Result struct {
	VmId     VmId
	ExitCode int
	Duration time.Duration
}

// Supervisor is the single entry point binding job intake to VM
// lifecycle: one job in, one VM up for the job's duration, one
// guaranteed teardown. Grounded on spec.md §4.7's "Submit(ctx, Job)
// (Result, error) is the single entry point" and on oriys-nova's
// executor/worker pattern of one goroutine owning one job's full
// lifecycle rather than a shared dispatch loop.
type Supervisor struct {
	cfg      SupervisorConfig
	taps     *TAPPool
	overlays *OverlayPool
	breakers *circuitbreaker.Registry
}

// NewSupervisor constructs a Supervisor bound to the given resource pools.
func NewSupervisor(cfg SupervisorConfig, taps *TAPPool, overlays *OverlayPool) *Supervisor {
	return &Supervisor{cfg: cfg, taps: taps, overlays: overlays, breakers: circuitbreaker.NewRegistry()}
}

// Submit boots one microVM for job, waits for it to either finish on
// its own or hit the job's timeout, and guarantees the VM is torn down
// before returning. A job-level timeout always wins over a longer
// BootTimeout wall-clock budget: the VM gets BootTimeout to reach
// running, then whatever of the job timeout remains to execute.
func (s *Supervisor) Submit(ctx context.Context, job queue.Job) (Result, error) {
	ctx, span := tracing.StartJobSpan(ctx, job.RequestID, job.Runtime)
	defer span.End()

	vmId, err := newVmId()
	if err != nil {
		tracing.EndJobSpan(span, "", 0, err)
		return Result{}, err
	}

	breaker := s.breakers.Get(job.Runtime, s.cfg.Breaker)
	if breaker != nil && !breaker.Allow() {
		rejectErr := newErr(KindExhausted, "supervisor.submit",
			fmt.Errorf("circuit open for runtime %q: too many recent boot failures", job.Runtime))
		tracing.EndJobSpan(span, string(vmId), 0, rejectErr)
		return Result{}, rejectErr
	}

	timeout := s.cfg.DefaultTimeout
	if job.TimeoutS > 0 {
		timeout = time.Duration(job.TimeoutS) * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	vcpus := job.VCPUCount
	if vcpus <= 0 {
		vcpus = s.cfg.DefaultVCPU
	}
	mem := job.MemSizeMiB
	if mem <= 0 {
		mem = s.cfg.DefaultMemMiB
	}

	spec := VMSpec{
		Id:             vmId,
		VCPUCount:      vcpus,
		MemSizeMiB:     mem,
		KernelPath:     s.cfg.KernelPath,
		RootfsPath:     s.cfg.RootfsPath,
		FirecrackerBin: s.cfg.FirecrackerBin,
		LogDir:         s.cfg.LogDir,
		BootTimeout:    s.cfg.BootTimeout,
	}
	vm := NewVM(spec, s.cfg.TmpDir, s.taps, s.overlays)

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Op().Info("submitting job", "vm_id", vmId, "request_id", job.RequestID, "timeout", timeout)

	if err := vm.Start(jobCtx); err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		startErr := fmt.Errorf("vm %s failed to start: %w", vmId, err)
		tracing.EndJobSpan(span, string(vmId), 0, startErr)
		return Result{VmId: vmId}, startErr
	}

	// The agent-execution path that drives work inside the guest over
	// vsock is out of scope; here we just hold the VM open until the
	// job's context expires or the hypervisor exits on its own.
	exitCode, waitErr := vm.WaitForExit(jobCtx, timeout)
	duration := vm.Uptime()

	switch vm.State() {
	case VMStateRunning:
		if stopErr := vm.Stop(context.Background()); stopErr != nil {
			logging.Op().Warn("graceful stop failed, killing", "vm_id", vmId, "error", stopErr)
			vm.Kill()
		}
	case VMStateStopped, VMStateError:
		// monitor() already ran cleanup.
	default:
		vm.Kill()
	}

	result := Result{VmId: vmId, ExitCode: exitCode, Duration: duration}

	if breaker != nil {
		if waitErr != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	s.captureOutput(job.RequestID, vmId)
	logging.Default().Log(&logging.RequestLog{
		RequestID:  job.RequestID,
		VmId:       string(vmId),
		Runtime:    job.Runtime,
		DurationMs: duration.Milliseconds(),
		ExitCode:   exitCode,
		Success:    waitErr == nil,
		Error:      errString(waitErr),
	})

	if waitErr != nil && !IsKind(waitErr, KindTransport) {
		tracing.EndJobSpan(span, string(vmId), duration.Milliseconds(), waitErr)
		return result, waitErr
	}
	tracing.EndJobSpan(span, string(vmId), duration.Milliseconds(), nil)
	return result, nil
}

// BreakerStates returns the current circuit breaker state per runtime
// that has taken at least one job, for observability.
func (s *Supervisor) BreakerStates() map[string]string {
	return s.breakers.Snapshot()
}

// captureOutput archives the VM's console log (written by Start to
// {LogDir}/{vmId}.log) into the output store, if one is configured.
// The log lives under LogDir rather than the workDir, so it survives
// cleanup's removal of the workDir.
func (s *Supervisor) captureOutput(requestID string, vmId VmId) {
	store := logging.GetOutputStore()
	if store == nil {
		return
	}
	path := filepath.Join(s.cfg.LogDir, string(vmId)+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	store.Store(requestID, string(vmId), string(data), "")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
