package runner

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func newTestVM(t *testing.T) *VM {
	spec := VMSpec{
		Id:             "test1234",
		VCPUCount:      1,
		MemSizeMiB:     128,
		KernelPath:     "/vm/kernel",
		RootfsPath:     "/vm/rootfs.ext4",
		FirecrackerBin: "/usr/bin/firecracker",
		LogDir:         t.TempDir(),
		BootTimeout:    time.Second,
	}
	return NewVM(spec, t.TempDir(), nil, nil)
}

// shortLivedCmd returns a started exec.Cmd that exits almost immediately,
// standing in for a spawned hypervisor process without invoking firecracker.
func shortLivedCmd(t *testing.T) *exec.Cmd {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start stand-in process: %v", err)
	}
	return cmd
}

func TestVM_Cleanup_IdempotentOnNeverStartedVM(t *testing.T) {
	v := newTestVM(t)

	v.cleanup()
	if got := v.State(); got != VMStateStopped {
		t.Fatalf("expected state stopped after first cleanup, got %q", got)
	}

	// second call must be a no-op, not a panic, even though cmd/api/net/
	// overlayPath were all never populated.
	v.cleanup()
	if got := v.State(); got != VMStateStopped {
		t.Fatalf("expected state to remain stopped after second cleanup, got %q", got)
	}
}

func TestVM_Monitor_NoopWhenCmdNil(t *testing.T) {
	v := newTestVM(t)
	v.setState(VMStateRunning)

	v.monitor()

	if got := v.State(); got != VMStateRunning {
		t.Fatalf("expected state unchanged when cmd is nil, got %q", got)
	}
}

func TestVM_Monitor_SkipsTransitionWhenAlreadyStopping(t *testing.T) {
	v := newTestVM(t)
	cmd := shortLivedCmd(t)
	v.mu.Lock()
	v.cmd = cmd
	v.mu.Unlock()

	// simulate a Stop() that already moved the VM out of running before
	// the stand-in process happens to exit.
	v.setState(VMStateStopping)

	v.monitor()

	if got := v.State(); got != VMStateStopping {
		t.Fatalf("expected monitor to leave state as stopping without running cleanup, got %q", got)
	}
}

func TestVM_Monitor_TransitionsToStoppedViaCleanupOnUnexpectedExit(t *testing.T) {
	v := newTestVM(t)
	cmd := shortLivedCmd(t)
	v.mu.Lock()
	v.cmd = cmd
	v.mu.Unlock()
	v.setState(VMStateRunning)

	v.monitor()

	if got := v.State(); got != VMStateStopped {
		t.Fatalf("expected monitor to run cleanup and land in stopped, got %q", got)
	}
	v.mu.RLock()
	cmdAfter := v.cmd
	v.mu.RUnlock()
	if cmdAfter != nil {
		t.Fatal("expected cleanup to clear v.cmd")
	}
}

func TestVM_Stop_RejectsNonRunningState(t *testing.T) {
	v := newTestVM(t) // state is created, not running

	err := v.Stop(context.Background())
	if err == nil {
		t.Fatal("expected an error stopping a non-running vm")
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rerr.Kind != KindInvariant {
		t.Fatalf("expected KindInvariant, got %v", rerr.Kind)
	}
	if got := v.State(); got != VMStateCreated {
		t.Fatalf("expected state unchanged on rejected stop, got %q", got)
	}
}

func TestVM_Kill_IsValidFromAnyStateAndIdempotent(t *testing.T) {
	v := newTestVM(t)
	v.setState(VMStateConfiguring)

	v.Kill()
	if got := v.State(); got != VMStateStopped {
		t.Fatalf("expected kill to drive state to stopped, got %q", got)
	}

	v.Kill() // idempotent, must not panic
	if got := v.State(); got != VMStateStopped {
		t.Fatalf("expected state to remain stopped, got %q", got)
	}
}

func TestVM_WaitForExit_ReturnsImmediatelyWhenNoCmd(t *testing.T) {
	v := newTestVM(t)

	code, err := v.WaitForExit(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}
