package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/metrics"
)

// VMState is one of the five states a VM Instance passes through.
// Grounded on oriys-nova's internal/firecracker/vm.go VMState, expanded
// from four states (creating/running/paused/stopped) to the five
// spec.md §4.5 names: spec.md's microVMs are short-lived sandboxes with
// no pause/resume/snapshot lifecycle, but do distinguish "process
// spawned, API not yet configured" (configuring) from "InstanceStart
// issued" (running), and fold a failed boot's terminal state into
// error, a flavor of stopped reached by any failure path.
type VMState string

const (
	VMStateCreated     VMState = "created"
	VMStateConfiguring VMState = "configuring"
	VMStateRunning     VMState = "running"
	VMStateStopping    VMState = "stopping"
	VMStateStopped     VMState = "stopped"
	VMStateError       VMState = "error"
)

// VMSpec describes everything needed to boot one microVM, per spec.md
// §4.5's input set: { vmId, vcpus, memoryMb, kernelPath, rootfsPath,
// firecrackerBinary, workDir? }.
type VMSpec struct {
	Id             VmId
	VCPUCount      int
	MemSizeMiB     int
	KernelPath     string
	RootfsPath     string
	FirecrackerBin string
	LogDir         string
	BootTimeout    time.Duration
}

const guestCID = 3 // fixed per spec.md §4.4

// VM is one microVM instance: the spawned hypervisor process plus its
// API client, and the TAP/overlay resources it holds for its lifetime.
type VM struct {
	mu sync.RWMutex

	spec       VMSpec
	state      VMState
	workDir    string
	socketPath string
	vsockPath  string

	taps     *TAPPool
	overlays *OverlayPool

	net         VMNetworkConfig
	overlayPath string

	cmd       *exec.Cmd
	api       *APIClient
	startedAt time.Time
}

// workDirFor returns this VM's exclusive working directory, per spec.md §6:
// "{tmpdir}/vm0-vm-{vmId}/". The hypervisor's --api-sock is pointed at a
// socket inside it so "vm0-{vmId}" appears as a path segment, which is
// the contract Process Discovery's hypervisor parser relies on.
func workDirFor(tmpDir string, id VmId) string {
	return filepath.Join(tmpDir, fmt.Sprintf("vm0-vm-%s", id))
}

// NewVM allocates a VM Instance in the created state. Nothing is
// acquired or spawned until Start is called. taps/overlays are the
// shared pools this VM will acquire from and release back to.
func NewVM(spec VMSpec, tmpDir string, taps *TAPPool, overlays *OverlayPool) *VM {
	dir := workDirFor(tmpDir, spec.Id)
	return &VM{
		spec:       spec,
		state:      VMStateCreated,
		workDir:    dir,
		socketPath: filepath.Join(dir, "firecracker.sock"),
		vsockPath:  filepath.Join(dir, "vsock.sock"),
		taps:       taps,
		overlays:   overlays,
	}
}

func (v *VM) State() VMState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *VM) setState(s VMState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Start runs the full boot sequence from spec.md §4.5: create workDir,
// acquire overlay then network (sequentially, in that order, so an
// overlay-acquire failure never has to roll back a network and a
// workDir failure never leaks a network), spawn the hypervisor, wait
// for API readiness, configure everything in parallel, then
// InstanceStart. Any failure transitions to error and runs cleanup.
func (v *VM) Start(ctx context.Context) error {
	if v.State() != VMStateCreated {
		return newErr(KindInvariant, "vm.start", fmt.Errorf("vm %s not in created state", v.spec.Id))
	}

	if err := os.RemoveAll(v.workDir); err != nil {
		v.setState(VMStateError)
		return newErr(KindHostOp, "vm.start.workdir", err)
	}
	if err := os.MkdirAll(v.workDir, 0o755); err != nil {
		v.setState(VMStateError)
		return newErr(KindHostOp, "vm.start.workdir", err)
	}

	overlayPath, err := v.overlays.Acquire()
	if err != nil {
		v.cleanup()
		return err
	}
	v.mu.Lock()
	v.overlayPath = overlayPath
	v.mu.Unlock()

	net, err := v.taps.Acquire(v.spec.Id)
	if err != nil {
		v.cleanup()
		return err
	}
	v.mu.Lock()
	v.net = net
	v.mu.Unlock()

	logFile, err := os.Create(filepath.Join(v.spec.LogDir, string(v.spec.Id)+".log"))
	if err != nil {
		v.setState(VMStateError)
		v.cleanup()
		return newErr(KindSpawn, "vm.start.logfile", err)
	}

	spawnStart := time.Now()
	cmd := exec.Command(v.spec.FirecrackerBin, "--api-sock", v.socketPath)
	cmd.Dir = v.workDir
	cmd.Stdin = nil // detach stdin: spec.md §9 requires the hypervisor never block on terminal input
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		v.setState(VMStateError)
		v.cleanup()
		return newErr(KindSpawn, "vm.start.stdoutpipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		v.setState(VMStateError)
		v.cleanup()
		return newErr(KindSpawn, "vm.start.stderrpipe", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		v.setState(VMStateError)
		v.cleanup()
		return newErr(KindSpawn, "vm.start.spawn", err)
	}
	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go v.streamOutput(stdout, logFile, &streamWG)
	go v.streamOutput(stderr, logFile, &streamWG)
	go func() {
		streamWG.Wait()
		logFile.Close()
	}()
	metrics.Global().RecordVMPhase("spawn", time.Since(spawnStart).Milliseconds())

	v.mu.Lock()
	v.cmd = cmd
	v.state = VMStateConfiguring
	v.mu.Unlock()

	timeout := v.spec.BootTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	readyStart := time.Now()
	if err := waitForSocket(ctx, v.socketPath, cmd.Process, timeout); err != nil {
		v.setState(VMStateError)
		v.cleanup()
		return err
	}

	api := NewAPIClient(v.socketPath)
	v.mu.Lock()
	v.api = api
	v.mu.Unlock()

	if err := waitReady(ctx, api, cmd.Process, timeout); err != nil {
		v.setState(VMStateError)
		v.cleanup()
		return err
	}
	metrics.Global().RecordVMPhase("ready_wait", time.Since(readyStart).Milliseconds())

	configureStart := time.Now()
	if err := v.configureAll(ctx); err != nil {
		v.setState(VMStateError)
		v.cleanup()
		return err
	}
	metrics.Global().RecordVMPhase("configure", time.Since(configureStart).Milliseconds())

	startCallStart := time.Now()
	if err := api.Action(ctx, "InstanceStart"); err != nil {
		v.setState(VMStateError)
		v.cleanup()
		return newErr(KindAPI, "vm.start.instancestart", err)
	}
	metrics.Global().RecordVMPhase("start", time.Since(startCallStart).Milliseconds())

	v.mu.Lock()
	v.state = VMStateRunning
	v.startedAt = time.Now()
	v.mu.Unlock()

	metrics.Global().RecordVMCreated()
	go v.monitor()

	return nil
}

// configureAll issues all six independent configuration calls
// concurrently, per spec.md §4.5.1: machine-config, boot-source, root
// drive, overlay drive, network interface, vsock. This is the one
// deliberate deviation from oriys-nova's apiBoot, which issues these
// sequentially; golang.org/x/sync/errgroup fans them out and the first
// failure cancels the rest via gctx.
func (v *VM) configureAll(ctx context.Context) error {
	v.mu.RLock()
	net := v.net
	overlayPath := v.overlayPath
	v.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mem := v.spec.MemSizeMiB
		if mem <= 0 {
			mem = 128
		}
		vcpus := v.spec.VCPUCount
		if vcpus <= 0 {
			vcpus = 1
		}
		mc := map[string]interface{}{"vcpu_count": vcpus, "mem_size_mib": mem}
		if err := v.api.Put(gctx, "/machine-config", mc); err != nil {
			return newErr(KindAPI, "vm.configure.machine-config", err)
		}
		return nil
	})

	g.Go(func() error {
		bootArgs := fmt.Sprintf(
			"console=ttyS0 reboot=k panic=1 pci=off nomodules random.trust_cpu=on "+
				"quiet loglevel=0 nokaslr audit=0 numa=off mitigations=off noresume "+
				"init=/sbin/vm-init ip=%s::%s:%s::eth0:off",
			net.GuestIP, net.GatewayIP, net.Netmask,
		)
		bs := map[string]interface{}{
			"kernel_image_path": v.spec.KernelPath,
			"boot_args":         bootArgs,
		}
		if err := v.api.Put(gctx, "/boot-source", bs); err != nil {
			return newErr(KindAPI, "vm.configure.boot-source", err)
		}
		return nil
	})

	g.Go(func() error {
		root := map[string]interface{}{
			"drive_id":       "rootfs",
			"path_on_host":   v.spec.RootfsPath,
			"is_root_device": true,
			"is_read_only":   true,
		}
		if err := v.api.Put(gctx, "/drives/rootfs", root); err != nil {
			return newErr(KindAPI, "vm.configure.drive-rootfs", err)
		}
		return nil
	})

	g.Go(func() error {
		overlay := map[string]interface{}{
			"drive_id":       "overlay",
			"path_on_host":   overlayPath,
			"is_root_device": false,
			"is_read_only":   false,
		}
		if err := v.api.Put(gctx, "/drives/overlay", overlay); err != nil {
			return newErr(KindAPI, "vm.configure.drive-overlay", err)
		}
		return nil
	})

	g.Go(func() error {
		netIface := map[string]interface{}{
			"iface_id":      "eth0",
			"guest_mac":     net.GuestMac,
			"host_dev_name": net.TapDevice,
		}
		if err := v.api.Put(gctx, "/network-interfaces/eth0", netIface); err != nil {
			return newErr(KindAPI, "vm.configure.network", err)
		}
		return nil
	})

	g.Go(func() error {
		vs := map[string]interface{}{
			"vsock_id":  "vsock0",
			"guest_cid": guestCID,
			"uds_path":  v.vsockPath,
		}
		if err := v.api.Put(gctx, "/vsock", vs); err != nil {
			return newErr(KindAPI, "vm.configure.vsock", err)
		}
		return nil
	})

	return g.Wait()
}

// streamOutput consumes r line-at-a-time (spec.md §9: implementations
// MUST preserve line-at-a-time consumption of the hypervisor's
// stdout/stderr), writing each line to logFile prefixed with this VM's
// id and mirroring it through the operational logger.
func (v *VM) streamOutput(r io.Reader, logFile *os.File, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(logFile, "[%s] %s\n", v.spec.Id, line)
		logging.Op().Info("vm console", "vm_id", v.spec.Id, "line", line)
	}
}

// monitor waits for the hypervisor process to exit and, if the VM was
// not intentionally stopped first, transitions it to error and runs
// cleanup. Grounded on oriys-nova's internal/firecracker/vm_lifecycle.go
// monitorProcess.
func (v *VM) monitor() {
	v.mu.RLock()
	cmd := v.cmd
	v.mu.RUnlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()

	switch v.State() {
	case VMStateStopping, VMStateStopped, VMStateError:
		return
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	logging.Op().Error("vm process exited unexpectedly",
		"vm_id", v.spec.Id, "exit_code", exitCode, "error", err)
	metrics.Global().RecordVMCrashed()
	v.setState(VMStateError)
	v.cleanup()
}

// Stop is only valid from running: transition to stopping, best-effort
// SendCtrlAltDel (failure logged, not fatal), then run cleanup.
func (v *VM) Stop(ctx context.Context) error {
	if v.State() != VMStateRunning {
		return newErr(KindInvariant, "vm.stop", fmt.Errorf("vm %s not running", v.spec.Id))
	}
	v.setState(VMStateStopping)

	v.mu.RLock()
	api := v.api
	v.mu.RUnlock()
	if api != nil {
		if err := api.Action(ctx, "SendCtrlAltDel"); err != nil {
			logging.Op().Warn("send-ctrl-alt-del failed", "vm_id", v.spec.Id, "error", err)
		}
	}

	v.cleanup()
	return nil
}

// Kill is valid from any state: skip the graceful signal and clean up
// immediately.
func (v *VM) Kill() {
	v.cleanup()
}

// cleanup is idempotent and continues past individual failures,
// implementing spec.md §4.5's numbered cleanup sequence.
func (v *VM) cleanup() {
	v.mu.Lock()
	if v.state == VMStateStopped {
		v.mu.Unlock()
		return
	}
	cmd := v.cmd
	api := v.api
	net := v.net
	overlayPath := v.overlayPath
	v.mu.Unlock()

	// 1. child process, unmaskable terminate.
	if cmd != nil && cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		done := make(chan struct{})
		go func() { cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	if api != nil {
		api.Close()
	}

	// 2. release network config.
	if v.taps != nil && net.TapDevice != "" {
		v.taps.Release(net.TapDevice, net.GuestIP)
	}

	// 3. release overlay (delete file).
	if v.overlays != nil && overlayPath != "" {
		v.overlays.Release(overlayPath)
	}

	// 4. remove workDir recursively (socket + vsock socket go with it).
	if v.workDir != "" {
		if err := os.RemoveAll(v.workDir); err != nil {
			logging.Op().Warn("failed to remove vm workdir", "vm_id", v.spec.Id, "error", err)
		}
	}

	// 5. null owned references, transition to stopped.
	v.mu.Lock()
	v.cmd = nil
	v.api = nil
	v.state = VMStateStopped
	v.mu.Unlock()

	metrics.Global().RecordVMStopped()
}

// WaitForExit resolves when the hypervisor child reports exit, or
// immediately with 0 if there is no child. Returns an error on timeout.
func (v *VM) WaitForExit(ctx context.Context, timeout time.Duration) (int, error) {
	v.mu.RLock()
	cmd := v.cmd
	v.mu.RUnlock()
	if cmd == nil {
		return 0, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode(), nil
		}
		return 0, nil
	case <-ctx.Done():
		return 0, newErr(KindCancelled, "vm.waitforexit", ctx.Err())
	case <-time.After(timeout):
		return 0, newErr(KindTransport, "vm.waitforexit", fmt.Errorf("timed out after %s", timeout))
	}
}

func (v *VM) Pid() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cmd == nil || v.cmd.Process == nil {
		return 0
	}
	return v.cmd.Process.Pid
}

func (v *VM) Id() VmId { return v.spec.Id }

func (v *VM) Uptime() time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.startedAt.IsZero() {
		return 0
	}
	return time.Since(v.startedAt)
}
