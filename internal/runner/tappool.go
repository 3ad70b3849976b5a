package runner

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/metrics"
)

const tapPoolMetricName = "tap"

// TAPPoolConfig configures the TAP Pool (C2), per spec.md §4.2.
type TAPPoolConfig struct {
	RunnerName         string
	Size               int
	ReplenishThreshold int
	BridgeName         string
	BridgeIP           string
	BridgeNetmask      string
}

// commandRunner executes a host command and returns combined output.
// Overridable in tests so pool logic can be exercised without root or a
// real bridge, matching emergent-company-emergent's injectable-func idiom
// (pkg/syshealth/monitor.go's getLoadAvg/getCPUTimes/getMemStats).
type commandRunner func(name string, args ...string) ([]byte, error)

func defaultCommandRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// TAPPool maintains a pre-created queue of TAP devices slaved to a host
// bridge. Acquire yields a full VMNetworkConfig (TAP, MAC, IP); release
// takes it back.
type TAPPool struct {
	cfg    TAPPoolConfig
	prefix string // stable 8-hex MD5 prefix derived from RunnerName
	ips    *IPPool
	run    commandRunner

	pool         *resourcePool[string]
	nextIndex    atomic.Uint64
	replenishing atomic.Bool
	initialized  atomic.Bool
	bridgeReady  atomic.Bool
}

// NewTAPPool constructs a TAP Pool. Init must be called once before use.
func NewTAPPool(cfg TAPPoolConfig, ips *IPPool) *TAPPool {
	sum := md5.Sum([]byte(cfg.RunnerName))
	return &TAPPool{
		cfg:    cfg,
		prefix: hex.EncodeToString(sum[:])[:8],
		ips:    ips,
		run:    defaultCommandRunner,
		pool:   newResourcePool[string](),
	}
}

func (p *TAPPool) tapName(index uint64) string {
	return fmt.Sprintf("vm0%s%03d", p.prefix, index)
}

// Init scans for orphan TAPs whose name starts with this runner's
// prefix, deletes them, then creates Size TAPs and pushes them onto the
// free queue. Safe to call more than once; each call fully replaces
// prior pool state (spec.md §5: "double-init is safe but discards the
// old queue").
func (p *TAPPool) Init() error {
	if err := p.ensureBridge(); err != nil {
		return err
	}

	existing, err := p.listTapInterfaces()
	if err != nil {
		return newErr(KindHostOp, "tappool.init.list", err)
	}
	for _, name := range existing {
		if strings.HasPrefix(name, "vm0"+p.prefix) {
			p.deleteTap(name)
			logging.Op().Info("reaped stale TAP", "tap", name)
		}
	}

	p.pool.replaceAll()
	p.nextIndex.Store(0)

	created := make([]string, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		idx := p.nextIndex.Add(1) - 1
		name := p.tapName(idx)
		if err := p.createTap(name); err != nil {
			metrics.Global().RecordPoolCreateFailed(tapPoolMetricName)
			return newErr(KindHostOp, "tappool.init.create", err)
		}
		metrics.Global().RecordPoolCreate(tapPoolMetricName)
		created = append(created, name)
	}
	p.pool.fill(created)
	p.initialized.Store(true)
	return nil
}

// Acquire pops a TAP from the queue (creating one on-demand if empty),
// allocates an IP, derives and sets the MAC, and flushes stale ARP.
// On any failure after the TAP is obtained, the TAP is returned/deleted
// and the IP released.
func (p *TAPPool) Acquire(vmId VmId) (VMNetworkConfig, error) {
	tap, onDemand, err := p.popOrCreate()
	if err != nil {
		metrics.Global().RecordPoolExhausted(tapPoolMetricName)
		return VMNetworkConfig{}, err
	}
	metrics.Global().RecordPoolAcquire(tapPoolMetricName)
	metrics.Global().SetPoolDepth(tapPoolMetricName, p.pool.size(), p.pool.inUseCount())

	rollbackTap := func() {
		if onDemand {
			p.deleteTap(tap)
		} else {
			p.pool.release(tap)
		}
	}

	ip, err := p.ips.Allocate(vmId)
	if err != nil {
		rollbackTap()
		return VMNetworkConfig{}, err
	}

	mac := deriveMac(vmId)
	if err := p.setMac(tap, mac); err != nil {
		p.ips.Release(ip)
		rollbackTap()
		return VMNetworkConfig{}, newErr(KindHostOp, "tappool.acquire.setmac", err)
	}
	p.flushArp(ip)

	if !onDemand {
		p.maybeReplenish()
	}

	return VMNetworkConfig{
		TapDevice: tap,
		GuestMac:  mac,
		GuestIP:   ip,
		GatewayIP: p.cfg.BridgeIP,
		Netmask:   p.cfg.BridgeNetmask,
	}, nil
}

func (p *TAPPool) popOrCreate() (tap string, onDemand bool, err error) {
	if t, ok := p.pool.acquire(); ok {
		return t, false, nil
	}
	idx := p.nextIndex.Add(1) - 1
	name := p.tapName(idx)
	if err := p.createTap(name); err != nil {
		metrics.Global().RecordPoolCreateFailed(tapPoolMetricName)
		return "", false, newErr(KindHostOp, "tappool.acquire.create", err)
	}
	metrics.Global().RecordPoolCreate(tapPoolMetricName)
	p.pool.forceReserve(name)
	return name, true, nil
}

// maybeReplenish spawns a single background replenishment task if the
// free depth has dropped below the configured threshold and no
// replenishment is already running (single-flight).
func (p *TAPPool) maybeReplenish() {
	if p.pool.size() >= p.cfg.ReplenishThreshold {
		return
	}
	if !p.replenishing.CompareAndSwap(false, true) {
		return
	}
	go p.replenish()
}

func (p *TAPPool) replenish() {
	defer p.replenishing.Store(false)

	deficit := p.cfg.Size - p.pool.size()
	if deficit <= 0 {
		return
	}

	type result struct {
		name string
		err  error
	}
	results := make(chan result, deficit)
	for i := 0; i < deficit; i++ {
		idx := p.nextIndex.Add(1) - 1
		go func(idx uint64) {
			name := p.tapName(idx)
			err := p.createTap(name)
			results <- result{name: name, err: err}
		}(idx)
	}

	created := make([]string, 0, deficit)
	for i := 0; i < deficit; i++ {
		r := <-results
		if r.err != nil {
			logging.Op().Warn("tap replenishment failed", "tap", r.name, "error", r.err)
			metrics.Global().RecordPoolCreateFailed(tapPoolMetricName)
			continue
		}
		metrics.Global().RecordPoolCreate(tapPoolMetricName)
		created = append(created, r.name)
	}
	p.pool.fill(created)
	metrics.Global().SetPoolDepth(tapPoolMetricName, p.pool.size(), p.pool.inUseCount())
}

// Release releases the IP, flushes ARP, and returns the TAP to the
// queue if it belongs to this pool's prefix and the pool is still
// initialized; otherwise it deletes the TAP outright. Idempotent with
// respect to missing resources.
func (p *TAPPool) Release(tapDevice, guestIp string) {
	p.ips.Release(guestIp)
	p.flushArp(guestIp)
	metrics.Global().RecordPoolRelease(tapPoolMetricName)

	if strings.HasPrefix(tapDevice, "vm0"+p.prefix) && p.initialized.Load() {
		p.pool.release(tapDevice)
	} else {
		p.deleteTap(tapDevice)
		p.pool.drop(tapDevice)
		metrics.Global().RecordPoolDelete(tapPoolMetricName)
	}
	metrics.Global().SetPoolDepth(tapPoolMetricName, p.pool.size(), p.pool.inUseCount())
}

// Shutdown marks the pool uninitialized and fire-and-forget deletes all
// queued TAPs. The next Init() reaps any survivors via the prefix scan,
// which is why the prefix is a stable hash rather than a per-run value.
func (p *TAPPool) Shutdown() {
	p.initialized.Store(false)
	queued := p.pool.drainFree()
	go func() {
		for _, tap := range queued {
			p.deleteTap(tap)
		}
	}()
}

func (p *TAPPool) Size() int       { return p.pool.size() }
func (p *TAPPool) InUseCount() int { return p.pool.inUseCount() }

// deriveMac creates a locally-administered, unicast MAC address from a
// VmId. Determinism is required so the in-guest boot argument can embed
// the expected MAC ahead of time. Grounded verbatim on oriys-nova's
// internal/firecracker/network.go generateMAC.
func deriveMac(vmId VmId) string {
	h := 0
	for _, c := range string(vmId) {
		h = h*31 + int(c)
	}
	return fmt.Sprintf("02:FC:00:%02X:%02X:%02X", (h>>16)&0xFF, (h>>8)&0xFF, h&0xFF)
}

func (p *TAPPool) ensureBridge() error {
	if p.bridgeReady.Load() {
		return nil
	}
	bridge := p.cfg.BridgeName

	if _, err := p.run("ip", "link", "show", bridge); err != nil {
		if out, err := p.run("ip", "link", "add", bridge, "type", "bridge"); err != nil {
			return fmt.Errorf("create bridge: %s: %w", out, err)
		}
	}

	p.run("ip", "addr", "flush", "dev", bridge)
	cidr := p.cfg.BridgeIP + "/" + p.cfg.BridgeNetmask
	if out, err := p.run("ip", "addr", "add", cidr, "dev", bridge); err != nil {
		if !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("set bridge ip: %s: %w", out, err)
		}
	}

	if out, err := p.run("ip", "link", "set", bridge, "up"); err != nil {
		return fmt.Errorf("bring up bridge: %s: %w", out, err)
	}

	p.bridgeReady.Store(true)
	return nil
}

func (p *TAPPool) createTap(tap string) error {
	if out, err := p.run("ip", "tuntap", "add", tap, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap: %s: %w", out, err)
	}
	if out, err := p.run("ip", "link", "set", tap, "master", p.cfg.BridgeName); err != nil {
		p.run("ip", "link", "del", tap)
		return fmt.Errorf("attach tap to bridge: %s: %w", out, err)
	}
	if out, err := p.run("ip", "link", "set", tap, "up"); err != nil {
		p.run("ip", "link", "del", tap)
		return fmt.Errorf("bring up tap: %s: %w", out, err)
	}
	return nil
}

func (p *TAPPool) deleteTap(tap string) {
	if tap != "" {
		p.run("ip", "link", "del", tap)
	}
}

func (p *TAPPool) setMac(tap, mac string) error {
	if out, err := p.run("ip", "link", "set", "dev", tap, "address", mac); err != nil {
		return fmt.Errorf("set mac: %s: %w", out, err)
	}
	return nil
}

// flushArp best-effort removes a stale neighbor entry for ip on the
// bridge. Failure is ignored per spec.md §6.
func (p *TAPPool) flushArp(ip string) {
	p.run("ip", "neigh", "del", ip, "dev", p.cfg.BridgeName)
}

func (p *TAPPool) listTapInterfaces() ([]string, error) {
	out, err := p.run("ip", "-o", "link", "show")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// format: "<idx>: <name>: <flags> ..."
		parts := strings.SplitN(line, ": ", 3)
		if len(parts) < 2 {
			continue
		}
		name := strings.SplitN(parts[1], "@", 2)[0]
		names = append(names, name)
	}
	return names, nil
}
