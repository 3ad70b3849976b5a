package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/metrics"
)

const overlayPoolMetricName = "overlay"

// OverlayPoolConfig configures the Overlay Pool (C3), per spec.md §4.3.
type OverlayPoolConfig struct {
	RunnerName         string
	Dir                string
	SizeMB             int
	Size               int
	ReplenishThreshold int
}

// OverlayPool maintains a free queue of pre-formatted, sparse ext4 overlay
// files, each sized SizeMB, ready to be attached to a VM as its writable
// (non-root) overlay drive. Overlay files are single-use: Release deletes the file and
// drops its accounting rather than returning it to the queue, since a
// used overlay carries guest-written state that must not leak between
// VMs (spec.md §4.3 "overlays are never reused").
type OverlayPool struct {
	cfg OverlayPoolConfig

	pool         *resourcePool[string]
	replenishing atomic.Bool
	initialized  atomic.Bool
}

// NewOverlayPool constructs an Overlay Pool. Init must be called once
// before use.
func NewOverlayPool(cfg OverlayPoolConfig) *OverlayPool {
	return &OverlayPool{
		cfg:  cfg,
		pool: newResourcePool[string](),
	}
}

// overlayPath names a fresh overlay file overlay-{uuid}.ext4, per
// spec.md §3's PooledOverlay naming convention.
func (p *OverlayPool) overlayPath() string {
	return filepath.Join(p.cfg.Dir, fmt.Sprintf("overlay-%s.ext4", uuid.NewString()))
}

// Init removes any overlay files left over from a prior run under this
// runner's directory, then creates Size fresh sparse ext4 images and
// queues them.
func (p *OverlayPool) Init() error {
	if err := os.MkdirAll(p.cfg.Dir, 0o755); err != nil {
		return newErr(KindHostOp, "overlaypool.init.mkdir", err)
	}

	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return newErr(KindHostOp, "overlaypool.init.list", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "overlay-") && strings.HasSuffix(e.Name(), ".ext4") {
			path := filepath.Join(p.cfg.Dir, e.Name())
			if err := os.Remove(path); err != nil {
				logging.Op().Warn("failed to reap stale overlay", "path", path, "error", err)
			}
		}
	}

	p.pool.replaceAll()

	created := make([]string, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		path := p.overlayPath()
		if err := createOverlayFile(path, p.cfg.SizeMB); err != nil {
			metrics.Global().RecordPoolCreateFailed(overlayPoolMetricName)
			return newErr(KindHostOp, "overlaypool.init.create", err)
		}
		metrics.Global().RecordPoolCreate(overlayPoolMetricName)
		created = append(created, path)
	}
	p.pool.fill(created)
	p.initialized.Store(true)
	return nil
}

// Acquire pops a ready overlay file from the queue, creating one
// on-demand if the queue is empty, and triggers background
// replenishment when the free depth drops below the threshold.
func (p *OverlayPool) Acquire() (string, error) {
	if path, ok := p.pool.acquire(); ok {
		metrics.Global().RecordPoolAcquire(overlayPoolMetricName)
		metrics.Global().SetPoolDepth(overlayPoolMetricName, p.pool.size(), p.pool.inUseCount())
		p.maybeReplenish()
		return path, nil
	}

	path := p.overlayPath()
	if err := createOverlayFile(path, p.cfg.SizeMB); err != nil {
		metrics.Global().RecordPoolCreateFailed(overlayPoolMetricName)
		metrics.Global().RecordPoolExhausted(overlayPoolMetricName)
		return "", newErr(KindHostOp, "overlaypool.acquire.create", err)
	}
	metrics.Global().RecordPoolCreate(overlayPoolMetricName)
	metrics.Global().RecordPoolAcquire(overlayPoolMetricName)
	p.pool.forceReserve(path)
	p.maybeReplenish()
	return path, nil
}

func (p *OverlayPool) maybeReplenish() {
	if p.pool.size() >= p.cfg.ReplenishThreshold {
		return
	}
	if !p.replenishing.CompareAndSwap(false, true) {
		return
	}
	go p.replenish()
}

func (p *OverlayPool) replenish() {
	defer p.replenishing.Store(false)

	deficit := p.cfg.Size - p.pool.size()
	if deficit <= 0 {
		return
	}

	type result struct {
		path string
		err  error
	}
	results := make(chan result, deficit)
	for i := 0; i < deficit; i++ {
		go func() {
			path := p.overlayPath()
			err := createOverlayFile(path, p.cfg.SizeMB)
			results <- result{path: path, err: err}
		}()
	}

	created := make([]string, 0, deficit)
	for i := 0; i < deficit; i++ {
		r := <-results
		if r.err != nil {
			logging.Op().Warn("overlay replenishment failed", "path", r.path, "error", r.err)
			metrics.Global().RecordPoolCreateFailed(overlayPoolMetricName)
			continue
		}
		metrics.Global().RecordPoolCreate(overlayPoolMetricName)
		created = append(created, r.path)
	}
	p.pool.fill(created)
	metrics.Global().SetPoolDepth(overlayPoolMetricName, p.pool.size(), p.pool.inUseCount())
}

// Release deletes the overlay file and drops it from in-use bookkeeping.
// Overlays are never returned to the free queue (see type doc).
func (p *OverlayPool) Release(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("failed to remove overlay on release", "path", path, "error", err)
	}
	p.pool.drop(path)
	metrics.Global().RecordPoolRelease(overlayPoolMetricName)
	metrics.Global().RecordPoolDelete(overlayPoolMetricName)
	metrics.Global().SetPoolDepth(overlayPoolMetricName, p.pool.size(), p.pool.inUseCount())
}

// Shutdown fire-and-forget deletes all queued overlay files. The next
// Init() reaps any survivors via the directory scan.
func (p *OverlayPool) Shutdown() {
	p.initialized.Store(false)
	queued := p.pool.drainFree()
	go func() {
		for _, path := range queued {
			os.Remove(path)
		}
	}()
}

func (p *OverlayPool) Size() int       { return p.pool.size() }
func (p *OverlayPool) InUseCount() int { return p.pool.inUseCount() }

// createOverlayFile truncates a sparse file to sizeMB and formats it
// ext4. Grounded verbatim on oriys-nova's internal/firecracker/code_drive.go
// createTemplateDrive.
func createOverlayFile(path string, sizeMB int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if out, err := exec.Command("mkfs.ext4", "-F", "-q", path).CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %s: %w", out, err)
	}
	return nil
}
