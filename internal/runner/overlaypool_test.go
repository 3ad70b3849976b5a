package runner

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireMkfsExt4(t *testing.T) {
	if _, err := exec.LookPath("mkfs.ext4"); err != nil {
		t.Skip("mkfs.ext4 not available in this environment")
	}
}

func newTestOverlayPool(t *testing.T) *OverlayPool {
	dir := t.TempDir()
	cfg := OverlayPoolConfig{
		RunnerName:         "test-runner",
		Dir:                dir,
		SizeMB:             8,
		Size:               2,
		ReplenishThreshold: 1,
	}
	return NewOverlayPool(cfg)
}

func TestOverlayPool_InitCreatesFiles(t *testing.T) {
	requireMkfsExt4(t)
	pool := newTestOverlayPool(t)
	if err := pool.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("expected 2 free overlays, got %d", pool.Size())
	}

	entries, err := os.ReadDir(pool.cfg.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 overlay files on disk, got %d", len(entries))
	}
}

func TestOverlayPool_InitReapsStaleFiles(t *testing.T) {
	pool := newTestOverlayPool(t)
	pool.cfg.Size = 0 // avoid mkfs dependency for this test

	stale := filepath.Join(pool.cfg.Dir, "overlay-stale.ext4")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}
	keep := filepath.Join(pool.cfg.Dir, "not-an-overlay.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed unrelated file: %v", err)
	}

	if err := pool.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale overlay file to be reaped")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatal("expected unrelated file to survive reaping")
	}
}

func TestOverlayPool_ReleaseDropsAndDeletes(t *testing.T) {
	pool := newTestOverlayPool(t)
	path := filepath.Join(pool.cfg.Dir, "overlay-manual.ext4")
	if err := os.WriteFile(path, []byte("fake-ext4"), 0o644); err != nil {
		t.Fatalf("seed overlay file: %v", err)
	}
	pool.pool.forceReserve(path)
	if pool.InUseCount() != 1 {
		t.Fatalf("expected 1 in use, got %d", pool.InUseCount())
	}

	pool.Release(path)

	if pool.InUseCount() != 0 {
		t.Fatalf("expected 0 in use after release, got %d", pool.InUseCount())
	}
	if pool.Size() != 0 {
		t.Fatal("expected overlay to not return to the free queue")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected overlay file to be deleted on release")
	}
}

func TestOverlayPool_ShutdownDrainsQueue(t *testing.T) {
	pool := newTestOverlayPool(t)
	a := filepath.Join(pool.cfg.Dir, "overlay-a.ext4")
	b := filepath.Join(pool.cfg.Dir, "overlay-b.ext4")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}
	pool.pool.fill([]string{a, b})

	pool.Shutdown()

	if pool.Size() != 0 {
		t.Fatalf("expected free queue drained, got %d", pool.Size())
	}
}
