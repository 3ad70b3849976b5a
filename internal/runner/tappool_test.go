package runner

import (
	"strings"
	"testing"
)

func fakeCommandRunner(t *testing.T) (commandRunner, func() []string) {
	var calls []string
	run := func(name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return []byte("ok"), nil
	}
	return run, func() []string { return calls }
}

func newTestTAPPool(t *testing.T) (*TAPPool, *IPPool) {
	ips, err := NewIPPool("10.201.0.0/28")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}
	cfg := TAPPoolConfig{
		RunnerName:         "test-runner",
		Size:               3,
		ReplenishThreshold: 1,
		BridgeName:         "vmrbr0",
		BridgeIP:           "10.201.0.1",
		BridgeNetmask:      "28",
	}
	pool := NewTAPPool(cfg, ips)
	run, _ := fakeCommandRunner(t)
	pool.run = run
	return pool, ips
}

func TestTAPPool_InitFillsQueue(t *testing.T) {
	pool, _ := newTestTAPPool(t)
	if err := pool.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if pool.Size() != 3 {
		t.Fatalf("expected 3 free TAPs, got %d", pool.Size())
	}
}

func TestTAPPool_AcquireRelease(t *testing.T) {
	pool, _ := newTestTAPPool(t)
	if err := pool.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	net, err := pool.Acquire(VmId("deadbeef"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if net.TapDevice == "" || net.GuestMac == "" || net.GuestIP == "" {
		t.Fatalf("expected fully populated network config, got %+v", net)
	}
	if pool.InUseCount() != 1 {
		t.Fatalf("expected 1 in use, got %d", pool.InUseCount())
	}

	pool.Release(net.TapDevice, net.GuestIP)
	if pool.InUseCount() != 0 {
		t.Fatalf("expected 0 in use after release, got %d", pool.InUseCount())
	}
}

func TestTAPPool_AcquireOnDemandWhenEmpty(t *testing.T) {
	pool, _ := newTestTAPPool(t)
	cfgCopy := pool.cfg
	cfgCopy.Size = 0
	pool.cfg = cfgCopy
	if err := pool.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if pool.Size() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Size())
	}

	net, err := pool.Acquire(VmId("cafef00d"))
	if err != nil {
		t.Fatalf("Acquire on-demand: %v", err)
	}
	if net.TapDevice == "" {
		t.Fatal("expected a TAP device to be created on demand")
	}
}

func TestDeriveMac_Deterministic(t *testing.T) {
	a := deriveMac(VmId("abcd1234"))
	b := deriveMac(VmId("abcd1234"))
	if a != b {
		t.Fatalf("expected deterministic MAC, got %s vs %s", a, b)
	}
	c := deriveMac(VmId("00000000"))
	if a == c {
		t.Fatal("expected different VmIds to (almost certainly) derive different MACs")
	}
	if !strings.HasPrefix(a, "02:FC:00:") {
		t.Fatalf("expected locally-administered OUI prefix, got %s", a)
	}
}
