package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestMetrics_PoolLifecycleCounters(t *testing.T) {
	m := &Metrics{}

	m.RecordPoolCreate("tap")
	m.RecordPoolAcquire("tap")
	m.RecordPoolAcquire("tap")
	m.RecordPoolRelease("tap")
	m.RecordPoolExhausted("tap")
	m.RecordPoolDelete("tap")

	snap := m.Snapshot()
	pools, ok := snap["pools"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected pools map in snapshot, got %T", snap["pools"])
	}
	tap, ok := pools["tap"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected tap pool entry, got %v", pools)
	}
	if tap["acquired"] != int64(2) {
		t.Fatalf("expected 2 acquisitions, got %v", tap["acquired"])
	}
	if tap["released"] != int64(1) {
		t.Fatalf("expected 1 release, got %v", tap["released"])
	}
	if tap["exhausted"] != int64(1) {
		t.Fatalf("expected 1 exhaustion, got %v", tap["exhausted"])
	}
}

func TestMetrics_VMCounters(t *testing.T) {
	m := &Metrics{}
	m.RecordVMCreated()
	m.RecordVMCreated()
	m.RecordVMStopped()
	m.RecordVMCrashed()

	snap := m.Snapshot()
	vms, ok := snap["vms"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected vms map, got %T", snap["vms"])
	}
	if vms["created"] != int64(2) || vms["stopped"] != int64(1) || vms["crashed"] != int64(1) {
		t.Fatalf("unexpected vm counters: %+v", vms)
	}
}

func TestMetrics_JSONHandler(t *testing.T) {
	m := &Metrics{}
	m.RecordVMCreated()

	req := httptest.NewRequest("GET", "/metrics.json", nil)
	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatal("expected uptime_seconds field in JSON output")
	}
}

func TestPrometheus_InitAndScrape(t *testing.T) {
	InitPrometheus("vmrunner_test", nil)

	RecordPrometheusPoolOp("overlay", "acquire", "success")
	SetPrometheusPoolDepth("overlay", 3, 1)
	RecordPrometheusVMCreated()
	RecordPrometheusVMPhase("spawn", 120)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 from prometheus handler, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !containsAll(body, "vmrunner_test_pool_operations_total", "vmrunner_test_vms_created_total", "vmrunner_test_vm_phase_duration_milliseconds") {
		t.Fatalf("expected scrape output to contain registered metric families, got:\n%s", body)
	}
	if PrometheusRegistry() == nil {
		t.Fatal("expected a non-nil registry after InitPrometheus")
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !stringsContains(s, sub) {
			return false
		}
	}
	return true
}

func stringsContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
