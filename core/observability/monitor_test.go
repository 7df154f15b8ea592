package observability

import (
	"testing"
	"time"
)

func TestExchangeMonitor(t *testing.T) {
	m := NewExchangeMonitor()

	m.Record("GET /messages", 10*time.Millisecond, false)
	m.Record("GET /messages", 20*time.Millisecond, false)
	m.Record("GET /messages", 30*time.Millisecond, true)

	rm := m.Route("GET /messages")
	if rm == nil {
		t.Fatal("Route metrics not found")
	}
	if count := rm.Count.Load(); count != 3 {
		t.Errorf("Expected 3 exchanges, got %d", count)
	}
	if avg := rm.Average(); avg != 20*time.Millisecond {
		t.Errorf("Expected 20ms avg, got %v", avg)
	}
	if min := time.Duration(rm.MinDuration.Load()); min != 10*time.Millisecond {
		t.Errorf("Expected 10ms min, got %v", min)
	}
	if max := time.Duration(rm.MaxDuration.Load()); max != 30*time.Millisecond {
		t.Errorf("Expected 30ms max, got %v", max)
	}

	var total uint64
	for _, c := range rm.Buckets() {
		total += c
	}
	if total != 3 {
		t.Errorf("Expected 3 histogram entries, got %d", total)
	}
}

func TestBottlenecks(t *testing.T) {
	m := NewExchangeMonitor()

	for i := 0; i < 10; i++ {
		m.Record("POST /join", 150*time.Millisecond, false)
		m.Record("GET /", time.Millisecond, i%2 == 0)
	}
	m.Record("GET /fast", time.Millisecond, false)

	got := m.Bottlenecks()
	if len(got) != 2 {
		t.Fatalf("Expected 2 bottlenecks, got %+v", got)
	}
	if got[0].Type != "errors" || got[0].Route != "GET /" {
		t.Errorf("Expected error bottleneck first, got %+v", got[0])
	}
	if got[1].Type != "latency" || got[1].Route != "POST /join" {
		t.Errorf("Expected latency bottleneck second, got %+v", got[1])
	}
}

func TestDisabledMonitor(t *testing.T) {
	m := NewExchangeMonitor()
	m.SetEnabled(false)
	m.Record("GET /", time.Millisecond, false)

	if m.Route("GET /") != nil {
		t.Error("Disabled monitor should not record")
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.Accepted()
	s.Accepted()
	s.Closed()
	s.Read(10)
	s.Wrote(4)
	s.Message()

	snap := s.Snapshot()
	if snap.Active != 1 || snap.BytesIn != 10 || snap.BytesOut != 4 || snap.Messages != 1 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	var nilStats *Stats
	nilStats.Accepted()
	if nilStats.Snapshot() != (Snapshot{}) {
		t.Error("nil Stats should report zero snapshot")
	}
}

func BenchmarkRecord(b *testing.B) {
	m := NewExchangeMonitor()
	d := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Record("GET /messages", d, false)
	}
}
