package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ExchangeMonitor tracks request/response exchanges per route
type ExchangeMonitor struct {
	enabled atomic.Bool
	routes  sync.Map // route -> *RouteMetrics

	// Thresholds used by Bottlenecks
	SlowThreshold  time.Duration
	ErrorThreshold float64
}

// RouteMetrics stores per-route metrics
type RouteMetrics struct {
	Route          string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(bucketBounds) + 1]atomic.Uint64
}

// Bottleneck describes a route that crossed a threshold
type Bottleneck struct {
	Type     string
	Route    string
	Severity int
	Details  string
}

// upper bounds of the latency histogram, the last bucket is open-ended
var bucketBounds = [...]time.Duration{
	100 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// NewExchangeMonitor creates an enabled monitor
func NewExchangeMonitor() *ExchangeMonitor {
	m := &ExchangeMonitor{
		SlowThreshold:  100 * time.Millisecond,
		ErrorThreshold: 0.05,
	}
	m.enabled.Store(true)
	return m
}

// SetEnabled toggles recording
func (m *ExchangeMonitor) SetEnabled(on bool) {
	m.enabled.Store(on)
}

// Record records one exchange for route
func (m *ExchangeMonitor) Record(route string, d time.Duration, isError bool) {
	if m == nil || !m.enabled.Load() {
		return
	}

	val, _ := m.routes.LoadOrStore(route, &RouteMetrics{Route: route})
	rm := val.(*RouteMetrics)

	rm.Count.Add(1)
	if isError {
		rm.Errors.Add(1)
	}

	ns := uint64(d.Nanoseconds())
	rm.TotalDuration.Add(ns)
	rm.observe(ns)
	rm.latencyBuckets[bucketFor(d)].Add(1)
}

func (rm *RouteMetrics) observe(d uint64) {
	for {
		min := rm.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if rm.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := rm.MaxDuration.Load()
		if d <= max {
			break
		}
		if rm.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucketFor(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// Average returns the mean exchange duration
func (rm *RouteMetrics) Average() time.Duration {
	count := rm.Count.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(rm.TotalDuration.Load() / count)
}

// Buckets returns the histogram counts
func (rm *RouteMetrics) Buckets() []uint64 {
	out := make([]uint64, len(rm.latencyBuckets))
	for i := range rm.latencyBuckets {
		out[i] = rm.latencyBuckets[i].Load()
	}
	return out
}

// Route returns metrics for route, or nil
func (m *ExchangeMonitor) Route(route string) *RouteMetrics {
	val, ok := m.routes.Load(route)
	if !ok {
		return nil
	}
	return val.(*RouteMetrics)
}

// Bottlenecks lists routes that are slow or failing, worst first
func (m *ExchangeMonitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck

	m.routes.Range(func(_, value any) bool {
		rm := value.(*RouteMetrics)
		count := rm.Count.Load()
		if count == 0 {
			return true
		}

		if avg := rm.Average(); avg > m.SlowThreshold {
			out = append(out, Bottleneck{
				Type:     "latency",
				Route:    rm.Route,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		errors := rm.Errors.Load()
		if rate := float64(errors) / float64(count); errors > 0 && rate > m.ErrorThreshold {
			out = append(out, Bottleneck{
				Type:     "errors",
				Route:    rm.Route,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].Route < out[j].Route
	})
	return out
}
