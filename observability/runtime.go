package observability

import (
	"context"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
	}
}

// SampleRuntime records runtime metrics into mm every interval until ctx is
// done. One sample is taken immediately. Blocks; run it in a goroutine.
func SampleRuntime(ctx context.Context, mm *MetricsManager, interval time.Duration) {
	sample := func() {
		m := CollectRuntimeMetrics()
		mm.RecordSimple(MetricGoroutinesCount, float64(m.GoroutinesCount), "count")
		mm.RecordSimple(MetricMemoryAllocMB, m.MemoryAllocMB, "megabytes")
	}
	sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
