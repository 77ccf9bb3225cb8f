package collect

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// Sampler emits resource_sample records describing this process and, where
// available, the host load average.
type Sampler struct {
	workspaceID string
	sink        Submitter
	metrics     *metrics.Metrics
	now         func() time.Time
	loadavg     func() (float64, bool)
}

// NewSampler returns a sampler.
func NewSampler(workspaceID string, sink Submitter, m *metrics.Metrics) *Sampler {
	return &Sampler{
		workspaceID: workspaceID,
		sink:        sink,
		metrics:     m,
		now:         time.Now,
		loadavg:     procLoadAverage,
	}
}

// Sample submits one sample.
func (s *Sampler) Sample(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	d := &event.ResourceSampleDetails{
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          ms.NumGC,
	}
	if load, ok := s.loadavg(); ok {
		d.LoadAverage = load
	}
	return submit(ctx, s.sink, s.metrics, "resources", event.KindResourceSample, s.workspaceID, s.now().UnixMilli(), d)
}

// procLoadAverage reads the one-minute load average on Linux.
func procLoadAverage() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
