package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every devcompanion collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Ingest
	IngestSubmitted  *prometheus.CounterVec
	IngestProcessed  *prometheus.CounterVec
	IngestDropped    *prometheus.CounterVec
	IngestCoalesced  prometheus.Counter
	IngestRejected   prometheus.Counter
	IngestRetried    prometheus.Counter
	IngestQueueDepth prometheus.Gauge
	IngestRetryDepth prometheus.Gauge
	IngestDuration   *prometheus.HistogramVec

	// Rung 1 and Rung 3
	CanonicalTokens prometheus.Counter
	FunctionChanges *prometheus.CounterVec

	// Sync
	SyncUploaded   prometheus.Counter
	SyncDownloaded prometheus.Counter
	SyncErrors     *prometheus.CounterVec
	SyncDuration   *prometheus.HistogramVec
	SyncWatermark  prometheus.Gauge

	// Diagnostics and collectors
	Diagnostics     *prometheus.CounterVec
	CollectorEvents *prometheus.CounterVec
}

// New creates and registers every collector on r.
func New(r *Registry) *Metrics {
	f := promauto.With(r.Registerer())
	return &Metrics{
		IngestSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "submitted_total",
			Help: "Records accepted into the ingest queue by kind",
		}, []string{"kind"}),
		IngestProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "processed_total",
			Help: "Records persisted by the ingest consumer by kind",
		}, []string{"kind"}),
		IngestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "dropped_total",
			Help: "Records shed under back-pressure or retry overflow by kind",
		}, []string{"kind"}),
		IngestCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "coalesced_total",
			Help: "File changes merged into an earlier queued change",
		}),
		IngestRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "rejected_total",
			Help: "Records rejected by validation",
		}),
		IngestRetried: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "retried_total",
			Help: "Store writes re-issued from the retry buffer",
		}),
		IngestQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "queue_depth",
			Help: "Records waiting in the ingest queue",
		}),
		IngestRetryDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "retry_depth",
			Help: "Records waiting in the retry buffer",
		}),
		IngestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "ingest", Name: "process_duration_seconds",
			Help:    "Time spent processing one record",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),

		CanonicalTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "canon", Name: "tokens_total",
			Help: "Canonical tokens produced",
		}),
		FunctionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "funcs", Name: "changes_total",
			Help: "Function-level changes detected by kind",
		}, []string{"change_type"}),

		SyncUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "uploaded_records_total",
			Help: "Records uploaded to the account service",
		}),
		SyncDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "downloaded_records_total",
			Help: "Records downloaded from the account service",
		}),
		SyncErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "errors_total",
			Help: "Failed sync calls by direction",
		}, []string{"direction"}),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "duration_seconds",
			Help:    "Sync call duration by direction",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"direction"}),
		SyncWatermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "watermark_ms",
			Help: "Current last_sync_timestamp",
		}),

		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "diagnostics", Name: "records_total",
			Help: "Diagnostics recorded by class and error kind",
		}, []string{"class", "kind"}),
		CollectorEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "collect", Name: "events_total",
			Help: "Records emitted by collectors",
		}, []string{"collector"}),
	}
}

// RecordSubmitted counts a record accepted into the queue.
func (m *Metrics) RecordSubmitted(kind string) {
	if m == nil {
		return
	}
	m.IngestSubmitted.WithLabelValues(kind).Inc()
}

// RecordProcessed counts a persisted record and its processing time.
func (m *Metrics) RecordProcessed(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestProcessed.WithLabelValues(kind).Inc()
	m.IngestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordDropped counts a shed record.
func (m *Metrics) RecordDropped(kind string) {
	if m == nil {
		return
	}
	m.IngestDropped.WithLabelValues(kind).Inc()
}

// RecordCoalesced counts a merged file change.
func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.IngestCoalesced.Inc()
}

// RecordRejected counts an invalid record.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.IngestRejected.Inc()
}

// RecordRetried counts a retry-buffer re-issue.
func (m *Metrics) RecordRetried() {
	if m == nil {
		return
	}
	m.IngestRetried.Inc()
}

// SetQueueDepth reports queue and retry buffer occupancy.
func (m *Metrics) SetQueueDepth(queue, retry int) {
	if m == nil {
		return
	}
	m.IngestQueueDepth.Set(float64(queue))
	m.IngestRetryDepth.Set(float64(retry))
}

// RecordCanonicalTokens counts Rung 1 output.
func (m *Metrics) RecordCanonicalTokens(n int) {
	if m == nil {
		return
	}
	m.CanonicalTokens.Add(float64(n))
}

// RecordFunctionChange counts a Rung 3 change.
func (m *Metrics) RecordFunctionChange(kind string) {
	if m == nil {
		return
	}
	m.FunctionChanges.WithLabelValues(kind).Inc()
}

// RecordSync records the outcome of one sync call.
func (m *Metrics) RecordSync(direction string, records int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(direction).Observe(d.Seconds())
	if err != nil {
		m.SyncErrors.WithLabelValues(direction).Inc()
		return
	}
	switch direction {
	case "upload":
		m.SyncUploaded.Add(float64(records))
	case "download":
		m.SyncDownloaded.Add(float64(records))
	}
}

// SetWatermark reports the sync watermark.
func (m *Metrics) SetWatermark(ts int64) {
	if m == nil {
		return
	}
	m.SyncWatermark.Set(float64(ts))
}

// RecordDiagnostic counts a diagnostics record.
func (m *Metrics) RecordDiagnostic(class, kind string) {
	if m == nil {
		return
	}
	m.Diagnostics.WithLabelValues(class, kind).Inc()
}

// RecordCollectorEvent counts a record emitted by a collector.
func (m *Metrics) RecordCollectorEvent(collector string) {
	if m == nil {
		return
	}
	m.CollectorEvents.WithLabelValues(collector).Inc()
}
