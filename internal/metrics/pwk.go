// Package metrics provides Prometheus-compatible metrics for pwkd.
package metrics

import (
	"time"
)

// KernelMetrics holds the Privacy Witness Kernel's own metrics: the
// counters and gauges an operator watches to tell whether the pipeline is
// keeping up with capture, conforming to its contract, and sealing events
// at the rate the ruleset expects.
type KernelMetrics struct {
	registry *Registry

	// Counters
	FramesIngestedTotal    *Counter
	FramesDroppedTotal     *Counter
	DetectionsTotal        *Counter
	SealedEventsTotal      *Counter
	ConformanceAlarmsTotal *Counter
	CheckpointsTotal       *Counter
	ErrorsTotal            *Counter

	// Gauges
	WALSizeBytes      *Gauge
	MMRSize           *Gauge
	DatabaseSizeBytes *Gauge
	UptimeSeconds     *Gauge
	ActiveBucketKeys  *Gauge

	// Histograms
	CheckpointDuration *Histogram
	IngestDuration     *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewKernelMetrics creates and registers every kernel metric against registry.
func NewKernelMetrics(registry *Registry) *KernelMetrics {
	if registry == nil {
		registry = Default()
	}

	return &KernelMetrics{
		registry: registry,

		FramesIngestedTotal: registry.RegisterCounter(
			"frames_ingested_total",
			"Total number of raw frames accepted into the ring buffer",
			nil,
		),
		FramesDroppedTotal: registry.RegisterCounter(
			"frames_dropped_total",
			"Total number of raw frames dropped under backpressure (newest-dropped)",
			nil,
		),
		DetectionsTotal: registry.RegisterCounter(
			"detections_total",
			"Total number of detections produced by registered backends",
			nil,
		),
		SealedEventsTotal: registry.RegisterCounter(
			"sealed_events_total",
			"Total number of events committed to the sealed log",
			nil,
		),
		ConformanceAlarmsTotal: registry.RegisterCounter(
			"conformance_alarms_total",
			"Total number of candidate events rejected by the contract enforcer",
			nil,
		),
		CheckpointsTotal: registry.RegisterCounter(
			"checkpoints_total",
			"Total number of checkpoints taken",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of pipeline errors",
			nil,
		),

		WALSizeBytes: registry.RegisterGauge(
			"wal_size_bytes",
			"Size of the write-ahead log in bytes",
			nil,
		),
		MMRSize: registry.RegisterGauge(
			"mmr_size",
			"Total number of nodes in the Merkle mountain range accumulator",
			nil,
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the sealed-event store in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		ActiveBucketKeys: registry.RegisterGauge(
			"active_bucket_keys",
			"1 if a Tier-1 bucket key is currently live, 0 otherwise",
			nil,
		),

		CheckpointDuration: registry.RegisterHistogram(
			"checkpoint_duration_seconds",
			"Duration of checkpoint operations in seconds",
			nil,
			DurationBuckets,
		),
		IngestDuration: registry.RegisterHistogram(
			"ingest_duration_seconds",
			"Duration of frame ingest-to-seal operations in seconds",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the registry this KernelMetrics registers against, for
// serving its Prometheus/JSON HTTP endpoint.
func (m *KernelMetrics) Registry() *Registry {
	return m.registry
}

// RecordFrameIngested records a frame accepted into the ring buffer.
func (m *KernelMetrics) RecordFrameIngested() {
	m.FramesIngestedTotal.Inc()
}

// RecordFrameDropped records a frame dropped under backpressure. Spec.md
// §5 requires the source drop the new frame and zeroize it rather than
// block the pipeline; this counter is how an operator notices a capture
// source that is outrunning detection throughput.
func (m *KernelMetrics) RecordFrameDropped() {
	m.FramesDroppedTotal.Inc()
}

// RecordDetection records one detection surfaced by a registered backend.
func (m *KernelMetrics) RecordDetection() {
	m.DetectionsTotal.Inc()
}

// RecordSealedEvent records one event committed to the sealed log.
func (m *KernelMetrics) RecordSealedEvent(d time.Duration) {
	m.SealedEventsTotal.Inc()
	m.IngestDuration.ObserveDuration(d)
}

// RecordConformanceAlarm records a candidate event the contract enforcer
// rejected, whether for an undeclared field or a denylisted one. A
// sustained rate here means a detection backend is trying to emit fields
// the ruleset does not allow.
func (m *KernelMetrics) RecordConformanceAlarm() {
	m.ConformanceAlarmsTotal.Inc()
	m.ErrorsTotal.Inc()
}

// StartCheckpointTimer returns a timer for checkpoint operations.
func (m *KernelMetrics) StartCheckpointTimer() *HistogramTimer {
	return m.CheckpointDuration.Timer()
}

// SetWALSize sets the WAL size gauge.
func (m *KernelMetrics) SetWALSize(bytes int64) {
	m.WALSizeBytes.Set(bytes)
}

// SetMMRSize sets the MMR size gauge to the accumulator's total node count.
func (m *KernelMetrics) SetMMRSize(nodes int64) {
	m.MMRSize.Set(nodes)
}

// SetDatabaseSize sets the database size gauge.
func (m *KernelMetrics) SetDatabaseSize(bytes int64) {
	m.DatabaseSizeBytes.Set(bytes)
}

// SetActiveBucketKey records whether a Tier-1 bucket key is currently live.
func (m *KernelMetrics) SetActiveBucketKey(active bool) {
	if active {
		m.ActiveBucketKeys.Set(1)
	} else {
		m.ActiveBucketKeys.Set(0)
	}
}

// UpdateUptime updates the uptime gauge.
func (m *KernelMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics, used by cmd/pwkd's status
// output and the JSON metrics endpoint.
func (m *KernelMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"frames_ingested_total":    m.FramesIngestedTotal.Value(),
		"frames_dropped_total":     m.FramesDroppedTotal.Value(),
		"detections_total":         m.DetectionsTotal.Value(),
		"sealed_events_total":      m.SealedEventsTotal.Value(),
		"conformance_alarms_total": m.ConformanceAlarmsTotal.Value(),
		"checkpoints_total":        m.CheckpointsTotal.Value(),
		"errors_total":             m.ErrorsTotal.Value(),
		"wal_size_bytes":           m.WALSizeBytes.Value(),
		"mmr_size":                 m.MMRSize.Value(),
		"database_size_bytes":      m.DatabaseSizeBytes.Value(),
		"uptime_seconds":           m.UptimeSeconds.Value(),
		"checkpoint_avg_seconds":   m.CheckpointDuration.Mean(),
	}
}

// Global kernel metrics instance.
var defaultKernelMetrics *KernelMetrics

// GetMetrics returns the global kernel metrics instance.
func GetMetrics() *KernelMetrics {
	if defaultKernelMetrics == nil {
		defaultKernelMetrics = NewKernelMetrics(Default())
	}
	return defaultKernelMetrics
}

// InitMetrics initializes the global kernel metrics with a custom registry.
func InitMetrics(registry *Registry) *KernelMetrics {
	defaultKernelMetrics = NewKernelMetrics(registry)
	return defaultKernelMetrics
}
