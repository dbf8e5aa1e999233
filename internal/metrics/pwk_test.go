package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestKernelMetrics(t *testing.T) *KernelMetrics {
	t.Helper()
	return NewKernelMetrics(NewRegistry("pwkd_test", t.Name()))
}

func TestKernelMetricsRecordFrameIngestedAndDropped(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.RecordFrameIngested()
	m.RecordFrameIngested()
	m.RecordFrameDropped()

	require.Equal(t, uint64(2), m.FramesIngestedTotal.Value())
	require.Equal(t, uint64(1), m.FramesDroppedTotal.Value())
}

func TestKernelMetricsRecordDetection(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.RecordDetection()
	m.RecordDetection()
	m.RecordDetection()

	require.Equal(t, uint64(3), m.DetectionsTotal.Value())
}

func TestKernelMetricsRecordSealedEvent(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.RecordSealedEvent(10 * time.Millisecond)
	m.RecordSealedEvent(20 * time.Millisecond)

	require.Equal(t, uint64(2), m.SealedEventsTotal.Value())
	require.Equal(t, uint64(2), m.IngestDuration.Count())
}

func TestKernelMetricsRecordConformanceAlarmAlsoCountsError(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.RecordConformanceAlarm()

	require.Equal(t, uint64(1), m.ConformanceAlarmsTotal.Value())
	require.Equal(t, uint64(1), m.ErrorsTotal.Value())
}

func TestKernelMetricsCheckpointTimer(t *testing.T) {
	m := newTestKernelMetrics(t)

	timer := m.StartCheckpointTimer()
	time.Sleep(time.Millisecond)
	d := timer.Stop()
	m.CheckpointsTotal.Inc()

	require.Greater(t, d, time.Duration(0))
	require.Equal(t, uint64(1), m.CheckpointsTotal.Value())
	require.Equal(t, uint64(1), m.CheckpointDuration.Count())
}

func TestKernelMetricsSizeGauges(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.SetWALSize(1024)
	m.SetMMRSize(7)
	m.SetDatabaseSize(4096)

	require.Equal(t, int64(1024), m.WALSizeBytes.Value())
	require.Equal(t, int64(7), m.MMRSize.Value())
	require.Equal(t, int64(4096), m.DatabaseSizeBytes.Value())
}

func TestKernelMetricsActiveBucketKeyToggle(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.SetActiveBucketKey(true)
	require.Equal(t, int64(1), m.ActiveBucketKeys.Value())

	m.SetActiveBucketKey(false)
	require.Equal(t, int64(0), m.ActiveBucketKeys.Value())
}

func TestKernelMetricsSnapshotIncludesCounters(t *testing.T) {
	m := newTestKernelMetrics(t)

	m.RecordFrameIngested()
	m.RecordSealedEvent(time.Millisecond)

	snap := m.Snapshot()

	require.Equal(t, uint64(1), snap["frames_ingested_total"])
	require.Equal(t, uint64(1), snap["sealed_events_total"])
	require.Contains(t, snap, "uptime_seconds")
}

func TestNewKernelMetricsPerInstanceIsolation(t *testing.T) {
	a := NewKernelMetrics(NewRegistry("pwkd_test", "a"))
	b := NewKernelMetrics(NewRegistry("pwkd_test", "b"))

	a.RecordFrameIngested()
	a.RecordFrameIngested()

	require.Equal(t, uint64(2), a.FramesIngestedTotal.Value())
	require.Equal(t, uint64(0), b.FramesIngestedTotal.Value())
}

func TestNewKernelMetricsNilRegistryUsesDefault(t *testing.T) {
	m := NewKernelMetrics(nil)
	require.Equal(t, Default(), m.Registry())
}
