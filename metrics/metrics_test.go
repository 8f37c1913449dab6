package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotAggregatesFinishedAndAborted(t *testing.T) {
	r := New()
	r.RecordFinished(10)
	r.RecordFinished(20)
	r.RecordAborted(true)
	r.RecordAborted(false)
	r.RecordStarvation()

	snap := r.Snapshot()
	require.EqualValues(t, 2, snap.CompletedRequests)
	require.EqualValues(t, 2, snap.AbortedRequests)
	require.EqualValues(t, 1, snap.TimedOutRequests)
	require.EqualValues(t, 1, snap.StarvationEvents)
	require.InDelta(t, 15, snap.MeanTTFTMs, 1e-9)
}

func TestSnapshotComputesITLPercentile(t *testing.T) {
	r := New()
	for i := 1; i <= 100; i++ {
		r.RecordStepLatency(float64(i))
	}
	snap := r.Snapshot()
	require.InDelta(t, 50.5, snap.MeanITLMs, 1e-9)
	require.Greater(t, snap.P99ITLMs, 90.0)
}

func TestAppendBoundedDropsOldest(t *testing.T) {
	r := New()
	for i := 0; i < maxSamples+10; i++ {
		r.RecordStepLatency(float64(i))
	}
	require.Len(t, r.itlMs, maxSamples)
	require.Equal(t, float64(10), r.itlMs[0])
}
