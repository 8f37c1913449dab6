// Package metrics aggregates runtime-wide counters the scheduler updates as
// requests flow through, plus the latency distributions (TTFT, inter-token
// latency) the HTTP surface exposes.
package metrics

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the latency sample buffers so a long-running server
// doesn't grow them without limit; both are ring buffers over the most
// recent samples.
const maxSamples = 4096

// Registry accumulates counters and latency samples under a mutex. A single
// Registry is shared by the scheduler's admission/reap paths and the
// /metrics HTTP handler.
type Registry struct {
	mu sync.Mutex

	completed int64
	aborted   int64
	timedOut  int64
	starved   int64

	ttftMs []float64 // time from admit to first sampled token, per finished request
	itlMs  []float64 // inter-token latency samples, per decode step
}

// New constructs an empty Registry.
func New() *Registry { return &Registry{} }

// RecordAdmitted is a no-op hook kept for symmetry with RecordFinished,
// reserved for future queue-depth-at-admission instrumentation.
func (r *Registry) RecordAdmitted() {}

// RecordFinished records one request's completion and its time-to-first-token.
func (r *Registry) RecordFinished(ttftMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	r.ttftMs = appendBounded(r.ttftMs, ttftMs)
}

// RecordAborted records one request aborted (cancel, timeout, or swap failure).
func (r *Registry) RecordAborted(timeout bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted++
	if timeout {
		r.timedOut++
	}
}

// RecordStarvation records one occurrence of a swapped request that could
// not be resumed for an extended period while device memory stayed too
// tight to reclaim (spec's forward-progress property: this must be
// reported, not silently masked).
func (r *Registry) RecordStarvation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starved++
}

// RecordStepLatency records one decode step's inter-token latency sample.
func (r *Registry) RecordStepLatency(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.itlMs = appendBounded(r.itlMs, ms)
}

// appendBounded appends v, dropping the oldest sample once the buffer
// reaches maxSamples.
func appendBounded(xs []float64, v float64) []float64 {
	if len(xs) >= maxSamples {
		xs = xs[1:]
	}
	return append(xs, v)
}

// Snapshot is a point-in-time, JSON-serializable view of the registry.
type Snapshot struct {
	CompletedRequests int64   `json:"completed_requests"`
	AbortedRequests   int64   `json:"aborted_requests"`
	TimedOutRequests  int64   `json:"timed_out_requests"`
	StarvationEvents  int64   `json:"starvation_events"`
	MeanTTFTMs        float64 `json:"mean_ttft_ms"`
	StdDevTTFTMs      float64 `json:"stddev_ttft_ms"`
	MeanITLMs         float64 `json:"mean_itl_ms"`
	P99ITLMs          float64 `json:"p99_itl_ms"`
}

// Snapshot computes the current aggregate view. gonum/stat.MeanStdDev and
// stat.Quantile expect the sample slice to be sorted for quantiles, so a
// scratch copy is sorted in place rather than mutating the recorded order.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		CompletedRequests: r.completed,
		AbortedRequests:   r.aborted,
		TimedOutRequests:  r.timedOut,
		StarvationEvents:  r.starved,
	}
	if len(r.ttftMs) > 0 {
		s.MeanTTFTMs, s.StdDevTTFTMs = stat.MeanStdDev(r.ttftMs, nil)
	}
	if len(r.itlMs) > 0 {
		sorted := append([]float64{}, r.itlMs...)
		sort.Float64s(sorted)
		s.MeanITLMs = stat.Mean(sorted, nil)
		s.P99ITLMs = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	}
	return s
}
