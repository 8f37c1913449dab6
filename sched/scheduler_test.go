package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/block"
	"github.com/ksana-llm/ksana-llm-go/blockmgr"
	"github.com/ksana-llm/ksana-llm-go/internal/errs"
	"github.com/ksana-llm/ksana-llm-go/kernel"
	"github.com/ksana-llm/ksana-llm-go/metrics"
	"github.com/ksana-llm/ksana-llm-go/request"
	"github.com/ksana-llm/ksana-llm-go/worker"
)

type testEnv struct {
	sched   *Scheduler
	backend *kernel.FakeBackend
	ctxs    []*accel.Context
}

func newTestEnv(t *testing.T, cfg Config, deviceBlocks, hostBlocks int) *testEnv {
	t.Helper()
	ctx := accel.NewContext(0, 0, 1)
	t.Cleanup(ctx.Close)

	dev := block.New(block.Config{BlocksNum: deviceBlocks, BlockSize: 64, Tier: block.Device})
	host := block.New(block.Config{BlocksNum: hostBlocks, BlockSize: 64, Tier: block.Host})
	pool := blockmgr.NewSwapPool(2)
	t.Cleanup(pool.Close)
	mgr := blockmgr.New(0, dev, host, ctx, int(cfg.BlockTokenNum), pool)

	backend := kernel.NewFakeBackend(kernel.FP16, cfg.EOSToken)
	group := worker.NewGroup([]*worker.Worker{worker.New(0, ctx, backend)})

	return &testEnv{
		sched:   New(cfg, []*blockmgr.Manager{mgr}, group),
		backend: backend,
		ctxs:    []*accel.Context{ctx},
	}
}

// newMultiAccelTestEnv builds a Scheduler spanning tensorParaSize
// accelerators, each with its own independent FakeBackend (separate
// nextToken counters), the same way a real tensor-parallel deployment has
// one kernel instance per accelerator sampling independently.
func newMultiAccelTestEnv(t *testing.T, cfg Config, tensorParaSize, deviceBlocks, hostBlocks int) *testEnv {
	t.Helper()
	pool := blockmgr.NewSwapPool(2)
	t.Cleanup(pool.Close)

	managers := make([]*blockmgr.Manager, tensorParaSize)
	workers := make([]*worker.Worker, tensorParaSize)
	ctxs := make([]*accel.Context, tensorParaSize)
	for i := 0; i < tensorParaSize; i++ {
		ctx := accel.NewContext(i, i, tensorParaSize)
		t.Cleanup(ctx.Close)
		dev := block.New(block.Config{BlocksNum: deviceBlocks, BlockSize: 64, Tier: block.Device, AcceleratorIndex: i})
		host := block.New(block.Config{BlocksNum: hostBlocks, BlockSize: 64, Tier: block.Host, AcceleratorIndex: i})
		managers[i] = blockmgr.New(i, dev, host, ctx, int(cfg.BlockTokenNum), pool)
		workers[i] = worker.New(i, ctx, kernel.NewFakeBackend(kernel.FP16, cfg.EOSToken))
		ctxs[i] = ctx
	}

	return &testEnv{
		sched: New(cfg, managers, worker.NewGroup(workers)),
		ctxs:  ctxs,
	}
}

func baseConfig() Config {
	cfg := DefaultConfig()
	// Defaults (swapin=2.0, launch=2.0) never admit/resume anything; tests
	// that exercise admission/swap-in need thresholds an actual free
	// fraction (<=1.0) can satisfy.
	cfg.SwapinBlockThreshold = 0.5
	cfg.LaunchBlockThreshold = 0.0
	cfg.SwapoutBlockThreshold = 0.0
	cfg.EOSToken = 0
	return cfg
}

func TestAdmissionUnderPressureReturnsBackpressure(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxBatchSize = 2
	cfg.MaxWaitingQueueLen = 2
	env := newTestEnv(t, cfg, 8, 8)

	require.NoError(t, env.sched.Enqueue(request.New("r1", []int{1}, request.SamplingConfig{}, 0)))
	require.NoError(t, env.sched.Enqueue(request.New("r2", []int{1}, request.SamplingConfig{}, 0)))
	err := env.sched.Enqueue(request.New("r3", []int{1}, request.SamplingConfig{}, 0))
	require.Error(t, err)
	require.Equal(t, errs.Backpressure, errs.CodeOf(err))
}

func TestEnqueueRejectsOverlongInput(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInputLen = 4
	env := newTestEnv(t, cfg, 8, 8)

	err := env.sched.Enqueue(request.New("r1", []int{1, 2, 3, 4, 5}, request.SamplingConfig{}, 0))
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestDecodeStepTerminatesAtMaxOutputLen(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOutputLen = 4
	cfg.BlockTokenNum = 64 // avoid block growth mid-test
	env := newTestEnv(t, cfg, 8, 8)

	req := request.New("r1", []int{1, 2}, request.SamplingConfig{}, 0)
	require.NoError(t, env.sched.Enqueue(req))

	for i := 0; i < 4; i++ {
		require.NoError(t, env.sched.Tick(context.Background()))
		if req.Stage == request.Finished {
			break
		}
	}

	require.Equal(t, request.Finished, req.Stage)
	require.Equal(t, len(req.InputTokens)+4, req.OutputLen())
}

func TestSwapOutVictimSelectionPrefersLargestBlockCount(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 1
	cfg.MaxBatchSize = 4
	env := newTestEnv(t, cfg, 10, 10)
	s := env.sched

	a := request.New("a-older", []int{1, 2, 3}, request.SamplingConfig{}, 100)
	b := request.New("b-younger", []int{1, 2, 3, 4, 5}, request.SamplingConfig{}, 200)

	s.mu.Lock()
	idsA, err := s.managers[0].Allocate(3)
	require.NoError(t, err)
	a.KVCacheBlocks = map[int][]block.ID{0: idsA}
	a.Stage = request.Decode
	s.running = append(s.running, a)

	idsB, err := s.managers[0].Allocate(5)
	require.NoError(t, err)
	b.KVCacheBlocks = map[int][]block.ID{0: idsB}
	b.Stage = request.Decode
	s.running = append(s.running, b)
	s.mu.Unlock()

	s.mu.Lock()
	victim := s.selectVictim()
	s.mu.Unlock()

	require.Equal(t, "b-younger", victim.ID)
}

func TestSwapOutThenSwapInRoundTripsRequest(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 1
	env := newTestEnv(t, cfg, 4, 4)
	s := env.sched

	r := request.New("r1", []int{1, 2}, request.SamplingConfig{}, 0)
	s.mu.Lock()
	ids, err := s.managers[0].Allocate(2)
	require.NoError(t, err)
	r.KVCacheBlocks = map[int][]block.ID{0: ids}
	r.Stage = request.Decode
	s.running = append(s.running, r)
	ok := s.swapOutVictim(r)
	s.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, request.Swapped, r.Stage)
	require.Equal(t, 0, s.RunningLen())
	require.Equal(t, 1, s.SwappedLen())

	// Repeated ticks issue the swap-in and then observe its future resolve.
	require.Eventually(t, func() bool {
		require.NoError(t, s.Tick(context.Background()))
		return r.Stage == request.Decode
	}, time.Second, 5*time.Millisecond)
}

// TestAdmitReusesPrefixCachedBlocks drives a first request through exactly
// one full block's worth of content (2 input tokens + the one generated
// token the deterministic FakeBackend produces next, both counted), lets it
// finish and free its blocks, then admits a second request whose input
// tokens equal that recorded block's content verbatim. Admission should
// reuse the freed block instead of drawing a new one.
func TestAdmitReusesPrefixCachedBlocks(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 3
	cfg.MaxOutputLen = 2
	env := newTestEnv(t, cfg, 16, 16)
	s := env.sched

	first := request.New("r1", []int{10, 20}, request.SamplingConfig{}, 0)
	require.NoError(t, s.Enqueue(first))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
	require.Equal(t, request.Finished, first.Stage)
	require.Equal(t, 0, s.RunningLen())

	second := request.New("r2", []int{10, 20, 1}, request.SamplingConfig{}, 0)
	require.NoError(t, s.Enqueue(second))
	require.NoError(t, s.Tick(context.Background()))

	require.Equal(t, int(cfg.BlockTokenNum), second.PrefixCacheLen)
}

func TestMetricsRecordFinishedAbortedAndStepLatency(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 64
	cfg.MaxOutputLen = 1
	cfg.WaitingTimeoutMs = 0
	env := newTestEnv(t, cfg, 8, 8)
	s := env.sched
	reg := metrics.New()
	s.SetMetrics(reg)

	ok := request.New("ok", []int{1, 2}, request.SamplingConfig{}, 0)
	require.NoError(t, s.Enqueue(ok))
	// One tick admits, steps, and finishes ok; a second reaps it, which is
	// where RecordFinished actually fires.
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	require.Equal(t, request.Finished, ok.Stage)
	require.Equal(t, 0, s.RunningLen())

	timedOut := request.New("late", []int{1}, request.SamplingConfig{}, -1<<40)
	s.mu.Lock()
	s.waiting = append(s.waiting, timedOut)
	s.mu.Unlock()
	require.NoError(t, s.Tick(context.Background()))
	require.Equal(t, request.Aborted, timedOut.Stage)

	snap := reg.Snapshot()
	require.Equal(t, int64(1), snap.CompletedRequests)
	require.Equal(t, int64(1), snap.AbortedRequests)
	require.Equal(t, int64(1), snap.TimedOutRequests)
}

func TestStarvationReportedWhenSwapInCannotReclaim(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 1
	cfg.WaitingTimeoutMs = 100
	cfg.SwapinBlockThreshold = 2.0 // unreachable free fraction: swap-in can never resume anything
	env := newTestEnv(t, cfg, 4, 4)
	s := env.sched
	reg := metrics.New()
	s.SetMetrics(reg)

	r := request.New("r1", []int{1, 2}, request.SamplingConfig{}, 0)
	s.mu.Lock()
	ids, err := s.managers[0].Allocate(2)
	require.NoError(t, err)
	r.KVCacheBlocks = map[int][]block.ID{0: ids}
	r.Stage = request.Decode
	s.running = append(s.running, r)
	ok := s.swapOutVictim(r)
	r.TimestampSwappedMs -= cfg.WaitingTimeoutMs + 1 // simulate it having sat well past the window
	s.mu.Unlock()
	require.True(t, ok)

	require.NoError(t, s.Tick(context.Background()))

	require.True(t, r.StarvationWarned)
	require.EqualValues(t, 1, reg.Snapshot().StarvationEvents)

	// Idempotent: a second tick must not double-report the same request.
	require.NoError(t, s.Tick(context.Background()))
	require.EqualValues(t, 1, reg.Snapshot().StarvationEvents)
}

// TestTensorParallelCollectAdvancesRequestExactlyOnce drives a batch across
// two accelerators, each sampling independently (distinct FakeBackends, so a
// double-count would also append diverging tokens). collect must still
// advance Step and OutputLen by exactly one token per tick regardless of
// tensor_para_size.
func TestTensorParallelCollectAdvancesRequestExactlyOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.BlockTokenNum = 64 // avoid block growth mid-test
	cfg.MaxOutputLen = 3
	env := newMultiAccelTestEnv(t, cfg, 2, 8, 8)

	req := request.New("r1", []int{1, 2}, request.SamplingConfig{}, 0)
	require.NoError(t, env.sched.Enqueue(req))

	for i := 0; i < cfg.MaxOutputLen && req.Stage != request.Finished; i++ {
		require.NoError(t, env.sched.Tick(context.Background()))
	}

	require.Equal(t, request.Finished, req.Stage)
	require.Equal(t, len(req.InputTokens)+cfg.MaxOutputLen, req.OutputLen())
	require.Equal(t, cfg.MaxOutputLen, req.Step)
}

func TestAbortWaitingRequestSignalsImmediately(t *testing.T) {
	cfg := baseConfig()
	env := newTestEnv(t, cfg, 8, 8)
	r := request.New("r1", []int{1}, request.SamplingConfig{}, 0)
	require.NoError(t, env.sched.Enqueue(r))
	require.NoError(t, env.sched.Abort("r1"))
	require.Equal(t, request.Aborted, r.Stage)
	select {
	case <-r.Finished():
	default:
		t.Fatal("expected finished channel to be closed")
	}
	require.Equal(t, 0, env.sched.WaitingLen())
}
