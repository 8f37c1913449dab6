// Package sched implements the Batch Scheduler: the continuous-batching
// admission/swap controller that drives the Block Manager and Worker Group.
// Everything else in this repository exists to be called from here.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/ksana-llm/ksana-llm-go/block"
	"github.com/ksana-llm/ksana-llm-go/blockmgr"
	"github.com/ksana-llm/ksana-llm-go/internal/errs"
	"github.com/ksana-llm/ksana-llm-go/internal/util"
	"github.com/ksana-llm/ksana-llm-go/kernel"
	"github.com/ksana-llm/ksana-llm-go/metrics"
	"github.com/ksana-llm/ksana-llm-go/request"
	"github.com/ksana-llm/ksana-llm-go/worker"
)

// pendingSwapIn is a request whose device blocks have been reserved and
// whose H2D copy has been submitted, but which must not rejoin Running until
// every accelerator's copy has completed.
type pendingSwapIn struct {
	req     *request.Request
	futures []*blockmgr.Future
}

// Scheduler owns the three request queues plus the scheduler mutex guarding
// them and the per-request stage.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	managers []*blockmgr.Manager // index == accelerator index
	workers  *worker.Group
	metrics  *metrics.Registry // nil unless SetMetrics was called
	now      func() int64      // overridden in tests

	waiting    []*request.Request
	running    []*request.Request
	swapped    []*request.Request
	swappingIn []*pendingSwapIn
}

// New constructs a Scheduler over one Block Manager per accelerator and a
// Worker Group spanning the same accelerators.
func New(cfg Config, managers []*blockmgr.Manager, workers *worker.Group) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		managers: managers,
		workers:  workers,
		now:      nowMs,
	}
}

// SetMetrics attaches the registry Tick records completions, aborts, and
// step latency into. Optional: a Scheduler with no registry attached simply
// skips recording.
func (s *Scheduler) SetMetrics(reg *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = reg
}

func nowMs() int64 { return time.Now().UnixMilli() }

// WaitingLen, RunningLen and SwappedLen report queue depths, used by metrics
// and tests. A request is a member of at most one of {Waiting, Running,
// Swapped} at a time, because every transition below removes from exactly
// one queue before appending to another, all under mu.
func (s *Scheduler) WaitingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func (s *Scheduler) RunningLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) SwappedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.swapped)
}

// Enqueue admits req to the waiting queue.
func (s *Scheduler) Enqueue(req *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.InputTokens) > s.cfg.MaxInputLen {
		return errs.New(errs.InvalidArgument,
			"sched.Enqueue: input length %d exceeds max_input_len %d", len(req.InputTokens), s.cfg.MaxInputLen)
	}
	if len(s.waiting) >= s.cfg.MaxWaitingQueueLen {
		return errs.New(errs.Backpressure,
			"sched.Enqueue: waiting queue at capacity (%d)", s.cfg.MaxWaitingQueueLen)
	}
	req.TimestampAdmitMs = s.now()
	s.waiting = append(s.waiting, req)
	logrus.Infof("sched.Enqueue: req=%s waiting_len=%d", req.ID, len(s.waiting))
	return nil
}

// Abort cancels req by id: removed immediately if Waiting or Swapped,
// marked for reap at end of tick if Running.
func (s *Scheduler) Abort(reqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.waiting {
		if r.ID == reqID {
			s.waiting = removeReq(s.waiting, reqID)
			r.Stage = request.Aborted
			r.NotifyFinished()
			s.recordAborted(false)
			return nil
		}
	}
	for _, r := range s.running {
		if r.ID == reqID {
			r.AbortRequested = true
			return nil
		}
	}
	for _, r := range s.swapped {
		if r.ID == reqID {
			s.swapped = removeReq(s.swapped, reqID)
			s.freeHostBlocks(r)
			r.Stage = request.Aborted
			r.NotifyFinished()
			s.recordAborted(false)
			return nil
		}
	}
	for _, p := range s.swappingIn {
		if p.req.ID == reqID {
			p.req.AbortRequested = true
			return nil
		}
	}
	return errs.New(errs.InvalidArgument, "sched.Abort: unknown request %s", reqID)
}

// Tick runs one step of the scheduling loop: reap, swap-in trial, pressure
// check, admit, assemble, execute, collect, notify. The scheduler mutex is
// held for every step except execute, so the worker group's compute never
// runs while holding up admission/swap decisions on other accelerators.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()

	s.reap()
	s.checkWaitingTimeouts()
	s.resolveSwapIns()
	s.trySwapIn()
	s.checkPressure()
	s.checkStarvation()
	s.admit()

	batch := s.assembleBatch()
	if len(batch) == 0 {
		s.mu.Unlock()
		return nil
	}

	assigned, err := s.buildAssignedBatches(batch)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.mu.Unlock()
	stepStart := s.now()
	results, err := s.workers.Step(ctx, assigned)
	stepMs := float64(s.now() - stepStart)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.collect(batch, results)
	s.notify(batch)
	if s.metrics != nil {
		s.metrics.RecordStepLatency(stepMs)
	}
	s.mu.Unlock()
	return nil
}

// recordAborted forwards to the metrics registry if one is attached.
func (s *Scheduler) recordAborted(timeout bool) {
	if s.metrics != nil {
		s.metrics.RecordAborted(timeout)
	}
}

// reap removes Finished/Aborted requests from Running, frees their device
// blocks, signals their completion waiter, and records the outcome in
// metrics.
func (s *Scheduler) reap() {
	kept := s.running[:0:0]
	for _, r := range s.running {
		if r.AbortRequested && r.Stage != request.Finished {
			r.Stage = request.Aborted
		}
		if r.Stage == request.Finished || r.Stage == request.Aborted {
			s.freeDeviceBlocks(r)
			r.NotifyFinished()
			logrus.Infof("sched.reap: req=%s stage=%s", r.ID, r.Stage)
			if s.metrics != nil {
				if r.Stage == request.Finished {
					ttft := r.TimestampFirstTokenMs - r.TimestampAdmitMs
					s.metrics.RecordFinished(float64(ttft))
				} else {
					s.metrics.RecordAborted(errs.CodeOf(r.AbortReason) == errs.Timeout)
				}
			}
			continue
		}
		kept = append(kept, r)
	}
	s.running = kept
}

// checkWaitingTimeouts aborts waiting requests older than WaitingTimeoutMs.
func (s *Scheduler) checkWaitingTimeouts() {
	now := s.now()
	kept := s.waiting[:0:0]
	for _, r := range s.waiting {
		if now-r.TimestampAdmitMs > s.cfg.WaitingTimeoutMs {
			r.Stage = request.Aborted
			r.AbortReason = errs.New(errs.Timeout, "waiting_timeout_in_ms exceeded")
			r.NotifyFinished()
			logrus.Warnf("sched: req=%s aborted: waiting_timeout exceeded", r.ID)
			s.recordAborted(true)
			continue
		}
		kept = append(kept, r)
	}
	s.waiting = kept
}

// resolveSwapIns moves requests whose SwapIn futures have all resolved from
// swappingIn back into Running. A request must not rejoin Running until
// every accelerator's copy has completed.
func (s *Scheduler) resolveSwapIns() {
	kept := s.swappingIn[:0:0]
	for _, p := range s.swappingIn {
		if !allDone(p.futures) {
			kept = append(kept, p)
			continue
		}
		for _, f := range p.futures {
			if err := f.Wait(); err != nil {
				logrus.Errorf("sched: swap-in copy failed for req=%s: %v", p.req.ID, err)
			}
		}
		p.req.Stage = request.Decode
		p.req.SwapPending = false
		p.req.HostKVCacheBlocks = nil
		s.running = append(s.running, p.req)
		logrus.Infof("sched: req=%s resumed from swap-in", p.req.ID)
	}
	s.swappingIn = kept
}

func allDone(futures []*blockmgr.Future) bool {
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			return false
		}
	}
	return true
}

// trySwapIn issues SwapIn for swapped requests while device memory is
// plentiful and running capacity allows it.
func (s *Scheduler) trySwapIn() {
	for len(s.swapped) > 0 {
		if s.freeFraction() < s.cfg.SwapinBlockThreshold {
			return
		}
		if len(s.running)+len(s.swappingIn) >= s.cfg.MaxBatchSize {
			return
		}
		req := s.swapped[0]

		deviceIDs := make(map[int][]block.ID, len(req.HostKVCacheBlocks))
		futures := make([]*blockmgr.Future, 0, len(req.HostKVCacheBlocks))
		for accIdx, hostIDs := range req.HostKVCacheBlocks {
			ids, f, err := s.managers[accIdx].SwapIn(hostIDs)
			if err != nil {
				for a, rolled := range deviceIDs {
					if ferr := s.managers[a].Free(rolled); ferr != nil {
						logrus.Errorf("sched: rolling back partial swap-in for req=%s accel=%d: %v", req.ID, a, ferr)
					}
				}
				logrus.Warnf("sched: swap-in for req=%s deferred: %v", req.ID, err)
				return
			}
			deviceIDs[accIdx] = ids
			futures = append(futures, f)
		}

		s.swapped = s.swapped[1:]
		req.KVCacheBlocks = deviceIDs
		req.SwapPending = true
		s.swappingIn = append(s.swappingIn, &pendingSwapIn{req: req, futures: futures})
		logrus.Infof("sched: req=%s swap-in issued", req.ID)
	}
}

// checkPressure evicts victims to the Swapped queue while the device free
// fraction is under SwapoutBlockThreshold.
func (s *Scheduler) checkPressure() {
	for s.freeFraction() < s.cfg.SwapoutBlockThreshold {
		victim := s.selectVictim()
		if victim == nil {
			logrus.Warnf("sched: device memory pressure (free_fraction=%.3f) with no swap-out victim available", s.freeFraction())
			return
		}
		if !s.swapOutVictim(victim) {
			return
		}
	}
}

// selectVictim picks, among Decode-stage Running requests, the largest
// block count; ties broken by youngest admission time, then by higher
// req_id.
func (s *Scheduler) selectVictim() *request.Request {
	var best *request.Request
	bestBlocks := -1
	for _, r := range s.running {
		if r.Stage != request.Decode {
			continue
		}
		n := blockCount(r)
		switch {
		case n > bestBlocks:
			best, bestBlocks = r, n
		case n == bestBlocks && best != nil:
			if r.TimestampAdmitMs > best.TimestampAdmitMs ||
				(r.TimestampAdmitMs == best.TimestampAdmitMs && r.ID > best.ID) {
				best = r
			}
		}
	}
	return best
}

func blockCount(r *request.Request) int {
	n := 0
	for _, ids := range r.KVCacheBlocks {
		n += len(ids)
	}
	return n
}

// swapOutVictim moves r from Running to Swapped. If the host tier cannot
// hold r's blocks, r is aborted with OutOfMemory instead of deferred.
// Returns true only when r moved to Swapped; it returns false when r was
// aborted instead or a SwapOut call failed after the precheck, and
// checkPressure stops on false rather than looping on the same victim.
func (s *Scheduler) swapOutVictim(r *request.Request) bool {
	for accIdx, ids := range r.KVCacheBlocks {
		if len(ids) > s.managers[accIdx].HostFreeCount() {
			logrus.Errorf("sched: req=%s aborted: host tier exhausted during swap-out on accelerator %d", r.ID, accIdx)
			s.running = removeReq(s.running, r.ID)
			s.freeDeviceBlocks(r)
			r.Stage = request.Aborted
			r.AbortReason = errs.New(errs.OutOfMemory, "swap-out failed: host tier exhausted")
			r.NotifyFinished()
			s.recordAborted(false)
			return false
		}
	}

	hostIDs := make(map[int][]block.ID, len(r.KVCacheBlocks))
	for accIdx, ids := range r.KVCacheBlocks {
		if len(ids) == 0 {
			continue
		}
		hIDs, _, err := s.managers[accIdx].SwapOut(ids)
		if err != nil {
			logrus.Errorf("sched: swap-out for req=%s accel=%d failed after precheck: %v", r.ID, accIdx, err)
			return false
		}
		hostIDs[accIdx] = hIDs
	}

	s.running = removeReq(s.running, r.ID)
	r.HostKVCacheBlocks = hostIDs
	r.KVCacheBlocks = make(map[int][]block.ID)
	r.Stage = request.Swapped
	r.TimestampSwappedMs = s.now()
	r.StarvationWarned = false
	s.swapped = append(s.swapped, r)
	logrus.Infof("sched: req=%s swapped out", r.ID)
	return true
}

// checkStarvation reports, rather than silently masking, the forward-progress
// violation in spec.md §4.5.3: a swapped request that has sat for at least
// WaitingTimeoutMs while device memory is still too tight to reclaim
// (free fraction hasn't recovered to SwapinBlockThreshold, so trySwapIn
// genuinely cannot resume it — this is not ordinary queueing delay). Uses
// gonum/floats to summarize the swapped queue's age distribution rather than
// hand-rolling a mean/max loop.
func (s *Scheduler) checkStarvation() {
	if len(s.swapped) == 0 || s.freeFraction() >= s.cfg.SwapinBlockThreshold {
		return
	}
	now := s.now()
	ages := make([]float64, len(s.swapped))
	for i, r := range s.swapped {
		ages[i] = float64(now - r.TimestampSwappedMs)
	}
	maxAge := floats.Max(ages)
	meanAge := floats.Sum(ages) / float64(len(ages))

	for _, r := range s.swapped {
		if r.StarvationWarned {
			continue
		}
		if now-r.TimestampSwappedMs < s.cfg.WaitingTimeoutMs {
			continue
		}
		r.StarvationWarned = true
		logrus.Warnf("sched: starvation detected: req=%s swapped_ms=%d queue_depth=%d mean_age_ms=%.0f max_age_ms=%.0f free_fraction=%.3f",
			r.ID, now-r.TimestampSwappedMs, len(s.swapped), meanAge, maxAge, s.freeFraction())
		if s.metrics != nil {
			s.metrics.RecordStarvation()
		}
	}
}

// admit pops waiting requests into Running while capacity, token budget, and
// device headroom allow. Block allocation consults each accelerator's prefix
// cache, so a request sharing a token prefix with already-cached content
// reuses those blocks instead of drawing all-fresh ones.
func (s *Scheduler) admit() {
	for len(s.waiting) > 0 {
		if len(s.running) >= s.cfg.MaxBatchSize {
			return
		}
		if s.freeFraction() < s.cfg.LaunchBlockThreshold {
			return
		}
		req := s.waiting[0]
		if s.projectedTokenSum()+int64(len(req.InputTokens)) > s.cfg.MaxTokenNumber {
			return
		}

		nBlocks := int(util.CeilDiv(int64(len(req.InputTokens)), s.cfg.BlockTokenNum))
		blocks := make(map[int][]block.ID, len(s.managers))
		cachedBlocks := -1
		for accIdx, mgr := range s.managers {
			ids, cached, err := mgr.AllocateForTokens(nBlocks, req.InputTokens)
			if err != nil {
				for a, rolled := range blocks {
					if ferr := s.managers[a].Free(rolled); ferr != nil {
						logrus.Errorf("sched: rolling back partial admission for req=%s accel=%d: %v", req.ID, a, ferr)
					}
				}
				logrus.Warnf("sched: admission deferred for req=%s: %v", req.ID, err)
				return
			}
			blocks[accIdx] = ids
			if cachedBlocks == -1 || cached < cachedBlocks {
				cachedBlocks = cached
			}
		}
		if cachedBlocks < 0 {
			cachedBlocks = 0
		}

		s.waiting = s.waiting[1:]
		req.KVCacheBlocks = blocks
		req.Stage = request.Prefill
		req.PrefixCacheLen = cachedBlocks * int(s.cfg.BlockTokenNum)
		_, req.PrefixHash = s.managers[0].LookupPrefixChain(req.InputTokens[:req.PrefixCacheLen])
		s.running = append(s.running, req)
		logrus.Infof("sched: req=%s admitted to running (prefill, %d blocks/accel, %d cached)", req.ID, nBlocks, cachedBlocks)
	}
}

// projectedTokenSum approximates the "projected token sum" as the total
// tokens currently produced by Running requests.
func (s *Scheduler) projectedTokenSum() int64 {
	var sum int64
	for _, r := range s.running {
		sum += int64(r.OutputLen())
	}
	return sum
}

// freeFraction is the minimum free-block fraction across all accelerators,
// so pressure/admission decisions are conservative under tensor parallelism.
func (s *Scheduler) freeFraction() float64 {
	min := 1.0
	for _, m := range s.managers {
		if f := m.FreeFraction(); f < min {
			min = f
		}
	}
	return min
}

// assembleBatch returns every Running request, matching continuous batching:
// all running requests advance one step per tick.
func (s *Scheduler) assembleBatch() []*request.Request {
	return append([]*request.Request{}, s.running...)
}

// buildAssignedBatches resolves each request's KV block pointers and logits
// buffer addresses per accelerator (via request.Request.GetBlockPtrs/
// GetLogitsPtrs) and groups them into worker.AssignedBatch.
func (s *Scheduler) buildAssignedBatches(batch []*request.Request) ([]worker.AssignedBatch, error) {
	perAccel := make(map[int][]kernel.ForwardRequest)
	for _, r := range batch {
		isPrefill := r.Stage == request.Prefill
		tokens := r.InputTokens
		if !isPrefill {
			tokens = r.OutputTokens[len(r.OutputTokens)-1:]
		}
		blockPtrs, err := r.GetBlockPtrs(s.resolveBlockPtrs)
		if err != nil {
			return nil, err
		}
		logitsPtrs := r.GetLogitsPtrs(s.workers.LogitsPtr)
		for accIdx := range r.KVCacheBlocks {
			perAccel[accIdx] = append(perAccel[accIdx], kernel.ForwardRequest{
				RequestID: r.ID,
				Tokens:    tokens,
				BlockPtrs: blockPtrs[accIdx],
				LogitsPtr: logitsPtrs[accIdx],
				IsPrefill: isPrefill,
			})
		}
	}

	out := make([]worker.AssignedBatch, 0, len(perAccel))
	for accIdx, reqs := range perAccel {
		maxTok, maxBlk := 0, 0
		for _, r := range reqs {
			if len(r.Tokens) > maxTok {
				maxTok = len(r.Tokens)
			}
			if len(r.BlockPtrs) > maxBlk {
				maxBlk = len(r.BlockPtrs)
			}
		}
		out = append(out, worker.AssignedBatch{
			AcceleratorIndex: accIdx,
			Shape: kernel.ForwardShape{
				BatchSize:     len(reqs),
				MaxTokens:     maxTok,
				LayerBlockNum: maxBlk,
			},
			Requests: reqs,
		})
	}
	return out, nil
}

// collect appends each request's sampled token, advances step, evaluates
// termination, and grows KV blocks when the last one just filled. Under
// tensor parallelism every accelerator samples for the whole batch, but only
// one rank's token is authoritative: consuming every accelerator's result
// here would append a request's output token once per accelerator per tick,
// violating the token-append-exclusivity property (len(output_tokens) ==
// len(input)+k after step k). The lowest accelerator index is treated as the
// canonical rank, mirroring rank 0 broadcasting its sampled token in a real
// tensor-parallel runtime.
func (s *Scheduler) collect(batch []*request.Request, results []worker.StepResult) {
	byID := make(map[string]*request.Request, len(batch))
	for _, r := range batch {
		byID[r.ID] = r
	}

	canonical := canonicalStepResult(results)
	if canonical == nil {
		return
	}

	for _, sample := range canonical.Samples {
		r, ok := byID[sample.RequestID]
		if !ok {
			continue
		}
		r.AppendOutputToken(sample.Token)
		r.Step++
		if r.TimestampFirstTokenMs == 0 {
			r.TimestampFirstTokenMs = s.now()
		}
		if r.Stage == request.Prefill {
			r.Stage = request.Decode
		}

		switch {
		case sample.EOS:
			r.Stage = request.Finished
			logrus.Infof("sched: req=%s finished: eos", r.ID)
		case r.OutputLen()-len(r.InputTokens) >= s.cfg.MaxOutputLen:
			r.Stage = request.Finished
			logrus.Infof("sched: req=%s finished: max_output_len reached", r.ID)
		case r.AbortRequested:
			r.Stage = request.Aborted
		}

		if r.Stage == request.Decode {
			s.recordFullBlocks(r)
			s.maybeGrowBlocks(r)
		}
	}
}

// canonicalStepResult returns the result for the lowest accelerator index
// present, standing in for rank 0 of a tensor-parallel group. Returns nil if
// results is empty.
func canonicalStepResult(results []worker.StepResult) *worker.StepResult {
	if len(results) == 0 {
		return nil
	}
	best := &results[0]
	for i := 1; i < len(results); i++ {
		if results[i].AcceleratorIndex < best.AcceleratorIndex {
			best = &results[i]
		}
	}
	return best
}

// recordFullBlocks registers the content hash of any block that output
// generation has just filled, so a future request sharing this token
// prefix can reuse it instead of drawing a fresh block. Only the first
// accelerator's blocks are recorded: the prefix cache exists to skip
// redundant work, and every accelerator holds identical content for a
// given block index under tensor parallelism.
func (s *Scheduler) recordFullBlocks(r *request.Request) {
	n := int64(r.OutputLen())
	if n%s.cfg.BlockTokenNum != 0 {
		return
	}
	blockIdx := int(n/s.cfg.BlockTokenNum) - 1
	ids := r.KVCacheBlocks[0]
	if blockIdx < 0 || blockIdx >= len(ids) {
		return
	}
	tokens := r.OutputTokensSnapshot()
	// Chain through every earlier block, including blocks filled at prefill
	// that were never recorded themselves.
	var prefixHash uint64
	for i := int64(0); i < int64(blockIdx); i++ {
		prefixHash = block.HashTokens(tokens[i*s.cfg.BlockTokenNum:(i+1)*s.cfg.BlockTokenNum], prefixHash)
	}
	start := int64(blockIdx) * s.cfg.BlockTokenNum
	chunk := tokens[start : start+s.cfg.BlockTokenNum]
	r.PrefixHash = s.managers[0].RecordPrefixBlock(ids[blockIdx], chunk, prefixHash)
}

// maybeGrowBlocks pre-requests one more block per accelerator once the last
// block has just filled. On allocation failure the request is swapped out
// instead.
func (s *Scheduler) maybeGrowBlocks(r *request.Request) {
	if int64(r.OutputLen())%s.cfg.BlockTokenNum != 0 {
		return
	}
	newBlocks := make(map[int][]block.ID, len(s.managers))
	for accIdx, mgr := range s.managers {
		ids, err := mgr.Allocate(1)
		if err != nil {
			for a, rolled := range newBlocks {
				if ferr := s.managers[a].Free(rolled); ferr != nil {
					logrus.Errorf("sched: rolling back partial block growth for req=%s accel=%d: %v", r.ID, a, ferr)
				}
			}
			logrus.Warnf("sched: req=%s: could not grow blocks (%v), swapping out", r.ID, err)
			s.swapOutVictim(r)
			return
		}
		newBlocks[accIdx] = ids
	}
	for accIdx, ids := range newBlocks {
		r.KVCacheBlocks[accIdx] = append(r.KVCacheBlocks[accIdx], ids...)
	}
}

// notify signals the per-step waiter of every request in the batch.
func (s *Scheduler) notify(batch []*request.Request) {
	for _, r := range batch {
		r.NotifyStep()
	}
}

// resolveBlockPtrs is the resolver request.Request.GetBlockPtrs calls into
// for the production path.
func (s *Scheduler) resolveBlockPtrs(accelerator int, ids []block.ID) ([]uintptr, error) {
	return s.managers[accelerator].GetPtrs(ids)
}

func (s *Scheduler) freeDeviceBlocks(r *request.Request) {
	for accIdx, ids := range r.KVCacheBlocks {
		if len(ids) == 0 {
			continue
		}
		if err := s.managers[accIdx].Free(ids); err != nil {
			logrus.Errorf("sched: freeing device blocks for req=%s accel=%d: %v", r.ID, accIdx, err)
		}
	}
	r.KVCacheBlocks = make(map[int][]block.ID)
}

func (s *Scheduler) freeHostBlocks(r *request.Request) {
	for accIdx, ids := range r.HostKVCacheBlocks {
		if len(ids) == 0 {
			continue
		}
		if err := s.managers[accIdx].FreeHost(ids); err != nil {
			logrus.Errorf("sched: freeing host blocks for req=%s accel=%d: %v", r.ID, accIdx, err)
		}
	}
	r.HostKVCacheBlocks = nil
}

func removeReq(list []*request.Request, id string) []*request.Request {
	out := list[:0:0]
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
