// Package request implements the Infer Request: the lifecycle object
// carrying one request's input/output tokens, sampling config, per-device
// block lists, and completion/step waiters. The scheduler owns the request
// queues; a Request itself only exposes message-passing-style waiters so
// callers never need to poll its internal state directly.
package request

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ksana-llm/ksana-llm-go/block"
)

// Stage is the lifecycle state of a request.
type Stage int

const (
	Prefill Stage = iota
	Decode
	Swapped
	Finished
	Aborted
)

func (s Stage) String() string {
	switch s {
	case Prefill:
		return "prefill"
	case Decode:
		return "decode"
	case Swapped:
		return "swapped"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SamplingConfig controls token selection. Numerical sampling behavior is
// out of scope here; only the fields the scheduler needs to evaluate
// termination are modeled.
type SamplingConfig struct {
	Temperature float64
	TopP        float64
	MaxNewToken int // redundant with MaxOutputLen at the scheduler; carried for parity with the wire config
}

// Request is the lifecycle object the scheduler, block manager, and worker
// group all operate on. OutputMu guards OutputTokens against concurrent
// access by the sampling path (append) and the response path (read).
type Request struct {
	ID string

	InputTokens  []int
	OutputTokens []int // starts equal to InputTokens (verbatim)
	Sampling     SamplingConfig

	Stage Stage
	Step  int // 1 after prefill, then 2, 3, ...

	// KVCacheBlocks maps accelerator index -> ordered device block ids.
	KVCacheBlocks map[int][]block.ID
	// HostKVCacheBlocks is populated only while Stage == Swapped.
	HostKVCacheBlocks map[int][]block.ID
	SwapPending       bool

	TimestampAdmitMs      int64
	TimestampFirstTokenMs int64 // set once, on the first sampled token
	TimestampSwappedMs    int64 // set each time the request enters the Swapped queue
	PrefixCacheLen        int
	PrefixHash            uint64 // chained prefix-cache hash through the last recorded full block
	PaddedSize            int
	StarvationWarned      bool // true once a starvation condition has been reported for this request

	AbortRequested bool
	// AbortReason carries the errs.Code/cause when Stage == Aborted, e.g. an
	// OutOfMemory error from a failed swap-out during host-tier exhaustion.
	// Nil for a client-initiated cancel or a plain timeout.
	AbortReason error

	OutputMu sync.Mutex

	finishedOnce sync.Once
	finishedCh   chan struct{}
	stepCh       chan struct{}
}

// New constructs a Request in the Prefill stage. If id is empty a uuid is
// generated so callers never need to invent a request identifier themselves.
func New(id string, inputTokens []int, sampling SamplingConfig, admitMs int64) *Request {
	if id == "" {
		id = uuid.NewString()
	}
	out := make([]int, len(inputTokens))
	copy(out, inputTokens)
	return &Request{
		ID:                id,
		InputTokens:       inputTokens,
		OutputTokens:      out,
		Sampling:          sampling,
		Stage:             Prefill,
		Step:              0,
		KVCacheBlocks:     make(map[int][]block.ID),
		HostKVCacheBlocks: make(map[int][]block.ID),
		TimestampAdmitMs:  admitMs,
		finishedCh:        make(chan struct{}),
		stepCh:            make(chan struct{}, 1),
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(id=%s stage=%s step=%d in=%d out=%d)",
		r.ID, r.Stage, r.Step, len(r.InputTokens), len(r.OutputTokens))
}

// NotifyFinished signals the completion waiter exactly once; idempotent.
func (r *Request) NotifyFinished() {
	r.finishedOnce.Do(func() { close(r.finishedCh) })
}

// Finished returns a channel that closes exactly once, when the request
// reaches a terminal stage.
func (r *Request) Finished() <-chan struct{} { return r.finishedCh }

// NotifyStep signals the step waiter. Must be paired one-to-one with the
// scheduler's step barrier: a non-blocking send keeps a slow consumer from
// stalling the scheduler, and callers that care about every tick should
// drain stepCh between ticks.
func (r *Request) NotifyStep() {
	select {
	case r.stepCh <- struct{}{}:
	default:
	}
}

// StepSignal returns the per-step notification channel.
func (r *Request) StepSignal() <-chan struct{} { return r.stepCh }

// AppendOutputToken appends a sampled token under OutputMu.
func (r *Request) AppendOutputToken(token int) {
	r.OutputMu.Lock()
	defer r.OutputMu.Unlock()
	r.OutputTokens = append(r.OutputTokens, token)
}

// OutputLen returns len(OutputTokens) under OutputMu, for readers racing the
// sampling path.
func (r *Request) OutputLen() int {
	r.OutputMu.Lock()
	defer r.OutputMu.Unlock()
	return len(r.OutputTokens)
}

// OutputTokensSnapshot returns a copy of OutputTokens under OutputMu, safe to
// read while the sampling path may be appending concurrently.
func (r *Request) OutputTokensSnapshot() []int {
	r.OutputMu.Lock()
	defer r.OutputMu.Unlock()
	out := make([]int, len(r.OutputTokens))
	copy(out, r.OutputTokens)
	return out
}

// GetLogitsPtrs resolves, for every accelerator this request currently holds
// KV cache blocks on, the address of the logits buffer sampling reads from.
// resolve is bound to the Worker Group in production (worker.Group.LogitsPtr).
func (r *Request) GetLogitsPtrs(resolve func(accelerator int) uintptr) map[int]uintptr {
	out := make(map[int]uintptr, len(r.KVCacheBlocks))
	for accIdx := range r.KVCacheBlocks {
		out[accIdx] = resolve(accIdx)
	}
	return out
}

// GetBlockPtrs resolves KVCacheBlocks[accel][*] to arena offsets via the
// supplied per-accelerator pointer resolver.
func (r *Request) GetBlockPtrs(resolve func(accelerator int, ids []block.ID) ([]uintptr, error)) (map[int][]uintptr, error) {
	out := make(map[int][]uintptr, len(r.KVCacheBlocks))
	for accIdx, ids := range r.KVCacheBlocks {
		ptrs, err := resolve(accIdx, ids)
		if err != nil {
			return nil, err
		}
		out[accIdx] = ptrs
	}
	return out, nil
}
