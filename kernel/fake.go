package kernel

import (
	"sync"
	"sync/atomic"
)

// logitsAddrCounter hands out stable, unique synthetic logits buffer
// addresses across all FakeBackend instances in a process, the same way
// block.Allocator hands out arena offsets: a bookkeeping value, never a real
// pointer to dereference.
var logitsAddrCounter uint64

// logitsBufBytes is a stand-in size for one accelerator's resident logits
// buffer; the fake backend never actually writes through it.
const logitsBufBytes = 4096

// FakeBackend is the only Backend implementation in this repository: a
// deterministic stand-in for real attention/MLP/sampling kernels. It flags a
// sample as EOS only when told to via ForceEOS, so tests can exercise the
// max-output-len termination path deterministically as well as the EOS path.
type FakeBackend struct {
	mu        sync.Mutex
	dtype     DType
	eosToken  int
	forceEOS  map[string]int // RequestID -> sample-call count at which to emit EOS
	sampleCnt map[string]int
	nextToken int
	logitsPtr uintptr
}

// NewFakeBackend creates a FakeBackend that samples ascending synthetic
// token ids and flags EOS (returning eosToken) only where ForceEOS
// configures it to; the ascending ids are not checked against eosToken, so
// one of them can equal it without being flagged as EOS. Each
// instance is assigned its own logits buffer address, distinct from every
// other backend in the process (one real buffer per accelerator in
// production; under tensor parallelism every accelerator samples
// independently even though only the canonical rank's token is kept).
func NewFakeBackend(dtype DType, eosToken int) *FakeBackend {
	return &FakeBackend{
		dtype:     dtype,
		eosToken:  eosToken,
		forceEOS:  make(map[string]int),
		sampleCnt: make(map[string]int),
		logitsPtr: uintptr(atomic.AddUint64(&logitsAddrCounter, logitsBufBytes)),
	}
}

// LogitsPtr returns this backend's synthetic logits buffer address.
func (f *FakeBackend) LogitsPtr() uintptr { return f.logitsPtr }

// ForceEOS makes the backend emit EOS for reqID as the afterTokens-th token
// it samples for that request (and on every sample after that).
func (f *FakeBackend) ForceEOS(reqID string, afterTokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceEOS[reqID] = afterTokens
}

func (f *FakeBackend) DType() DType { return f.dtype }

func (f *FakeBackend) Forward(shape ForwardShape, reqs []ForwardRequest) error {
	// No real math: the fake backend only needs to observe that block
	// pointers were resolved before dispatch, matching the real
	// kernel's contract that KV pointers are valid for the duration of Forward.
	for _, r := range reqs {
		if len(r.BlockPtrs) == 0 && len(r.Tokens) > 0 {
			return errNoBlocks(r.RequestID)
		}
		if r.LogitsPtr == 0 && len(r.Tokens) > 0 {
			return errNoLogitsPtr(r.RequestID)
		}
	}
	return nil
}

func (f *FakeBackend) Sample(reqs []ForwardRequest) ([]SampleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SampleResult, len(reqs))
	for i, r := range reqs {
		f.sampleCnt[r.RequestID]++
		f.nextToken++
		tok := f.nextToken
		eos := false
		if limit, ok := f.forceEOS[r.RequestID]; ok && f.sampleCnt[r.RequestID] >= limit {
			tok = f.eosToken
			eos = true
		}
		out[i] = SampleResult{RequestID: r.RequestID, Token: tok, EOS: eos}
	}
	return out, nil
}

type kernelError string

func (e kernelError) Error() string { return string(e) }

func errNoBlocks(reqID string) error {
	return kernelError("kernel: forward called for request " + reqID + " with no resolved block pointers")
}

func errNoLogitsPtr(reqID string) error {
	return kernelError("kernel: forward called for request " + reqID + " with no resolved logits pointer")
}
