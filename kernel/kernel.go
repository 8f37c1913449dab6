// Package kernel defines the external compute-kernel façade the Worker
// Group dispatches to, and a fake in-repo backend used by tests. Numerical
// correctness of attention/activation kernels is not this package's concern;
// it exists only so worker.Group has something real to call through.
package kernel

// DType is the closed set of numeric types the kernel façade dispatches
// over. Model weight dtype is validated elsewhere (internal/config) to be
// fp16 only; the façade itself is dtype-agnostic, dispatching on whatever
// DType the bound Backend reports.
type DType int

const (
	FP16 DType = iota
	FP32
	BF16
	FP8E4M3
	FP8E5M2
	Int8
)

func (d DType) String() string {
	switch d {
	case FP16:
		return "fp16"
	case FP32:
		return "fp32"
	case BF16:
		return "bf16"
	case FP8E4M3:
		return "fp8_e4m3"
	case FP8E5M2:
		return "fp8_e5m2"
	case Int8:
		return "int8"
	default:
		return "unknown"
	}
}

// ForwardRequest carries one request's slice of a batch forward pass: the
// token ids to process this step, the device block pointers backing its KV
// cache (resolved by the Block Manager before dispatch), and the address of
// the logits buffer Sample reads from for this request on this accelerator.
type ForwardRequest struct {
	RequestID string
	Tokens    []int
	BlockPtrs []uintptr
	LogitsPtr uintptr
	IsPrefill bool
}

// ForwardShape describes one step's batch geometry: {batch_size, max_tokens, layer_block_num}.
type ForwardShape struct {
	BatchSize     int
	MaxTokens     int
	LayerBlockNum int
}

// SampleResult is one request's chosen token for this step.
type SampleResult struct {
	RequestID string
	Token     int
	EOS       bool
}

// Backend is the external collaborator: attention/MLP forward plus sampling,
// bound to real CUDA/NPU kernels in production. Forward and Sample are
// invoked on the accelerator's compute stream by worker.Worker.
type Backend interface {
	DType() DType
	Forward(shape ForwardShape, reqs []ForwardRequest) error
	Sample(reqs []ForwardRequest) ([]SampleResult, error)
	// LogitsPtr returns this backend's logits buffer address on its bound
	// accelerator, for request.Request.GetLogitsPtrs to resolve per request.
	LogitsPtr() uintptr
}
