package sched

import "github.com/ksana-llm/ksana-llm-go/internal/config"

// Config groups the batch-scheduler's tunables, plus BlockTokenNum (the
// scheduler needs it to size prefill allocations) and EOSToken taken from
// the model attributes file's end_id.
type Config struct {
	MaxWaitingQueueLen int     // max_waiting_queue_len
	WaitingTimeoutMs   int64   // waiting_timeout_in_ms
	MaxBatchSize       int     // max_batch_size
	MaxTokenNumber     int64   // max_token_number
	MaxInputLen        int     // max_input_len
	MaxOutputLen       int     // max_output_len

	SwapoutBlockThreshold float64 // swapout_block_threshold
	SwapinBlockThreshold  float64 // swapin_block_threshold
	LaunchBlockThreshold  float64 // launch_block_threshold
	// SwapThreadpoolSize sizes the blockmgr.SwapPool shared across every
	// accelerator's Manager, constructed directly from the YAML config in
	// cmd/serve.go (the pool is built before the scheduler and handed to
	// blockmgr.New, so sched itself never touches it). Carried here only so
	// Config reflects every batch_scheduler setting.
	SwapThreadpoolSize int // swap_threadpool_size

	BlockTokenNum int64 // block_token_num
	EOSToken      int
}

// DefaultConfig returns the scheduler's built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxWaitingQueueLen:    256,
		WaitingTimeoutMs:      600000,
		MaxBatchSize:          8,
		MaxTokenNumber:        4096,
		MaxInputLen:           1024,
		MaxOutputLen:          1024,
		SwapoutBlockThreshold: 1.0,
		SwapinBlockThreshold:  2.0,
		LaunchBlockThreshold:  2.0,
		SwapThreadpoolSize:    8,
		BlockTokenNum:         16,
	}
}

// FromYAML builds a sched.Config from the parsed YAML configuration's
// batch_scheduler/block_manager sections plus the model attributes' end_id.
func FromYAML(cfg config.Config, attrs config.ModelAttrs) Config {
	bs := cfg.Setting.BatchScheduler
	return Config{
		MaxWaitingQueueLen:    bs.MaxWaitingQueueLen,
		WaitingTimeoutMs:      bs.WaitingTimeoutInMs,
		MaxBatchSize:          bs.MaxBatchSize,
		MaxTokenNumber:        bs.MaxTokenNumber,
		MaxInputLen:           bs.MaxInputLen,
		MaxOutputLen:          bs.MaxOutputLen,
		SwapoutBlockThreshold: bs.SwapoutBlockThreshold,
		SwapinBlockThreshold:  bs.SwapinBlockThreshold,
		LaunchBlockThreshold:  bs.LaunchBlockThreshold,
		SwapThreadpoolSize:    bs.SwapThreadpoolSize,
		BlockTokenNum:         cfg.Setting.BlockManager.BlockTokenNum,
		EOSToken:              attrs.EndID,
	}
}
