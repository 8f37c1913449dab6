// Package config loads and validates the runtime's YAML configuration and
// the model-attributes key/value file.
//
// Config mirrors the nested `setting.*`/`model_spec.*` document shape and is
// loaded with gopkg.in/yaml.v3 over a set of built-in defaults.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ksana-llm/ksana-llm-go/internal/errs"
)

// Global holds setting.global.
type Global struct {
	TensorParaSize    int  `yaml:"tensor_para_size"`
	PipelineParaSize  int  `yaml:"pipeline_para_size"`
	EnableLoraAdapter bool `yaml:"enable_lora_adapter"`
}

// BatchScheduler holds setting.batch_scheduler, mirrored field-for-field on
// sched.Config (internal/config stays the wire/YAML shape; sched.Config is
// the typed runtime shape consumed by the scheduler).
type BatchScheduler struct {
	WaitingTimeoutInMs    int64   `yaml:"waiting_timeout_in_ms"`
	MaxWaitingQueueLen    int     `yaml:"max_waiting_queue_len"`
	MaxTokenNumber        int64   `yaml:"max_token_number"`
	MaxBatchSize          int     `yaml:"max_batch_size"`
	MaxInputLen           int     `yaml:"max_input_len"`
	MaxOutputLen          int     `yaml:"max_output_len"`
	SwapoutBlockThreshold float64 `yaml:"swapout_block_threshold"`
	SwapinBlockThreshold  float64 `yaml:"swapin_block_threshold"`
	LaunchBlockThreshold  float64 `yaml:"launch_block_threshold"`
	SwapThreadpoolSize    int     `yaml:"swap_threadpool_size"`
}

// BlockManager holds setting.block_manager.
type BlockManager struct {
	BlockTokenNum             int64   `yaml:"block_token_num"`
	ReservedDeviceMemoryRatio float64 `yaml:"reserved_device_memory_ratio"`
	BlockDeviceMemoryRatio    float64 `yaml:"block_device_memory_ratio"`
	BlockHostMemoryFactor     float64 `yaml:"block_host_memory_factor"`
	LoraBlockTokenNum         int64   `yaml:"lora_block_token_num"`
}

// Setting groups the three setting.* sections.
type Setting struct {
	Global         Global         `yaml:"global"`
	BatchScheduler BatchScheduler `yaml:"batch_scheduler"`
	BlockManager   BlockManager   `yaml:"block_manager"`
}

// BaseModel holds model_spec.base_model.
type BaseModel struct {
	ModelName string `yaml:"model_name"`
	ModelDir  string `yaml:"model_dir"`
}

// LoraModel holds one entry of model_spec.lora_models.
type LoraModel struct {
	LoraName string `yaml:"lora_name"`
	LoraDir  string `yaml:"lora_dir"`
}

// ModelSpec holds model_spec.
type ModelSpec struct {
	BaseModel  BaseModel   `yaml:"base_model"`
	LoraModels []LoraModel `yaml:"lora_models"`
}

// Config is the parsed form of the YAML document at --config_file.
type Config struct {
	Setting   Setting   `yaml:"setting"`
	ModelSpec ModelSpec `yaml:"model_spec"`
}

// Default returns a Config populated with the runtime's built-in defaults.
func Default() Config {
	return Config{
		Setting: Setting{
			Global: Global{
				TensorParaSize:   1,
				PipelineParaSize: 1,
			},
			BatchScheduler: BatchScheduler{
				WaitingTimeoutInMs:    600000,
				MaxWaitingQueueLen:    256,
				MaxTokenNumber:        4096,
				MaxBatchSize:          8,
				MaxInputLen:           1024,
				MaxOutputLen:          1024,
				SwapoutBlockThreshold: 1.0,
				SwapinBlockThreshold:  2.0,
				LaunchBlockThreshold:  2.0,
				SwapThreadpoolSize:    8,
			},
			BlockManager: BlockManager{
				BlockTokenNum:             16,
				ReservedDeviceMemoryRatio: 0.05,
				BlockDeviceMemoryRatio:    -1,
				BlockHostMemoryFactor:     10.0,
			},
		},
	}
}

// Load reads and parses the YAML document at path over the defaults, then
// validates it. A missing or malformed file is reported as SegmentFault;
// a value out of range is InvalidArgument.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.SegmentFault, err, "config.Load: reading %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.SegmentFault, err, "config.Load: parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	logrus.Infof("config.Load: loaded %s (tensor_para_size=%d model=%s)",
		path, cfg.Setting.Global.TensorParaSize, cfg.ModelSpec.BaseModel.ModelName)
	return cfg, nil
}

// Validate enforces the structural invariants this core requires: pipeline
// parallelism must be 1, and tensor_para_size must be positive.
func (c Config) Validate() error {
	if c.Setting.Global.PipelineParaSize != 1 {
		return errs.New(errs.InvalidArgument,
			"config: pipeline_para_size must equal 1 for this core, got %d", c.Setting.Global.PipelineParaSize)
	}
	if c.Setting.Global.TensorParaSize < 1 {
		return errs.New(errs.InvalidArgument,
			"config: tensor_para_size must be >= 1, got %d", c.Setting.Global.TensorParaSize)
	}
	return nil
}

// String renders a short human summary for the validate-config subcommand's output.
func (c Config) String() string {
	return fmt.Sprintf(
		"tensor_para_size=%d max_batch_size=%d max_token_number=%d block_token_num=%d model=%s",
		c.Setting.Global.TensorParaSize, c.Setting.BatchScheduler.MaxBatchSize,
		c.Setting.BatchScheduler.MaxTokenNumber, c.Setting.BlockManager.BlockTokenNum,
		c.ModelSpec.BaseModel.ModelName)
}
