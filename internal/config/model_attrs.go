package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/ksana-llm/ksana-llm-go/internal/errs"
)

// ModelAttrs is the parsed form of the model-attributes key/value file.
// Only fp16 weights are accepted by the core.
type ModelAttrs struct {
	HeadNum               int
	NumKeyValueHeads      int
	SizePerHead           int
	InterSize             int
	VocabSize             int
	NumLayer              int
	RotaryEmbedding       int
	RopeTheta             float64
	LayernormEps          float64
	StartID               int
	EndID                 int
	MaxPositionEmbeddings int
	WeightDataType        string
}

// LoadModelAttrs parses a flat `key = value` (or `key: value`) file into a
// ModelAttrs, applying defaults for any missing key and validating
// WeightDataType.
func LoadModelAttrs(path string) (ModelAttrs, error) {
	f, err := os.Open(path)
	if err != nil {
		return ModelAttrs{}, errs.Wrap(errs.SegmentFault, err, "config.LoadModelAttrs: opening %s", path)
	}
	defer f.Close()

	kv := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sep := "="
		if strings.Contains(line, ":") && !strings.Contains(line, "=") {
			sep = ":"
		}
		parts := strings.SplitN(line, sep, 2)
		if len(parts) != 2 {
			continue
		}
		kv[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return ModelAttrs{}, errs.Wrap(errs.SegmentFault, err, "config.LoadModelAttrs: scanning %s", path)
	}

	attrs := ModelAttrs{
		RopeTheta:      10000,
		StartID:        -1,
		EndID:          -1,
		WeightDataType: "fp16",
	}
	attrs.HeadNum = atoiOr(kv["head_num"], 0)
	attrs.NumKeyValueHeads = atoiOr(kv["num_key_value_heads"], attrs.HeadNum)
	attrs.SizePerHead = atoiOr(kv["size_per_head"], 0)
	attrs.InterSize = atoiOr(kv["inter_size"], 0)
	attrs.VocabSize = atoiOr(kv["vocab_size"], 0)
	attrs.NumLayer = atoiOr(kv["num_layer"], 0)
	attrs.RotaryEmbedding = atoiOr(kv["rotary_embedding"], 0)
	if v, ok := kv["rope_theta"]; ok {
		attrs.RopeTheta = atofOr(v, attrs.RopeTheta)
	}
	attrs.LayernormEps = atofOr(kv["layernorm_eps"], 1e-5)
	attrs.StartID = atoiOr(kv["start_id"], attrs.StartID)
	attrs.EndID = atoiOr(kv["end_id"], attrs.EndID)
	attrs.MaxPositionEmbeddings = atoiOr(kv["max_position_embeddings"], 0)
	if v, ok := kv["weight_data_type"]; ok {
		attrs.WeightDataType = v
	}

	if attrs.WeightDataType != "fp16" {
		return ModelAttrs{}, errs.New(errs.InvalidArgument,
			"config.LoadModelAttrs: weight_data_type %q unsupported, only fp16 is accepted", attrs.WeightDataType)
	}
	if attrs.NumKeyValueHeads == 0 {
		attrs.NumKeyValueHeads = attrs.HeadNum
	}
	return attrs, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func atofOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

// simulatedDeviceBytes stands in for a real CUDA/NPU memory query: the
// capacity a single accelerator in this repository is assumed to expose.
const simulatedDeviceBytes = 16 << 30 // 16 GiB

// DeriveBlockCounts computes the device and host block pool sizes per
// accelerator from reserved_device_memory_ratio, block_device_memory_ratio,
// and block_host_memory_factor.
func DeriveBlockCounts(bm BlockManager, blockSize int64) (deviceBlocks, hostBlocks int) {
	usable := float64(simulatedDeviceBytes) * (1 - bm.ReservedDeviceMemoryRatio)
	if bm.BlockDeviceMemoryRatio >= 0 {
		usable = float64(simulatedDeviceBytes) * bm.BlockDeviceMemoryRatio
	}
	deviceBlocks = int(usable / float64(blockSize))
	hostBlocks = int(float64(deviceBlocks) * bm.BlockHostMemoryFactor)
	return deviceBlocks, hostBlocks
}

// DeriveBlockSize computes the per-block byte size:
//
//	block_size = (num_layer/pipeline_para) * (head_num/tensor_para) *
//	             size_per_head * block_token_num * 2 (K+V) * sizeof(fp16)
//
// The result must be identical on host and device tiers, which holds
// automatically since both tiers are derived from the same attrs/config.
func DeriveBlockSize(attrs ModelAttrs, blockTokenNum int64, tensorParaSize, pipelineParaSize int) int64 {
	const fp16Bytes = 2
	const kAndV = 2
	layersPerStage := int64(attrs.NumLayer) / int64(pipelineParaSize)
	headsPerRank := int64(attrs.HeadNum) / int64(tensorParaSize)
	return layersPerStage * headsPerRank * int64(attrs.SizePerHead) * blockTokenNum * kAndV * fp16Bytes
}
