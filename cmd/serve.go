package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/block"
	"github.com/ksana-llm/ksana-llm-go/blockmgr"
	"github.com/ksana-llm/ksana-llm-go/httpapi"
	"github.com/ksana-llm/ksana-llm-go/internal/config"
	"github.com/ksana-llm/ksana-llm-go/kernel"
	"github.com/ksana-llm/ksana-llm-go/metrics"
	"github.com/ksana-llm/ksana-llm-go/sched"
	"github.com/ksana-llm/ksana-llm-go/worker"
)

var modelAttrsFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inference serving runtime and its HTTP surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&modelAttrsFile, "model_attrs_file", "examples/model_attrs.txt", "path to the model-attributes key/value file")
}

// runServe wires every package into a running scheduler plus HTTP surface.
// It is the only place in the repository that constructs the full object
// graph — every other package takes its dependencies as constructor
// arguments.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	attrs, err := config.LoadModelAttrs(modelAttrsFile)
	if err != nil {
		return err
	}

	tensorParaSize := cfg.Setting.Global.TensorParaSize
	blockTokenNum := cfg.Setting.BlockManager.BlockTokenNum
	blockSize := config.DeriveBlockSize(attrs, blockTokenNum, tensorParaSize, cfg.Setting.Global.PipelineParaSize)
	deviceBlocks, hostBlocks := config.DeriveBlockCounts(cfg.Setting.BlockManager, blockSize)

	logrus.Infof("serve: tensor_para_size=%d block_size=%d bytes device_blocks=%d host_blocks=%d",
		tensorParaSize, blockSize, deviceBlocks, hostBlocks)

	accelGroup := accel.NewGroup(tensorParaSize)
	defer accelGroup.Close()

	swapPool := blockmgr.NewSwapPool(cfg.Setting.BatchScheduler.SwapThreadpoolSize)
	defer swapPool.Close()

	managers := make([]*blockmgr.Manager, tensorParaSize)
	workers := make([]*worker.Worker, tensorParaSize)
	for i := 0; i < tensorParaSize; i++ {
		dev := block.New(block.Config{BlocksNum: deviceBlocks, BlockSize: blockSize, Tier: block.Device, AcceleratorIndex: i})
		host := block.New(block.Config{BlocksNum: hostBlocks, BlockSize: blockSize, Tier: block.Host, AcceleratorIndex: i})
		managers[i] = blockmgr.New(i, dev, host, accelGroup.Contexts[i], int(blockTokenNum), swapPool)

		backend := kernel.NewFakeBackend(kernel.FP16, attrs.EndID)
		workers[i] = worker.New(i, accelGroup.Contexts[i], backend)
	}

	scheduler := sched.New(sched.FromYAML(cfg, attrs), managers, worker.NewGroup(workers))
	reg := metrics.New()
	scheduler.SetMetrics(reg)
	server := httpapi.New(scheduler, reg)

	ctx, cancel := signalContext()
	defer cancel()

	go tickLoop(ctx, scheduler)
	server.Ready(true)

	addr := fmt.Sprintf("%s:%d", host, port)
	return server.Run(ctx, addr)
}

// tickLoop drives the scheduler at a fixed cadence until ctx is cancelled.
// A real deployment would tick as fast as the worker group can drain the
// batch; a short fixed interval keeps this runnable without a real device.
func tickLoop(ctx context.Context, scheduler *sched.Scheduler) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := scheduler.Tick(ctx); err != nil {
				logrus.Errorf("sched.Tick: %v", err)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logrus.Info("serve: shutdown signal received")
		cancel()
	}()
	return ctx, cancel
}
