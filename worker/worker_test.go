package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/kernel"
)

func TestGroupStepFansOutPerAccelerator(t *testing.T) {
	g1 := accel.NewContext(0, 0, 2)
	g2 := accel.NewContext(1, 1, 2)
	defer g1.Close()
	defer g2.Close()

	b1 := kernel.NewFakeBackend(kernel.FP16, 0)
	b2 := kernel.NewFakeBackend(kernel.FP16, 0)

	group := NewGroup([]*Worker{New(0, g1, b1), New(1, g2, b2)})

	batches := []AssignedBatch{
		{AcceleratorIndex: 0, Requests: []kernel.ForwardRequest{{RequestID: "r1", Tokens: []int{1}, BlockPtrs: []uintptr{8}, LogitsPtr: b1.LogitsPtr()}}},
		{AcceleratorIndex: 1, Requests: []kernel.ForwardRequest{{RequestID: "r2", Tokens: []int{1}, BlockPtrs: []uintptr{8}, LogitsPtr: b2.LogitsPtr()}}},
	}

	results, err := group.Step(context.Background(), batches)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.Samples, 1)
	}
}

func TestGroupStepPropagatesKernelError(t *testing.T) {
	ctx := accel.NewContext(0, 0, 1)
	defer ctx.Close()
	backend := kernel.NewFakeBackend(kernel.FP16, 0)
	group := NewGroup([]*Worker{New(0, ctx, backend)})

	batches := []AssignedBatch{
		{AcceleratorIndex: 0, Requests: []kernel.ForwardRequest{{RequestID: "r1", Tokens: []int{1}}}}, // no BlockPtrs
	}
	_, err := group.Step(context.Background(), batches)
	require.Error(t, err)
}
