// Package worker implements the Worker Group: one logical worker per
// accelerator, executing per-step forward and sampling on its accelerator's
// compute stream and joining a per-step barrier. Each worker runs in its own
// goroutine via golang.org/x/sync/errgroup, so a step fans out genuinely in
// parallel across accelerators rather than round-robining on one goroutine.
package worker

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/kernel"
)

// Worker drives one accelerator's forward+sample for the requests assigned
// to it in a step.
type Worker struct {
	AcceleratorIndex int
	ctx              *accel.Context
	backend          kernel.Backend
}

// New constructs a Worker bound to one accelerator's Context and kernel backend.
func New(acceleratorIndex int, ctx *accel.Context, backend kernel.Backend) *Worker {
	return &Worker{AcceleratorIndex: acceleratorIndex, ctx: ctx, backend: backend}
}

// step runs forward then sampling for this worker's slice of the batch, on
// the accelerator's compute stream so submissions from other components
// queued on the same stream retain FIFO order.
func (w *Worker) step(shape kernel.ForwardShape, reqs []kernel.ForwardRequest) ([]kernel.SampleResult, error) {
	var results []kernel.SampleResult
	var stepErr error

	ev := w.ctx.Stream(accel.Compute).Submit(func() {
		if err := w.backend.Forward(shape, reqs); err != nil {
			stepErr = err
			return
		}
		results, stepErr = w.backend.Sample(reqs)
	})
	ev.Wait()
	return results, stepErr
}

// Group holds one Worker per accelerator and fans a step out across all of
// them, joining before returning so the scheduler sees every accelerator's
// samples for a step before advancing to the next one.
type Group struct {
	workers []*Worker
}

// NewGroup constructs a Group with one Worker per accelerator.
func NewGroup(workers []*Worker) *Group {
	return &Group{workers: workers}
}

// AssignedBatch is one accelerator's slice of the scheduler's batch for this step.
type AssignedBatch struct {
	AcceleratorIndex int
	Shape            kernel.ForwardShape
	Requests         []kernel.ForwardRequest
}

// StepResult aggregates one accelerator's sampling output.
type StepResult struct {
	AcceleratorIndex int
	Samples          []kernel.SampleResult
}

// Step runs forward+sample concurrently across every accelerator holding
// part of the batch and returns once all have completed; if any failed, the
// first error is returned. ctx cancellation neither cuts the wait short nor
// cancels in-flight kernel submissions, since those execute on the
// accelerator's compute stream independent of the caller's context.
func (g *Group) Step(ctx context.Context, batches []AssignedBatch) ([]StepResult, error) {
	results := make([]StepResult, len(batches))
	eg, _ := errgroup.WithContext(ctx)
	for i, b := range batches {
		i, b := i, b
		w := g.workerFor(b.AcceleratorIndex)
		eg.Go(func() error {
			samples, err := w.step(b.Shape, b.Requests)
			if err != nil {
				return err
			}
			results[i] = StepResult{AcceleratorIndex: b.AcceleratorIndex, Samples: samples}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logrus.Errorf("worker.Group.Step: %v", err)
		return nil, err
	}
	return results, nil
}

// LogitsPtr returns the logits buffer address of the accelerator's bound
// backend, resolved by the scheduler via request.Request.GetLogitsPtrs
// before dispatching a step.
func (g *Group) LogitsPtr(acceleratorIndex int) uintptr {
	return g.workerFor(acceleratorIndex).backend.LogitsPtr()
}

func (g *Group) workerFor(acceleratorIndex int) *Worker {
	for _, w := range g.workers {
		if w.AcceleratorIndex == acceleratorIndex {
			return w
		}
	}
	panic("worker.Group: no worker for accelerator index")
}
