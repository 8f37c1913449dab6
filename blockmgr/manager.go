// Package blockmgr implements the per-accelerator Block Manager: a façade
// over a device and a host block.Allocator that maps opaque block ids to
// pointers and performs asynchronous SwapIn/SwapOut between tiers.
package blockmgr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/block"
)

// Future resolves once the stream event associated with a swap's final copy
// has fired and the source tier's blocks have been released.
type Future struct {
	event *accel.Event
	err   error
	mu    sync.Mutex
}

func newFuture(ev *accel.Event) *Future { return &Future{event: ev} }

// Wait blocks until the swap completes and returns its error, if any.
func (f *Future) Wait() error {
	f.event.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done reports whether the swap has completed.
func (f *Future) Done() <-chan struct{} { return f.event.Done() }

func (f *Future) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// SwapPool bounds the goroutines that wait on a swap copy's completion event
// and reclaim the source tier's blocks afterward, per the batch scheduler's
// swap_threadpool_size. The copy itself still runs in FIFO order on the
// accelerator's d2h/h2d stream; this pool only bounds how many pending
// completions are watched concurrently, so a burst of swaps can't spawn an
// unbounded number of goroutines. One pool is typically shared across every
// accelerator's Manager.
type SwapPool struct {
	work chan func()
	done chan struct{}
}

// NewSwapPool starts size supervisor goroutines, each pulling completion
// callbacks off a shared queue. size < 1 is clamped to 1.
func NewSwapPool(size int) *SwapPool {
	if size < 1 {
		size = 1
	}
	p := &SwapPool{
		work: make(chan func()),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go func() {
			for {
				select {
				case fn := <-p.work:
					fn()
				case <-p.done:
					return
				}
			}
		}()
	}
	return p
}

// Submit enqueues fn to run on the next available supervisor goroutine.
func (p *SwapPool) Submit(fn func()) {
	select {
	case p.work <- fn:
	case <-p.done:
	}
}

// Close stops every supervisor goroutine. Callbacks already pulled off the
// queue still run to completion; nothing new is accepted after Close.
func (p *SwapPool) Close() {
	close(p.done)
}

// Manager composes one device and one host block.Allocator for a single
// accelerator. The device allocator carries the prefix cache; the host
// allocator does not, since host-tier blocks are opaque swap targets.
type Manager struct {
	mu sync.Mutex

	acceleratorIndex int
	device           *block.Allocator
	host             *block.Allocator
	ctx              *accel.Context
	pool             *SwapPool
}

// New constructs a Block Manager for one accelerator. pool bounds the
// swap-completion supervisor goroutines SwapOut/SwapIn submit to; callers
// typically share one SwapPool across every accelerator's Manager.
func New(acceleratorIndex int, device, host *block.Allocator, ctx *accel.Context, blockTokenNum int, pool *SwapPool) *Manager {
	device.SetPrefixCache(block.NewPrefixCache(blockTokenNum))
	return &Manager{
		acceleratorIndex: acceleratorIndex,
		device:           device,
		host:             host,
		ctx:              ctx,
		pool:             pool,
	}
}

// Allocate reserves n device blocks, with no prefix-cache consultation (used
// for decode-time incremental block growth, where the content is new).
func (m *Manager) Allocate(n int) ([]block.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.Allocate(n)
}

// AllocateForTokens reserves n device blocks for tokens, reusing as many
// cached prefix blocks as match before drawing fresh ones. Returns the full
// ordered block id list and how many leading blocks came from the cache.
func (m *Manager) AllocateForTokens(n int, tokens []int) ([]block.ID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.AllocateForTokens(n, tokens)
}

// Free releases device blocks back to the pool. Their content, and any
// prefix-cache entry for it, stays intact until the block is actually drawn
// for unrelated content by a future Allocate/AllocateForTokens.
func (m *Manager) Free(ids []block.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.Free(ids)
}

// FreeHost releases host blocks directly, for aborting a request while it is
// parked in the Swapped queue (no device blocks to free in that state).
func (m *Manager) FreeHost(ids []block.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host.Free(ids)
}

// GetPtrs resolves device block ids to arena offsets.
func (m *Manager) GetPtrs(ids []block.ID) ([]uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ptrs := make([]uintptr, len(ids))
	for i, id := range ids {
		p, err := m.device.Ptr(id)
		if err != nil {
			return nil, err
		}
		ptrs[i] = p
	}
	return ptrs, nil
}

// FreeCount returns the number of free device blocks.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.FreeCount()
}

// HostFreeCount returns the number of free host blocks.
func (m *Manager) HostFreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host.FreeCount()
}

// FreeFraction returns the fraction of device blocks currently free. Blocks
// reserved by an in-flight SwapOut are not yet free, so they are correctly
// excluded by the underlying allocator's own refcounting.
func (m *Manager) FreeFraction() float64 {
	total := m.device.TotalBlocks()
	if total == 0 {
		return 1
	}
	return float64(m.FreeCount()) / float64(total)
}

// RecordPrefixBlock registers that device block id now holds the full prefix
// ending at tokens, chained from prefixHash.
func (m *Manager) RecordPrefixBlock(id block.ID, tokens []int, prefixHash uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.RecordPrefixBlock(id, tokens, prefixHash)
}

// LookupPrefixChain returns cached device block ids for the longest cached
// prefix of tokens, plus the chained hash through the last match.
func (m *Manager) LookupPrefixChain(tokens []int) ([]block.ID, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.LookupPrefixChain(tokens)
}

// SwapOut reserves len(deviceIDs) host blocks atomically, then asynchronously
// copies device content to host on the d2h stream. The device ids are
// released back to the device free list once the copy completes, and the
// Future resolves only after that release.
func (m *Manager) SwapOut(deviceIDs []block.ID) ([]block.ID, *Future, error) {
	m.mu.Lock()
	hostIDs, err := m.host.Allocate(len(deviceIDs))
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	m.mu.Unlock()

	logrus.Infof("blockmgr.SwapOut: accelerator=%d blocks=%d", m.acceleratorIndex, len(deviceIDs))

	ev := m.ctx.Stream(accel.D2H).Submit(func() {
		for i, did := range deviceIDs {
			copy(m.host.Bytes(hostIDs[i]), m.device.Bytes(did))
		}
	})
	reclaimed := accel.NewEvent()
	future := newFuture(reclaimed)

	m.pool.Submit(func() {
		defer reclaimed.Fire()
		ev.Wait()
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.device.Free(deviceIDs); err != nil {
			future.fail(err)
			logrus.Errorf("blockmgr.SwapOut: freeing device blocks after copy: %v", err)
		}
	})

	return hostIDs, future, nil
}

// SwapIn reserves len(hostIDs) device blocks atomically, then asynchronously
// copies host content back to device on the h2d stream. Host ids return to
// the host free list once the copy completes, and the Future resolves only
// after that release.
func (m *Manager) SwapIn(hostIDs []block.ID) ([]block.ID, *Future, error) {
	m.mu.Lock()
	deviceIDs, err := m.device.Allocate(len(hostIDs))
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	m.mu.Unlock()

	logrus.Infof("blockmgr.SwapIn: accelerator=%d blocks=%d", m.acceleratorIndex, len(hostIDs))

	ev := m.ctx.Stream(accel.H2D).Submit(func() {
		for i, hid := range hostIDs {
			copy(m.device.Bytes(deviceIDs[i]), m.host.Bytes(hid))
		}
	})
	reclaimed := accel.NewEvent()
	future := newFuture(reclaimed)

	m.pool.Submit(func() {
		defer reclaimed.Fire()
		ev.Wait()
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.host.Free(hostIDs); err != nil {
			future.fail(err)
			logrus.Errorf("blockmgr.SwapIn: freeing host blocks after copy: %v", err)
		}
	})

	return deviceIDs, future, nil
}
