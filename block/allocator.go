// Package block implements the fixed-size paged memory allocator that backs
// one tier (device or host) of KV cache on one accelerator, plus contiguous
// (non-paged) allocations numbered in a disjoint id space.
package block

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ksana-llm/ksana-llm-go/internal/errs"
)

// Tier identifies which memory tier an allocator manages.
type Tier int

const (
	Device Tier = iota
	Host
)

func (t Tier) String() string {
	if t == Device {
		return "device"
	}
	return "host"
}

// ID is a stable block identifier within one tier of one accelerator.
type ID int

// AllocID identifies a contiguous (non-paged) allocation. Monotonically
// increasing, non-zero, and never reissued after being freed.
type AllocID int64

// Config parametrizes a single-tier allocator.
type Config struct {
	BlocksNum        int
	BlockSize        int64 // bytes per block
	Tier             Tier
	AcceleratorIndex int
}

// block is the allocator's bookkeeping record for one slab. RefCount>0
// implies the block is not in the free list, per the Block invariants.
type block struct {
	id       ID
	refCount int
}

// Allocator owns one pool of fixed-size blocks carved from a backing byte
// arena, so Ptr returns real offsets a test can read and write through, plus
// contiguous allocations that are tracked by id only and have no backing
// bytes of their own.
type Allocator struct {
	cfg Config

	arena []byte // BlocksNum*BlockSize bytes, reserved once at construction

	blocks   []*block
	free     []ID // LIFO free list (stack): most-recently-freed allocated first
	inFlight map[ID]bool

	nextContiguousID AllocID
	contiguous       map[AllocID]contigAlloc
	freedContiguous  map[AllocID]bool

	prefix *PrefixCache // nil unless SetPrefixCache was called (device tier only)
}

type contigAlloc struct {
	offset int64
	size   int64
}

// New reserves BlocksNum*BlockSize bytes and carves it into BlocksNum equal
// blocks with ids 1..BlocksNum, all initially free.
func New(cfg Config) *Allocator {
	if cfg.BlocksNum < 0 {
		panic("block.New: BlocksNum must be >= 0")
	}
	a := &Allocator{
		cfg:             cfg,
		arena:           make([]byte, int64(cfg.BlocksNum)*cfg.BlockSize),
		blocks:          make([]*block, cfg.BlocksNum),
		free:            make([]ID, cfg.BlocksNum),
		inFlight:        make(map[ID]bool),
		contiguous:      make(map[AllocID]contigAlloc),
		freedContiguous: make(map[AllocID]bool),
	}
	for i := 0; i < cfg.BlocksNum; i++ {
		id := ID(i + 1)
		a.blocks[i] = &block{id: id}
		a.free[i] = id
	}
	logrus.Infof("block.New: tier=%s accel=%d blocks=%d block_size=%d",
		cfg.Tier, cfg.AcceleratorIndex, cfg.BlocksNum, cfg.BlockSize)
	return a
}

func (a *Allocator) indexOf(id ID) int {
	idx := int(id) - 1
	if idx < 0 || idx >= len(a.blocks) {
		return -1
	}
	return idx
}

// Allocate returns n block ids, all-or-nothing. LIFO order favors recently
// freed blocks for cache residency, per the allocation tie-break rule. Any
// prefix-cache entry attached to a freshly drawn block is evicted, since the
// block is about to hold unrelated content.
func (a *Allocator) Allocate(n int) ([]ID, error) {
	if n < 0 {
		return nil, errInvalidArgument("Allocate: n must be >= 0, got %d", n)
	}
	if n > len(a.free) {
		return nil, errOutOfMemory("Allocate: requested %d blocks, %d free on tier=%s accel=%d",
			n, len(a.free), a.cfg.Tier, a.cfg.AcceleratorIndex)
	}
	ids := make([]ID, n)
	for i := 0; i < n; i++ {
		last := len(a.free) - 1
		id := a.free[last]
		a.free = a.free[:last]
		blk := a.blocks[a.indexOf(id)]
		blk.refCount = 1
		a.inFlight[id] = true
		if a.prefix != nil {
			a.prefix.Evict(id)
		}
		ids[i] = id
	}
	return ids, nil
}

// SetPrefixCache attaches the prefix cache this allocator consults in
// AllocateForTokens before falling back to the free list. Only device-tier
// allocators are wired with one; host-tier blocks are opaque swap targets
// and are never prefix-matched.
func (a *Allocator) SetPrefixCache(pc *PrefixCache) { a.prefix = pc }

// reuseFree marks a specific free block allocated, bypassing LIFO order, for
// prefix-cache reuse where id's existing content already matches what the
// caller needs. Returns false if id is not currently free.
func (a *Allocator) reuseFree(id ID) bool {
	idx := a.indexOf(id)
	if idx < 0 {
		return false
	}
	blk := a.blocks[idx]
	if blk.refCount != 0 {
		return false
	}
	for i, fid := range a.free {
		if fid == id {
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}
	blk.refCount = 1
	a.inFlight[id] = true
	return true
}

// AllocateForTokens reserves n blocks for tokens, reusing as many matching
// prefix-cache blocks as possible before drawing fresh blocks from the free
// list. Returns the full ordered block id list and how many leading blocks
// were served from the prefix cache. With no prefix cache attached (or no
// tokens to match against), it behaves exactly like Allocate(n).
func (a *Allocator) AllocateForTokens(n int, tokens []int) ([]ID, int, error) {
	if a.prefix == nil || len(tokens) == 0 {
		ids, err := a.Allocate(n)
		return ids, 0, err
	}

	cached, _ := a.prefix.LookupChain(tokens)
	if len(cached) > n {
		cached = cached[:n]
	}
	// cached is an ordered prefix chain (block 0 holds tokens[0:blockTokenNum],
	// block 1 the next chunk, and so on). Stopping at the first block that
	// can't be reused keeps reused itself a contiguous prefix; skipping over
	// an in-use block and continuing would let a later-prefix block land in
	// an earlier slot than a fresh block, scrambling the block-index-to-
	// token-chunk mapping.
	reused := make([]ID, 0, len(cached))
	for _, id := range cached {
		if !a.reuseFree(id) {
			break
		}
		reused = append(reused, id)
	}

	fresh, err := a.Allocate(n - len(reused))
	if err != nil {
		if ferr := a.Free(reused); ferr != nil {
			logrus.Errorf("block.AllocateForTokens: rolling back %d reused blocks: %v", len(reused), ferr)
		}
		return nil, 0, err
	}
	return append(reused, fresh...), len(reused), nil
}

// RecordPrefixBlock registers that block id now holds the content hash of
// tokens chained from prefixHash. A no-op returning 0 if this allocator has
// no prefix cache attached.
func (a *Allocator) RecordPrefixBlock(id ID, tokens []int, prefixHash uint64) uint64 {
	if a.prefix == nil {
		return 0
	}
	return a.prefix.Record(id, tokens, prefixHash)
}

// LookupPrefixChain exposes the attached cache's chained lookup: the cached
// block ids for the longest run of full-block prefixes already cached, plus
// the chained hash through the last match. Returns (nil, 0) if this
// allocator has no prefix cache attached.
func (a *Allocator) LookupPrefixChain(tokens []int) ([]ID, uint64) {
	if a.prefix == nil {
		return nil, 0
	}
	return a.prefix.LookupChain(tokens)
}

// Free returns blocks to the pool. Double-free is reported, not corrected.
func (a *Allocator) Free(ids []ID) error {
	for _, id := range ids {
		idx := a.indexOf(id)
		if idx < 0 {
			return errInvalidArgument("Free: id %d out of range", id)
		}
		blk := a.blocks[idx]
		if blk.refCount == 0 {
			return errInvalidArgument("Free: double-free of block id %d on tier=%s accel=%d",
				id, a.cfg.Tier, a.cfg.AcceleratorIndex)
		}
		blk.refCount--
		if blk.refCount == 0 {
			delete(a.inFlight, id)
			a.free = append(a.free, id)
		}
	}
	return nil
}

// Ptr resolves a currently-allocated block id to an offset into the
// allocator's backing arena.
func (a *Allocator) Ptr(id ID) (uintptr, error) {
	idx := a.indexOf(id)
	if idx < 0 || a.blocks[idx].refCount == 0 {
		return 0, errInvalidArgument("Ptr: id %d is not currently allocated", id)
	}
	return uintptr(int64(idx) * a.cfg.BlockSize), nil
}

// Bytes returns the backing slice for the given block id, for tests and for
// the swap copy path. Panics if id is not allocated (internal use only).
func (a *Allocator) Bytes(id ID) []byte {
	idx := a.indexOf(id)
	if idx < 0 {
		panic(fmt.Sprintf("block.Bytes: id %d out of range", id))
	}
	start := int64(idx) * a.cfg.BlockSize
	return a.arena[start : start+a.cfg.BlockSize]
}

// FreeCount returns the number of blocks not currently allocated.
func (a *Allocator) FreeCount() int { return len(a.free) }

// TotalBlocks returns the total number of blocks this tier was configured with.
func (a *Allocator) TotalBlocks() int { return a.cfg.BlocksNum }

// BlockSize returns the per-block size in bytes.
func (a *Allocator) BlockSize() int64 { return a.cfg.BlockSize }

// AllocateContiguous records a contiguous allocation of size bytes under a
// new id from a numbering space disjoint from block ids. The allocation is
// accounting only: no bytes are carved from the arena or reserved anywhere
// else, it does not compete with block-backed bytes, and there is no memory
// behind it to read or write.
func (a *Allocator) AllocateContiguous(size int64) (AllocID, error) {
	if size <= 0 {
		return 0, errInvalidArgument("AllocateContiguous: size must be > 0, got %d", size)
	}
	a.nextContiguousID++
	id := a.nextContiguousID
	a.contiguous[id] = contigAlloc{size: size}
	return id, nil
}

// FreeContiguous frees a contiguous allocation. The id is tombstoned and
// never reissued; a second Free on the same id is an error.
func (a *Allocator) FreeContiguous(id AllocID) error {
	if a.freedContiguous[id] {
		return errInvalidArgument("FreeContiguous: double-free of alloc_id %d", id)
	}
	if _, ok := a.contiguous[id]; !ok {
		return errInvalidArgument("FreeContiguous: alloc_id %d was never allocated", id)
	}
	delete(a.contiguous, id)
	a.freedContiguous[id] = true
	return nil
}

// PtrContiguous resolves a live contiguous allocation to a pointer-like
// handle (here, the AllocID itself doubles as the handle since there is no
// real device backing it — callers must not dereference it as an address).
func (a *Allocator) PtrContiguous(id AllocID) (uintptr, error) {
	if _, ok := a.contiguous[id]; !ok {
		return 0, errInvalidArgument("PtrContiguous: alloc_id %d is not live", id)
	}
	return uintptr(id), nil
}

func errInvalidArgument(format string, args ...any) error {
	return errs.New(errs.InvalidArgument, format, args...)
}

func errOutOfMemory(format string, args ...any) error {
	return errs.New(errs.OutOfMemory, format, args...)
}
