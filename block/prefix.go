package block

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashTokens hashes a chunk of tokens chained with a prefix hash, so that two
// requests sharing a token prefix hash identically block-by-block.
func HashTokens(tokens []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	buf := make([]byte, 4)
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf, uint32(tok))
		h.Write(buf)
	}
	return h.Sum64()
}

// PrefixCache maps full-block content hashes to the device block id holding
// them. It owns only the hash index; the device Allocator still owns the
// free list itself, so a cached block remains subject to normal eviction.
type PrefixCache struct {
	blockTokenNum int
	hashToBlock   map[uint64]ID
	blockHash     map[ID]uint64
}

// NewPrefixCache creates an empty prefix cache for blocks of blockTokenNum tokens.
func NewPrefixCache(blockTokenNum int) *PrefixCache {
	return &PrefixCache{
		blockTokenNum: blockTokenNum,
		hashToBlock:   make(map[uint64]ID),
		blockHash:     make(map[ID]uint64),
	}
}

// Lookup returns the block ids for the longest run of full-block prefixes of
// tokens that are already cached, in order. Pure: does not mutate state.
func (p *PrefixCache) Lookup(tokens []int) []ID {
	ids, _ := p.LookupChain(tokens)
	return ids
}

// LookupChain is Lookup plus the chained hash through the last matched
// block, so a caller that goes on to record further blocks can continue the
// chain without rehashing from the start.
func (p *PrefixCache) LookupChain(tokens []int) ([]ID, uint64) {
	n := len(tokens) / p.blockTokenNum
	var ids []ID
	var h uint64
	for i := 0; i < n; i++ {
		chunk := tokens[i*p.blockTokenNum : (i+1)*p.blockTokenNum]
		next := HashTokens(chunk, h)
		id, ok := p.hashToBlock[next]
		if !ok {
			break
		}
		ids = append(ids, id)
		h = next
	}
	return ids, h
}

// Record registers that block id now holds the block-sized chunk tokens,
// given the chained hash of every block before it (0 if this is the first
// block).
func (p *PrefixCache) Record(id ID, tokens []int, prefixHash uint64) uint64 {
	h := HashTokens(tokens, prefixHash)
	if old, ok := p.blockHash[id]; ok {
		delete(p.hashToBlock, old)
	}
	p.hashToBlock[h] = id
	p.blockHash[id] = h
	return h
}

// Evict removes block id's hash entry, e.g. when it is reused for unrelated
// content or offloaded to the host tier (which never serves prefix lookups).
func (p *PrefixCache) Evict(id ID) {
	if h, ok := p.blockHash[id]; ok {
		delete(p.hashToBlock, h)
		delete(p.blockHash, id)
	}
}
