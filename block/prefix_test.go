package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixCacheLookupAndRecord(t *testing.T) {
	pc := NewPrefixCache(4)
	tokens := []int{1, 2, 3, 4}

	require.Empty(t, pc.Lookup(tokens))

	h := pc.Record(ID(1), tokens, 0)
	require.NotZero(t, h)

	ids := pc.Lookup(tokens)
	require.Equal(t, []ID{1}, ids)
}

func TestPrefixCacheChaining(t *testing.T) {
	pc := NewPrefixCache(2)
	first := []int{1, 2}
	second := []int{1, 2, 3, 4}

	h1 := pc.Record(ID(1), first, 0)
	h2 := pc.Record(ID(2), second[2:4], h1)
	require.NotEqual(t, h1, h2)

	ids := pc.Lookup(second)
	require.Equal(t, []ID{1, 2}, ids)
}

func TestPrefixCacheEvict(t *testing.T) {
	pc := NewPrefixCache(2)
	tokens := []int{1, 2}
	pc.Record(ID(5), tokens, 0)
	require.NotEmpty(t, pc.Lookup(tokens))

	pc.Evict(ID(5))
	require.Empty(t, pc.Lookup(tokens))
}

func TestHashTokensDeterministic(t *testing.T) {
	a := HashTokens([]int{1, 2, 3}, 0)
	b := HashTokens([]int{1, 2, 3}, 0)
	require.Equal(t, a, b)

	c := HashTokens([]int{1, 2, 4}, 0)
	require.NotEqual(t, a, c)
}
