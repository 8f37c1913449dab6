package block

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New(Config{BlocksNum: 2, BlockSize: 1024, Tier: Device})

	ids, err := a.Allocate(2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, 0, a.FreeCount())

	require.NoError(t, a.Free(ids))
	require.Equal(t, 2, a.FreeCount())
}

func TestAllocateOutOfMemory(t *testing.T) {
	a := New(Config{BlocksNum: 2, BlockSize: 1024, Tier: Device})
	_, err := a.Allocate(3)
	require.Error(t, err)
}

func TestDoubleFreeIsReportedNotSilent(t *testing.T) {
	a := New(Config{BlocksNum: 2, BlockSize: 1024, Tier: Device})
	ids, err := a.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, a.Free(ids))
	err = a.Free(ids)
	require.Error(t, err)
	// Double-free must not corrupt subsequent allocation accounting.
	require.Equal(t, 2, a.FreeCount())
}

func TestPtrFailsForUnallocatedID(t *testing.T) {
	a := New(Config{BlocksNum: 1, BlockSize: 64, Tier: Device})
	_, err := a.Ptr(ID(1))
	require.Error(t, err)

	ids, err := a.Allocate(1)
	require.NoError(t, err)
	_, err = a.Ptr(ids[0])
	require.NoError(t, err)
}

func TestContiguousAllocation(t *testing.T) {
	a := New(Config{BlocksNum: 1, BlockSize: 64, Tier: Device})

	id, err := a.AllocateContiguous(1024)
	require.NoError(t, err)
	require.Greater(t, int64(id), int64(0))

	ptr, err := a.PtrContiguous(id)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	require.NoError(t, a.FreeContiguous(id))
	err = a.FreeContiguous(id)
	require.Error(t, err)
}

func TestContiguousIDsNeverReissued(t *testing.T) {
	a := New(Config{BlocksNum: 1, BlockSize: 64, Tier: Device})

	first, err := a.AllocateContiguous(8)
	require.NoError(t, err)
	require.NoError(t, a.FreeContiguous(first))

	second, err := a.AllocateContiguous(8)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestAllocateLIFOOrder(t *testing.T) {
	a := New(Config{BlocksNum: 3, BlockSize: 16, Tier: Device})
	ids, err := a.Allocate(3)
	require.NoError(t, err)

	require.NoError(t, a.Free([]ID{ids[1]}))
	again, err := a.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, ids[1], again[0])
}

func TestNoDoubleIssueBeforeFreeCompletes(t *testing.T) {
	a := New(Config{BlocksNum: 4, BlockSize: 16, Tier: Device})
	ids, err := a.Allocate(4)
	require.NoError(t, err)

	seen := map[ID]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "block id %d issued twice", id)
		seen[id] = true
	}
	_, err = a.Allocate(1)
	require.Error(t, err)
}

// LIFO reuse means the id order after a free/reallocate cycle is fully
// determined; cmp.Diff pinpoints the exact index that diverges rather than
// just reporting the two slices are unequal.
func TestLIFOReuseOrderIsDeterministic(t *testing.T) {
	a := New(Config{BlocksNum: 3, BlockSize: 16, Tier: Device})
	ids, err := a.Allocate(3)
	require.NoError(t, err)

	require.NoError(t, a.Free([]ID{ids[2], ids[1]}))
	reissued, err := a.Allocate(2)
	require.NoError(t, err)

	want := []ID{ids[1], ids[2]}
	if diff := cmp.Diff(want, reissued); diff != "" {
		t.Fatalf("reissued block ids mismatch (-want +got):\n%s", diff)
	}
}
