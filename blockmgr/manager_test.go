package blockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ksana-llm/ksana-llm-go/accel"
	"github.com/ksana-llm/ksana-llm-go/block"
)

func newTestManager(t *testing.T, deviceBlocks, hostBlocks int) (*Manager, *accel.Context) {
	t.Helper()
	ctx := accel.NewContext(0, 0, 1)
	t.Cleanup(ctx.Close)
	dev := block.New(block.Config{BlocksNum: deviceBlocks, BlockSize: 16, Tier: block.Device})
	host := block.New(block.Config{BlocksNum: hostBlocks, BlockSize: 16, Tier: block.Host})
	pool := NewSwapPool(2)
	t.Cleanup(pool.Close)
	return New(0, dev, host, ctx, 4, pool), ctx
}

func waitFuture(t *testing.T, f *Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future never resolved")
	}
	require.NoError(t, f.Wait())
}

func TestSwapOutSwapInPreservesData(t *testing.T) {
	mgr, _ := newTestManager(t, 2, 2)

	ids, err := mgr.Allocate(2)
	require.NoError(t, err)

	copy(mgr.device.Bytes(ids[0]), []byte("string_a"))
	copy(mgr.device.Bytes(ids[1]), []byte("string_b"))

	hostIDs, outFuture, err := mgr.SwapOut(ids)
	require.NoError(t, err)
	waitFuture(t, outFuture)

	require.Equal(t, 0, mgr.HostFreeCount())
	require.Equal(t, 2, mgr.FreeCount())

	// Overwrite device arena to prove SwapIn actually restores from host.
	newIDs, err := mgr.Allocate(2)
	require.NoError(t, err)
	copy(mgr.device.Bytes(newIDs[0]), []byte("string_x"))
	copy(mgr.device.Bytes(newIDs[1]), []byte("string_x"))
	require.NoError(t, mgr.Free(newIDs))

	deviceIDs, inFuture, err := mgr.SwapIn(hostIDs)
	require.NoError(t, err)
	waitFuture(t, inFuture)

	require.Equal(t, "string_a", string(mgr.device.Bytes(deviceIDs[0])[:8]))
	require.Equal(t, "string_b", string(mgr.device.Bytes(deviceIDs[1])[:8]))
}

func TestSwapOutReservesHostBlocksAtomically(t *testing.T) {
	mgr, _ := newTestManager(t, 2, 1)
	ids, err := mgr.Allocate(2)
	require.NoError(t, err)

	_, _, err = mgr.SwapOut(ids)
	require.Error(t, err) // only 1 host block available for 2 device blocks

	// Failure must leave the world unchanged: still 2 device blocks allocated.
	require.Equal(t, 0, mgr.FreeCount())
}

func TestFreeCountAccounting(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 4)
	ids, err := mgr.Allocate(3)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.FreeCount())

	require.NoError(t, mgr.Free(ids))
	require.Equal(t, 4, mgr.FreeCount())
}
