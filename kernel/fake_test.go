package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeBackendForwardRequiresBlocks(t *testing.T) {
	b := NewFakeBackend(FP16, 2)
	err := b.Forward(ForwardShape{}, []ForwardRequest{{RequestID: "r1", Tokens: []int{1, 2}}})
	require.Error(t, err)

	err = b.Forward(ForwardShape{}, []ForwardRequest{{RequestID: "r1", Tokens: []int{1, 2}, BlockPtrs: []uintptr{8}, LogitsPtr: b.LogitsPtr()}})
	require.NoError(t, err)
}

func TestFakeBackendForwardRequiresLogitsPtr(t *testing.T) {
	b := NewFakeBackend(FP16, 2)
	err := b.Forward(ForwardShape{}, []ForwardRequest{{RequestID: "r1", Tokens: []int{1, 2}, BlockPtrs: []uintptr{8}}})
	require.Error(t, err)
}

func TestFakeBackendLogitsPtrDistinctPerInstance(t *testing.T) {
	b1 := NewFakeBackend(FP16, 0)
	b2 := NewFakeBackend(FP16, 0)
	require.NotEqual(t, b1.LogitsPtr(), b2.LogitsPtr())
	require.NotZero(t, b1.LogitsPtr())
}

func TestFakeBackendForceEOS(t *testing.T) {
	b := NewFakeBackend(FP16, 99)
	b.ForceEOS("r1", 2)

	for i := 1; i <= 3; i++ {
		res, err := b.Sample([]ForwardRequest{{RequestID: "r1", Tokens: []int{1}}})
		require.NoError(t, err)
		if i < 2 {
			require.False(t, res[0].EOS)
		} else {
			require.True(t, res[0].EOS)
			require.Equal(t, 99, res[0].Token)
		}
	}
}
