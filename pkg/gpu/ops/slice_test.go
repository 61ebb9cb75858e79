package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestSliceExtractsSubregion(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	s, err := NewSlice(d)
	require.NoError(t, err)

	// (1,4,1): rows 0..3
	in := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 4, Width: 1}, tensor.FP32, []float32{10, 20, 30, 40})
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 1}, tensor.FP32, nil)
	defer in.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, s.Call(cmd, in, [3]uint64{0, 1, 0}, [3]uint64{1, 2, 1}, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []float32{20, 30}, ReadFloat32(out))
}

func TestSliceOutOfRangeRejected(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	s, err := NewSlice(d)
	require.NoError(t, err)

	in := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 4, Width: 1}, tensor.FP32, make([]float32, 4))
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 1}, tensor.FP32, nil)
	defer in.Release()
	defer out.Release()

	cmd.Begin()
	err = s.Call(cmd, in, [3]uint64{0, 3, 0}, [3]uint64{1, 2, 1}, out)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
