package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func runReduce(t *testing.T, monoid ReduceMonoid, x []float32, width uint64) []float32 {
	t.Helper()
	d, a, cmd := newOpsHarness(t)
	r, err := NewReduce(d, monoid)
	require.NoError(t, err)

	rows := uint64(len(x)) / width
	xT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: rows, Width: width}, tensor.FP32, x)
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: rows, Width: 1}, tensor.FP32, nil)
	defer xT.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, xT, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())
	return ReadFloat32(out)
}

func TestReduceSum(t *testing.T) {
	got := runReduce(t, ReduceSum, []float32{1, 2, 3, 4}, 4)
	assert.Equal(t, []float32{10}, got)
}

func TestReduceMax(t *testing.T) {
	got := runReduce(t, ReduceMax, []float32{1, 5, 3, 4}, 4)
	assert.Equal(t, []float32{5}, got)
}

func TestReduceMin(t *testing.T) {
	got := runReduce(t, ReduceMin, []float32{1, 5, -3, 4}, 4)
	assert.Equal(t, []float32{-3}, got)
}

func TestReduceMean(t *testing.T) {
	got := runReduce(t, ReduceMean, []float32{1, 2, 3, 4}, 4)
	assert.Equal(t, []float32{2.5}, got)
}

func TestReduceMultiRow(t *testing.T) {
	got := runReduce(t, ReduceSum, []float32{1, 1, 2, 2}, 2)
	assert.Equal(t, []float32{2, 4}, got)
}

func TestReduceOutputShapeMismatch(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewReduce(d, ReduceSum)
	require.NoError(t, err)

	xT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, make([]float32, 4))
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, nil)
	defer xT.Release()
	defer out.Release()

	cmd.Begin()
	err = r.Call(cmd, xT, out)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
