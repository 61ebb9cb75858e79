package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestConcatWidthAxis(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	c, err := NewConcat(d, ConcatWidth)
	require.NoError(t, err)

	a0 := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, []float32{1, 2})
	a1 := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 3}, tensor.FP32, []float32{3, 4, 5})
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 5}, tensor.FP32, nil)
	defer a0.Release()
	defer a1.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, c.Call(cmd, []*tensor.Tensor{a0, a1}, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []float32{1, 2, 3, 4, 5}, ReadFloat32(out))
}

func TestConcatHeightAxis(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	c, err := NewConcat(d, ConcatHeight)
	require.NoError(t, err)

	a0 := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, []float32{1, 2})
	a1 := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 2}, tensor.FP32, []float32{3, 4, 5, 6})
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 3, Width: 2}, tensor.FP32, nil)
	defer a0.Release()
	defer a1.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, c.Call(cmd, []*tensor.Tensor{a0, a1}, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, ReadFloat32(out))
}

func TestConcatShapeMismatch(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	c, err := NewConcat(d, ConcatWidth)
	require.NoError(t, err)

	a0 := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, []float32{1, 2})
	a1 := mustTensor(t, d, a, tensor.Shape{Channels: 2, Height: 1, Width: 2}, tensor.FP32, []float32{3, 4, 5, 6})
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, nil)
	defer a0.Release()
	defer a1.Release()
	defer out.Release()

	cmd.Begin()
	err = c.Call(cmd, []*tensor.Tensor{a0, a1}, out)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
