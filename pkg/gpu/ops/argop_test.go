package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestArgMax(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	op, err := NewArgOp(d, ArgMax)
	require.NoError(t, err)

	x := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, []float32{1, 5, 3, 2})
	out, err := tensor.New(d, a, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.UINT32, true)
	require.NoError(t, err)
	defer x.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, op.Call(cmd, x, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []uint32{1}, ReadUint32(out))
}

func TestArgMin(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	op, err := NewArgOp(d, ArgMin)
	require.NoError(t, err)

	x := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, []float32{4, 1, 3, 2})
	out, err := tensor.New(d, a, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.UINT32, true)
	require.NoError(t, err)
	defer x.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, op.Call(cmd, x, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []uint32{1}, ReadUint32(out))
}

func TestArgOpWrongOutputDType(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	op, err := NewArgOp(d, ArgMax)
	require.NoError(t, err)

	x := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, []float32{1, 2, 3, 4})
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.FP32, nil)
	defer x.Release()
	defer out.Release()

	cmd.Begin()
	err = op.Call(cmd, x, out)
	assert.ErrorIs(t, err, ErrDTypeMismatch)
}

func TestArgOpMultiRow(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	op, err := NewArgOp(d, ArgMax)
	require.NoError(t, err)

	x := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 2}, tensor.FP32, []float32{1, 9, 9, 1})
	out, err := tensor.New(d, a, tensor.Shape{Channels: 1, Height: 2, Width: 1}, tensor.UINT32, true)
	require.NoError(t, err)
	defer x.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, op.Call(cmd, x, out))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []uint32{1, 0}, ReadUint32(out))
}
