package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestCastRejectsUnsupportedDirection(t *testing.T) {
	d, _, _ := newOpsHarness(t)
	_, err := NewCast(d, tensor.FP32, tensor.UINT32)
	assert.ErrorIs(t, err, ErrDTypeMismatch)
}

func TestCastFP32ToFP16RoundTrip(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	toHalf, err := NewCast(d, tensor.FP32, tensor.FP16)
	require.NoError(t, err)
	toFull, err := NewCast(d, tensor.FP16, tensor.FP32)
	require.NoError(t, err)

	in := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 3}, tensor.FP32, []float32{1, -2.5, 0.25})
	half, err := tensor.New(d, a, tensor.Shape{Channels: 1, Height: 1, Width: 3}, tensor.FP16, true)
	require.NoError(t, err)
	back := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 3}, tensor.FP32, nil)
	defer in.Release()
	defer half.Release()
	defer back.Release()

	cmd.Begin()
	require.NoError(t, toHalf.Call(cmd, in, half))
	require.NoError(t, toFull.Call(cmd, half, back))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	assert.Equal(t, []float32{1, -2.5, 0.25}, ReadFloat32(back))
}

func TestCastWrongInputDtype(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	c, err := NewCast(d, tensor.FP32, tensor.FP16)
	require.NoError(t, err)

	in := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.UINT32, nil)
	out, err := tensor.New(d, a, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.FP16, true)
	require.NoError(t, err)
	defer in.Release()
	defer out.Release()

	cmd.Begin()
	err = c.Call(cmd, in, out)
	assert.ErrorIs(t, err, ErrDTypeMismatch)
}
