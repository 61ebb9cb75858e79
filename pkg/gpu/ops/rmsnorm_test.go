package ops

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestRMSNormMatchesReference(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRMSNorm(d)
	require.NoError(t, err)

	x := []float32{1, 2, 3, 4}
	w := []float32{1, 1, 1, 1}
	xT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, x)
	wT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, w)
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, nil)
	defer xT.Release()
	defer wT.Release()
	defer out.Release()

	const eps = float32(1e-5)
	cmd.Begin()
	require.NoError(t, r.Call(cmd, xT, wT, out, eps))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	xf64 := make([]float64, len(x))
	for i, v := range x {
		xf64[i] = float64(v)
	}
	sumSq := floats.Dot(xf64, xf64)
	mean := sumSq / float64(len(x))
	inv := 1.0 / math.Sqrt(mean+float64(eps))

	got := ReadFloat32(out)
	for i, v := range x {
		assert.InDelta(t, float64(v)*inv, float64(got[i]), 1e-4)
	}
}

func TestRMSNormAppliesWeight(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRMSNorm(d)
	require.NoError(t, err)

	x := []float32{2, 2, 2, 2}
	w := []float32{1, 2, 3, 4}
	xT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, x)
	wT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, w)
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, nil)
	defer xT.Release()
	defer wT.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, xT, wT, out, 0))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	// mean(x^2) = 4, rsqrt(4) = 0.5, so out = x * w * 0.5 = w
	got := ReadFloat32(out)
	for i := range w {
		assert.InDelta(t, float64(w[i]), float64(got[i]), 1e-5)
	}
}

func TestRMSNormMultiRow(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRMSNorm(d)
	require.NoError(t, err)

	x := []float32{1, 1, 2, 2}
	w := []float32{1, 1}
	xT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 2}, tensor.FP32, x)
	wT := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, w)
	out := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 2}, tensor.FP32, nil)
	defer xT.Release()
	defer wT.Release()
	defer out.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, xT, wT, out, 0))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	got := ReadFloat32(out)
	// row0: mean(1)=1, rsqrt=1 -> [1,1]; row1: mean(4)=4, rsqrt=0.5 -> [1,1]
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, got, 1e-5)
}
