package ops

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

func TestRopeShapeMismatch(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRope(d, 128, 4)
	require.NoError(t, err)

	q := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 4}, tensor.FP32, make([]float32, 8))
	k := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 2, Width: 6}, tensor.FP32, make([]float32, 12))
	defer q.Release()
	defer k.Release()

	oq, err := tensor.Like(q)
	require.NoError(t, err)
	ok, err := tensor.Like(k)
	require.NoError(t, err)
	defer oq.Release()
	defer ok.Release()

	cmd.Begin()
	err = r.Call(cmd, q, k, oq, ok, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRopeNegativeKeyOffsetRejected(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRope(d, 128, 4)
	require.NoError(t, err)

	q := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, make([]float32, 4))
	k := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 5, Width: 4}, tensor.FP32, make([]float32, 20))
	defer q.Release()
	defer k.Release()

	oq, err := tensor.Like(q)
	require.NoError(t, err)
	ok, err := tensor.Like(k)
	require.NoError(t, err)
	defer oq.Release()
	defer ok.Release()

	cmd.Begin()
	// offset(0) + query.height(1) - key.height(5) = -4 < 0
	err = r.Call(cmd, q, k, oq, ok, 0)
	assert.Error(t, err)
}

func TestRopeZeroPositionIsIdentity(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRope(d, 128, 4)
	require.NoError(t, err)

	values := []float32{1, 2, 3, 4}
	q := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, values)
	k := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, values)
	defer q.Release()
	defer k.Release()

	oq, err := tensor.Like(q)
	require.NoError(t, err)
	ok, err := tensor.Like(k)
	require.NoError(t, err)
	defer oq.Release()
	defer ok.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, q, k, oq, ok, 0))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	// position 0 -> angle 0 for every pair -> rotation is identity
	assert.InDeltaSlice(t, values, ReadFloat32(oq), 1e-5)
	assert.InDeltaSlice(t, values, ReadFloat32(ok), 1e-5)
}

func TestRopeRotationMatchesReference(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRope(d, 128, 2)
	require.NoError(t, err)

	values := []float32{1, 0}
	q := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, values)
	k := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 2}, tensor.FP32, values)
	defer q.Release()
	defer k.Release()

	oq, err := tensor.Like(q)
	require.NoError(t, err)
	ok, err := tensor.Like(k)
	require.NoError(t, err)
	defer oq.Release()
	defer ok.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, q, k, oq, ok, 1))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	// width=2 -> a single pair (x0,x1), freq = base^0 = 1, angle = pos*1 = 1
	sinv, cosv := math.Sincos(1.0)
	got := ReadFloat32(oq)
	assert.InDelta(t, cosv, float64(got[0]), 1e-5)
	assert.InDelta(t, sinv, float64(got[1]), 1e-5)
}

// TestRopeRotationPairsAdjacentElements checks width=4 (two pairs) so
// interleaved pairing (x0,x1),(x2,x3) and split-half pairing
// (x0,x2),(x1,x3) would disagree, unlike the degenerate width=2 case
// above where both conventions coincide.
func TestRopeRotationPairsAdjacentElements(t *testing.T) {
	d, a, cmd := newOpsHarness(t)
	r, err := NewRope(d, 128, 4)
	require.NoError(t, err)

	values := []float32{1, 0, 1, 0}
	q := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, values)
	k := mustTensor(t, d, a, tensor.Shape{Channels: 1, Height: 1, Width: 4}, tensor.FP32, values)
	defer q.Release()
	defer k.Release()

	oq, err := tensor.Like(q)
	require.NoError(t, err)
	ok, err := tensor.Like(k)
	require.NoError(t, err)
	defer oq.Release()
	defer ok.Release()

	cmd.Begin()
	require.NoError(t, r.Call(cmd, q, k, oq, ok, 1))
	require.NoError(t, cmd.End())
	require.NoError(t, cmd.SubmitAndWait())

	// pos = offset(1) + row(0) = 1.
	// pair 0 = (x0,x1): freq = base^(-0/4) = 1, angle = 1.
	// pair 1 = (x2,x3): freq = base^(-2/4) = 1/sqrt(10000), angle = freq.
	sin0, cos0 := math.Sincos(1.0)
	freq1 := 1.0 / math.Pow(ropeBase, 2.0/4.0)
	sin1, cos1 := math.Sincos(freq1)

	want := []float32{
		float32(cos0), float32(sin0),
		float32(cos1), float32(sin1),
	}
	got := ReadFloat32(oq)
	assert.InDeltaSlice(t, want, got, 1e-5)
}
