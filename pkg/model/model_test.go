package model

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/engineconfig"
	"github.com/orneryd/vkinfer/pkg/gguf"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
)

const (
	testDModel  = 4
	testHeads   = 2
	testFFN     = 6
	testVocab   = 5
	testContext = 16
)

func floatBytes(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

// fill produces deterministic, non-uniform weight values so matmuls
// don't accidentally collapse to zero or a constant.
func fill(n int, seed float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(float64(seed)+float64(i)*0.37)) * 0.1
	}
	return out
}

func testCatalog(blockCount uint32) *gguf.Catalog {
	descs := []gguf.TensorDescriptor{
		{Name: "token_embd.weight", Dimensions: []uint64{1, testVocab, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testVocab*testDModel, 1))},
		{Name: "output.weight", Dimensions: []uint64{1, testDModel, testVocab}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testVocab, 2))},
		{Name: "output_norm.weight", Dimensions: []uint64{1, 1, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(onesPlus(testDModel, 3))},
	}
	for b := uint32(0); b < blockCount; b++ {
		seed := float32(b) + 10
		descs = append(descs,
			gguf.TensorDescriptor{Name: blkName(b, "attn_norm.weight"), Dimensions: []uint64{1, 1, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(onesPlus(testDModel, seed))},
			gguf.TensorDescriptor{Name: blkName(b, "attn_k.weight"), Dimensions: []uint64{1, testDModel, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testDModel, seed+1))},
			gguf.TensorDescriptor{Name: blkName(b, "attn_q.weight"), Dimensions: []uint64{1, testDModel, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testDModel, seed+2))},
			gguf.TensorDescriptor{Name: blkName(b, "attn_v.weight"), Dimensions: []uint64{1, testDModel, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testDModel, seed+3))},
			gguf.TensorDescriptor{Name: blkName(b, "attn_output.weight"), Dimensions: []uint64{1, testDModel, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testDModel, seed+4))},
			gguf.TensorDescriptor{Name: blkName(b, "ffn_norm.weight"), Dimensions: []uint64{1, 1, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(onesPlus(testDModel, seed+5))},
			gguf.TensorDescriptor{Name: blkName(b, "ffn_gate.weight"), Dimensions: []uint64{1, testDModel, testFFN}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testFFN, seed+6))},
			gguf.TensorDescriptor{Name: blkName(b, "ffn_up.weight"), Dimensions: []uint64{1, testDModel, testFFN}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testDModel*testFFN, seed+7))},
			gguf.TensorDescriptor{Name: blkName(b, "ffn_down.weight"), Dimensions: []uint64{1, testFFN, testDModel}, DType: gguf.DTypeFP32, Raw: floatBytes(fill(testFFN*testDModel, seed+8))},
		)
	}
	return gguf.NewCatalog(descs)
}

func onesPlus(n int, seed float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1 + float32(math.Sin(float64(seed)+float64(i)))*0.05
	}
	return out
}

func blkName(b uint32, suffix string) string {
	return "blk." + itoa(b) + "." + suffix
}

func itoa(b uint32) string {
	if b == 0 {
		return "0"
	}
	digits := []byte{}
	for b > 0 {
		digits = append([]byte{byte('0' + b%10)}, digits...)
		b /= 10
	}
	return string(digits)
}

func testMeta(blockCount uint32) gguf.Metadata {
	return gguf.Metadata{
		"llama.attention.head_count":            uint32(testHeads),
		"llama.block_count":                     blockCount,
		"llama.attention.layer_norm_rms_epsilon": float32(1e-5),
		"llama.context_length":                  uint32(testContext),
	}
}

func newTestModel(t *testing.T, blockCount uint32) *Model {
	t.Helper()
	d, err := device.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	m, err := New(d, "llama", testMeta(blockCount), testCatalog(blockCount), engineconfig.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func assertFinite(t *testing.T, logits []float32) {
	t.Helper()
	for i, v := range logits {
		assert.False(t, math.IsNaN(float64(v)), "logit %d is NaN", i)
		assert.False(t, math.IsInf(float64(v), 0), "logit %d is Inf", i)
	}
}

func TestStepProducesFiniteLogitsOfVocabWidth(t *testing.T) {
	m := newTestModel(t, 1)

	logits, err := m.Step([]uint32{0, 1, 2}, 0)
	require.NoError(t, err)
	require.Len(t, logits, testVocab)
	assertFinite(t, logits)
}

func TestStepIsIndependentOfFreshAllocatorState(t *testing.T) {
	m1 := newTestModel(t, 1)
	logitsA, err := m1.Step([]uint32{0, 1, 2}, 0)
	require.NoError(t, err)

	// A second model built from the same catalog against its own fresh
	// device/allocator must produce identical logits: nothing in Step
	// may depend on leftover suballocator bytes from a prior model.
	m2 := newTestModel(t, 1)
	logitsB, err := m2.Step([]uint32{0, 1, 2}, 0)
	require.NoError(t, err)

	require.Len(t, logitsB, len(logitsA))
	assert.InDeltaSlice(t, logitsA, logitsB, 1e-3)
}

func TestStepKVCacheContinuityAcrossIncrementalCalls(t *testing.T) {
	mBatch := newTestModel(t, 1)
	batchLogits, err := mBatch.Step([]uint32{0, 1, 2}, 0)
	require.NoError(t, err)

	mIncr := newTestModel(t, 1)
	_, err = mIncr.Step([]uint32{0}, 0)
	require.NoError(t, err)
	_, err = mIncr.Step([]uint32{1}, 1)
	require.NoError(t, err)
	incrLogits, err := mIncr.Step([]uint32{2}, 2)
	require.NoError(t, err)

	require.Len(t, incrLogits, len(batchLogits))
	assert.InDeltaSlice(t, batchLogits, incrLogits, 1e-2)
}

func TestStepRejectsEmptyTokens(t *testing.T) {
	m := newTestModel(t, 1)
	_, err := m.Step(nil, 0)
	assert.ErrorIs(t, err, ErrEmptyTokens)
}

func TestStepRejectsContextOverflowWhenWrapDisabled(t *testing.T) {
	m := newTestModel(t, 1)
	_, err := m.Step([]uint32{0, 1}, testContext-1)
	assert.ErrorIs(t, err, ErrContextOverflow)
}
