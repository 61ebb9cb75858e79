// Package ops implements the compute operators transformer blocks
// compose: matmul, attention, RMSNorm, softmax, RoPE, elementwise,
// reduce, embedding, transpose, slice, cast, concat and KV-cache
// update/read (spec.md §4.6).
//
// Each operator owns a pipeline.Pipeline created at construction and a
// Call method that records it through a command.Command, matching
// spec.md §3's "operators... own their pipelines and scratch tensors."
// The pipeline's Kernel performs the actual arithmetic against decoded
// float32 views of the bound tensors' host bytes rather than a real
// SPIR-V shader — see DESIGN.md for why.
package ops

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	fp16 "github.com/orneryd/vkinfer/pkg/float16"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

var (
	ErrShapeMismatch = errors.New("ops: shape mismatch")
	ErrDTypeMismatch = errors.New("ops: dtype mismatch")
)

// ReadFloat32 decodes a tensor's host bytes into a float32 slice
// according to its dtype, dequantizing FP16 and Q8_0 on the way.
func ReadFloat32(t *tensor.Tensor) []float32 {
	n := int(t.Shape().Elements())
	raw := t.Host()

	switch t.DType() {
	case tensor.FP32:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
			out[i] = math.Float32frombits(bits)
		}
		return out
	case tensor.FP16:
		halves := make([]fp16.Float16, n)
		for i := 0; i < n; i++ {
			halves[i] = fp16.Float16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		}
		return fp16.ToFloat32Slice(halves)
	case tensor.UINT32:
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
		}
		return out
	case tensor.Q8_0:
		return fp16.DequantizeQ8_0(raw, n)
	default:
		panic(fmt.Sprintf("ops: unsupported dtype %v", t.DType()))
	}
}

// WriteFloat32 encodes values into t's host bytes per its dtype.
func WriteFloat32(t *tensor.Tensor, values []float32) {
	raw := t.Host()
	switch t.DType() {
	case tensor.FP32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(v))
		}
	case tensor.FP16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[i*2:i*2+2], uint16(fp16.FromFloat32(v)))
		}
	case tensor.UINT32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[i*4:i*4+4], uint32(v))
		}
	default:
		panic(fmt.Sprintf("ops: WriteFloat32 unsupported dtype %v", t.DType()))
	}
}

// ReadUint32 decodes a UINT32 tensor (index tensors: embedding lookup,
// argmax output) without a float round trip.
func ReadUint32(t *tensor.Tensor) []uint32 {
	n := int(t.Shape().Elements())
	raw := t.Host()
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	return out
}

// WriteUint32 encodes a uint32 slice into t's host bytes.
func WriteUint32(t *tensor.Tensor, values []uint32) {
	raw := t.Host()
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], v)
	}
}
