package model

import (
	"encoding/binary"
	"fmt"
	"math"

	fp16 "github.com/orneryd/vkinfer/pkg/float16"
	"github.com/orneryd/vkinfer/pkg/gguf"
	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// weightShape maps a container tensor's declared rank-3-capable
// Dimensions directly onto the engine's Shape: [channels, height,
// width], matching how gguf.TensorDescriptor.Dimensions is always
// populated (norm weights as (1,1,n), linear layer weights as
// (1,in,out) in the row-major layout pkg/gpu/ops.Matmul's
// non-transposed path expects) — Open Question in DESIGN.md resolves
// the schema ambiguity this way.
func weightShape(dims []uint64) (tensor.Shape, error) {
	if len(dims) != 3 {
		return tensor.Shape{}, fmt.Errorf("%w: weight tensor has %d dimensions, want 3", ErrUnsupportedTensorRank, len(dims))
	}
	return tensor.Shape{Channels: dims[0], Height: dims[1], Width: dims[2]}, nil
}

// convertWeightBytes produces the bytes and dtype the device tensor
// should be uploaded with. Container FP32 weights are converted to
// FP16 at upload time, matching spec.md §4.7 ("fp16 conversion at
// upload time where the container held fp32"); FP16 and Q8_0 weights
// upload unchanged.
func convertWeightBytes(desc gguf.TensorDescriptor) (tensor.DType, []byte, error) {
	switch desc.DType {
	case gguf.DTypeFP32:
		floats := make([]float32, desc.Elements())
		if err := decodeFloat32LE(desc.Raw, floats); err != nil {
			return 0, nil, err
		}
		halves := fp16.FromFloat32Slice(floats)
		raw := make([]byte, len(halves)*2)
		for i, h := range halves {
			binary.LittleEndian.PutUint16(raw[i*2:i*2+2], uint16(h))
		}
		return tensor.FP16, raw, nil
	case gguf.DTypeFP16:
		return tensor.FP16, desc.Raw, nil
	case gguf.DTypeQ8_0:
		return tensor.Q8_0, desc.Raw, nil
	default:
		return 0, nil, fmt.Errorf("%w: %s", ErrUnsupportedTensorRank, desc.Name)
	}
}

func decodeFloat32LE(raw []byte, out []float32) error {
	if len(raw) != len(out)*4 {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrWeightSizeMismatch, len(out)*4, len(raw))
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return nil
}

// loadWeight allocates a device tensor for name's catalog entry and
// records its upload into cmd (which the caller begins/ends/submits
// once for every weight in the model).
func loadWeight(dev device.Device, allocr *alloc.Allocator, cmd *command.Command, catalog *gguf.Catalog, name string) (*tensor.Tensor, error) {
	desc, err := catalog.Lookup(name)
	if err != nil {
		return nil, err
	}
	shape, err := weightShape(desc.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	dtype, raw, err := convertWeightBytes(desc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	t, err := tensor.New(dev, allocr, shape, dtype, true)
	if err != nil {
		return nil, fmt.Errorf("%s: alloc: %w", name, err)
	}
	if err := cmd.Upload(raw, t); err != nil {
		return nil, fmt.Errorf("%s: upload: %w", name, err)
	}
	return t, nil
}
