package ops

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Slice copies in[c0:c0+ec, h0:h0+eh, w0:w0+ew] into a fresh tensor
// (original_source/src/ops/slice.cpp).
type Slice struct {
	p *pipeline.Pipeline
}

func NewSlice(dev device.Device) (*Slice, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 36, WorkgroupX: 8, WorkgroupY: 8, WorkgroupZ: 4,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		starts, extents := decodeSlicePushConstants(ctx.PushConstants)
		return computeSlice(ctx.Tensors[0], ctx.Tensors[1], starts, extents)
	})
	if err != nil {
		return nil, err
	}
	return &Slice{p: p}, nil
}

func encodeSlicePushConstants(inShape tensor.Shape, starts, extents [3]uint64) []byte {
	buf := make([]byte, 36)
	vals := []uint64{inShape.Channels, inShape.Height, inShape.Width,
		starts[0], starts[1], starts[2], extents[0], extents[1], extents[2]}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return buf
}

func decodeSlicePushConstants(buf []byte) (starts, extents [3]uint64) {
	u := func(i int) uint64 { return uint64(binary.LittleEndian.Uint32(buf[i*4 : i*4+4])) }
	starts = [3]uint64{u(3), u(4), u(5)}
	extents = [3]uint64{u(6), u(7), u(8)}
	return
}

// Call slices in starting at starts with the given extents into out.
func (s *Slice) Call(cmd *command.Command, in *tensor.Tensor, starts, extents [3]uint64, out *tensor.Tensor) error {
	is := in.Shape()
	if starts[0]+extents[0] > is.Channels || starts[1]+extents[1] > is.Height || starts[2]+extents[2] > is.Width {
		return fmt.Errorf("%w: slice [%v:+%v] exceeds input shape %v", ErrShapeMismatch, starts, extents, is)
	}
	os := out.Shape()
	if os.Channels != extents[0] || os.Height != extents[1] || os.Width != extents[2] {
		return fmt.Errorf("%w: slice output shape %v does not match extents %v", ErrShapeMismatch, os, extents)
	}
	push := encodeSlicePushConstants(is, starts, extents)
	return cmd.RecordPipeline(s.p, []*tensor.Tensor{in}, []*tensor.Tensor{out}, push, uint32(extents[2]), uint32(extents[1]), uint32(extents[0]))
}

func computeSlice(in, out *tensor.Tensor, starts, extents [3]uint64) error {
	is := in.Shape()
	iv := ReadFloat32(in)
	ov := make([]float32, extents[0]*extents[1]*extents[2])

	for ci := uint64(0); ci < extents[0]; ci++ {
		for hi := uint64(0); hi < extents[1]; hi++ {
			for wi := uint64(0); wi < extents[2]; wi++ {
				src := ((starts[0]+ci)*is.Height+(starts[1]+hi))*is.Width + (starts[2] + wi)
				dst := (ci*extents[1]+hi)*extents[2] + wi
				ov[dst] = iv[src]
			}
		}
	}

	WriteFloat32(out, ov)
	return nil
}
