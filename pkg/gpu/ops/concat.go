package ops

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// ConcatAxis selects which of the three rank-3 axes Concat joins along
// (original_source/src/ops/concat.cpp supports axis 0, 1 or 2).
type ConcatAxis int

const (
	ConcatChannels ConcatAxis = iota
	ConcatHeight
	ConcatWidth
)

// Concat dispatches one copy-into-offset pass per input tensor, each
// writing into its slice of the destination (original's per-input
// pipeline loop).
type Concat struct {
	axis ConcatAxis
	p    *pipeline.Pipeline
}

func NewConcat(dev device.Device, axis ConcatAxis) (*Concat, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 16, WorkgroupY: 16, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		offset := binary.LittleEndian.Uint32(ctx.PushConstants)
		return computeConcatCopy(ctx.Tensors[0], ctx.Tensors[1], axis, uint64(offset))
	})
	if err != nil {
		return nil, err
	}
	return &Concat{axis: axis, p: p}, nil
}

// Call validates every input's shape agrees along the non-concat axes,
// then copies each input into its computed offset slice of out.
func (c *Concat) Call(cmd *command.Command, inputs []*tensor.Tensor, out *tensor.Tensor) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: concat requires at least one input", ErrShapeMismatch)
	}
	ref := inputs[0].Shape()
	var total uint64
	offsets := make([]uint64, len(inputs))
	for i, in := range inputs {
		s := in.Shape()
		switch c.axis {
		case ConcatChannels:
			if s.Height != ref.Height || s.Width != ref.Width {
				return fmt.Errorf("%w: concat axis 0 input %d shape %v", ErrShapeMismatch, i, s)
			}
			offsets[i] = total
			total += s.Channels
		case ConcatHeight:
			if s.Channels != ref.Channels || s.Width != ref.Width {
				return fmt.Errorf("%w: concat axis 1 input %d shape %v", ErrShapeMismatch, i, s)
			}
			offsets[i] = total
			total += s.Height
		default:
			if s.Channels != ref.Channels || s.Height != ref.Height {
				return fmt.Errorf("%w: concat axis 2 input %d shape %v", ErrShapeMismatch, i, s)
			}
			offsets[i] = total
			total += s.Width
		}
	}

	os := out.Shape()
	switch c.axis {
	case ConcatChannels:
		if os.Channels != total || os.Height != ref.Height || os.Width != ref.Width {
			return fmt.Errorf("%w: concat output shape %v", ErrShapeMismatch, os)
		}
	case ConcatHeight:
		if os.Height != total || os.Channels != ref.Channels || os.Width != ref.Width {
			return fmt.Errorf("%w: concat output shape %v", ErrShapeMismatch, os)
		}
	default:
		if os.Width != total || os.Channels != ref.Channels || os.Height != ref.Height {
			return fmt.Errorf("%w: concat output shape %v", ErrShapeMismatch, os)
		}
	}

	for i, in := range inputs {
		push := make([]byte, 4)
		binary.LittleEndian.PutUint32(push, uint32(offsets[i]))
		s := in.Shape()
		if err := cmd.RecordPipeline(c.p, []*tensor.Tensor{in}, []*tensor.Tensor{out}, push, uint32(s.Width), uint32(s.Height), uint32(s.Channels)); err != nil {
			return err
		}
	}
	return nil
}

func computeConcatCopy(in, out *tensor.Tensor, axis ConcatAxis, offset uint64) error {
	is := in.Shape()
	os := out.Shape()
	iv := ReadFloat32(in)
	ov := ReadFloat32(out)

	for ci := uint64(0); ci < is.Channels; ci++ {
		for hi := uint64(0); hi < is.Height; hi++ {
			for wi := uint64(0); wi < is.Width; wi++ {
				src := (ci*is.Height+hi)*is.Width + wi
				var dc, dh, dw uint64 = ci, hi, wi
				switch axis {
				case ConcatChannels:
					dc += offset
				case ConcatHeight:
					dh += offset
				default:
					dw += offset
				}
				dst := (dc*os.Height+dh)*os.Width + dw
				ov[dst] = iv[src]
			}
		}
	}

	WriteFloat32(out, ov)
	return nil
}
