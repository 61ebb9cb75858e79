package ops

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// ArgMode selects argmax or argmin (original_source/src/ops/argop.h's
// ArgOp<0>/ArgOp<1> template instantiations).
type ArgMode int

const (
	ArgMax ArgMode = iota
	ArgMin
)

// ArgOp reduces every row of x down to the index of its
// max/min element, written as a UINT32 tensor.
type ArgOp struct {
	mode ArgMode
	p    *pipeline.Pipeline
}

func NewArgOp(dev device.Device, mode ArgMode) (*ArgOp, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 32, WorkgroupY: 4, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		width := binary.LittleEndian.Uint32(ctx.PushConstants)
		return computeArgOp(ctx.Tensors[0], ctx.Tensors[1], mode, uint64(width))
	})
	if err != nil {
		return nil, err
	}
	return &ArgOp{mode: mode, p: p}, nil
}

// Call reduces x (c, h, w) to out (c, h, 1) of UINT32 indices.
func (a *ArgOp) Call(cmd *command.Command, x, out *tensor.Tensor) error {
	xs, os := x.Shape(), out.Shape()
	if os.Channels != xs.Channels || os.Height != xs.Height || os.Width != 1 {
		return fmt.Errorf("%w: argop output shape %v not (c=%d,h=%d,w=1)", ErrShapeMismatch, os, xs.Channels, xs.Height)
	}
	if out.DType() != tensor.UINT32 {
		return fmt.Errorf("%w: argop output must be uint32", ErrDTypeMismatch)
	}
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, uint32(xs.Width))
	return cmd.RecordPipeline(a.p, []*tensor.Tensor{x}, []*tensor.Tensor{out}, push, uint32(xs.Width), uint32(xs.Channels*xs.Height), 1)
}

func computeArgOp(x, out *tensor.Tensor, mode ArgMode, width uint64) error {
	xv := ReadFloat32(x)
	rows := uint64(len(xv)) / width
	ov := make([]uint32, rows)

	for row := uint64(0); row < rows; row++ {
		base := row * width
		best := xv[base]
		bestIdx := uint32(0)
		for i := uint64(1); i < width; i++ {
			v := xv[base+i]
			if (mode == ArgMax && v > best) || (mode == ArgMin && v < best) {
				best = v
				bestIdx = uint32(i)
			}
		}
		ov[row] = bestIdx
	}

	WriteUint32(out, ov)
	return nil
}
