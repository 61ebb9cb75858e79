package ops

import (
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Cast converts between fp32 and fp16 elementwise
// (original_source/src/ops/cast.cpp: "only fp32 -> fp16 and fp16 ->
// fp32 are supported").
type Cast struct {
	from, to tensor.DType
	p        *pipeline.Pipeline
}

func NewCast(dev device.Device, from, to tensor.DType) (*Cast, error) {
	if !((from == tensor.FP32 && to == tensor.FP16) || (from == tensor.FP16 && to == tensor.FP32)) {
		return nil, fmt.Errorf("%w: cast only supports fp32<->fp16, got %v -> %v", ErrDTypeMismatch, from, to)
	}
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 0, WorkgroupX: 128, WorkgroupY: 1, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		return computeCast(ctx.Tensors[0], ctx.Tensors[1])
	})
	if err != nil {
		return nil, err
	}
	return &Cast{from: from, to: to, p: p}, nil
}

// Call casts in (dtype == c.from) into out (dtype == c.to).
func (c *Cast) Call(cmd *command.Command, in, out *tensor.Tensor) error {
	if in.DType() != c.from {
		return fmt.Errorf("%w: cast defined from %v but got %v", ErrDTypeMismatch, c.from, in.DType())
	}
	if out.DType() != c.to {
		return fmt.Errorf("%w: cast defined to %v but output is %v", ErrDTypeMismatch, c.to, out.DType())
	}
	if in.Shape() != out.Shape() {
		return fmt.Errorf("%w: cast shapes %v vs %v", ErrShapeMismatch, in.Shape(), out.Shape())
	}
	n := uint32(in.Shape().Elements())
	return cmd.RecordPipeline(c.p, []*tensor.Tensor{in}, []*tensor.Tensor{out}, nil, n, 1, 1)
}

func computeCast(in, out *tensor.Tensor) error {
	WriteFloat32(out, ReadFloat32(in))
	return nil
}
