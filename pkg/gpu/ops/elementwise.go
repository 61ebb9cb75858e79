package ops

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// ElementwiseOp selects the binary/unary-constant operation
// ElementWise performs (original_source/src/ops/elementwise.cpp: a
// type tag shared by both its tensor-tensor and tensor-constant
// pipelines).
type ElementwiseOp int

const (
	OpAdd ElementwiseOp = iota
	OpSub
	OpMul
	OpDiv
)

// ElementWise computes x OP y (same shape) or x OP constant,
// elementwise, grounded on original_source/src/ops/elementwise.cpp's
// two pipelines (tensor-tensor vs tensor-constant).
type ElementWise struct {
	op      ElementwiseOp
	pTensor *pipeline.Pipeline
	pConst  *pipeline.Pipeline
}

func NewElementWise(dev device.Device, op ElementwiseOp) (*ElementWise, error) {
	pt, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 3, PushConstantBytes: 0, WorkgroupX: 128, WorkgroupY: 1, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		return computeElementwiseTensor(ctx.Tensors[0], ctx.Tensors[1], ctx.Tensors[2], op)
	})
	if err != nil {
		return nil, err
	}
	pc, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 128, WorkgroupY: 1, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		alpha := math.Float32frombits(binary.LittleEndian.Uint32(ctx.PushConstants))
		return computeElementwiseConstant(ctx.Tensors[0], ctx.Tensors[1], op, alpha)
	})
	if err != nil {
		return nil, err
	}
	return &ElementWise{op: op, pTensor: pt, pConst: pc}, nil
}

// Call computes x OP y into out (all three tensors the same shape).
func (e *ElementWise) Call(cmd *command.Command, x, y, out *tensor.Tensor) error {
	xs, ys := x.Shape(), y.Shape()
	if xs != ys {
		return fmt.Errorf("%w: elementwise shapes %v vs %v", ErrShapeMismatch, xs, ys)
	}
	n := uint32(xs.Elements())
	return cmd.RecordPipeline(e.pTensor, []*tensor.Tensor{x, y}, []*tensor.Tensor{out}, nil, n, 1, 1)
}

// CallConstant computes x OP alpha into out.
func (e *ElementWise) CallConstant(cmd *command.Command, x *tensor.Tensor, alpha float32, out *tensor.Tensor) error {
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, math.Float32bits(alpha))
	n := uint32(x.Shape().Elements())
	return cmd.RecordPipeline(e.pConst, []*tensor.Tensor{x}, []*tensor.Tensor{out}, push, n, 1, 1)
}

func applyOp(op ElementwiseOp, a, b float32) float32 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	default:
		panic(fmt.Sprintf("ops: unknown elementwise op %d", op))
	}
}

func computeElementwiseTensor(x, y, out *tensor.Tensor, op ElementwiseOp) error {
	xv := ReadFloat32(x)
	yv := ReadFloat32(y)
	ov := make([]float32, len(xv))
	for i := range xv {
		ov[i] = applyOp(op, xv[i], yv[i])
	}
	WriteFloat32(out, ov)
	return nil
}

func computeElementwiseConstant(x, out *tensor.Tensor, op ElementwiseOp, alpha float32) error {
	xv := ReadFloat32(x)
	ov := make([]float32, len(xv))
	for i := range xv {
		ov[i] = applyOp(op, xv[i], alpha)
	}
	WriteFloat32(out, ov)
	return nil
}
