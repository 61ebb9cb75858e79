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

// ReduceMonoid selects the per-row fold Reduce performs (original_source/
// src/ops/reduce.h: "0: sum 1: max 2: min 3: mean").
type ReduceMonoid int

const (
	ReduceSum ReduceMonoid = iota
	ReduceMax
	ReduceMin
	ReduceMean
)

// Reduce folds every row of width w down to one value (original's
// two-stage partial-then-final grid collapses to a single pass here
// since the simulated kernel isn't bandwidth-bound).
type Reduce struct {
	monoid ReduceMonoid
	p      *pipeline.Pipeline
}

func NewReduce(dev device.Device, monoid ReduceMonoid) (*Reduce, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 64, WorkgroupY: 4, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		width := binary.LittleEndian.Uint32(ctx.PushConstants)
		return computeReduce(ctx.Tensors[0], ctx.Tensors[1], monoid, uint64(width))
	})
	if err != nil {
		return nil, err
	}
	return &Reduce{monoid: monoid, p: p}, nil
}

// Call reduces x (c, h, w) to out (c, h, 1).
func (r *Reduce) Call(cmd *command.Command, x, out *tensor.Tensor) error {
	xs, os := x.Shape(), out.Shape()
	if os.Channels != xs.Channels || os.Height != xs.Height || os.Width != 1 {
		return fmt.Errorf("%w: reduce output shape %v not (c=%d,h=%d,w=1)", ErrShapeMismatch, os, xs.Channels, xs.Height)
	}
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, uint32(xs.Width))
	return cmd.RecordPipeline(r.p, []*tensor.Tensor{x}, []*tensor.Tensor{out}, push, uint32(xs.Width), uint32(xs.Channels*xs.Height), 1)
}

func computeReduce(x, out *tensor.Tensor, monoid ReduceMonoid, width uint64) error {
	xv := ReadFloat32(x)
	rows := uint64(len(xv)) / width
	ov := make([]float32, rows)

	for row := uint64(0); row < rows; row++ {
		base := row * width
		var acc float32
		switch monoid {
		case ReduceMax:
			acc = float32(math.Inf(-1))
		case ReduceMin:
			acc = float32(math.Inf(1))
		default:
			acc = 0
		}
		for i := uint64(0); i < width; i++ {
			v := xv[base+i]
			switch monoid {
			case ReduceSum, ReduceMean:
				acc += v
			case ReduceMax:
				if v > acc {
					acc = v
				}
			case ReduceMin:
				if v < acc {
					acc = v
				}
			}
		}
		if monoid == ReduceMean {
			acc /= float32(width)
		}
		ov[row] = acc
	}

	WriteFloat32(out, ov)
	return nil
}
