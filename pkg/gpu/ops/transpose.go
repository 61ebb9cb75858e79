package ops

import (
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Transpose swaps channel and height axes: (c,h,w) -> (h,c,w).
// original_source/src/ops/transpose.cpp supports only trans_type 0,
// so that is the only mode implemented here.
type Transpose struct {
	p *pipeline.Pipeline
}

func NewTranspose(dev device.Device) (*Transpose, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 0, WorkgroupX: 8, WorkgroupY: 4, WorkgroupZ: 4,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		return computeTranspose(ctx.Tensors[0], ctx.Tensors[1])
	})
	if err != nil {
		return nil, err
	}
	return &Transpose{p: p}, nil
}

// Call writes in's (h,c,w) transpose into out.
func (tr *Transpose) Call(cmd *command.Command, in, out *tensor.Tensor) error {
	is, os := in.Shape(), out.Shape()
	if os.Channels != is.Height || os.Height != is.Channels || os.Width != is.Width {
		return fmt.Errorf("%w: transpose output shape %v does not match input %v", ErrShapeMismatch, os, is)
	}
	return cmd.RecordPipeline(tr.p, []*tensor.Tensor{in}, []*tensor.Tensor{out}, nil, uint32(os.Width), uint32(os.Height), uint32(os.Channels))
}

func computeTranspose(in, out *tensor.Tensor) error {
	is := in.Shape()
	iv := ReadFloat32(in)
	ov := make([]float32, len(iv))

	c, h, w := is.Channels, is.Height, is.Width
	for ci := uint64(0); ci < c; ci++ {
		for hi := uint64(0); hi < h; hi++ {
			for wi := uint64(0); wi < w; wi++ {
				src := (ci*h+hi)*w + wi
				dst := (hi*c+ci)*w + wi
				ov[dst] = iv[src]
			}
		}
	}

	WriteFloat32(out, ov)
	return nil
}
