package ops

import (
	"math"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Softmax computes a row-wise softmax, optionally causally masked
// (spec.md §4.6.4): positions j > offset+row_i contribute neither to
// the max nor the sum, and their output is 0.
type Softmax struct {
	p *pipeline.Pipeline
}

func NewSoftmax(dev device.Device) (*Softmax, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount:      2,
		PushConstantBytes: 8,
		WorkgroupX:        256,
		WorkgroupY:        1,
		WorkgroupZ:        1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		masked := ctx.PushConstants[0] != 0
		offset := int64(int32(uint32(ctx.PushConstants[1])|uint32(ctx.PushConstants[2])<<8|uint32(ctx.PushConstants[3])<<16|uint32(ctx.PushConstants[4])<<24))
		return computeSoftmax(ctx.Tensors[0], ctx.Tensors[1], masked, offset)
	})
	if err != nil {
		return nil, err
	}
	return &Softmax{p: p}, nil
}

// Call runs softmax over x's rows (shape (c, rows, w)). When masked,
// offset is the causal offset (total_len - seq per spec.md §4.6.2).
func (s *Softmax) Call(cmd *command.Command, x, out *tensor.Tensor, masked bool, offset int64) error {
	push := make([]byte, 8)
	if masked {
		push[0] = 1
	}
	push[1] = byte(offset)
	push[2] = byte(offset >> 8)
	push[3] = byte(offset >> 16)
	push[4] = byte(offset >> 24)

	shp := x.Shape()
	return cmd.RecordPipeline(s.p, []*tensor.Tensor{x}, []*tensor.Tensor{out}, push, uint32(shp.Width), uint32(shp.Channels*shp.Height), 1)
}

func computeSoftmax(x, out *tensor.Tensor, masked bool, offset int64) error {
	shp := x.Shape()
	w := shp.Width
	rows := shp.Channels * shp.Height

	xv := ReadFloat32(x)
	ov := make([]float32, shp.Elements())

	for row := uint64(0); row < rows; row++ {
		base := row * w
		rowIndexWithinLastDim := row % shp.Height

		limit := w
		if masked {
			lim := offset + int64(rowIndexWithinLastDim) + 1
			if lim < 0 {
				lim = 0
			}
			if uint64(lim) < w {
				limit = uint64(lim)
			}
		}

		rowMax := float32(math.Inf(-1))
		for i := uint64(0); i < limit; i++ {
			if xv[base+i] > rowMax {
				rowMax = xv[base+i]
			}
		}

		var sum float32
		exps := make([]float32, w)
		for i := uint64(0); i < limit; i++ {
			e := float32(math.Exp(float64(xv[base+i] - rowMax)))
			exps[i] = e
			sum += e
		}

		for i := uint64(0); i < w; i++ {
			if i >= limit {
				ov[base+i] = 0
				continue
			}
			ov[base+i] = exps[i] / sum
		}
	}

	WriteFloat32(out, ov)
	return nil
}
