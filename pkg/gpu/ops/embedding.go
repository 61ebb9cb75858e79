package ops

import (
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Embedding gathers rows of a (1, vocab, dim) weight table by a
// (1, h, w) UINT32 index tensor, producing (h, w, dim)
// (original_source/src/ops/embedding.cpp).
type Embedding struct {
	vocab *tensor.Tensor
	p     *pipeline.Pipeline
}

func NewEmbedding(dev device.Device, vocab *tensor.Tensor) (*Embedding, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 0, WorkgroupX: 16, WorkgroupY: 16, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		return computeEmbedding(ctx.Tensors[0], vocab, ctx.Tensors[1])
	})
	if err != nil {
		return nil, err
	}
	return &Embedding{vocab: vocab, p: p}, nil
}

// Call gathers vocab rows named by indices (shape (1,h,w)) into out
// (shape (h,w,vocab.width())).
func (e *Embedding) Call(cmd *command.Command, indices, out *tensor.Tensor) error {
	if indices.DType() != tensor.UINT32 {
		return fmt.Errorf("%w: embedding indices must be uint32", ErrDTypeMismatch)
	}
	is := indices.Shape()
	os := out.Shape()
	vs := e.vocab.Shape()
	if os.Channels != is.Height || os.Height != is.Width || os.Width != vs.Width {
		return fmt.Errorf("%w: embedding output shape %v does not match indices %v / vocab width %d", ErrShapeMismatch, os, is, vs.Width)
	}
	return cmd.RecordPipeline(e.p, []*tensor.Tensor{indices}, []*tensor.Tensor{out}, nil, uint32(is.Width), uint32(is.Height), 1)
}

func computeEmbedding(indices, vocab, out *tensor.Tensor) error {
	idx := ReadUint32(indices)
	vs := vocab.Shape()
	dim := vs.Width

	vv := ReadFloat32(vocab)
	ov := make([]float32, out.Shape().Elements())

	for i, rowIdx := range idx {
		srcBase := uint64(rowIdx) * dim
		dstBase := uint64(i) * dim
		copy(ov[dstBase:dstBase+dim], vv[srcBase:srcBase+dim])
	}

	WriteFloat32(out, ov)
	return nil
}
