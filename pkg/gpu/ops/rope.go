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

// ropeBase is the rotary frequency base (theta), matching the
// original's 10000.0 (original_source/src/ops/rope.cpp's shader
// constant default).
const ropeBase = 10000.0

// Rope applies rotary position embedding to query and key tensors, one
// pipeline per tensor (original_source/src/ops/rope.cpp: pipeline_q_,
// pipeline_k_ with independent dispatch groups since q and k can have
// different heights).
type Rope struct {
	maxLen int
	dim    uint64
	pq     *pipeline.Pipeline
	pk     *pipeline.Pipeline
}

func NewRope(dev device.Device, maxLen int, dim uint64) (*Rope, error) {
	info := pipeline.ShaderInfo{
		BindingCount:      2,
		PushConstantBytes: 16,
		WorkgroupX:        16,
		WorkgroupY:        16,
		WorkgroupZ:        1,
	}
	pq, err := pipeline.New(dev, info, nil, func(ctx *pipeline.DispatchContext) error {
		shape, offset := decodeRopePushConstants(ctx.PushConstants)
		return computeRope(ctx.Tensors[0], ctx.Tensors[1], shape, offset)
	})
	if err != nil {
		return nil, err
	}
	pk, err := pipeline.New(dev, info, nil, func(ctx *pipeline.DispatchContext) error {
		shape, offset := decodeRopePushConstants(ctx.PushConstants)
		return computeRope(ctx.Tensors[0], ctx.Tensors[1], shape, offset)
	})
	if err != nil {
		return nil, err
	}
	return &Rope{maxLen: maxLen, dim: dim, pq: pq, pk: pk}, nil
}

type ropeShape struct {
	channels, height, width uint32
}

func encodeRopePushConstants(s ropeShape, offset uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], s.channels)
	binary.LittleEndian.PutUint32(buf[4:8], s.height)
	binary.LittleEndian.PutUint32(buf[8:12], s.width)
	binary.LittleEndian.PutUint32(buf[12:16], offset)
	return buf
}

func decodeRopePushConstants(buf []byte) (ropeShape, uint32) {
	return ropeShape{
		channels: binary.LittleEndian.Uint32(buf[0:4]),
		height:   binary.LittleEndian.Uint32(buf[4:8]),
		width:    binary.LittleEndian.Uint32(buf[8:12]),
	}, binary.LittleEndian.Uint32(buf[12:16])
}

// Call rotates query into outQuery at absolute offset, and key into
// outKey at offset+query.height()-key.height(), so the newest key rows
// align with the newest query rows. When key holds every cached row
// read back from the KV cache (longer than query), that key offset is
// 0.
func (r *Rope) Call(cmd *command.Command, query, key, outQuery, outKey *tensor.Tensor, offset uint64) error {
	qs, ks := query.Shape(), key.Shape()
	if qs.Width != ks.Width || qs.Channels != ks.Channels || qs.Width != r.dim || qs.Height > uint64(r.maxLen) {
		return fmt.Errorf("%w: rope query shape %v key shape %v dim %d maxlen %d", ErrShapeMismatch, qs, ks, r.dim, r.maxLen)
	}

	qPush := encodeRopePushConstants(ropeShape{channels: uint32(qs.Channels), height: uint32(qs.Height), width: uint32(qs.Width)}, uint32(offset))
	if err := cmd.RecordPipeline(r.pq, []*tensor.Tensor{query}, []*tensor.Tensor{outQuery}, qPush, uint32(qs.Width/2), uint32(qs.Height), uint32(qs.Channels)); err != nil {
		return err
	}

	keyOffset := int64(offset) + int64(qs.Height) - int64(ks.Height)
	if keyOffset < 0 {
		return fmt.Errorf("%w: rope key offset negative: offset=%d query.height=%d key.height=%d", ErrShapeMismatch, offset, qs.Height, ks.Height)
	}
	kPush := encodeRopePushConstants(ropeShape{channels: uint32(ks.Channels), height: uint32(ks.Height), width: uint32(ks.Width)}, uint32(keyOffset))
	return cmd.RecordPipeline(r.pk, []*tensor.Tensor{key}, []*tensor.Tensor{outKey}, kPush, uint32(ks.Width/2), uint32(ks.Height), uint32(ks.Channels))
}

// computeRope rotates each adjacent pair (x[2i], x[2i+1]) of every row
// by angle = (offset+row) * base^(-2i/w), matching spec.md §4.6.2's
// interleaved pairing (not the GPT-NeoX split-half convention).
func computeRope(x, out *tensor.Tensor, shape ropeShape, offset uint32) error {
	w := uint64(shape.width)
	half := w / 2

	xv := ReadFloat32(x)
	ov := make([]float32, len(xv))
	copy(ov, xv)

	for ch := uint64(0); ch < uint64(shape.channels); ch++ {
		for row := uint64(0); row < uint64(shape.height); row++ {
			base := (ch*uint64(shape.height) + row) * w
			pos := float64(offset) + float64(row)
			for i := uint64(0); i < half; i++ {
				freq := 1.0 / math.Pow(ropeBase, float64(2*i)/float64(w))
				angle := pos * freq
				sinv, cosv := math.Sincos(angle)
				x0 := xv[base+2*i]
				x1 := xv[base+2*i+1]
				ov[base+2*i] = x0*float32(cosv) - x1*float32(sinv)
				ov[base+2*i+1] = x0*float32(sinv) + x1*float32(cosv)
			}
		}
	}

	WriteFloat32(out, ov)
	return nil
}
