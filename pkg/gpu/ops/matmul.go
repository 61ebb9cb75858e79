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

// Activation selects a fused post-multiply activation (spec.md
// §4.6.1: "none, SiLU").
type Activation int

const (
	ActivationNone Activation = iota
	ActivationSiLU
)

// BroadcastMode selects how channel counts reconcile when ca != cb
// (spec.md §4.6.1).
type BroadcastMode int

const (
	BroadcastPerChannel BroadcastMode = iota
	BroadcastB
	BroadcastA
)

// Matmul computes C = activation(alpha*A*Bᵀ? + beta), grounded on
// original_source/src/ops/mat_mul.cpp's shape/broadcast contract
// (spec.md §4.6.1). Dispatch is conceptually a 32x32 tiled grid, one
// workgroup per output tile, z = channel; the simulated kernel just
// computes every element directly.
type Matmul struct {
	p *pipeline.Pipeline
}

// matmulPushConstantBytes is big enough for transposeB+broadcast+
// activation (1 byte each, padded) plus scale and bias as float32.
const matmulPushConstantBytes = 16

// NewMatmul constructs the operator's pipeline; the pipeline's
// workgroup size matches the 32x32 tiling spec.md names. Per-dispatch
// parameters (transpose flag, broadcast mode, activation, scale,
// bias) travel through push constants rather than operator-instance
// state, so one Matmul can be recorded multiple times into the same
// command buffer before Submit executes any of its dispatches.
func NewMatmul(dev device.Device) (*Matmul, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount:      3,
		PushConstantBytes: matmulPushConstantBytes,
		WorkgroupX:        32,
		WorkgroupY:        32,
		WorkgroupZ:        1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		params := decodeMatmulPushConstants(ctx.PushConstants)
		return computeMatmul(ctx.Tensors[0], ctx.Tensors[1], ctx.Tensors[2], params)
	})
	if err != nil {
		return nil, err
	}
	return &Matmul{p: p}, nil
}

type matmulParams struct {
	transposeB bool
	broadcast  BroadcastMode
	activation Activation
	scale      float32
	bias       float32
}

func encodeMatmulPushConstants(p matmulParams) []byte {
	buf := make([]byte, matmulPushConstantBytes)
	if p.transposeB {
		buf[0] = 1
	}
	buf[1] = byte(p.broadcast)
	buf[2] = byte(p.activation)
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(p.scale))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.bias))
	return buf
}

func decodeMatmulPushConstants(buf []byte) matmulParams {
	return matmulParams{
		transposeB: buf[0] != 0,
		broadcast:  BroadcastMode(buf[1]),
		activation: Activation(buf[2]),
		scale:      math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
		bias:       math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
	}
}

// Call validates shapes and records the dispatch through cmd.
func (m *Matmul) Call(cmd *command.Command, a, b, out *tensor.Tensor, transposeB bool, broadcast BroadcastMode, activation Activation, scale, bias float32) error {
	as, bs := a.Shape(), b.Shape()
	ka := as.Width
	kb := bs.Height
	if transposeB {
		kb = bs.Width
	}
	if ka != kb {
		return fmt.Errorf("%w: matmul contracting dim %d vs %d", ErrShapeMismatch, ka, kb)
	}

	pushConstants := encodeMatmulPushConstants(matmulParams{
		transposeB: transposeB, broadcast: broadcast, activation: activation, scale: scale, bias: bias,
	})

	n := bs.Width
	if transposeB {
		n = bs.Height
	}
	width, height := n, as.Height
	depth := out.Shape().Channels

	return cmd.RecordPipeline(m.p, []*tensor.Tensor{a, b}, []*tensor.Tensor{out}, pushConstants, uint32(width), uint32(height), uint32(depth))
}

func computeMatmul(a, b, c *tensor.Tensor, params matmulParams) error {
	as, bs, cs := a.Shape(), b.Shape(), c.Shape()
	av := ReadFloat32(a)
	bv := ReadFloat32(b)

	m, k := as.Height, as.Width
	var n uint64
	if params.transposeB {
		n = bs.Height
	} else {
		n = bs.Width
	}

	out := make([]float32, cs.Elements())

	for ch := uint64(0); ch < cs.Channels; ch++ {
		chA := ch
		if params.broadcast == BroadcastA && as.Channels == 1 {
			chA = 0
		}
		chB := ch
		if params.broadcast == BroadcastB && bs.Channels == 1 {
			chB = 0
		}
		aBase := chA * m * k
		var bBase uint64
		if params.transposeB {
			bBase = chB * n * k
		} else {
			bBase = chB * k * n
		}
		outBase := ch * m * n

		for i := uint64(0); i < m; i++ {
			for j := uint64(0); j < n; j++ {
				var sum float32
				for kk := uint64(0); kk < k; kk++ {
					var bVal float32
					if params.transposeB {
						bVal = bv[bBase+j*k+kk]
					} else {
						bVal = bv[bBase+kk*n+j]
					}
					sum += av[aBase+i*k+kk] * bVal
				}
				v := params.scale*sum + params.bias
				if params.activation == ActivationSiLU {
					v = v / (1 + float32(math.Exp(float64(-v))))
				}
				out[outBase+i*n+j] = v
			}
		}
	}

	WriteFloat32(c, out)
	return nil
}
