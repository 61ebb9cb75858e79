package model

import (
	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/ops"
)

// FeedForward is the gated SwiGLU block spec.md §4.7 names between the
// two residual adds: down(SiLU(gate(x)) * up(x)), grounded on
// original_source/models/llama2.cpp's feed_forward composition.
type FeedForward struct {
	dev    device.Device
	allocr *alloc.Allocator

	wGate, wUp, wDown *tensor.Tensor

	matmul *ops.Matmul
	mul    *ops.ElementWise
}

// NewFeedForward builds the block against shared matmul/mul operator
// instances (spec.md §3: operators are stateless over the call, so one
// Matmul and one ElementWise(Mul) pipeline serves every block).
func NewFeedForward(dev device.Device, allocr *alloc.Allocator, wGate, wUp, wDown *tensor.Tensor, matmul *ops.Matmul, mul *ops.ElementWise) *FeedForward {
	return &FeedForward{dev: dev, allocr: allocr, wGate: wGate, wUp: wUp, wDown: wDown, matmul: matmul, mul: mul}
}

// Call computes down(SiLU(x*wGate) * (x*wUp)) for x shaped (1, seq, dModel).
func (f *FeedForward) Call(cmd *command.Command, x *tensor.Tensor) (*tensor.Tensor, error) {
	xs := x.Shape()
	ffnWidth := f.wGate.Shape().Width

	gate, err := tensor.New(f.dev, f.allocr, tensor.Shape{Channels: 1, Height: xs.Height, Width: ffnWidth}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer gate.Release()
	if err := f.matmul.Call(cmd, x, f.wGate, gate, false, ops.BroadcastPerChannel, ops.ActivationSiLU, 1, 0); err != nil {
		return nil, err
	}

	up, err := tensor.New(f.dev, f.allocr, tensor.Shape{Channels: 1, Height: xs.Height, Width: ffnWidth}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer up.Release()
	if err := f.matmul.Call(cmd, x, f.wUp, up, false, ops.BroadcastPerChannel, ops.ActivationNone, 1, 0); err != nil {
		return nil, err
	}

	hidden, err := tensor.Like(gate)
	if err != nil {
		return nil, err
	}
	defer hidden.Release()
	if err := f.mul.Call(cmd, gate, up, hidden); err != nil {
		return nil, err
	}

	dModel := f.wDown.Shape().Width
	out, err := tensor.New(f.dev, f.allocr, tensor.Shape{Channels: 1, Height: xs.Height, Width: dModel}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	if err := f.matmul.Call(cmd, hidden, f.wDown, out, false, ops.BroadcastPerChannel, ops.ActivationNone, 1, 0); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}
