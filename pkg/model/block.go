package model

import (
	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/ops"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Block is one transformer layer: RMSNorm -> self-attention -> residual
// add -> RMSNorm -> feed-forward -> residual add (spec.md GLOSSARY
// "Block (model)", §2 data flow). Each block records into its own
// command.Command, held by Model, per spec.md §3/§4.7.
type Block struct {
	index int

	attnNormWeight *tensor.Tensor
	ffnNormWeight  *tensor.Tensor

	attention   *ops.Attention
	feedForward *FeedForward

	rmsnorm *ops.RMSNorm
	add     *ops.ElementWise

	eps float32
}

// Forward runs the block on x (shape (1, seq, dModel)) at absolute KV
// offset, returning a freshly allocated (1, seq, dModel) tensor.
func (b *Block) Forward(cmd *command.Command, x *tensor.Tensor, offset uint64) (*tensor.Tensor, error) {
	normed1, err := tensor.Like(x)
	if err != nil {
		return nil, err
	}
	defer normed1.Release()
	if err := b.rmsnorm.Call(cmd, x, b.attnNormWeight, normed1, b.eps); err != nil {
		return nil, err
	}

	attnOut, err := b.attention.Call(cmd, normed1, offset)
	if err != nil {
		return nil, err
	}
	defer attnOut.Release()

	resid1, err := tensor.Like(x)
	if err != nil {
		return nil, err
	}
	if err := b.add.Call(cmd, x, attnOut, resid1); err != nil {
		resid1.Release()
		return nil, err
	}

	normed2, err := tensor.Like(resid1)
	if err != nil {
		resid1.Release()
		return nil, err
	}
	defer normed2.Release()
	if err := b.rmsnorm.Call(cmd, resid1, b.ffnNormWeight, normed2, b.eps); err != nil {
		resid1.Release()
		return nil, err
	}

	ffnOut, err := b.feedForward.Call(cmd, normed2)
	if err != nil {
		resid1.Release()
		return nil, err
	}
	defer ffnOut.Release()

	resid2, err := tensor.Like(resid1)
	if err != nil {
		resid1.Release()
		return nil, err
	}
	if err := b.add.Call(cmd, resid1, ffnOut, resid2); err != nil {
		resid1.Release()
		resid2.Release()
		return nil, err
	}
	resid1.Release()

	return resid2, nil
}
