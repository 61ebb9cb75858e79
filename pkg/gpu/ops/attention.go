package ops

import (
	"fmt"
	"math"

	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// Attention is the composite batched-heads self-attention block
// grounded on original_source/src/ops/multiheadattention_v2.cpp
// (the "v2" variant: q/k/v and attention scores are held as single
// (heads, seq, dim) tensors throughout rather than looped per head).
type Attention struct {
	dev    device.Device
	allocr *alloc.Allocator

	wk, wq, wv, wo   *tensor.Tensor
	maxLen           int
	dim              uint64
	transposedWeight bool
	scale            float32

	useKVCache      bool
	kcache, vcache  *tensor.Tensor

	matmul    *Matmul
	transpose *Transpose
	rope      *Rope
	softmax   *Softmax
	updateK   *UpdateKVCache
	updateV   *UpdateKVCache
	readK     *ReadKVCache
	readV     *ReadKVCache
}

// NewAttention builds the block's pipelines and, if useKVCache, its
// (heads, maxLen, dim) key/value caches. wk/wq/wv must share shape;
// transposedWeight selects whether the weight tensors are stored
// (in, out) or (out, in), matching original's transposed_weight_ flag.
func NewAttention(dev device.Device, allocr *alloc.Allocator, wk, wq, wv, wo *tensor.Tensor, maxLen int, dim uint64, transposedWeight, useKVCache bool) (*Attention, error) {
	ks, qs, vs := wk.Shape(), wq.Shape(), wv.Shape()
	if ks != qs || qs != vs {
		return nil, fmt.Errorf("%w: attention wk/wq/wv shapes differ: %v %v %v", ErrShapeMismatch, ks, qs, vs)
	}

	matmul, err := NewMatmul(dev)
	if err != nil {
		return nil, err
	}
	transpose, err := NewTranspose(dev)
	if err != nil {
		return nil, err
	}
	rope, err := NewRope(dev, maxLen, dim)
	if err != nil {
		return nil, err
	}
	softmax, err := NewSoftmax(dev)
	if err != nil {
		return nil, err
	}

	a := &Attention{
		dev: dev, allocr: allocr,
		wk: wk, wq: wq, wv: wv, wo: wo,
		maxLen: maxLen, dim: dim, transposedWeight: transposedWeight,
		scale:      float32(1.0 / math.Sqrt(float64(dim))),
		useKVCache: useKVCache,
		matmul:     matmul, transpose: transpose, rope: rope, softmax: softmax,
	}

	if useKVCache {
		outWidth := ks.Width
		if transposedWeight {
			outWidth = ks.Height
		}
		heads := outWidth / dim
		a.kcache, err = tensor.New(dev, allocr, tensor.Shape{Channels: heads, Height: uint64(maxLen), Width: dim}, wk.DType(), false)
		if err != nil {
			return nil, err
		}
		a.vcache, err = tensor.New(dev, allocr, tensor.Shape{Channels: heads, Height: uint64(maxLen), Width: dim}, wv.DType(), false)
		if err != nil {
			return nil, err
		}
		if a.updateK, err = NewUpdateKVCache(dev); err != nil {
			return nil, err
		}
		if a.updateV, err = NewUpdateKVCache(dev); err != nil {
			return nil, err
		}
		if a.readK, err = NewReadKVCache(dev); err != nil {
			return nil, err
		}
		if a.readV, err = NewReadKVCache(dev); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Call runs the block on x (shape (1, seq, width_in)) at absolute
// position offset, returning a freshly allocated (1, seq, width_out)
// output tensor.
func (a *Attention) Call(cmd *command.Command, x *tensor.Tensor, offset uint64) (*tensor.Tensor, error) {
	xs := x.Shape()
	widthIn := a.wv.Shape().Width
	if a.transposedWeight {
		widthIn = a.wv.Shape().Height
	}
	if xs.Width != widthIn {
		return nil, fmt.Errorf("%w: attention input width %d, weights expect %d", ErrShapeMismatch, xs.Width, widthIn)
	}

	outWidth := a.wk.Shape().Width
	if a.transposedWeight {
		outWidth = a.wk.Shape().Height
	}
	heads := outWidth / a.dim
	seq := xs.Height

	k, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: 1, Height: seq, Width: outWidth}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer k.Release()
	q, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: 1, Height: seq, Width: outWidth}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer q.Release()
	v, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: 1, Height: seq, Width: outWidth}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer v.Release()

	if err := a.matmul.Call(cmd, x, a.wk, k, a.transposedWeight, BroadcastPerChannel, ActivationNone, 1, 0); err != nil {
		return nil, err
	}
	if err := a.matmul.Call(cmd, x, a.wq, q, a.transposedWeight, BroadcastPerChannel, ActivationNone, 1, 0); err != nil {
		return nil, err
	}
	if err := a.matmul.Call(cmd, x, a.wv, v, a.transposedWeight, BroadcastPerChannel, ActivationNone, 1, 0); err != nil {
		return nil, err
	}

	// [seq,width] -> [seq,heads,dim] (reshape only; no data movement)
	if err := k.Reshape(tensor.Shape{Channels: seq, Height: heads, Width: a.dim}); err != nil {
		return nil, err
	}
	if err := q.Reshape(tensor.Shape{Channels: seq, Height: heads, Width: a.dim}); err != nil {
		return nil, err
	}
	if err := v.Reshape(tensor.Shape{Channels: seq, Height: heads, Width: a.dim}); err != nil {
		return nil, err
	}

	// [seq,heads,dim] -> [heads,seq,dim]
	transposedK, err := tensor.LikeShape(k, tensor.Shape{Channels: heads, Height: seq, Width: a.dim}, k.DType())
	if err != nil {
		return nil, err
	}
	defer transposedK.Release()
	transposedQ, err := tensor.LikeShape(q, tensor.Shape{Channels: heads, Height: seq, Width: a.dim}, q.DType())
	if err != nil {
		return nil, err
	}
	defer transposedQ.Release()
	transposedV, err := tensor.LikeShape(v, tensor.Shape{Channels: heads, Height: seq, Width: a.dim}, v.DType())
	if err != nil {
		return nil, err
	}
	defer transposedV.Release()

	if err := a.transpose.Call(cmd, k, transposedK); err != nil {
		return nil, err
	}
	if err := a.transpose.Call(cmd, q, transposedQ); err != nil {
		return nil, err
	}
	if err := a.transpose.Call(cmd, v, transposedV); err != nil {
		return nil, err
	}

	keyForRope, valueForAttn := transposedK, transposedV
	kLen := seq

	if a.useKVCache {
		if err := a.updateK.Call(cmd, a.kcache, transposedK, offset); err != nil {
			return nil, err
		}
		if err := a.updateV.Call(cmd, a.vcache, transposedV, offset); err != nil {
			return nil, err
		}

		readOffset := uint64(0)
		if offset >= uint64(a.maxLen) {
			readOffset = offset % uint64(a.maxLen)
		}
		readLen := offset + seq
		if readLen > uint64(a.maxLen) {
			readLen = uint64(a.maxLen)
		}

		readK, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: heads, Height: readLen, Width: a.dim}, a.kcache.DType(), x.Visible())
		if err != nil {
			return nil, err
		}
		defer readK.Release()
		readV, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: heads, Height: readLen, Width: a.dim}, a.vcache.DType(), x.Visible())
		if err != nil {
			return nil, err
		}
		defer readV.Release()

		if err := a.readK.Call(cmd, a.kcache, readOffset, readLen, readK); err != nil {
			return nil, err
		}
		if err := a.readV.Call(cmd, a.vcache, readOffset, readLen, readV); err != nil {
			return nil, err
		}

		keyForRope, valueForAttn = readK, readV
		kLen = readLen
	}

	ropedQ, err := tensor.Like(transposedQ)
	if err != nil {
		return nil, err
	}
	defer ropedQ.Release()
	ropedK, err := tensor.Like(keyForRope)
	if err != nil {
		return nil, err
	}
	defer ropedK.Release()

	if err := a.rope.Call(cmd, transposedQ, keyForRope, ropedQ, ropedK, offset); err != nil {
		return nil, err
	}

	attnScores, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: heads, Height: seq, Width: kLen}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer attnScores.Release()
	if err := a.matmul.Call(cmd, ropedQ, ropedK, attnScores, true, BroadcastPerChannel, ActivationNone, a.scale, 0); err != nil {
		return nil, err
	}

	softmaxScores, err := tensor.Like(attnScores)
	if err != nil {
		return nil, err
	}
	defer softmaxScores.Release()
	causalOffset := int64(kLen) - int64(seq)
	if err := a.softmax.Call(cmd, attnScores, softmaxScores, true, causalOffset); err != nil {
		return nil, err
	}

	heads3d, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: heads, Height: seq, Width: a.dim}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	defer heads3d.Release()
	if err := a.matmul.Call(cmd, softmaxScores, valueForAttn, heads3d, false, BroadcastPerChannel, ActivationNone, 1, 0); err != nil {
		return nil, err
	}

	// [heads,seq,dim] -> [seq,heads,dim]
	concated, err := tensor.LikeShape(heads3d, tensor.Shape{Channels: seq, Height: heads, Width: a.dim}, heads3d.DType())
	if err != nil {
		return nil, err
	}
	defer concated.Release()
	if err := a.transpose.Call(cmd, heads3d, concated); err != nil {
		return nil, err
	}

	// [seq,heads,dim] -> [1,seq,heads*dim] (reshape only)
	if err := concated.Reshape(tensor.Shape{Channels: 1, Height: seq, Width: heads * a.dim}); err != nil {
		return nil, err
	}

	outWidthO := a.wo.Shape().Width
	if a.transposedWeight {
		outWidthO = a.wo.Shape().Height
	}
	out, err := tensor.New(a.dev, a.allocr, tensor.Shape{Channels: 1, Height: seq, Width: outWidthO}, x.DType(), x.Visible())
	if err != nil {
		return nil, err
	}
	if err := a.matmul.Call(cmd, concated, a.wo, out, a.transposedWeight, BroadcastPerChannel, ActivationNone, 1, 0); err != nil {
		out.Release()
		return nil, err
	}

	return out, nil
}
