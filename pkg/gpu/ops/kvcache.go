package ops

import (
	"encoding/binary"
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

// UpdateKVCache writes key_or_value into cache[:, offset:offset+kv.height, :]
// in place (original_source/src/ops/update_kv_cache.cpp). The offset
// travels as a push constant, not operator-instance state, for the
// same reason Matmul's parameters do (see matmul.go).
type UpdateKVCache struct {
	p *pipeline.Pipeline
}

func NewUpdateKVCache(dev device.Device) (*UpdateKVCache, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 16, WorkgroupY: 16, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		offset := uint64(binary.LittleEndian.Uint32(ctx.PushConstants))
		return computeUpdateKVCache(ctx.Tensors[0], ctx.Tensors[1], offset)
	})
	if err != nil {
		return nil, err
	}
	return &UpdateKVCache{p: p}, nil
}

// Call writes keyOrValue into cache at offset, failing if it would
// overflow the cache's channel/height/width bounds.
func (u *UpdateKVCache) Call(cmd *command.Command, cache, keyOrValue *tensor.Tensor, offset uint64) error {
	cs, vs := cache.Shape(), keyOrValue.Shape()
	if cs.Height < vs.Height+offset || cs.Channels < vs.Channels || cs.Width != vs.Width {
		return fmt.Errorf("%w: kv cache update value shape %v exceeds cache shape %v at offset %d", ErrShapeMismatch, vs, cs, offset)
	}
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, uint32(offset))
	return cmd.RecordPipeline(u.p, []*tensor.Tensor{keyOrValue}, []*tensor.Tensor{cache}, push, uint32(vs.Width), uint32(vs.Height), uint32(vs.Channels))
}

func computeUpdateKVCache(value, cache *tensor.Tensor, offset uint64) error {
	vs := value.Shape()
	cs := cache.Shape()
	vv := ReadFloat32(value)
	cv := ReadFloat32(cache)

	for ci := uint64(0); ci < vs.Channels; ci++ {
		for hi := uint64(0); hi < vs.Height; hi++ {
			for wi := uint64(0); wi < vs.Width; wi++ {
				src := (ci*vs.Height+hi)*vs.Width + wi
				dst := (ci*cs.Height+(hi+offset))*cs.Width + wi
				cv[dst] = vv[src]
			}
		}
	}

	WriteFloat32(cache, cv)
	return nil
}

// ReadKVCache slices cache[:, offset:offset+len, :] into a fresh
// tensor (original_source/src/ops/read_kvcache_op.cpp).
type ReadKVCache struct {
	p *pipeline.Pipeline
}

func NewReadKVCache(dev device.Device) (*ReadKVCache, error) {
	p, err := pipeline.New(dev, pipeline.ShaderInfo{
		BindingCount: 2, PushConstantBytes: 4, WorkgroupX: 16, WorkgroupY: 16, WorkgroupZ: 1,
	}, nil, func(ctx *pipeline.DispatchContext) error {
		offset := uint64(binary.LittleEndian.Uint32(ctx.PushConstants))
		return computeReadKVCache(ctx.Tensors[0], ctx.Tensors[1], offset)
	})
	if err != nil {
		return nil, err
	}
	return &ReadKVCache{p: p}, nil
}

// Call copies cache[:, offset:offset+len, :] into out.
func (r *ReadKVCache) Call(cmd *command.Command, cache *tensor.Tensor, offset, length uint64, out *tensor.Tensor) error {
	cs := cache.Shape()
	if length > cs.Height {
		return fmt.Errorf("%w: kv cache read length %d exceeds cache height %d", ErrShapeMismatch, length, cs.Height)
	}
	os := out.Shape()
	if os.Channels != cs.Channels || os.Height != length || os.Width != cs.Width {
		return fmt.Errorf("%w: kv cache read output shape %v does not match (channels=%d,height=%d,width=%d)", ErrShapeMismatch, os, cs.Channels, length, cs.Width)
	}
	push := make([]byte, 4)
	binary.LittleEndian.PutUint32(push, uint32(offset))
	return cmd.RecordPipeline(r.p, []*tensor.Tensor{cache}, []*tensor.Tensor{out}, push, uint32(cs.Width), uint32(length), uint32(cs.Channels))
}

func computeReadKVCache(cache, out *tensor.Tensor, offset uint64) error {
	cs := cache.Shape()
	os := out.Shape()
	cv := ReadFloat32(cache)
	ov := make([]float32, os.Elements())

	for ci := uint64(0); ci < os.Channels; ci++ {
		for hi := uint64(0); hi < os.Height; hi++ {
			for wi := uint64(0); wi < os.Width; wi++ {
				src := (ci*cs.Height+(hi+offset))*cs.Width + wi
				dst := (ci*os.Height+hi)*os.Width + wi
				ov[dst] = cv[src]
			}
		}
	}

	WriteFloat32(out, ov)
	return nil
}
