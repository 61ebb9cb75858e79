// Package tensor implements the rank-3 Tensor object: shape, dtype,
// device buffer handle and the refcounted producer-side synchronization
// status every operator and command buffer reads before emitting a
// barrier (spec.md §3, §4.5).
package tensor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
)

var (
	ErrShapeElementMismatch = errors.New("tensor: reshape changes total element count")
	ErrNotHostVisible       = errors.New("tensor: flush/invalidate called on a non-visible tensor")
)

// DType is one of the five element types tensors carry (spec.md §3).
type DType int

const (
	FP32 DType = iota
	FP16
	UINT32
	INT8
	Q8_0
)

func (d DType) String() string {
	switch d {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	case UINT32:
		return "uint32"
	case INT8:
		return "int8"
	case Q8_0:
		return "q8_0"
	default:
		return "unknown"
	}
}

// ElemBytes is the per-element byte size for ordinary dtypes. Q8_0 is
// block-structured (spec.md §4.5: 32 int8 elements preceded by one
// fp16 scale, 34 bytes per block) and has no single element size; use
// Q8_0Blocks/Q8_0Bytes for it instead.
func (d DType) ElemBytes() uint64 {
	switch d {
	case FP32, UINT32:
		return 4
	case FP16:
		return 2
	case INT8:
		return 1
	default:
		return 0
	}
}

const (
	Q8_0BlockElems = 32
	Q8_0BlockBytes = 34
)

// AccessFlags mirrors the VkAccessFlagBits this engine actually uses.
type AccessFlags uint32

const (
	AccessNone AccessFlags = 0
	AccessShaderRead AccessFlags = 1 << (iota - 1)
	AccessShaderWrite
	AccessHostWrite
	AccessTransferWrite
	AccessTransferRead
)

// PipelineStage mirrors the VkPipelineStageFlagBits this engine uses.
type PipelineStage uint32

const (
	StageNone PipelineStage = iota
	StageHost
	StageTransfer
	StageCompute
)

// Shape is a rank-3 tensor shape (channels, height, width).
type Shape struct {
	Channels uint64
	Height   uint64
	Width    uint64
}

// Elements returns the total element count of the shape.
func (s Shape) Elements() uint64 {
	return s.Channels * s.Height * s.Width
}

// status is the shared, refcounted producer-side synchronization
// record described in spec.md §3: "the producer-side synchronization
// state, so that a later consumer knows which barrier to emit."
// Copies of a Tensor share one status via pointer; the fields are
// plain (not atomic-typed) because this engine is single-host-thread
// (spec.md §5), but refcount uses atomic ops since multiple Go-level
// holders may release concurrently from finalizers/defers.
type status struct {
	access AccessFlags
	stage  PipelineStage
	refs   int64
}

// Tensor is a rank-3 GPU tensor: shape, dtype, a device buffer backed
// by one suballocator block, and a shared synchronization status.
type Tensor struct {
	dev    device.Device
	allocr *alloc.Allocator

	shape Shape
	dtype DType

	handle  alloc.Handle
	visible bool

	status *status
}

// New allocates a device buffer for shape/dtype and returns a fresh
// Tensor with its own status record (refcount 1).
func New(dev device.Device, allocr *alloc.Allocator, shape Shape, dtype DType, visible bool) (*Tensor, error) {
	size := ByteSize(dev, shape, dtype)

	h, err := allocr.Allocate(alloc.Requirements{
		Size:      size,
		Alignment: 16,
		TypeMask:  0xffffffff,
	}, visible)
	if err != nil {
		return nil, fmt.Errorf("tensor: allocate: %w", err)
	}

	t := &Tensor{
		dev:     dev,
		allocr:  allocr,
		shape:   shape,
		dtype:   dtype,
		handle:  h,
		visible: visible,
		status:  &status{refs: 1},
	}
	return t, nil
}

// Like creates a fresh tensor with t's shape and dtype but its own
// buffer and status — the `VkTensor::like` constructor named in
// SPEC_FULL.md §C.3, used by every operator to build its output.
func Like(t *Tensor) (*Tensor, error) {
	return New(t.dev, t.allocr, t.shape, t.dtype, t.visible)
}

// LikeShape creates a fresh tensor with an explicit shape/dtype but
// inheriting t's device, allocator and visibility — used by
// pkg/gpu/command for upload/download staging tensors and by Attention
// for its per-head transposed and merged-head intermediates.
func LikeShape(t *Tensor, shape Shape, dtype DType) (*Tensor, error) {
	return New(t.dev, t.allocr, shape, dtype, t.visible)
}

// ByteSize computes the device-resident byte size of shape/dtype,
// rounded up to the device's non-coherent-atom size (spec.md §8
// invariant: `bytes(t) = ceil(elems(t)*elem_size(dtype)/A)*A`).
func ByteSize(dev device.Device, shape Shape, dtype DType) uint64 {
	elems := shape.Elements()
	var raw uint64
	if dtype == Q8_0 {
		blocks := (elems + Q8_0BlockElems - 1) / Q8_0BlockElems
		raw = blocks * Q8_0BlockBytes
	} else {
		raw = elems * dtype.ElemBytes()
	}
	atom := dev.Limits().NonCoherentAtomSize
	if atom == 0 {
		return raw
	}
	return (raw + atom - 1) / atom * atom
}

// Shape returns the tensor's current shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's element type.
func (t *Tensor) DType() DType { return t.dtype }

// Visible reports whether the tensor has a persistent host pointer.
func (t *Tensor) Visible() bool { return t.visible }

// Bytes returns the tensor's rounded device byte size.
func (t *Tensor) Bytes() uint64 { return t.handle.Size }

// Host returns the tensor's mapped host bytes. Only valid when
// Visible() is true.
func (t *Tensor) Host() []byte { return t.handle.Host }

// Access returns the tensor's last recorded producer access flags.
func (t *Tensor) Access() AccessFlags { return t.status.access }

// Stage returns the tensor's last recorded producer pipeline stage.
func (t *Tensor) Stage() PipelineStage { return t.status.stage }

// SetProducerState records that this tensor's contents were just
// produced with the given access/stage; pkg/gpu/command calls this
// immediately after a dispatch or upload writes the tensor.
func (t *Tensor) SetProducerState(access AccessFlags, stage PipelineStage) {
	t.status.access = access
	t.status.stage = stage
}

// Reshape changes the tensor's logical shape in place, preserving
// total element count (spec.md §3 invariant (c)).
func (t *Tensor) Reshape(shape Shape) error {
	if shape.Elements() != t.shape.Elements() {
		return fmt.Errorf("%w: %d vs %d", ErrShapeElementMismatch, shape.Elements(), t.shape.Elements())
	}
	t.shape = shape
	return nil
}

// Flush makes host writes visible to the device for a host-visible
// tensor. The simulated backend shares host and device memory, so
// this is a no-op beyond the visibility check; a real backend calls
// vkFlushMappedMemoryRanges here.
func (t *Tensor) Flush() error {
	if !t.visible {
		return ErrNotHostVisible
	}
	return nil
}

// Invalidate makes device writes visible to the host for a
// host-visible tensor.
func (t *Tensor) Invalidate() error {
	if !t.visible {
		return ErrNotHostVisible
	}
	return nil
}

// Retain increments the shared status refcount and returns a new
// Tensor value pointing at the same buffer and status.
func (t *Tensor) Retain() *Tensor {
	atomic.AddInt64(&t.status.refs, 1)
	clone := *t
	return &clone
}

// Release decrements the shared refcount, freeing the underlying
// device buffer when the last reference drops (spec.md §3 invariant
// (d)).
func (t *Tensor) Release() error {
	remaining := atomic.AddInt64(&t.status.refs, -1)
	if remaining > 0 {
		return nil
	}
	return t.allocr.Free(t.handle)
}
