// Package pipeline implements the compute pipeline object: descriptor
// set layout, specialization constants (including the workgroup-size
// triple at reserved ids 253-255), push-constant range and workgroup
// bound validation described in spec.md §4.3.
//
// This engine's simulated device has no real SPIR-V shader to bind;
// each Pipeline instead wraps a Kernel closure that performs the
// operator's math directly against host-mapped tensor bytes, the same
// shape the teacher's vulkan_bridge.go CPU-fallback routines take for
// cosine-similarity/top-k/normalize. The surrounding bookkeeping
// (specialization constants, descriptor binding discipline, push
// constants, workgroup clamping) is real and exercised on every call.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

var (
	ErrWorkgroupExceedsLimit = errors.New("pipeline: workgroup invocation product exceeds device limit")
	ErrBindingCountMismatch  = errors.New("pipeline: bound tensor count does not match shader info binding count")
)

// reservedSpecializationIDs are where the workgroup-size triple is
// appended to specialization constants, chosen to avoid collision with
// shader-defined slots (spec.md §4.3 design rationale).
const (
	specIDWorkgroupX = 253
	specIDWorkgroupY = 254
	specIDWorkgroupZ = 255
)

// ShaderInfo is the fixed contract a Pipeline is built from (spec.md
// §4.3): how many specialization constants and bindings the shader
// declares, how large its push-constant block is, and its compile-time
// local workgroup size.
type ShaderInfo struct {
	SpecializationCount int
	BindingCount        int
	PushConstantBytes   int
	WorkgroupX          uint32
	WorkgroupY          uint32
	WorkgroupZ          uint32
}

// DispatchContext is what a Kernel receives: the bound tensors in
// binding order and the raw push-constant bytes for this dispatch.
type DispatchContext struct {
	Tensors       []*tensor.Tensor
	PushConstants []byte
	GroupCountX   uint32
	GroupCountY   uint32
	GroupCountZ   uint32
}

// Kernel performs a pipeline's compute work against host-mapped tensor
// bytes; it stands in for a real dispatched SPIR-V shader.
type Kernel func(ctx *DispatchContext) error

// Pipeline is an immutable bundle of shader contract, specialization
// constants and bound descriptor state, created once per operator and
// destroyed with it (spec.md §4.3 lifetime).
type Pipeline struct {
	dev    device.Device
	info   ShaderInfo
	kernel Kernel

	specializationConstants []uint32
	usesUpdateTemplate       bool

	boundTensors  []*tensor.Tensor
	pushConstants []byte
}

// New validates shader info against device limits, clamps the
// workgroup triple, appends it to specialization constants at the
// reserved ids, and returns a Pipeline wrapping kernel.
func New(dev device.Device, info ShaderInfo, specializationConstants []uint32, kernel Kernel) (*Pipeline, error) {
	limits := dev.Limits()

	wx := clamp(info.WorkgroupX, limits.MaxComputeWorkGroupSize[0])
	wy := clamp(info.WorkgroupY, limits.MaxComputeWorkGroupSize[1])
	wz := clamp(info.WorkgroupZ, limits.MaxComputeWorkGroupSize[2])

	if uint64(wx)*uint64(wy)*uint64(wz) > uint64(limits.MaxComputeWorkGroupInvocations) {
		return nil, fmt.Errorf("%w: %dx%dx%d > %d", ErrWorkgroupExceedsLimit, wx, wy, wz, limits.MaxComputeWorkGroupInvocations)
	}

	specConsts := make([]uint32, 0, len(specializationConstants)+3)
	specConsts = append(specConsts, specializationConstants...)
	specConsts = append(specConsts, wx, wy, wz) // ids 253,254,255 by position convention

	p := &Pipeline{
		dev:                     dev,
		info:                    info,
		kernel:                  kernel,
		specializationConstants: specConsts,
		usesUpdateTemplate:      dev.Features().DescriptorUpdateTemplates,
	}
	return p, nil
}

// clamp caps v at limit when limit is non-zero, per spec.md §4.3
// ("clamping each axis") and SPEC_FULL.md §C.6 (dual limit check —
// this covers the per-axis VkPhysicalDeviceLimits.maxComputeWorkGroupSize
// bound; New additionally checks the invocation-count product).
func clamp(v, limit uint32) uint32 {
	if limit == 0 || v <= limit {
		return v
	}
	return limit
}

// GroupCounts computes the dispatch group count for covering a
// width x height x depth output using this pipeline's local workgroup
// size, checked against maxComputeWorkGroupCount per SPEC_FULL.md §C.6.
func (p *Pipeline) GroupCounts(width, height, depth uint32) (x, y, z uint32, err error) {
	x = ceilDiv(width, p.workgroupX())
	y = ceilDiv(height, p.workgroupY())
	z = ceilDiv(depth, p.workgroupZ())

	limits := p.dev.Limits()
	if x > limits.MaxComputeWorkGroupCount[0] || y > limits.MaxComputeWorkGroupCount[1] || z > limits.MaxComputeWorkGroupCount[2] {
		return 0, 0, 0, fmt.Errorf("pipeline: dispatch group count %dx%dx%d exceeds device limit %v", x, y, z, limits.MaxComputeWorkGroupCount)
	}
	return x, y, z, nil
}

func (p *Pipeline) workgroupX() uint32 { return p.specializationConstants[len(p.specializationConstants)-3] }
func (p *Pipeline) workgroupY() uint32 { return p.specializationConstants[len(p.specializationConstants)-2] }
func (p *Pipeline) workgroupZ() uint32 { return p.specializationConstants[len(p.specializationConstants)-1] }

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// UpdateBindings writes the current tensor set into the pipeline's
// descriptor state. When the device supports descriptor-update
// templates it updates all bindings in one call; otherwise it falls
// back to one write per binding (SPEC_FULL.md §C.4, grounded on
// original_source's create_descriptor_update_template_).
func (p *Pipeline) UpdateBindings(tensors []*tensor.Tensor) error {
	if len(tensors) != p.info.BindingCount {
		return fmt.Errorf("%w: got %d, want %d", ErrBindingCountMismatch, len(tensors), p.info.BindingCount)
	}
	if p.usesUpdateTemplate {
		p.updateBindingsTemplate(tensors)
	} else {
		p.updateBindingsLegacy(tensors)
	}
	return nil
}

func (p *Pipeline) updateBindingsTemplate(tensors []*tensor.Tensor) {
	p.boundTensors = tensors
}

func (p *Pipeline) updateBindingsLegacy(tensors []*tensor.Tensor) {
	bound := make([]*tensor.Tensor, len(tensors))
	for i, t := range tensors {
		bound[i] = t
	}
	p.boundTensors = bound
}

// SetPushConstants stores the raw push-constant bytes for the next
// dispatch; must be info.PushConstantBytes long.
func (p *Pipeline) SetPushConstants(data []byte) error {
	if len(data) != p.info.PushConstantBytes {
		return fmt.Errorf("pipeline: push constant size %d, want %d", len(data), p.info.PushConstantBytes)
	}
	p.pushConstants = data
	return nil
}

// Dispatch invokes the pipeline's kernel against the currently bound
// tensors and push constants, covering a width x height x depth output
// region.
func (p *Pipeline) Dispatch(width, height, depth uint32) error {
	x, y, z, err := p.GroupCounts(width, height, depth)
	if err != nil {
		return err
	}
	ctx := &DispatchContext{
		Tensors:       p.boundTensors,
		PushConstants: p.pushConstants,
		GroupCountX:   x,
		GroupCountY:   y,
		GroupCountZ:   z,
	}
	return p.kernel(ctx)
}

// Info returns the pipeline's shader contract.
func (p *Pipeline) Info() ShaderInfo { return p.info }

// BoundTensors returns the tensors currently bound to this pipeline's
// descriptor set, in binding order.
func (p *Pipeline) BoundTensors() []*tensor.Tensor { return p.boundTensors }
