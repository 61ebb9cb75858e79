// Package device owns the GPU instance, physical-device selection,
// logical device, queue families, memory-type table and capability
// flags that every other package in pkg/gpu builds on.
//
// A Device is created once at engine init and destroyed at engine
// shutdown; every tensor, pipeline and command buffer must be released
// before that happens.
package device

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "device")

var (
	// ErrDeviceIndexOutOfRange is returned when Open is asked for a
	// physical device index beyond the enumerated count.
	ErrDeviceIndexOutOfRange = errors.New("device: requested index exceeds enumerated physical device count")
	// ErrNoSuitableMemoryType is returned by FindMemoryType when no
	// entry in the memory-type table satisfies the request.
	ErrNoSuitableMemoryType = errors.New("device: no memory type satisfies requirements")
	// ErrNoSuitableQueueFamily is returned by RequireQueue when no
	// family exposes the requested flag combination.
	ErrNoSuitableQueueFamily = errors.New("device: no queue family satisfies requested flags")
)

// QueueFlags mirrors the Vulkan queue-family capability bits relevant
// to this engine; only transfer and compute are used, but the field is
// a bitmask so additional bits (graphics, sparse binding) pass through
// undisturbed from whatever physical device reports them.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// QueueFamily describes one queue family exposed by the selected
// physical device, plus the logical queue handle created for it.
type QueueFamily struct {
	Index      uint32
	Flags      QueueFlags
	QueueCount uint32
}

// MemoryPropertyFlags mirrors VkMemoryPropertyFlagBits.
type MemoryPropertyFlags uint32

const (
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
)

// MemoryType is one row of the device's memory-type table.
type MemoryType struct {
	Index      uint32
	Properties MemoryPropertyFlags
	HeapIndex  uint32
}

// MemoryRequirements is what a tensor or staging buffer asks the
// suballocator to satisfy; TypeMask is a bitmask over memory-type
// indices, mirroring VkMemoryRequirements.memoryTypeBits.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeMask  uint32
}

// Features lists the capability flags spec.md §3 names for Device
// (16-bit storage, fp16 arithmetic, descriptor-update templates,
// timestamp queries) plus PipelineStatistics, added per SPEC_FULL.md
// §C.1 to gate the deferred QueryTimestamp task.
type Features struct {
	Storage16Bit              bool
	FP16Arithmetic            bool
	DescriptorUpdateTemplates bool
	TimestampQueries          bool
	PipelineStatistics        bool
}

// Limits is the subset of VkPhysicalDeviceLimits the pipeline package
// needs to validate and clamp workgroup sizes (spec.md §4.3).
type Limits struct {
	MaxComputeWorkGroupInvocations uint32
	MaxComputeWorkGroupCount       [3]uint32
	MaxComputeWorkGroupSize        [3]uint32
	NonCoherentAtomSize            uint64
}

// Device is the interface every backend (simulated or real cgo/Vulkan)
// implements. pkg/gpu/alloc, pkg/gpu/tensor, pkg/gpu/pipeline and
// pkg/gpu/command depend only on this interface, never on a concrete
// backend, mirroring the cgo/stub split the teacher uses for
// pkg/localllm (llama.go vs. llama_stub.go).
type Device interface {
	// FindMemoryType returns the first memory-type index whose bit is
	// set in typeMask and whose properties satisfy propertyFlags.
	FindMemoryType(typeMask uint32, propertyFlags MemoryPropertyFlags) (uint32, error)
	// RequireQueue returns the first queue family whose flags contain
	// every bit in flags.
	RequireQueue(flags QueueFlags) (QueueFamily, error)
	// MemoryTypes returns the device's full memory-type table.
	MemoryTypes() []MemoryType
	Features() Features
	Limits() Limits
	// Name identifies the physical device for logging.
	Name() string
	// Close releases the logical device and instance. Callers must
	// release every tensor, pipeline and command buffer first.
	Close() error
}

// Open selects physical device `index` and creates a logical device
// with one queue per family at priority 0.5, per spec.md §4.1. The
// returned Device is backed by the simulated CPU backend unless the
// running binary was built with the `vulkan` tag, in which case
// newVulkanDevice (device_vulkan.go) is used instead.
func Open(index int) (Device, error) {
	return open(index)
}

func physicalDeviceOutOfRange(index, count int) error {
	return fmt.Errorf("%w: index %d, %d enumerated", ErrDeviceIndexOutOfRange, index, count)
}
