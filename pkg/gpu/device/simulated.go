package device

import "fmt"

// simulatedDevice backs every operator with host memory and runs
// "dispatches" as plain Go loops. It exists so the engine and its
// tests run on hosts with no GPU, exactly as vulkan_bridge.go's
// CPU-fallback compute routines do inside the teacher repo. Production
// builds select the real backend with the `vulkan` build tag.
type simulatedDevice struct {
	index       int
	name        string
	queues      []QueueFamily
	memoryTypes []MemoryType
	features    Features
	limits      Limits
	open        bool
}

// simulatedPhysicalDeviceCount is the number of "physical devices" the
// simulated backend pretends to enumerate; Open rejects any index at
// or beyond this, exactly as a real instance would reject an
// out-of-range index (spec.md §4.1 failure mode).
const simulatedPhysicalDeviceCount = 1

func newSimulatedDevice(index int) (Device, error) {
	if index < 0 || index >= simulatedPhysicalDeviceCount {
		return nil, physicalDeviceOutOfRange(index, simulatedPhysicalDeviceCount)
	}

	d := &simulatedDevice{
		index: index,
		name:  fmt.Sprintf("simulated-device-%d", index),
		queues: []QueueFamily{
			// One family advertising both compute and transfer, as
			// RequireQueue(QueueCompute|QueueTransfer) in command.New expects;
			// priority 0.5 per spec.md §4.1 is a creation-time detail
			// with no runtime effect on this backend.
			{Index: 0, Flags: QueueGraphics | QueueCompute | QueueTransfer, QueueCount: 1},
		},
		memoryTypes: []MemoryType{
			{Index: 0, Properties: MemoryDeviceLocal, HeapIndex: 0},
			{Index: 1, Properties: MemoryDeviceLocal | MemoryHostVisible | MemoryHostCoherent, HeapIndex: 0},
			{Index: 2, Properties: MemoryHostVisible | MemoryHostCoherent | MemoryHostCached, HeapIndex: 1},
		},
		features: Features{
			Storage16Bit:              true,
			FP16Arithmetic:            true,
			DescriptorUpdateTemplates: true,
			TimestampQueries:          true,
			PipelineStatistics:        true,
		},
		limits: Limits{
			MaxComputeWorkGroupInvocations: 1024,
			MaxComputeWorkGroupCount:       [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupSize:        [3]uint32{1024, 1024, 64},
			NonCoherentAtomSize:            256,
		},
		open: true,
	}
	log.WithField("device", d.name).Info("opened simulated device")
	return d, nil
}

func (d *simulatedDevice) FindMemoryType(typeMask uint32, propertyFlags MemoryPropertyFlags) (uint32, error) {
	for _, mt := range d.memoryTypes {
		if typeMask&(1<<mt.Index) == 0 {
			continue
		}
		if mt.Properties&propertyFlags == propertyFlags {
			return mt.Index, nil
		}
	}
	return 0, fmt.Errorf("%w: mask=%#x flags=%#x", ErrNoSuitableMemoryType, typeMask, propertyFlags)
}

func (d *simulatedDevice) RequireQueue(flags QueueFlags) (QueueFamily, error) {
	for _, q := range d.queues {
		if q.Flags&flags == flags {
			return q, nil
		}
	}
	return QueueFamily{}, fmt.Errorf("%w: flags=%#x", ErrNoSuitableQueueFamily, flags)
}

func (d *simulatedDevice) MemoryTypes() []MemoryType {
	return d.memoryTypes
}

func (d *simulatedDevice) Features() Features {
	return d.features
}

func (d *simulatedDevice) Limits() Limits {
	return d.limits
}

func (d *simulatedDevice) Name() string {
	return d.name
}

func (d *simulatedDevice) Close() error {
	if !d.open {
		return nil
	}
	d.open = false
	log.WithField("device", d.name).Info("closed device")
	return nil
}
