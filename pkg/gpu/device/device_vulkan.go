//go:build vulkan

package device

/*
#cgo linux LDFLAGS: -lvulkan
#cgo darwin LDFLAGS: -lvulkan
#cgo windows LDFLAGS: -lvulkan-1

#include <vulkan/vulkan.h>
#include <stdlib.h>
#include <string.h>

static const char *vkinfer_result_string(VkResult result) {
	switch (result) {
	case VK_SUCCESS: return "VK_SUCCESS";
	case VK_ERROR_OUT_OF_HOST_MEMORY: return "VK_ERROR_OUT_OF_HOST_MEMORY";
	case VK_ERROR_OUT_OF_DEVICE_MEMORY: return "VK_ERROR_OUT_OF_DEVICE_MEMORY";
	case VK_ERROR_INITIALIZATION_FAILED: return "VK_ERROR_INITIALIZATION_FAILED";
	case VK_ERROR_DEVICE_LOST: return "VK_ERROR_DEVICE_LOST";
	case VK_ERROR_EXTENSION_NOT_PRESENT: return "VK_ERROR_EXTENSION_NOT_PRESENT";
	case VK_ERROR_FEATURE_NOT_PRESENT: return "VK_ERROR_FEATURE_NOT_PRESENT";
	case VK_ERROR_INCOMPATIBLE_DRIVER: return "VK_ERROR_INCOMPATIBLE_DRIVER";
	default: return "unknown VkResult";
	}
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// vulkanDevice wraps a real VkInstance/VkPhysicalDevice/VkDevice triple.
// Construction follows original_source/src/core/gpu_device.cpp: create
// the instance, enumerate physical devices, select by index, create one
// queue per family at priority 0.5, then build the memory-type table.
type vulkanDevice struct {
	instance       C.VkInstance
	physicalDevice C.VkPhysicalDevice
	logicalDevice  C.VkDevice
	name           string
	queues         []QueueFamily
	memoryTypes    []MemoryType
	features       Features
	limits         Limits
}

func open(index int) (Device, error) {
	return newVulkanDevice(index)
}

func newVulkanDevice(index int) (Device, error) {
	appName := C.CString("vkinfer")
	defer C.free(unsafe.Pointer(appName))
	engName := C.CString("vkinfer-engine")
	defer C.free(unsafe.Pointer(engName))

	appInfo := C.VkApplicationInfo{
		sType:            C.VK_STRUCTURE_TYPE_APPLICATION_INFO,
		pApplicationName: appName,
		pEngineName:      engName,
		apiVersion:       C.VK_API_VERSION_1_1,
	}
	instInfo := C.VkInstanceCreateInfo{
		sType:            C.VK_STRUCTURE_TYPE_INSTANCE_CREATE_INFO,
		pApplicationInfo: &appInfo,
	}

	var instance C.VkInstance
	if res := C.vkCreateInstance(&instInfo, nil, &instance); res != C.VK_SUCCESS {
		return nil, fmt.Errorf("device: vkCreateInstance failed: %s", C.GoString(C.vkinfer_result_string(res)))
	}

	var count C.uint32_t
	C.vkEnumeratePhysicalDevices(instance, &count, nil)
	if int(count) == 0 || index >= int(count) {
		C.vkDestroyInstance(instance, nil)
		return nil, physicalDeviceOutOfRange(index, int(count))
	}

	physicalDevices := make([]C.VkPhysicalDevice, count)
	C.vkEnumeratePhysicalDevices(instance, &count, &physicalDevices[0])
	physicalDevice := physicalDevices[index]

	var props C.VkPhysicalDeviceProperties
	C.vkGetPhysicalDeviceProperties(physicalDevice, &props)
	name := C.GoString((*C.char)(unsafe.Pointer(&props.deviceName[0])))

	var limitsOut C.VkPhysicalDeviceProperties
	C.vkGetPhysicalDeviceProperties(physicalDevice, &limitsOut)
	lim := limitsOut.limits

	var memProps C.VkPhysicalDeviceMemoryProperties
	C.vkGetPhysicalDeviceMemoryProperties(physicalDevice, &memProps)

	memoryTypes := make([]MemoryType, 0, int(memProps.memoryTypeCount))
	for i := 0; i < int(memProps.memoryTypeCount); i++ {
		mt := memProps.memoryTypes[i]
		memoryTypes = append(memoryTypes, MemoryType{
			Index:      uint32(i),
			Properties: vkPropertiesToGo(mt.propertyFlags),
			HeapIndex:  uint32(mt.heapIndex),
		})
	}

	var familyCount C.uint32_t
	C.vkGetPhysicalDeviceQueueFamilyProperties(physicalDevice, &familyCount, nil)
	families := make([]C.VkQueueFamilyProperties, familyCount)
	C.vkGetPhysicalDeviceQueueFamilyProperties(physicalDevice, &familyCount, &families[0])

	queueInfos := make([]C.VkDeviceQueueCreateInfo, 0, familyCount)
	priority := C.float(0.5)
	queues := make([]QueueFamily, 0, familyCount)
	for i, f := range families {
		flags := vkQueueFlagsToGo(f.queueFlags)
		queues = append(queues, QueueFamily{Index: uint32(i), Flags: flags, QueueCount: uint32(f.queueCount)})
		queueInfos = append(queueInfos, C.VkDeviceQueueCreateInfo{
			sType:            C.VK_STRUCTURE_TYPE_DEVICE_QUEUE_CREATE_INFO,
			queueFamilyIndex: C.uint32_t(i),
			queueCount:       1,
			pQueuePriorities: &priority,
		})
	}

	devInfo := C.VkDeviceCreateInfo{
		sType:                C.VK_STRUCTURE_TYPE_DEVICE_CREATE_INFO,
		queueCreateInfoCount: C.uint32_t(len(queueInfos)),
		pQueueCreateInfos:    &queueInfos[0],
	}

	var logicalDevice C.VkDevice
	if res := C.vkCreateDevice(physicalDevice, &devInfo, nil, &logicalDevice); res != C.VK_SUCCESS {
		C.vkDestroyInstance(instance, nil)
		return nil, fmt.Errorf("device: vkCreateDevice failed: %s", C.GoString(C.vkinfer_result_string(res)))
	}

	d := &vulkanDevice{
		instance:       instance,
		physicalDevice: physicalDevice,
		logicalDevice:  logicalDevice,
		name:           name,
		queues:         queues,
		memoryTypes:    memoryTypes,
		features: Features{
			Storage16Bit:              true,
			FP16Arithmetic:            true,
			DescriptorUpdateTemplates: true,
			TimestampQueries:          true,
			PipelineStatistics:        true,
		},
		limits: Limits{
			MaxComputeWorkGroupInvocations: uint32(lim.maxComputeWorkGroupInvocations),
			MaxComputeWorkGroupCount:       [3]uint32{uint32(lim.maxComputeWorkGroupCount[0]), uint32(lim.maxComputeWorkGroupCount[1]), uint32(lim.maxComputeWorkGroupCount[2])},
			MaxComputeWorkGroupSize:        [3]uint32{uint32(lim.maxComputeWorkGroupSize[0]), uint32(lim.maxComputeWorkGroupSize[1]), uint32(lim.maxComputeWorkGroupSize[2])},
			NonCoherentAtomSize:            uint64(lim.nonCoherentAtomSize),
		},
	}
	log.WithField("device", d.name).Info("opened vulkan device")
	return d, nil
}

func vkPropertiesToGo(f C.VkMemoryPropertyFlags) MemoryPropertyFlags {
	var out MemoryPropertyFlags
	if f&C.VK_MEMORY_PROPERTY_DEVICE_LOCAL_BIT != 0 {
		out |= MemoryDeviceLocal
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_VISIBLE_BIT != 0 {
		out |= MemoryHostVisible
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_COHERENT_BIT != 0 {
		out |= MemoryHostCoherent
	}
	if f&C.VK_MEMORY_PROPERTY_HOST_CACHED_BIT != 0 {
		out |= MemoryHostCached
	}
	return out
}

func vkQueueFlagsToGo(f C.VkQueueFlags) QueueFlags {
	var out QueueFlags
	if f&C.VK_QUEUE_GRAPHICS_BIT != 0 {
		out |= QueueGraphics
	}
	if f&C.VK_QUEUE_COMPUTE_BIT != 0 {
		out |= QueueCompute
	}
	if f&C.VK_QUEUE_TRANSFER_BIT != 0 {
		out |= QueueTransfer
	}
	return out
}

func (d *vulkanDevice) FindMemoryType(typeMask uint32, propertyFlags MemoryPropertyFlags) (uint32, error) {
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

func (d *vulkanDevice) RequireQueue(flags QueueFlags) (QueueFamily, error) {
	for _, q := range d.queues {
		if q.Flags&flags == flags {
			return q, nil
		}
	}
	return QueueFamily{}, fmt.Errorf("%w: flags=%#x", ErrNoSuitableQueueFamily, flags)
}

func (d *vulkanDevice) MemoryTypes() []MemoryType { return d.memoryTypes }
func (d *vulkanDevice) Features() Features        { return d.features }
func (d *vulkanDevice) Limits() Limits            { return d.limits }
func (d *vulkanDevice) Name() string              { return d.name }

func (d *vulkanDevice) Close() error {
	C.vkDestroyDevice(d.logicalDevice, nil)
	C.vkDestroyInstance(d.instance, nil)
	return nil
}
