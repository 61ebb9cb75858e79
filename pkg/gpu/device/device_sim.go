//go:build !vulkan

package device

// This build carries the pure-Go simulated backend as the default,
// mirroring llama_stub.go's role opposite llama.go in pkg/localllm: a
// host without the Vulkan SDK (or a test binary) still links and runs
// against the same Device interface.

func open(index int) (Device, error) {
	return newSimulatedDevice(index)
}
