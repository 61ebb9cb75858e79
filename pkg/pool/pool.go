// Package pool provides object pooling for vkinfer to reduce
// allocations on the per-step hot path.
//
// Every Step call marshals token ids to bytes and unmarshals logits
// back from bytes (pkg/model.Step's Upload/Download buffers); pooling
// those scratch buffers avoids one GC-tracked allocation per step per
// buffer.
//
// Usage:
//
//	buf := pool.GetByteBuffer()
//	defer pool.PutByteBuffer(buf)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the largest buffer (in elements) kept in each pool
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 20, // 1Mi elements
}

// Configure sets global pool configuration. Should be called early
// during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

func initPools() {
	byteBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 4096)
		},
	}
	float32BufferPool = sync.Pool{
		New: func() any {
			return make([]float32, 0, 4096)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

// GetByteBuffer returns a zero-length byte buffer from the pool.
// Call PutByteBuffer when done.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 4096)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	byteBufferPool.Put(buf[:0])
}

var float32BufferPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 4096)
	},
}

// GetFloat32Buffer returns a zero-length float32 buffer from the
// pool, sized to hold at least n elements.
func GetFloat32Buffer(n int) []float32 {
	if !globalConfig.Enabled {
		return make([]float32, 0, n)
	}
	buf := float32BufferPool.Get().([]float32)[:0]
	if cap(buf) < n {
		return make([]float32, 0, n)
	}
	return buf
}

// PutFloat32Buffer returns a float32 buffer to the pool.
func PutFloat32Buffer(buf []float32) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > globalConfig.MaxSize {
		return
	}
	float32BufferPool.Put(buf[:0])
}
