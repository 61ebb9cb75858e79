// Package alloc implements the suballocator: device memory slabs
// partitioned into variable-size blocks with first-fit allocation and
// parent-coalescing free, as described in spec.md §4.2.
//
// The original C++ engine (original_source/src/core/allocator.cpp)
// links blocks to their "parent" (the block they were split from) with
// a raw pointer and splices an intrusive list on every split/merge.
// Per spec.md §9's design note we use an arena-plus-index shape
// instead: every block lives in a slab's block table keyed by a stable
// BlockID, and a block names its parent by ID rather than by pointer.
package alloc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/orneryd/vkinfer/pkg/gpu/device"
)

var log = logrus.WithField("component", "alloc")

// SlabAlign is the minimum slab size (and slab size granularity),
// 10 MiB, per spec.md §4.2 / original_source's BLOCK_ALIGN.
const SlabAlign uint64 = 10 * 1024 * 1024

var (
	ErrOutOfDeviceMemory = errors.New("alloc: out of device memory")
	ErrUnknownBlock      = errors.New("alloc: free() called on unknown block")
)

// BlockID stably identifies a block within its slab across
// split/merge, standing in for the original's raw parent pointer.
type BlockID uint64

// Block is one live or free sub-block of a slab. ParentID is 0 when
// the block has no parent (it is the original, unsplit remainder of
// the slab).
type block struct {
	id        BlockID
	parentID  BlockID
	offset    uint64
	size      uint64
	align     uint64
	allocated bool
}

// Slab is one large device-memory allocation, carved into blocks.
type slab struct {
	memoryTypeIndex uint32
	flags           device.MemoryPropertyFlags
	totalSize       uint64
	host            []byte // non-nil when the slab is host-visible
	blocks          map[BlockID]*block
	order           []BlockID // ordered by offset, ascending
	nextID          BlockID
}

// Handle is what callers hold: enough to address a block's bytes and
// to return it to the allocator later.
type Handle struct {
	SlabIndex       int
	BlockID         BlockID
	Offset          uint64
	Size            uint64
	Align           uint64
	MemoryTypeIndex uint32
	Host            []byte // nil unless the backing slab is host-visible
}

// Requirements mirrors device.MemoryRequirements plus the
// device-reported type mask the caller narrowed down.
type Requirements struct {
	Size      uint64
	Alignment uint64
	TypeMask  uint32
}

// Allocator owns every slab for one device.
type Allocator struct {
	dev   device.Device
	slabs []*slab
}

// New creates an Allocator bound to dev. The allocator owns no memory
// until the first Allocate call.
func New(dev device.Device) *Allocator {
	return &Allocator{dev: dev}
}

// Allocate returns a block satisfying reqs, drawn from memory-type
// `visible ? HOST_VISIBLE|DEVICE_LOCAL : DEVICE_LOCAL`, per spec.md
// §4.2.
func (a *Allocator) Allocate(reqs Requirements, visible bool) (Handle, error) {
	wantFlags := device.MemoryDeviceLocal
	if visible {
		wantFlags = device.MemoryHostVisible | device.MemoryDeviceLocal
	}

	typeIndex, err := a.dev.FindMemoryType(reqs.TypeMask, wantFlags)
	if err != nil {
		return Handle{}, err
	}

	if h, ok := a.allocateFromPool(typeIndex, reqs.Size, reqs.Alignment); ok {
		return h, nil
	}

	if err := a.growSlab(typeIndex, wantFlags, reqs.Size); err != nil {
		return Handle{}, err
	}

	if h, ok := a.allocateFromPool(typeIndex, reqs.Size, reqs.Alignment); ok {
		return h, nil
	}

	return Handle{}, fmt.Errorf("%w: type=%d size=%d", ErrOutOfDeviceMemory, typeIndex, reqs.Size)
}

// allocateFromPool performs the first-fit carve-from-front search
// across every slab of the requested memory type, mirroring
// Allocator::allocate_from_pool_.
func (a *Allocator) allocateFromPool(typeIndex uint32, size, align uint64) (Handle, bool) {
	aligned := roundUp(size, align)

	for slabIdx, s := range a.slabs {
		if s.memoryTypeIndex != typeIndex {
			continue
		}
		for _, id := range s.order {
			b := s.blocks[id]
			if b.allocated || b.size < aligned {
				continue
			}

			carved := &block{
				id:        s.nextID,
				parentID:  b.id,
				offset:    b.offset,
				size:      aligned,
				align:     align,
				allocated: true,
			}
			s.nextID++
			s.blocks[carved.id] = carved

			b.offset += aligned
			b.size -= aligned

			pos := slices.Index(s.order, id)
			s.order = slices.Insert(s.order, pos, carved.id)

			return a.handleFor(slabIdx, s, carved), true
		}
	}
	return Handle{}, false
}

// growSlab allocates a new slab sized to a SlabAlign multiple able to
// hold size bytes, maps it if host-visible, and seeds its block table
// with one free block spanning the whole slab.
func (a *Allocator) growSlab(typeIndex uint32, flags device.MemoryPropertyFlags, size uint64) error {
	slabSize := roundUp(size, SlabAlign)

	// The simulated backend has no separate device-local memory pool
	// to copy through, so every slab gets a backing host byte slice
	// regardless of the HOST_VISIBLE flag; Tensor.Host() still gates
	// on the caller's requested visibility so the upload/download
	// staging-path bookkeeping in pkg/gpu/command is exercised exactly
	// as it would be against a real discrete GPU.
	host := make([]byte, slabSize)

	s := &slab{
		memoryTypeIndex: typeIndex,
		flags:           flags,
		totalSize:       slabSize,
		host:            host,
		blocks:          make(map[BlockID]*block),
		nextID:          1,
	}
	root := &block{id: s.nextID, offset: 0, size: slabSize}
	s.nextID++
	s.blocks[root.id] = root
	s.order = []BlockID{root.id}

	a.slabs = append(a.slabs, s)
	log.WithFields(logrus.Fields{"memory_type": typeIndex, "size": slabSize}).Info("grew slab")
	return nil
}

// Free returns h's block to its slab's free list, coalescing with its
// parent if the parent is also free, per Allocator::free.
func (a *Allocator) Free(h Handle) error {
	if h.SlabIndex < 0 || h.SlabIndex >= len(a.slabs) {
		return fmt.Errorf("%w: slab %d", ErrUnknownBlock, h.SlabIndex)
	}
	s := a.slabs[h.SlabIndex]
	b, ok := s.blocks[h.BlockID]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrUnknownBlock, h.BlockID)
	}

	parent, hasParent := s.blocks[b.parentID]
	if !hasParent || parent.allocated {
		b.allocated = false
		return nil
	}

	parent.offset = b.offset
	parent.size += b.size

	pos := slices.Index(s.order, b.id)
	if pos >= 0 {
		s.order = slices.Delete(s.order, pos, pos+1)
	}
	delete(s.blocks, b.id)
	return nil
}

// TypeStats reports one memory-type pool's current occupancy, fed to
// pkg/gpu/metrics's suballocator bytes-in-use gauge.
type TypeStats struct {
	MemoryTypeIndex uint32
	BytesInUse      uint64
	BytesReserved   uint64
}

// Stats aggregates bytes-in-use and bytes-reserved across every slab,
// grouped by memory-type index.
func (a *Allocator) Stats() []TypeStats {
	byType := make(map[uint32]*TypeStats)
	order := make([]uint32, 0, len(a.slabs))
	for _, s := range a.slabs {
		st, ok := byType[s.memoryTypeIndex]
		if !ok {
			st = &TypeStats{MemoryTypeIndex: s.memoryTypeIndex}
			byType[s.memoryTypeIndex] = st
			order = append(order, s.memoryTypeIndex)
		}
		st.BytesReserved += s.totalSize
		for _, id := range s.order {
			if b := s.blocks[id]; b.allocated {
				st.BytesInUse += b.size
			}
		}
	}

	out := make([]TypeStats, len(order))
	for i, idx := range order {
		out[i] = *byType[idx]
	}
	return out
}

func (a *Allocator) handleFor(slabIdx int, s *slab, b *block) Handle {
	h := Handle{
		SlabIndex:       slabIdx,
		BlockID:         b.id,
		Offset:          b.offset,
		Size:            b.size,
		Align:           b.align,
		MemoryTypeIndex: s.memoryTypeIndex,
	}
	if s.host != nil {
		h.Host = s.host[b.offset : b.offset+b.size]
	}
	return h
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
