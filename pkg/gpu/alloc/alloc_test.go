package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/device"
)

func newTestAllocator(t *testing.T) (*Allocator, device.Device) {
	t.Helper()
	d, err := device.Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return New(d), d
}

func TestAllocateGrowsSlab(t *testing.T) {
	a, _ := newTestAllocator(t)

	h, err := a.Allocate(Requirements{Size: 1024, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, h.SlabIndex)
	assert.GreaterOrEqual(t, h.Size, uint64(1024))
	assert.Len(t, a.slabs, 1)
	assert.Equal(t, SlabAlign, a.slabs[0].totalSize)
}

func TestAllocateHostVisibleMapsHost(t *testing.T) {
	a, _ := newTestAllocator(t)

	h, err := a.Allocate(Requirements{Size: 256, Alignment: 16, TypeMask: 0b111}, true)
	require.NoError(t, err)
	require.NotNil(t, h.Host)
	assert.Len(t, h.Host, int(h.Size))
}

func TestAllocateReusesPool(t *testing.T) {
	a, _ := newTestAllocator(t)

	h1, err := a.Allocate(Requirements{Size: 1024, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)
	require.NoError(t, a.Free(h1))

	h2, err := a.Allocate(Requirements{Size: 512, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)
	assert.Len(t, a.slabs, 1, "second allocation should reuse the existing slab rather than grow a new one")
	assert.Equal(t, h1.Offset, h2.Offset, "first-fit carves from the front of the freed block")
}

func TestFreeCoalescesWithParent(t *testing.T) {
	a, _ := newTestAllocator(t)

	h1, err := a.Allocate(Requirements{Size: 1024, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)
	h2, err := a.Allocate(Requirements{Size: 2048, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)

	s := a.slabs[h1.SlabIndex]
	blocksBefore := len(s.blocks)

	require.NoError(t, a.Free(h1))
	require.NoError(t, a.Free(h2))

	assert.Less(t, len(s.blocks), blocksBefore, "freeing should have coalesced at least one split back into its parent")
}

func TestFreeUnknownBlock(t *testing.T) {
	a, _ := newTestAllocator(t)
	err := a.Free(Handle{SlabIndex: 0, BlockID: 999})
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestStatsReportsBytesInUseAndReserved(t *testing.T) {
	a, _ := newTestAllocator(t)

	h1, err := a.Allocate(Requirements{Size: 1024, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)
	_, err = a.Allocate(Requirements{Size: 2048, Alignment: 16, TypeMask: 0b111}, false)
	require.NoError(t, err)

	stats := a.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, SlabAlign, stats[0].BytesReserved)
	assert.Equal(t, h1.Size+2048, stats[0].BytesInUse)

	require.NoError(t, a.Free(h1))
	stats = a.Stats()
	assert.Equal(t, uint64(2048), stats[0].BytesInUse)
}

func TestNoSharedFreeOffsetsWithinSlab(t *testing.T) {
	a, _ := newTestAllocator(t)

	var handles []Handle
	for i := 0; i < 4; i++ {
		h, err := a.Allocate(Requirements{Size: 1024, Alignment: 16, TypeMask: 0b111}, false)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	// Free in LIFO order: each block's parent is the slab's shrinking
	// remainder, so coalescing only reconstructs a contiguous free
	// region when siblings are released most-recently-allocated first,
	// the same discipline original_source's allocator assumes.
	for i := len(handles) - 1; i >= 0; i-- {
		require.NoError(t, a.Free(handles[i]))
	}

	s := a.slabs[0]
	seen := map[uint64]bool{}
	freeCount := 0
	for _, id := range s.order {
		b := s.blocks[id]
		if b.allocated {
			continue
		}
		freeCount++
		assert.False(t, seen[b.offset], "two free blocks share starting offset %d", b.offset)
		seen[b.offset] = true
	}
	assert.Equal(t, 1, freeCount, "sequential alloc+free of adjacent blocks should fully coalesce back to one free block")
}
