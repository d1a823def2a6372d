package allocator

import (
	"sort"

	"github.com/vkngwrapper/memsim/blocklist"
	"github.com/vkngwrapper/memsim/memutils"
	"golang.org/x/exp/slog"
)

// DefragmentationInfo limits the work done by a single call to Defragment. A zero limit means
// unlimited.
type DefragmentationInfo struct {
	MaxBytesPerPass       int
	MaxAllocationsPerPass int
}

// DefragmentationStats reports the work done by a call to Defragment
type DefragmentationStats struct {
	BytesMoved       int
	AllocationsMoved int
}

// Defragment compacts live allocations toward the start of the arena. Allocations are visited in
// address order and each is moved into the lowest free range below it that can hold it with its
// original alignment. The contents of moved allocations are copied, and their handles are unchanged,
// but their offsets are not: slices previously returned by Map must be retrieved again.
func (a *Allocator) Defragment(info DefragmentationInfo) (DefragmentationStats, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats DefragmentationStats

	ordered := make([]*Allocation, 0, a.allocated.Size())
	for _, block := range a.allocated.All() {
		allocation, ok := a.offsets.Get(block.Offset)
		if ok {
			ordered = append(ordered, allocation)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].offset < ordered[j].offset
	})

	for _, allocation := range ordered {
		if info.MaxAllocationsPerPass > 0 && stats.AllocationsMoved >= info.MaxAllocationsPerPass {
			break
		}
		if info.MaxBytesPerPass > 0 && stats.BytesMoved+allocation.size > info.MaxBytesPerPass {
			continue
		}

		node, offset := a.findFreeRange(allocation.size, allocation.alignment, AllocationStrategyMinOffset, allocation.offset)
		if node == nil {
			continue
		}

		err := a.move(allocation, node, offset)
		if err != nil {
			return stats, err
		}

		stats.AllocationsMoved++
		stats.BytesMoved += allocation.size
	}

	a.logger.Debug("Allocator::Defragment",
		slog.Int("AllocationsMoved", stats.AllocationsMoved),
		slog.Int("BytesMoved", stats.BytesMoved),
	)
	memutils.DebugValidate(validateFunc(a.validate))

	return stats, nil
}

func (a *Allocator) move(allocation *Allocation, node *blocklist.Node, offset int) error {
	oldReserved := allocation.reserved
	newReserved := blocklist.MemoryBlock{Offset: offset, Size: oldReserved.Size}

	err := a.takeFromFreeRange(node, newReserved)
	if err != nil {
		return err
	}

	copy(a.data[offset:offset+allocation.size], a.data[allocation.offset:allocation.offset+allocation.size])
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(a.data, offset+allocation.size)
	}

	allocatedNode, err := a.allocated.Node(a.allocated.IndexOf(oldReserved))
	if err != nil {
		return err
	}
	allocatedNode.SetBlock(newReserved)

	a.offsets.Delete(allocation.offset)
	allocation.offset = offset
	allocation.reserved = newReserved
	a.offsets.Put(offset, allocation)

	return a.returnToFreeList(oldReserved)
}
