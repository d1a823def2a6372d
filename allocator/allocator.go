package allocator

import (
	"context"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/memsim/blocklist"
	"github.com/vkngwrapper/memsim/internal/utils"
	"github.com/vkngwrapper/memsim/memutils"
	"golang.org/x/exp/slog"
)

// AllocationOptions contains optional settings for a single allocation
type AllocationOptions struct {
	// Alignment is the required alignment of the allocation's offset. It must be a power of two, or 0
	// to use the allocator's minimum alignment.
	Alignment uint
	// Strategy selects how a free range is chosen. If it is left empty, the allocator's default
	// strategy is used.
	Strategy AllocationStrategy
	// Name is an optional label carried into logs and detailed maps
	Name string
}

// Allocator simulates a free-list memory allocator over a contiguous arena. Free ranges are kept in
// a BlockList ordered by offset and are merged with their neighbors when memory is returned. Live
// allocations are kept in a second BlockList in the order they were made.
type Allocator struct {
	logger          *slog.Logger
	mutex           utils.OptionalRWMutex
	createFlags     CreateFlags
	defaultStrategy AllocationStrategy
	minAlignment    uint

	size      int
	data      []byte
	free      blocklist.BlockList
	allocated blocklist.BlockList

	handles    *swiss.Map[Handle, *Allocation]
	offsets    *swiss.Map[int, *Allocation]
	nextHandle Handle
}

var _ memutils.Validatable = &Allocator{}

// Size returns the number of bytes in the arena
func (a *Allocator) Size() int { return a.size }

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// Allocate reserves size bytes of the arena. It returns an error wrapping memutils.ErrInvalidSize if
// size is not positive, memutils.PowerOfTwoError if the alignment is not a power of two, and
// memutils.ErrOutOfMemory if no free range can hold the allocation.
func (a *Allocator) Allocate(size int, options AllocationOptions) (*Allocation, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "allocation size is %d", size)
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "AllocationOptions.Alignment")
	if err != nil {
		return nil, err
	}
	if alignment < a.minAlignment {
		alignment = a.minAlignment
	}
	if alignment > uint(a.size) {
		return nil, errors.Wrapf(memutils.ErrInvalidAlignment, "alignment %d, arena size %d", alignment, a.size)
	}
	if size > a.size {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "allocation size %d exceeds the arena size %d", size, a.size)
	}

	strategy := options.Strategy
	if strategy == 0 {
		strategy = a.defaultStrategy
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	node, offset := a.findFreeRange(size, alignment, strategy, math.MaxInt)
	if node == nil {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no free range can hold %d bytes with alignment %d", size, alignment)
	}

	reserved := blocklist.MemoryBlock{Offset: offset, Size: size + memutils.DebugMargin}
	err = a.takeFromFreeRange(node, reserved)
	if err != nil {
		return nil, err
	}

	a.nextHandle++
	allocation := &Allocation{
		handle:    a.nextHandle,
		offset:    offset,
		size:      size,
		alignment: alignment,
		name:      options.Name,
		reserved:  reserved,
	}

	a.allocated.AddLast(reserved)
	a.handles.Put(allocation.handle, allocation)
	a.offsets.Put(offset, allocation)

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(a.data, offset+size)
	}

	a.logger.Debug("Allocator::Allocate",
		slog.Int("Handle", int(allocation.handle)),
		slog.Int("Offset", offset),
		slog.Int("Size", size),
		slog.String("Strategy", strategy.String()),
	)
	memutils.DebugValidate(validateFunc(a.validate))

	return allocation, nil
}

// findFreeRange returns the free node chosen by strategy and the aligned offset within it at which
// the allocation would start, or nil if nothing fits at an offset below maxOffset
func (a *Allocator) findFreeRange(size int, alignment uint, strategy AllocationStrategy, maxOffset int) (*blocklist.Node, int) {
	var bestNode *blocklist.Node
	bestOffset := 0
	bestSize := math.MaxInt

	for it := a.free.Iterator(); it.Next(); {
		block := it.Block()
		offset := memutils.AlignUp(block.Offset, alignment)
		if offset < block.Offset {
			continue
		}
		if offset >= maxOffset {
			break
		}
		if size+memutils.DebugMargin > block.End()-offset {
			continue
		}

		if strategy.firstFit() {
			return it.Node(), offset
		}

		if block.Size < bestSize {
			bestNode = it.Node()
			bestOffset = offset
			bestSize = block.Size
		}
	}

	return bestNode, bestOffset
}

// takeFromFreeRange carves reserved out of the free range held by node. Alignment padding in front of
// the reservation and any remainder after it stay on the free list in address order.
func (a *Allocator) takeFromFreeRange(node *blocklist.Node, reserved blocklist.MemoryBlock) error {
	block := node.Block()
	padding := blocklist.MemoryBlock{Offset: block.Offset, Size: reserved.Offset - block.Offset}
	remainder := blocklist.MemoryBlock{Offset: reserved.End(), Size: block.End() - reserved.End()}

	switch {
	case !padding.IsEmpty() && !remainder.IsEmpty():
		node.SetBlock(padding)
		_, err := a.free.InsertAfter(node, remainder)
		return err
	case !padding.IsEmpty():
		node.SetBlock(padding)
	case !remainder.IsEmpty():
		node.SetBlock(remainder)
	default:
		return a.free.RemoveNode(node)
	}

	return nil
}

// Free returns an allocation's memory to the free list, merging it with any free neighbors. It returns
// an error wrapping memutils.ErrUnknownAllocation if the handle does not map to a live allocation.
func (a *Allocator) Free(handle Handle) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	allocation, ok := a.handles.Get(handle)
	if !ok {
		return errors.Wrapf(memutils.ErrUnknownAllocation, "handle %d", handle)
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(a.data, allocation.offset+allocation.size) {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "memory corruption detected after allocation",
			slog.Int("Handle", int(handle)),
			slog.Int("Offset", allocation.offset),
			slog.Int("Size", allocation.size),
		)
	}

	err := a.allocated.RemoveBlock(allocation.reserved)
	if err != nil {
		return errors.Wrapf(err, "allocation %d is missing from the allocated list", handle)
	}

	a.handles.Delete(handle)
	a.offsets.Delete(allocation.offset)

	err = a.returnToFreeList(allocation.reserved)
	if err != nil {
		return err
	}

	a.logger.Debug("Allocator::Free",
		slog.Int("Handle", int(handle)),
		slog.Int("Offset", allocation.offset),
		slog.Int("Size", allocation.size),
	)
	memutils.DebugValidate(validateFunc(a.validate))

	return nil
}

func (a *Allocator) returnToFreeList(block blocklist.MemoryBlock) error {
	var previous *blocklist.Node
	for it := a.free.Iterator(); it.Next(); {
		if it.Block().Offset > block.Offset {
			break
		}
		previous = it.Node()
	}

	next := a.free.First()
	if previous != nil {
		next = previous.Next()
	}

	mergePrevious := previous != nil && previous.Block().End() == block.Offset
	mergeNext := next != nil && block.End() == next.Block().Offset

	switch {
	case mergePrevious && mergeNext:
		merged := previous.Block()
		merged.Size += block.Size + next.Block().Size
		previous.SetBlock(merged)
		return a.free.RemoveNode(next)
	case mergePrevious:
		merged := previous.Block()
		merged.Size += block.Size
		previous.SetBlock(merged)
	case mergeNext:
		next.SetBlock(blocklist.MemoryBlock{Offset: block.Offset, Size: block.Size + next.Block().Size})
	case previous == nil:
		a.free.AddFirst(block)
	default:
		_, err := a.free.InsertAfter(previous, block)
		return err
	}

	return nil
}

// Lookup retrieves the live allocation for a handle
func (a *Allocator) Lookup(handle Handle) (*Allocation, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.handles.Get(handle)
}

// Map returns the bytes of the arena backing a live allocation. The slice aliases the arena and is
// only meaningful until the allocation is freed.
func (a *Allocator) Map(handle Handle) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	allocation, ok := a.handles.Get(handle)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrUnknownAllocation, "handle %d", handle)
	}

	return a.data[allocation.offset : allocation.offset+allocation.size : allocation.offset+allocation.size], nil
}

// Allocations returns every live allocation in the order they were made
func (a *Allocator) Allocations() []*Allocation {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	allocations := make([]*Allocation, 0, a.allocated.Size())
	for _, block := range a.allocated.All() {
		allocation, ok := a.offsets.Get(block.Offset)
		if ok {
			allocations = append(allocations, allocation)
		}
	}

	return allocations
}

// FreeBlocks returns a snapshot of the free ranges in address order
func (a *Allocator) FreeBlocks() []blocklist.MemoryBlock {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.free.Blocks()
}

// CalculateStatistics sums this allocator's statistics into the provided memutils.DetailedStatistics
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.ArenaCount++
	stats.ArenaBytes += a.size

	for _, block := range a.allocated.All() {
		stats.AddAllocation(block.Size - memutils.DebugMargin)
	}

	for _, block := range a.free.All() {
		stats.AddFreeRange(block.Size)
	}
}

type validateFunc func() error

func (f validateFunc) Validate() error { return f() }

// Validate performs consistency checks across the free list, the allocated list, and the handle
// maps. When the allocator is functioning correctly, it should not be possible for this method to
// return an error.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	err := a.free.Validate()
	if err != nil {
		return errors.Wrap(err, "free list")
	}

	err = a.allocated.Validate()
	if err != nil {
		return errors.Wrap(err, "allocated list")
	}

	var previous *blocklist.MemoryBlock
	for _, block := range a.free.All() {
		if block.IsEmpty() {
			return errors.Newf("free range %s is empty", block)
		}

		if previous != nil {
			if previous.Offset >= block.Offset {
				return errors.Newf("free range %s is out of order after %s", block, *previous)
			}
			if previous.End() == block.Offset {
				return errors.Newf("free ranges %s and %s are adjacent but were not merged", *previous, block)
			}
		}

		current := block
		previous = &current
	}

	if a.handles.Count() != a.allocated.Size() || a.offsets.Count() != a.allocated.Size() {
		return errors.Newf("the allocated list holds %d allocations, but %d handles and %d offsets are registered", a.allocated.Size(), a.handles.Count(), a.offsets.Count())
	}

	all := append(a.free.Blocks(), a.allocated.Blocks()...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].Offset < all[j].Offset
	})

	offset := 0
	for _, block := range all {
		if block.Offset != offset {
			return errors.Newf("range %s does not start at the end of the previous range (%d)", block, offset)
		}
		offset = block.End()
	}

	if offset != a.size {
		return errors.Newf("ranges end at %d, but the arena is %d bytes", offset, a.size)
	}

	for _, block := range a.allocated.All() {
		allocation, ok := a.offsets.Get(block.Offset)
		if !ok {
			return errors.Newf("allocated range %s has no registered allocation", block)
		}
		if allocation.reserved != block {
			return errors.Newf("allocated range %s does not match its allocation's reserved range %s", block, allocation.reserved)
		}

		byHandle, ok := a.handles.Get(allocation.handle)
		if !ok || byHandle != allocation {
			return errors.Newf("allocation at offset %d is not registered under its handle %d", block.Offset, allocation.handle)
		}
	}

	return nil
}

// CheckCorruption verifies that the debug margin after every live allocation is intact. It always
// returns nil unless memsim is built with the debug_mem_utils build tag.
func (a *Allocator) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var err error
	a.handles.Iter(func(handle Handle, allocation *Allocation) bool {
		if !memutils.ValidateMagicValue(a.data, allocation.offset+allocation.size) {
			err = errors.Newf("memory corruption detected after allocation %d at offset %d", handle, allocation.offset)
			return true
		}
		return false
	})

	return err
}

// PrintDetailedMap writes a json object describing the arena, its free ranges, and its live
// allocations to the provided writer
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, block := range a.free.All() {
		stats.AddFreeRange(block.Size)
	}

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(a.size)
	objState.Name("UnusedBytes").Int(stats.FreeBytes)
	objState.Name("Allocations").Int(a.allocated.Size())
	objState.Name("UnusedRanges").Int(a.free.Size())

	freeState := objState.Name("FreeRanges").Array()
	a.free.WriteJson(&freeState)
	freeState.End()

	allocState := objState.Name("Suballocations").Array()
	for _, block := range a.allocated.All() {
		allocation, ok := a.offsets.Get(block.Offset)
		if !ok {
			continue
		}

		obj := allocState.Object()
		allocation.printParameters(&obj)
		obj.End()
	}
	allocState.End()
}

// Destroy releases the arena. If any allocations are still live, each is logged and an error is
// returned without releasing anything.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.allocated.Size() > 0 {
		for _, block := range a.allocated.All() {
			allocation, ok := a.offsets.Get(block.Offset)
			if !ok {
				continue
			}
			a.logUnreleasedMemory(allocation)
		}

		return errors.New("some allocations were not freed before the destruction of this allocator")
	}

	a.free.Clear()
	a.data = nil
	return nil
}

func (a *Allocator) logUnreleasedMemory(allocation *Allocation) {
	name := allocation.name
	if name == "" {
		name = "empty"
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("handle", int(allocation.handle)),
		slog.Int("offset", allocation.offset),
		slog.Int("size", allocation.size),
		slog.String("name", name),
	)
}
