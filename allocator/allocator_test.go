package allocator_test

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/memsim/allocator"
	"github.com/vkngwrapper/memsim/blocklist"
	"github.com/vkngwrapper/memsim/memutils"
	"golang.org/x/exp/slog"
)

func requireNoDebugMargin(t *testing.T) {
	if memutils.DebugMargin != 0 {
		t.Skip("expected offsets assume allocations are packed without a debug margin")
	}
}

func newAllocator(t *testing.T, size int) *allocator.Allocator {
	alloc, err := allocator.New(nil, allocator.CreateOptions{Size: size})
	require.NoError(t, err)
	require.NoError(t, alloc.Validate())
	return alloc
}

func allocate(t *testing.T, alloc *allocator.Allocator, size int, options allocator.AllocationOptions) *allocator.Allocation {
	allocation, err := alloc.Allocate(size, options)
	require.NoError(t, err)
	require.NoError(t, alloc.Validate())
	return allocation
}

func free(t *testing.T, alloc *allocator.Allocator, allocation *allocator.Allocation) {
	require.NoError(t, alloc.Free(allocation.Handle()))
	require.NoError(t, alloc.Validate())
}

func TestCreateOptionsValidation(t *testing.T) {
	_, err := allocator.New(nil, allocator.CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = allocator.New(nil, allocator.CreateOptions{Size: -5})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = allocator.New(nil, allocator.CreateOptions{Size: 1024, MinAlignment: 3})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = allocator.New(nil, allocator.CreateOptions{Size: 1024, MinAlignment: 2048})
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	alloc, err := allocator.New(nil, allocator.CreateOptions{Size: 1024, Flags: allocator.AllocatorCreateExternallySynchronized})
	require.NoError(t, err)
	require.Equal(t, 1024, alloc.Size())
	require.Equal(t, allocator.AllocatorCreateExternallySynchronized, alloc.Flags())
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 1024}}, alloc.FreeBlocks())
}

func TestBasicAllocFree(t *testing.T) {
	requireNoDebugMargin(t)
	alloc := newAllocator(t, 1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	alloc.CalculateStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount:      1,
			ArenaBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		FreeBytes:         1000,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  1000,
		FreeRangeSizeMax:  1000,
	}, stats)

	allocation := allocate(t, alloc, 100, allocator.AllocationOptions{Name: "first"})
	require.Equal(t, 0, allocation.Offset())
	require.Equal(t, 100, allocation.Size())
	require.Equal(t, "first", allocation.Name())
	require.Equal(t, blocklist.MemoryBlock{Offset: 0, Size: 100}, allocation.Block())

	looked, ok := alloc.Lookup(allocation.Handle())
	require.True(t, ok)
	require.Same(t, allocation, looked)

	stats.Clear()
	alloc.CalculateStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount:      1,
			ArenaBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		FreeRangeCount:    1,
		FreeBytes:         900,
		AllocationSizeMin: 100,
		AllocationSizeMax: 100,
		FreeRangeSizeMin:  900,
		FreeRangeSizeMax:  900,
	}, stats)

	free(t, alloc, allocation)

	_, ok = alloc.Lookup(allocation.Handle())
	require.False(t, ok)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 1000}}, alloc.FreeBlocks())
	require.Empty(t, alloc.Allocations())
	require.NoError(t, alloc.Destroy())
}

func TestStrategies(t *testing.T) {
	requireNoDebugMargin(t)
	alloc := newAllocator(t, 1000)

	allocate(t, alloc, 100, allocator.AllocationOptions{})
	b := allocate(t, alloc, 300, allocator.AllocationOptions{})
	allocate(t, alloc, 100, allocator.AllocationOptions{})
	d := allocate(t, alloc, 50, allocator.AllocationOptions{})
	allocate(t, alloc, 100, allocator.AllocationOptions{})

	free(t, alloc, b)
	free(t, alloc, d)
	require.Equal(t, []blocklist.MemoryBlock{
		{Offset: 100, Size: 300},
		{Offset: 500, Size: 50},
		{Offset: 650, Size: 350},
	}, alloc.FreeBlocks())

	bestFit := allocate(t, alloc, 40, allocator.AllocationOptions{Strategy: allocator.AllocationStrategyMinMemory})
	require.Equal(t, 500, bestFit.Offset())

	firstFit := allocate(t, alloc, 40, allocator.AllocationOptions{Strategy: allocator.AllocationStrategyMinTime})
	require.Equal(t, 100, firstFit.Offset())

	lowest := allocate(t, alloc, 300, allocator.AllocationOptions{Strategy: allocator.AllocationStrategyMinOffset})
	require.Equal(t, 650, lowest.Offset())

	require.Equal(t, []blocklist.MemoryBlock{
		{Offset: 140, Size: 260},
		{Offset: 540, Size: 10},
		{Offset: 950, Size: 50},
	}, alloc.FreeBlocks())
}

func TestDefaultStrategy(t *testing.T) {
	requireNoDebugMargin(t)
	alloc, err := allocator.New(nil, allocator.CreateOptions{
		Size:            300,
		DefaultStrategy: allocator.AllocationStrategyMinTime,
	})
	require.NoError(t, err)

	a := allocate(t, alloc, 200, allocator.AllocationOptions{})
	allocate(t, alloc, 50, allocator.AllocationOptions{})
	free(t, alloc, a)

	// First fit lands in the large hole at the front rather than the tighter tail range
	allocation := allocate(t, alloc, 10, allocator.AllocationOptions{})
	require.Equal(t, 0, allocation.Offset())

	bestFit := allocate(t, alloc, 10, allocator.AllocationOptions{Strategy: allocator.AllocationStrategyMinMemory})
	require.Equal(t, 250, bestFit.Offset())
}

func TestAlignment(t *testing.T) {
	requireNoDebugMargin(t)
	alloc := newAllocator(t, 256)

	allocate(t, alloc, 10, allocator.AllocationOptions{})
	aligned := allocate(t, alloc, 16, allocator.AllocationOptions{Alignment: 64})
	require.Equal(t, 64, aligned.Offset())

	require.Equal(t, []blocklist.MemoryBlock{
		{Offset: 10, Size: 54},
		{Offset: 80, Size: 176},
	}, alloc.FreeBlocks())

	filler := allocate(t, alloc, 8, allocator.AllocationOptions{Strategy: allocator.AllocationStrategyMinTime})
	require.Equal(t, 10, filler.Offset())

	_, err := alloc.Allocate(8, allocator.AllocationOptions{Alignment: 12})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	minAligned, err := allocator.New(nil, allocator.CreateOptions{Size: 256, MinAlignment: 32})
	require.NoError(t, err)
	allocate(t, minAligned, 1, allocator.AllocationOptions{})
	second := allocate(t, minAligned, 1, allocator.AllocationOptions{Alignment: 4})
	require.Equal(t, 32, second.Offset())
}

func TestCoalesceOnFree(t *testing.T) {
	requireNoDebugMargin(t)
	alloc := newAllocator(t, 256)

	a0 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	a1 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	a2 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	a3 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	require.Empty(t, alloc.FreeBlocks())

	free(t, alloc, a0)
	free(t, alloc, a2)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 64}, {Offset: 128, Size: 64}}, alloc.FreeBlocks())

	// Merges with both neighbors
	free(t, alloc, a1)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 192}}, alloc.FreeBlocks())

	// Merges with the previous range only
	free(t, alloc, a3)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 256}}, alloc.FreeBlocks())

	b0 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	b1 := allocate(t, alloc, 64, allocator.AllocationOptions{})
	allocate(t, alloc, 128, allocator.AllocationOptions{})

	free(t, alloc, b1)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 64, Size: 64}}, alloc.FreeBlocks())

	// Merges with the next range only
	free(t, alloc, b0)
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 128}}, alloc.FreeBlocks())
}

func TestAllocationErrors(t *testing.T) {
	alloc := newAllocator(t, 128)

	_, err := alloc.Allocate(0, allocator.AllocationOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = alloc.Allocate(129, allocator.AllocationOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	allocation := allocate(t, alloc, 32, allocator.AllocationOptions{})
	free(t, alloc, allocation)

	require.ErrorIs(t, alloc.Free(allocation.Handle()), memutils.ErrUnknownAllocation)
	require.ErrorIs(t, alloc.Free(allocator.NoAllocation), memutils.ErrUnknownAllocation)

	_, err = alloc.Map(allocation.Handle())
	require.ErrorIs(t, err, memutils.ErrUnknownAllocation)
	require.NoError(t, alloc.Validate())
}

func TestAllocationLimits(t *testing.T) {
	alloc := newAllocator(t, 1024)
	first := allocate(t, alloc, 10, allocator.AllocationOptions{})

	_, err := alloc.Allocate(10, allocator.AllocationOptions{Alignment: 1 << 63})
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	_, err = alloc.Allocate(10, allocator.AllocationOptions{Alignment: 2048})
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	_, err = alloc.Allocate(math.MaxInt, allocator.AllocationOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	_, err = alloc.Allocate(1025, allocator.AllocationOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	_, err = alloc.Allocate(1020, allocator.AllocationOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.NoError(t, alloc.Validate())
	require.Len(t, alloc.Allocations(), 1)

	data, err := alloc.Map(first.Handle())
	require.NoError(t, err)
	require.Len(t, data, 10)

	aligned := allocate(t, alloc, 8, allocator.AllocationOptions{Alignment: 1024 >> 1})
	require.Equal(t, 512, aligned.Offset())

	free(t, alloc, aligned)
	free(t, alloc, first)

	whole := allocate(t, alloc, 1024-memutils.DebugMargin, allocator.AllocationOptions{Alignment: 1024})
	require.Equal(t, 0, whole.Offset())
	free(t, alloc, whole)
	require.NoError(t, alloc.Destroy())
}

func TestHandlesAreNotReused(t *testing.T) {
	alloc := newAllocator(t, 128)

	first := allocate(t, alloc, 16, allocator.AllocationOptions{})
	free(t, alloc, first)
	second := allocate(t, alloc, 16, allocator.AllocationOptions{})

	require.NotEqual(t, first.Handle(), second.Handle())
	require.Equal(t, first.Offset(), second.Offset())
}

func TestMap(t *testing.T) {
	alloc := newAllocator(t, 128)

	first := allocate(t, alloc, 4, allocator.AllocationOptions{})
	second := allocate(t, alloc, 4, allocator.AllocationOptions{})

	data, err := alloc.Map(first.Handle())
	require.NoError(t, err)
	require.Len(t, data, 4)
	copy(data, []byte{1, 2, 3, 4})

	other, err := alloc.Map(second.Handle())
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, other)

	again, err := alloc.Map(first.Handle())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, again)

	require.NoError(t, alloc.CheckCorruption())
}

func TestAllocationsInOrder(t *testing.T) {
	alloc := newAllocator(t, 256)

	a := allocate(t, alloc, 16, allocator.AllocationOptions{Name: "a"})
	b := allocate(t, alloc, 16, allocator.AllocationOptions{Name: "b"})
	c := allocate(t, alloc, 16, allocator.AllocationOptions{Name: "c"})
	free(t, alloc, a)
	d := allocate(t, alloc, 16, allocator.AllocationOptions{Name: "d"})

	require.Equal(t, []*allocator.Allocation{b, c, d}, alloc.Allocations())
}

func TestPrintDetailedMap(t *testing.T) {
	requireNoDebugMargin(t)
	alloc := newAllocator(t, 256)

	allocate(t, alloc, 32, allocator.AllocationOptions{Name: "vertices"})
	allocate(t, alloc, 64, allocator.AllocationOptions{})

	writer := jwriter.NewWriter()
	alloc.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"TotalBytes": 256,
		"UnusedBytes": 160,
		"Allocations": 2,
		"UnusedRanges": 1,
		"FreeRanges": [{"Offset": 96, "Size": 160}],
		"Suballocations": [
			{"Handle": 1, "Offset": 0, "Size": 32, "Name": "vertices"},
			{"Handle": 2, "Offset": 32, "Size": 64}
		]
	}`, string(writer.Bytes()))
}

func TestDestroyLogsUnreleasedMemory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf))

	alloc, err := allocator.New(logger, allocator.CreateOptions{Size: 128})
	require.NoError(t, err)

	named := allocate(t, alloc, 16, allocator.AllocationOptions{Name: "leaked"})
	unnamed := allocate(t, alloc, 16, allocator.AllocationOptions{})

	require.Error(t, alloc.Destroy())
	require.Contains(t, buf.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, buf.String(), "name=leaked")
	require.Contains(t, buf.String(), "name=empty")

	free(t, alloc, named)
	free(t, alloc, unnamed)
	require.NoError(t, alloc.Destroy())
}

func TestConcurrentAllocations(t *testing.T) {
	alloc := newAllocator(t, 64*1024)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			var live []allocator.Handle
			for i := 0; i < 100; i++ {
				allocation, err := alloc.Allocate(16+i%7, allocator.AllocationOptions{Alignment: 8})
				if err != nil {
					t.Error(err)
					return
				}
				live = append(live, allocation.Handle())

				if i%3 == 0 {
					if err := alloc.Free(live[0]); err != nil {
						t.Error(err)
						return
					}
					live = live[1:]
				}
			}

			for _, handle := range live {
				if err := alloc.Free(handle); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, alloc.Validate())
	require.Equal(t, []blocklist.MemoryBlock{{Offset: 0, Size: 64 * 1024}}, alloc.FreeBlocks())
}

func TestFlagStrings(t *testing.T) {
	require.Equal(t, "None", allocator.CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateExternallySynchronized", allocator.AllocatorCreateExternallySynchronized.String())
	require.Equal(t, "AllocationStrategyMinMemory|AllocationStrategyMinTime",
		(allocator.AllocationStrategyMinMemory | allocator.AllocationStrategyMinTime).String())
	require.Equal(t, "AllocationStrategyMinOffset|Unknown", (allocator.AllocationStrategyMinOffset | 1<<10).String())
}
