package allocator

import "github.com/vkngwrapper/memsim/memutils"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// AllocationStrategy exposes several options for choosing the location of a new allocation.
// If several are set, MinOffset wins over MinTime, which wins over MinMemory. If none is set, the
// allocator's default strategy is used.
type AllocationStrategy uint32

var allocationStrategyMapping = memutils.NewFlagStringMapping[AllocationStrategy]()

func (s AllocationStrategy) Register(str string) {
	allocationStrategyMapping.Register(s, str)
}
func (s AllocationStrategy) String() string {
	return allocationStrategyMapping.FlagsToString(s)
}

const (
	// AllocationStrategyMinMemory selects the smallest free range that can hold the allocation
	// (best fit), to minimize fragmentation at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first free range that can hold the allocation (first fit)
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the free range with the lowest offset that can hold the
	// allocation. Because free ranges are kept in address order this visits the same range as
	// AllocationStrategyMinTime, but the intent is packing rather than speed.
	AllocationStrategyMinOffset
)

func init() {
	AllocationStrategyMinMemory.Register("AllocationStrategyMinMemory")
	AllocationStrategyMinTime.Register("AllocationStrategyMinTime")
	AllocationStrategyMinOffset.Register("AllocationStrategyMinOffset")
}

func (s AllocationStrategy) firstFit() bool {
	return s&(AllocationStrategyMinOffset|AllocationStrategyMinTime) != 0
}
