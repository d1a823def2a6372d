package allocator

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/memsim/blocklist"
)

// Handle identifies a live allocation within an Allocator. Handles are never reused by the
// allocator that issued them.
type Handle uint64

const (
	NoAllocation Handle = math.MaxUint64
)

// Allocation is a live region of the arena handed out by Allocator.Allocate
type Allocation struct {
	handle    Handle
	offset    int
	size      int
	alignment uint
	name      string

	// reserved covers the allocation plus its trailing debug margin; it is the value stored in the
	// allocator's allocated list
	reserved blocklist.MemoryBlock
}

func (a *Allocation) Handle() Handle  { return a.handle }
func (a *Allocation) Offset() int     { return a.offset }
func (a *Allocation) Size() int       { return a.size }
func (a *Allocation) Alignment() uint { return a.alignment }
func (a *Allocation) Name() string    { return a.name }

// Block returns the region of the arena that the consumer may use
func (a *Allocation) Block() blocklist.MemoryBlock {
	return blocklist.MemoryBlock{Offset: a.offset, Size: a.size}
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Handle").Int(int(a.handle))
	json.Name("Offset").Int(a.offset)
	json.Name("Size").Int(a.size)

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
