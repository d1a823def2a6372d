package blocklist

import "fmt"

// MemoryBlock is a region of a memory arena, identified by its starting offset and length in bytes.
// Two blocks are equal when both fields are equal; a BlockList never inspects a block beyond that.
type MemoryBlock struct {
	Offset int
	Size   int
}

// End returns the offset of the first byte after the block
func (b MemoryBlock) End() int { return b.Offset + b.Size }

// IsEmpty returns true if the block covers no bytes
func (b MemoryBlock) IsEmpty() bool { return b.Size <= 0 }

// Contains returns true if offset falls within the block
func (b MemoryBlock) Contains(offset int) bool {
	return offset >= b.Offset && offset < b.End()
}

// Adjacent returns true if the two blocks touch without overlapping, in either order
func (b MemoryBlock) Adjacent(other MemoryBlock) bool {
	return b.End() == other.Offset || other.End() == b.Offset
}

// Overlaps returns true if the two blocks share at least one byte
func (b MemoryBlock) Overlaps(other MemoryBlock) bool {
	return b.Offset < other.End() && other.Offset < b.End()
}

func (b MemoryBlock) Equal(other MemoryBlock) bool {
	return b == other
}

func (b MemoryBlock) String() string {
	return fmt.Sprintf("[%d+%d]", b.Offset, b.Size)
}
