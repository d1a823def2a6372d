package blocklist

// Node is a single cell of a BlockList. Nodes are created by the list's insertion methods and
// remain valid until they are removed; a removed node no longer belongs to any list.
type Node struct {
	block MemoryBlock
	next  *Node
	list  *BlockList
}

// Block returns the memory block held by this node
func (n *Node) Block() MemoryBlock { return n.block }

// SetBlock replaces the memory block held by this node without moving it. The list never checks
// ordering, so the new block must not break any order its owner relies on; the allocator uses it to
// shrink, grow, and relocate ranges in place.
func (n *Node) SetBlock(block MemoryBlock) { n.block = block }

// Next returns the node that follows this one, or nil if this is the tail or the node has been removed
func (n *Node) Next() *Node { return n.next }

// Owner returns the list this node belongs to, or nil if it has been removed
func (n *Node) Owner() *BlockList { return n.list }

func (n *Node) release() {
	n.next = nil
	n.list = nil
}
