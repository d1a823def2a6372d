package blocklist

// ListIterator walks a BlockList from head to tail. It starts positioned before the head, so Next
// must be called before the first node can be read.
type ListIterator struct {
	list    *BlockList
	current *Node
	started bool
}

// Next advances to the following node and returns true if there is one
func (it *ListIterator) Next() bool {
	if !it.started {
		it.started = true
		it.current = it.list.head
	} else if it.current != nil {
		it.current = it.current.next
	}

	return it.current != nil
}

// Node returns the node the iterator is positioned on, or nil before the first call to Next and
// after the traversal has finished
func (it *ListIterator) Node() *Node {
	return it.current
}

// Block returns the block held by the current node, or the zero MemoryBlock if there is none
func (it *ListIterator) Block() MemoryBlock {
	if it.current == nil {
		return MemoryBlock{}
	}

	return it.current.block
}
