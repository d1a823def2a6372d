package blocklist

import (
	"iter"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/memsim/memutils"
)

// NotFound is returned from IndexOf when no node holds the requested block
const NotFound int = -1

// BlockList is an ordered, singly linked sequence of MemoryBlock values. It keeps references to its
// first and last nodes so that prepending, appending, and reading either end are O(1); every other
// positional operation walks from the head.
//
// BlockList is not safe for concurrent use. Consumers sharing a list between goroutines must provide
// their own mutual exclusion. The zero value is an empty list ready for use.
type BlockList struct {
	head   *Node
	tail   *Node
	length int
}

var _ memutils.Validatable = &BlockList{}

// New creates an empty BlockList
func New() *BlockList {
	return &BlockList{}
}

// First returns the head node, or nil if the list is empty
func (l *BlockList) First() *Node { return l.head }

// Last returns the tail node, or nil if the list is empty
func (l *BlockList) Last() *Node { return l.tail }

// Size returns the number of nodes in the list
func (l *BlockList) Size() int { return l.length }

// Node returns the node at the provided 0-based index. It returns an error wrapping
// memutils.ErrIndexOutOfRange if index is not in [0, Size()).
func (l *BlockList) Node(index int) (*Node, error) {
	if index < 0 || index >= l.length {
		return nil, errors.Wrapf(memutils.ErrIndexOutOfRange, "index %d, size %d", index, l.length)
	}

	node := l.head
	for i := 0; i < index; i++ {
		node = node.next
	}

	return node, nil
}

// Block returns the memory block at the provided 0-based index. It returns an error wrapping
// memutils.ErrIndexOutOfRange if index is not in [0, Size()) or the list is empty.
func (l *BlockList) Block(index int) (MemoryBlock, error) {
	if index < 0 || index >= l.length {
		return MemoryBlock{}, errors.Wrapf(memutils.ErrIndexOutOfRange, "index %d, size %d", index, l.length)
	}
	if l.length == 0 {
		return MemoryBlock{}, errors.Wrap(memutils.ErrIndexOutOfRange, "list is empty")
	}

	node, err := l.Node(index)
	if err != nil {
		return MemoryBlock{}, err
	}

	return node.block, nil
}

// IndexOf returns the index of the first node whose block equals the provided block, or NotFound
func (l *BlockList) IndexOf(block MemoryBlock) int {
	index := 0
	for node := l.head; node != nil; node = node.next {
		if node.block.Equal(block) {
			return index
		}
		index++
	}

	return NotFound
}

// Add inserts block so that it becomes the element at index, shifting later elements back by one.
// index must be in [0, Size()]: 0 prepends and Size() appends. Any other value returns an error
// wrapping memutils.ErrInvalidIndex and leaves the list unchanged.
func (l *BlockList) Add(index int, block MemoryBlock) (*Node, error) {
	if index < 0 || index > l.length {
		return nil, errors.Wrapf(memutils.ErrInvalidIndex, "cannot insert at index %d, size %d", index, l.length)
	}

	if index == 0 {
		return l.AddFirst(block), nil
	} else if index == l.length {
		return l.AddLast(block), nil
	}

	previous, err := l.Node(index - 1)
	if err != nil {
		return nil, err
	}

	return l.insertAfter(previous, block), nil
}

// AddFirst prepends block to the list and returns the new head
func (l *BlockList) AddFirst(block MemoryBlock) *Node {
	node := &Node{block: block, list: l}

	if l.length == 0 {
		l.head = node
		l.tail = node
	} else {
		node.next = l.head
		l.head = node
	}

	l.length++
	return node
}

// AddLast appends block to the list and returns the new tail
func (l *BlockList) AddLast(block MemoryBlock) *Node {
	node := &Node{block: block, list: l}

	if l.length == 0 {
		l.head = node
		l.tail = node
	} else {
		l.tail.next = node
		l.tail = node
	}

	l.length++
	return node
}

// InsertAfter splices block into the list directly after node, which must belong to this list.
// It returns an error wrapping memutils.ErrNullReference if node is nil and memutils.ErrInvalidIndex
// if node belongs to another list or has been removed.
func (l *BlockList) InsertAfter(node *Node, block MemoryBlock) (*Node, error) {
	if node == nil {
		return nil, errors.Wrap(memutils.ErrNullReference, "cannot insert after a nil node")
	}
	if node.list != l {
		return nil, errors.Wrapf(memutils.ErrInvalidIndex, "node holding %s does not belong to this list", node.block)
	}

	return l.insertAfter(node, block), nil
}

func (l *BlockList) insertAfter(previous *Node, block MemoryBlock) *Node {
	node := &Node{block: block, list: l, next: previous.next}
	previous.next = node
	if previous == l.tail {
		l.tail = node
	}

	l.length++
	return node
}

// RemoveNode unlinks the provided node from the list. Nodes are matched by identity, so when
// several nodes hold equal blocks, only the node passed in is affected.
//
// It returns an error wrapping memutils.ErrNullReference if node is nil or the list is empty, and
// memutils.ErrInvalidIndex if node does not belong to this list.
func (l *BlockList) RemoveNode(node *Node) error {
	if node == nil || l.length == 0 {
		return errors.Wrap(memutils.ErrNullReference, "cannot remove a node")
	}
	if node.list != l {
		return errors.Wrapf(memutils.ErrInvalidIndex, "node holding %s does not belong to this list", node.block)
	}

	// The head check must come first: with a single node, head and tail are the same node and the
	// tail branch below would look up index -1.
	if node == l.head {
		l.head = node.next
		l.length--

		if l.length == 0 {
			l.tail = nil
		}
		if l.length == 1 {
			l.tail = l.head
		}

		node.release()
		return nil
	}

	if node == l.tail {
		previous, err := l.Node(l.length - 2)
		if err != nil {
			return err
		}

		previous.next = nil
		l.tail = previous
		l.length--

		node.release()
		return nil
	}

	previous := l.predecessor(node)
	if previous == nil {
		return errors.Wrapf(memutils.ErrInvalidIndex, "node holding %s is not reachable from the head", node.block)
	}

	previous.next = node.next
	l.length--

	node.release()
	return nil
}

// RemoveAt removes the node at the provided index and returns the block it held. It returns an error
// wrapping memutils.ErrIndexOutOfRange if index is not in [0, Size()).
func (l *BlockList) RemoveAt(index int) (MemoryBlock, error) {
	node, err := l.Node(index)
	if err != nil {
		return MemoryBlock{}, err
	}

	block := node.block
	return block, l.RemoveNode(node)
}

// RemoveBlock removes the first node whose block equals the provided block. It returns an error
// wrapping memutils.ErrInvalidIndex if no node holds an equal block.
func (l *BlockList) RemoveBlock(block MemoryBlock) error {
	index := l.IndexOf(block)
	if index == NotFound {
		return errors.Wrapf(memutils.ErrInvalidIndex, "block %s is not in the list", block)
	}

	node, err := l.Node(index)
	if err != nil {
		return err
	}

	return l.RemoveNode(node)
}

func (l *BlockList) predecessor(target *Node) *Node {
	for node := l.head; node != nil; node = node.next {
		if node.next == target {
			return node
		}
	}

	return nil
}

// Clear removes every node from the list
func (l *BlockList) Clear() {
	node := l.head
	for node != nil {
		next := node.next
		node.release()
		node = next
	}

	l.head = nil
	l.tail = nil
	l.length = 0
}

// Blocks returns a snapshot of every block in the list, in order
func (l *BlockList) Blocks() []MemoryBlock {
	blocks := make([]MemoryBlock, 0, l.length)
	for node := l.head; node != nil; node = node.next {
		blocks = append(blocks, node.block)
	}

	return blocks
}

// Iterator returns a forward iterator positioned before the head of the list. Every call starts
// a fresh traversal.
//
// The list must not be structurally modified (Add*, Insert*, Remove*, Clear) while the iterator is
// in use. Modifications are not detected and may end the traversal early or skip nodes.
func (l *BlockList) Iterator() *ListIterator {
	return &ListIterator{list: l}
}

// All returns a sequence of (index, block) pairs from head to tail. The same restriction on
// structural modification applies as for Iterator.
func (l *BlockList) All() iter.Seq2[int, MemoryBlock] {
	return func(yield func(int, MemoryBlock) bool) {
		index := 0
		for node := l.head; node != nil; node = node.next {
			if !yield(index, node.block) {
				return
			}
			index++
		}
	}
}

// Validate performs consistency checks on the list's links and length. When the list is functioning
// correctly, it should not be possible for this method to return an error.
func (l *BlockList) Validate() error {
	if l.length < 0 {
		return errors.Newf("list has a negative length %d", l.length)
	}

	if l.length == 0 {
		if l.head != nil || l.tail != nil {
			return errors.New("list has a length of 0 but still references a head or tail node")
		}
		return nil
	}

	if l.head == nil || l.tail == nil {
		return errors.Newf("list has a length of %d but is missing its head or tail node", l.length)
	}

	if l.length == 1 && l.head != l.tail {
		return errors.New("list has a single node but its head and tail differ")
	}

	if l.tail.next != nil {
		return errors.Newf("tail node holding %s has a successor", l.tail.block)
	}

	count := 0
	for node := l.head; node != nil; node = node.next {
		count++

		if count > l.length {
			return errors.Newf("walked more than the declared %d nodes without reaching the end of the chain", l.length)
		}

		if node.list != l {
			return errors.Newf("node %d holding %s does not record this list as its owner", count-1, node.block)
		}

		if node.next == nil && node != l.tail {
			return errors.Newf("chain ends at node %d holding %s, which is not the tail", count-1, node.block)
		}
	}

	if count != l.length {
		return errors.Newf("the declared length of the list (%d) does not match the actual number of nodes (%d)", l.length, count)
	}

	return nil
}

// WriteJson appends every block in the list to the provided json array as an object with
// Offset and Size fields
func (l *BlockList) WriteJson(json *jwriter.ArrayState) {
	for node := l.head; node != nil; node = node.next {
		obj := json.Object()
		obj.Name("Offset").Int(node.block.Offset)
		obj.Name("Size").Int(node.block.Size)
		obj.End()
	}
}

// String renders the blocks in the list separated by spaces. The format is intended for diagnostics
// and may change.
func (l *BlockList) String() string {
	var sb strings.Builder
	for node := l.head; node != nil; node = node.next {
		if node != l.head {
			sb.WriteByte(' ')
		}
		sb.WriteString(node.block.String())
	}

	return sb.String()
}
