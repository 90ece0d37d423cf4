// Package ilist implements the intrusive doubly-linked list vocabulary spec.md
// §9 describes: "each entity is in exactly one list at all times (possibly a
// sentinel 'detached' state)", moved between named lists in O(1) without a
// per-move heap allocation.
//
// Entities embed a Node and are moved between Lists by pointer; the list
// itself stores no items, only head/tail pointers into the entities' own
// Node fields.
package ilist

// Node is embedded in any type managed by a List.
type Node[T any] struct {
	prev, next *T
	list       *List[T]
}

// Linked reports whether the entity is currently a member of some List.
func (n *Node[T]) Linked() bool { return n.list != nil }

// List is a head/tail pair over entities of type T, which must expose their
// embedded *Node[T] via node.
type List[T any] struct {
	head, tail *T
	node       func(*T) *Node[T]
	len        int
}

// NewList builds a List for entities that locate their embedded Node via
// node(item).
func NewList[T any](node func(*T) *Node[T]) *List[T] {
	return &List[T]{node: node}
}

// Len returns the number of entities currently linked into the list.
func (l *List[T]) Len() int { return l.len }

// Empty reports whether the list has no members.
func (l *List[T]) Empty() bool { return l.head == nil }

// Front returns the head entity, or nil if the list is empty.
func (l *List[T]) Front() *T { return l.head }

// Back returns the tail entity, or nil if the list is empty.
func (l *List[T]) Back() *T { return l.tail }

// Remove detaches item from whatever list it is linked into (must be this
// list — callers are expected to check membership via Node.Linked() plus
// whichever list pointer they track, per spec §9's list_id discipline).
func (l *List[T]) Remove(item *T) {
	n := l.node(item)
	if n.list != l {
		return
	}
	if n.prev != nil {
		l.node(n.prev).next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		l.node(n.next).prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.len--
}

// PushBack appends item to the tail of the list.
func (l *List[T]) PushBack(item *T) {
	n := l.node(item)
	n.prev = l.tail
	n.next = nil
	n.list = l
	if l.tail != nil {
		l.node(l.tail).next = item
	} else {
		l.head = item
	}
	l.tail = item
	l.len++
}

// PushFront prepends item to the head of the list.
func (l *List[T]) PushFront(item *T) {
	n := l.node(item)
	n.next = l.head
	n.prev = nil
	n.list = l
	if l.head != nil {
		l.node(l.head).prev = item
	} else {
		l.tail = item
	}
	l.head = item
	l.len++
}

// Next returns the entity following item in its list, or nil at the tail.
func (l *List[T]) Next(item *T) *T { return l.node(item).next }

// MoveTo detaches item from whichever list currently holds it (if any) and
// appends it to dst — the O(1), allocation-free "discriminated list_id"
// transition spec.md §9 calls for.
func MoveTo[T any](item *T, node func(*T) *Node[T], dst *List[T]) {
	if n := node(item); n.list != nil {
		n.list.Remove(item)
	}
	dst.PushBack(item)
}
