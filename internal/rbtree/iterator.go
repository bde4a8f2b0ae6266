package rbtree

// Iterator walks the tree in order. It stays valid across Put as long as the
// node it stands on is not removed.
type Iterator[K any] struct {
	tree  *Tree[K]
	node  *node[K]
	start *node[K]
	pos   position
}

type position byte

const (
	begin, onmyway, end position = 0, 1, 2
)

// SeekGE returns an iterator whose Next yields the smallest key >= key first.
func (t *Tree[K]) SeekGE(key K) *Iterator[K] {
	it := &Iterator[K]{tree: t, pos: begin, start: t.ceiling(key)}
	if it.start == nil {
		it.pos = end
	}
	return it
}

// SeekLE returns an iterator whose Prev yields the largest key <= key first.
func (t *Tree[K]) SeekLE(key K) *Iterator[K] {
	it := &Iterator[K]{tree: t, pos: end, start: t.floor(key)}
	if it.start == nil {
		it.pos = begin
	}
	return it
}

// Next moves to the next key.
func (it *Iterator[K]) Next() bool {
	switch it.pos {
	case end:
		it.node = nil
		return false
	case begin:
		n := it.start
		if n == nil {
			n = it.tree.left()
		}
		it.start = nil
		if n == nil {
			it.node = nil
			it.pos = end
			return false
		}
		it.node = n
		it.pos = onmyway
		return true
	}

	if it.node.right != nil {
		it.node = it.node.right
		for it.node.left != nil {
			it.node = it.node.left
		}
		return true
	}

	for it.node.parent != nil {
		child := it.node
		it.node = it.node.parent
		if child == it.node.left {
			return true
		}
	}
	it.node = nil
	it.pos = end
	return false
}

// Prev moves to the previous key.
func (it *Iterator[K]) Prev() bool {
	switch it.pos {
	case begin:
		it.node = nil
		return false
	case end:
		n := it.start
		if n == nil {
			n = it.tree.right()
		}
		it.start = nil
		if n == nil {
			it.node = nil
			it.pos = begin
			return false
		}
		it.node = n
		it.pos = onmyway
		return true
	}

	if it.node.left != nil {
		it.node = it.node.left
		for it.node.right != nil {
			it.node = it.node.right
		}
		return true
	}

	for it.node.parent != nil {
		child := it.node
		it.node = it.node.parent
		if child == it.node.right {
			return true
		}
	}
	it.node = nil
	it.pos = begin
	return false
}

// Key returns the current key. Only valid after Next or Prev returned true.
func (it *Iterator[K]) Key() K {
	return it.node.key
}
