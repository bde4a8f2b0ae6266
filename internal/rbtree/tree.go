package rbtree

type color bool

const (
	black, red color = true, false
)

// Tree is an ordered set of keys. Equal keys (cmp == 0) replace each other.
// Not safe for concurrent use; callers hold their own lock.
type Tree[K any] struct {
	root *node[K]
	size int
	cmp  func(a, b K) int
}

type node[K any] struct {
	key    K
	color  color
	left   *node[K]
	right  *node[K]
	parent *node[K]
}

func New[K any](cmp func(a, b K) int) *Tree[K] {
	return &Tree[K]{cmp: cmp}
}

// Put inserts key. It returns false when an equal key was replaced.
func (t *Tree[K]) Put(key K) bool {
	if t.root == nil {
		t.root = &node[K]{key: key, color: black}
		t.size++
		return true
	}

	cur := t.root
	for {
		c := t.cmp(key, cur.key)
		switch {
		case c == 0:
			cur.key = key
			return false
		case c < 0:
			if cur.left == nil {
				cur.left = &node[K]{key: key, color: red, parent: cur}
				t.insertCase1(cur.left)
				t.size++
				return true
			}
			cur = cur.left
		default:
			if cur.right == nil {
				cur.right = &node[K]{key: key, color: red, parent: cur}
				t.insertCase1(cur.right)
				t.size++
				return true
			}
			cur = cur.right
		}
	}
}

// PopMin removes and returns the smallest key.
func (t *Tree[K]) PopMin() (K, bool) {
	n := t.left()
	if n == nil {
		var zero K
		return zero, false
	}
	key := n.key
	t.removeNode(n)
	return key, true
}

func (t *Tree[K]) removeNode(del *node[K]) {
	if del.left != nil && del.right != nil {
		pred := del.left.maximumNode()
		del.key = pred.key
		del = pred
	}

	var child *node[K]
	if del.right == nil {
		child = del.left
	} else {
		child = del.right
	}
	if del.color == black {
		del.color = nodeColor(child)
		t.deleteCase1(del)
	}
	t.replaceNode(del, child)
	if del.parent == nil && child != nil {
		child.color = black
	}
	t.size--
}

func (t *Tree[K]) IsEmpty() bool {
	return t.size == 0
}

func (t *Tree[K]) Len() int {
	return t.size
}

// Min returns the smallest key.
func (t *Tree[K]) Min() (K, bool) {
	if n := t.left(); n != nil {
		return n.key, true
	}
	var zero K
	return zero, false
}

func (t *Tree[K]) left() *node[K] {
	var parent *node[K]
	for cur := t.root; cur != nil; cur = cur.left {
		parent = cur
	}
	return parent
}

func (t *Tree[K]) right() *node[K] {
	var parent *node[K]
	for cur := t.root; cur != nil; cur = cur.right {
		parent = cur
	}
	return parent
}

func (t *Tree[K]) floor(key K) *node[K] {
	var found *node[K]
	for cur := t.root; cur != nil; {
		c := t.cmp(cur.key, key)
		switch {
		case c == 0:
			return cur
		case c > 0:
			cur = cur.left
		default:
			found = cur
			cur = cur.right
		}
	}
	return found
}

func (t *Tree[K]) ceiling(key K) *node[K] {
	var found *node[K]
	for cur := t.root; cur != nil; {
		c := t.cmp(cur.key, key)
		switch {
		case c == 0:
			return cur
		case c > 0:
			found = cur
			cur = cur.left
		default:
			cur = cur.right
		}
	}
	return found
}

func (n *node[K]) grandparent() *node[K] {
	if n != nil && n.parent != nil {
		return n.parent.parent
	}
	return nil
}

func (n *node[K]) uncle() *node[K] {
	if n == nil || n.parent == nil || n.parent.parent == nil {
		return nil
	}
	return n.parent.sibling()
}

func (n *node[K]) sibling() *node[K] {
	if n == nil || n.parent == nil {
		return nil
	}
	if n == n.parent.left {
		return n.parent.right
	}
	return n.parent.left
}

func (n *node[K]) maximumNode() *node[K] {
	cur := n
	for cur != nil && cur.right != nil {
		cur = cur.right
	}
	return cur
}

func (t *Tree[K]) rotateLeft(n *node[K]) {
	right := n.right
	t.replaceNode(n, right)
	n.right = right.left
	if right.left != nil {
		right.left.parent = n
	}
	right.left = n
	n.parent = right
}

func (t *Tree[K]) rotateRight(n *node[K]) {
	left := n.left
	t.replaceNode(n, left)
	n.left = left.right
	if left.right != nil {
		left.right.parent = n
	}
	left.right = n
	n.parent = left
}

func (t *Tree[K]) replaceNode(old, new *node[K]) {
	if old.parent == nil {
		t.root = new
	} else if old == old.parent.left {
		old.parent.left = new
	} else {
		old.parent.right = new
	}
	if new != nil {
		new.parent = old.parent
	}
}

func (t *Tree[K]) insertCase1(n *node[K]) {
	if n.parent == nil {
		n.color = black
		return
	}
	if nodeColor(n.parent) == black {
		return
	}
	t.insertCase3(n)
}

func (t *Tree[K]) insertCase3(n *node[K]) {
	uncle := n.uncle()
	if nodeColor(uncle) == red {
		n.parent.color = black
		uncle.color = black
		n.grandparent().color = red
		t.insertCase1(n.grandparent())
		return
	}
	t.insertCase4(n)
}

func (t *Tree[K]) insertCase4(n *node[K]) {
	gp := n.grandparent()
	if n == n.parent.right && n.parent == gp.left {
		t.rotateLeft(n.parent)
		n = n.left
	} else if n == n.parent.left && n.parent == gp.right {
		t.rotateRight(n.parent)
		n = n.right
	}

	n.parent.color = black
	gp = n.grandparent()
	gp.color = red
	if n == n.parent.left && n.parent == gp.left {
		t.rotateRight(gp)
	} else if n == n.parent.right && n.parent == gp.right {
		t.rotateLeft(gp)
	}
}

func (t *Tree[K]) deleteCase1(n *node[K]) {
	if n.parent == nil {
		return
	}
	t.deleteCase2(n)
}

func (t *Tree[K]) deleteCase2(n *node[K]) {
	sib := n.sibling()
	if nodeColor(sib) == red {
		n.parent.color = red
		sib.color = black
		if n == n.parent.left {
			t.rotateLeft(n.parent)
		} else {
			t.rotateRight(n.parent)
		}
	}
	t.deleteCase3(n)
}

func (t *Tree[K]) deleteCase3(n *node[K]) {
	sib := n.sibling()
	if nodeColor(n.parent) == black &&
		nodeColor(sib) == black &&
		nodeColor(sib.left) == black &&
		nodeColor(sib.right) == black {
		sib.color = red
		t.deleteCase1(n.parent)
		return
	}
	t.deleteCase4(n)
}

func (t *Tree[K]) deleteCase4(n *node[K]) {
	sib := n.sibling()
	if nodeColor(n.parent) == red &&
		nodeColor(sib) == black &&
		nodeColor(sib.left) == black &&
		nodeColor(sib.right) == black {
		sib.color = red
		n.parent.color = black
		return
	}
	t.deleteCase5(n)
}

func (t *Tree[K]) deleteCase5(n *node[K]) {
	sib := n.sibling()
	if n == n.parent.left &&
		nodeColor(sib) == black &&
		nodeColor(sib.left) == red &&
		nodeColor(sib.right) == black {
		sib.color = red
		sib.left.color = black
		t.rotateRight(sib)
	} else if n == n.parent.right &&
		nodeColor(sib) == black &&
		nodeColor(sib.right) == red &&
		nodeColor(sib.left) == black {
		sib.color = red
		sib.right.color = black
		t.rotateLeft(sib)
	}

	sib = n.sibling()
	sib.color = nodeColor(n.parent)
	n.parent.color = black
	if n == n.parent.left && nodeColor(sib.right) == red {
		sib.right.color = black
		t.rotateLeft(n.parent)
	} else if nodeColor(sib.left) == red {
		sib.left.color = black
		t.rotateRight(n.parent)
	}
}

func nodeColor[K any](n *node[K]) color {
	if n == nil {
		return black
	}
	return n.color
}
