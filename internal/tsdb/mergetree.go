package tsdb

import (
	"fmt"

	"github.com/S0me0neR0man/tsstash/internal/model"
	"github.com/S0me0neR0man/tsstash/internal/rbtree"
)

// SourceID is a stable handle of a source registered in a MergeTree.
type SourceID int

const noSource SourceID = -1

// MergeTree is a k-way merge of sorted runs. The tree holds source handles ordered by
// their head rows; the source currently being consumed is kept out of the tree while
// it stays ahead of the tree minimum.
type MergeTree struct {
	order   model.Order
	sources []RowSource
	tree    *rbtree.Tree[SourceID]
	held    SourceID
	exclude *TableFilter
	dropped int
}

func NewMergeTree(order model.Order) *MergeTree {
	m := &MergeTree{order: order, held: noSource}
	m.tree = rbtree.New(m.compare)
	return m
}

func (m *MergeTree) compare(a, b SourceID) int {
	if a == b {
		return 0
	}
	c := compareRowInfo(m.order, m.sources[a].Peek(), m.sources[b].Peek())
	if c == 0 {
		panic(fmt.Sprintf("merge tree: sources %d and %d report the same head %s/%s",
			a, b, m.sources[a].Peek().Table, m.sources[a].Peek().Key))
	}
	return c
}

// Add registers src. Exhausted sources get a handle but never enter the tree.
func (m *MergeTree) Add(src RowSource) SourceID {
	id := SourceID(len(m.sources))
	m.sources = append(m.sources, src)
	if src.Peek() != nil {
		m.tree.Put(id)
	}
	return id
}

// Exclude installs a filter: rows matching it are skipped from now on.
func (m *MergeTree) Exclude(f *TableFilter) {
	m.exclude = f
}

// Dropped returns how many head rows the filter made the tree skip. Rows a source
// skipped on its own while advancing are counted by the source.
func (m *MergeTree) Dropped() int {
	return m.dropped
}

// Peek returns the smallest head row over all sources, or nil when every source is
// exhausted. The row stays valid until the next Pop.
func (m *MergeTree) Peek() (*RowInfo, error) {
	for {
		if m.held == noSource {
			id, ok := m.tree.PopMin()
			if !ok {
				return nil, nil
			}
			m.held = id
		}
		head := m.sources[m.held].Peek()
		if head == nil {
			m.held = noSource
			continue
		}
		if !m.exclude.Match(head.Table) {
			return head, nil
		}
		if head.Block != nil {
			m.dropped += head.Block.Rows
		} else {
			m.dropped++
		}
		if err := m.advanceHeld(); err != nil {
			return nil, err
		}
	}
}

// Pop consumes the row returned by Peek.
func (m *MergeTree) Pop() error {
	if m.held == noSource {
		return nil
	}
	return m.advanceHeld()
}

// Next returns the next row in merge order and consumes it.
func (m *MergeTree) Next() (*RowInfo, error) {
	head, err := m.Peek()
	if err != nil || head == nil {
		return nil, err
	}
	info := *head
	if err := m.Pop(); err != nil {
		return nil, err
	}
	return &info, nil
}

// advanceHeld moves the held source on and keeps holding it while it is still
// ahead of the tree minimum.
func (m *MergeTree) advanceHeld() error {
	src := m.sources[m.held]
	if err := src.Advance(m.exclude); err != nil {
		return err
	}
	if src.Peek() == nil {
		m.held = noSource
		return nil
	}
	if min, ok := m.tree.Min(); ok && m.compare(m.held, min) > 0 {
		m.tree.Put(m.held)
		m.held = noSource
	}
	return nil
}
