package tsdb

import (
	"sort"

	"github.com/S0me0neR0man/tsstash/internal/model"
	"github.com/S0me0neR0man/tsstash/internal/rbtree"
)

// tableScanState is what the reader knows about one queried table. Memory sources
// live for the whole scan; stt rows, blocks and skip counts belong to the current
// file set.
type tableScanState struct {
	table   model.TableID
	dropped bool

	mem  *memSource
	imem *memSource

	stt    []*sliceSource
	blocks []model.BlockInfo
	// skip counts the leading rows of blocks[i] already merged with the block before it
	skip map[int]int
}

func (st *tableScanState) enterFileSet() {
	st.stt = st.stt[:0]
	st.blocks = st.blocks[:0]
	st.skip = nil
}

// pendingSources are the non-block sources of the table that still hold rows.
func (st *tableScanState) pendingSources() []RowSource {
	var srcs []RowSource
	if st.mem != nil && st.mem.Peek() != nil {
		srcs = append(srcs, st.mem)
	}
	if st.imem != nil && st.imem.Peek() != nil {
		srcs = append(srcs, st.imem)
	}
	for _, s := range st.stt {
		if s.Peek() != nil {
			srcs = append(srcs, s)
		}
	}
	return srcs
}

// pendingKey is the earliest key over memory and stt rows, or nil.
func (st *tableScanState) pendingKey(order model.Order) *model.RowKey {
	var best *model.RowKey
	for _, src := range st.pendingSources() {
		h := src.Peek()
		if best == nil || order.CompareKeys(h.Key, *best) < 0 {
			k := h.Key
			best = &k
		}
	}
	return best
}

// blockRef points at blocks[idx] of states[state].
type blockRef struct {
	state int
	idx   int
}

type blockCursor struct {
	state  int
	idx    int
	offset int64
}

// orderBlocks merges the per-table block lists into one visiting order by file offset,
// which approximates sequential IO. Each table's blocks stay in scan order.
func orderBlocks(states []*tableScanState, order model.Order) []blockRef {
	sign := int64(1)
	if order == model.Descending {
		sign = -1
	}
	tree := rbtree.New(func(a, b *blockCursor) int {
		switch d := sign * (a.offset - b.offset); {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
		return 0
	})

	total := 0
	for i, st := range states {
		if len(st.blocks) > 0 && !st.dropped {
			tree.Put(&blockCursor{state: i, offset: st.blocks[0].Offset})
			total += len(st.blocks)
		}
	}
	refs := make([]blockRef, 0, total)
	for {
		c, ok := tree.PopMin()
		if !ok {
			break
		}
		refs = append(refs, blockRef{state: c.state, idx: c.idx})
		if blocks := states[c.state].blocks; c.idx+1 < len(blocks) {
			c.idx++
			c.offset = blocks[c.idx].Offset
			tree.Put(c)
		}
	}
	return refs
}

// sortScanOrder sorts rows that are ascending by key into scan order.
func sortScanOrder(rows []*model.Row, order model.Order) {
	if order == model.Ascending {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return order.CompareKeys(rows[i].Key, rows[j].Key) < 0
	})
}

// visibleRows returns the rows of table in block that fall inside the window and the
// version range, in scan order.
func visibleRows(block *model.BlockData, table model.TableID, p blockPolicy) []*model.Row {
	rows := make([]*model.Row, 0, block.NumRows())
	for i := 0; i < block.NumRows(); i++ {
		if block.Table(i) != table {
			continue
		}
		k := block.Keys[i]
		if !p.window.Contains(k.Ts) || !p.versions.Contains(k.Version) {
			continue
		}
		rows = append(rows, block.Row(i))
	}
	sortScanOrder(rows, p.order)
	return rows
}
