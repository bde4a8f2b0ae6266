package membuf

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
	"github.com/S0me0neR0man/tsstash/internal/rbtree"
)

func rowCmp(a, b *model.Row) int {
	return a.Key.Compare(b.Key)
}

// MemTable is the in-memory write buffer: one ordered tree of rows per table.
// Writing the same (ts, version) twice keeps the last write.
type MemTable struct {
	mu     sync.RWMutex
	tables map[model.TableID]*rbtree.Tree[*model.Row]
	rows   int64
	sugar  *zap.SugaredLogger
}

func NewMemTable(logger *zap.Logger) *MemTable {
	return &MemTable{
		tables: make(map[model.TableID]*rbtree.Tree[*model.Row]),
		sugar:  logger.Sugar(),
	}
}

func (m *MemTable) Put(table model.TableID, rows ...*model.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, ok := m.tables[table]
	if !ok {
		tree = rbtree.New(rowCmp)
		m.tables[table] = tree
	}
	for _, r := range rows {
		if tree.Put(r) {
			atomic.AddInt64(&m.rows, 1)
		}
	}
}

func (m *MemTable) Len(table model.TableID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tree, ok := m.tables[table]; ok {
		return tree.Len()
	}
	return 0
}

// Rows returns the number of rows over all tables.
func (m *MemTable) Rows() int64 {
	return atomic.LoadInt64(&m.rows)
}

// Tables lists the tables holding rows, sorted.
func (m *MemTable) Tables() []model.TableID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]model.TableID, 0, len(m.tables))
	for id := range m.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

func (m *MemTable) Iterator(table model.TableID, start model.RowKey, order model.Order) model.MemIterator {
	m.mu.RLock()
	tree, ok := m.tables[table]
	if !ok || tree.IsEmpty() {
		m.mu.RUnlock()
		return nil
	}
	it := &Iterator{mt: m, order: order}
	if order == model.Ascending {
		it.it = tree.SeekGE(&model.Row{Key: model.RowKey{Ts: start.Ts}})
	} else {
		it.it = tree.SeekLE(&model.Row{Key: model.RowKey{Ts: start.Ts, Version: ^uint64(0)}})
	}
	m.mu.RUnlock()

	it.fill()
	return it
}

// Iterator yields rows in scan order. Going backwards it buffers the versions of one
// timestamp so they still come out oldest first.
type Iterator struct {
	mt    *MemTable
	it    *rbtree.Iterator[*model.Row]
	order model.Order
	group []*model.Row
	pos   int
	done  bool
	back  *model.Row
}

func (it *Iterator) Peek() *model.Row {
	if it.pos < len(it.group) {
		return it.group[it.pos]
	}
	return nil
}

func (it *Iterator) Next() {
	if it.pos < len(it.group) {
		it.pos++
	}
	if it.pos >= len(it.group) {
		it.fill()
	}
}

func (it *Iterator) fill() {
	it.group = it.group[:0]
	it.pos = 0
	if it.done {
		return
	}

	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	if it.order == model.Ascending {
		if it.it.Next() {
			it.group = append(it.group, it.it.Key())
		} else {
			it.done = true
		}
		return
	}

	// descending: collect every version of the next timestamp
	if it.back != nil {
		it.group = append(it.group, it.back)
		it.back = nil
	}
	for {
		if !it.it.Prev() {
			it.done = true
			break
		}
		r := it.it.Key()
		if len(it.group) > 0 && r.Key.Ts != it.group[0].Key.Ts {
			it.back = r
			break
		}
		it.group = append(it.group, r)
	}
	for i, j := 0, len(it.group)-1; i < j; i, j = i+1, j-1 {
		it.group[i], it.group[j] = it.group[j], it.group[i]
	}
}
