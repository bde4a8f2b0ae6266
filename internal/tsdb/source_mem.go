package tsdb

import (
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// memSource reads one table of a memory table, hiding rows outside the window or
// the visible version range.
type memSource struct {
	it       model.MemIterator
	order    model.Order
	window   model.TimeWindow
	versions model.VersionRange
	cur      RowInfo
	has      bool
}

func newMemSource(it model.MemIterator, table model.TableID, rank int, order model.Order,
	window model.TimeWindow, versions model.VersionRange) *memSource {
	s := &memSource{
		it:       it,
		order:    order,
		window:   window,
		versions: versions,
		cur:      RowInfo{Table: table, Rank: rank},
	}
	s.settle()
	return s
}

func (s *memSource) Peek() *RowInfo {
	if !s.has {
		return nil
	}
	return &s.cur
}

func (s *memSource) Advance(exclude *TableFilter) error {
	if !s.has {
		return nil
	}
	if exclude.Match(s.cur.Table) {
		s.has = false
		return nil
	}
	s.it.Next()
	s.settle()
	return nil
}

func (s *memSource) settle() {
	s.has = false
	lo, hi := s.window.Bounds()
	for row := s.it.Peek(); row != nil; row = s.it.Peek() {
		ts := row.Key.Ts
		if (s.order == model.Ascending && ts > hi) || (s.order == model.Descending && ts < lo) {
			return
		}
		if ts >= lo && ts <= hi && s.versions.Contains(row.Key.Version) {
			s.cur.Row = row
			s.cur.Key = row.Key
			s.has = true
			return
		}
		s.it.Next()
	}
}

// sliceSource serves rows that are already filtered and sorted in scan order.
type sliceSource struct {
	rows  []*model.Row
	pos   int
	cur   RowInfo
	table model.TableID
}

func newSliceSource(table model.TableID, rank int, rows []*model.Row) *sliceSource {
	s := &sliceSource{rows: rows, table: table, cur: RowInfo{Table: table, Rank: rank}}
	s.settle()
	return s
}

func (s *sliceSource) Peek() *RowInfo {
	if s.pos >= len(s.rows) {
		return nil
	}
	return &s.cur
}

func (s *sliceSource) Advance(exclude *TableFilter) error {
	if s.pos >= len(s.rows) {
		return nil
	}
	if exclude.Match(s.table) {
		s.pos = len(s.rows)
		return nil
	}
	s.pos++
	s.settle()
	return nil
}

func (s *sliceSource) settle() {
	if s.pos < len(s.rows) {
		s.cur.Row = s.rows[s.pos]
		s.cur.Key = s.cur.Row.Key
	}
}
