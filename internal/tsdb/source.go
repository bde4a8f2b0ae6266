package tsdb

import (
	"fmt"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// Source ranks break ties between equal keys: a higher rank is applied later and wins.
const (
	rankData = 0
	rankStt  = 1 // + stt file position, newer files rank higher
	rankImem = 1 << 20
	rankMem  = rankImem + 1
)

// RowInfo is the head row of a source.
type RowInfo struct {
	Table model.TableID
	Key   model.RowKey
	Row   *model.Row
	Rank  int
	// Block is set instead of Row when a data block is handed over without decoding.
	// Key is then the block's first key.
	Block *model.BlockInfo
}

// TableFilter excludes one table (Uid != 0) or a whole super table family.
type TableFilter struct {
	Suid uint64
	Uid  uint64
}

func (f *TableFilter) Match(t model.TableID) bool {
	if f == nil {
		return false
	}
	if f.Uid != 0 {
		return t.Uid == f.Uid
	}
	return f.Suid != 0 && t.Suid == f.Suid
}

func (f *TableFilter) String() string {
	if f == nil {
		return "none"
	}
	return fmt.Sprintf("%d.%d", f.Suid, f.Uid)
}

// RowSource is one sorted run of rows. Rows come grouped by table in TableID order and,
// inside a table, in scan order.
type RowSource interface {
	// Peek returns the head row, or nil once the source is exhausted.
	Peek() *RowInfo
	// Advance moves past the head row and then past every row matching exclude.
	Advance(exclude *TableFilter) error
}

// compareRowInfo orders heads by table, then key in scan order, then rank.
func compareRowInfo(order model.Order, a, b *RowInfo) int {
	if c := a.Table.Compare(b.Table); c != 0 {
		return c
	}
	if c := order.CompareKeys(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Rank < b.Rank:
		return -1
	case a.Rank > b.Rank:
		return 1
	}
	return 0
}
