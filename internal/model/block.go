package model

import (
	"sort"
)

// BlockInfo describes one block inside a data or stt file.
// Rows inside a block are sorted by (table, RowKey) ascending.
type BlockInfo struct {
	MinKey   RowKey `msgpack:"mink"`
	MaxKey   RowKey `msgpack:"maxk"`
	MinVer   uint64 `msgpack:"minv"`
	MaxVer   uint64 `msgpack:"maxv"`
	Rows     int    `msgpack:"rows"`
	HasDup   bool   `msgpack:"dup"`
	Offset   int64  `msgpack:"off"`
	Size     int32  `msgpack:"size"`
	Checksum uint64 `msgpack:"sum"`
}

// BlockIdx is the per-table directory entry of a data file.
type BlockIdx struct {
	Table  TableID     `msgpack:"tb"`
	Blocks []BlockInfo `msgpack:"blks"`
}

// SttBlk describes a block of an stt file. It may hold rows of several child tables
// of one super table.
type SttBlk struct {
	Suid   uint64 `msgpack:"suid"`
	MinUid uint64 `msgpack:"minu"`
	MaxUid uint64 `msgpack:"maxu"`
	BlockInfo
}

func (b *SttBlk) MayContain(table TableID) bool {
	return b.Suid == table.Suid && table.Uid >= b.MinUid && table.Uid <= b.MaxUid
}

// ColData is one column of a BlockData.
type ColData struct {
	ID    ColumnID  `msgpack:"id"`
	Flags []ValFlag `msgpack:"fl"`
	Vals  []Value   `msgpack:"vs"`
}

// BlockData is the decoded, columnar body of a block.
// Uids is set per row when the block mixes tables of one super table (stt blocks).
type BlockData struct {
	Suid  uint64    `msgpack:"suid"`
	Uid   uint64    `msgpack:"uid"`
	Uids  []uint64  `msgpack:"uids,omitempty"`
	Keys  []RowKey  `msgpack:"keys"`
	SVers []int32   `msgpack:"svers"`
	Cols  []ColData `msgpack:"cols"`
}

func NewBlockData(table TableID) *BlockData {
	return &BlockData{Suid: table.Suid, Uid: table.Uid}
}

func (b *BlockData) NumRows() int {
	return len(b.Keys)
}

// Table returns the owner of row i.
func (b *BlockData) Table(i int) TableID {
	if b.Uids != nil {
		return TableID{Suid: b.Suid, Uid: b.Uids[i]}
	}
	return TableID{Suid: b.Suid, Uid: b.Uid}
}

// Append adds a row owned by table. Tables other than the block's own switch the block
// into per-row uid mode; callers keep rows sorted by (uid, key).
func (b *BlockData) Append(table TableID, row *Row) {
	if table.Uid != b.Uid && b.Uids == nil {
		b.Uids = make([]uint64, len(b.Keys), len(b.Keys)+1)
		for i := range b.Uids {
			b.Uids[i] = b.Uid
		}
		b.Uid = 0
	}
	if b.Uids != nil {
		b.Uids = append(b.Uids, table.Uid)
	}
	n := len(b.Keys)
	b.Keys = append(b.Keys, row.Key)
	b.SVers = append(b.SVers, row.SVer)

	for _, cv := range row.Cols {
		if cv.Flag == ValNone {
			continue
		}
		c := b.column(cv.ID, n)
		c.Flags = append(c.Flags, cv.Flag)
		c.Vals = append(c.Vals, cv.Val)
	}
	for i := range b.Cols {
		if len(b.Cols[i].Flags) == n {
			b.Cols[i].Flags = append(b.Cols[i].Flags, ValNone)
			b.Cols[i].Vals = append(b.Cols[i].Vals, Value{})
		}
	}
}

// column returns column id, creating it backfilled with n absent values if needed.
func (b *BlockData) column(id ColumnID, n int) *ColData {
	i := sort.Search(len(b.Cols), func(i int) bool { return b.Cols[i].ID >= id })
	if i < len(b.Cols) && b.Cols[i].ID == id {
		return &b.Cols[i]
	}
	b.Cols = append(b.Cols, ColData{})
	copy(b.Cols[i+1:], b.Cols[i:])
	b.Cols[i] = ColData{ID: id, Flags: make([]ValFlag, n, n+1), Vals: make([]Value, n, n+1)}
	return &b.Cols[i]
}

// Row rebuilds row i; absent values are left out.
func (b *BlockData) Row(i int) *Row {
	r := &Row{Key: b.Keys[i], SVer: b.SVers[i], Cols: make([]ColVal, 0, len(b.Cols))}
	for _, c := range b.Cols {
		if c.Flags[i] == ValNone {
			continue
		}
		r.Cols = append(r.Cols, ColVal{ID: c.ID, Flag: c.Flags[i], Val: c.Vals[i]})
	}
	return r
}

// Project drops every column not listed in ids. A nil ids keeps all columns.
func (b *BlockData) Project(ids []ColumnID) {
	if ids == nil {
		return
	}
	kept := b.Cols[:0]
	for _, c := range b.Cols {
		for _, id := range ids {
			if c.ID == id {
				kept = append(kept, c)
				break
			}
		}
	}
	b.Cols = kept
}

// Info computes the block's key/version bounds. Offset, size and checksum are left to the writer.
func (b *BlockData) Info() BlockInfo {
	info := BlockInfo{Rows: len(b.Keys)}
	if len(b.Keys) == 0 {
		return info
	}
	info.MinKey = b.Keys[0]
	info.MaxKey = b.Keys[0]
	info.MinVer = b.Keys[0].Version
	info.MaxVer = b.Keys[0].Version
	for i, k := range b.Keys {
		if k.Compare(info.MinKey) < 0 {
			info.MinKey = k
		}
		if k.Compare(info.MaxKey) > 0 {
			info.MaxKey = k
		}
		if k.Version < info.MinVer {
			info.MinVer = k.Version
		}
		if k.Version > info.MaxVer {
			info.MaxVer = k.Version
		}
		if i > 0 && k.Ts == b.Keys[i-1].Ts && b.Table(i) == b.Table(i-1) {
			info.HasDup = true
		}
	}
	return info
}

// SttInfo is Info plus the uid span of the block.
func (b *BlockData) SttInfo() SttBlk {
	blk := SttBlk{Suid: b.Suid, BlockInfo: b.Info()}
	if b.Uids == nil {
		blk.MinUid, blk.MaxUid = b.Uid, b.Uid
		return blk
	}
	blk.MinUid, blk.MaxUid = b.Uids[0], b.Uids[0]
	for _, u := range b.Uids {
		if u < blk.MinUid {
			blk.MinUid = u
		}
		if u > blk.MaxUid {
			blk.MaxUid = u
		}
	}
	return blk
}
