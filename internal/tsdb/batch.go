package tsdb

import (
	"github.com/S0me0neR0man/tsstash/internal/model"
)

const (
	maxBatchBytes = 2 << 20
	maxBatchRows  = 4096
)

// batchCapacity is the row count that keeps a batch of columns under maxBatchBytes.
func batchCapacity(columns []model.Column) int {
	rowBytes := 0
	for _, c := range columns {
		rowBytes += c.Type.Width(c.Bytes)
	}
	if rowBytes == 0 || rowBytes*maxBatchRows <= maxBatchBytes {
		return maxBatchRows
	}
	if n := maxBatchBytes / rowBytes; n > 0 {
		return n
	}
	return 1
}

// DataBlockInfo describes the rows of a batch. Window runs from the first to the last
// row in scan order.
type DataBlockInfo struct {
	Table    model.TableID
	Rows     int
	Window   model.TimeWindow
	Composed bool
}

// ColumnData is one output column. Nulls[i] is set when row i has no value.
type ColumnData struct {
	Info   model.Column
	Values []model.Value
	Nulls  []bool
}

// Batch is a columnar slice of rows of one table. A pass-through batch carries only
// its Info until Reader.RetrieveDataBlock loads the columns.
type Batch struct {
	Info    DataBlockInfo
	Columns []*ColumnData
}

func newBatch(columns []model.Column, capacity int) *Batch {
	b := &Batch{Columns: make([]*ColumnData, len(columns))}
	for i, c := range columns {
		b.Columns[i] = &ColumnData{
			Info:   c,
			Values: make([]model.Value, 0, capacity),
			Nulls:  make([]bool, 0, capacity),
		}
	}
	return b
}

func (b *Batch) Rows() int {
	return b.Info.Rows
}

// Column returns the column with id, or nil.
func (b *Batch) Column(id model.ColumnID) *ColumnData {
	for _, c := range b.Columns {
		if c.Info.ID == id {
			return c
		}
	}
	return nil
}

// Timestamps returns the primary timestamp column values.
func (b *Batch) Timestamps() []int64 {
	c := b.Column(model.PrimaryTsColumn)
	if c == nil {
		return nil
	}
	ts := make([]int64, len(c.Values))
	for i, v := range c.Values {
		ts[i] = v.I
	}
	return ts
}

func (b *Batch) reset(table model.TableID, composed bool) {
	b.Info = DataBlockInfo{Table: table, Composed: composed}
	for _, c := range b.Columns {
		c.Values = c.Values[:0]
		c.Nulls = c.Nulls[:0]
	}
}

func (b *Batch) appendRow(row *model.Row) {
	if b.Info.Rows == 0 {
		b.Info.Window.Skey = row.Key.Ts
	}
	b.Info.Window.Ekey = row.Key.Ts
	b.Info.Rows++

	for _, c := range b.Columns {
		if c.Info.ID == model.PrimaryTsColumn {
			c.Values = append(c.Values, model.Value{I: row.Key.Ts})
			c.Nulls = append(c.Nulls, false)
			continue
		}
		cv := row.Col(c.Info.ID)
		c.Values = append(c.Values, cv.Val)
		c.Nulls = append(c.Nulls, cv.Flag != model.ValSet)
	}
}
