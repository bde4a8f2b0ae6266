package tsdb

import (
	"github.com/pkg/errors"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// RowMerger folds the rows of one timestamp into one. Rows are merged oldest first;
// the last row carrying a value for a column wins that column.
type RowMerger struct {
	schema *model.Schema
	key    model.RowKey
	vals   []model.ColVal
	n      int
}

func (m *RowMerger) reset(schema *model.Schema) {
	m.schema = schema
	if cap(m.vals) < len(schema.Columns) {
		m.vals = make([]model.ColVal, len(schema.Columns))
	}
	m.vals = m.vals[:len(schema.Columns)]
	for i, c := range schema.Columns {
		m.vals[i] = model.ColVal{ID: c.ID}
	}
}

// Init starts a new merged row from first.
func (m *RowMerger) Init(first *model.Row, schema *model.Schema) {
	m.reset(schema)
	m.key = first.Key
	m.n = 0
	m.apply(first)
}

// Merge folds row in. A row written under a newer schema moves the merged row to it;
// values of columns the newer schema dropped are lost.
func (m *RowMerger) Merge(row *model.Row, schema *model.Schema) {
	if row.Key.Ts != m.key.Ts {
		panic("row merger: merging rows of different timestamps")
	}
	if schema.Version > m.schema.Version {
		old := append([]model.ColVal(nil), m.vals...)
		m.reset(schema)
		for _, cv := range old {
			if i := schema.Find(cv.ID); i >= 0 {
				m.vals[i] = cv
			}
		}
	}
	if row.Key.Version > m.key.Version {
		m.key.Version = row.Key.Version
	}
	m.apply(row)
}

func (m *RowMerger) apply(row *model.Row) {
	m.n++
	for _, cv := range row.Cols {
		if cv.Flag == model.ValNone || cv.ID == model.PrimaryTsColumn {
			continue
		}
		if i := m.schema.Find(cv.ID); i >= 0 {
			m.vals[i] = cv
		}
	}
}

// Merged returns how many rows went into the current row.
func (m *RowMerger) Merged() int {
	return m.n
}

// Finalize returns the merged row. Columns no row had a value for come out as null.
// The timestamp lives in the key, never among the columns.
func (m *RowMerger) Finalize() *model.Row {
	row := &model.Row{Key: m.key, SVer: m.schema.Version, Cols: make([]model.ColVal, 0, len(m.vals))}
	for _, cv := range m.vals {
		if cv.ID == model.PrimaryTsColumn {
			continue
		}
		if cv.Flag == model.ValNone {
			cv = model.Null(cv.ID)
		}
		row.Cols = append(row.Cols, cv)
	}
	return row
}

// schemaCache keeps the schema of the last row seen; consecutive rows nearly always
// share one.
type schemaCache struct {
	catalog model.Catalog
	owner   uint64
	version int32
	schema  *model.Schema
}

func (c *schemaCache) get(table model.TableID, version int32) (*model.Schema, error) {
	owner := table.SchemaOwner()
	if c.schema != nil && c.owner == owner && c.version == version {
		return c.schema, nil
	}
	s, err := c.catalog.Schema(owner, version)
	if errors.Is(err, model.ErrNotFound) {
		// rows written before the catalog knew the version fall back to the latest
		s, err = c.catalog.Schema(owner, -1)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "schema of %s version %d", table, version)
	}
	c.owner, c.version, c.schema = owner, version, s
	return s, nil
}

// collect pops the head of mt and every following row of the same table and timestamp,
// and returns them merged. It returns nil when mt is exhausted.
func collect(mt *MergeTree, merger *RowMerger, schemas *schemaCache) (*RowInfo, error) {
	head, err := mt.Peek()
	if err != nil || head == nil {
		return nil, err
	}
	first := *head
	schema, err := schemas.get(first.Table, first.Row.SVer)
	if err != nil {
		return nil, err
	}
	merger.Init(first.Row, schema)
	if err := mt.Pop(); err != nil {
		return nil, err
	}

	for {
		next, err := mt.Peek()
		if err != nil {
			return nil, err
		}
		if next == nil || next.Block != nil || next.Table != first.Table || next.Key.Ts != first.Key.Ts {
			break
		}
		schema, err := schemas.get(next.Table, next.Row.SVer)
		if err != nil {
			return nil, err
		}
		merger.Merge(next.Row, schema)
		if err := mt.Pop(); err != nil {
			return nil, err
		}
	}

	first.Row = merger.Finalize()
	first.Key = first.Row.Key
	return &first, nil
}
