package model

import (
	"fmt"
	"sort"
)

type ColumnID int16

// PrimaryTsColumn is the timestamp column every schema starts with.
const PrimaryTsColumn ColumnID = 1

type ColType uint8

const (
	TypeBool ColType = iota + 1
	TypeInt
	TypeFloat
	TypeTimestamp
	TypeBinary
)

// Width is the byte width used when sizing output batches.
func (t ColType) Width(bytes int32) int {
	switch t {
	case TypeBool:
		return 1
	case TypeInt, TypeFloat, TypeTimestamp:
		return 8
	case TypeBinary:
		if bytes > 0 {
			return int(bytes)
		}
		return 8
	}
	return 8
}

func (t ColType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeTimestamp:
		return "timestamp"
	case TypeBinary:
		return "binary"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

type Column struct {
	ID    ColumnID `yaml:"id"`
	Type  ColType  `yaml:"type"`
	Bytes int32    `yaml:"bytes"`
}

// Schema lists a table's columns sorted by id; Columns[0] is the primary timestamp.
type Schema struct {
	Version int32    `yaml:"version"`
	Columns []Column `yaml:"columns"`
}

// Find returns the position of column id, or -1.
func (s *Schema) Find(id ColumnID) int {
	i := sort.Search(len(s.Columns), func(i int) bool { return s.Columns[i].ID >= id })
	if i < len(s.Columns) && s.Columns[i].ID == id {
		return i
	}
	return -1
}

// ValFlag tells an absent value (never written) from an explicit null.
type ValFlag uint8

const (
	ValNone ValFlag = iota
	ValNull
	ValSet
)

type Value struct {
	I int64   `msgpack:"i,omitempty"`
	F float64 `msgpack:"f,omitempty"`
	B []byte  `msgpack:"b,omitempty"`
}

type ColVal struct {
	ID   ColumnID
	Flag ValFlag
	Val  Value
}

func Int(id ColumnID, v int64) ColVal {
	return ColVal{ID: id, Flag: ValSet, Val: Value{I: v}}
}

func Float(id ColumnID, v float64) ColVal {
	return ColVal{ID: id, Flag: ValSet, Val: Value{F: v}}
}

func Bool(id ColumnID, v bool) ColVal {
	c := ColVal{ID: id, Flag: ValSet}
	if v {
		c.Val.I = 1
	}
	return c
}

func Binary(id ColumnID, v []byte) ColVal {
	return ColVal{ID: id, Flag: ValSet, Val: Value{B: v}}
}

func Null(id ColumnID) ColVal {
	return ColVal{ID: id, Flag: ValNull}
}

// Row is one physical row version. Cols holds only the columns the write carried,
// sorted by id; the timestamp lives in Key.
type Row struct {
	Key  RowKey
	SVer int32
	Cols []ColVal
}

func NewRow(ts int64, version uint64, sver int32, cols ...ColVal) *Row {
	r := &Row{Key: RowKey{Ts: ts, Version: version}, SVer: sver, Cols: cols}
	sort.Slice(r.Cols, func(i, j int) bool { return r.Cols[i].ID < r.Cols[j].ID })
	return r
}

// Col returns the value of column id; absent columns report ValNone.
func (r *Row) Col(id ColumnID) ColVal {
	i := sort.Search(len(r.Cols), func(i int) bool { return r.Cols[i].ID >= id })
	if i < len(r.Cols) && r.Cols[i].ID == id {
		return r.Cols[i]
	}
	return ColVal{ID: id}
}

func (r *Row) String() string {
	return fmt.Sprintf("row{%s sver=%d cols=%d}", r.Key, r.SVer, len(r.Cols))
}

// UnmarshalYAML accepts type names such as "int" or "timestamp".
func (t *ColType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	for c := TypeBool; c <= TypeBinary; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown column type %q", s)
}
