package model

import (
	"fmt"
	"math"
)

// TableID identifies a table and its parent super table (Suid == 0 for normal tables).
type TableID struct {
	Suid uint64 `msgpack:"s" yaml:"suid"`
	Uid  uint64 `msgpack:"u" yaml:"uid"`
}

func (t TableID) IsZero() bool {
	return t.Suid == 0 && t.Uid == 0
}

// SchemaOwner returns the id the table's schema is registered under.
func (t TableID) SchemaOwner() uint64 {
	if t.Suid != 0 {
		return t.Suid
	}
	return t.Uid
}

// Compare orders by super table, then table.
func (t TableID) Compare(o TableID) int {
	switch {
	case t.Suid < o.Suid:
		return -1
	case t.Suid > o.Suid:
		return 1
	case t.Uid < o.Uid:
		return -1
	case t.Uid > o.Uid:
		return 1
	}
	return 0
}

func (t TableID) String() string {
	return fmt.Sprintf("%d.%d", t.Suid, t.Uid)
}

// RowKey orders rows by timestamp, then version.
type RowKey struct {
	Ts      int64  `msgpack:"t"`
	Version uint64 `msgpack:"v"`
}

func (k RowKey) Compare(o RowKey) int {
	switch {
	case k.Ts < o.Ts:
		return -1
	case k.Ts > o.Ts:
		return 1
	case k.Version < o.Version:
		return -1
	case k.Version > o.Version:
		return 1
	}
	return 0
}

func (k RowKey) String() string {
	return fmt.Sprintf("%d@%d", k.Ts, k.Version)
}

type Order int8

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// CompareTs compares two timestamps in scan order.
func (o Order) CompareTs(a, b int64) int {
	if a == b {
		return 0
	}
	if (a < b) == (o == Ascending) {
		return -1
	}
	return 1
}

// CompareKeys compares in scan order: timestamps follow the order, versions are always ascending
// so that writes to one timestamp are seen oldest first.
func (o Order) CompareKeys(a, b RowKey) int {
	if c := o.CompareTs(a.Ts, b.Ts); c != 0 {
		return c
	}
	switch {
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	}
	return 0
}

// TimeWindow is given in scan order: Skey is where the scan starts.
type TimeWindow struct {
	Skey int64
	Ekey int64
}

func AllTime(order Order) TimeWindow {
	if order == Descending {
		return TimeWindow{Skey: math.MaxInt64, Ekey: math.MinInt64}
	}
	return TimeWindow{Skey: math.MinInt64, Ekey: math.MaxInt64}
}

// Empty reports a window inverted relative to the scan order.
func (w TimeWindow) Empty(order Order) bool {
	if order == Ascending {
		return w.Skey > w.Ekey
	}
	return w.Ekey > w.Skey
}

// Bounds returns the window as an inclusive [lo, hi] range.
func (w TimeWindow) Bounds() (lo, hi int64) {
	if w.Skey <= w.Ekey {
		return w.Skey, w.Ekey
	}
	return w.Ekey, w.Skey
}

func (w TimeWindow) Contains(ts int64) bool {
	lo, hi := w.Bounds()
	return ts >= lo && ts <= hi
}

// Overlaps reports whether [minTs, maxTs] shares at least one timestamp with the window.
func (w TimeWindow) Overlaps(minTs, maxTs int64) bool {
	lo, hi := w.Bounds()
	return minTs <= hi && maxTs >= lo
}

// Covers reports whether [minTs, maxTs] lies entirely inside the window.
func (w TimeWindow) Covers(minTs, maxTs int64) bool {
	lo, hi := w.Bounds()
	return minTs >= lo && maxTs <= hi
}

type VersionRange struct {
	Min uint64
	Max uint64
}

func AllVersions() VersionRange {
	return VersionRange{Min: 0, Max: math.MaxUint64}
}

func (v VersionRange) Contains(ver uint64) bool {
	return ver >= v.Min && ver <= v.Max
}

func (v VersionRange) Overlaps(minVer, maxVer uint64) bool {
	return minVer <= v.Max && maxVer >= v.Min
}

func (v VersionRange) Covers(minVer, maxVer uint64) bool {
	return minVer >= v.Min && maxVer <= v.Max
}
