package model

import (
	"errors"
)

var (
	// ErrNotFound is the catalog's "no such table/schema" answer. It drives
	// exclusion and skip logic and is not a failure.
	ErrNotFound = errors.New("not found")
	// ErrDecode marks a malformed block, index or manifest.
	ErrDecode = errors.New("decode error")
	// ErrResourceExhausted marks an allocation or size limit failure.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// TableInfo is what the catalog knows about a live table.
type TableInfo struct {
	Table         TableID
	Kind          TableKind
	SchemaVersion int32
}
