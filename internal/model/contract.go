package model

// Contracts of the collaborators the read and compaction core consumes.

// MemIterator walks one table of a memory buffer in scan order: timestamps follow the
// order, rows sharing a timestamp come oldest version first.
type MemIterator interface {
	// Peek returns the current row or nil at the end.
	Peek() *Row
	Next()
}

type MemTable interface {
	// Iterator starts at the first row at or after start in scan order. It returns nil
	// when the table has no rows.
	Iterator(table TableID, start RowKey, order Order) MemIterator
	Len(table TableID) int
}

type TableKind uint8

const (
	NormalTable TableKind = iota
	SuperTable
	ChildTable
)

// Catalog answers existence and schema questions. Both lookups return ErrNotFound
// for unknown ids.
type Catalog interface {
	TableInfo(uid uint64) (TableInfo, error)
	// Schema returns schema version of owner (a super table or normal table id).
	// A negative version asks for the latest.
	Schema(owner uint64, version int32) (*Schema, error)
}

type FileSetReader interface {
	FileSet() FileSet
	BlockIndex() ([]BlockIdx, error)
	// ReadBlock decodes one data block keeping only cols (nil keeps all).
	ReadBlock(table TableID, blk BlockInfo, cols []ColumnID) (*BlockData, error)
	SttCount() int
	SttBlocks(stt int) ([]SttBlk, error)
	ReadSttBlock(stt int, blk SttBlk, cols []ColumnID) (*BlockData, error)
	// RawBlock returns the encoded bytes of a data block for verbatim copies.
	RawBlock(blk BlockInfo) ([]byte, error)
	Close() error
}

type FileSetWriter interface {
	// WriteData appends one data block. Blocks arrive in (table, key) order.
	WriteData(block *BlockData) error
	// WriteStt routes rows to the overflow file.
	WriteStt(block *BlockData) error
	// CopyData appends an already encoded block unchanged.
	CopyData(table TableID, blk BlockInfo, raw []byte) error
	Finish() (FileSet, error)
	Abort() error
}

type Codec interface {
	OpenFileSet(fs FileSet) (FileSetReader, error)
	CreateFileSet(fs FileSet, maxRows int) (FileSetWriter, error)
	RemoveFileSet(fs FileSet) error
	LoadManifest() (*Manifest, error)
	SaveManifest(m *Manifest) error
}
