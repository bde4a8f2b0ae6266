package membuf

import (
	"sync"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// Buffer pairs the current memory table with the immutable one being flushed.
type Buffer struct {
	mu     sync.RWMutex
	mem    *MemTable
	imem   *MemTable
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func NewBuffer(logger *zap.Logger) *Buffer {
	return &Buffer{
		mem:    NewMemTable(logger),
		logger: logger,
		sugar:  logger.Sugar(),
	}
}

func (b *Buffer) Put(table model.TableID, rows ...*model.Row) {
	b.mu.RLock()
	mem := b.mem
	b.mu.RUnlock()
	mem.Put(table, rows...)
}

// Freeze turns the current table into the immutable one and starts a new current table.
// It returns false while a previous immutable table is still held.
func (b *Buffer) Freeze() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.imem != nil {
		return false
	}
	b.imem = b.mem
	b.mem = NewMemTable(b.logger)
	b.sugar.Debugw("memtable frozen", "rows", b.imem.Rows())
	return true
}

// Release drops the immutable table once it has been persisted.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imem = nil
}

// Tables returns the current and immutable tables. Either may be nil.
func (b *Buffer) Tables() (mem, imem model.MemTable) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.mem != nil {
		mem = b.mem
	}
	if b.imem != nil {
		imem = b.imem
	}
	return mem, imem
}
