package tsdb

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// MemBuffer hands out the current and the immutable memory table. Either may be nil.
type MemBuffer interface {
	Tables() (mem, imem model.MemTable)
}

type Options struct {
	// MinRows is the smallest merged run written to the data file; shorter runs go to stt.
	MinRows int
	// MaxRows caps the rows of one written block.
	MaxRows int
	Codec   model.Codec
	Catalog model.Catalog
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

func (o Options) validate() error {
	switch {
	case o.Codec == nil:
		return errors.New("no codec")
	case o.Catalog == nil:
		return errors.New("no catalog")
	case o.MinRows <= 0:
		return errors.Errorf("min rows %d must be positive", o.MinRows)
	case o.MaxRows < o.MinRows:
		return errors.Errorf("max rows %d below min rows %d", o.MaxRows, o.MinRows)
	}
	return nil
}

// Tsdb ties the manifest, the memory buffer and the catalog together and hands out
// readers and compaction passes.
type Tsdb struct {
	opts   Options
	holder *manifestHolder

	mu  sync.RWMutex
	buf MemBuffer

	compactMu sync.Mutex

	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func Open(opts Options, logger *zap.Logger) (*Tsdb, error) {
	const msg = "Open:"

	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, msg)
	}
	m, err := opts.Codec.LoadManifest()
	if err != nil {
		return nil, errors.Wrap(err, msg)
	}
	db := &Tsdb{
		opts:   opts,
		holder: newManifestHolder(opts.Codec, m, logger),
		logger: logger,
		sugar:  logger.Sugar(),
	}
	db.sugar.Infow("store opened", "manifest", m.Version, "fileSets", len(m.FileSets),
		"minRows", opts.MinRows, "maxRows", opts.MaxRows)
	return db, nil
}

// SetMemBuffer attaches the write buffer readers merge with the file sets.
func (db *Tsdb) SetMemBuffer(buf MemBuffer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.buf = buf
}

// Snapshot returns a copy of the published manifest.
func (db *Tsdb) Snapshot() *model.Manifest {
	return db.holder.current()
}

// OpenReader pins the current manifest and memory tables for the reader's lifetime.
func (db *Tsdb) OpenReader(ctx context.Context, cond QueryCond) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var mem, imem model.MemTable
	db.mu.RLock()
	if db.buf != nil {
		mem, imem = db.buf.Tables()
	}
	db.mu.RUnlock()

	return newReader(cond, readerDeps{
		codec:   db.opts.Codec,
		holder:  db.holder,
		catalog: db.opts.Catalog,
		mem:     mem,
		imem:    imem,
		metrics: db.opts.Metrics,
		maxRows: db.opts.MaxRows,
		logger:  db.logger,
	})
}

// Compact runs one compaction pass over every file set. Passes never overlap.
func (db *Tsdb) Compact(ctx context.Context, mode CompactMode) (CompactStats, error) {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	c := newCompactor(mode, compactorDeps{
		codec:   db.opts.Codec,
		catalog: db.opts.Catalog,
		holder:  db.holder,
		metrics: db.opts.Metrics,
		minRows: db.opts.MinRows,
		maxRows: db.opts.MaxRows,
		logger:  db.logger,
	})
	return c.Run(ctx)
}
