package tsdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// QueryCond selects what a Reader returns. Window is given in scan order.
type QueryCond struct {
	Tables   []model.TableID
	Window   model.TimeWindow
	Versions model.VersionRange
	Order    model.Order
	Columns  []model.Column
}

type readerState int8

const (
	readerNotStarted readerState = iota
	readerScanningFile
	readerScanningBuffer
	readerExhausted
)

func (s readerState) String() string {
	switch s {
	case readerNotStarted:
		return "not-started"
	case readerScanningFile:
		return "scanning-file"
	case readerScanningBuffer:
		return "scanning-buffer"
	}
	return "exhausted"
}

type readerCost struct {
	fileSets     int
	blocksLoaded int
	passThrough  int
	composed     int
	composedRows int
	gapRows      int
	sttRows      int
	bufferRows   int
	blockLoad    time.Duration
}

// composeState is a block being merged row by row with the table's pending rows.
type composeState struct {
	st  *tableScanState
	far int64
	mt  *MergeTree
}

// Reader merges the rows of a set of tables from memory and disk into batches in scan
// order. It is not safe for concurrent use.
type Reader struct {
	cond     QueryCond
	policy   blockPolicy
	colIDs   []model.ColumnID
	capacity int
	maxRows  int

	codec   model.Codec
	holder  *manifestHolder
	snap    *snapshot
	mem     model.MemTable
	imem    model.MemTable
	catalog model.Catalog
	metrics *metrics.Metrics
	schemas schemaCache
	merger  RowMerger

	state    readerState
	states   []*tableScanState
	fileSets []model.FileSet
	iFileSet int
	fsr      model.FileSetReader
	visit    []blockRef
	iVisit   int
	compose  *composeState
	iDrain   int
	iBuf     int

	last     *Batch
	lastPass *blockRef

	cost   readerCost
	closed bool
	sugar  *zap.SugaredLogger
}

type readerDeps struct {
	codec   model.Codec
	holder  *manifestHolder
	catalog model.Catalog
	mem     model.MemTable
	imem    model.MemTable
	metrics *metrics.Metrics
	maxRows int
	logger  *zap.Logger
}

func newReader(cond QueryCond, deps readerDeps) (*Reader, error) {
	const msg = "newReader:"

	if len(cond.Columns) == 0 {
		return nil, errors.Wrap(ErrNoColumns, msg)
	}
	id := uuid.New().String()
	r := &Reader{
		cond:     cond,
		colIDs:   make([]model.ColumnID, 0, len(cond.Columns)),
		capacity: batchCapacity(cond.Columns),
		maxRows:  deps.maxRows,
		codec:    deps.codec,
		holder:   deps.holder,
		mem:      deps.mem,
		imem:     deps.imem,
		catalog:  deps.catalog,
		metrics:  deps.metrics,
		schemas:  schemaCache{catalog: deps.catalog},
		sugar:    deps.logger.Sugar().With("reader", id),
	}
	for _, c := range cond.Columns {
		r.colIDs = append(r.colIDs, c.ID)
	}

	tables := append([]model.TableID(nil), cond.Tables...)
	sort.Slice(tables, func(i, j int) bool { return tables[i].Compare(tables[j]) < 0 })
	for i, t := range tables {
		if i > 0 && t == tables[i-1] {
			continue
		}
		st := &tableScanState{table: t}
		if _, err := r.catalog.TableInfo(t.Uid); err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				return nil, errors.Wrapf(err, "%s table %s", msg, t)
			}
			r.sugar.Debugw("table not in catalog, skipped", "table", t)
			st.dropped = true
		}
		r.states = append(r.states, st)
	}

	r.snap = r.holder.acquire()
	r.restart(cond.Window)
	return r, nil
}

// restart puts the reader back to its initial state over window.
func (r *Reader) restart(window model.TimeWindow) {
	r.cond.Window = window
	r.policy = blockPolicy{order: r.cond.Order, window: window, versions: r.cond.Versions}
	r.state = readerNotStarted
	r.fileSets = nil
	r.iFileSet = 0
	r.visit = nil
	r.iVisit = 0
	r.compose = nil
	r.iDrain = 0
	r.iBuf = 0
	r.last = nil
	r.lastPass = nil

	start := model.RowKey{Ts: window.Skey}
	for _, st := range r.states {
		st.mem, st.imem = nil, nil
		st.enterFileSet()
		if st.dropped {
			continue
		}
		if r.mem != nil {
			if it := r.mem.Iterator(st.table, start, r.cond.Order); it != nil {
				st.mem = newMemSource(it, st.table, rankMem, r.cond.Order, window, r.cond.Versions)
			}
		}
		if r.imem != nil {
			if it := r.imem.Iterator(st.table, start, r.cond.Order); it != nil {
				st.imem = newMemSource(it, st.table, rankImem, r.cond.Order, window, r.cond.Versions)
			}
		}
	}
}

// NextBatch returns the next batch of rows, or nil once every qualifying row has been
// returned.
func (r *Reader) NextBatch(ctx context.Context) (*Batch, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	r.last, r.lastPass = nil, nil

	b := newBatch(r.cond.Columns, r.capacity)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch r.state {
		case readerNotStarted:
			r.start()

		case readerScanningFile:
			ready, err := r.scanFiles(b)
			if err != nil {
				return nil, err
			}
			if ready {
				r.last = b
				return b, nil
			}

		case readerScanningBuffer:
			ready, err := r.scanBuffer(b)
			if err != nil {
				return nil, err
			}
			if ready {
				r.metrics.ReaderBlock(metrics.BlockBuffer)
				r.last = b
				return b, nil
			}
			r.state = readerExhausted

		case readerExhausted:
			return nil, nil
		}
	}
}

// start picks the file sets the window touches, in scan order.
func (r *Reader) start() {
	if r.cond.Window.Empty(r.cond.Order) {
		r.sugar.Debugw("empty window", "window", r.cond.Window, "order", r.cond.Order)
		r.state = readerExhausted
		return
	}
	for _, fs := range r.snap.manifest.FileSets {
		if r.cond.Window.Overlaps(fs.MinTs, fs.MaxTs) {
			r.fileSets = append(r.fileSets, fs)
		}
	}
	sort.Slice(r.fileSets, func(i, j int) bool {
		return r.cond.Order.CompareTs(r.fileSets[i].MinTs, r.fileSets[j].MinTs) < 0
	})
	if len(r.fileSets) > 0 {
		r.state = readerScanningFile
		return
	}
	r.state = readerScanningBuffer
}

// emit appends row to b. Callers check room first.
func (r *Reader) emit(b *Batch, table model.TableID, row *model.Row, composed bool) {
	if b.Rows() == 0 {
		b.reset(table, composed)
	}
	b.appendRow(row)
}

// room reports whether b can take a row of table.
func (r *Reader) room(b *Batch, table model.TableID) bool {
	return b.Rows() == 0 || (b.Info.Table == table && b.Rows() < r.capacity)
}

type pendingKind int8

const (
	pendingGap pendingKind = iota
	pendingDrain
	pendingBuffer
)

// emitPending merges the table's memory and stt rows into b while their timestamp lies
// before bound in scan order (or at it, if inclusive). It reports whether b has to be
// returned before the table's rows up to bound are all out.
func (r *Reader) emitPending(b *Batch, st *tableScanState, bound int64, inclusive bool, kind pendingKind) (bool, error) {
	within := func(ts int64) bool {
		c := r.cond.Order.CompareTs(ts, bound)
		return c < 0 || (inclusive && c == 0)
	}
	if k := st.pendingKey(r.cond.Order); k == nil || !within(k.Ts) {
		return false, nil
	}

	mt := NewMergeTree(r.cond.Order)
	for _, src := range st.pendingSources() {
		mt.Add(src)
	}
	for {
		h, err := mt.Peek()
		if err != nil {
			return false, err
		}
		if h == nil || !within(h.Key.Ts) {
			return false, nil
		}
		if !r.room(b, st.table) {
			return true, nil
		}
		info, err := collect(mt, &r.merger, &r.schemas)
		if err != nil {
			return false, err
		}
		r.emit(b, st.table, info.Row, true)
		switch kind {
		case pendingGap:
			r.cost.gapRows++
		case pendingDrain:
			r.cost.sttRows++
		case pendingBuffer:
			r.cost.bufferRows++
		}
	}
}

func (r *Reader) scanBuffer(b *Batch) (bool, error) {
	for ; r.iBuf < len(r.states); r.iBuf++ {
		st := r.states[r.iBuf]
		if st.dropped {
			continue
		}
		ready, err := r.emitPending(b, st, r.cond.Window.Ekey, true, pendingBuffer)
		if err != nil || ready {
			return ready, err
		}
	}
	return b.Rows() > 0, nil
}

// DataBlockInfo describes the last batch returned by NextBatch.
func (r *Reader) DataBlockInfo() (DataBlockInfo, bool) {
	if r.last == nil {
		return DataBlockInfo{}, false
	}
	return r.last.Info, true
}

// RetrieveDataBlock returns the last batch with its columns filled. A pass-through
// batch is decoded here; a composed one is returned as is.
func (r *Reader) RetrieveDataBlock(ctx context.Context) (*Batch, error) {
	const msg = "RetrieveDataBlock:"

	if r.closed {
		return nil, ErrReaderClosed
	}
	if r.last == nil {
		return nil, errors.Wrap(ErrNoBatch, msg)
	}
	if r.lastPass == nil {
		return r.last, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := r.states[r.lastPass.state]
	blk := st.blocks[r.lastPass.idx]
	block, err := r.readBlock(st.table, blk)
	if err != nil {
		return nil, errors.Wrap(err, msg)
	}
	b := r.last
	b.reset(st.table, false)
	for _, row := range visibleRows(block, st.table, r.policy) {
		b.appendRow(row)
	}
	if b.Rows() != blk.Rows {
		return nil, errors.Wrapf(model.ErrDecode, "%s block of %s holds %d rows, index says %d", msg, st.table, b.Rows(), blk.Rows)
	}
	r.lastPass = nil
	return b, nil
}

// Reset restarts the scan over window, keeping tables, columns and the manifest snapshot.
func (r *Reader) Reset(ctx context.Context, window model.TimeWindow) error {
	if r.closed {
		return ErrReaderClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.closeFileSet()
	r.restart(window)
	return err
}

// NumOfRowsInMemTable counts the rows of the queried tables in both memory tables,
// ignoring window and versions.
func (r *Reader) NumOfRowsInMemTable() int {
	n := 0
	for _, st := range r.states {
		if r.mem != nil {
			n += r.mem.Len(st.table)
		}
		if r.imem != nil {
			n += r.imem.Len(st.table)
		}
	}
	return n
}

// Close releases the open file set and the manifest snapshot.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var result *multierror.Error
	if err := r.closeFileSet(); err != nil {
		result = multierror.Append(result, err)
	}
	r.holder.release(r.snap)
	r.snap = nil

	r.sugar.Infow("reader closed",
		"state", r.state,
		"fileSets", r.cost.fileSets,
		"blocksLoaded", r.cost.blocksLoaded,
		"passThrough", r.cost.passThrough,
		"composedBlocks", r.cost.composed,
		"composedRows", r.cost.composedRows,
		"gapRows", r.cost.gapRows,
		"sttRows", r.cost.sttRows,
		"bufferRows", r.cost.bufferRows,
		"blockLoad", r.cost.blockLoad,
	)
	return result.ErrorOrNil()
}
