package tsdb

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// scanFiles fills b from the file sets. It reports whether b is ready to be returned;
// false means the file sets are done and the reader moved on to the buffer.
func (r *Reader) scanFiles(b *Batch) (bool, error) {
	for {
		if r.fsr == nil {
			if r.iFileSet >= len(r.fileSets) {
				r.state = readerScanningBuffer
				return b.Rows() > 0, nil
			}
			if err := r.openFileSet(r.fileSets[r.iFileSet]); err != nil {
				return false, err
			}
			if r.fsr == nil {
				r.iFileSet++
				continue
			}
		}

		if r.compose != nil {
			ready, err := r.continueCompose(b)
			if err != nil || ready {
				return ready, err
			}
			continue
		}

		if r.iVisit < len(r.visit) {
			ready, err := r.visitBlock(b, r.visit[r.iVisit])
			if err != nil || ready {
				return ready, err
			}
			continue
		}

		// rows of the file set's time range that no block took: stt leftovers and the
		// memory rows between and after blocks
		fs := r.fileSets[r.iFileSet]
		bound := fs.MaxTs
		if r.cond.Order == model.Descending {
			bound = fs.MinTs
		}
		for ; r.iDrain < len(r.states); r.iDrain++ {
			st := r.states[r.iDrain]
			if st.dropped {
				continue
			}
			ready, err := r.emitPending(b, st, bound, true, pendingDrain)
			if err != nil || ready {
				return ready, err
			}
		}

		if err := r.closeFileSet(); err != nil {
			return false, err
		}
		r.iFileSet++
	}
}

// openFileSet loads the qualifying blocks and stt rows of every queried table. A file
// set with nothing for any table is closed again and r.fsr stays nil.
func (r *Reader) openFileSet(fs model.FileSet) error {
	const msg = "openFileSet:"

	fsr, err := r.codec.OpenFileSet(fs)
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, fs.Fid)
	}
	r.cost.fileSets++

	byTable := make(map[model.TableID]*tableScanState, len(r.states))
	for _, st := range r.states {
		st.enterFileSet()
		if !st.dropped {
			byTable[st.table] = st
		}
	}

	found, err := r.loadBlocks(fsr, byTable)
	if err == nil {
		var n bool
		n, err = r.loadSttRows(fsr, byTable)
		found = found || n
	}
	if err != nil {
		return multierror.Append(errors.Wrapf(err, "%s fid %d", msg, fs.Fid), fsr.Close()).ErrorOrNil()
	}
	if !found {
		r.sugar.Debugw("file set skipped", "fid", fs.Fid)
		return fsr.Close()
	}

	r.fsr = fsr
	r.visit = orderBlocks(r.states, r.cond.Order)
	r.iVisit = 0
	r.iDrain = 0
	r.sugar.Debugw("file set entered", "fid", fs.Fid, "cid", fs.CommitID, "blocks", len(r.visit))
	return nil
}

func (r *Reader) loadBlocks(fsr model.FileSetReader, byTable map[model.TableID]*tableScanState) (bool, error) {
	index, err := fsr.BlockIndex()
	if err != nil {
		return false, err
	}
	found := false
	for _, idx := range index {
		st, ok := byTable[idx.Table]
		if !ok {
			continue
		}
		for i := range idx.Blocks {
			if r.policy.qualifies(&idx.Blocks[i]) {
				st.blocks = append(st.blocks, idx.Blocks[i])
			}
		}
		if r.cond.Order == model.Descending {
			for i, j := 0, len(st.blocks)-1; i < j; i, j = i+1, j-1 {
				st.blocks[i], st.blocks[j] = st.blocks[j], st.blocks[i]
			}
		}
		found = found || len(st.blocks) > 0
	}
	return found, nil
}

// loadSttRows reads every stt block that may hold visible rows of a queried table and
// hands each table one sorted source per stt file.
func (r *Reader) loadSttRows(fsr model.FileSetReader, byTable map[model.TableID]*tableScanState) (bool, error) {
	found := false
	for stt := 0; stt < fsr.SttCount(); stt++ {
		blks, err := fsr.SttBlocks(stt)
		if err != nil {
			return false, err
		}
		rows := make(map[*tableScanState][]*model.Row)
		for _, blk := range blks {
			if !r.policy.qualifies(&blk.BlockInfo) {
				continue
			}
			var wanted []*tableScanState
			for _, st := range byTable {
				if blk.MayContain(st.table) {
					wanted = append(wanted, st)
				}
			}
			if len(wanted) == 0 {
				continue
			}
			started := time.Now()
			block, err := fsr.ReadSttBlock(stt, blk, r.colIDs)
			if err != nil {
				return false, err
			}
			r.blockLoaded(time.Since(started))
			for _, st := range wanted {
				rows[st] = append(rows[st], visibleRows(block, st.table, r.policy)...)
			}
		}
		for st, rs := range rows {
			if len(rs) == 0 {
				continue
			}
			sort.SliceStable(rs, func(i, j int) bool { return r.cond.Order.CompareKeys(rs[i].Key, rs[j].Key) < 0 })
			st.stt = append(st.stt, newSliceSource(st.table, rankStt+stt, rs))
			found = true
		}
	}
	return found, nil
}

func (r *Reader) closeFileSet() error {
	r.compose = nil
	r.visit = nil
	r.iVisit = 0
	r.iDrain = 0
	for _, st := range r.states {
		st.enterFileSet()
	}
	if r.fsr == nil {
		return nil
	}
	err := r.fsr.Close()
	r.fsr = nil
	return err
}

func (r *Reader) blockLoaded(d time.Duration) {
	r.cost.blocksLoaded++
	r.cost.blockLoad += d
	r.metrics.BlockLoaded(d)
}

func (r *Reader) readBlock(table model.TableID, blk model.BlockInfo) (*model.BlockData, error) {
	started := time.Now()
	block, err := r.fsr.ReadBlock(table, blk, r.colIDs)
	if err != nil {
		return nil, err
	}
	r.blockLoaded(time.Since(started))
	return block, nil
}

// blockRows returns the visible rows of blocks[i] not yet merged with its predecessor.
func (r *Reader) blockRows(st *tableScanState, i int) ([]*model.Row, error) {
	block, err := r.readBlock(st.table, st.blocks[i])
	if err != nil {
		return nil, err
	}
	rows := visibleRows(block, st.table, r.policy)
	if n := st.skip[i]; n > 0 {
		if n > len(rows) {
			n = len(rows)
		}
		rows = rows[n:]
	}
	return rows, nil
}

func (r *Reader) visitBlock(b *Batch, ref blockRef) (bool, error) {
	st := r.states[ref.state]
	blk := &st.blocks[ref.idx]
	if b.Rows() > 0 && b.Info.Table != st.table {
		return true, nil
	}

	adj := adjacent(st.blocks, ref.idx) || st.skip[ref.idx] > 0
	switch r.policy.decide(blk, adj, st.pendingKey(r.cond.Order)) {
	case decideGapFill:
		ready, err := r.emitPending(b, st, nearTs(r.cond.Order, blk), false, pendingGap)
		if err != nil || ready {
			return ready, err
		}
		r.metrics.ReaderBlock(metrics.BlockGapFill)
		return false, nil

	case decidePassThrough:
		if b.Rows() > 0 {
			return true, nil
		}
		b.Info = DataBlockInfo{
			Table:  st.table,
			Rows:   blk.Rows,
			Window: model.TimeWindow{Skey: nearTs(r.cond.Order, blk), Ekey: farTs(r.cond.Order, blk)},
		}
		r.lastPass = &ref
		r.iVisit++
		r.cost.passThrough++
		r.metrics.ReaderBlock(metrics.BlockPassThrough)
		return true, nil
	}

	if err := r.startCompose(st, ref.idx); err != nil {
		return false, err
	}
	return r.continueCompose(b)
}

// startCompose loads blocks[i] together with the rows of the following blocks that
// share its last timestamp, so every version of that timestamp meets in one merge.
func (r *Reader) startCompose(st *tableScanState, i int) error {
	rows, err := r.blockRows(st, i)
	if err != nil {
		return err
	}
	far := farTs(r.cond.Order, &st.blocks[i])
	absorbed := false
	for j := i + 1; j < len(st.blocks) && nearTs(r.cond.Order, &st.blocks[j]) == far; j++ {
		next, err := r.blockRows(st, j)
		if err != nil {
			return err
		}
		n := 0
		for n < len(next) && next[n].Key.Ts == far {
			n++
		}
		if st.skip == nil {
			st.skip = make(map[int]int)
		}
		st.skip[j] += n
		rows = append(rows, next[:n]...)
		absorbed = absorbed || n > 0
		if n < len(next) {
			break
		}
	}
	if absorbed {
		sort.SliceStable(rows, func(a, b int) bool { return r.cond.Order.CompareKeys(rows[a].Key, rows[b].Key) < 0 })
	}

	mt := NewMergeTree(r.cond.Order)
	mt.Add(newSliceSource(st.table, rankData, rows))
	for _, src := range st.pendingSources() {
		mt.Add(src)
	}
	r.compose = &composeState{st: st, far: far, mt: mt}
	r.cost.composed++
	r.metrics.ReaderBlock(metrics.BlockComposed)
	return nil
}

// continueCompose emits merged rows up to the block's last timestamp. The block is done
// once the next head lies beyond it.
func (r *Reader) continueCompose(b *Batch) (bool, error) {
	c := r.compose
	if b.Rows() > 0 && b.Info.Table != c.st.table {
		return true, nil
	}
	for {
		h, err := c.mt.Peek()
		if err != nil {
			return false, err
		}
		if h == nil || r.cond.Order.CompareTs(h.Key.Ts, c.far) > 0 {
			r.compose = nil
			r.iVisit++
			return false, nil
		}
		if !r.room(b, c.st.table) {
			return true, nil
		}
		info, err := collect(c.mt, &r.merger, &r.schemas)
		if err != nil {
			return false, err
		}
		r.emit(b, c.st.table, info.Row, true)
		r.cost.composedRows++
	}
}

// BlockDistribution is a histogram of the row counts of qualifying data blocks.
type BlockDistribution struct {
	BucketRows     int
	Buckets        [20]int
	TotalBlocks    int
	TotalRows      int
	ComposedBlocks int
}

// FileBlockDistribution walks the block indexes of every file set the window touches.
// ComposedBlocks counts the blocks that would be merged row by row even with empty
// memory tables.
func (r *Reader) FileBlockDistribution(ctx context.Context) (BlockDistribution, error) {
	const msg = "FileBlockDistribution:"

	if r.closed {
		return BlockDistribution{}, ErrReaderClosed
	}
	d := BlockDistribution{BucketRows: r.maxRows / len(BlockDistribution{}.Buckets)}
	if d.BucketRows <= 0 {
		d.BucketRows = 1
	}
	if r.cond.Window.Empty(r.cond.Order) {
		return d, nil
	}
	tables := make(map[model.TableID]bool, len(r.states))
	for _, st := range r.states {
		tables[st.table] = !st.dropped
	}

	for _, fs := range r.snap.manifest.FileSets {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		if !r.cond.Window.Overlaps(fs.MinTs, fs.MaxTs) {
			continue
		}
		fsr, err := r.codec.OpenFileSet(fs)
		if err != nil {
			return d, errors.Wrapf(err, "%s fid %d", msg, fs.Fid)
		}
		index, err := fsr.BlockIndex()
		if cerr := fsr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return d, errors.Wrapf(err, "%s fid %d", msg, fs.Fid)
		}

		for _, idx := range index {
			if !tables[idx.Table] {
				continue
			}
			var blocks []model.BlockInfo
			for i := range idx.Blocks {
				if r.policy.qualifies(&idx.Blocks[i]) {
					blocks = append(blocks, idx.Blocks[i])
				}
			}
			for i := range blocks {
				bucket := (blocks[i].Rows - 1) / d.BucketRows
				if bucket >= len(d.Buckets) {
					bucket = len(d.Buckets) - 1
				}
				d.Buckets[bucket]++
				d.TotalBlocks++
				d.TotalRows += blocks[i].Rows
				if r.policy.needsMerge(&blocks[i], adjacent(blocks, i)) {
					d.ComposedBlocks++
				}
			}
		}
	}
	return d, nil
}
