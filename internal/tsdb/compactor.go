package tsdb

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

type CompactMode int8

const (
	// CompactShallow copies data blocks that need no row level change verbatim.
	CompactShallow CompactMode = iota
	// CompactDeep re-merges every row.
	CompactDeep
)

func (m CompactMode) String() string {
	if m == CompactDeep {
		return "deep"
	}
	return "shallow"
}

func ParseCompactMode(s string) (CompactMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shallow", "":
		return CompactShallow, nil
	case "deep":
		return CompactDeep, nil
	}
	return 0, errors.Wrapf(ErrUnknownMode, "%q", s)
}

type compactState int8

const (
	compactBegin compactState = iota
	compactOpeningFileSet
	compactMerging
	compactClosingFileSet
	compactCommitted
	compactAborted
)

func (s compactState) String() string {
	return [...]string{"begin", "opening", "merging", "closing", "committed", "aborted"}[s]
}

// CompactStats sums up one compaction pass.
type CompactStats struct {
	FileSets    int
	Removed     int
	DataRows    int
	SttRows     int
	CopiedRows  int
	DroppedRows int
	Duration    time.Duration
}

// accumulator collects merged rows of one table until they are flushed as a block.
type accumulator struct {
	table model.TableID
	rows  []*model.Row
}

// existence remembers what the catalog said during one pass: the table last found
// alive and the filters installed for dropped ones.
type existence struct {
	alive   model.TableID
	valid   bool
	dropped map[model.TableID]*TableFilter
}

type skipCounter interface {
	skippedRows() int
}

func (s *dataFileSource) skippedRows() int { return s.skipped }
func (s *sttFileSource) skippedRows() int  { return s.skipped }

// Compactor rewrites every file set of a manifest snapshot. One Compactor runs one pass.
type Compactor struct {
	id      string
	mode    CompactMode
	minRows int
	maxRows int

	codec   model.Codec
	catalog model.Catalog
	holder  *manifestHolder
	metrics *metrics.Metrics
	schemas schemaCache
	merger  RowMerger

	state  compactState
	snap   *snapshot
	base   *model.Manifest
	next   *model.Manifest
	cid    uint64
	cursor int64

	fs      model.FileSet
	fsr     model.FileSetReader
	writer  model.FileSetWriter
	mt      *MergeTree
	skips   []skipCounter
	acc     accumulator
	exist   existence
	written []model.FileSet
	retired []model.FileSet

	stats CompactStats
	sugar *zap.SugaredLogger
}

type compactorDeps struct {
	codec   model.Codec
	catalog model.Catalog
	holder  *manifestHolder
	metrics *metrics.Metrics
	minRows int
	maxRows int
	logger  *zap.Logger
}

func newCompactor(mode CompactMode, deps compactorDeps) *Compactor {
	id := uuid.New().String()
	return &Compactor{
		id:      id,
		mode:    mode,
		minRows: deps.minRows,
		maxRows: deps.maxRows,
		codec:   deps.codec,
		catalog: deps.catalog,
		holder:  deps.holder,
		metrics: deps.metrics,
		schemas: schemaCache{catalog: deps.catalog},
		state:   compactBegin,
		exist:   existence{dropped: make(map[model.TableID]*TableFilter)},
		sugar:   deps.logger.Sugar().With("compaction", id, "mode", mode),
	}
}

// Run drives the pass to Committed or Aborted. On error nothing the pass wrote stays
// on disk and the published manifest is untouched.
func (c *Compactor) Run(ctx context.Context) (CompactStats, error) {
	started := time.Now()
	for c.state != compactCommitted && c.state != compactAborted {
		if err := c.step(ctx); err != nil {
			from := c.state
			c.abort()
			c.stats.Duration = time.Since(started)
			c.metrics.CompactionPass("aborted", c.stats.Duration)
			c.sugar.Errorw("compaction aborted", "state", from, "fid", c.fs.Fid, "error", err)
			return c.stats, err
		}
	}
	c.stats.Duration = time.Since(started)
	c.metrics.CompactionPass("committed", c.stats.Duration)
	c.sugar.Infow("compaction committed",
		"cid", c.cid,
		"fileSets", c.stats.FileSets,
		"removed", c.stats.Removed,
		"dataRows", c.stats.DataRows,
		"sttRows", c.stats.SttRows,
		"copiedRows", c.stats.CopiedRows,
		"droppedRows", c.stats.DroppedRows,
		"duration", c.stats.Duration,
	)
	return c.stats, nil
}

func (c *Compactor) step(ctx context.Context) error {
	switch c.state {
	case compactBegin:
		c.begin()
	case compactOpeningFileSet:
		return c.openNext()
	case compactMerging:
		if err := c.merge(ctx); err != nil {
			return err
		}
		c.state = compactClosingFileSet
	case compactClosingFileSet:
		return c.closeFileSet()
	}
	return nil
}

func (c *Compactor) begin() {
	c.snap = c.holder.acquire()
	c.base = c.snap.manifest
	c.next = c.base.Clone()
	c.cid = c.base.NextCommitID
	if c.cid == 0 {
		c.cid = 1
	}
	c.cursor = math.MinInt64
	c.state = compactOpeningFileSet
	c.sugar.Debugw("compaction begins", "manifest", c.base.Version, "fileSets", len(c.base.FileSets), "cid", c.cid)
}

// openNext enters the first file set past the cursor, or commits when none is left.
func (c *Compactor) openNext() error {
	const msg = "openNext:"

	var fs *model.FileSet
	for i := range c.base.FileSets {
		if c.base.FileSets[i].Fid > c.cursor {
			fs = &c.base.FileSets[i]
			break
		}
	}
	if fs == nil {
		return c.commit()
	}
	c.fs = *fs
	c.cursor = fs.Fid

	fsr, err := c.codec.OpenFileSet(c.fs)
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
	}
	c.fsr = fsr
	writer, err := c.codec.CreateFileSet(model.FileSet{Fid: fs.Fid, CommitID: c.cid, MinTs: fs.MinTs, MaxTs: fs.MaxTs}, c.maxRows)
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
	}
	c.writer = writer

	// stt sources rank above the data file, newer stt files above older ones
	c.mt = NewMergeTree(model.Ascending)
	c.skips = c.skips[:0]
	sttBlks := make([][]model.SttBlk, fsr.SttCount())
	for i := range sttBlks {
		if sttBlks[i], err = fsr.SttBlocks(i); err != nil {
			return errors.Wrapf(err, "%s fid %d stt %d", msg, c.fs.Fid, i)
		}
	}
	var pred copyPredicate
	if c.mode == CompactShallow {
		bounds, err := sttBounds(fsr, sttBlks)
		if err != nil {
			return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
		}
		pred = c.copyable(bounds)
	}
	data, err := newDataFileSource(fsr, pred)
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
	}
	c.mt.Add(data)
	c.skips = append(c.skips, data)
	for i := range sttBlks {
		stt, err := newSttFileSource(fsr, i)
		if err != nil {
			return errors.Wrapf(err, "%s fid %d stt %d", msg, c.fs.Fid, i)
		}
		c.mt.Add(stt)
		c.skips = append(c.skips, stt)
	}

	c.state = compactMerging
	c.sugar.Debugw("file set opened", "fid", c.fs.Fid, "cid", c.fs.CommitID, "stt", len(sttBlks))
	return nil
}

// tsSpan is the time range covered by one table's stt rows.
type tsSpan struct {
	min, max int64
}

func (s *tsSpan) add(ts int64) {
	if ts < s.min {
		s.min = ts
	}
	if ts > s.max {
		s.max = ts
	}
}

// sttBounds collects the stt time span of every table. Blocks shared by several child
// tables are decoded: their key bounds cover the siblings' rows too.
func sttBounds(fsr model.FileSetReader, sttBlks [][]model.SttBlk) (map[model.TableID]*tsSpan, error) {
	bounds := make(map[model.TableID]*tsSpan)
	add := func(t model.TableID, min, max int64) {
		if s, ok := bounds[t]; ok {
			s.add(min)
			s.add(max)
			return
		}
		bounds[t] = &tsSpan{min: min, max: max}
	}
	for i, blks := range sttBlks {
		for j := range blks {
			s := &blks[j]
			if s.Rows == 0 {
				continue
			}
			if s.MinUid == s.MaxUid {
				add(model.TableID{Suid: s.Suid, Uid: s.MinUid}, s.MinKey.Ts, s.MaxKey.Ts)
				continue
			}
			block, err := fsr.ReadSttBlock(i, *s, []model.ColumnID{})
			if err != nil {
				return nil, errors.Wrapf(err, "stt %d", i)
			}
			for r, k := range block.Keys {
				add(block.Table(r), k.Ts, k.Ts)
			}
		}
	}
	return bounds, nil
}

// copyable lets shallow compaction hand over data blocks that need no row level work.
// A block is held back when its table has stt rows inside its time range.
func (c *Compactor) copyable(sttTs map[model.TableID]*tsSpan) copyPredicate {
	return func(table model.TableID, blocks []model.BlockInfo, i int) bool {
		blk := &blocks[i]
		if blk.HasDup || blk.Rows < c.minRows || adjacent(blocks, i) {
			return false
		}
		if f, err := c.exclusion(table); err != nil || f != nil {
			return false
		}
		if s, ok := sttTs[table]; ok && s.min <= blk.MaxKey.Ts && s.max >= blk.MinKey.Ts {
			return false
		}
		return true
	}
}

// exclusion returns the filter that drops t, or nil when t is alive. A child table
// checks its super table first so a dropped super table drops the whole family.
func (c *Compactor) exclusion(t model.TableID) (*TableFilter, error) {
	if c.exist.valid && c.exist.alive == t {
		return nil, nil
	}
	if t.Suid != 0 {
		family := model.TableID{Suid: t.Suid}
		if f, ok := c.exist.dropped[family]; ok {
			return f, nil
		}
		if _, err := c.catalog.TableInfo(t.Suid); err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				return nil, errors.Wrapf(err, "super table %d", t.Suid)
			}
			f := &TableFilter{Suid: t.Suid}
			c.exist.dropped[family] = f
			c.sugar.Debugw("super table gone, rows dropped", "suid", t.Suid)
			return f, nil
		}
	}
	if f, ok := c.exist.dropped[t]; ok {
		return f, nil
	}
	if _, err := c.catalog.TableInfo(t.Uid); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, errors.Wrapf(err, "table %s", t)
		}
		f := &TableFilter{Suid: t.Suid, Uid: t.Uid}
		c.exist.dropped[t] = f
		c.sugar.Debugw("table gone, rows dropped", "table", t)
		return f, nil
	}
	c.exist.alive, c.exist.valid = t, true
	return nil, nil
}

func (c *Compactor) merge(ctx context.Context) error {
	const msg = "merge:"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := c.mt.Peek()
		if err != nil {
			return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
		}
		if h == nil {
			return c.flush()
		}
		f, err := c.exclusion(h.Table)
		if err != nil {
			return errors.Wrap(err, msg)
		}
		if f != nil {
			c.mt.Exclude(f)
			continue
		}

		if h.Table != c.acc.table {
			if err := c.flush(); err != nil {
				return err
			}
			c.acc.table = h.Table
		}

		if h.Block != nil {
			if err := c.copyBlock(h.Table, *h.Block); err != nil {
				return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
			}
			if err := c.mt.Pop(); err != nil {
				return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
			}
			continue
		}

		info, err := collect(c.mt, &c.merger, &c.schemas)
		if err != nil {
			return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
		}
		c.acc.rows = append(c.acc.rows, info.Row)
		if len(c.acc.rows) >= c.maxRows {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
}

func (c *Compactor) copyBlock(table model.TableID, blk model.BlockInfo) error {
	if err := c.flush(); err != nil {
		return err
	}
	raw, err := c.fsr.RawBlock(blk)
	if err != nil {
		return err
	}
	if err := c.writer.CopyData(table, blk, raw); err != nil {
		return err
	}
	c.stats.CopiedRows += blk.Rows
	c.metrics.RowsWritten(metrics.RouteCopied, blk.Rows)
	return nil
}

// flush writes the accumulated rows: fewer than minRows go to the stt file.
func (c *Compactor) flush() error {
	n := len(c.acc.rows)
	if n == 0 {
		return nil
	}
	block := model.NewBlockData(c.acc.table)
	for _, row := range c.acc.rows {
		block.Append(c.acc.table, row)
	}
	c.acc.rows = c.acc.rows[:0]

	if n < c.minRows {
		if err := c.writer.WriteStt(block); err != nil {
			return errors.Wrapf(err, "flush %s to stt", c.acc.table)
		}
		c.stats.SttRows += n
		c.metrics.RowsWritten(metrics.RouteStt, n)
		return nil
	}
	if err := c.writer.WriteData(block); err != nil {
		return errors.Wrapf(err, "flush %s to data", c.acc.table)
	}
	c.stats.DataRows += n
	c.metrics.RowsWritten(metrics.RouteData, n)
	return nil
}

func (c *Compactor) closeFileSet() error {
	const msg = "closeFileSet:"

	dropped := c.mt.Dropped()
	for _, s := range c.skips {
		dropped += s.skippedRows()
	}
	c.stats.DroppedRows += dropped
	c.metrics.RowsDropped(dropped)

	c.mt, c.skips = nil, c.skips[:0]
	c.acc = accumulator{rows: c.acc.rows[:0]}
	err := c.fsr.Close()
	c.fsr = nil
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
	}

	out, err := c.writer.Finish()
	if err != nil {
		return errors.Wrapf(err, "%s fid %d", msg, c.fs.Fid)
	}
	c.writer = nil
	c.written = append(c.written, out)
	c.retired = append(c.retired, c.fs)
	c.stats.FileSets++

	if out.Data == nil && len(out.Stt) == 0 {
		c.next.Remove(c.fs.Fid)
		c.stats.Removed++
	} else {
		c.next.Replace(out)
	}
	c.sugar.Infow("file set compacted", "fid", c.fs.Fid, "from", c.fs.CommitID, "to", out.CommitID,
		"files", len(out.Files()), "dropped", dropped)
	c.state = compactOpeningFileSet
	return nil
}

func (c *Compactor) commit() error {
	c.next.Version = c.base.Version + 1
	c.next.NextCommitID = c.cid + 1
	if err := c.holder.commit(c.base, c.next, c.retired); err != nil {
		return err
	}
	c.holder.release(c.snap)
	c.snap = nil
	c.state = compactCommitted
	return nil
}

// abort removes everything the pass wrote and releases the snapshot.
func (c *Compactor) abort() {
	var result *multierror.Error
	if c.fsr != nil {
		if err := c.fsr.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.fsr = nil
	}
	if c.writer != nil {
		if err := c.writer.Abort(); err != nil {
			result = multierror.Append(result, err)
		}
		c.writer = nil
	}
	for _, fs := range c.written {
		if err := c.codec.RemoveFileSet(fs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.written = nil
	if c.snap != nil {
		c.holder.release(c.snap)
		c.snap = nil
	}
	if err := result.ErrorOrNil(); err != nil {
		c.sugar.Warnw("compaction leftovers not cleaned up", "error", err)
	}
	c.state = compactAborted
}
