package tsdb

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// fileBytes returns the contents of every file of the published file sets, in manifest order.
func (e *testEnv) fileBytes(db *Tsdb) [][]byte {
	var out [][]byte
	for _, fs := range db.Snapshot().FileSets {
		for _, name := range fs.Files() {
			b, err := os.ReadFile(filepath.Join(e.dir, name))
			require.NoError(e.t, err)
			out = append(out, b)
		}
	}
	return out
}

func (e *testEnv) dirFiles() []string {
	entries, err := os.ReadDir(e.dir)
	require.NoError(e.t, err)
	var names []string
	for _, en := range entries {
		names = append(names, en.Name())
	}
	sort.Strings(names)
	return names
}

func (e *testEnv) exists(name string) bool {
	_, err := os.Stat(filepath.Join(e.dir, name))
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(e.t, err)
	return true
}

func Test_Compact_Routing(t *testing.T) {
	e := newTestEnv(t)
	t1, t2, t3, t4 := e.normalTable(1), e.normalTable(2), e.normalTable(3), e.normalTable(4)
	old := e.addFileSet(1, 0, 9999, []*model.BlockData{
		blockOf(t1, seq(1, 50, 1)...),
		blockOf(t2, seq(1, 500, 1)...),
		blockOf(t3, seq(1, 1000, 1)...),
		blockOf(t4, seq(1, 1001, 1)...),
	})
	db := e.open(100, 1000)

	stats, err := db.Compact(context.Background(), CompactDeep)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FileSets)
	require.Equal(t, 2500, stats.DataRows)
	require.Equal(t, 51, stats.SttRows)
	require.Zero(t, stats.CopiedRows)
	require.Zero(t, stats.DroppedRows)

	m := db.Snapshot()
	require.Equal(t, uint64(2), m.Version)
	require.Len(t, m.FileSets, 1)
	fs := m.FileSets[0]
	require.Equal(t, old.CommitID+1, fs.CommitID)
	require.NotNil(t, fs.Data)
	require.Len(t, fs.Stt, 1)
	for _, name := range old.Files() {
		require.False(t, e.exists(name), name)
	}

	fsr, err := e.codec.OpenFileSet(fs)
	require.NoError(t, err)
	defer func() { require.NoError(t, fsr.Close()) }()

	index, err := fsr.BlockIndex()
	require.NoError(t, err)
	got := map[model.TableID][]int{}
	for _, idx := range index {
		for _, blk := range idx.Blocks {
			got[idx.Table] = append(got[idx.Table], blk.Rows)
		}
	}
	require.Equal(t, map[model.TableID][]int{t2: {500}, t3: {1000}, t4: {1000}}, got)

	stt, err := fsr.SttBlocks(0)
	require.NoError(t, err)
	require.Len(t, stt, 2)
	require.True(t, stt[0].MayContain(t1))
	require.Equal(t, 50, stt[0].Rows)
	require.True(t, stt[1].MayContain(t4))
	require.Equal(t, 1, stt[1].Rows)
	require.Equal(t, int64(1001), stt[1].MinKey.Ts)

	require.Equal(t, float64(2500), testutil.ToFloat64(e.metrics.CompactionRows.WithLabelValues(metrics.RouteData)))
	require.Equal(t, float64(51), testutil.ToFloat64(e.metrics.CompactionRows.WithLabelValues(metrics.RouteStt)))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CompactionPasses.WithLabelValues("committed")))

	require.Len(t, query(t, db, allOf(model.Ascending, t1, t2, t3, t4)), 50+500+1000+1001)
}

func Test_Compact_Exclusion(t *testing.T) {
	e := newTestEnv(t)
	n5 := e.normalTable(5)
	fam := e.superTable(100, 101, 102)
	gone := e.superTable(300, 301, 302)
	e.addFileSet(1, 0, 999,
		[]*model.BlockData{
			blockOf(n5, seq(1, 10, 1)...),
			blockOf(fam[0], seq(1, 10, 1)...),
			blockOf(fam[1], seq(1, 10, 1)...),
			blockOf(gone[0], seq(1, 5, 1)...),
			blockOf(gone[1], seq(1, 5, 1)...),
		},
		[]*model.BlockData{
			blockOf(fam[0], seq(100, 102, 2)...),
			blockOf(gone[0], seq(100, 101, 2)...),
		},
	)
	// only this pass sees tables 101 and 300 gone
	e.addFileSet(2, 1000, 1999, []*model.BlockData{blockOf(gone[1], seq(1000, 1004, 1)...)})
	require.NoError(t, e.catalog.DropTable(101))
	require.NoError(t, e.catalog.DropTable(300))
	db := e.open(1, 1000)

	stats, err := db.Compact(context.Background(), CompactDeep)
	require.NoError(t, err)
	require.Equal(t, 10+3+5+5+2+5, stats.DroppedRows)
	require.Equal(t, 20, stats.DataRows)
	require.Equal(t, 2, stats.FileSets)
	require.Equal(t, 1, stats.Removed, "a file set left without rows is dropped from the manifest")
	require.Equal(t, float64(30), testutil.ToFloat64(e.metrics.CompactionDropped))

	m := db.Snapshot()
	require.Len(t, m.FileSets, 1)
	require.Equal(t, int64(1), m.FileSets[0].Fid)
	require.Empty(t, m.FileSets[0].Stt)

	fsr, err := e.codec.OpenFileSet(m.FileSets[0])
	require.NoError(t, err)
	index, err := fsr.BlockIndex()
	require.NoError(t, err)
	require.NoError(t, fsr.Close())
	var tables []model.TableID
	for _, idx := range index {
		tables = append(tables, idx.Table)
	}
	require.Equal(t, []model.TableID{n5, fam[1]}, tables)

	rows := query(t, db, allOf(model.Ascending, n5, fam[1]))
	require.Len(t, rows, 20)
}

func Test_Compact_Idempotent(t *testing.T) {
	for _, mode := range []CompactMode{CompactDeep, CompactShallow} {
		t.Run(mode.String(), func(t *testing.T) {
			e := newTestEnv(t)
			t1, t2, t3 := e.normalTable(1), e.normalTable(2), e.normalTable(3)
			e.addFileSet(1, 0, 999,
				[]*model.BlockData{
					blockOf(t1, seq(1, 500, 1)...),
					blockOf(t2, row(1, 1, model.Int(colA, 1)), row(1, 2, model.Int(colB, 2)), row(2, 1, model.Int(colA, 2))),
					blockOf(t3, seq(1, 150, 1)...),
				},
				[]*model.BlockData{blockOf(t1, row(10, 2, model.Int(colB, 1)), row(600, 1, model.Int(colA, 6000)))},
			)
			e.addFileSet(2, 1000, 1999, []*model.BlockData{blockOf(t3, seq(1000, 1099, 1)...)})
			db := e.open(100, 200)
			cond := allOf(model.Ascending, t1, t2, t3)
			before := query(t, db, cond)

			ctx := context.Background()
			_, err := db.Compact(ctx, mode)
			require.NoError(t, err)
			first := e.fileBytes(db)
			require.Equal(t, before, query(t, db, cond))

			_, err = db.Compact(ctx, mode)
			require.NoError(t, err)
			second := e.fileBytes(db)
			require.Equal(t, before, query(t, db, cond))

			require.Equal(t, len(first), len(second))
			for i := range first {
				require.Equal(t, first[i], second[i], "file %d", i)
			}
			require.Equal(t, uint64(4), db.Snapshot().Version)
		})
	}
}

func Test_Compact_IdempotentSharedStt(t *testing.T) {
	for _, mode := range []CompactMode{CompactShallow, CompactDeep} {
		t.Run(mode.String(), func(t *testing.T) {
			e := newTestEnv(t)
			fam := e.superTable(10, 11, 12)
			e.addFileSet(1, 0, 999,
				[]*model.BlockData{blockOf(fam[0], seq(3, 10, 1)...)},
				[]*model.BlockData{blockOf(fam[0], row(1, 1, model.Int(colA, 10)))},
				[]*model.BlockData{blockOf(fam[1], row(5, 1, model.Int(colA, 50)))},
			)
			db := e.open(3, 5)
			cond := allOf(model.Ascending, fam...)
			before := query(t, db, cond)
			require.Len(t, before, 10)

			ctx := context.Background()
			stats, err := db.Compact(ctx, mode)
			require.NoError(t, err)
			first := e.fileBytes(db)

			if mode == CompactShallow {
				// both children now share one stt block spanning ts 1..5
				require.Equal(t, 8, stats.CopiedRows)
				require.Equal(t, 2, stats.SttRows)
				fsr, err := e.codec.OpenFileSet(db.Snapshot().FileSets[0])
				require.NoError(t, err)
				stt, err := fsr.SttBlocks(0)
				require.NoError(t, err)
				require.NoError(t, fsr.Close())
				require.Len(t, stt, 1)
				require.Equal(t, uint64(11), stt[0].MinUid)
				require.Equal(t, uint64(12), stt[0].MaxUid)
			}

			again, err := db.Compact(ctx, mode)
			require.NoError(t, err)
			require.Equal(t, stats.CopiedRows, again.CopiedRows, "a sibling's stt rows do not hold the block back")
			require.Equal(t, first, e.fileBytes(db))
			require.Equal(t, before, query(t, db, cond))
		})
	}
}

func Test_Compact_ShallowCopies(t *testing.T) {
	e := newTestEnv(t)
	t1, t2 := e.normalTable(1), e.normalTable(2)
	e.addFileSet(1, 0, 999,
		[]*model.BlockData{
			blockOf(t1, seq(1, 200, 1)...),
			blockOf(t2, seq(1, 150, 1)...),
		},
		[]*model.BlockData{blockOf(t1, row(50, 2, model.Int(colB, 5)))},
	)
	db := e.open(100, 1000)
	cond := allOf(model.Ascending, t1, t2)
	before := query(t, db, cond)
	require.Equal(t, out(t1, 50, int64(500), int64(5)), before[49])

	stats, err := db.Compact(context.Background(), CompactShallow)
	require.NoError(t, err)
	require.Equal(t, 150, stats.CopiedRows, "t2 is handed over, t1 has stt rows on top")
	require.Equal(t, 200, stats.DataRows)
	require.Zero(t, stats.SttRows)
	require.Equal(t, float64(150), testutil.ToFloat64(e.metrics.CompactionRows.WithLabelValues(metrics.RouteCopied)))
	require.Equal(t, before, query(t, db, cond))

	stats, err = db.Compact(context.Background(), CompactDeep)
	require.NoError(t, err)
	require.Zero(t, stats.CopiedRows)
	require.Equal(t, 350, stats.DataRows)
	require.Equal(t, before, query(t, db, cond))
}

func Test_Compact_AbortOnCorruptBlock(t *testing.T) {
	e := newTestEnv(t)
	t1, t2 := e.normalTable(1), e.normalTable(2)
	e.addFileSet(1, 0, 99, []*model.BlockData{blockOf(t1, seq(1, 10, 1)...)})
	bad := e.addFileSet(2, 100, 199, []*model.BlockData{blockOf(t2, seq(100, 110, 1)...)})

	fsr, err := e.codec.OpenFileSet(bad)
	require.NoError(t, err)
	index, err := fsr.BlockIndex()
	require.NoError(t, err)
	blk := index[0].Blocks[0]
	require.NoError(t, fsr.Close())

	f, err := os.OpenFile(filepath.Join(e.dir, bad.Data.Name), os.O_RDWR, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, blk.Offset+int64(blk.Size)/2)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, blk.Offset+int64(blk.Size)/2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db := e.open(1, 1000)
	files := e.dirFiles()
	m := db.Snapshot()

	_, err = db.Compact(context.Background(), CompactDeep)
	require.ErrorIs(t, err, model.ErrDecode)
	require.Equal(t, m, db.Snapshot())
	require.Equal(t, files, e.dirFiles(), "files of the first file set are removed again")
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CompactionPasses.WithLabelValues("aborted")))

	onDisk, err := e.codec.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, m, onDisk.Clone())

	// the healthy file set still reads
	require.Len(t, query(t, db, allOf(model.Ascending, t1)), 10)
}

func Test_Compact_Canceled(t *testing.T) {
	e := newTestEnv(t)
	tb := e.normalTable(1)
	e.addFileSet(1, 0, 99, []*model.BlockData{blockOf(tb, seq(1, 10, 1)...)})
	db := e.open(1, 1000)
	files := e.dirFiles()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Compact(ctx, CompactDeep)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(1), db.Snapshot().Version)
	require.Equal(t, files, e.dirFiles())
}

func Test_Compact_ReaderKeepsFiles(t *testing.T) {
	e := newTestEnv(t)
	tb := e.normalTable(1)
	old := e.addFileSet(1, 0, 99, []*model.BlockData{blockOf(tb, seq(1, 10, 1)...)})
	db := e.open(1, 1000)

	ctx := context.Background()
	r, err := db.OpenReader(ctx, allOf(model.Ascending, tb))
	require.NoError(t, err)

	_, err = db.Compact(ctx, CompactDeep)
	require.NoError(t, err)
	require.NotEqual(t, old.CommitID, db.Snapshot().FileSets[0].CommitID)
	require.True(t, e.exists(old.Data.Name))

	require.Len(t, readAll(t, r), 10)
	require.NoError(t, r.Close())
	require.False(t, e.exists(old.Data.Name))
	require.Len(t, query(t, db, allOf(model.Ascending, tb)), 10)
}

func Test_Compact_Empty(t *testing.T) {
	e := newTestEnv(t)
	db := e.open(1, 1000)

	stats, err := db.Compact(context.Background(), CompactShallow)
	require.NoError(t, err)
	require.Zero(t, stats.FileSets)
	m := db.Snapshot()
	require.Equal(t, uint64(1), m.Version)
	require.Equal(t, uint64(2), m.NextCommitID)
}

func Test_ManifestHolder(t *testing.T) {
	e := newTestEnv(t)
	h := newManifestHolder(e.codec, &model.Manifest{Version: 1, NextCommitID: 1}, getTestLogger())

	base := h.current()
	next := base.Clone()
	next.Version = 2
	require.NoError(t, h.commit(base, next, nil))
	require.Equal(t, uint64(2), h.current().Version)

	stale := next.Clone()
	stale.Version = 3
	require.ErrorIs(t, h.commit(base, stale, nil), ErrManifestChanged)
	require.Equal(t, uint64(2), h.current().Version)

	s := h.acquire()
	h.release(s)
	require.Panics(t, func() { h.release(s) })
}

func Test_ParseCompactMode(t *testing.T) {
	for s, want := range map[string]CompactMode{"": CompactShallow, "shallow": CompactShallow, " Deep ": CompactDeep} {
		got, err := ParseCompactMode(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCompactMode("full")
	require.ErrorIs(t, err, ErrUnknownMode)
}
