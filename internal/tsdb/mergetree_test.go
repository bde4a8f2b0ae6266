package tsdb

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S0me0neR0man/tsstash/internal/meta"
	"github.com/S0me0neR0man/tsstash/internal/model"
)

func drain(t *testing.T, mt *MergeTree) []RowInfo {
	var rows []RowInfo
	for {
		info, err := mt.Next()
		require.NoError(t, err)
		if info == nil {
			return rows
		}
		rows = append(rows, *info)
	}
}

func Test_MergeTree_Order(t *testing.T) {
	tb := model.TableID{Uid: 1}

	for _, order := range []model.Order{model.Ascending, model.Descending} {
		rnd := rand.New(rand.NewSource(7))
		mt := NewMergeTree(order)
		total := 0
		for src := 0; src < 5; src++ {
			var rows []*model.Row
			for ts := int64(0); ts < 200; ts++ {
				if rnd.Intn(3) == 0 {
					rows = append(rows, row(ts, uint64(src+1)))
				}
			}
			sortScanOrder(rows, order)
			total += len(rows)
			mt.Add(newSliceSource(tb, rankStt+src, rows))
		}
		mt.Add(newSliceSource(tb, rankData, nil))

		rows := drain(t, mt)
		require.Len(t, rows, total)
		for i := 1; i < len(rows); i++ {
			require.LessOrEqual(t, order.CompareKeys(rows[i-1].Key, rows[i].Key), 0, "%s: %s then %s", order, rows[i-1].Key, rows[i].Key)
		}
	}
}

func Test_MergeTree_TablesAndRanks(t *testing.T) {
	t1 := model.TableID{Suid: 5, Uid: 1}
	t2 := model.TableID{Suid: 5, Uid: 2}

	mt := NewMergeTree(model.Ascending)
	mt.Add(newSliceSource(t2, rankData, []*model.Row{row(1, 1), row(2, 1)}))
	mt.Add(newSliceSource(t1, rankMem, []*model.Row{row(3, 1)}))
	mt.Add(newSliceSource(t1, rankData, []*model.Row{row(3, 1), row(4, 1)}))

	rows := drain(t, mt)
	got := make([]string, 0, len(rows))
	for _, r := range rows {
		got = append(got, r.Table.String()+"/"+r.Key.String())
	}
	// equal keys of one table: the lower rank comes first so the higher one is merged last
	require.Equal(t, []string{"5.1/3@1", "5.1/3@1", "5.1/4@1", "5.2/1@1", "5.2/2@1"}, got)
	require.Equal(t, rankData, rows[0].Rank)
	require.Equal(t, rankMem, rows[1].Rank)
}

func Test_MergeTree_Exclude(t *testing.T) {
	c1 := model.TableID{Suid: 5, Uid: 1}
	c2 := model.TableID{Suid: 5, Uid: 2}
	n3 := model.TableID{Uid: 3}

	sources := func() *MergeTree {
		mt := NewMergeTree(model.Ascending)
		mt.Add(newSliceSource(c1, rankData, seq(1, 3, 1)))
		mt.Add(newSliceSource(c1, rankStt, seq(2, 5, 2)))
		mt.Add(newSliceSource(c2, rankData, seq(1, 2, 1)))
		mt.Add(newSliceSource(n3, rankData, seq(1, 1, 1)))
		return mt
	}

	mt := sources()
	mt.Exclude(&TableFilter{Suid: 5, Uid: 1})
	rows := drain(t, mt)
	require.Len(t, rows, 1+2)
	require.Equal(t, n3, rows[0].Table, "normal tables sort before super table families")
	for _, r := range rows {
		require.NotEqual(t, c1, r.Table)
	}
	// one head per source of c1; the rest is skipped inside the sources
	require.Equal(t, 2, mt.Dropped())

	mt = sources()
	mt.Exclude(&TableFilter{Suid: 5})
	rows = drain(t, mt)
	require.Len(t, rows, 1)
	require.Equal(t, n3, rows[0].Table)
}

func Test_MergeTree_EqualHeads(t *testing.T) {
	tb := model.TableID{Uid: 1}
	mt := NewMergeTree(model.Ascending)
	mt.Add(newSliceSource(tb, rankData, []*model.Row{row(1, 1)}))
	require.Panics(t, func() {
		mt.Add(newSliceSource(tb, rankData, []*model.Row{row(1, 1)}))
	})
}

func Test_RowMerger_Shadowing(t *testing.T) {
	schema := testSchema()
	var m RowMerger

	// disk: a explicitly null, b set; memory: a set, b never written
	m.Init(row(5, 1, model.Null(colA), model.Int(colB, 2)), schema)
	m.Merge(row(5, 2, model.Int(colA, 1)), schema)
	merged := m.Finalize()

	require.Equal(t, model.RowKey{Ts: 5, Version: 2}, merged.Key)
	require.Equal(t, 2, m.Merged())
	require.Equal(t, model.Int(colA, 1), merged.Col(colA))
	require.Equal(t, model.Int(colB, 2), merged.Col(colB))

	m.Init(row(6, 1, model.Int(colA, 7)), schema)
	merged = m.Finalize()
	require.Equal(t, model.Null(colB), merged.Col(colB), "unwritten columns come out null")
	require.Equal(t, model.ValNone, merged.Col(model.PrimaryTsColumn).Flag)

	require.Panics(t, func() { m.Merge(row(7, 1), schema) })
}

func Test_RowMerger_SchemaUpgrade(t *testing.T) {
	v1 := testSchema()
	v2 := &model.Schema{Version: 2, Columns: []model.Column{
		{ID: model.PrimaryTsColumn, Type: model.TypeTimestamp},
		{ID: colA, Type: model.TypeInt},
		{ID: 4, Type: model.TypeFloat},
	}}

	var m RowMerger
	m.Init(row(1, 1, model.Int(colA, 10), model.Int(colB, 20)), v1)
	m.Merge(&model.Row{Key: model.RowKey{Ts: 1, Version: 2}, SVer: 2, Cols: []model.ColVal{model.Float(4, 0.5)}}, v2)
	merged := m.Finalize()

	require.Equal(t, int32(2), merged.SVer)
	require.Equal(t, model.Int(colA, 10), merged.Col(colA))
	require.Equal(t, model.ValNone, merged.Col(colB).Flag, "dropped by the newer schema")
	require.Equal(t, model.Float(4, 0.5), merged.Col(4))
}

func Test_Collect_SchemaFallback(t *testing.T) {
	catalog := meta.NewCatalog(getTestLogger())
	require.NoError(t, catalog.CreateNormalTable(1, testSchema()))
	tb := model.TableID{Uid: 1}

	mt := NewMergeTree(model.Ascending)
	mt.Add(newSliceSource(tb, rankData, []*model.Row{row(1, 1, model.Int(colA, 1)), row(2, 1)}))
	// written under a version the catalog never saw
	mt.Add(newSliceSource(tb, rankMem, []*model.Row{{Key: model.RowKey{Ts: 1, Version: 3}, SVer: 9, Cols: []model.ColVal{model.Int(colB, 3)}}}))

	var m RowMerger
	schemas := schemaCache{catalog: catalog}
	info, err := collect(mt, &m, &schemas)
	require.NoError(t, err)
	require.Equal(t, model.RowKey{Ts: 1, Version: 3}, info.Key)
	require.Equal(t, model.Int(colA, 1), info.Row.Col(colA))
	require.Equal(t, model.Int(colB, 3), info.Row.Col(colB))

	info, err = collect(mt, &m, &schemas)
	require.NoError(t, err)
	require.Equal(t, int64(2), info.Key.Ts)

	info, err = collect(mt, &m, &schemas)
	require.NoError(t, err)
	require.Nil(t, info)

	_, err = (&schemaCache{catalog: catalog}).get(model.TableID{Uid: 99}, 1)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func Test_BlockPolicy_Decide(t *testing.T) {
	blk := &model.BlockInfo{
		MinKey: model.RowKey{Ts: 10, Version: 1},
		MaxKey: model.RowKey{Ts: 20, Version: 1},
		MinVer: 1, MaxVer: 3, Rows: 11,
	}
	asc := blockPolicy{order: model.Ascending, window: model.AllTime(model.Ascending), versions: model.AllVersions()}
	desc := blockPolicy{order: model.Descending, window: model.AllTime(model.Descending), versions: model.AllVersions()}
	key := func(ts int64) *model.RowKey { return &model.RowKey{Ts: ts, Version: 9} }

	require.Equal(t, decidePassThrough, asc.decide(blk, false, nil))
	require.Equal(t, decidePassThrough, asc.decide(blk, false, key(21)))
	require.Equal(t, decideGapFill, asc.decide(blk, false, key(9)))
	require.Equal(t, decideMerge, asc.decide(blk, false, key(10)))
	require.Equal(t, decideMerge, asc.decide(blk, false, key(15)))
	require.Equal(t, decideMerge, asc.decide(blk, true, nil), "adjacent")

	require.Equal(t, decideGapFill, desc.decide(blk, false, key(21)))
	require.Equal(t, decidePassThrough, desc.decide(blk, false, key(9)))
	require.Equal(t, decideMerge, desc.decide(blk, false, key(20)))

	cut := asc
	cut.window = model.TimeWindow{Skey: 15, Ekey: 100}
	require.Equal(t, decideMerge, cut.decide(blk, false, nil))

	ceiling := asc
	ceiling.versions = model.VersionRange{Min: 0, Max: 2}
	require.Equal(t, decideMerge, ceiling.decide(blk, false, nil))
	require.True(t, ceiling.qualifies(blk))
	ceiling.versions = model.VersionRange{Min: 4, Max: 9}
	require.False(t, ceiling.qualifies(blk))

	dup := *blk
	dup.HasDup = true
	require.Equal(t, decideMerge, asc.decide(&dup, false, nil))
}

func Test_OrderBlocks(t *testing.T) {
	mk := func(offsets ...int64) *tableScanState {
		st := &tableScanState{}
		for _, off := range offsets {
			st.blocks = append(st.blocks, model.BlockInfo{Offset: off, Rows: 1})
		}
		return st
	}
	states := []*tableScanState{mk(0, 40, 50), mk(10, 20), mk(30)}
	states[2].dropped = true

	refs := orderBlocks(states, model.Ascending)
	var offsets []int64
	for _, r := range refs {
		offsets = append(offsets, states[r.state].blocks[r.idx].Offset)
	}
	require.Equal(t, []int64{0, 10, 20, 40, 50}, offsets)

	// descending scans keep each table's blocks in scan order, largest offset first
	states = []*tableScanState{mk(50, 40, 0), mk(20, 10)}
	refs = orderBlocks(states, model.Descending)
	offsets = offsets[:0]
	for _, r := range refs {
		offsets = append(offsets, states[r.state].blocks[r.idx].Offset)
	}
	require.True(t, sort.SliceIsSorted(offsets, func(i, j int) bool { return offsets[i] > offsets[j] }))
	require.Len(t, offsets, 5)
}

func Test_BatchCapacity(t *testing.T) {
	require.Equal(t, maxBatchRows, batchCapacity(testColumns))
	wide := []model.Column{
		{ID: model.PrimaryTsColumn, Type: model.TypeTimestamp},
		{ID: 2, Type: model.TypeBinary, Bytes: 1024},
	}
	require.Equal(t, (2<<20)/1032, batchCapacity(wide))
}
