package membuf

import (
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

var (
	once   sync.Once
	logger *zap.Logger
)

func getTestLogger() *zap.Logger {
	once.Do(func() {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			log.Fatal(err)
		}
	})

	return logger
}

func keys(it model.MemIterator) []model.RowKey {
	var out []model.RowKey
	for ; it.Peek() != nil; it.Next() {
		out = append(out, it.Peek().Key)
	}
	return out
}

func Test_MemTable_Put(t *testing.T) {
	mt := NewMemTable(getTestLogger())
	tb := model.TableID{Suid: 1, Uid: 10}

	mt.Put(tb, model.NewRow(3, 1, 1), model.NewRow(1, 1, 1), model.NewRow(2, 1, 1))
	mt.Put(tb, model.NewRow(2, 1, 1, model.Int(2, 7)))

	require.EqualValues(t, 3, mt.Len(tb))
	require.EqualValues(t, 3, mt.Rows())
	require.Equal(t, []model.TableID{tb}, mt.Tables())
	require.Nil(t, mt.Iterator(model.TableID{Uid: 99}, model.RowKey{}, model.Ascending))

	it := mt.Iterator(tb, model.RowKey{Ts: 2}, model.Ascending)
	require.NotNil(t, it)
	require.EqualValues(t, 7, it.Peek().Col(2).Val.I)
}

func Test_MemTable_Iterator(t *testing.T) {
	mt := NewMemTable(getTestLogger())
	tb := model.TableID{Uid: 5}
	mt.Put(tb,
		model.NewRow(10, 1, 1),
		model.NewRow(10, 3, 1),
		model.NewRow(20, 2, 1),
		model.NewRow(30, 1, 1),
		model.NewRow(30, 4, 1),
	)

	asc := keys(mt.Iterator(tb, model.RowKey{Ts: 10}, model.Ascending))
	require.Equal(t, []model.RowKey{{Ts: 10, Version: 1}, {Ts: 10, Version: 3}, {Ts: 20, Version: 2}, {Ts: 30, Version: 1}, {Ts: 30, Version: 4}}, asc)

	asc = keys(mt.Iterator(tb, model.RowKey{Ts: 15}, model.Ascending))
	require.Equal(t, []model.RowKey{{Ts: 20, Version: 2}, {Ts: 30, Version: 1}, {Ts: 30, Version: 4}}, asc)

	// versions of one timestamp stay oldest first going backwards
	desc := keys(mt.Iterator(tb, model.RowKey{Ts: 30}, model.Descending))
	require.Equal(t, []model.RowKey{{Ts: 30, Version: 1}, {Ts: 30, Version: 4}, {Ts: 20, Version: 2}, {Ts: 10, Version: 1}, {Ts: 10, Version: 3}}, desc)

	desc = keys(mt.Iterator(tb, model.RowKey{Ts: 25}, model.Descending))
	require.Equal(t, []model.RowKey{{Ts: 20, Version: 2}, {Ts: 10, Version: 1}, {Ts: 10, Version: 3}}, desc)

	require.Nil(t, mt.Iterator(tb, model.RowKey{Ts: 5}, model.Descending).Peek())
}

func Test_Buffer_Freeze(t *testing.T) {
	b := NewBuffer(getTestLogger())
	tb := model.TableID{Uid: 1}
	b.Put(tb, model.NewRow(1, 1, 1))

	mem, imem := b.Tables()
	require.NotNil(t, mem)
	require.Nil(t, imem)

	require.True(t, b.Freeze())
	require.False(t, b.Freeze())
	b.Put(tb, model.NewRow(2, 2, 1))

	mem, imem = b.Tables()
	require.EqualValues(t, 1, mem.Len(tb))
	require.EqualValues(t, 1, imem.Len(tb))

	b.Release()
	_, imem = b.Tables()
	require.Nil(t, imem)
}
