package fileset

import (
	"encoding/binary"
	"log"
	"math"
	"os"
	"path/filepath"
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

func block(table model.TableID, from, to int64) *model.BlockData {
	b := model.NewBlockData(table)
	for ts := from; ts <= to; ts++ {
		b.Append(table, model.NewRow(ts, 1, 1, model.Int(2, ts*10), model.Binary(3, []byte("x"))))
	}
	return b
}

func Test_Writer_RoundTrip(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)

	t1 := model.TableID{Suid: 7, Uid: 1}
	t2 := model.TableID{Suid: 7, Uid: 2}

	wr, err := c.CreateFileSet(model.FileSet{Fid: 3, CommitID: 9, MinTs: 0, MaxTs: 999}, 100)
	require.NoError(t, err)
	require.NoError(t, wr.WriteData(block(t1, 1, 10)))
	require.NoError(t, wr.WriteData(block(t1, 11, 20)))
	require.NoError(t, wr.WriteData(block(t2, 5, 8)))
	require.Error(t, wr.WriteData(block(t1, 30, 31)), "tables must arrive in order")
	require.NoError(t, wr.WriteStt(block(t1, 40, 41)))
	require.NoError(t, wr.WriteStt(block(t2, 40, 42)))

	fs, err := wr.Finish()
	require.NoError(t, err)
	require.NotNil(t, fs.Data)
	require.Len(t, fs.Stt, 1)
	require.EqualValues(t, 3, fs.Fid)
	require.EqualValues(t, 999, fs.MaxTs)

	r, err := c.OpenFileSet(fs)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	index, err := r.BlockIndex()
	require.NoError(t, err)
	require.Len(t, index, 2)
	require.Equal(t, t1, index[0].Table)
	require.Len(t, index[0].Blocks, 2)
	require.Equal(t, model.RowKey{Ts: 11, Version: 1}, index[0].Blocks[1].MinKey)
	require.Equal(t, 4, index[1].Blocks[0].Rows)

	b, err := r.ReadBlock(t1, index[0].Blocks[1], []model.ColumnID{2})
	require.NoError(t, err)
	require.Equal(t, 10, b.NumRows())
	require.Len(t, b.Cols, 1)
	require.EqualValues(t, 110, b.Row(0).Col(2).Val.I)

	_, err = r.ReadBlock(t2, index[0].Blocks[0], nil)
	require.ErrorIs(t, err, model.ErrDecode)

	// both small flushes of super table 7 share one stt block
	require.Equal(t, 1, r.SttCount())
	sttBlks, err := r.SttBlocks(0)
	require.NoError(t, err)
	require.Len(t, sttBlks, 1)
	require.EqualValues(t, 1, sttBlks[0].MinUid)
	require.EqualValues(t, 2, sttBlks[0].MaxUid)
	require.Equal(t, 5, sttBlks[0].Rows)
	require.True(t, sttBlks[0].MayContain(t2))

	sb, err := r.ReadSttBlock(0, sttBlks[0], nil)
	require.NoError(t, err)
	require.Equal(t, t1, sb.Table(1))
	require.Equal(t, t2, sb.Table(2))
	require.Equal(t, []byte("x"), sb.Row(4).Col(3).Val.B)
}

func Test_Writer_CopyData(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)
	tb := model.TableID{Uid: 1}

	src, err := c.WriteFileSet(model.FileSet{Fid: 1, CommitID: 1}, []*model.BlockData{block(tb, 1, 5)}, nil, 100)
	require.NoError(t, err)
	r, err := c.OpenFileSet(src)
	require.NoError(t, err)
	index, err := r.BlockIndex()
	require.NoError(t, err)
	raw, err := r.RawBlock(index[0].Blocks[0])
	require.NoError(t, err)
	require.NoError(t, r.Close())

	w, err := c.CreateFileSet(model.FileSet{Fid: 1, CommitID: 2}, 100)
	require.NoError(t, err)
	require.NoError(t, w.CopyData(tb, index[0].Blocks[0], raw))
	dst, err := w.Finish()
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(c.Dir(), src.Data.Name))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(c.Dir(), dst.Data.Name))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func Test_Reader_Corrupted(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)
	tb := model.TableID{Uid: 1}

	fs, err := c.WriteFileSet(model.FileSet{Fid: 1, CommitID: 1}, []*model.BlockData{block(tb, 1, 5)}, nil, 100)
	require.NoError(t, err)

	path := filepath.Join(c.Dir(), fs.Data.Name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := c.OpenFileSet(fs)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	index, err := r.BlockIndex()
	require.NoError(t, err)
	_, err = r.ReadBlock(tb, index[0].Blocks[0], nil)
	require.ErrorIs(t, err, model.ErrDecode)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err = c.OpenFileSet(fs)
	require.ErrorIs(t, err, model.ErrDecode)
}

func Test_Reader_FooterOutOfFile(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)
	tb := model.TableID{Uid: 1}

	fs, err := c.WriteFileSet(model.FileSet{Fid: 1, CommitID: 1}, []*model.BlockData{block(tb, 1, 5)}, nil, 100)
	require.NoError(t, err)
	r, err := c.OpenFileSet(fs)
	require.NoError(t, err)
	index, err := r.BlockIndex()
	require.NoError(t, err)
	blk := index[0].Blocks[0]

	blk.Offset, blk.Size = math.MaxInt64-2, 10
	_, err = r.ReadBlock(tb, blk, nil)
	require.ErrorIs(t, err, model.ErrDecode)
	_, err = r.RawBlock(blk)
	require.ErrorIs(t, err, model.ErrDecode)
	require.NoError(t, r.Close())

	// an index offset that wraps around when its size is added
	path := filepath.Join(c.Dir(), fs.Data.Name)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ft := data[len(data)-footerSize:]
	binary.LittleEndian.PutUint64(ft[0:], math.MaxUint64-3)
	binary.LittleEndian.PutUint32(ft[8:], 10)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err = c.OpenFileSet(fs)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	_, err = r.BlockIndex()
	require.ErrorIs(t, err, model.ErrDecode)
}

func Test_Reader_MalformedBlock(t *testing.T) {
	tb := model.TableID{Suid: 7, Uid: 1}
	for name, damage := range map[string]func(b *model.BlockData){
		"short column":          func(b *model.BlockData) { b.Cols[0].Flags = b.Cols[0].Flags[:2] },
		"short values":          func(b *model.BlockData) { b.Cols[1].Vals = b.Cols[1].Vals[:4] },
		"short schema versions": func(b *model.BlockData) { b.SVers = b.SVers[:1] },
	} {
		t.Run(name, func(t *testing.T) {
			c, err := NewCodec(t.TempDir(), getTestLogger())
			require.NoError(t, err)

			data, stt := block(tb, 1, 5), block(tb, 10, 14)
			damage(data)
			damage(stt)
			wr, err := c.CreateFileSet(model.FileSet{Fid: 1, CommitID: 1}, 100)
			require.NoError(t, err)
			require.NoError(t, wr.WriteData(data))
			require.NoError(t, wr.WriteStt(stt))
			fs, err := wr.Finish()
			require.NoError(t, err)

			r, err := c.OpenFileSet(fs)
			require.NoError(t, err)
			defer func() { require.NoError(t, r.Close()) }()
			index, err := r.BlockIndex()
			require.NoError(t, err)
			_, err = r.ReadBlock(tb, index[0].Blocks[0], nil)
			require.ErrorIs(t, err, model.ErrDecode)

			sttBlks, err := r.SttBlocks(0)
			require.NoError(t, err)
			_, err = r.ReadSttBlock(0, sttBlks[0], nil)
			require.ErrorIs(t, err, model.ErrDecode)
		})
	}

	b := block(tb, 1, 3)
	b.Append(model.TableID{Suid: 7, Uid: 2}, model.NewRow(4, 1, 1))
	b.Uids = b.Uids[:2]
	require.ErrorIs(t, checkBlock(b), model.ErrDecode)
}

func Test_Reader_DecodeLimit(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)
	tb := model.TableID{Uid: 1}

	fs, err := c.WriteFileSet(model.FileSet{Fid: 1, CommitID: 1}, []*model.BlockData{block(tb, 1, 500)}, nil, 1000)
	require.NoError(t, err)
	r, err := c.OpenFileSet(fs)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	index, err := r.BlockIndex()
	require.NoError(t, err)

	limit := maxDecodedSize
	maxDecodedSize = 1024
	defer func() { maxDecodedSize = limit }()

	_, err = r.ReadBlock(tb, index[0].Blocks[0], nil)
	require.ErrorIs(t, err, model.ErrResourceExhausted)
}

func Test_Writer_Abort(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)

	w, err := c.CreateFileSet(model.FileSet{Fid: 1, CommitID: 1}, 100)
	require.NoError(t, err)
	require.NoError(t, w.WriteData(block(model.TableID{Uid: 1}, 1, 3)))
	require.NoError(t, w.WriteStt(block(model.TableID{Uid: 2}, 1, 3)))
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func Test_Codec_Manifest(t *testing.T) {
	c, err := NewCodec(t.TempDir(), getTestLogger())
	require.NoError(t, err)

	m, err := c.LoadManifest()
	require.NoError(t, err)
	require.Empty(t, m.FileSets)
	require.EqualValues(t, 1, m.NextCommitID)

	m.Version = 4
	m.Replace(model.FileSet{Fid: 2, Data: &model.FileRef{Name: "b", Size: 10}})
	m.Replace(model.FileSet{Fid: 1, Stt: []model.FileRef{{Name: "a"}}})
	require.NoError(t, c.SaveManifest(m))

	got, err := c.LoadManifest()
	require.NoError(t, err)
	require.EqualValues(t, 4, got.Version)
	require.Len(t, got.FileSets, 2)
	require.EqualValues(t, 1, got.FileSets[0].Fid)
	require.Equal(t, "b", got.FileSets[1].Data.Name)

	_, err = os.Stat(filepath.Join(c.Dir(), manifestTmpName))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), manifestName), []byte{0xc1}, 0o644))
	_, err = c.LoadManifest()
	require.ErrorIs(t, err, model.ErrDecode)
}
