package fileset

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

type fileWriter struct {
	name string
	f    *os.File
	w    *bufio.Writer
	off  int64
}

func createFile(dir, name string) (*fileWriter, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	return &fileWriter{name: name, f: f, w: bufio.NewWriterSize(f, 1<<16)}, nil
}

func (fw *fileWriter) write(p []byte) (int64, error) {
	off := fw.off
	n, err := fw.w.Write(p)
	fw.off += int64(n)
	if err != nil {
		return off, errors.Wrapf(err, "write %s", fw.name)
	}
	return off, nil
}

// finish writes index and footer, syncs and closes the file.
func (fw *fileWriter) finish(index interface{}) (model.FileRef, error) {
	body, sum, err := encode(index)
	if err != nil {
		return model.FileRef{}, err
	}
	off, err := fw.write(body)
	if err != nil {
		return model.FileRef{}, err
	}
	ft := footer{indexOffset: uint64(off), indexSize: uint32(len(body)), indexChecksum: sum}
	if _, err := fw.write(ft.encode()); err != nil {
		return model.FileRef{}, err
	}
	if err := fw.w.Flush(); err != nil {
		return model.FileRef{}, errors.Wrapf(err, "flush %s", fw.name)
	}
	if err := fw.f.Sync(); err != nil {
		return model.FileRef{}, errors.Wrapf(err, "sync %s", fw.name)
	}
	if err := fw.f.Close(); err != nil {
		return model.FileRef{}, errors.Wrapf(err, "close %s", fw.name)
	}
	fw.f = nil
	return model.FileRef{Name: fw.name, Size: fw.off}, nil
}

// Writer builds one new file set: a data file and at most one stt file, both created
// on first use.
type Writer struct {
	dir     string
	fs      model.FileSet
	maxRows int

	data  *fileWriter
	index []model.BlockIdx

	stt        *fileWriter
	sttIndex   []model.SttBlk
	sttPending *model.BlockData

	created []string
	sugar   *zap.SugaredLogger
}

func newWriter(dir string, fs model.FileSet, maxRows int, logger *zap.Logger) *Writer {
	return &Writer{
		dir:     dir,
		fs:      model.FileSet{Fid: fs.Fid, CommitID: fs.CommitID, MinTs: fs.MinTs, MaxTs: fs.MaxTs},
		maxRows: maxRows,
		sugar:   logger.Sugar(),
	}
}

func (w *Writer) dataFile() (*fileWriter, error) {
	if w.data == nil {
		fw, err := createFile(w.dir, dataFileName(w.fs.Fid, w.fs.CommitID))
		if err != nil {
			return nil, err
		}
		w.data = fw
		w.created = append(w.created, fw.name)
	}
	return w.data, nil
}

func (w *Writer) sttFile() (*fileWriter, error) {
	if w.stt == nil {
		fw, err := createFile(w.dir, sttFileName(w.fs.Fid, w.fs.CommitID, 0))
		if err != nil {
			return nil, err
		}
		w.stt = fw
		w.created = append(w.created, fw.name)
	}
	return w.stt, nil
}

// addIndex records blk for table, keeping one index entry per table.
func (w *Writer) addIndex(table model.TableID, blk model.BlockInfo) error {
	n := len(w.index)
	if n > 0 {
		switch c := w.index[n-1].Table.Compare(table); {
		case c == 0:
			w.index[n-1].Blocks = append(w.index[n-1].Blocks, blk)
			return nil
		case c > 0:
			return errors.Errorf("data block for %s written after %s", table, w.index[n-1].Table)
		}
	}
	w.index = append(w.index, model.BlockIdx{Table: table, Blocks: []model.BlockInfo{blk}})
	return nil
}

func (w *Writer) WriteData(block *model.BlockData) error {
	if block.NumRows() == 0 {
		return nil
	}
	if block.Uids != nil {
		return errors.New("data block must hold a single table")
	}
	fw, err := w.dataFile()
	if err != nil {
		return err
	}
	body, sum, err := encode(block)
	if err != nil {
		return err
	}
	off, err := fw.write(body)
	if err != nil {
		return err
	}
	info := block.Info()
	info.Offset, info.Size, info.Checksum = off, int32(len(body)), sum
	return w.addIndex(block.Table(0), info)
}

func (w *Writer) CopyData(table model.TableID, blk model.BlockInfo, raw []byte) error {
	fw, err := w.dataFile()
	if err != nil {
		return err
	}
	off, err := fw.write(raw)
	if err != nil {
		return err
	}
	blk.Offset = off
	return w.addIndex(table, blk)
}

// WriteStt queues rows for the stt file. Consecutive flushes of child tables of one
// super table share a block until it reaches maxRows.
func (w *Writer) WriteStt(block *model.BlockData) error {
	if block.NumRows() == 0 {
		return nil
	}
	if p := w.sttPending; p != nil {
		if p.Suid != block.Suid || block.Suid == 0 || p.NumRows()+block.NumRows() > w.maxRows {
			if err := w.flushStt(); err != nil {
				return err
			}
		}
	}
	if w.sttPending == nil {
		w.sttPending = block
		return nil
	}
	for i := 0; i < block.NumRows(); i++ {
		w.sttPending.Append(block.Table(i), block.Row(i))
	}
	return nil
}

func (w *Writer) flushStt() error {
	block := w.sttPending
	w.sttPending = nil
	if block == nil {
		return nil
	}
	fw, err := w.sttFile()
	if err != nil {
		return err
	}
	body, sum, err := encode(block)
	if err != nil {
		return err
	}
	off, err := fw.write(body)
	if err != nil {
		return err
	}
	blk := block.SttInfo()
	blk.Offset, blk.Size, blk.Checksum = off, int32(len(body)), sum
	w.sttIndex = append(w.sttIndex, blk)
	return nil
}

// Finish seals the files and returns the new file set. A writer that received no rows
// returns a file set without files.
func (w *Writer) Finish() (model.FileSet, error) {
	if err := w.flushStt(); err != nil {
		return model.FileSet{}, err
	}
	if w.data != nil {
		ref, err := w.data.finish(w.index)
		if err != nil {
			return model.FileSet{}, err
		}
		w.fs.Data = &ref
	}
	if w.stt != nil {
		ref, err := w.stt.finish(w.sttIndex)
		if err != nil {
			return model.FileSet{}, err
		}
		w.fs.Stt = []model.FileRef{ref}
	}
	w.sugar.Debugw("file set written", "fid", w.fs.Fid, "cid", w.fs.CommitID,
		"tables", len(w.index), "sttBlocks", len(w.sttIndex))
	return w.fs, nil
}

// Abort closes and removes every file this writer created.
func (w *Writer) Abort() error {
	var result *multierror.Error
	for _, fw := range []*fileWriter{w.data, w.stt} {
		if fw != nil && fw.f != nil {
			if err := fw.f.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	for _, name := range w.created {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
