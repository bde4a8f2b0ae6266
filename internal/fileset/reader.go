package fileset

import (
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

type mappedFile struct {
	name string
	f    *os.File
	m    mmap.MMap
}

func openMapped(dir, name string) (*mappedFile, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat %s", name)
	}
	if st.Size() < footerSize {
		_ = f.Close()
		return nil, errors.Wrapf(model.ErrDecode, "%s: %d bytes", name, st.Size())
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "mmap %s", name)
	}
	return &mappedFile{name: name, f: f, m: m}, nil
}

func (mf *mappedFile) body(off int64, size int32) ([]byte, error) {
	n := int64(len(mf.m))
	if off < 0 || size < 0 || off > n || int64(size) > n-off {
		return nil, errors.Wrapf(model.ErrDecode, "%s: block [%d,+%d) out of file", mf.name, off, size)
	}
	return mf.m[off : off+int64(size)], nil
}

func (mf *mappedFile) readIndex(v interface{}) error {
	ft, err := decodeFooter(mf.m)
	if err != nil {
		return errors.Wrap(err, mf.name)
	}
	body := mf.m[ft.indexOffset : ft.indexOffset+uint64(ft.indexSize)]
	return errors.Wrapf(decode(body, ft.indexChecksum, v), "%s index", mf.name)
}

func (mf *mappedFile) close() error {
	var result *multierror.Error
	if err := mf.m.Unmap(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := mf.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Reader gives access to the blocks of one file set. Indexes are read once.
type Reader struct {
	fs       model.FileSet
	data     *mappedFile
	stt      []*mappedFile
	index    []model.BlockIdx
	sttIndex [][]model.SttBlk
}

func openReader(dir string, fs model.FileSet) (*Reader, error) {
	r := &Reader{fs: fs, sttIndex: make([][]model.SttBlk, len(fs.Stt))}
	if fs.Data != nil {
		mf, err := openMapped(dir, fs.Data.Name)
		if err != nil {
			return nil, err
		}
		r.data = mf
	}
	for _, ref := range fs.Stt {
		mf, err := openMapped(dir, ref.Name)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.stt = append(r.stt, mf)
	}
	return r, nil
}

func (r *Reader) FileSet() model.FileSet {
	return r.fs
}

func (r *Reader) BlockIndex() ([]model.BlockIdx, error) {
	if r.data == nil || r.index != nil {
		return r.index, nil
	}
	var index []model.BlockIdx
	if err := r.data.readIndex(&index); err != nil {
		return nil, err
	}
	if index == nil {
		index = []model.BlockIdx{}
	}
	r.index = index
	return r.index, nil
}

func (r *Reader) ReadBlock(table model.TableID, blk model.BlockInfo, cols []model.ColumnID) (*model.BlockData, error) {
	if r.data == nil {
		return nil, errors.Wrap(model.ErrDecode, "file set has no data file")
	}
	body, err := r.data.body(blk.Offset, blk.Size)
	if err != nil {
		return nil, err
	}
	block := &model.BlockData{}
	if err := decode(body, blk.Checksum, block); err != nil {
		return nil, errors.Wrapf(err, "%s block at %d", r.data.name, blk.Offset)
	}
	if block.Uids != nil || block.Suid != table.Suid || block.Uid != table.Uid || block.NumRows() != blk.Rows {
		return nil, errors.Wrapf(model.ErrDecode, "%s block at %d does not belong to %s", r.data.name, blk.Offset, table)
	}
	if err := checkBlock(block); err != nil {
		return nil, errors.Wrapf(err, "%s block at %d", r.data.name, blk.Offset)
	}
	block.Project(cols)
	return block, nil
}

func (r *Reader) RawBlock(blk model.BlockInfo) ([]byte, error) {
	if r.data == nil {
		return nil, errors.Wrap(model.ErrDecode, "file set has no data file")
	}
	body, err := r.data.body(blk.Offset, blk.Size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), body...), nil
}

func (r *Reader) SttCount() int {
	return len(r.stt)
}

func (r *Reader) SttBlocks(stt int) ([]model.SttBlk, error) {
	if r.sttIndex[stt] != nil {
		return r.sttIndex[stt], nil
	}
	var index []model.SttBlk
	if err := r.stt[stt].readIndex(&index); err != nil {
		return nil, err
	}
	if index == nil {
		index = []model.SttBlk{}
	}
	r.sttIndex[stt] = index
	return index, nil
}

func (r *Reader) ReadSttBlock(stt int, blk model.SttBlk, cols []model.ColumnID) (*model.BlockData, error) {
	mf := r.stt[stt]
	body, err := mf.body(blk.Offset, blk.Size)
	if err != nil {
		return nil, err
	}
	block := &model.BlockData{}
	if err := decode(body, blk.Checksum, block); err != nil {
		return nil, errors.Wrapf(err, "%s block at %d", mf.name, blk.Offset)
	}
	if block.Suid != blk.Suid || block.NumRows() != blk.Rows {
		return nil, errors.Wrapf(model.ErrDecode, "%s block at %d does not match its descriptor", mf.name, blk.Offset)
	}
	if err := checkBlock(block); err != nil {
		return nil, errors.Wrapf(err, "%s block at %d", mf.name, blk.Offset)
	}
	block.Project(cols)
	return block, nil
}

func (r *Reader) Close() error {
	var result *multierror.Error
	if r.data != nil {
		if err := r.data.close(); err != nil {
			result = multierror.Append(result, err)
		}
		r.data = nil
	}
	for _, mf := range r.stt {
		if err := mf.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.stt = nil
	return result.ErrorOrNil()
}
