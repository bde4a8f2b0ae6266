package fileset

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// Codec stores file sets and the manifest in one directory.
type Codec struct {
	dir    string
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func NewCodec(dir string, logger *zap.Logger) (*Codec, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &Codec{dir: dir, logger: logger, sugar: logger.Sugar()}, nil
}

func (c *Codec) Dir() string {
	return c.dir
}

func (c *Codec) OpenFileSet(fs model.FileSet) (model.FileSetReader, error) {
	r, err := openReader(c.dir, fs)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Codec) CreateFileSet(fs model.FileSet, maxRows int) (model.FileSetWriter, error) {
	return newWriter(c.dir, fs, maxRows, c.logger), nil
}

func (c *Codec) RemoveFileSet(fs model.FileSet) error {
	var result *multierror.Error
	for _, name := range fs.Files() {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// LoadManifest reads the manifest; a missing file is an empty store.
func (c *Codec) LoadManifest() (*model.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, manifestName))
	if os.IsNotExist(err) {
		return &model.Manifest{NextCommitID: 1}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	m := &model.Manifest{}
	if err := msgpack.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(model.ErrDecode, "manifest: %v", err)
	}
	return m, nil
}

// SaveManifest replaces the manifest atomically: readers of the directory see either
// the old or the new file, never a torn one.
func (c *Codec) SaveManifest(m *model.Manifest) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}

	tmp := filepath.Join(c.dir, manifestTmpName)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create manifest")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write manifest")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close manifest")
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, manifestName)); err != nil {
		return errors.Wrap(err, "publish manifest")
	}
	if d, err := os.Open(c.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	c.sugar.Debugw("manifest saved", "version", m.Version, "fileSets", len(m.FileSets))
	return nil
}

// WriteFileSet is a helper for loaders and tests: it writes each block to the data file
// and each stt block to its own stt file (oldest first) and returns the sealed file set.
func (c *Codec) WriteFileSet(fs model.FileSet, data []*model.BlockData, stt [][]*model.BlockData, maxRows int) (model.FileSet, error) {
	w := newWriter(c.dir, fs, maxRows, c.logger)
	for _, b := range data {
		if err := w.WriteData(b); err != nil {
			_ = w.Abort()
			return model.FileSet{}, err
		}
	}
	out, err := w.Finish()
	if err != nil {
		_ = w.Abort()
		return model.FileSet{}, err
	}

	for n, blocks := range stt {
		sw := &Writer{dir: c.dir, fs: fs, maxRows: maxRows, sugar: c.sugar}
		fw, err := createFile(c.dir, sttFileName(fs.Fid, fs.CommitID, n))
		if err != nil {
			return model.FileSet{}, err
		}
		sw.stt = fw
		sw.created = []string{fw.name}
		for _, b := range blocks {
			sw.sttPending = b
			if err := sw.flushStt(); err != nil {
				_ = sw.Abort()
				return model.FileSet{}, err
			}
		}
		ref, err := fw.finish(sw.sttIndex)
		if err != nil {
			return model.FileSet{}, err
		}
		out.Stt = append(out.Stt, ref)
	}
	return out, nil
}
