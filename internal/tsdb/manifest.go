package tsdb

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// snapshot is one published manifest. Readers and compactions pin it for their whole
// run; the files a later commit made obsolete are removed once nothing older pins them.
type snapshot struct {
	manifest *model.Manifest
	refs     int
	retired  bool
	obsolete []model.FileSet
}

type manifestHolder struct {
	mu      sync.Mutex
	codec   model.Codec
	cur     *snapshot
	retired []*snapshot
	sugar   *zap.SugaredLogger
}

func newManifestHolder(codec model.Codec, m *model.Manifest, logger *zap.Logger) *manifestHolder {
	return &manifestHolder{
		codec: codec,
		cur:   &snapshot{manifest: m},
		sugar: logger.Sugar(),
	}
}

func (h *manifestHolder) acquire() *snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cur.refs++
	return h.cur
}

func (h *manifestHolder) release(s *snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.refs--
	if s.refs < 0 {
		panic("manifest snapshot released more often than acquired")
	}
	h.purge()
}

// commit publishes next if the current manifest is still base. The file sets in
// obsolete are removed once the snapshots that may read them are released.
func (h *manifestHolder) commit(base, next *model.Manifest, obsolete []model.FileSet) error {
	const msg = "commit:"

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cur.manifest.Version != base.Version {
		return errors.Wrapf(ErrManifestChanged, "%s base %d current %d", msg, base.Version, h.cur.manifest.Version)
	}
	if err := h.codec.SaveManifest(next); err != nil {
		return errors.Wrap(err, msg)
	}

	old := h.cur
	old.retired = true
	old.obsolete = obsolete
	h.retired = append(h.retired, old)
	h.cur = &snapshot{manifest: next}
	h.purge()
	return nil
}

// purge removes the obsolete files of retired snapshots, oldest first, stopping at the
// first one still pinned. Removal failures are only logged: the manifest no longer
// names those files.
func (h *manifestHolder) purge() {
	for len(h.retired) > 0 && h.retired[0].refs == 0 {
		s := h.retired[0]
		h.retired = h.retired[1:]
		for _, fs := range s.obsolete {
			if err := h.codec.RemoveFileSet(fs); err != nil {
				h.sugar.Warnw("obsolete file set not removed", "fid", fs.Fid, "cid", fs.CommitID, "error", err)
				continue
			}
			h.sugar.Debugw("obsolete file set removed", "fid", fs.Fid, "cid", fs.CommitID)
		}
	}
}

func (h *manifestHolder) current() *model.Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur.manifest.Clone()
}
