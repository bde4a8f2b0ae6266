package fileset

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/S0me0neR0man/tsstash/internal/model"
)

// File layout shared by data and stt files:
//
//	block body 0 | block body 1 | ... | index | footer
//
// Every body and the index are snappy compressed msgpack. The footer is
// indexOffset u64 | indexSize u32 | indexChecksum u64 | reserved u32 | magic u32.
const (
	footerSize = 28
	magic      = uint32(0x7453_7431)

	manifestName    = "MANIFEST"
	manifestTmpName = "MANIFEST.tmp"
)

// maxDecodedSize caps the memory one block or index may expand to.
var maxDecodedSize = 256 << 20

type footer struct {
	indexOffset   uint64
	indexSize     uint32
	indexChecksum uint64
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:], f.indexOffset)
	binary.LittleEndian.PutUint32(buf[8:], f.indexSize)
	binary.LittleEndian.PutUint64(buf[12:], f.indexChecksum)
	binary.LittleEndian.PutUint32(buf[24:], magic)
	return buf
}

func decodeFooter(data []byte) (footer, error) {
	if len(data) < footerSize {
		return footer{}, errors.Wrapf(model.ErrDecode, "file too short: %d bytes", len(data))
	}
	buf := data[len(data)-footerSize:]
	if m := binary.LittleEndian.Uint32(buf[24:]); m != magic {
		return footer{}, errors.Wrapf(model.ErrDecode, "bad magic %#x", m)
	}
	f := footer{
		indexOffset:   binary.LittleEndian.Uint64(buf[0:]),
		indexSize:     binary.LittleEndian.Uint32(buf[8:]),
		indexChecksum: binary.LittleEndian.Uint64(buf[12:]),
	}
	limit := uint64(len(data) - footerSize)
	if f.indexOffset > limit || uint64(f.indexSize) > limit-f.indexOffset {
		return footer{}, errors.Wrapf(model.ErrDecode, "index [%d,+%d) out of file", f.indexOffset, f.indexSize)
	}
	return f, nil
}

// encode marshals v and compresses it. It returns the bytes and their checksum.
func encode(v interface{}) ([]byte, uint64, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshal")
	}
	body := snappy.Encode(nil, raw)
	return body, xxhash.Sum64(body), nil
}

// decode verifies the checksum of body and unmarshals it into v.
func decode(body []byte, checksum uint64, v interface{}) error {
	if sum := xxhash.Sum64(body); sum != checksum {
		return errors.Wrapf(model.ErrDecode, "checksum mismatch %x != %x", sum, checksum)
	}
	n, err := snappy.DecodedLen(body)
	if err != nil {
		return errors.Wrapf(model.ErrDecode, "snappy: %v", err)
	}
	if n > maxDecodedSize {
		return errors.Wrapf(model.ErrResourceExhausted, "block expands to %d bytes, limit %d", n, maxDecodedSize)
	}
	raw, err := snappy.Decode(make([]byte, n), body)
	if err != nil {
		return errors.Wrapf(model.ErrDecode, "snappy: %v", err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(model.ErrDecode, "msgpack: %v", err)
	}
	return nil
}

// checkBlock verifies that every per-row slice of a decoded block covers all its keys.
func checkBlock(b *model.BlockData) error {
	n := len(b.Keys)
	if len(b.SVers) != n {
		return errors.Wrapf(model.ErrDecode, "%d schema versions for %d rows", len(b.SVers), n)
	}
	if b.Uids != nil && len(b.Uids) != n {
		return errors.Wrapf(model.ErrDecode, "%d uids for %d rows", len(b.Uids), n)
	}
	for _, c := range b.Cols {
		if len(c.Flags) != n || len(c.Vals) != n {
			return errors.Wrapf(model.ErrDecode, "column %d: %d flags %d values for %d rows", c.ID, len(c.Flags), len(c.Vals), n)
		}
	}
	return nil
}

func dataFileName(fid int64, cid uint64) string {
	return fmt.Sprintf("v%df%d.data", cid, fid)
}

func sttFileName(fid int64, cid uint64, n int) string {
	return fmt.Sprintf("v%df%d.stt%d", cid, fid, n)
}
