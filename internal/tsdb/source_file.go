package tsdb

import (
	"github.com/S0me0neR0man/tsstash/internal/model"
)

// copyPredicate decides whether blocks[i] of table may be handed over undecoded.
type copyPredicate func(table model.TableID, blocks []model.BlockInfo, i int) bool

// dataFileSource walks every table of a data file in index order, block by block.
type dataFileSource struct {
	r        model.FileSetReader
	index    []model.BlockIdx
	copyable copyPredicate

	iIdx  int
	iBlk  int
	block *model.BlockData
	iRow  int

	cur     RowInfo
	has     bool
	skipped int
}

func newDataFileSource(r model.FileSetReader, copyable copyPredicate) (*dataFileSource, error) {
	index, err := r.BlockIndex()
	if err != nil {
		return nil, err
	}
	s := &dataFileSource{r: r, index: index, copyable: copyable, cur: RowInfo{Rank: rankData}}
	if err := s.settle(nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *dataFileSource) Peek() *RowInfo {
	if !s.has {
		return nil
	}
	return &s.cur
}

func (s *dataFileSource) Advance(exclude *TableFilter) error {
	if !s.has {
		return nil
	}
	if s.cur.Block != nil {
		s.iBlk++
	} else {
		s.iRow++
	}
	return s.settle(exclude)
}

func (s *dataFileSource) skipTable() {
	idx := s.index[s.iIdx]
	if s.block != nil {
		s.skipped += s.block.NumRows() - s.iRow
		s.iBlk++
	}
	for i := s.iBlk; i < len(idx.Blocks); i++ {
		s.skipped += idx.Blocks[i].Rows
	}
	s.block = nil
	s.iIdx++
	s.iBlk = 0
}

func (s *dataFileSource) settle(exclude *TableFilter) error {
	s.has = false
	s.cur.Block = nil
	for s.iIdx < len(s.index) {
		idx := s.index[s.iIdx]
		if exclude.Match(idx.Table) {
			s.skipTable()
			continue
		}
		if s.block != nil {
			if s.iRow < s.block.NumRows() {
				row := s.block.Row(s.iRow)
				s.cur.Table, s.cur.Row, s.cur.Key = idx.Table, row, row.Key
				s.has = true
				return nil
			}
			s.block = nil
			s.iBlk++
		}
		if s.iBlk >= len(idx.Blocks) {
			s.iIdx++
			s.iBlk = 0
			continue
		}

		blk := idx.Blocks[s.iBlk]
		if s.copyable != nil && s.copyable(idx.Table, idx.Blocks, s.iBlk) {
			s.cur.Table, s.cur.Row, s.cur.Key = idx.Table, nil, blk.MinKey
			s.cur.Block = &idx.Blocks[s.iBlk]
			s.has = true
			return nil
		}
		block, err := s.r.ReadBlock(idx.Table, blk, nil)
		if err != nil {
			return err
		}
		s.block, s.iRow = block, 0
	}
	return nil
}

// sttFileSource walks the blocks of one stt file; a block may hold several tables.
type sttFileSource struct {
	r     model.FileSetReader
	stt   int
	blks  []model.SttBlk
	iBlk  int
	block *model.BlockData
	iRow  int

	cur     RowInfo
	has     bool
	skipped int
}

func newSttFileSource(r model.FileSetReader, stt int) (*sttFileSource, error) {
	blks, err := r.SttBlocks(stt)
	if err != nil {
		return nil, err
	}
	s := &sttFileSource{r: r, stt: stt, blks: blks, cur: RowInfo{Rank: rankStt + stt}}
	if err := s.settle(nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sttFileSource) Peek() *RowInfo {
	if !s.has {
		return nil
	}
	return &s.cur
}

func (s *sttFileSource) Advance(exclude *TableFilter) error {
	if !s.has {
		return nil
	}
	s.iRow++
	return s.settle(exclude)
}

// excludesBlock reports whether every row of blk matches the filter.
func excludesBlock(f *TableFilter, blk *model.SttBlk) bool {
	if f == nil {
		return false
	}
	if f.Uid != 0 {
		return blk.MinUid == f.Uid && blk.MaxUid == f.Uid
	}
	return f.Suid != 0 && blk.Suid == f.Suid
}

func (s *sttFileSource) settle(exclude *TableFilter) error {
	s.has = false
	for {
		if s.block != nil {
			for ; s.iRow < s.block.NumRows(); s.iRow++ {
				table := s.block.Table(s.iRow)
				if exclude.Match(table) {
					s.skipped++
					continue
				}
				row := s.block.Row(s.iRow)
				s.cur.Table, s.cur.Row, s.cur.Key = table, row, row.Key
				s.has = true
				return nil
			}
			s.block = nil
			s.iBlk++
		}
		if s.iBlk >= len(s.blks) {
			return nil
		}
		blk := &s.blks[s.iBlk]
		if excludesBlock(exclude, blk) {
			s.skipped += blk.Rows
			s.iBlk++
			continue
		}
		block, err := s.r.ReadSttBlock(s.stt, *blk, nil)
		if err != nil {
			return err
		}
		s.block, s.iRow = block, 0
	}
}
