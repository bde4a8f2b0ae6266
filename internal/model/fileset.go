package model

import (
	"sort"
)

type FileRef struct {
	Name string `msgpack:"name"`
	Size int64  `msgpack:"size"`
}

// FileSet is one time partition of storage: a primary data file plus overflow stt files.
// Stt files are listed oldest first.
type FileSet struct {
	Fid      int64     `msgpack:"fid"`
	CommitID uint64    `msgpack:"cid"`
	MinTs    int64     `msgpack:"mints"`
	MaxTs    int64     `msgpack:"maxts"`
	Data     *FileRef  `msgpack:"data"`
	Stt      []FileRef `msgpack:"stt"`
}

func (f FileSet) Files() []string {
	var names []string
	if f.Data != nil {
		names = append(names, f.Data.Name)
	}
	for _, s := range f.Stt {
		names = append(names, s.Name)
	}
	return names
}

// Manifest lists the live file sets sorted by Fid.
type Manifest struct {
	Version      uint64    `msgpack:"ver"`
	NextCommitID uint64    `msgpack:"ncid"`
	FileSets     []FileSet `msgpack:"fsets"`
}

func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return &Manifest{}
	}
	c := &Manifest{Version: m.Version, NextCommitID: m.NextCommitID, FileSets: make([]FileSet, len(m.FileSets))}
	for i, fs := range m.FileSets {
		c.FileSets[i] = fs
		if fs.Data != nil {
			d := *fs.Data
			c.FileSets[i].Data = &d
		}
		c.FileSets[i].Stt = append([]FileRef(nil), fs.Stt...)
	}
	return c
}

// Replace swaps the file set with the same Fid, inserting it when missing.
func (m *Manifest) Replace(fs FileSet) {
	i := sort.Search(len(m.FileSets), func(i int) bool { return m.FileSets[i].Fid >= fs.Fid })
	if i < len(m.FileSets) && m.FileSets[i].Fid == fs.Fid {
		m.FileSets[i] = fs
		return
	}
	m.FileSets = append(m.FileSets, FileSet{})
	copy(m.FileSets[i+1:], m.FileSets[i:])
	m.FileSets[i] = fs
}

func (m *Manifest) Remove(fid int64) {
	for i, fs := range m.FileSets {
		if fs.Fid == fid {
			m.FileSets = append(m.FileSets[:i], m.FileSets[i+1:]...)
			return
		}
	}
}
