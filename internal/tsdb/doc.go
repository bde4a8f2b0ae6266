// Package tsdb is the read and compaction core of the time-series store.
//
// Rows of a table can live in the current memory table, the immutable memory table
// and in any number of on-disk file sets (one data file plus small stt overflow files).
// Every origin is wrapped in a RowSource; a MergeTree keeps the head row of each
// open source ordered by (table, timestamp, version) and hands out the next row.
// RowMerger folds the versions of one timestamp into a single row, the newest write
// winning per column.
//
// Reader walks file sets in scan order and decides per data block whether it can be
// handed out untouched, whether pending memory rows come first, or whether the block
// must be merged row by row. Compactor runs the same merge over the disk sources of
// every file set, drops rows of deleted tables, and rewrites the set into new files.
package tsdb
