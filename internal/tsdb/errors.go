package tsdb

import (
	"errors"
)

var (
	ErrReaderClosed    = errors.New("reader closed")
	ErrManifestChanged = errors.New("manifest changed since compaction began")
	ErrUnknownMode     = errors.New("unknown compaction mode")
	ErrNoColumns       = errors.New("no columns requested")
	ErrNoBatch         = errors.New("no batch to retrieve")
)
