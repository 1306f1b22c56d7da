// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package index builds and queries the sparse, in-memory per-segment index:
// time bounds, block checkpoints, and the variant bloom filter.
package index

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/duskwatch/blackbox/segment"
	"github.com/duskwatch/blackbox/types"
)

// BlockIndex is a checkpoint covering at least BlockSize of contiguous
// records within a segment; the segment's trailing block may be smaller.
type BlockIndex struct {
	FileOffset      int64
	FirstTimestamp  int64
	EventCount      uint32
}

// SegmentIndex is built by scanning a segment once.
type SegmentIndex struct {
	SegmentID      uint64
	FilePath       string
	FirstTimestamp int64
	LastTimestamp  int64
	FileSize       int64
	Blocks         []BlockIndex
	Bloom          segment.EventTypeBloom
	RecordCount    uint64
}

// Builder scans segment files and produces SegmentIndex values.
type Builder struct {
	BlockSize int64
	Logger    log.Logger
}

// NewBuilder returns a Builder with the given block size (bytes) and
// logger. A nil logger becomes a no-op logger.
func NewBuilder(blockSize int64, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{BlockSize: blockSize, Logger: logger}
}

// BuildAll scans every segment file discovered in dir and returns their
// indexes sorted by segment id. A segment that fails to index (bad magic,
// or cannot be opened) is skipped and logged, not fatal.
func (b *Builder) BuildAll(dir string) ([]SegmentIndex, error) {
	ids, err := segment.Discover(dir)
	if err != nil {
		return nil, err
	}

	indexes := make([]SegmentIndex, 0, len(ids))
	for _, id := range ids {
		path := segment.Path(dir, id)
		idx, err := b.BuildOne(id, path)
		if err != nil {
			level.Error(b.Logger).Log("msg", "failed to index segment", "segment_id", id, "path", path, "err", err)
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// BuildOne scans a single segment file and produces its index.
func (b *Builder) BuildOne(segmentID uint64, path string) (SegmentIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return SegmentIndex{}, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return SegmentIndex{}, fmt.Errorf("stat segment: %w", err)
	}

	magic := make([]byte, 4)
	if _, err := f.Read(magic); err != nil {
		return SegmentIndex{}, fmt.Errorf("read magic: %w", err)
	}
	if err := types.VerifyMagic(magic); err != nil {
		return SegmentIndex{}, err
	}

	idx := SegmentIndex{
		SegmentID: segmentID,
		FilePath:  path,
		FileSize:  fi.Size(),
	}

	blockSize := b.BlockSize
	if blockSize <= 0 {
		blockSize = 512 * 1024
	}

	blockStart := int64(4)
	var blockFirstTS int64
	blockHasRecord := false
	var blockCount uint32

	first := true
	_, scanErr := segment.ScanRecords(f, 4, func(rec segment.Record) error {
		if first {
			idx.FirstTimestamp = rec.Header.TimestampNS
			first = false
		}
		idx.LastTimestamp = rec.Header.TimestampNS
		idx.RecordCount++

		if tag, err := types.PeekTag(rec.Payload); err == nil {
			idx.Bloom.Insert(tag)
		} else {
			level.Debug(b.Logger).Log("msg", "skipping bloom insert for undecodable payload", "segment_id", segmentID, "offset", rec.Offset)
		}

		if !blockHasRecord {
			blockFirstTS = rec.Header.TimestampNS
			blockHasRecord = true
		}
		blockCount++

		nextOffset := rec.Offset + int64(types.HeaderLen) + int64(rec.Header.PayloadLen)
		if nextOffset-blockStart >= blockSize {
			idx.Blocks = append(idx.Blocks, BlockIndex{
				FileOffset:     blockStart,
				FirstTimestamp: blockFirstTS,
				EventCount:     blockCount,
			})
			blockStart = nextOffset
			blockCount = 0
			blockHasRecord = false
		}
		return nil
	})
	if scanErr != nil {
		return SegmentIndex{}, fmt.Errorf("scan segment %d: %w", segmentID, scanErr)
	}

	if blockCount > 0 {
		idx.Blocks = append(idx.Blocks, BlockIndex{
			FileOffset:     blockStart,
			FirstTimestamp: blockFirstTS,
			EventCount:     blockCount,
		})
	}

	level.Debug(b.Logger).Log(
		"msg", "indexed segment", "segment_id", segmentID,
		"blocks", len(idx.Blocks), "records", idx.RecordCount,
		"first_ts", time.Unix(0, idx.FirstTimestamp), "last_ts", time.Unix(0, idx.LastTimestamp),
	)
	return idx, nil
}

// FindRelevantSegments returns the subset of indexes whose [first,last]
// timestamp interval overlaps [startNS, endNS]. A nil bound is unbounded on
// that side.
func FindRelevantSegments(indexes []SegmentIndex, startNS, endNS *int64) []SegmentIndex {
	out := make([]SegmentIndex, 0, len(indexes))
	for _, idx := range indexes {
		afterStart := startNS == nil || idx.LastTimestamp >= *startNS
		beforeEnd := endNS == nil || idx.FirstTimestamp <= *endNS
		if afterStart && beforeEnd {
			out = append(out, idx)
		}
	}
	return out
}

// FindStartBlock returns the index into seg.Blocks of the greatest block
// whose FirstTimestamp is <= startNS, or 0 if no such block exists. Because
// a block's declared timestamp is a lower bound on the records inside it,
// this guarantees the target record is at or after the returned block.
func FindStartBlock(seg SegmentIndex, startNS int64) int {
	n := len(seg.Blocks)
	if n == 0 {
		return 0
	}
	i := sort.Search(n, func(i int) bool {
		return seg.Blocks[i].FirstTimestamp > startNS
	})
	if i == 0 {
		return 0
	}
	return i - 1
}
