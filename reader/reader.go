// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package reader implements the indexed, memory-mapped time-range query
// engine described in spec.md §4.4: prune to relevant segments via the
// sparse index, mmap each survivor, and scan from the best starting block.
package reader

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/edsrzf/mmap-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duskwatch/blackbox/index"
	"github.com/duskwatch/blackbox/types"
)

const defaultBlockSize = 512 * 1024

type readerOpt func(*IndexedReader)

// WithLogger sets the logger used for diagnostics (bad magic, segment-gone,
// corrupt records encountered mid-query).
func WithLogger(l log.Logger) readerOpt {
	return func(r *IndexedReader) { r.logger = l }
}

// WithRegisterer sets the Prometheus registerer used for query metrics.
func WithRegisterer(reg prometheus.Registerer) readerOpt {
	return func(r *IndexedReader) { r.reg = reg }
}

// WithBlockSize overrides the block size used when building indexes, i.e.
// how many bytes of records each sparse checkpoint covers. Any positive
// size gives the same query results; a larger one gives fewer checkpoints
// and a longer scan forward from the start block.
func WithBlockSize(n int64) readerOpt {
	return func(r *IndexedReader) { r.blockSize = n }
}

// IndexedReader answers time-range queries over a directory of segments,
// refreshing its index set on demand.
type IndexedReader struct {
	dir       string
	blockSize int64
	logger    log.Logger
	reg       prometheus.Registerer

	mu      sync.RWMutex
	indexes []index.SegmentIndex

	metrics   *readerMetrics
	latencies *hdrhistogram.Histogram
	latMu     sync.Mutex
}

type readerMetrics struct {
	queries         prometheus.Counter
	segmentsPruned  prometheus.Counter
	segmentsScanned prometheus.Counter
	segmentsGone    prometheus.Counter
	recordsSkipped  prometheus.Counter
	queryDuration   prometheus.Histogram
}

func newReaderMetrics(reg prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		queries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_reader_queries_total",
			Help: "Number of TimeRange queries executed.",
		}),
		segmentsPruned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_reader_segments_pruned_total",
			Help: "Segments excluded by FindRelevantSegments before any I/O.",
		}),
		segmentsScanned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_reader_segments_scanned_total",
			Help: "Segments opened and scanned to answer queries.",
		}),
		segmentsGone: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_reader_segments_gone_total",
			Help: "Segments that disappeared between index build and query (ring eviction race).",
		}),
		recordsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_reader_records_skipped_total",
			Help: "Records skipped due to payload deserialization failure.",
		}),
		queryDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "blackbox_reader_query_duration_seconds",
			Help:    "TimeRange query wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Open builds an index over every segment file currently in dir.
func Open(dir string, opts ...readerOpt) (*IndexedReader, error) {
	r := &IndexedReader{
		dir:       dir,
		blockSize: defaultBlockSize,
		logger:    log.NewNopLogger(),
		reg:       prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newReaderMetrics(r.reg)
	r.latencies = hdrhistogram.New(1, 60_000_000, 3) // 1us..60s, 3 significant digits

	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the index set so subsequent queries see newly appended
// or rotated segments. It returns a view at least as fresh as the moment it
// is called.
func (r *IndexedReader) Refresh() error {
	b := index.NewBuilder(r.blockSize, r.logger)
	indexes, err := b.BuildAll(r.dir)
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	r.mu.Lock()
	r.indexes = indexes
	r.mu.Unlock()
	return nil
}

// Segments returns the current index set, sorted by segment id.
func (r *IndexedReader) Segments() []index.SegmentIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]index.SegmentIndex, len(r.indexes))
	copy(out, r.indexes)
	return out
}

// TimeBounds returns the first and last timestamp covered by all indexed
// segments, or ok=false if there are none.
func (r *IndexedReader) TimeBounds() (first, last int64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.indexes) == 0 {
		return 0, 0, false
	}
	return r.indexes[0].FirstTimestamp, r.indexes[len(r.indexes)-1].LastTimestamp, true
}

// EstimatedCount sums block event counts across all indexed segments.
func (r *IndexedReader) EstimatedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, idx := range r.indexes {
		for _, b := range idx.Blocks {
			total += uint64(b.EventCount)
		}
	}
	return total
}

// TimeRange returns events with timestamps in [start, end] (inclusive, UTC
// nanoseconds), in temporal order. Either bound may be nil for "unbounded
// on that side".
func (r *IndexedReader) TimeRange(start, end *int64) ([]types.Event, error) {
	startTime := time.Now()
	r.metrics.queries.Inc()
	defer func() {
		elapsed := time.Since(startTime)
		r.metrics.queryDuration.Observe(elapsed.Seconds())
		r.latMu.Lock()
		_ = r.latencies.RecordValue(elapsed.Microseconds())
		r.latMu.Unlock()
	}()

	if start != nil && end != nil && *start > *end {
		return nil, nil
	}

	r.mu.RLock()
	indexes := make([]index.SegmentIndex, len(r.indexes))
	copy(indexes, r.indexes)
	r.mu.RUnlock()

	relevant := index.FindRelevantSegments(indexes, start, end)
	r.metrics.segmentsPruned.Add(float64(len(indexes) - len(relevant)))

	var out []types.Event
	for _, seg := range relevant {
		events, err := r.scanSegment(seg, start, end)
		if err != nil {
			if os.IsNotExist(err) {
				r.metrics.segmentsGone.Inc()
				level.Warn(r.logger).Log("msg", "segment gone during query, skipping", "segment_id", seg.SegmentID)
				continue
			}
			return nil, err
		}
		r.metrics.segmentsScanned.Inc()
		out = append(out, events...)
	}
	return out, nil
}

// LatencyHistogram exposes the HDR histogram of query latencies
// (microseconds) accumulated by this reader.
func (r *IndexedReader) LatencyHistogram() *hdrhistogram.Histogram {
	r.latMu.Lock()
	defer r.latMu.Unlock()
	return hdrhistogram.Import(r.latencies.Export())
}

func (r *IndexedReader) scanSegment(seg index.SegmentIndex, start, end *int64) ([]types.Event, error) {
	f, err := os.Open(seg.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap segment %d: %w", seg.SegmentID, err)
	}
	defer m.Unmap()

	if err := types.VerifyMagic(m); err != nil {
		level.Error(r.logger).Log("msg", "bad magic, skipping segment", "segment_id", seg.SegmentID, "err", err)
		return nil, nil
	}

	// Scan only the bytes the index saw; records appended since the last
	// Refresh stay invisible until the next one.
	limit := int64(len(m))
	if seg.FileSize < limit {
		limit = seg.FileSize
	}

	startOffset := int64(4)
	if start != nil {
		blockIdx := index.FindStartBlock(seg, *start)
		if blockIdx < len(seg.Blocks) {
			startOffset = seg.Blocks[blockIdx].FileOffset
		}
	}
	if startOffset >= limit {
		return nil, nil
	}

	var out []types.Event
	for off := startOffset; off+int64(types.HeaderLen) <= limit; {
		hdr, err := types.DecodeHeader(m[off : off+int64(types.HeaderLen)])
		if err != nil {
			break
		}
		if end != nil && hdr.TimestampNS > *end {
			break
		}
		payloadStart := off + int64(types.HeaderLen)
		payloadEnd := payloadStart + int64(hdr.PayloadLen)
		if payloadEnd > limit {
			break
		}
		payload := m[payloadStart:payloadEnd]

		if start == nil || hdr.TimestampNS >= *start {
			ev, err := types.DecodeEvent(payload)
			if err != nil {
				r.metrics.recordsSkipped.Inc()
				level.Warn(r.logger).Log("msg", "skipping undecodable event", "segment_id", seg.SegmentID, "offset", off, "err", err)
			} else {
				out = append(out, ev)
			}
		}
		off = payloadEnd
	}
	return out, nil
}
