// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package blackbox implements the single-writer ring-buffered segment
// recorder: it appends Events to an append-only on-disk log, rotates at a
// size cap, and enforces a bounded ring of retained segments by deleting
// the oldest.
package blackbox

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/duskwatch/blackbox/bus"
	"github.com/duskwatch/blackbox/segment"
	"github.com/duskwatch/blackbox/types"
)

// SegmentMeta is the recorder's in-memory record of one segment's
// lifecycle. SealTime is the zero time for the current (unsealed) segment
// that is still being appended to.
type SegmentMeta struct {
	ID       uint64
	SealTime time.Time
}

// segmentMap is the recorder's ring state: every live segment id mapped to
// its lifecycle metadata. It is the single source of truth for which
// segments exist and which one is current; current/oldest are derived from
// it rather than cached alongside it, so there is nothing to let drift out
// of sync with the map. Replaced wholesale under the write lock rather than
// mutated in place, mirroring the teacher's atomic-swap state pattern.
type segmentMap = immutable.SortedMap[uint64, SegmentMeta]

// oldestID returns the smallest live segment id in m, or ok=false if m is
// empty.
func oldestID(m *segmentMap) (id uint64, ok bool) {
	it := m.Iterator()
	if it.Done() {
		return 0, false
	}
	id, _, _ = it.Next()
	return id, true
}

// currentID returns the greatest live segment id in m — the one the
// recorder is appending to — or ok=false if m is empty.
func currentID(m *segmentMap) (id uint64, ok bool) {
	it := m.Iterator()
	for !it.Done() {
		id, _, _ = it.Next()
		ok = true
	}
	return id, ok
}

// Recorder is the single writer to a log directory.
type Recorder struct {
	dir              string
	segmentSize      int
	blockSize        int64
	maxSegments      int
	flushIntervalSec int64
	logger           log.Logger
	reg              prometheus.Registerer
	metrics          *recorderMetrics
	bus              *bus.Bus

	writeMu  sync.Mutex
	segments atomic.Value // *segmentMap

	file      *os.File
	offset    int64
	lastFlush time.Time
	lastTS    int64
	openedAt  time.Time

	closed uint32
	fatal  error
}

// Open creates dir if missing, discovers existing segments, and opens the
// current segment for appending at end-of-file, writing MAGIC if the
// segment is new. If the current segment's tail is torn (a crash mid
// write), it is truncated to the last good record boundary before
// appending resumes.
func Open(dir string, opts ...recorderOpt) (*Recorder, error) {
	r := &Recorder{dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	r.metrics = newRecorderMetrics(r.reg)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	ids, err := segment.Discover(dir)
	if err != nil {
		return nil, err
	}

	segments := &segmentMap{}
	var current uint64
	if len(ids) == 0 {
		current = 0
	} else {
		current = ids[len(ids)-1]
		for _, id := range ids {
			sealed := time.Time{}
			if id != current {
				sealed = time.Unix(0, 1) // any non-zero marks it sealed
			}
			segments = segments.Set(id, SegmentMeta{ID: id, SealTime: sealed})
		}
	}

	path := segment.Path(dir, current)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open current segment: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat current segment: %w", err)
	}

	var offset int64
	var lastTS int64
	if fi.Size() == 0 {
		hdr := make([]byte, 4)
		types.EncodeMagic(hdr)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return nil, fmt.Errorf("write magic: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush new segment: %w", err)
		}
		offset = 4
	} else {
		magic := make([]byte, 4)
		if _, err := f.ReadAt(magic, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("read magic: %w", err)
		}
		if err := types.VerifyMagic(magic); err != nil {
			f.Close()
			return nil, err
		}

		if _, err := f.Seek(4, os.SEEK_SET); err != nil {
			f.Close()
			return nil, err
		}
		consumed, err := segment.ScanRecords(f, 4, func(rec segment.Record) error {
			lastTS = rec.Header.TimestampNS
			return nil
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pre-scan current segment: %w", err)
		}
		if consumed < fi.Size() {
			level.Warn(r.logger).Log("msg", "truncating torn tail record on open", "segment_id", current, "from", fi.Size(), "to", consumed)
			if err := f.Truncate(consumed); err != nil {
				f.Close()
				return nil, fmt.Errorf("truncate torn tail: %w", err)
			}
		}
		if _, err := f.Seek(consumed, os.SEEK_SET); err != nil {
			f.Close()
			return nil, err
		}
		offset = consumed
	}

	segments = segments.Set(current, SegmentMeta{ID: current})
	r.segments.Store(segments)
	r.file = f
	r.offset = offset
	r.lastTS = lastTS
	r.lastFlush = time.Now()
	r.openedAt = time.Now()

	oldest, _ := oldestID(segments)
	r.metrics.currentSegmentID.Set(float64(current))
	r.metrics.oldestSegmentID.Set(float64(oldest))

	return r, nil
}

func (r *Recorder) loadSegments() *segmentMap {
	return r.segments.Load().(*segmentMap)
}

// Segments returns the recorder's current view of every live segment,
// ordered by id, including each segment's seal time (the zero Time for the
// segment currently being appended to).
func (r *Recorder) Segments() []SegmentMeta {
	m := r.loadSegments()
	out := make([]SegmentMeta, 0, m.Len())
	it := m.Iterator()
	for !it.Done() {
		_, meta, _ := it.Next()
		out = append(out, meta)
	}
	return out
}

// Append serializes ev and writes it to the current segment, rotating
// first if the record would push the segment past its size cap: a record
// is never split across two segments, so an oversized tail write always
// lands whole in the new segment. On a wall-clock cadence it forces a
// durable flush. After a successful write, it offers ev to the bus; bus
// back-pressure never reaches the caller.
func (r *Recorder) Append(ev types.Event) error {
	if atomic.LoadUint32(&r.closed) == 1 {
		return types.ErrClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.fatal != nil {
		return r.fatal
	}

	ts := ev.Timestamp().UnixNano()
	if r.lastTS != 0 && ts < r.lastTS {
		level.Warn(r.logger).Log("msg", "rejecting non-monotonic append", "ts", ts, "last_ts", r.lastTS)
		return fmt.Errorf("%w: event ts %d < last ts %d", types.ErrNonMonotonic, ts, r.lastTS)
	}

	payload, err := types.EncodeEvent(ev)
	if err != nil {
		r.metrics.appendErrors.Inc()
		return fmt.Errorf("encode event: %w", err)
	}

	hdr := types.RecordHeader{TimestampNS: ts, PayloadLen: uint32(len(payload))}
	recordLen := int64(types.HeaderLen) + int64(len(payload))

	if r.offset+recordLen > int64(r.segmentSize) {
		if err := r.rotate(); err != nil {
			r.metrics.appendErrors.Inc()
			return err
		}
	}

	buf := make([]byte, types.HeaderLen)
	types.EncodeHeader(buf, hdr)
	buf = append(buf, payload...)

	n, err := r.file.Write(buf)
	if err != nil {
		// The offset must match the file's actual length after a failed
		// write: advance only by what was actually written.
		r.offset += int64(n)
		r.metrics.appendErrors.Inc()
		return fmt.Errorf("write record: %w", err)
	}

	r.offset += int64(n)
	r.lastTS = ts
	r.metrics.appends.Inc()
	r.metrics.recordsWritten.Inc()
	r.metrics.bytesWritten.Add(float64(n))

	now := time.Now()
	if now.Sub(r.lastFlush) >= time.Duration(r.flushIntervalSec)*time.Second {
		if err := r.file.Sync(); err != nil {
			r.metrics.appendErrors.Inc()
			return fmt.Errorf("flush segment: %w", err)
		}
		r.lastFlush = now
		r.metrics.flushes.Inc()
	}

	if r.bus != nil {
		r.bus.Publish(ev)
	}

	return nil
}

// rotate seals the current segment and opens the next one, enforcing the
// ring cap by deleting the oldest segment if necessary. writeMu must be
// held.
func (r *Recorder) rotate() error {
	segments := r.loadSegments()
	curID, ok := currentID(segments)
	if !ok {
		return fmt.Errorf("%w: recorder has no current segment", types.ErrClosed)
	}

	nextID := curID + 1
	nextPath := segment.Path(r.dir, nextID)

	if _, err := os.Stat(nextPath); err == nil {
		// The monotonicity invariant on segment IDs has been violated.
		// Refuse to continue writing.
		r.fatal = fmt.Errorf("%w: %s", types.ErrRotationCollision, nextPath)
		level.Error(r.logger).Log("msg", "rotation target already exists, refusing to continue", "path", nextPath)
		return r.fatal
	}

	sealedAt := time.Now()
	segments = segments.Set(curID, SegmentMeta{ID: curID, SealTime: sealedAt})
	r.metrics.lastSegmentAgeSeconds.Set(sealedAt.Sub(r.openedAt).Seconds())

	oldFile := r.file

	newFile, err := os.OpenFile(nextPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		r.fatal = fmt.Errorf("%w: create next segment: %v", types.ErrRotationCollision, err)
		return r.fatal
	}

	magic := make([]byte, 4)
	types.EncodeMagic(magic)
	if _, err := newFile.Write(magic); err != nil {
		newFile.Close()
		return fmt.Errorf("write magic to new segment: %w", err)
	}
	if err := newFile.Sync(); err != nil {
		newFile.Close()
		return fmt.Errorf("flush new segment magic: %w", err)
	}

	if err := oldFile.Close(); err != nil {
		level.Error(r.logger).Log("msg", "error closing sealed segment", "segment_id", curID, "err", err)
	}

	segments = segments.Set(nextID, SegmentMeta{ID: nextID})
	r.metrics.segmentRotations.Inc()

	oldest, _ := oldestID(segments)
	for nextID-oldest+1 > uint64(r.maxSegments) {
		oldPath := segment.Path(r.dir, oldest)
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			level.Error(r.logger).Log("msg", "failed to delete old segment", "segment_id", oldest, "err", err)
		} else {
			r.metrics.segmentDeletions.Inc()
		}
		segments = segments.Delete(oldest)
		oldest, _ = oldestID(segments)
	}

	r.file = newFile
	r.offset = 4
	r.lastFlush = time.Now()
	r.openedAt = time.Now()

	r.segments.Store(segments)
	r.metrics.currentSegmentID.Set(float64(nextID))
	r.metrics.oldestSegmentID.Set(float64(oldest))
	return nil
}

// CurrentSegmentID returns the id of the segment currently being appended
// to.
func (r *Recorder) CurrentSegmentID() uint64 {
	id, _ := currentID(r.loadSegments())
	return id
}

// OldestSegmentID returns the id of the oldest retained segment.
func (r *Recorder) OldestSegmentID() uint64 {
	id, _ := oldestID(r.loadSegments())
	return id
}

// Close flushes and closes the current segment file. It is an error to
// Append after Close.
func (r *Recorder) Close() error {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.file.Sync(); err != nil {
		level.Error(r.logger).Log("msg", "error flushing segment on close", "err", err)
	}
	return r.file.Close()
}
