// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskwatch/blackbox"
	"github.com/duskwatch/blackbox/types"
)

func ptr(n int64) *int64 { return &n }

func TestEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	require.Empty(t, r.Segments())
	_, _, ok := r.TimeBounds()
	require.False(t, ok)

	events, err := r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func appendAll(t *testing.T, rec *blackbox.Recorder, tsNS []int64) {
	t.Helper()
	for _, ts := range tsNS {
		ev := types.SystemMetrics{TS: time.Unix(0, ts).UTC(), CPUPercent: 1}
		require.NoError(t, rec.Append(ev))
	}
}

func TestSingleSegmentTimeRange(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir)
	require.NoError(t, err)
	appendAll(t, rec, []int64{100, 200, 300})
	require.NoError(t, rec.Close())

	r, err := Open(dir)
	require.NoError(t, err)

	events, err := r.TimeRange(ptr(150), ptr(250))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(200), events[0].Timestamp().UnixNano())
}

func TestTimeRangeInvertedBoundsIsEmpty(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir)
	require.NoError(t, err)
	appendAll(t, rec, []int64{100, 200})
	require.NoError(t, rec.Close())

	r, err := Open(dir)
	require.NoError(t, err)

	events, err := r.TimeRange(ptr(250), ptr(50))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAppendThenReadRoundTripAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir, blackbox.WithSegmentSize(256), blackbox.WithMaxSegments(100))
	require.NoError(t, err)

	var tsNS []int64
	for i := int64(0); i < 50; i++ {
		ts := 1000 + i
		tsNS = append(tsNS, ts)
		ev := types.Anomaly{TS: time.Unix(0, ts).UTC(), Kind: "k", Message: "a reasonably sized message to force rotation"}
		require.NoError(t, rec.Append(ev))
	}
	require.NoError(t, rec.Close())

	r, err := Open(dir)
	require.NoError(t, err)
	require.Greater(t, len(r.Segments()), 1)

	events, err := r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, events, len(tsNS))
	for i, ev := range events {
		require.Equal(t, tsNS[i], ev.Timestamp().UnixNano())
	}
}

func TestRefreshPicksUpNewAppends(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir)
	require.NoError(t, err)
	appendAll(t, rec, []int64{100})

	r, err := Open(dir)
	require.NoError(t, err)
	events, err := r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	appendAll(t, rec, []int64{200})
	require.NoError(t, rec.Close())

	// Without refresh, the reader still only sees the first append.
	events, err = r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, r.Refresh())
	events, err = r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSegmentGoneIsSkipped(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir, blackbox.WithSegmentSize(256), blackbox.WithMaxSegments(100))
	require.NoError(t, err)
	for i := int64(0); i < 20; i++ {
		ev := types.Anomaly{TS: time.Unix(0, 1000+i).UTC(), Kind: "k", Message: "padding to force a rotation boundary here"}
		require.NoError(t, rec.Append(ev))
	}
	require.NoError(t, rec.Close())

	r, err := Open(dir)
	require.NoError(t, err)
	segs := r.Segments()
	require.Greater(t, len(segs), 1)

	require.NoError(t, os.Remove(segs[0].FilePath))

	events, err := r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Less(t, len(events), 20)
}

func TestTruncatedTailRecovery(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir)
	require.NoError(t, err)
	appendAll(t, rec, []int64{100, 200, 300})
	require.NoError(t, rec.Close())

	path := filepath.Join(dir, "segment_00000.dat")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-2))

	r, err := Open(dir)
	require.NoError(t, err)
	events, err := r.TimeRange(nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestEstimatedCount(t *testing.T) {
	dir := t.TempDir()
	rec, err := blackbox.Open(dir)
	require.NoError(t, err)
	appendAll(t, rec, []int64{1, 2, 3, 4, 5})
	require.NoError(t, rec.Close())

	r, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.EstimatedCount())
}
