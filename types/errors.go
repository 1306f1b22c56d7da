// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import "errors"

var (
	// ErrCorrupt is returned when a segment's magic number or record framing
	// cannot be trusted.
	ErrCorrupt = errors.New("blackbox: corrupt segment")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("blackbox: closed")

	// ErrNotFound denotes a lookup with no matching data. TimeRange does not
	// return it: a query with no matches yields an empty result and a nil
	// error.
	ErrNotFound = errors.New("blackbox: not found")

	// ErrSegmentGone denotes a segment a reader had indexed that has since
	// been deleted by the recorder's ring eviction. TimeRange does not
	// return it: such a segment is logged, counted and skipped.
	ErrSegmentGone = errors.New("blackbox: segment gone")

	// ErrNonMonotonic is returned by Append when an event's timestamp is
	// older than the last record written to the log.
	ErrNonMonotonic = errors.New("blackbox: non-monotonic timestamp")

	// ErrRotationCollision is returned when rotation would create a segment
	// file that already exists on disk: the monotonic segment ID invariant
	// has been violated and the recorder refuses to continue writing.
	ErrRotationCollision = errors.New("blackbox: rotation target segment already exists")
)
