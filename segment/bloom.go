// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import "github.com/duskwatch/blackbox/types"

// EventTypeBloom is a fixed 256-bit bloom filter keyed by event variant tag.
// Three hash positions per tag (h, h*31, h*37 mod 256) give low-cost,
// low-selectivity pre-filtering: with at most a handful of distinct tags in
// the closed taxonomy it can only ever rule out "definitely none of this
// type", never narrow to "probably this one". The index builder fills one
// per segment (SegmentIndex.Bloom); IndexedReader.TimeRange does not
// consult it, so it never causes a segment to be skipped.
type EventTypeBloom struct {
	bits [4]uint64
}

func hashPositions(tag types.EventTag) [3]int {
	h := int(tag)
	return [3]int{h % 256, (h * 31) % 256, (h * 37) % 256}
}

// Insert marks tag as present in the filter.
func (b *EventTypeBloom) Insert(tag types.EventTag) {
	for _, bit := range hashPositions(tag) {
		b.setBit(bit)
	}
}

// MightContain reports whether tag may be present. A false return is
// definitive; a true return is not.
func (b EventTypeBloom) MightContain(tag types.EventTag) bool {
	for _, bit := range hashPositions(tag) {
		if !b.checkBit(bit) {
			return false
		}
	}
	return true
}

func (b *EventTypeBloom) setBit(i int) {
	b.bits[i/64] |= 1 << uint(i%64)
}

func (b EventTypeBloom) checkBit(i int) bool {
	return b.bits[i/64]&(1<<uint(i%64)) != 0
}
