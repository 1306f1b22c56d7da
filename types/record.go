// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
)

// MAGIC identifies a valid segment file. A decoder must reject any file
// whose first four bytes do not match.
const MAGIC uint32 = 0xBB10_0001

// HeaderLen is the fixed, endian-stable size in bytes of a RecordHeader on
// disk: a 16-byte signed timestamp followed by a 4-byte unsigned length.
const HeaderLen = 20

// RecordHeader precedes every event payload in a segment.
//
// The on-disk wire format reserves a full 16 bytes for timestamp_unix_ns to
// allow a future move to a wider range, but Unix nanosecond timestamps fit
// comfortably in an int64 for the next several centuries. TimestampNS is
// kept as a native int64; EncodeHeader/DecodeHeader sign-extend it into the
// full 16-byte field so the on-disk layout stays byte-for-byte compatible.
type RecordHeader struct {
	TimestampNS int64
	PayloadLen  uint32
}

// EncodeHeader writes the fixed 20-byte header layout into dst, which must
// be at least HeaderLen bytes.
func EncodeHeader(dst []byte, h RecordHeader) {
	_ = dst[HeaderLen-1] // bounds check hint
	var hi uint64
	if h.TimestampNS < 0 {
		hi = ^uint64(0)
	}
	binary.LittleEndian.PutUint64(dst[0:8], uint64(h.TimestampNS))
	binary.LittleEndian.PutUint64(dst[8:16], hi)
	binary.LittleEndian.PutUint32(dst[16:20], h.PayloadLen)
}

// DecodeHeader parses a fixed 20-byte header. src must be at least
// HeaderLen bytes; callers that only have a short read should not call this
// and should instead treat it as end-of-data.
func DecodeHeader(src []byte) (RecordHeader, error) {
	if len(src) < HeaderLen {
		return RecordHeader{}, fmt.Errorf("%w: short header read (%d bytes)", ErrCorrupt, len(src))
	}
	lo := binary.LittleEndian.Uint64(src[0:8])
	payloadLen := binary.LittleEndian.Uint32(src[16:20])
	return RecordHeader{TimestampNS: int64(lo), PayloadLen: payloadLen}, nil
}

// EncodeMagic writes the 4-byte little-endian magic number.
func EncodeMagic(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], MAGIC)
}

// VerifyMagic checks that src begins with the magic number.
func VerifyMagic(src []byte) error {
	if len(src) < 4 {
		return fmt.Errorf("%w: file too small for magic number", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(src[0:4]) != MAGIC {
		return fmt.Errorf("%w: bad magic number", ErrCorrupt)
	}
	return nil
}
