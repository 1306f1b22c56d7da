// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the on-disk segment file format: naming,
// MAGIC framing, and the single sequential record scanner shared by the
// index builder and crash-recovery truncation.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/duskwatch/blackbox/types"
)

var nameRe = regexp.MustCompile(`^segment_(\d{5,})\.dat$`)

// FileName returns the canonical on-disk name for segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("segment_%05d.dat", id)
}

// Path joins dir with the canonical file name for id.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, FileName(id))
}

// ParseID extracts the segment id from a file name, returning ok=false if
// name does not match the segment_<digits>.dat pattern.
func ParseID(name string) (id uint64, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Discover lists dir for segment files and returns their ids sorted
// ascending. Non-matching entries are ignored.
func Discover(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read segment dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sortUint64s(ids)
	return ids, nil
}

func sortUint64s(xs []uint64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// Record is one decoded header plus its payload bytes, as seen by a
// sequential scan. Offset is the byte offset of the header, always a
// boundary a block checkpoint may point to.
type Record struct {
	Offset  int64
	Header  types.RecordHeader
	Payload []byte
}

// VisitFunc is called once per successfully decoded record during a scan.
// Returning a non-nil error stops the scan and propagates the error.
type VisitFunc func(rec Record) error

// ScanRecords sequentially decodes records from r, which must be positioned
// at a header boundary (normally offset 4, immediately after MAGIC), and
// invokes fn for each complete record. It stops cleanly, without error, at
// the first short read or truncated payload: this is both the normal
// end-of-data case and the tolerance for a crash mid-write. It returns the
// number of bytes of complete records consumed, i.e. the offset of the
// first byte of the torn tail (if any).
func ScanRecords(r io.Reader, startOffset int64, fn VisitFunc) (consumed int64, err error) {
	offset := startOffset
	hdrBuf := make([]byte, types.HeaderLen)
	for {
		n, rerr := io.ReadFull(r, hdrBuf)
		if rerr != nil {
			if n == 0 || rerr == io.ErrUnexpectedEOF || rerr == io.EOF {
				// Clean end of data, or a torn header: stop without error.
				return offset, nil
			}
			return offset, fmt.Errorf("read record header at %d: %w", offset, rerr)
		}
		hdr, herr := types.DecodeHeader(hdrBuf)
		if herr != nil {
			return offset, nil
		}

		payload := make([]byte, hdr.PayloadLen)
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			// Torn payload: the record header was written but the payload
			// wasn't fully flushed before a crash. Stop at the last good
			// boundary.
			return offset, nil
		}

		if err := fn(Record{Offset: offset, Header: hdr, Payload: payload}); err != nil {
			return offset, err
		}

		offset += int64(types.HeaderLen) + int64(hdr.PayloadLen)
	}
}
