// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package blackbox

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/duskwatch/blackbox/bus"
	"github.com/duskwatch/blackbox/types"
)

// Default tunables.
const (
	DefaultSegmentSize   = 8 * 1024 * 1024
	DefaultBlockSize     = 512 * 1024
	DefaultMaxSegments   = 64
	DefaultFlushInterval = 30 // seconds
)

type recorderOpt func(*Recorder)

// WithSegmentSize overrides the target maximum segment size in bytes.
func WithSegmentSize(n int) recorderOpt {
	return func(r *Recorder) { r.segmentSize = n }
}

// WithBlockSize sets the recorder's block size in bytes. The recorder
// stores it but does not use it: block checkpoints are built by the
// reader's index builder, whose size is set with reader.WithBlockSize.
func WithBlockSize(n int64) recorderOpt {
	return func(r *Recorder) { r.blockSize = n }
}

// WithMaxSegments overrides the ring cap (maximum live segments).
func WithMaxSegments(n int) recorderOpt {
	return func(r *Recorder) { r.maxSegments = n }
}

// WithFlushIntervalSeconds overrides the wall-clock durable-flush interval.
func WithFlushIntervalSeconds(n int64) recorderOpt {
	return func(r *Recorder) { r.flushIntervalSec = n }
}

// WithLogger sets the logger used for recorder diagnostics.
func WithLogger(l log.Logger) recorderOpt {
	return func(r *Recorder) { r.logger = l }
}

// WithRegisterer sets the Prometheus registerer used for recorder metrics.
func WithRegisterer(reg prometheus.Registerer) recorderOpt {
	return func(r *Recorder) { r.reg = reg }
}

// WithBus attaches an event bus that receives a copy of every successfully
// appended event. Bus back-pressure never propagates to Append.
func WithBus(b *bus.Bus) recorderOpt {
	return func(r *Recorder) { r.bus = b }
}

func (r *Recorder) applyDefaultsAndValidate() error {
	if r.segmentSize <= 0 {
		r.segmentSize = DefaultSegmentSize
	}
	if r.blockSize <= 0 {
		r.blockSize = DefaultBlockSize
	}
	if r.maxSegments <= 0 {
		r.maxSegments = DefaultMaxSegments
	}
	if r.flushIntervalSec <= 0 {
		r.flushIntervalSec = DefaultFlushInterval
	}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}
	if r.reg == nil {
		r.reg = prometheus.NewRegistry()
	}
	if r.segmentSize < types.HeaderLen+4 {
		return fmt.Errorf("segment size %d too small to hold even an empty record", r.segmentSize)
	}
	return nil
}
