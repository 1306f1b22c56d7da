// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package blackbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type recorderMetrics struct {
	appends               prometheus.Counter
	bytesWritten          prometheus.Counter
	recordsWritten        prometheus.Counter
	segmentRotations      prometheus.Counter
	segmentDeletions      prometheus.Counter
	flushes               prometheus.Counter
	appendErrors          prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
	currentSegmentID      prometheus.Gauge
	oldestSegmentID       prometheus.Gauge
}

func newRecorderMetrics(reg prometheus.Registerer) *recorderMetrics {
	return &recorderMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_appends_total",
			Help: "Number of events successfully appended.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_bytes_written_total",
			Help: "Bytes written to segment files, including record headers.",
		}),
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_records_written_total",
			Help: "Records written, counted the same as appends.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_segment_rotations_total",
			Help: "Number of times the recorder moved to a new segment file.",
		}),
		segmentDeletions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_segment_deletions_total",
			Help: "Number of oldest segments deleted to enforce the ring cap.",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_flushes_total",
			Help: "Number of durable flushes of the OS write buffer.",
		}),
		appendErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blackbox_recorder_append_errors_total",
			Help: "Number of Append calls that returned an error.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blackbox_recorder_last_segment_age_seconds",
			Help: "Seconds between creation and sealing of the most recently rotated segment.",
		}),
		currentSegmentID: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blackbox_recorder_current_segment_id",
			Help: "The id of the segment currently being appended to.",
		}),
		oldestSegmentID: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blackbox_recorder_oldest_segment_id",
			Help: "The id of the oldest retained segment.",
		}),
	}
}
