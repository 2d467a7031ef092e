// Package metrics exposes Prometheus metrics for the capture engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture engine
type Metrics struct {
	// Segment lifecycle metrics
	SegmentsStarted   prometheus.Counter
	SegmentsCompleted prometheus.Counter
	SegmentsMerged    prometheus.Counter
	SegmentsEvicted   prometheus.Counter
	SegmentDuration   prometheus.Histogram
	RawSegmentFiles   prometheus.Gauge

	// Merge and compaction metrics
	MergeFailures      prometheus.Counter
	Compactions        prometheus.Counter
	CompactionFailures prometheus.Counter
	HeadTrimSeconds    prometheus.Counter
	MergedDuration     prometheus.Gauge

	// Recovery metrics
	RecorderRetries  prometheus.Counter
	RecorderAborts   prometheus.Counter
	RecoveryAttempts *prometheus.CounterVec

	// Interruption metrics
	Interruptions prometheus.Counter
}

// New creates and registers all metrics on the default registry
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all metrics and registers them on the given registerer
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SegmentsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_segments_started_total",
			Help: "Total number of segments opened for recording",
		}),
		SegmentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_segments_completed_total",
			Help: "Total number of segments closed by rotation, pause or finalize",
		}),
		SegmentsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_segments_merged_total",
			Help: "Total number of segments folded into the rolling merged stream",
		}),
		SegmentsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_segments_evicted_total",
			Help: "Total number of raw segment files deleted by retention",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_segment_duration_seconds",
			Help:    "Measured duration of completed segments in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		RawSegmentFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_raw_segment_files",
			Help: "Current number of raw segment files retained on disk",
		}),
		MergeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_merge_failures_total",
			Help: "Total number of failed segment appends",
		}),
		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_compactions_total",
			Help: "Total number of head-trim compactions of the merged stream",
		}),
		CompactionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_compaction_failures_total",
			Help: "Total number of failed head-trim compactions",
		}),
		HeadTrimSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_head_trim_seconds_total",
			Help: "Total seconds of audio removed from the head of the merged stream",
		}),
		MergedDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_merged_duration_seconds",
			Help: "Accumulated duration of the rolling merged stream in seconds",
		}),
		RecorderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_recorder_retries_total",
			Help: "Total number of recorder operations retried after an error",
		}),
		RecorderAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_recorder_aborts_total",
			Help: "Total number of recorder errors classified as fatal",
		}),
		RecoveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_recovery_attempts_total",
			Help: "Total number of degraded output recovery attempts by strategy",
		}, []string{"strategy"}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_interruptions_total",
			Help: "Total number of host interruptions handled",
		}),
	}
}
