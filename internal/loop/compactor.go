package loop

import (
	"os"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
)

// RetentionCompactor bounds disk usage after every merge. It evicts the
// oldest merged raw segment files beyond the configured count and trims the
// rolling stream's head when it grows past the window. Both actions are
// best effort: a failed compaction never interrupts recording.
type RetentionCompactor struct {
	maxSegments int
	maxDuration float64 // seconds
	logger      logging.Logger
	metrics     *metrics.Metrics
}

// NewRetentionCompactor creates a compactor keeping at most maxSegments raw
// segment files and at most maxDurationSec seconds of rolling audio.
func NewRetentionCompactor(maxSegments int, maxDurationSec float64, logger logging.Logger, m *metrics.Metrics) *RetentionCompactor {
	return &RetentionCompactor{
		maxSegments: maxSegments,
		maxDuration: maxDurationSec,
		logger:      logger,
		metrics:     m,
	}
}

// EnforceWindow applies both retention policies. Raw segments in
// SegmentCompleted are never evicted: they have not been merged yet and may
// be needed for recovery.
func (c *RetentionCompactor) EnforceWindow(acc *MergeAccumulator, log *SegmentLog) {
	c.evictExcessSegments(log)
	c.trimRollingStream(acc)

	if c.metrics != nil {
		c.metrics.Compactions.Inc()
		c.metrics.RawSegmentFiles.Set(float64(len(log.OnDisk())))
	}
}

func (c *RetentionCompactor) evictExcessSegments(log *SegmentLog) {
	onDisk := log.OnDisk()
	excess := len(onDisk) - c.maxSegments
	if excess <= 0 {
		return
	}

	for _, seg := range onDisk {
		if excess <= 0 {
			break
		}
		if seg.State != SegmentMerged {
			continue
		}
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to evict segment %d at %s: %v", seg.Index, seg.Path, err)
			if c.metrics != nil {
				c.metrics.CompactionFailures.Inc()
			}
			continue
		}
		seg.State = SegmentEvicted
		excess--
		if c.metrics != nil {
			c.metrics.SegmentsEvicted.Inc()
		}
		c.logger.Debug("evicted segment %d", seg.Index)
	}
}

func (c *RetentionCompactor) trimRollingStream(acc *MergeAccumulator) {
	overflow := acc.Accumulated() - c.maxDuration
	if overflow <= 0 {
		return
	}

	if err := acc.TrimHead(overflow); err != nil {
		c.logger.Warn("head trim of %.2fs failed, retrying on next compaction: %v", overflow, err)
		if c.metrics != nil {
			c.metrics.CompactionFailures.Inc()
		}
	}
}
