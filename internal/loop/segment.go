// Package loop implements the rolling-segment capture engine: a fixed-cadence
// rotation scheduler, an incremental gapless merge of completed segments into
// one rolling stream, a retention compactor bounding the stream's duration,
// and the finalizer that delivers the bounded output file.
package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
)

// SegmentState represents the lifecycle state of a segment.
type SegmentState int

const (
	// SegmentRecording is the state of the single active segment.
	SegmentRecording SegmentState = iota

	// SegmentCompleted means the segment file is closed but not yet merged.
	SegmentCompleted

	// SegmentMerged means the segment's samples are in the rolling stream.
	SegmentMerged

	// SegmentEvicted means the raw segment file has been deleted.
	SegmentEvicted
)

// String returns the state name.
func (s SegmentState) String() string {
	switch s {
	case SegmentRecording:
		return "recording"
	case SegmentCompleted:
		return "completed"
	case SegmentMerged:
		return "merged"
	case SegmentEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Segment is one compressed audio chunk produced by the recorder.
type Segment struct {
	Index     int // monotonic, starts at 1
	Path      string
	State     SegmentState
	StartedAt time.Time
	Duration  time.Duration // measured once completed
}

// SegmentLog tracks every segment of the current session in sequence order.
// It is owned by the scheduler worker; no locking happens here.
type SegmentLog struct {
	segments []*Segment
}

// NewSegmentLog creates an empty segment log.
func NewSegmentLog() *SegmentLog {
	return &SegmentLog{}
}

// Add appends a segment. Indexes must arrive in increasing order.
func (l *SegmentLog) Add(seg *Segment) {
	l.segments = append(l.segments, seg)
}

// All returns every tracked segment in sequence order.
func (l *SegmentLog) All() []*Segment {
	return l.segments
}

// Len returns the number of tracked segments.
func (l *SegmentLog) Len() int {
	return len(l.segments)
}

// OnDisk returns the segments whose raw files still exist, oldest first.
func (l *SegmentLog) OnDisk() []*Segment {
	var out []*Segment
	for _, s := range l.segments {
		if s.State == SegmentCompleted || s.State == SegmentMerged {
			out = append(out, s)
		}
	}
	return out
}

// CompletedUnmerged returns completed segments not yet folded into the
// rolling stream, oldest first.
func (l *SegmentLog) CompletedUnmerged() []*Segment {
	var out []*Segment
	for _, s := range l.segments {
		if s.State == SegmentCompleted {
			out = append(out, s)
		}
	}
	return out
}

// UnmergedDuration sums the measured durations of completed segments that
// have not reached the rolling stream yet.
func (l *SegmentLog) UnmergedDuration() time.Duration {
	var total time.Duration
	for _, s := range l.segments {
		if s.State == SegmentCompleted {
			total += s.Duration
		}
	}
	return total
}

// Working directory layout. Every engine-owned file carries a recognizable
// prefix so orphans from a crash can be swept on the next start.
const (
	segmentFilePrefix = "segment_"
	tempFilePrefix    = "tmp_"
	rollingFileName   = "rolling.wav"
)

// segmentFileName returns the raw file name for a segment index.
func segmentFileName(index int) string {
	return fmt.Sprintf("%s%06d.wav", segmentFilePrefix, index)
}

// tempFileName returns a unique temporary sibling name for atomic swaps.
func tempFileName() string {
	return tempFilePrefix + uuid.NewString() + ".wav"
}

// SweepOrphans removes temporary files left behind by a crashed session.
// Returns the number of files removed.
func SweepOrphans(workDir string, logger logging.Logger) (int, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan work dir %s: %w", workDir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempFilePrefix) {
			continue
		}
		path := filepath.Join(workDir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to sweep orphaned temp file %s: %v", path, err)
			continue
		}
		logger.Info("swept orphaned temp file %s", path)
		removed++
	}

	return removed, nil
}
