package loop

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/recorder"
)

// ErrorKind classifies a recorder failure so the scheduler can decide
// between retrying and aborting.
type ErrorKind int

const (
	// KindUnclassified covers transient failures with no known cause.
	KindUnclassified ErrorKind = iota

	// KindBusy means the capture device was held by another client.
	KindBusy

	// KindStorageExhausted means the disk is full. Not recoverable.
	KindStorageExhausted

	// KindPermissionDenied means capture permission is missing. Not recoverable.
	KindPermissionDenied
)

// String returns the classification name.
func (k ErrorKind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindStorageExhausted:
		return "storage_exhausted"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "unclassified"
	}
}

// Retry budgets per error classification. A budget is the number of retries
// after the initial attempt, tracked per segment index so one stubborn
// segment cannot retry forever.
const (
	busyRetryBudget         = 3
	unclassifiedRetryBudget = 2
)

// ClassifyRecorderError maps a recorder failure onto an ErrorKind.
func ClassifyRecorderError(err error) ErrorKind {
	switch {
	case errors.Is(err, recorder.ErrStorageExhausted):
		return KindStorageExhausted
	case errors.Is(err, recorder.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, recorder.ErrBusy):
		return KindBusy
	default:
		return KindUnclassified
	}
}

// ShouldRetry reports whether a failed segment open should be retried given
// its classification and how many attempts have already been made. Pure
// function of its inputs, which keeps the policy testable.
func ShouldRetry(kind ErrorKind, attempts int) bool {
	switch kind {
	case KindStorageExhausted, KindPermissionDenied:
		return false
	case KindBusy:
		return attempts <= busyRetryBudget
	default:
		return attempts <= unclassifiedRetryBudget
	}
}

// minValidSegmentBytes is the smallest file size treated as a usable
// segment during merge-failure recovery. Anything below this is header
// debris from an interrupted write.
const minValidSegmentBytes = 128

// RecoverMergedOutput rebuilds a deliverable output file when the rolling
// stream is missing or corrupt at finalize time. Three strategies are tried
// in order, each only when the previous one was inapplicable or failed:
//
//  1. copy the most recent valid raw segment,
//  2. byte-concatenate the last few valid raw segments,
//  3. duplicate the smallest known-good segment.
//
// Returns the strategy name on success for logging and metrics.
func RecoverMergedOutput(segments []*Segment, outputPath string, logger logging.Logger, m *metrics.Metrics) (string, error) {
	valid := validSegments(segments)
	if len(valid) == 0 {
		return "", fmt.Errorf("no usable segment files for recovery")
	}

	attempt := func(strategy string, fn func() error) bool {
		if m != nil {
			m.RecoveryAttempts.WithLabelValues(strategy).Inc()
		}
		if err := fn(); err != nil {
			logger.Warn("recovery strategy %s failed: %v", strategy, err)
			return false
		}
		logger.Info("recovered merged output via %s strategy", strategy)
		return true
	}

	newest := valid[len(valid)-1]
	if attempt("latest_segment", func() error {
		return copyFile(newest.Path, outputPath)
	}) {
		return "latest_segment", nil
	}

	if len(valid) > 1 && attempt("concat_segments", func() error {
		tail := valid
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		return concatFiles(tail, outputPath)
	}) {
		return "concat_segments", nil
	}

	smallest := smallestSegment(valid)
	if attempt("duplicate_smallest", func() error {
		return copyFile(smallest.Path, outputPath)
	}) {
		return "duplicate_smallest", nil
	}

	return "", fmt.Errorf("all recovery strategies failed")
}

// validSegments filters the log down to segments whose raw files still exist
// and are large enough to carry audio, oldest first.
func validSegments(segments []*Segment) []*Segment {
	var out []*Segment
	for _, s := range segments {
		if s.State == SegmentEvicted || s.State == SegmentRecording {
			continue
		}
		fi, err := os.Stat(s.Path)
		if err != nil || fi.Size() < minValidSegmentBytes {
			continue
		}
		out = append(out, s)
	}
	return out
}

// smallestSegment picks the smallest still-readable segment. Files can
// disappear between the candidate scan and this pass, so stat failures are
// skipped rather than trusted.
func smallestSegment(segments []*Segment) *Segment {
	best := segments[0]
	bestSize := int64(math.MaxInt64)
	for _, s := range segments {
		fi, err := os.Stat(s.Path)
		if err != nil {
			continue
		}
		if fi.Size() < bestSize {
			best, bestSize = s, fi.Size()
		}
	}
	return best
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// concatFiles joins raw segment files back to back. The result is not a
// seamless container but every byte of captured audio survives, which is
// the point of a last-resort recovery.
func concatFiles(segments []*Segment, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	for _, seg := range segments {
		in, err := os.Open(seg.Path)
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to open segment %d: %w", seg.Index, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to append segment %d: %w", seg.Index, err)
		}
	}

	return out.Close()
}

// minFreeBytes is the disk headroom required before opening a new segment.
const minFreeBytes = 16 << 20

// CheckFreeSpace verifies the work directory's filesystem has headroom for
// another segment. Returns an error wrapping recorder.ErrStorageExhausted
// when it does not, so callers classify it like any recorder failure.
func CheckFreeSpace(dir string) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		// Cannot measure, let the recorder surface the real failure.
		return nil
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free on %s", recorder.ErrStorageExhausted, usage.Free, dir)
	}
	return nil
}
