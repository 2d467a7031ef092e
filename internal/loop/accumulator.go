package loop

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
)

// MergeAccumulator folds completed segments into a single rolling stream file
// with gapless, strictly increasing timestamps. The rolling file is only ever
// replaced through an atomic temp-sibling swap, so a failed append leaves the
// previous good state on disk.
type MergeAccumulator struct {
	editor   *bitstream.Editor
	workDir  string
	nominal  time.Duration // nominal segment length, used when probing fails
	byteRate int           // raw PCM bytes per second, for size-based duration estimates
	logger   logging.Logger
	metrics  *metrics.Metrics

	rollingPath string
	accumulated float64 // seconds of audio in the rolling file
	lastPTS     int64   // last written timestamp of the rolling stream
	exists      bool
}

// NewMergeAccumulator creates an accumulator writing its rolling file under
// workDir. nominal is the configured segment length, used as the duration
// fallback when a segment cannot be probed; byteRate feeds size-based
// duration estimates for files with unreadable metadata.
func NewMergeAccumulator(editor *bitstream.Editor, workDir string, nominal time.Duration, byteRate int, logger logging.Logger, m *metrics.Metrics) *MergeAccumulator {
	return &MergeAccumulator{
		editor:      editor,
		workDir:     workDir,
		nominal:     nominal,
		byteRate:    byteRate,
		logger:      logger,
		metrics:     m,
		rollingPath: filepath.Join(workDir, rollingFileName),
		lastPTS:     -1,
	}
}

// RollingPath returns the location of the rolling stream file.
func (a *MergeAccumulator) RollingPath() string {
	return a.rollingPath
}

// Accumulated returns the duration of audio currently in the rolling stream,
// in seconds.
func (a *MergeAccumulator) Accumulated() float64 {
	return a.accumulated
}

// LastPTS returns the last written presentation timestamp of the rolling
// stream, or -1 before the first append.
func (a *MergeAccumulator) LastPTS() int64 {
	return a.lastPTS
}

// Exists reports whether a rolling stream file has been produced.
func (a *MergeAccumulator) Exists() bool {
	return a.exists
}

// Append folds one completed segment onto the end of the rolling stream.
// On success the segment transitions to SegmentMerged and its measured
// duration is recorded. On failure the rolling file is untouched and the
// segment stays in SegmentCompleted so a later recovery pass can use it.
func (a *MergeAccumulator) Append(seg *Segment) error {
	if seg.State != SegmentCompleted {
		return fmt.Errorf("%w: segment %d is %s, want completed", bitstream.ErrMergeFailed, seg.Index, seg.State)
	}

	segDur, probed := a.segmentDuration(seg)

	tmpPath := filepath.Join(a.workDir, tempFileName())
	dst := bitstream.NewDestination(bitstream.NewWAVMuxer(tmpPath), -1)

	if a.exists {
		rollDur := a.accumulated
		if d, err := a.editor.ProbeDuration(a.rollingPath, a.byteRate); err == nil {
			rollDur = d.Seconds()
		}
		if _, err := a.editor.CopyRange(a.rollingPath, dst, 0, rollDur, true); err != nil {
			return fmt.Errorf("%w: copying rolling stream: %w", bitstream.ErrMergeFailed, err)
		}
	}

	if _, err := a.editor.CopyRange(seg.Path, dst, 0, segDur, true); err != nil {
		return fmt.Errorf("%w: copying segment %d: %w", bitstream.ErrMergeFailed, seg.Index, err)
	}

	if err := dst.Finalize(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: finalizing merge output: %w", bitstream.ErrMergeFailed, err)
	}

	if err := replaceFile(tmpPath, a.rollingPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: swapping rolling stream: %w", bitstream.ErrMergeFailed, err)
	}

	a.exists = true
	a.accumulated += segDur
	a.lastPTS = dst.LastPTS()
	seg.State = SegmentMerged
	seg.Duration = time.Duration(segDur * float64(time.Second))

	if a.metrics != nil {
		a.metrics.SegmentsMerged.Inc()
		a.metrics.SegmentDuration.Observe(segDur)
		a.metrics.MergedDuration.Set(a.accumulated)
	}
	a.logger.Debug("merged segment %d (%.2fs, probed=%v), rolling stream now %.2fs",
		seg.Index, segDur, probed, a.accumulated)

	return nil
}

// TrimHead drops the oldest trimSec seconds from the rolling stream. The
// surviving audio is rebased so timestamps stay strictly increasing from
// zero. Used by the retention compactor when the stream exceeds the window.
func (a *MergeAccumulator) TrimHead(trimSec float64) error {
	if !a.exists || trimSec <= 0 {
		return nil
	}
	if trimSec >= a.accumulated {
		return fmt.Errorf("%w: trim of %.2fs would empty a %.2fs stream", bitstream.ErrTrimFailed, trimSec, a.accumulated)
	}

	tmpPath := filepath.Join(a.workDir, tempFileName())
	dst := bitstream.NewDestination(bitstream.NewWAVMuxer(tmpPath), -1)

	if _, err := a.editor.CopyRange(a.rollingPath, dst, trimSec, a.accumulated, true); err != nil {
		return fmt.Errorf("%w: %w", bitstream.ErrTrimFailed, err)
	}
	if err := dst.Finalize(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: finalizing trimmed stream: %w", bitstream.ErrTrimFailed, err)
	}
	if err := replaceFile(tmpPath, a.rollingPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: swapping trimmed stream: %w", bitstream.ErrTrimFailed, err)
	}

	a.accumulated -= trimSec
	a.lastPTS = dst.LastPTS()

	if a.metrics != nil {
		a.metrics.HeadTrimSeconds.Add(trimSec)
		a.metrics.MergedDuration.Set(a.accumulated)
	}
	a.logger.Info("trimmed %.2fs from rolling stream head, %.2fs remain", trimSec, a.accumulated)

	return nil
}

// segmentDuration probes the segment's real duration, falling back to the
// nominal segment length when the file cannot be read. The second return
// reports whether the probe succeeded.
func (a *MergeAccumulator) segmentDuration(seg *Segment) (float64, bool) {
	dur, err := a.editor.ProbeDuration(seg.Path, a.byteRate)
	if err != nil || dur <= 0 {
		a.logger.Warn("could not probe duration of segment %d, assuming %.1fs: %v",
			seg.Index, a.nominal.Seconds(), err)
		return a.nominal.Seconds(), false
	}
	return dur.Seconds(), true
}

// replaceFile atomically moves src over dst, falling back to a byte copy
// when rename fails (for example across filesystems).
func replaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	os.Remove(src)
	return nil
}
