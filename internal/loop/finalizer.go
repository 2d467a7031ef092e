package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
)

// ErrNoMergedOutput means the session produced no deliverable audio: the
// rolling stream is absent and every recovery strategy failed.
var ErrNoMergedOutput = errors.New("no merged output available")

// Finalizer assembles the session's deliverable. It folds any still-unmerged
// segments into the rolling stream, runs a last compaction so the output
// honors the window bound, and moves the stream to the output path.
// Assemble is idempotent: repeated calls return the first result.
type Finalizer struct {
	acc        *MergeAccumulator
	compactor  *RetentionCompactor
	outputPath string
	logger     logging.Logger
	metrics    *metrics.Metrics

	done      bool
	finalPath string
	finalErr  error
}

// NewFinalizer creates a finalizer delivering to outputPath.
func NewFinalizer(acc *MergeAccumulator, compactor *RetentionCompactor, outputPath string, logger logging.Logger, m *metrics.Metrics) *Finalizer {
	return &Finalizer{
		acc:        acc,
		compactor:  compactor,
		outputPath: outputPath,
		logger:     logger,
		metrics:    m,
	}
}

// Assemble produces the final output file from the rolling stream and the
// segment log. Caller must have closed the active segment first. Safe to
// call more than once.
func (f *Finalizer) Assemble(log *SegmentLog) (string, error) {
	if f.done {
		return f.finalPath, f.finalErr
	}
	f.done = true
	f.finalPath, f.finalErr = f.assemble(log)
	return f.finalPath, f.finalErr
}

func (f *Finalizer) assemble(log *SegmentLog) (string, error) {
	for _, seg := range log.CompletedUnmerged() {
		if err := f.acc.Append(seg); err != nil {
			// Non-fatal: the raw file stays on disk for the recovery pass.
			f.logger.Warn("final merge of segment %d failed: %v", seg.Index, err)
			if f.metrics != nil {
				f.metrics.MergeFailures.Inc()
			}
		}
	}

	f.compactor.EnforceWindow(f.acc, log)

	if f.rollingUsable() {
		err := f.deliverRolling()
		if err == nil {
			f.logger.Info("session output written to %s (%.2fs)", f.outputPath, f.acc.Accumulated())
			return f.outputPath, nil
		}
		f.logger.Warn("failed to deliver rolling stream: %v", err)
	}

	strategy, err := RecoverMergedOutput(log.All(), f.outputPath, f.logger, f.metrics)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoMergedOutput, err)
	}
	f.logger.Warn("rolling stream unusable, delivered fallback output via %s", strategy)
	return f.outputPath, nil
}

// wavHeaderBytes is the canonical RIFF/fmt/data header size. A rolling file
// larger than this carries sample data and is deliverable no matter how
// short the session was.
const wavHeaderBytes = 44

func (f *Finalizer) rollingUsable() bool {
	if !f.acc.Exists() {
		return false
	}
	fi, err := os.Stat(f.acc.RollingPath())
	return err == nil && fi.Size() > wavHeaderBytes
}

func (f *Finalizer) deliverRolling() error {
	if err := os.MkdirAll(filepath.Dir(f.outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	return replaceFile(f.acc.RollingPath(), f.outputPath)
}
