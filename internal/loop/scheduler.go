package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/conf"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/recorder"
)

// State is the scheduler's lifecycle state.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota

	// StateRecording means a segment is actively capturing.
	StateRecording

	// StatePaused means capture is suspended for an interruption.
	StatePaused

	// StateStopped means the session finished and the output was assembled.
	StateStopped

	// StateFailed means an unrecoverable error aborted capture. The
	// session can still be finalized to deliver what was recorded.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State                 State
	CurrentSegmentIndex   int
	ElapsedSeconds        float64 // merged audio plus the active segment
	MergedDurationSeconds float64
	SegmentsOnDisk        int
	LastError             string
}

// openRetryDelay spaces out segment open retries so a briefly held device
// has time to free up.
const openRetryDelay = 100 * time.Millisecond

// Scheduler drives the rolling capture session. It rotates segments on a
// fixed cadence, folds each completed segment into the rolling stream and
// compacts retention after every merge. All mutating work runs on a single
// worker goroutine, so rotation, merging and compaction never overlap.
type Scheduler struct {
	cfg       *conf.Config
	rec       recorder.Recorder
	acc       *MergeAccumulator
	compactor *RetentionCompactor
	finalizer *Finalizer
	logger    logging.Logger
	metrics   *metrics.Metrics

	work       chan func()
	quit       chan struct{}
	workerDone chan struct{}
	quitOnce   sync.Once

	mu              sync.Mutex
	started         bool
	state           State
	segments        *SegmentLog
	active          *Segment
	handle          recorder.Handle
	timer           *time.Timer
	nextIndex       int
	attempts        map[int]int
	mergedSeconds   float64
	unmergedSeconds float64
	onDiskCount     int
	lastErr         error
	finalPath       string
	finalErr        error
}

// NewScheduler wires a scheduler from configuration. The editor is shared
// with the accumulator and the recorder produces the raw segments.
func NewScheduler(cfg *conf.Config, rec recorder.Recorder, editor *bitstream.Editor, logger logging.Logger, m *metrics.Metrics) *Scheduler {
	acc := NewMergeAccumulator(editor, cfg.Capture.WorkDir, cfg.Window.SegmentLength(),
		cfg.Codec.BytesPerSecond(), logger, m)
	compactor := NewRetentionCompactor(cfg.Window.MaxSegments(), cfg.Window.MaxDuration().Seconds(), logger, m)
	finalizer := NewFinalizer(acc, compactor, cfg.Capture.OutputPath, logger, m)

	return &Scheduler{
		cfg:        cfg,
		rec:        rec,
		acc:        acc,
		compactor:  compactor,
		finalizer:  finalizer,
		logger:     logger,
		metrics:    m,
		work:       make(chan func(), 8),
		quit:       make(chan struct{}),
		workerDone: make(chan struct{}),
		segments:   NewSegmentLog(),
		nextIndex:  1,
		attempts:   make(map[int]int),
	}
}

// Start begins the capture session: sweeps orphaned temp files, opens the
// first segment and schedules the rotation cadence.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", s.state)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.Capture.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	if _, err := SweepOrphans(s.cfg.Capture.WorkDir, s.logger); err != nil {
		s.logger.Warn("orphan sweep failed: %v", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.runWorker()

	var openErr error
	s.do(func() {
		openErr = s.openSegment()
		if openErr == nil {
			s.setState(StateRecording)
		}
	})
	if openErr != nil {
		s.stopWorker()
		return fmt.Errorf("failed to start capture: %w", openErr)
	}

	s.logger.Info("capture started: window=%s segment=%s maxSegments=%d",
		s.cfg.Window.MaxDuration(), s.cfg.Window.SegmentLength(), s.cfg.Window.MaxSegments())
	return nil
}

// PauseForInterruption suspends capture. The active segment is closed and
// merged so no already-captured audio is lost. Calling it while not
// recording is a no-op.
func (s *Scheduler) PauseForInterruption() {
	s.do(func() {
		if s.currentState() != StateRecording {
			return
		}
		s.cancelTimer()
		if seg := s.closeActive(); seg != nil {
			s.mergeAndCompact(seg)
		}
		s.setState(StatePaused)
		s.logger.Info("capture paused")
	})
}

// ResumeAfterInterruption reopens capture with a fresh segment. Calling it
// while not paused is a no-op.
func (s *Scheduler) ResumeAfterInterruption() {
	s.do(func() {
		if s.currentState() != StatePaused {
			return
		}
		if err := s.openSegment(); err != nil {
			s.logger.Error("failed to resume capture: %v", err)
			return
		}
		s.setState(StateRecording)
		s.logger.Info("capture resumed")
	})
}

// OnInterruptionBegan handles the start of an external interruption, for
// example another client claiming the capture device.
func (s *Scheduler) OnInterruptionBegan() {
	if s.metrics != nil {
		s.metrics.Interruptions.Inc()
	}
	s.PauseForInterruption()
}

// OnInterruptionEnded handles the end of an external interruption.
// shouldResume reports whether capture should restart automatically.
func (s *Scheduler) OnInterruptionEnded(shouldResume bool) {
	if shouldResume {
		s.ResumeAfterInterruption()
	}
}

// StopAndFinalize ends the session and assembles the bounded output file.
// The active segment is folded in before delivery. Idempotent: repeated
// calls return the first result.
func (s *Scheduler) StopAndFinalize() (string, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		path, err := s.finalPath, s.finalErr
		s.mu.Unlock()
		return path, err
	}
	started := s.started
	s.mu.Unlock()

	var (
		path string
		err  error
	)
	fin := func() {
		s.cancelTimer()
		s.closeActive()
		path, err = s.finalizer.Assemble(s.segments)

		s.mu.Lock()
		s.state = StateStopped
		s.finalPath, s.finalErr = path, err
		s.mergedSeconds = s.acc.Accumulated()
		s.unmergedSeconds = s.segments.UnmergedDuration().Seconds()
		s.onDiskCount = len(s.segments.OnDisk())
		s.mu.Unlock()
	}

	if !started || !s.do(fin) {
		// The worker never ran or already exited, so there is nothing to
		// serialize against. Finalize inline.
		s.mu.Lock()
		if s.state == StateStopped {
			path, err = s.finalPath, s.finalErr
			s.mu.Unlock()
			return path, err
		}
		s.mu.Unlock()
		fin()
	}
	if started {
		s.stopWorker()
	}
	return path, err
}

// Status returns a snapshot of the engine's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:                 s.state,
		MergedDurationSeconds: s.mergedSeconds,
		ElapsedSeconds:        s.mergedSeconds + s.unmergedSeconds,
		SegmentsOnDisk:        s.onDiskCount,
	}
	if s.active != nil {
		st.CurrentSegmentIndex = s.active.Index
		st.ElapsedSeconds += time.Since(s.active.StartedAt).Seconds()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// runWorker executes queued operations one at a time until stopped.
func (s *Scheduler) runWorker() {
	defer close(s.workerDone)
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the worker and waits for it. Returns false when the worker
// has already stopped.
func (s *Scheduler) do(fn func()) bool {
	reply := make(chan struct{})
	select {
	case s.work <- func() { defer close(reply); fn() }:
	case <-s.workerDone:
		return false
	}
	select {
	case <-reply:
		return true
	case <-s.workerDone:
		return false
	}
}

func (s *Scheduler) stopWorker() {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.workerDone
}

// rotate closes the active segment, merges it, compacts retention and opens
// the next segment. Runs on the worker.
func (s *Scheduler) rotate() {
	if s.currentState() != StateRecording {
		return
	}

	if seg := s.closeActive(); seg != nil {
		s.mergeAndCompact(seg)
	}
	if err := s.openSegment(); err != nil {
		s.logger.Error("rotation aborted: %v", err)
	}
}

// openSegment opens the next segment with the retry policy applied and
// schedules its rotation. Runs on the worker.
func (s *Scheduler) openSegment() error {
	idx := s.nextIndex
	path := filepath.Join(s.cfg.Capture.WorkDir, segmentFileName(idx))
	codec := recorder.CodecConfig{
		SampleRate: s.cfg.Codec.SampleRate,
		Channels:   s.cfg.Codec.Channels,
		BitDepth:   s.cfg.Codec.BitDepth,
		Bitrate:    s.cfg.Codec.Bitrate,
	}

	for {
		err := CheckFreeSpace(s.cfg.Capture.WorkDir)
		if err == nil {
			var h recorder.Handle
			h, err = s.rec.Open(path, codec)
			if err == nil {
				seg := &Segment{
					Index:     idx,
					Path:      path,
					State:     SegmentRecording,
					StartedAt: h.StartedAt(),
				}
				s.mu.Lock()
				s.segments.Add(seg)
				s.active = seg
				s.handle = h
				s.nextIndex = idx + 1
				s.onDiskCount = len(s.segments.OnDisk())
				s.mu.Unlock()

				s.scheduleRotation(seg)
				if s.metrics != nil {
					s.metrics.SegmentsStarted.Inc()
				}
				s.logger.Debug("segment %d recording to %s", idx, path)
				return nil
			}
		}

		kind := ClassifyRecorderError(err)
		s.attempts[idx]++
		if !ShouldRetry(kind, s.attempts[idx]) {
			if s.metrics != nil {
				s.metrics.RecorderAborts.Inc()
			}
			s.fail(err)
			return fmt.Errorf("segment %d open aborted (%s after %d attempts): %w",
				idx, kind, s.attempts[idx], err)
		}

		if s.metrics != nil {
			s.metrics.RecorderRetries.Inc()
		}
		s.logger.Warn("segment %d open failed (%s, attempt %d), retrying: %v",
			idx, kind, s.attempts[idx], err)
		time.Sleep(openRetryDelay)
	}
}

// closeActive finalizes the active segment's container and marks it
// completed. Runs on the worker. Returns nil when nothing was recording.
func (s *Scheduler) closeActive() *Segment {
	s.mu.Lock()
	seg, h := s.active, s.handle
	s.active, s.handle = nil, nil
	s.mu.Unlock()

	if seg == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		s.logger.Warn("failed to close segment %d cleanly: %v", seg.Index, err)
	}
	seg.State = SegmentCompleted
	seg.Duration = time.Since(seg.StartedAt)
	if s.metrics != nil {
		s.metrics.SegmentsCompleted.Inc()
	}
	return seg
}

// mergeAndCompact folds a completed segment into the rolling stream and
// enforces retention. A merge failure is logged and counted but never stops
// the session: the raw file stays for the finalize-time recovery pass.
func (s *Scheduler) mergeAndCompact(seg *Segment) {
	if err := s.acc.Append(seg); err != nil {
		s.logger.Warn("merge of segment %d failed: %v", seg.Index, err)
		if s.metrics != nil {
			s.metrics.MergeFailures.Inc()
		}
	} else {
		s.compactor.EnforceWindow(s.acc, s.segments)
	}

	s.mu.Lock()
	s.mergedSeconds = s.acc.Accumulated()
	s.unmergedSeconds = s.segments.UnmergedDuration().Seconds()
	s.onDiskCount = len(s.segments.OnDisk())
	s.mu.Unlock()
}

// scheduleRotation arms the rotation timer for a segment, subtracting time
// already elapsed so cadence drift does not accumulate across rotations.
func (s *Scheduler) scheduleRotation(seg *Segment) {
	delay := s.cfg.Window.SegmentLength() - time.Since(seg.StartedAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() {
		s.do(s.rotate)
	})
	s.mu.Unlock()
}

func (s *Scheduler) cancelTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *Scheduler) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// fail records an unrecoverable error and halts capture without discarding
// recorded audio. StopAndFinalize still delivers what exists.
func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = err
	s.mu.Unlock()
}

// Err returns the unrecoverable error that moved the scheduler to
// StateFailed, or nil.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return nil
	}
	return s.lastErr
}
