package loop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/conf"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/recorder"
)

// newTestScheduler wires a scheduler around the deterministic fixture
// recorder with a short cadence so rotations happen within the test budget.
func newTestScheduler(t *testing.T, maxDurationSec, segmentSec float64) (*Scheduler, *recorder.FixtureRecorder, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := conf.Default()
	cfg.Capture.WorkDir = dir
	cfg.Capture.OutputPath = filepath.Join(dir, "session.wav")
	cfg.Capture.Fixture = true
	cfg.Window.MaxDurationSeconds = maxDurationSec
	cfg.Window.SegmentLengthSeconds = segmentSec
	cfg.Window.BufferPaddingSegments = 1
	cfg.Codec.SampleRate = 8000
	cfg.Codec.Channels = 1
	cfg.Codec.BitDepth = 16

	rec := recorder.NewFixtureRecorder()
	editor := bitstream.NewEditor(logging.NopLogger{})
	return NewScheduler(cfg, rec, editor, logging.NopLogger{}, nil), rec, dir
}

func TestSinglePartialSegmentStop(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	time.Sleep(300 * time.Millisecond)

	path, err := s.StopAndFinalize()
	require.NoError(t, err, "a partial segment is still a deliverable session")
	assert.FileExists(t, path)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStopIsIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	time.Sleep(200 * time.Millisecond)

	first, err := s.StopAndFinalize()
	require.NoError(t, err)
	second, err := s.StopAndFinalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStartTwiceFails(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	defer s.StopAndFinalize()

	assert.Error(t, s.Start())
}

func TestStatusBeforeStart(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.CurrentSegmentIndex)
	assert.Zero(t, st.ElapsedSeconds)
}

func TestRotationBoundsRetention(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-rotation scenario needs wall time")
	}

	// Window of 1.2s with 0.4s segments keeps at most 4 raw files
	// (ceil(1.2/0.4) + 1 padding).
	s, _, _ := newTestScheduler(t, 1.2, 0.4)
	require.NoError(t, s.Start())
	time.Sleep(2500 * time.Millisecond)

	st := s.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Greater(t, st.CurrentSegmentIndex, 3, "rotations should have advanced the segment index")
	assert.LessOrEqual(t, st.SegmentsOnDisk, 4)

	path, err := s.StopAndFinalize()
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Bounded output: never longer than the window plus one segment.
	editor := bitstream.NewEditor(logging.NopLogger{})
	dur, err := editor.ProbeDuration(path, 8000*2)
	require.NoError(t, err)
	assert.LessOrEqual(t, dur.Seconds(), 1.2+0.4+0.2)
}

func TestRotatedOutputHasIncreasingTimestamps(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-rotation scenario needs wall time")
	}

	s, _, _ := newTestScheduler(t, 5, 0.4)
	require.NoError(t, s.Start())
	time.Sleep(1100 * time.Millisecond)

	path, err := s.StopAndFinalize()
	require.NoError(t, err)

	pts := readPTS(t, path)
	require.NotEmpty(t, pts)
	assert.Equal(t, int64(0), pts[0])
	for i := 1; i < len(pts); i++ {
		assert.Greater(t, pts[i], pts[i-1], "merged output must be gapless across segment seams")
	}
}

func TestPauseAndResume(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	time.Sleep(250 * time.Millisecond)

	s.PauseForInterruption()
	st := s.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Greater(t, st.MergedDurationSeconds, 0.0, "audio captured before the pause is merged")

	// Idempotent while already paused.
	s.PauseForInterruption()
	assert.Equal(t, StatePaused, s.Status().State)

	s.ResumeAfterInterruption()
	st = s.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, 2, st.CurrentSegmentIndex, "resume opens a fresh segment")

	path, err := s.StopAndFinalize()
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestElapsedCountsUnmergedSegments(t *testing.T) {
	s, _, dir := newTestScheduler(t, 10, 5)

	// Squat on the first segment's path so its container cannot be
	// written: the segment completes but its merge fails, leaving it in
	// the completed state.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, segmentFileName(1)), 0o755))

	require.NoError(t, s.Start())
	time.Sleep(250 * time.Millisecond)
	s.PauseForInterruption()

	st := s.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Zero(t, st.MergedDurationSeconds)
	assert.Greater(t, st.ElapsedSeconds, 0.1, "captured time must be visible even when the merge failed")

	s.StopAndFinalize()
}

func TestResumeWithoutPauseIsNoOp(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	defer s.StopAndFinalize()

	s.ResumeAfterInterruption()
	assert.Equal(t, StateRecording, s.Status().State)
}

func TestInterruptionCallbacks(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10, 5)
	require.NoError(t, s.Start())
	time.Sleep(200 * time.Millisecond)

	s.OnInterruptionBegan()
	assert.Equal(t, StatePaused, s.Status().State)

	s.OnInterruptionEnded(false)
	assert.Equal(t, StatePaused, s.Status().State, "resume only happens when requested")

	s.OnInterruptionEnded(true)
	assert.Equal(t, StateRecording, s.Status().State)

	path, err := s.StopAndFinalize()
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestUnrecoverableOpenAbortsStart(t *testing.T) {
	s, rec, _ := newTestScheduler(t, 10, 5)
	rec.FailNextOpen(recorder.ErrPermissionDenied)

	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, recorder.ErrPermissionDenied)
	assert.Equal(t, StateFailed, s.Status().State)
	assert.ErrorIs(t, s.Err(), recorder.ErrPermissionDenied)
}

func TestStopAfterFailureDeliversNothing(t *testing.T) {
	s, rec, _ := newTestScheduler(t, 10, 5)
	rec.FailNextOpen(recorder.ErrStorageExhausted)
	require.Error(t, s.Start())

	_, err := s.StopAndFinalize()
	assert.ErrorIs(t, err, ErrNoMergedOutput)
}
