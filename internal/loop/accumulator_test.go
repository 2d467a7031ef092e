package loop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
)

const (
	testSampleRate = 8000
	testBitDepth   = 16
	testByteRate   = testSampleRate * testBitDepth / 8
)

// writeTestWAV produces a mono 16-bit ramp signal of the given duration.
func writeTestWAV(t *testing.T, path string, seconds float64) {
	t.Helper()

	mux := bitstream.NewWAVMuxer(path)
	_, err := mux.AddTrack(bitstream.TrackInfo{
		Media:      bitstream.MediaAudio,
		Codec:      "pcm_s16le",
		SampleRate: testSampleRate,
		Channels:   1,
		BitDepth:   testBitDepth,
	})
	require.NoError(t, err)
	require.NoError(t, mux.Start())

	total := int(seconds * testSampleRate)
	var pts int64
	for written := 0; written < total; {
		frames := bitstream.PacketFrames
		if total-written < frames {
			frames = total - written
		}
		data := make([]byte, frames*2)
		for i := 0; i < frames; i++ {
			v := int16((written + i) % 4096)
			data[i*2] = byte(v)
			data[i*2+1] = byte(v >> 8)
		}
		require.NoError(t, mux.WriteSample(0, bitstream.Sample{Data: data, PTS: pts, Frames: frames}))
		pts += int64(frames)
		written += frames
	}
	require.NoError(t, mux.Stop())
}

// completedSegment writes a raw segment file and returns it in the
// completed state, ready to merge.
func completedSegment(t *testing.T, dir string, index int, seconds float64) *Segment {
	t.Helper()
	path := filepath.Join(dir, segmentFileName(index))
	writeTestWAV(t, path, seconds)
	return &Segment{Index: index, Path: path, State: SegmentCompleted, StartedAt: time.Now()}
}

func newTestAccumulator(t *testing.T, dir string) *MergeAccumulator {
	t.Helper()
	editor := bitstream.NewEditor(logging.NopLogger{})
	return NewMergeAccumulator(editor, dir, time.Second, testByteRate, logging.NopLogger{}, nil)
}

// readPTS returns every packet timestamp in a WAV file in read order.
func readPTS(t *testing.T, path string) []int64 {
	t.Helper()

	demux := bitstream.NewWAVDemuxer()
	require.NoError(t, demux.Open(path))
	defer demux.Close()

	require.NoError(t, demux.SelectTrack(0))

	var out []int64
	for {
		s, err := demux.ReadSample()
		if err != nil {
			break
		}
		out = append(out, s.PTS)
	}
	return out
}

func TestAppendCreatesRollingStream(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)
	seg := completedSegment(t, dir, 1, 1.0)

	require.NoError(t, acc.Append(seg))

	assert.True(t, acc.Exists())
	assert.Equal(t, SegmentMerged, seg.State)
	assert.InDelta(t, 1.0, acc.Accumulated(), 0.2)
	assert.InDelta(t, 1.0, seg.Duration.Seconds(), 0.2)
	assert.FileExists(t, acc.RollingPath())
}

func TestAppendIsGapless(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)

	require.NoError(t, acc.Append(completedSegment(t, dir, 1, 1.0)))
	require.NoError(t, acc.Append(completedSegment(t, dir, 2, 1.0)))

	pts := readPTS(t, acc.RollingPath())
	require.NotEmpty(t, pts)
	assert.Equal(t, int64(0), pts[0])
	for i := 1; i < len(pts); i++ {
		assert.Greater(t, pts[i], pts[i-1], "timestamps must be strictly increasing across the merge seam")
	}
	assert.InDelta(t, 2.0, acc.Accumulated(), 0.3)
}

func TestAppendRejectsUnfinishedSegment(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)

	err := acc.Append(&Segment{Index: 1, Path: filepath.Join(dir, "x.wav"), State: SegmentRecording})
	require.Error(t, err)
	assert.ErrorIs(t, err, bitstream.ErrMergeFailed)
}

func TestAppendFailureLeavesRollingIntact(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)
	require.NoError(t, acc.Append(completedSegment(t, dir, 1, 0.5)))

	before, err := os.ReadFile(acc.RollingPath())
	require.NoError(t, err)

	missing := &Segment{Index: 2, Path: filepath.Join(dir, "missing.wav"), State: SegmentCompleted}
	err = acc.Append(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, bitstream.ErrMergeFailed)
	assert.Equal(t, SegmentCompleted, missing.State)

	after, err := os.ReadFile(acc.RollingPath())
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed append must not touch the rolling file")
}

func TestTrimHeadDropsOldestAudio(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)
	for i := 1; i <= 3; i++ {
		require.NoError(t, acc.Append(completedSegment(t, dir, i, 1.0)))
	}
	require.InDelta(t, 3.0, acc.Accumulated(), 0.3)

	require.NoError(t, acc.TrimHead(1.0))

	assert.InDelta(t, 2.0, acc.Accumulated(), 0.3)
	pts := readPTS(t, acc.RollingPath())
	require.NotEmpty(t, pts)
	assert.Equal(t, int64(0), pts[0], "surviving audio must be rebased to zero")
	for i := 1; i < len(pts); i++ {
		assert.Greater(t, pts[i], pts[i-1])
	}
}

func TestTrimHeadRejectsEmptyingTrim(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)
	require.NoError(t, acc.Append(completedSegment(t, dir, 1, 1.0)))

	err := acc.TrimHead(acc.Accumulated() + 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, bitstream.ErrTrimFailed)
}

func TestTrimHeadNoOpWithoutStream(t *testing.T) {
	acc := newTestAccumulator(t, t.TempDir())
	assert.NoError(t, acc.TrimHead(1.0))
	assert.NoError(t, acc.TrimHead(0))
}

func TestAppendLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	acc := newTestAccumulator(t, dir)
	require.NoError(t, acc.Append(completedSegment(t, dir, 1, 0.5)))
	require.NoError(t, acc.Append(completedSegment(t, dir, 2, 0.5)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), tempFilePrefix)
	}
}
