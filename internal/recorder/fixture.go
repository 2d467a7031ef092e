package recorder

import (
	"errors"
	"sync"
	"time"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
)

// TimeProvider abstracts time-related operations
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider is the default implementation using actual time
type RealTimeProvider struct{}

func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixtureRecorder implements the Recorder interface without any capture
// hardware: each handle writes a deterministic ramp signal covering the wall
// time it was held open. Used by tests and for encoder-less development.
type FixtureRecorder struct {
	timeProvider TimeProvider
	failOpen     error // when set, Open fails with this error

	mu     sync.Mutex
	active bool
	epoch  int64 // running sample value so consecutive segments differ
}

// NewFixtureRecorder creates a fixture recorder on the real clock.
func NewFixtureRecorder() *FixtureRecorder {
	return &FixtureRecorder{timeProvider: RealTimeProvider{}}
}

// NewFixtureRecorderWithClock creates a fixture recorder with a custom clock.
func NewFixtureRecorderWithClock(tp TimeProvider) *FixtureRecorder {
	return &FixtureRecorder{timeProvider: tp}
}

// FailNextOpen makes subsequent Open calls fail with the given error until
// cleared with nil.
func (r *FixtureRecorder) FailNextOpen(err error) {
	r.mu.Lock()
	r.failOpen = err
	r.mu.Unlock()
}

// Open starts a fixture recording.
func (r *FixtureRecorder) Open(outputPath string, codec CodecConfig) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failOpen != nil {
		return nil, r.failOpen
	}
	if r.active {
		return nil, ErrBusy
	}
	r.active = true

	return &fixtureHandle{
		recorder:  r,
		path:      outputPath,
		codec:     codec,
		startedAt: r.timeProvider.Now(),
	}, nil
}

func (r *FixtureRecorder) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

type fixtureHandle struct {
	recorder  *FixtureRecorder
	path      string
	codec     CodecConfig
	startedAt time.Time
	closed    bool
	mu        sync.Mutex
}

// Close materializes the fixture container covering the elapsed wall time.
func (h *fixtureHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("handle already closed")
	}
	h.closed = true
	h.mu.Unlock()

	defer h.recorder.release()

	elapsed := h.recorder.timeProvider.Now().Sub(h.startedAt)
	frames := int(elapsed.Seconds() * float64(h.codec.SampleRate))
	if frames < 1 {
		frames = 1
	}

	mux := bitstream.NewWAVMuxer(h.path)
	if _, err := mux.AddTrack(bitstream.TrackInfo{
		Media:      bitstream.MediaAudio,
		Codec:      "pcm_s16le",
		SampleRate: h.codec.SampleRate,
		Channels:   h.codec.Channels,
		BitDepth:   h.codec.BitDepth,
	}); err != nil {
		return err
	}
	if err := mux.Start(); err != nil {
		return classifyOpenError(err)
	}

	h.recorder.mu.Lock()
	epoch := h.recorder.epoch
	h.recorder.epoch += int64(frames)
	h.recorder.mu.Unlock()

	pts := int64(0)
	remaining := frames
	for remaining > 0 {
		n := bitstream.PacketFrames
		if remaining < n {
			n = remaining
		}

		samples := make([]int, n*h.codec.Channels)
		for i := range samples {
			samples[i] = int(int16((epoch + pts + int64(i)) % 30000))
		}

		if err := mux.WriteSample(0, bitstream.Sample{
			Data:   pcmBytes(samples, h.codec.BitDepth),
			PTS:    pts,
			Frames: n,
		}); err != nil {
			mux.Abort()
			return classifyOpenError(err)
		}

		pts += int64(n)
		remaining -= n
	}

	if err := mux.Stop(); err != nil {
		return classifyOpenError(err)
	}
	return nil
}

// Path returns the output file path.
func (h *fixtureHandle) Path() string {
	return h.path
}

// StartedAt returns when recording began.
func (h *fixtureHandle) StartedAt() time.Time {
	return h.startedAt
}

// pcmBytes converts integer samples to little-endian PCM bytes.
func pcmBytes(samples []int, bitDepth int) []byte {
	step := bitDepth / 8
	data := make([]byte, len(samples)*step)
	for i, s := range samples {
		for b := 0; b < step; b++ {
			data[i*step+b] = byte(s >> (8 * b))
		}
	}
	return data
}
