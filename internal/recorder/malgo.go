package recorder

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/tphakala/malgo"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
)

// ring buffer sized for several seconds of 48kHz mono 16-bit audio, enough to
// ride out slow disk writes without dropping callback data
const captureRingSize = 1 << 20

// MalgoRecorder implements the Recorder interface on top of a miniaudio
// capture device. One device is held per open handle.
type MalgoRecorder struct {
	context  *malgo.AllocatedContext
	deviceID string
	logger   logging.Logger

	mu     sync.Mutex
	active bool
}

// NewMalgoRecorder initializes the audio backend. deviceID selects a capture
// device by name prefix, empty for the system default.
func NewMalgoRecorder(deviceID string, logger logging.Logger) (*MalgoRecorder, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio: %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &MalgoRecorder{context: ctx, deviceID: deviceID, logger: logger}, nil
}

// Close releases the audio backend.
func (r *MalgoRecorder) Close() error {
	return r.context.Uninit()
}

// ListDevices returns the available capture devices.
func (r *MalgoRecorder) ListDevices() ([]DeviceInfo, error) {
	infos, err := r.context.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open starts a capture device recording into outputPath.
func (r *MalgoRecorder) Open(outputPath string, codec CodecConfig) (Handle, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: a segment is already recording", ErrBusy)
	}
	r.active = true
	r.mu.Unlock()

	h := &malgoHandle{
		recorder:  r,
		path:      outputPath,
		codec:     codec,
		ring:      ringbuffer.New(captureRingSize),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	if err := h.start(); err != nil {
		r.release()
		return nil, classifyOpenError(err)
	}

	return h, nil
}

func (r *MalgoRecorder) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// malgoHandle is one in-progress segment recording.
type malgoHandle struct {
	recorder  *MalgoRecorder
	path      string
	codec     CodecConfig
	device    *malgo.Device
	mux       *bitstream.WAVMuxer
	ring      *ringbuffer.RingBuffer
	done      chan struct{}
	writerErr error
	writerWg  sync.WaitGroup
	startedAt time.Time
	closed    bool
	mu        sync.Mutex
	pts       int64
}

func (h *malgoHandle) start() error {
	h.mux = bitstream.NewWAVMuxer(h.path)
	if _, err := h.mux.AddTrack(bitstream.TrackInfo{
		Media:      bitstream.MediaAudio,
		Codec:      "pcm_s16le",
		SampleRate: h.codec.SampleRate,
		Channels:   h.codec.Channels,
		BitDepth:   h.codec.BitDepth,
	}); err != nil {
		return err
	}
	if err := h.mux.Start(); err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(h.codec.Channels)
	deviceConfig.SampleRate = uint32(h.codec.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onRecvFrames := func(pOutput, pInput []byte, frameCount uint32) {
		// Runs on the device thread: hand the data to the writer goroutine
		// and never block here
		if _, err := h.ring.Write(pInput); err != nil {
			h.recorder.logger.Warn("capture ring overflow, dropping %d bytes", len(pInput))
		}
	}

	device, err := malgo.InitDevice(h.recorder.context.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		h.mux.Abort()
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	h.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		h.mux.Abort()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	h.writerWg.Add(1)
	go h.writeLoop()

	return nil
}

// writeLoop drains the capture ring into the muxer in packet-sized chunks.
func (h *malgoHandle) writeLoop() {
	defer h.writerWg.Done()

	frameBytes := h.codec.Channels * h.codec.BitDepth / 8
	packetBytes := bitstream.PacketFrames * frameBytes
	buf := make([]byte, packetBytes)

	flush := func(min int) {
		for h.ring.Length() >= min && min > 0 {
			n, err := h.ring.Read(buf)
			if err != nil || n == 0 {
				return
			}
			n -= n % frameBytes
			if n == 0 {
				return
			}
			frames := n / frameBytes
			writeErr := h.mux.WriteSample(0, bitstream.Sample{
				Data:   append([]byte(nil), buf[:n]...),
				PTS:    h.pts,
				Frames: frames,
			})
			if writeErr != nil {
				h.writerErr = writeErr
				return
			}
			h.pts += int64(frames)
		}
	}

	for {
		select {
		case <-h.done:
			// Final drain of whatever the device delivered before Stop
			flush(frameBytes)
			return
		default:
			flush(packetBytes)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Close stops the device and finalizes the container.
func (h *malgoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("handle already closed")
	}
	h.closed = true
	h.mu.Unlock()

	defer h.recorder.release()

	stopErr := h.device.Stop()
	h.device.Uninit()

	close(h.done)
	h.writerWg.Wait()

	if err := h.mux.Stop(); err != nil {
		return classifyOpenError(err)
	}
	if h.writerErr != nil {
		return classifyOpenError(h.writerErr)
	}
	if stopErr != nil {
		return fmt.Errorf("failed to stop capture device: %w", stopErr)
	}

	return nil
}

// Path returns the output file path.
func (h *malgoHandle) Path() string {
	return h.path
}

// StartedAt returns when recording began.
func (h *malgoHandle) StartedAt() time.Time {
	return h.startedAt
}

// classifyOpenError maps OS-level failures onto the recorder error taxonomy.
func classifyOpenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case isNoSpace(err):
		return fmt.Errorf("%w: %v", ErrStorageExhausted, err)
	default:
		return err
	}
}
