// Package recorder provides the segment recorder capability: each Open call
// produces one handle that records into a single compressed audio file and
// guarantees a valid single-track container once closed.
package recorder

import (
	"errors"
	"time"
)

var (
	// ErrBusy indicates the capture device is held by another consumer.
	ErrBusy = errors.New("recorder busy")

	// ErrStorageExhausted indicates the target volume is out of space.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrPermissionDenied indicates capture or file permissions were revoked.
	ErrPermissionDenied = errors.New("permission denied")
)

// CodecConfig carries the codec parameters passed through to the device.
type CodecConfig struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Bitrate    int
}

// Handle is one in-progress segment recording.
type Handle interface {
	// Close stops the recording and finalizes the container. The output
	// file is a valid single-track audio container afterwards.
	Close() error

	// Path returns the output file path.
	Path() string

	// StartedAt returns when recording into this handle began.
	StartedAt() time.Time
}

// Recorder opens segment recordings.
type Recorder interface {
	// Open starts recording into outputPath with the given codec
	// configuration and returns the active handle.
	Open(outputPath string, codec CodecConfig) (Handle, error)
}

// DeviceInfo contains information about a capture device.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}
