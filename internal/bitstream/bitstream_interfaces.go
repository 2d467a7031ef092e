// Package bitstream provides container demuxing, muxing and the range-copy
// editor used to assemble the rolling merged stream.
package bitstream

import (
	"errors"
	"time"
)

// MediaType identifies the media carried by a container track.
type MediaType string

const (
	// MediaAudio identifies an audio track.
	MediaAudio MediaType = "audio"
)

// Format represents the supported container formats.
type Format string

const (
	// FormatWAV represents the WAV container format.
	FormatWAV Format = "wav"

	// FormatFLAC represents the FLAC container format.
	FormatFLAC Format = "flac"
)

// PacketFrames is the number of PCM frames carried by one sample packet.
// Every packet boundary is a random-access point.
const PacketFrames = 1024

var (
	// ErrNoAudioTrack is returned when a source container has no audio track.
	ErrNoAudioTrack = errors.New("no audio track in container")

	// ErrTrimFailed wraps failures of head-trim copy operations.
	ErrTrimFailed = errors.New("trim failed")

	// ErrMergeFailed wraps failures of merge copy operations.
	ErrMergeFailed = errors.New("merge failed")

	// ErrUnsupportedFormat is returned for containers the factory cannot open.
	ErrUnsupportedFormat = errors.New("unsupported container format")
)

// TrackInfo describes a single container track.
type TrackInfo struct {
	Media      MediaType
	Codec      string // e.g. "pcm_s16le"
	SampleRate int
	Channels   int
	BitDepth   int
}

// Compatible reports whether two tracks share codec, sample rate and channel
// count. Mismatches are tolerated by the editor but logged.
func (t TrackInfo) Compatible(other TrackInfo) bool {
	return t.Codec == other.Codec &&
		t.SampleRate == other.SampleRate &&
		t.Channels == other.Channels
}

// Sample is one demuxed packet of encoded frames with its presentation
// timestamp. PTS is expressed in frame ticks at the track sample rate.
type Sample struct {
	Data   []byte
	PTS    int64
	Frames int
}

// Demuxer reads sample packets from a container file.
type Demuxer interface {
	// Open opens the container and parses its metadata.
	Open(path string) error

	// Close releases the underlying file.
	Close() error

	// Tracks returns the container's track list.
	Tracks() []TrackInfo

	// SelectTrack selects the track subsequent ReadSample calls read from.
	SelectTrack(index int) error

	// Duration returns the container's reported duration.
	Duration() time.Duration

	// SeekTo positions the reader at the nearest random-access point at or
	// before the given time.
	SeekTo(seconds float64) error

	// ReadSample reads the next sample packet from the selected track.
	// Returns io.EOF when the end of the track is reached.
	ReadSample() (Sample, error)
}

// Muxer writes sample packets into a container file.
type Muxer interface {
	// AddTrack adds a track to the container and returns its index.
	AddTrack(info TrackInfo) (int, error)

	// Start begins writing. Tracks can no longer be added afterwards.
	Start() error

	// WriteSample appends a sample packet to the given track.
	WriteSample(track int, s Sample) error

	// LastPTS returns the presentation timestamp of the last sample written
	// to the given track, or -1 if nothing has been written.
	LastPTS(track int) int64

	// Stop finalizes the container. The output file is complete afterwards.
	Stop() error

	// Abort discards the output file. Used when a copy fails mid-way so a
	// half-written container is never left behind.
	Abort() error

	// Path returns the output file path.
	Path() string
}

// DemuxerFactory creates demuxers for different container formats.
type DemuxerFactory interface {
	// CreateDemuxer creates a demuxer for the specified file.
	CreateDemuxer(path string) (Demuxer, error)
}
