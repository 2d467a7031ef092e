package bitstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tphakala/flac"
)

// FLACDemuxer implements the Demuxer interface for FLAC containers. FLAC is a
// demux-only source format: pre-existing FLAC segments can be merged or
// trimmed, but the rolling stream itself is always muxed as WAV.
type FLACDemuxer struct {
	file     *os.File
	decoder  *flac.Decoder
	path     string
	info     TrackInfo
	duration time.Duration
	pos      int64 // PTS of the next frame, in frame ticks
	pending  *Sample
	selected int
	isOpen   bool
}

// NewFLACDemuxer creates a new FLAC demuxer.
func NewFLACDemuxer() *FLACDemuxer {
	return &FLACDemuxer{selected: -1}
}

// Open opens the FLAC file and parses its metadata.
func (d *FLACDemuxer) Open(path string) error {
	if d.isOpen {
		d.Close()
	}

	var err error
	d.file, err = os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open FLAC file: %w", err)
	}

	d.decoder, err = flac.NewDecoder(d.file)
	if err != nil {
		d.file.Close()
		return fmt.Errorf("failed to create FLAC decoder: %w", err)
	}

	d.info = TrackInfo{
		Media:      MediaAudio,
		Codec:      pcmCodecName(d.decoder.BitsPerSample),
		SampleRate: d.decoder.SampleRate,
		Channels:   d.decoder.NChannels,
		BitDepth:   d.decoder.BitsPerSample,
	}
	d.duration = time.Duration(float64(d.decoder.TotalSamples) / float64(d.decoder.SampleRate) * float64(time.Second))

	d.path = path
	d.pos = 0
	d.pending = nil
	d.selected = -1
	d.isOpen = true

	return nil
}

// Close closes the file and releases resources.
func (d *FLACDemuxer) Close() error {
	d.isOpen = false
	d.pending = nil
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// Tracks returns the single audio track of the FLAC container.
func (d *FLACDemuxer) Tracks() []TrackInfo {
	if !d.isOpen {
		return nil
	}
	return []TrackInfo{d.info}
}

// SelectTrack selects the track to read from.
func (d *FLACDemuxer) SelectTrack(index int) error {
	if !d.isOpen {
		return errors.New("demuxer not open")
	}
	if index != 0 {
		return fmt.Errorf("track index %d out of range", index)
	}
	d.selected = index
	return nil
}

// Duration returns the container's reported duration.
func (d *FLACDemuxer) Duration() time.Duration {
	return d.duration
}

// SeekTo positions the reader at the FLAC frame boundary at or before the
// given time. Every FLAC frame is independently decodable.
func (d *FLACDemuxer) SeekTo(seconds float64) error {
	if !d.isOpen {
		return errors.New("demuxer not open")
	}
	if seconds < 0 {
		seconds = 0
	}

	targetFrame := int64(seconds * float64(d.info.SampleRate))

	// Reopen to reset decoder state, then skip whole frames
	path := d.path
	selected := d.selected
	if err := d.Close(); err != nil {
		return err
	}
	if err := d.Open(path); err != nil {
		return err
	}
	d.selected = selected

	for {
		frame, err := d.decoder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error seeking: %w", err)
		}

		frames := int64(len(frame) / (d.info.BitDepth / 8 * d.info.Channels))
		if d.pos+frames <= targetFrame {
			d.pos += frames
			continue
		}

		// This frame straddles or follows the target, hold it for ReadSample
		d.pending = &Sample{Data: frame, PTS: d.pos, Frames: int(frames)}
		d.pos += frames
		return nil
	}
}

// ReadSample reads the next sample packet. Each packet is one FLAC frame.
func (d *FLACDemuxer) ReadSample() (Sample, error) {
	if !d.isOpen {
		return Sample{}, errors.New("demuxer not open")
	}
	if d.selected < 0 {
		return Sample{}, errors.New("no track selected")
	}

	if d.pending != nil {
		s := *d.pending
		d.pending = nil
		return s, nil
	}

	frame, err := d.decoder.Next()
	if errors.Is(err, io.EOF) {
		return Sample{}, io.EOF
	}
	if err != nil {
		return Sample{}, fmt.Errorf("error reading FLAC frame: %w", err)
	}

	frames := len(frame) / (d.info.BitDepth / 8 * d.info.Channels)
	s := Sample{Data: frame, PTS: d.pos, Frames: frames}
	d.pos += int64(frames)

	return s, nil
}
