package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDemuxer implements the Demuxer interface for WAV containers.
type WAVDemuxer struct {
	file     *os.File
	decoder  *wav.Decoder
	path     string
	info     TrackInfo
	duration time.Duration
	pos      int64 // PTS of the next packet, in frame ticks
	selected int
	isOpen   bool
}

// NewWAVDemuxer creates a new WAV demuxer.
func NewWAVDemuxer() *WAVDemuxer {
	return &WAVDemuxer{selected: -1}
}

// Open opens the WAV file and parses its metadata.
func (d *WAVDemuxer) Open(path string) error {
	if d.isOpen {
		d.Close()
	}

	var err error
	d.file, err = os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAV file: %w", err)
	}

	d.decoder = wav.NewDecoder(d.file)
	d.decoder.ReadInfo()

	if !d.decoder.IsValidFile() {
		d.file.Close()
		return errors.New("invalid WAV file format")
	}

	d.info = TrackInfo{
		Media:      MediaAudio,
		Codec:      pcmCodecName(int(d.decoder.BitDepth)),
		SampleRate: int(d.decoder.SampleRate),
		Channels:   int(d.decoder.NumChans),
		BitDepth:   int(d.decoder.BitDepth),
	}

	d.duration, err = d.decoder.Duration()
	if err != nil {
		// Estimate from file size when the header duration is unreadable
		if fi, statErr := d.file.Stat(); statErr == nil {
			byteRate := d.info.SampleRate * d.info.Channels * d.info.BitDepth / 8
			if byteRate > 0 {
				d.duration = time.Duration(float64(fi.Size()) / float64(byteRate) * float64(time.Second))
			}
		}
	}

	d.path = path
	d.pos = 0
	d.selected = -1
	d.isOpen = true

	return nil
}

// Close closes the file and releases resources.
func (d *WAVDemuxer) Close() error {
	d.isOpen = false
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// Tracks returns the single audio track of the WAV container.
func (d *WAVDemuxer) Tracks() []TrackInfo {
	if !d.isOpen {
		return nil
	}
	return []TrackInfo{d.info}
}

// SelectTrack selects the track to read from.
func (d *WAVDemuxer) SelectTrack(index int) error {
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
func (d *WAVDemuxer) Duration() time.Duration {
	return d.duration
}

// SeekTo positions the reader at the packet boundary at or before the given
// time. For PCM every packet is a random-access point.
func (d *WAVDemuxer) SeekTo(seconds float64) error {
	if !d.isOpen {
		return errors.New("demuxer not open")
	}
	if seconds < 0 {
		seconds = 0
	}

	targetFrame := int64(seconds * float64(d.info.SampleRate))
	packetStart := (targetFrame / PacketFrames) * PacketFrames

	// Reopen to reset decoder state, then skip forward
	path := d.path
	selected := d.selected
	if err := d.Close(); err != nil {
		return err
	}
	if err := d.Open(path); err != nil {
		return err
	}
	d.selected = selected

	remaining := packetStart
	buf := &audio.IntBuffer{
		Data:   make([]int, PacketFrames*d.info.Channels),
		Format: &audio.Format{SampleRate: d.info.SampleRate, NumChannels: d.info.Channels},
	}
	for remaining > 0 {
		toRead := int64(PacketFrames)
		if remaining < toRead {
			toRead = remaining
		}
		buf.Data = buf.Data[:toRead*int64(d.info.Channels)]

		n, err := d.decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("error seeking: %w", err)
		}
		if n == 0 {
			break // EOF before the target, position at end
		}
		frames := int64(n / d.info.Channels)
		d.pos += frames
		remaining -= frames
	}

	return nil
}

// ReadSample reads the next sample packet.
func (d *WAVDemuxer) ReadSample() (Sample, error) {
	if !d.isOpen {
		return Sample{}, errors.New("demuxer not open")
	}
	if d.selected < 0 {
		return Sample{}, errors.New("no track selected")
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, PacketFrames*d.info.Channels),
		Format: &audio.Format{SampleRate: d.info.SampleRate, NumChannels: d.info.Channels},
	}

	n, err := d.decoder.PCMBuffer(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Sample{}, fmt.Errorf("error reading WAV data: %w", err)
	}
	if n == 0 {
		return Sample{}, io.EOF
	}

	frames := n / d.info.Channels
	s := Sample{
		Data:   intsToBytes(buf.Data[:n], d.info.BitDepth),
		PTS:    d.pos,
		Frames: frames,
	}
	d.pos += int64(frames)

	return s, nil
}

// WAVMuxer implements the Muxer interface for WAV containers.
type WAVMuxer struct {
	path    string
	file    *os.File
	encoder *wav.Encoder
	tracks  []TrackInfo
	lastPTS []int64
	started bool
}

// NewWAVMuxer creates a muxer writing to the given path.
func NewWAVMuxer(path string) *WAVMuxer {
	return &WAVMuxer{path: path}
}

// AddTrack adds the audio track. WAV carries exactly one track.
func (m *WAVMuxer) AddTrack(info TrackInfo) (int, error) {
	if m.started {
		return 0, errors.New("muxer already started")
	}
	if len(m.tracks) > 0 {
		return 0, errors.New("WAV container supports a single track")
	}
	if info.Media != MediaAudio {
		return 0, fmt.Errorf("unsupported media type: %s", info.Media)
	}
	m.tracks = append(m.tracks, info)
	m.lastPTS = append(m.lastPTS, -1)
	return 0, nil
}

// Start creates the output file and begins encoding.
func (m *WAVMuxer) Start() error {
	if m.started {
		return errors.New("muxer already started")
	}
	if len(m.tracks) == 0 {
		return errors.New("no track added")
	}

	if err := os.MkdirAll(filepath.Dir(m.path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	var err error
	m.file, err = os.Create(m.path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	info := m.tracks[0]
	m.encoder = wav.NewEncoder(m.file, info.SampleRate, info.BitDepth, info.Channels, 1)
	m.started = true

	return nil
}

// WriteSample appends a sample packet to the output.
func (m *WAVMuxer) WriteSample(track int, s Sample) error {
	if !m.started {
		return errors.New("muxer not started")
	}
	if track != 0 {
		return fmt.Errorf("track index %d out of range", track)
	}

	info := m.tracks[0]
	if err := m.encoder.Write(&audio.IntBuffer{
		Data:   bytesToInts(s.Data, info.BitDepth),
		Format: &audio.Format{SampleRate: info.SampleRate, NumChannels: info.Channels},
	}); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}

	m.lastPTS[track] = s.PTS
	return nil
}

// LastPTS returns the timestamp of the last written sample, or -1.
func (m *WAVMuxer) LastPTS(track int) int64 {
	if track < 0 || track >= len(m.lastPTS) {
		return -1
	}
	return m.lastPTS[track]
}

// Stop finalizes the container header and closes the file.
func (m *WAVMuxer) Stop() error {
	if !m.started {
		return errors.New("muxer not started")
	}
	m.started = false

	if err := m.encoder.Close(); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to finalize WAV encoder: %w", err)
	}
	return m.file.Close()
}

// Abort discards the partially written output file.
func (m *WAVMuxer) Abort() error {
	if m.file != nil {
		m.file.Close()
	}
	m.started = false
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the output file path.
func (m *WAVMuxer) Path() string {
	return m.path
}

func pcmCodecName(bitDepth int) string {
	switch bitDepth {
	case 16:
		return "pcm_s16le"
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return fmt.Sprintf("pcm_s%dle", bitDepth)
	}
}

// bytesToInts converts little-endian PCM bytes to integer samples.
func bytesToInts(data []byte, bitDepth int) []int {
	step := bitDepth / 8
	samples := make([]int, 0, len(data)/step)

	for i := 0; i+step <= len(data); i += step {
		switch bitDepth {
		case 16:
			samples = append(samples, int(int16(binary.LittleEndian.Uint16(data[i:]))))
		case 24:
			v := int32(data[i]) | int32(data[i+1])<<8 | int32(data[i+2])<<16
			if v&0x800000 != 0 {
				v |= -1 << 24
			}
			samples = append(samples, int(v))
		case 32:
			samples = append(samples, int(int32(binary.LittleEndian.Uint32(data[i:]))))
		}
	}

	return samples
}

// intsToBytes converts integer samples to little-endian PCM bytes.
func intsToBytes(samples []int, bitDepth int) []byte {
	step := bitDepth / 8
	data := make([]byte, len(samples)*step)

	for i, s := range samples {
		switch bitDepth {
		case 16:
			binary.LittleEndian.PutUint16(data[i*step:], uint16(int16(s)))
		case 24:
			data[i*step] = byte(s)
			data[i*step+1] = byte(s >> 8)
			data[i*step+2] = byte(s >> 16)
		case 32:
			binary.LittleEndian.PutUint32(data[i*step:], uint32(int32(s)))
		}
	}

	return data
}
