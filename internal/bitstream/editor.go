package bitstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
)

// Destination is an accumulating output stream. It keeps the muxer track and
// the last written presentation timestamp across CopyRange calls so that
// timestamps stay monotonic over the whole life of the stream.
type Destination struct {
	mux     Muxer
	track   int
	info    TrackInfo
	lastPTS int64
}

// NewDestination wraps a muxer as a copy destination. initialPTS carries the
// last written timestamp over from a previous incarnation of the stream (the
// rolling file survives atomic swaps); pass -1 for a brand new stream.
func NewDestination(mux Muxer, initialPTS int64) *Destination {
	return &Destination{mux: mux, track: -1, lastPTS: initialPTS}
}

// LastPTS returns the last presentation timestamp written to the destination.
func (d *Destination) LastPTS() int64 {
	return d.lastPTS
}

// Finalize completes the destination container.
func (d *Destination) Finalize() error {
	if d.track < 0 {
		// Nothing was ever copied; still produce a valid empty container if
		// the muxer was started, otherwise there is no file to finalize.
		return nil
	}
	return d.mux.Stop()
}

// Abort discards the destination output file.
func (d *Destination) Abort() error {
	return d.mux.Abort()
}

// Path returns the destination file path.
func (d *Destination) Path() string {
	return d.mux.Path()
}

// ensureTrack adds the output track on first use, reusing it afterwards.
func (d *Destination) ensureTrack(info TrackInfo, logger logging.Logger) error {
	if d.track >= 0 {
		if !d.info.Compatible(info) {
			// Most recordings originate from one configuration, so a
			// mismatch is unusual but not fatal
			logger.Warn("source track format %v does not match destination %v", info, d.info)
		}
		return nil
	}

	idx, err := d.mux.AddTrack(info)
	if err != nil {
		return fmt.Errorf("failed to add destination track: %w", err)
	}
	if err := d.mux.Start(); err != nil {
		return fmt.Errorf("failed to start destination muxer: %w", err)
	}
	d.track = idx
	d.info = info
	return nil
}

// Editor copies sample ranges between containers, rebasing presentation
// timestamps so the destination stays strictly increasing and gap-free.
type Editor struct {
	factory DemuxerFactory
	logger  logging.Logger
}

// NewEditor creates an editor with the standard demuxer factory.
func NewEditor(logger logging.Logger) *Editor {
	return NewEditorWithFactory(NewDemuxerFactory(), logger)
}

// NewEditorWithFactory creates an editor with a custom demuxer factory.
func NewEditorWithFactory(factory DemuxerFactory, logger logging.Logger) *Editor {
	return &Editor{factory: factory, logger: logger}
}

// CopyRange copies samples with timestamps in [startSec, endSec] from the
// source container into the destination, and returns the number of samples
// copied. endSec is clamped to the source duration, and an empty range is a
// successful no-op. When rebasePTS is set, the first copied sample is
// assigned destination.lastPTS+1 (or 0 for a fresh destination) and source
// timestamp deltas are preserved from there, forced strictly increasing.
//
// On any failure mid-copy the destination output file is deleted so a
// half-written container is never left behind.
func (e *Editor) CopyRange(srcPath string, dst *Destination, startSec, endSec float64, rebasePTS bool) (int, error) {
	demux, err := e.factory.CreateDemuxer(srcPath)
	if err != nil {
		return 0, err
	}
	if err := demux.Open(srcPath); err != nil {
		return 0, fmt.Errorf("failed to open source %s: %w", srcPath, err)
	}
	defer demux.Close()

	trackIdx, info, err := findAudioTrack(demux)
	if err != nil {
		return 0, err
	}
	if err := demux.SelectTrack(trackIdx); err != nil {
		return 0, err
	}

	if err := dst.ensureTrack(info, e.logger); err != nil {
		return 0, err
	}

	if startSec < 0 {
		startSec = 0
	}
	srcDuration := demux.Duration().Seconds()
	if endSec > srcDuration {
		endSec = srcDuration
	}
	if endSec <= startSec {
		return 0, nil
	}

	if err := demux.SeekTo(startSec); err != nil {
		return e.failCopy(dst, fmt.Errorf("seek to %.3fs in %s: %w", startSec, srcPath, err))
	}

	startFrame := int64(startSec * float64(info.SampleRate))
	endFrame := int64(endSec * float64(info.SampleRate))

	copied := 0
	prevSrcPTS := int64(-1)

	for {
		s, err := demux.ReadSample()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return e.failCopy(dst, fmt.Errorf("read sample from %s: %w", srcPath, err))
		}

		// Discard samples before the range, stop past its end
		if s.PTS < startFrame {
			continue
		}
		if s.PTS > endFrame {
			break
		}

		out := s
		if rebasePTS {
			switch {
			case dst.lastPTS < 0:
				out.PTS = 0
			case prevSrcPTS < 0:
				out.PTS = dst.lastPTS + 1
			default:
				out.PTS = dst.lastPTS + (s.PTS - prevSrcPTS)
				if out.PTS <= dst.lastPTS {
					out.PTS = dst.lastPTS + 1
				}
			}
		}

		if err := dst.mux.WriteSample(dst.track, out); err != nil {
			return e.failCopy(dst, fmt.Errorf("write sample to %s: %w", dst.Path(), err))
		}

		prevSrcPTS = s.PTS
		dst.lastPTS = out.PTS
		copied++
	}

	return copied, nil
}

// failCopy deletes the half-written destination and surfaces the cause.
func (e *Editor) failCopy(dst *Destination, cause error) (int, error) {
	if abortErr := dst.Abort(); abortErr != nil {
		e.logger.Error("failed to discard partial output %s: %v", dst.Path(), abortErr)
	}
	return 0, cause
}

// ProbeDuration measures a container's duration. It prefers container
// metadata and falls back to a byte-size estimate at the given byte rate when
// metadata cannot be read. The estimate is approximate but close enough for
// window accounting.
func (e *Editor) ProbeDuration(path string, byteRate int) (time.Duration, error) {
	demux, err := e.factory.CreateDemuxer(path)
	if err == nil {
		if openErr := demux.Open(path); openErr == nil {
			defer demux.Close()
			if dur := demux.Duration(); dur > 0 {
				return dur, nil
			}
		}
	}

	fi, statErr := os.Stat(path)
	if statErr != nil {
		return 0, fmt.Errorf("failed to probe duration of %s: %w", path, statErr)
	}
	if byteRate <= 0 {
		return 0, fmt.Errorf("failed to probe duration of %s: no metadata and no byte rate", path)
	}

	e.logger.Debug("estimating duration of %s from file size", path)
	return time.Duration(float64(fi.Size()) / float64(byteRate) * float64(time.Second)), nil
}

// findAudioTrack locates the first track whose media type is audio.
func findAudioTrack(demux Demuxer) (int, TrackInfo, error) {
	for i, t := range demux.Tracks() {
		if t.Media == MediaAudio {
			return i, t, nil
		}
	}
	return 0, TrackInfo{}, ErrNoAudioTrack
}
