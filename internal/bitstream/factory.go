package bitstream

import (
	"fmt"
	"path/filepath"
	"strings"
)

// StandardDemuxerFactory implements the DemuxerFactory interface.
type StandardDemuxerFactory struct{}

// NewDemuxerFactory creates a new StandardDemuxerFactory.
func NewDemuxerFactory() DemuxerFactory {
	return &StandardDemuxerFactory{}
}

// CreateDemuxer creates an appropriate demuxer for the given file path.
func (f *StandardDemuxerFactory) CreateDemuxer(path string) (Demuxer, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".wav":
		return NewWAVDemuxer(), nil
	case ".flac":
		return NewFLACDemuxer(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}
