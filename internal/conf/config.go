// Package conf handles loading and validation of the service configuration.
package conf

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Capture CaptureConfig `yaml:"capture"`
	Window  WindowConfig  `yaml:"window"`
	Codec   CodecConfig   `yaml:"codec"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// CaptureConfig contains capture source and storage configuration
type CaptureConfig struct {
	WorkDir    string `yaml:"work_dir"`    // directory for segment and rolling files
	OutputPath string `yaml:"output_path"` // delivered output file path
	DeviceID   string `yaml:"device_id"`   // capture device, empty for default
	Fixture    bool   `yaml:"fixture"`     // use the deterministic fixture recorder
}

// WindowConfig contains the retention window parameters
type WindowConfig struct {
	MaxDurationSeconds    float64 `yaml:"max_duration_seconds"`
	SegmentLengthSeconds  float64 `yaml:"segment_length_seconds"`
	BufferPaddingSegments int     `yaml:"buffer_padding_segments"`
}

// CodecConfig contains codec parameters passed through to the recorder
type CodecConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	Bitrate    int `yaml:"bitrate"` // bits per second, used by the duration heuristic
}

// HTTPConfig contains the status/metrics HTTP server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			WorkDir:    "recordings",
			OutputPath: "recordings/output.wav",
		},
		Window: WindowConfig{
			MaxDurationSeconds:    300,
			SegmentLengthSeconds:  60,
			BufferPaddingSegments: 1,
		},
		Codec: CodecConfig{
			SampleRate: 48000,
			Channels:   1,
			BitDepth:   16,
			Bitrate:    48000 * 16,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("window config: %w", err)
	}

	if err := c.Codec.Validate(); err != nil {
		return fmt.Errorf("codec config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate checks capture configuration
func (c *CaptureConfig) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path must not be empty")
	}
	return nil
}

// Validate checks retention window configuration
func (w *WindowConfig) Validate() error {
	if w.MaxDurationSeconds <= 0 {
		return fmt.Errorf("max_duration_seconds must be positive, got %v", w.MaxDurationSeconds)
	}
	if w.SegmentLengthSeconds <= 0 {
		return fmt.Errorf("segment_length_seconds must be positive, got %v", w.SegmentLengthSeconds)
	}
	if w.BufferPaddingSegments < 0 {
		return fmt.Errorf("buffer_padding_segments must not be negative, got %d", w.BufferPaddingSegments)
	}
	return nil
}

// Validate checks codec configuration
func (c *CodecConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.BitDepth != 16 && c.BitDepth != 24 && c.BitDepth != 32 {
		return fmt.Errorf("unsupported bit depth: %d", c.BitDepth)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("bitrate must be positive, got %d", c.Bitrate)
	}
	return nil
}

// Validate checks HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("invalid port: %d", h.Port)
	}
	return nil
}

// Validate checks logging configuration
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", l.Level)
	}
	switch l.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
	return nil
}

// MaxDuration returns the retention window as a time.Duration.
func (w *WindowConfig) MaxDuration() time.Duration {
	return time.Duration(w.MaxDurationSeconds * float64(time.Second))
}

// SegmentLength returns the nominal segment length as a time.Duration.
func (w *WindowConfig) SegmentLength() time.Duration {
	return time.Duration(w.SegmentLengthSeconds * float64(time.Second))
}

// MaxSegments returns the maximum number of retained raw segment files:
// ceil(maxDuration / segmentLength) plus padding, never less than 1.
func (w *WindowConfig) MaxSegments() int {
	n := int(math.Ceil(w.MaxDurationSeconds/w.SegmentLengthSeconds)) + w.BufferPaddingSegments
	if n < 1 {
		n = 1
	}
	return n
}

// BytesPerSecond returns the raw PCM byte rate for the codec.
func (c *CodecConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * c.BitDepth / 8
}
