// Package audio provides WAV parsing, clip decoding and microphone chunking.
package audio

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrMalformedPayload = errors.New("malformed audio payload")
	ErrNoSamples        = errors.New("no samples in audio payload")
)

// Format represents audio encoding format
type Format string

const (
	FormatWAV Format = "wav"
	FormatPCM Format = "pcm"
)

// Config holds capture configuration
type Config struct {
	SampleRate    int           // Default: 16000 Hz
	Channels      int           // Default: 1 (mono)
	BitDepth      int           // Default: 16
	ChunkDuration time.Duration // Default: 200ms
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SampleRate:    16000,
		Channels:      1,
		BitDepth:      16,
		ChunkDuration: 200 * time.Millisecond,
	}
}

// BytesPerChunk returns the PCM byte count of one chunk.
func (c Config) BytesPerChunk() int {
	frameBytes := c.Channels * c.BitDepth / 8
	n := int(float64(c.SampleRate) * c.ChunkDuration.Seconds())
	return n * frameBytes
}

// Clip is decoded audio ready for playback.
type Clip struct {
	Samples    []float32     `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
}

// Empty reports whether the clip holds no audio.
func (c Clip) Empty() bool {
	return len(c.Samples) == 0
}
