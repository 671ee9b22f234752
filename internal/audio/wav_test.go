package audio

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silence(seconds float64, sampleRate, channels int) []byte {
	return make([]byte, int(seconds*float64(sampleRate))*channels*2)
}

// TestParseHeader_Duration tests the duration formula across common formats
func TestParseHeader_Duration(t *testing.T) {
	cases := []struct {
		name     string
		rate     int
		channels int
		seconds  float64
	}{
		{"mono 44.1k", 44100, 1, 2.0},
		{"mono 16k", 16000, 1, 0.5},
		{"stereo 22.05k", 22050, 2, 1.25},
		{"mono 24k short", 24000, 1, 0.02},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wav := EncodeWAV(silence(tc.seconds, tc.rate, tc.channels), tc.rate, tc.channels, 16)

			h, err := ParseHeader(wav)
			require.NoError(t, err)
			assert.Equal(t, tc.channels, h.Channels)
			assert.Equal(t, tc.rate, h.SampleRate)
			assert.Equal(t, 16, h.BitsPerSample)

			expected := float64(h.DataSize) / float64(h.Channels*h.BitsPerSample/8) / float64(h.SampleRate)
			assert.InDelta(t, expected, h.Seconds(), 1e-9)
			assert.InDelta(t, tc.seconds, h.Seconds(), 1e-3)
		})
	}
}

func TestParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, 20))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseHeader_ZeroFields(t *testing.T) {
	wav := EncodeWAV(silence(0.1, 16000, 1), 16000, 1, 16)
	wav[22], wav[23] = 0, 0

	_, err := ParseHeader(wav)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHasAudio(t *testing.T) {
	assert.False(t, HasAudio(nil))
	assert.False(t, HasAudio(make([]byte, HeaderSize)))
	assert.True(t, HasAudio(make([]byte, HeaderSize+2)))
}

func TestPCM16ToFloat32(t *testing.T) {
	samples := PCM16ToFloat32([]byte{0x00, 0x80, 0xff, 0x7f, 0x00, 0x00, 0x01})
	require.Len(t, samples, 3)
	assert.InDelta(t, -1.0, samples[0], 1e-6)
	assert.InDelta(t, 32767.0/32768.0, samples[1], 1e-6)
	assert.Equal(t, float32(0), samples[2])
}

func TestDecodeClip(t *testing.T) {
	wav := EncodeWAV(silence(2.0, 44100, 1), 44100, 1, 16)

	clip, h, err := DecodeClip(wav, 0)
	require.NoError(t, err)
	assert.Equal(t, 44100, clip.SampleRate)
	assert.Equal(t, 88200, len(clip.Samples))
	assert.InDelta(t, 2.0, clip.Duration.Seconds(), 1e-6)
	assert.InDelta(t, 2.0, h.Seconds(), 1e-6)

	clip, _, err = DecodeClip(wav, 22050)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, clip.Duration.Seconds(), 1e-6)
}

func TestDecodeClip_RejectsEightBit(t *testing.T) {
	wav := EncodeWAV(make([]byte, 100), 8000, 1, 8)
	_, _, err := DecodeClip(wav, 0)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeClip_HeaderOnly(t *testing.T) {
	wav := EncodeWAV(nil, 16000, 1, 16)
	_, _, err := DecodeClip(wav, 0)
	assert.ErrorIs(t, err, ErrNoSamples)
}

// TestChunker_Stream tests that capture is split into paced fixed-size chunks
func TestChunker_Stream(t *testing.T) {
	cfg := Config{SampleRate: 1000, Channels: 1, BitDepth: 16, ChunkDuration: 10 * time.Millisecond}
	c := NewChunker(cfg, zerolog.Nop())

	// 10ms at 1kHz mono 16-bit is 20 bytes; 50 bytes gives 20, 20, 10
	src := bytes.NewReader(make([]byte, 50))

	var sizes []int
	for chunk := range c.Stream(context.Background(), src) {
		sizes = append(sizes, len(chunk))
	}
	assert.Equal(t, []int{20, 20, 10}, sizes)
}

func TestChunker_StopsOnCancel(t *testing.T) {
	cfg := Config{SampleRate: 1000, Channels: 1, BitDepth: 16, ChunkDuration: time.Hour}
	c := NewChunker(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Stream(ctx, bytes.NewReader(make([]byte, 4000)))
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("chunker did not stop after cancel")
	}
}

func TestConfig_BytesPerChunk(t *testing.T) {
	assert.Equal(t, 6400, DefaultConfig().BytesPerChunk())
}
