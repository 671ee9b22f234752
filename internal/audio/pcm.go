package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PCM16ToFloat32 converts little-endian signed 16-bit samples to [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// DecodeClip parses a WAV payload into a playable clip. sampleRate overrides
// the header rate when positive.
func DecodeClip(payload []byte, sampleRate int) (Clip, Header, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return Clip{}, Header{}, err
	}
	if h.BitsPerSample != 16 {
		return Clip{}, h, fmt.Errorf("%w: unsupported bit depth %d", ErrMalformedPayload, h.BitsPerSample)
	}

	samples := PCM16ToFloat32(payload[HeaderSize:])
	if len(samples) == 0 {
		return Clip{}, h, ErrNoSamples
	}

	rate := h.SampleRate
	if sampleRate > 0 {
		rate = sampleRate
	}

	frames := len(samples) / h.Channels
	clip := Clip{
		Samples:    samples,
		SampleRate: rate,
		Channels:   h.Channels,
		Duration:   time.Duration(float64(frames) / float64(rate) * float64(time.Second)),
	}
	return clip, h, nil
}
