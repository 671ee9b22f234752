package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the size of the canonical WAV header. Payloads of this size or
// smaller carry no audio.
const HeaderSize = 44

// Header holds the fields of a canonical WAV header used for timing.
type Header struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataSize      int
}

// HasAudio reports whether payload carries audio beyond the header.
func HasAudio(payload []byte) bool {
	return len(payload) > HeaderSize
}

// ParseHeader reads the canonical 44-byte little-endian header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformedPayload, len(b))
	}

	h := Header{
		Channels:      int(int16(binary.LittleEndian.Uint16(b[22:24]))),
		SampleRate:    int(int32(binary.LittleEndian.Uint32(b[24:28]))),
		BitsPerSample: int(int16(binary.LittleEndian.Uint16(b[34:36]))),
		DataSize:      int(int32(binary.LittleEndian.Uint32(b[40:44]))),
	}

	if h.Channels <= 0 || h.SampleRate <= 0 || h.BitsPerSample < 8 || h.DataSize < 0 {
		return Header{}, fmt.Errorf("%w: channels=%d rate=%d bits=%d size=%d",
			ErrMalformedPayload, h.Channels, h.SampleRate, h.BitsPerSample, h.DataSize)
	}
	return h, nil
}

// Seconds returns the clip length described by the header.
func (h Header) Seconds() float64 {
	bytesPerFrame := h.Channels * h.BitsPerSample / 8
	return float64(h.DataSize) / float64(bytesPerFrame) / float64(h.SampleRate)
}

// Duration returns Seconds as a time.Duration.
func (h Header) Duration() time.Duration {
	return time.Duration(h.Seconds() * float64(time.Second))
}

// EncodeWAV wraps raw PCM in a canonical header.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	blockAlign := channels * bitsPerSample / 8

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[HeaderSize:], pcm)

	return out
}
