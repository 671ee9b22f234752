package audio

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Chunker paces raw capture PCM into fixed-duration chunks for streaming.
type Chunker struct {
	cfg    Config
	logger zerolog.Logger
}

// NewChunker creates a Chunker. Zero fields in cfg fall back to DefaultConfig.
func NewChunker(cfg Config, logger zerolog.Logger) *Chunker {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.BitDepth <= 0 {
		cfg.BitDepth = def.BitDepth
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = def.ChunkDuration
	}
	return &Chunker{
		cfg:    cfg,
		logger: logger.With().Str("component", "audio-chunker").Logger(),
	}
}

// Stream reads src and emits one chunk per ChunkDuration tick. The channel is
// closed on EOF, on a read error, or when ctx is done. A short final chunk is
// still delivered.
func (c *Chunker) Stream(ctx context.Context, src io.Reader) <-chan []byte {
	out := make(chan []byte, 1)
	size := c.cfg.BytesPerChunk()

	go func() {
		defer close(out)

		ticker := time.NewTicker(c.cfg.ChunkDuration)
		defer ticker.Stop()

		chunks := 0
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(src, buf)
			if n > 0 {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				select {
				case out <- buf[:n]:
					chunks++
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					c.logger.Warn().Err(err).Msg("Capture source failed")
				}
				c.logger.Debug().Int("chunks", chunks).Msg("Capture stream finished")
				return
			}
		}
	}()

	return out
}
