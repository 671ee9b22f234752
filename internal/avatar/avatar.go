// Package avatar defines the contract a rendered character exposes to the
// conversation pipeline, plus the channel tables used to name frame weights.
package avatar

import (
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/rs/zerolog"
)

// Avatar is implemented by the host's character. Every method is called on
// the render context only.
type Avatar interface {
	// ApplyAnimationFrame sets one named channel weight at an offset into the
	// current utterance.
	ApplyAnimationFrame(channel string, weight float32, at time.Duration)

	// PlayAudio starts playing a decoded clip.
	PlayAudio(clip audio.Clip)

	// StopAudio stops any playing clip.
	StopAudio()

	// SetTalking reports whether the character is speaking.
	SetTalking(talking bool)
}

// Channels returns the channel name table for an animation kind.
func Channels(kind frames.Kind) []string {
	switch kind {
	case frames.KindViseme:
		return VisemeChannels[:]
	case frames.KindBlendshape:
		return ARKitChannels[:]
	default:
		return nil
	}
}

// LogAvatar is a headless Avatar that logs what a renderer would do.
type LogAvatar struct {
	Name   string
	logger zerolog.Logger
}

// NewLogAvatar creates a LogAvatar.
func NewLogAvatar(name string, logger zerolog.Logger) *LogAvatar {
	return &LogAvatar{
		Name:   name,
		logger: logger.With().Str("component", "avatar").Str("agent", name).Logger(),
	}
}

func (a *LogAvatar) ApplyAnimationFrame(channel string, weight float32, at time.Duration) {
	a.logger.Trace().Str("channel", channel).Float32("weight", weight).Dur("at", at).Msg("Frame")
}

func (a *LogAvatar) PlayAudio(clip audio.Clip) {
	a.logger.Debug().Dur("duration", clip.Duration).Int("sampleRate", clip.SampleRate).Msg("Play audio")
}

func (a *LogAvatar) StopAudio() {
	a.logger.Debug().Msg("Stop audio")
}

func (a *LogAvatar) SetTalking(talking bool) {
	a.logger.Info().Bool("talking", talking).Msg("Talking changed")
}
