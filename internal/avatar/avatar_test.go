package avatar

import (
	"testing"
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/stretchr/testify/assert"
)

func TestChannels(t *testing.T) {
	assert.Len(t, Channels(frames.KindViseme), frames.VisemeCount)
	assert.Len(t, Channels(frames.KindBlendshape), ARKitBlendshapeCount)
	assert.Nil(t, Channels(frames.KindNone))
}

func TestChannelIndex(t *testing.T) {
	assert.Equal(t, frames.VisemeAA, ChannelIndex(frames.KindViseme, "aa"))
	assert.Equal(t, 24, ChannelIndex(frames.KindBlendshape, "jawOpen"))
	assert.Equal(t, -1, ChannelIndex(frames.KindBlendshape, "jaw_open"))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.SetTalking(true)
	r.PlayAudio(audio.Clip{Duration: time.Second})
	r.ApplyAnimationFrame("aa", 0.5, 33*time.Millisecond)
	r.StopAudio()
	r.SetTalking(false)

	trues, falses := r.TalkingCounts()
	assert.Equal(t, 1, trues)
	assert.Equal(t, 1, falses)
	assert.False(t, r.IsTalking())
	assert.Equal(t, []bool{true, false}, r.TalkingCalls())
	assert.Len(t, r.Clips(), 1)
	assert.Equal(t, 1, r.Stops())
	assert.Equal(t, []FrameCall{{Channel: "aa", Weight: 0.5, At: 33 * time.Millisecond}}, r.Frames())
}
