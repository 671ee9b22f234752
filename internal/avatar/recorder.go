package avatar

import (
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
)

// FrameCall is one recorded ApplyAnimationFrame call.
type FrameCall struct {
	Channel string
	Weight  float32
	At      time.Duration
}

// Recorder is an Avatar that records every call. Hosts without a renderer can
// use it to capture a session; tests use it to assert on playback.
type Recorder struct {
	mu       sync.Mutex
	frames   []FrameCall
	clips    []audio.Clip
	stops    int
	talking  []bool
	speaking bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ApplyAnimationFrame(channel string, weight float32, at time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, FrameCall{Channel: channel, Weight: weight, At: at})
}

func (r *Recorder) PlayAudio(clip audio.Clip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clips = append(r.clips, clip)
}

func (r *Recorder) StopAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

func (r *Recorder) SetTalking(talking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.talking = append(r.talking, talking)
	r.speaking = talking
}

// Frames returns a copy of the recorded frame calls.
func (r *Recorder) Frames() []FrameCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FrameCall, len(r.frames))
	copy(out, r.frames)
	return out
}

// Clips returns a copy of the played clips.
func (r *Recorder) Clips() []audio.Clip {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.Clip, len(r.clips))
	copy(out, r.clips)
	return out
}

// Stops returns how many times StopAudio was called.
func (r *Recorder) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// TalkingCalls returns the SetTalking arguments in call order.
func (r *Recorder) TalkingCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.talking))
	copy(out, r.talking)
	return out
}

// TalkingCounts returns how many times SetTalking(true) and SetTalking(false) were called.
func (r *Recorder) TalkingCounts() (trues, falses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.talking {
		if t {
			trues++
		} else {
			falses++
		}
	}
	return trues, falses
}

// IsTalking returns the last SetTalking value.
func (r *Recorder) IsTalking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaking
}
