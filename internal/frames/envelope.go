package frames

// EnvelopeType tags inbound and outbound envelopes on the wire.
type EnvelopeType string

const (
	TypeUserTranscript   EnvelopeType = "user_transcript"
	TypeAgentAudio       EnvelopeType = "agent_audio"
	TypeViseme           EnvelopeType = "viseme"
	TypeBlendshape       EnvelopeType = "blendshape"
	TypeAction           EnvelopeType = "action"
	TypeSessionID        EnvelopeType = "session_id"
	TypeDebug            EnvelopeType = "debug"
	TypeNarrativeSection EnvelopeType = "narrative_section"

	TypeConfig EnvelopeType = "config"
	TypeData   EnvelopeType = "data"
)

// Envelope is one inbound message from the dialogue service.
type Envelope interface {
	Type() EnvelopeType
}

// UserTranscript is the service's transcription of user input.
type UserTranscript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

// AgentAudioChunk carries WAV audio and the text it speaks. Final marks the
// end of the agent's response.
type AgentAudioChunk struct {
	Audio         []byte `json:"audio,omitempty"`
	Text          string `json:"text,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Final         bool   `json:"final,omitempty"`
	InteractionID string `json:"interaction_id,omitempty"`
}

// ActionDirective is an action the agent decided to perform.
type ActionDirective struct {
	Action string `json:"action"`
}

// SessionIDAssignment carries the service-assigned session id.
type SessionIDAssignment struct {
	SessionID string `json:"session_id"`
}

// DebugNote is free-form diagnostic text from the service.
type DebugNote struct {
	Text string `json:"text"`
}

// NarrativeSection reports the narrative section the agent moved into.
type NarrativeSection struct {
	SectionID string `json:"section_id"`
}

func (UserTranscript) Type() EnvelopeType      { return TypeUserTranscript }
func (AgentAudioChunk) Type() EnvelopeType     { return TypeAgentAudio }
func (VisemeFrame) Type() EnvelopeType         { return TypeViseme }
func (BlendshapeFrame) Type() EnvelopeType     { return TypeBlendshape }
func (ActionDirective) Type() EnvelopeType     { return TypeAction }
func (SessionIDAssignment) Type() EnvelopeType { return TypeSessionID }
func (DebugNote) Type() EnvelopeType           { return TypeDebug }
func (NarrativeSection) Type() EnvelopeType    { return TypeNarrativeSection }

// Outbound is one message written to the dialogue service.
type Outbound interface {
	Type() EnvelopeType
}

// AudioFormat hints the service about input and output audio.
type AudioFormat struct {
	SampleRate   int  `json:"sample_rate,omitempty"`
	DisableAudio bool `json:"disable_audio,omitempty"`
}

// ActionConfig describes the actions and scene objects available to the agent.
type ActionConfig struct {
	Actions        []string `json:"actions,omitempty"`
	Characters     []string `json:"characters,omitempty"`
	Objects        []string `json:"objects,omitempty"`
	ClassicActions bool     `json:"classic_actions,omitempty"`
}

// Config opens every turn.
type Config struct {
	AgentID        string        `json:"agent_id"`
	APIKey         string        `json:"api_key,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	AudioFormat    AudioFormat   `json:"audio_format"`
	AnimationModel Kind          `json:"animation_model,omitempty"`
	Action         *ActionConfig `json:"action,omitempty"`
}

// Trigger fires a named narrative trigger.
type Trigger struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// Data carries one piece of turn input. Exactly one field is set.
type Data struct {
	Text    string   `json:"text,omitempty"`
	Audio   []byte   `json:"audio,omitempty"`
	Trigger *Trigger `json:"trigger,omitempty"`
}

func (Config) Type() EnvelopeType { return TypeConfig }
func (Data) Type() EnvelopeType   { return TypeData }
