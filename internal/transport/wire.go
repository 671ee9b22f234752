package transport

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/normanking/cortexconverse/internal/frames"
)

// TypeEndOfInput is the control message that closes the client send side.
const TypeEndOfInput frames.EnvelopeType = "end_of_input"

// wireMessage is the JSON frame exchanged over the socket.
type wireMessage struct {
	Type    frames.EnvelopeType `json:"type"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

type typed interface {
	Type() frames.EnvelopeType
}

// Encode wraps a message in its wire frame.
func Encode(msg typed) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return json.Marshal(wireMessage{Type: msg.Type(), Payload: payload})
}

func encodeEndOfInput() []byte {
	data, _ := json.Marshal(wireMessage{Type: TypeEndOfInput})
	return data
}

// DecodeEnvelope parses an inbound wire frame.
func DecodeEnvelope(data []byte) (frames.Envelope, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	var env frames.Envelope
	switch msg.Type {
	case frames.TypeUserTranscript:
		env = &frames.UserTranscript{}
	case frames.TypeAgentAudio:
		env = &frames.AgentAudioChunk{}
	case frames.TypeViseme:
		env = &frames.VisemeFrame{}
	case frames.TypeBlendshape:
		env = &frames.BlendshapeFrame{}
	case frames.TypeAction:
		env = &frames.ActionDirective{}
	case frames.TypeSessionID:
		env = &frames.SessionIDAssignment{}
	case frames.TypeDebug:
		env = &frames.DebugNote{}
	case frames.TypeNarrativeSection:
		env = &frames.NarrativeSection{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, msg.Type)
	}

	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, env); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", msg.Type, err)
		}
	}
	return deref(env), nil
}

// DecodeOutbound parses a client wire frame. The end-of-input control
// message decodes to io.EOF.
func DecodeOutbound(data []byte) (frames.Outbound, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch msg.Type {
	case TypeEndOfInput:
		return nil, io.EOF
	case frames.TypeConfig:
		var c frames.Config
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		return c, nil
	case frames.TypeData:
		var d frames.Data
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, msg.Type)
	}
}

// deref returns envelopes by value so consumers can switch on concrete types.
func deref(env frames.Envelope) frames.Envelope {
	switch e := env.(type) {
	case *frames.UserTranscript:
		return *e
	case *frames.AgentAudioChunk:
		return *e
	case *frames.VisemeFrame:
		return *e
	case *frames.BlendshapeFrame:
		return *e
	case *frames.ActionDirective:
		return *e
	case *frames.SessionIDAssignment:
		return *e
	case *frames.DebugNote:
		return *e
	case *frames.NarrativeSection:
		return *e
	}
	return env
}
