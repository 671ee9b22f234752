// Package frames defines the animation frame vectors and the envelopes
// exchanged with the dialogue service.
package frames

// Kind selects the facial animation model an agent is driven with.
type Kind string

const (
	KindNone       Kind = "none"
	KindViseme     Kind = "viseme"
	KindBlendshape Kind = "blendshape"
)

// ParseKind maps a configuration string to a Kind. Unknown values map to KindNone.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindViseme, KindBlendshape:
		return Kind(s)
	default:
		return KindNone
	}
}

// Viseme indices, in the order the service sends them.
const (
	VisemeSil = iota
	VisemePP
	VisemeFF
	VisemeTH
	VisemeDD
	VisemeKK
	VisemeCH
	VisemeSS
	VisemeNN
	VisemeRR
	VisemeAA
	VisemeE
	VisemeIH
	VisemeOH
	VisemeOU
	VisemeCount
)

// SilenceSentinel in the sil slot marks the end of an utterance's viseme stream.
const SilenceSentinel float32 = -2

// VisemeFrame is one frame of viseme weights.
type VisemeFrame struct {
	Weights       [VisemeCount]float32 `json:"weights"`
	EndOfResponse bool                 `json:"end_of_response,omitempty"`
}

// IsSilenceMarker reports whether the frame is the reserved end marker.
func (f VisemeFrame) IsSilenceMarker() bool {
	return f.Weights[VisemeSil] == SilenceSentinel
}

// Completes reports whether the frame closes the current utterance.
func (f VisemeFrame) Completes() bool {
	return f.IsSilenceMarker() || f.EndOfResponse
}

// BlendshapeFrame is one frame of blendshape weights in ARKit order.
type BlendshapeFrame struct {
	Weights       []float32 `json:"weights"`
	EndOfResponse bool      `json:"end_of_response,omitempty"`
}

// Completes reports whether the frame closes the current utterance.
func (f BlendshapeFrame) Completes() bool {
	return f.EndOfResponse
}

// Frame is a single animation frame of either kind.
type Frame struct {
	Kind    Kind
	Weights []float32
}

// FromViseme wraps a viseme frame.
func FromViseme(v VisemeFrame) Frame {
	w := make([]float32, VisemeCount)
	copy(w, v.Weights[:])
	return Frame{Kind: KindViseme, Weights: w}
}

// FromBlendshape wraps a blendshape frame.
func FromBlendshape(b BlendshapeFrame) Frame {
	w := make([]float32, len(b.Weights))
	copy(w, b.Weights)
	return Frame{Kind: KindBlendshape, Weights: w}
}
