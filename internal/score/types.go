// Package score implements C2: the immutable operation tree that is the
// compiler's input. Operation is a closed sum type (an interface sealed to
// this package) so the expander and emitter can switch over Kind()
// exhaustively, the same way the teacher's mml.EventType enum drives a
// total switch over event kinds.
package score

import "scoretree/internal/duration"

// OpKind identifies which concrete Operation a value holds.
type OpKind int

const (
	KindNote OpKind = iota + 1
	KindRest
	KindStack
	KindLoop
	KindClipRef
	KindScope
	KindTempo
	KindTimeSignature
	KindTranspose
	KindControl
	KindPitchBend
	KindAftertouch
	KindVibrato
	KindAutomation
	KindBlock
)

func (k OpKind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindRest:
		return "rest"
	case KindStack:
		return "stack"
	case KindLoop:
		return "loop"
	case KindClipRef:
		return "clip"
	case KindScope:
		return "scope"
	case KindTempo:
		return "tempo"
	case KindTimeSignature:
		return "time_signature"
	case KindTranspose:
		return "transpose"
	case KindControl:
		return "control"
	case KindPitchBend:
		return "pitch_bend"
	case KindAftertouch:
		return "aftertouch"
	case KindVibrato:
		return "vibrato"
	case KindAutomation:
		return "automation"
	case KindBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Operation is the sealed sum type every tree node implements.
type Operation interface {
	Kind() OpKind
	sealed()
}

type base struct{}

func (base) sealed() {}

// TieMode marks where a Note sits in a tie chain.
type TieMode int

const (
	TieNone TieMode = iota
	TieStart
	TieContinue
	TieEnd
)

// Note is a pitched sound event.
type Note struct {
	base
	Pitch        int // MIDI note number
	Duration     duration.NoteDuration
	Velocity     float64 // 0..1
	Articulation string
	DetuneCents  float64
	Timbre       string
	Pressure     float64
	Glide        bool
	Tie          TieMode
	VoiceID      int // 0 means unset; effective key default is 0
}

func (Note) Kind() OpKind { return KindNote }

// Rest advances time without sounding anything.
type Rest struct {
	base
	Duration duration.NoteDuration
}

func (Rest) Kind() OpKind { return KindRest }

// Stack runs children in parallel; all start at the stack's start beat and
// the stack's total duration is the maximum branch duration.
type Stack struct {
	base
	Children []Operation
}

func (Stack) Kind() OpKind { return KindStack }

// Loop repeats Children Count times in sequence.
type Loop struct {
	base
	Count    int
	Children []Operation
}

func (Loop) Kind() OpKind { return KindLoop }

// ClipRef splices a nested sub-tree in place.
type ClipRef struct {
	base
	Inner *ClipNode
}

func (ClipRef) Kind() OpKind { return KindClipRef }

// ScopeIsolation names which contextual state a Scope restores on exit.
type ScopeIsolation struct {
	Tempo         bool
	Transposition bool
	Velocity      bool
}

// Scope runs Inner with isolated context, restored on exit.
type Scope struct {
	base
	Isolate ScopeIsolation
	Inner   Operation
}

func (Scope) Kind() OpKind { return KindScope }

// TempoCurve names the interpolation shape of a tempo transition.
type TempoCurve int

const (
	CurveNone TempoCurve = iota
	CurveLinear
	CurveEaseIn
	CurveEaseOut
	CurveEaseInOut
)

// TempoTransition describes a ramp from the prevailing bpm to Tempo.BPM.
type TempoTransition struct {
	DurationBeats float64
	Curve         TempoCurve
	Precise       bool
}

// Tempo sets (or begins ramping to) a new bpm.
type Tempo struct {
	base
	BPM        float64
	Transition *TempoTransition
}

func (Tempo) Kind() OpKind { return KindTempo }

// TimeSignature changes the prevailing beats-per-measure.
type TimeSignature struct {
	base
	Num, Denom int
}

func (TimeSignature) Kind() OpKind { return KindTimeSignature }

// Transpose shifts Inner (and everything inside it) by Semitones.
type Transpose struct {
	base
	Semitones int
	Inner     Operation
}

func (Transpose) Kind() OpKind { return KindTranspose }

// Control is a generic MIDI-style controller change.
type Control struct {
	base
	Controller int
	Value      float64
}

func (Control) Kind() OpKind { return KindControl }

// PitchBend is a normalized pitch-wheel value in [-1,1].
type PitchBend struct {
	base
	Normalized float64
}

func (PitchBend) Kind() OpKind { return KindPitchBend }

// Aftertouch is channel- or polyphonic- pressure.
type Aftertouch struct {
	base
	Poly  bool
	Value float64
	Pitch int // meaningful only when Poly
}

func (Aftertouch) Kind() OpKind { return KindAftertouch }

// Vibrato configures an ongoing pitch wobble.
type Vibrato struct {
	base
	Depth float64
	Rate  float64
}

func (Vibrato) Kind() OpKind { return KindVibrato }

// Automation ramps an arbitrary named target to Value over RampBeats.
type Automation struct {
	base
	Target    string
	Value     float64
	RampBeats float64 // 0 means instantaneous
	Curve     TempoCurve
}

func (Automation) Kind() OpKind { return KindAutomation }

// Block splices in an opaque, already-compiled sub-sequence. PrecompiledID
// is an opaque key the caller's Block store resolves; the expander never
// inspects it, only marks its position.
type Block struct {
	base
	PrecompiledID string
}

func (Block) Kind() OpKind { return KindBlock }

// GrooveSpec names a cyclic per-beat-index tick offset table, applied by
// the emitter's groove transform (§4.5).
type GrooveSpec struct {
	OffsetsTicks []int
	CycleBeats   int
}

// ClipNode is the root of a tree.
type ClipNode struct {
	Version       int
	Name          string
	Operations    []Operation
	Tempo         *float64
	TimeSignature *TimeSigSpec
	Swing         *float64
	Groove        *GrooveSpec
}

// TimeSigSpec is ClipNode's top-level time signature default.
type TimeSigSpec struct {
	Num, Denom int
}

// TrackNode binds a ClipNode to a channel and instrument for a session.
type TrackNode struct {
	Version     int
	Name        string
	Clip        *ClipNode
	InstrumentID string
	MIDIChannel *int
}

// SessionNode groups tracks that share a tempo/time-signature default.
type SessionNode struct {
	Version       int
	Tracks        []TrackNode
	Tempo         *float64
	TimeSignature *TimeSigSpec
}
