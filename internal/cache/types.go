package cache

import (
	"scoretree/internal/emitter"
	"scoretree/internal/score"
	"scoretree/internal/tempo"
	"scoretree/internal/tie"
)

// TieState is the serialized form of one active tie at a section boundary.
type TieState struct {
	VoiceID          int
	Pitch            int
	StartBeat        float64
	AccumulatedBeats float64
	StartOp          score.Note
	InputOrder       int
}

// ProjectionSnapshot captures everything downstream compilation needs to
// resume exactly at a section boundary.
type ProjectionSnapshot struct {
	Beat               float64
	Measure            int
	BeatInMeasure      float64
	BeatsPerMeasure    float64
	BPM                float64
	TimeSignature      score.TimeSigSpec
	Transposition      int
	VelocityMultiplier float64
	ActiveTies         []TieState
	LastInputOrder     int
}

// TieStatesFromStream adapts a tie.StreamCoalescer's serialized state into
// the cache's ProjectionSnapshot-facing TieState shape.
func TieStatesFromStream(states []tie.SerializedTieState) []TieState {
	out := make([]TieState, len(states))
	for i, s := range states {
		out[i] = TieState{
			VoiceID: s.VoiceID, Pitch: s.Pitch, StartBeat: s.StartBeat,
			AccumulatedBeats: s.AccumulatedBeats, StartOp: s.StartOp, InputOrder: s.StartOrder,
		}
	}
	return out
}

// ToStreamStates is the inverse of TieStatesFromStream, used when resuming
// a StreamCoalescer from a cached ProjectionSnapshot.
func ToStreamStates(states []TieState) []tie.SerializedTieState {
	out := make([]tie.SerializedTieState, len(states))
	for i, s := range states {
		out[i] = tie.SerializedTieState{
			VoiceID: s.VoiceID, Pitch: s.Pitch, StartBeat: s.StartBeat,
			AccumulatedBeats: s.AccumulatedBeats, StartOrder: s.InputOrder, StartOp: s.StartOp,
		}
	}
	return out
}

// SectionCache is one cached section's compiled state.
type SectionCache struct {
	Bounds     Section
	EntryState ProjectionSnapshot
	ExitState  ProjectionSnapshot
	Events     []emitter.Event
}

// CompilationCache is the full cached compile result for one clip.
type CompilationCache struct {
	Sections     []SectionCache
	TotalBeats   float64
	TotalSeconds float64
	// TempoPoints is the piecewise bpm function the compile that produced
	// this cache built, persisted in its flat wire shape so a reload doesn't
	// need to recompile just to answer a tempo query.
	TempoPoints []tempo.Point
}

// SectionHashes extracts the plain Section (bounds+hash) list from a cache,
// for use with LazyCompare against a freshly hashed clip.
func (c *CompilationCache) SectionHashes() []Section {
	out := make([]Section, len(c.Sections))
	for i, sc := range c.Sections {
		out[i] = sc.Bounds
	}
	return out
}
