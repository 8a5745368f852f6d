// Package cachejson is the serialization codec (D5) used at the process
// boundary: cachestore rows, scoreapi request/response bodies, and the
// scorecompile/scoresched CLIs all go through here rather than through
// encoding/json directly, since the operation tree is a sealed interface
// and needs an explicit kind discriminator to round-trip.
//
// internal/cache's own stableSerialize hashing does not use this package:
// hashing must not depend on a JSON library's field-order guarantees, so it
// keeps its own deterministic sorted-key walk. cachejson is only the codec
// used once a clip or cache is ready to leave the process.
package cachejson

import (
	"fmt"
	"time"

	goccyjson "github.com/goccy/go-json"

	"scoretree/internal/cache"
	"scoretree/internal/compiler"
	"scoretree/internal/duration"
	"scoretree/internal/emitter"
	"scoretree/internal/score"
	"scoretree/internal/tempo"
)

// schemaVersion is stamped into every CompiledClip's Manifest so a reader
// can tell which wire shape it is looking at before decoding further.
const schemaVersion = 1

// MarshalClip renders a ClipNode to its wire form.
func MarshalClip(clip *score.ClipNode) ([]byte, error) {
	return goccyjson.Marshal(clipDoc(clip))
}

// UnmarshalClip parses a ClipNode from its wire form.
func UnmarshalClip(data []byte) (*score.ClipNode, error) {
	var doc rawClip
	if err := goccyjson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cachejson: decode clip: %w", err)
	}
	return doc.toClip()
}

// MarshalSession renders a SessionNode to its wire form.
func MarshalSession(session *score.SessionNode) ([]byte, error) {
	return goccyjson.Marshal(sessionDoc(session))
}

// UnmarshalSession parses a SessionNode from its wire form.
func UnmarshalSession(data []byte) (*score.SessionNode, error) {
	var doc rawSession
	if err := goccyjson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cachejson: decode session: %w", err)
	}
	return doc.toSession()
}

// Manifest identifies a compiled document for a downstream reader that
// wasn't necessarily the one that built it: which clip, under which wire
// schema, with how many tracks, and when.
type Manifest struct {
	ClipName            string `json:"clipName"`
	SchemaVersion       int    `json:"schemaVersion"`
	TrackCount          int    `json:"trackCount"`
	GeneratedAtUnixNano int64  `json:"generatedAtUnixNano"`
}

// CompiledClip is the wire shape of a Compile result, matching the Compile
// API's documented return shape: events, durations, tempo map, and
// warnings, plus the Manifest identifying what was compiled.
type CompiledClip struct {
	Events          []emitter.Event `json:"events"`
	DurationBeats   float64         `json:"durationBeats"`
	DurationSeconds float64         `json:"durationSeconds"`
	TempoMap        []tempo.Point   `json:"tempoMap,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Manifest        Manifest        `json:"manifest"`
}

// MarshalResult adapts a compiler.Result into its wire CompiledClip form.
// clip identifies what was compiled for the Manifest; trackCount lets a
// session-level caller report how many tracks contributed to res (a lone
// ClipNode compile passes 1).
func MarshalResult(res compiler.Result, clip *score.ClipNode, trackCount int) ([]byte, error) {
	var durationSeconds float64
	for _, ev := range res.Events {
		if end := ev.StartSeconds + ev.DurationSeconds; end > durationSeconds {
			durationSeconds = end
		}
	}
	name := ""
	if clip != nil {
		name = clip.Name
	}
	cc := CompiledClip{
		Events:          res.Events,
		DurationBeats:   res.TotalBeats,
		DurationSeconds: durationSeconds,
		TempoMap:        res.TempoPoints,
		Manifest: Manifest{
			ClipName:            name,
			SchemaVersion:       schemaVersion,
			TrackCount:          trackCount,
			GeneratedAtUnixNano: time.Now().UnixNano(),
		},
	}
	for _, d := range res.Diagnostics {
		cc.Warnings = append(cc.Warnings, d.String())
	}
	return goccyjson.Marshal(cc)
}

// UnmarshalCompiledClip parses a CompiledClip wire document.
func UnmarshalCompiledClip(data []byte) (CompiledClip, error) {
	var cc CompiledClip
	err := goccyjson.Unmarshal(data, &cc)
	return cc, err
}

// MarshalCache renders a CompilationCache to its wire form for cachestore.
func MarshalCache(c *cache.CompilationCache) ([]byte, error) {
	return goccyjson.Marshal(c)
}

// UnmarshalCache parses a CompilationCache from its wire form.
func UnmarshalCache(data []byte) (*cache.CompilationCache, error) {
	var c cache.CompilationCache
	if err := goccyjson.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cachejson: decode cache: %w", err)
	}
	return &c, nil
}

// --- clip/operation document shapes ---
//
// score.Operation is a sealed interface, so it cannot round-trip through
// encoding/json (or go-json) without an explicit "kind" tag steering
// decode. rawOp mirrors every field any Operation variant needs; toOp
// switches on Kind to build the concrete value, the same shape the cache
// package's operationToMap already uses for hashing.

type rawDuration struct {
	Divisor int  `json:"divisor"`
	Dotted  bool `json:"dotted,omitempty"`
	Triplet bool `json:"triplet,omitempty"`
}

func (d rawDuration) toDuration() duration.NoteDuration {
	return duration.NoteDuration{Divisor: d.Divisor, Dotted: d.Dotted, Triplet: d.Triplet}
}

func durationDoc(d duration.NoteDuration) rawDuration {
	return rawDuration{Divisor: d.Divisor, Dotted: d.Dotted, Triplet: d.Triplet}
}

type rawOp struct {
	Kind string `json:"kind"`

	// note / rest
	Pitch        int         `json:"pitch,omitempty"`
	Duration     rawDuration `json:"duration,omitempty"`
	Velocity     float64     `json:"velocity,omitempty"`
	Articulation string      `json:"articulation,omitempty"`
	DetuneCents  float64     `json:"detuneCents,omitempty"`
	Timbre       string      `json:"timbre,omitempty"`
	Pressure     float64     `json:"pressure,omitempty"`
	Glide        bool        `json:"glide,omitempty"`
	Tie          int         `json:"tie,omitempty"`
	VoiceID      int         `json:"voiceId,omitempty"`

	// stack / loop
	Children []rawOp `json:"children,omitempty"`
	Count    int     `json:"count,omitempty"`

	// clip
	Clip *rawClip `json:"clip,omitempty"`

	// scope / transpose
	Inner            *rawOp `json:"inner,omitempty"`
	IsolateTempo     bool   `json:"isolateTempo,omitempty"`
	IsolateTranspose bool   `json:"isolateTranspose,omitempty"`
	IsolateVelocity  bool   `json:"isolateVelocity,omitempty"`
	Semitones        int    `json:"semitones,omitempty"`

	// tempo
	BPM                     float64 `json:"bpm,omitempty"`
	TransitionDurationBeats float64 `json:"transitionDurationBeats,omitempty"`
	TransitionCurve         int     `json:"transitionCurve,omitempty"`
	TransitionPrecise       bool    `json:"transitionPrecise,omitempty"`
	HasTransition           bool    `json:"hasTransition,omitempty"`

	// time signature
	Num   int `json:"num,omitempty"`
	Denom int `json:"denom,omitempty"`

	// control / pitch bend / automation
	Controller int     `json:"controller,omitempty"`
	Value      float64 `json:"value,omitempty"`
	Normalized float64 `json:"normalized,omitempty"`
	Target     string  `json:"target,omitempty"`
	RampBeats  float64 `json:"rampBeats,omitempty"`
	Curve      int     `json:"curve,omitempty"`

	// aftertouch
	Poly bool `json:"poly,omitempty"`

	// vibrato
	Depth float64 `json:"depth,omitempty"`
	Rate  float64 `json:"rate,omitempty"`

	// block
	PrecompiledID string `json:"precompiledId,omitempty"`
}

func opDoc(op score.Operation) rawOp {
	switch o := op.(type) {
	case score.Note:
		return rawOp{
			Kind: "note", Pitch: o.Pitch, Duration: durationDoc(o.Duration), Velocity: o.Velocity,
			Articulation: o.Articulation, DetuneCents: o.DetuneCents, Timbre: o.Timbre,
			Pressure: o.Pressure, Glide: o.Glide, Tie: int(o.Tie), VoiceID: o.VoiceID,
		}
	case score.Rest:
		return rawOp{Kind: "rest", Duration: durationDoc(o.Duration)}
	case score.Stack:
		return rawOp{Kind: "stack", Children: opDocs(o.Children)}
	case score.Loop:
		return rawOp{Kind: "loop", Count: o.Count, Children: opDocs(o.Children)}
	case score.ClipRef:
		cd := clipDoc(o.Inner)
		return rawOp{Kind: "clip", Clip: &cd}
	case score.Scope:
		inner := opDoc(o.Inner)
		return rawOp{
			Kind: "scope", IsolateTempo: o.Isolate.Tempo, IsolateTranspose: o.Isolate.Transposition,
			IsolateVelocity: o.Isolate.Velocity, Inner: &inner,
		}
	case score.Tempo:
		r := rawOp{Kind: "tempo", BPM: o.BPM}
		if o.Transition != nil {
			r.HasTransition = true
			r.TransitionDurationBeats = o.Transition.DurationBeats
			r.TransitionCurve = int(o.Transition.Curve)
			r.TransitionPrecise = o.Transition.Precise
		}
		return r
	case score.TimeSignature:
		return rawOp{Kind: "time_signature", Num: o.Num, Denom: o.Denom}
	case score.Transpose:
		inner := opDoc(o.Inner)
		return rawOp{Kind: "transpose", Semitones: o.Semitones, Inner: &inner}
	case score.Control:
		return rawOp{Kind: "control", Controller: o.Controller, Value: o.Value}
	case score.PitchBend:
		return rawOp{Kind: "pitch_bend", Normalized: o.Normalized}
	case score.Aftertouch:
		return rawOp{Kind: "aftertouch", Poly: o.Poly, Value: o.Value, Pitch: o.Pitch}
	case score.Vibrato:
		return rawOp{Kind: "vibrato", Depth: o.Depth, Rate: o.Rate}
	case score.Automation:
		return rawOp{Kind: "automation", Target: o.Target, Value: o.Value, RampBeats: o.RampBeats, Curve: int(o.Curve)}
	case score.Block:
		return rawOp{Kind: "block", PrecompiledID: o.PrecompiledID}
	default:
		return rawOp{Kind: fmt.Sprintf("unknown:%T", op)}
	}
}

func opDocs(ops []score.Operation) []rawOp {
	out := make([]rawOp, len(ops))
	for i, o := range ops {
		out[i] = opDoc(o)
	}
	return out
}

func (r rawOp) toOp() (score.Operation, error) {
	switch r.Kind {
	case "note":
		return score.Note{
			Pitch: r.Pitch, Duration: r.Duration.toDuration(), Velocity: r.Velocity,
			Articulation: r.Articulation, DetuneCents: r.DetuneCents, Timbre: r.Timbre,
			Pressure: r.Pressure, Glide: r.Glide, Tie: score.TieMode(r.Tie), VoiceID: r.VoiceID,
		}, nil
	case "rest":
		return score.Rest{Duration: r.Duration.toDuration()}, nil
	case "stack":
		children, err := toOps(r.Children)
		if err != nil {
			return nil, err
		}
		return score.Stack{Children: children}, nil
	case "loop":
		children, err := toOps(r.Children)
		if err != nil {
			return nil, err
		}
		return score.Loop{Count: r.Count, Children: children}, nil
	case "clip":
		if r.Clip == nil {
			return nil, fmt.Errorf("cachejson: clip operation missing clip body")
		}
		inner, err := r.Clip.toClip()
		if err != nil {
			return nil, err
		}
		return score.ClipRef{Inner: inner}, nil
	case "scope":
		if r.Inner == nil {
			return nil, fmt.Errorf("cachejson: scope operation missing inner")
		}
		inner, err := r.Inner.toOp()
		if err != nil {
			return nil, err
		}
		return score.Scope{
			Isolate: score.ScopeIsolation{Tempo: r.IsolateTempo, Transposition: r.IsolateTranspose, Velocity: r.IsolateVelocity},
			Inner:   inner,
		}, nil
	case "tempo":
		t := score.Tempo{BPM: r.BPM}
		if r.HasTransition {
			t.Transition = &score.TempoTransition{
				DurationBeats: r.TransitionDurationBeats,
				Curve:         score.TempoCurve(r.TransitionCurve),
				Precise:       r.TransitionPrecise,
			}
		}
		return t, nil
	case "time_signature":
		return score.TimeSignature{Num: r.Num, Denom: r.Denom}, nil
	case "transpose":
		if r.Inner == nil {
			return nil, fmt.Errorf("cachejson: transpose operation missing inner")
		}
		inner, err := r.Inner.toOp()
		if err != nil {
			return nil, err
		}
		return score.Transpose{Semitones: r.Semitones, Inner: inner}, nil
	case "control":
		return score.Control{Controller: r.Controller, Value: r.Value}, nil
	case "pitch_bend":
		return score.PitchBend{Normalized: r.Normalized}, nil
	case "aftertouch":
		return score.Aftertouch{Poly: r.Poly, Value: r.Value, Pitch: r.Pitch}, nil
	case "vibrato":
		return score.Vibrato{Depth: r.Depth, Rate: r.Rate}, nil
	case "automation":
		return score.Automation{Target: r.Target, Value: r.Value, RampBeats: r.RampBeats, Curve: score.TempoCurve(r.Curve)}, nil
	case "block":
		return score.Block{PrecompiledID: r.PrecompiledID}, nil
	default:
		return nil, fmt.Errorf("cachejson: unknown operation kind %q", r.Kind)
	}
}

func toOps(raws []rawOp) ([]score.Operation, error) {
	out := make([]score.Operation, len(raws))
	for i, r := range raws {
		op, err := r.toOp()
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

type rawTimeSig struct {
	Num   int `json:"num"`
	Denom int `json:"denom"`
}

type rawGroove struct {
	OffsetsTicks []int `json:"offsetsTicks"`
	CycleBeats   int   `json:"cycleBeats"`
}

type rawClip struct {
	Version       int         `json:"version"`
	Name          string      `json:"name"`
	Operations    []rawOp     `json:"operations"`
	Tempo         *float64    `json:"tempo,omitempty"`
	TimeSignature *rawTimeSig `json:"timeSignature,omitempty"`
	Swing         *float64    `json:"swing,omitempty"`
	Groove        *rawGroove  `json:"groove,omitempty"`
}

func clipDoc(c *score.ClipNode) rawClip {
	if c == nil {
		return rawClip{}
	}
	doc := rawClip{Version: c.Version, Name: c.Name, Operations: opDocs(c.Operations), Tempo: c.Tempo, Swing: c.Swing}
	if c.TimeSignature != nil {
		doc.TimeSignature = &rawTimeSig{Num: c.TimeSignature.Num, Denom: c.TimeSignature.Denom}
	}
	if c.Groove != nil {
		doc.Groove = &rawGroove{OffsetsTicks: c.Groove.OffsetsTicks, CycleBeats: c.Groove.CycleBeats}
	}
	return doc
}

func (r rawClip) toClip() (*score.ClipNode, error) {
	ops, err := toOps(r.Operations)
	if err != nil {
		return nil, err
	}
	clip := &score.ClipNode{Version: r.Version, Name: r.Name, Operations: ops, Tempo: r.Tempo, Swing: r.Swing}
	if r.TimeSignature != nil {
		clip.TimeSignature = &score.TimeSigSpec{Num: r.TimeSignature.Num, Denom: r.TimeSignature.Denom}
	}
	if r.Groove != nil {
		clip.Groove = &score.GrooveSpec{OffsetsTicks: r.Groove.OffsetsTicks, CycleBeats: r.Groove.CycleBeats}
	}
	return clip, nil
}

type rawTrack struct {
	Version      int      `json:"version"`
	Name         string   `json:"name,omitempty"`
	Clip         *rawClip `json:"clip"`
	InstrumentID string   `json:"instrumentId"`
	MIDIChannel  *int     `json:"midiChannel,omitempty"`
}

type rawSession struct {
	Version       int         `json:"version"`
	Tracks        []rawTrack  `json:"tracks"`
	Tempo         *float64    `json:"tempo,omitempty"`
	TimeSignature *rawTimeSig `json:"timeSignature,omitempty"`
}

func sessionDoc(s *score.SessionNode) rawSession {
	if s == nil {
		return rawSession{}
	}
	doc := rawSession{Version: s.Version, Tempo: s.Tempo}
	if s.TimeSignature != nil {
		doc.TimeSignature = &rawTimeSig{Num: s.TimeSignature.Num, Denom: s.TimeSignature.Denom}
	}
	for _, tr := range s.Tracks {
		cd := clipDoc(tr.Clip)
		doc.Tracks = append(doc.Tracks, rawTrack{
			Version: tr.Version, Name: tr.Name, Clip: &cd,
			InstrumentID: tr.InstrumentID, MIDIChannel: tr.MIDIChannel,
		})
	}
	return doc
}

func (r rawSession) toSession() (*score.SessionNode, error) {
	session := &score.SessionNode{Version: r.Version, Tempo: r.Tempo}
	if r.TimeSignature != nil {
		session.TimeSignature = &score.TimeSigSpec{Num: r.TimeSignature.Num, Denom: r.TimeSignature.Denom}
	}
	for _, tr := range r.Tracks {
		var clip *score.ClipNode
		if tr.Clip != nil {
			c, err := tr.Clip.toClip()
			if err != nil {
				return nil, err
			}
			clip = c
		}
		session.Tracks = append(session.Tracks, score.TrackNode{
			Version: tr.Version, Name: tr.Name, Clip: clip,
			InstrumentID: tr.InstrumentID, MIDIChannel: tr.MIDIChannel,
		})
	}
	return session, nil
}
