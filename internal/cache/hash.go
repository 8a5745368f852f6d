package cache

import (
	"fmt"

	goccyjson "github.com/goccy/go-json"

	"scoretree/internal/score"
)

// stableSerialize renders an Operation to a canonical byte form: a
// map-shaped JSON document with alphabetically sorted keys (go-json, like
// encoding/json, sorts map[string]any keys on Marshal), skipping nothing
// but the operation's own identity fields since Operation carries no
// `_source`/debug metadata in this tree model.
func stableSerialize(op score.Operation) ([]byte, error) {
	m := operationToMap(op)
	return goccyjson.Marshal(m)
}

func operationToMap(op score.Operation) map[string]any {
	switch o := op.(type) {
	case score.Note:
		return map[string]any{
			"kind": "note", "pitch": o.Pitch, "divisor": o.Duration.Divisor,
			"dotted": o.Duration.Dotted, "triplet": o.Duration.Triplet,
			"velocity": o.Velocity, "articulation": o.Articulation, "detuneCents": o.DetuneCents,
			"timbre": o.Timbre, "pressure": o.Pressure, "glide": o.Glide,
			"tie": int(o.Tie), "voiceId": o.VoiceID,
		}
	case score.Rest:
		return map[string]any{"kind": "rest", "divisor": o.Duration.Divisor, "dotted": o.Duration.Dotted, "triplet": o.Duration.Triplet}
	case score.Stack:
		children := make([]map[string]any, len(o.Children))
		for i, c := range o.Children {
			children[i] = operationToMap(c)
		}
		return map[string]any{"kind": "stack", "children": children}
	case score.Loop:
		children := make([]map[string]any, len(o.Children))
		for i, c := range o.Children {
			children[i] = operationToMap(c)
		}
		return map[string]any{"kind": "loop", "count": o.Count, "children": children}
	case score.ClipRef:
		return map[string]any{"kind": "clip", "clip": clipToMap(o.Inner)}
	case score.Scope:
		return map[string]any{
			"kind": "scope",
			"isolateTempo": o.Isolate.Tempo, "isolateTranspose": o.Isolate.Transposition, "isolateVelocity": o.Isolate.Velocity,
			"inner": operationToMap(o.Inner),
		}
	case score.Tempo:
		m := map[string]any{"kind": "tempo", "bpm": o.BPM}
		if o.Transition != nil {
			m["transitionDurationBeats"] = o.Transition.DurationBeats
			m["transitionCurve"] = int(o.Transition.Curve)
			m["transitionPrecise"] = o.Transition.Precise
		}
		return m
	case score.TimeSignature:
		return map[string]any{"kind": "time_signature", "num": o.Num, "denom": o.Denom}
	case score.Transpose:
		return map[string]any{"kind": "transpose", "semitones": o.Semitones, "inner": operationToMap(o.Inner)}
	case score.Control:
		return map[string]any{"kind": "control", "controller": o.Controller, "value": o.Value}
	case score.PitchBend:
		return map[string]any{"kind": "pitch_bend", "normalized": o.Normalized}
	case score.Aftertouch:
		return map[string]any{"kind": "aftertouch", "poly": o.Poly, "value": o.Value, "pitch": o.Pitch}
	case score.Vibrato:
		return map[string]any{"kind": "vibrato", "depth": o.Depth, "rate": o.Rate}
	case score.Automation:
		return map[string]any{
			"kind": "automation", "target": o.Target, "value": o.Value,
			"rampBeats": o.RampBeats, "curve": int(o.Curve),
		}
	case score.Block:
		return map[string]any{"kind": "block", "precompiledId": o.PrecompiledID}
	default:
		return map[string]any{"kind": fmt.Sprintf("unknown:%T", op)}
	}
}

func clipToMap(c *score.ClipNode) map[string]any {
	if c == nil {
		return nil
	}
	ops := make([]map[string]any, len(c.Operations))
	for i, o := range c.Operations {
		ops[i] = operationToMap(o)
	}
	return map[string]any{"version": c.Version, "name": c.Name, "operations": ops}
}

// djb2 is the hash Bernstein function used throughout the cache for
// section and clip hashes.
func djb2(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = hash*33 + uint64(b)
	}
	return hash
}

// hashOperation hashes a single operation via stableSerialize.
func hashOperation(op score.Operation) (uint64, error) {
	data, err := stableSerialize(op)
	if err != nil {
		return 0, err
	}
	return djb2(data), nil
}

// hashClip hashes the clip's metadata together with its whole serialized
// operation tree (not the per-operation hashes) into one clip-level hash.
func hashClip(c *score.ClipNode) (uint64, error) {
	data, err := goccyjson.Marshal(clipToMap(c))
	if err != nil {
		return 0, err
	}
	return djb2(data), nil
}
