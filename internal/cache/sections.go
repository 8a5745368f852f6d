package cache

import (
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/timer"
)

// Section is a contiguous, disjoint range of top-level clip operations.
type Section struct {
	StartIndex int
	EndIndex   int // exclusive
	Hash       uint64
	StartBeat  float64
	EndBeat    float64
}

func isBoundaryOp(op score.Operation) bool {
	switch op.(type) {
	case score.Tempo, score.TimeSignature, score.Loop, score.Stack, score.Scope:
		return true
	default:
		return false
	}
}

// DetectSections splits clip.Operations into contiguous ranges: every
// boundary op (tempo, time_signature, loop, stack, scope) becomes its own
// single-op section, and runs of non-boundary ops between them are each one
// section.
func DetectSections(clip *score.ClipNode) []Section {
	var sections []Section
	ops := clip.Operations
	i := 0
	for i < len(ops) {
		if isBoundaryOp(ops[i]) {
			sections = append(sections, Section{StartIndex: i, EndIndex: i + 1})
			i++
			continue
		}
		start := i
		for i < len(ops) && !isBoundaryOp(ops[i]) {
			i++
		}
		sections = append(sections, Section{StartIndex: start, EndIndex: i})
	}
	return sections
}

// HashSections computes each section's hash over its slice of operations.
func HashSections(clip *score.ClipNode, sections []Section) ([]Section, error) {
	out := make([]Section, len(sections))
	for i, s := range sections {
		h, err := hashRange(clip.Operations[s.StartIndex:s.EndIndex])
		if err != nil {
			return nil, err
		}
		s.Hash = h
		out[i] = s
	}
	return out, nil
}

func hashRange(ops []score.Operation) (uint64, error) {
	var combined uint64 = 5381
	for _, op := range ops {
		h, err := hashOperation(op)
		if err != nil {
			return 0, err
		}
		combined = combined*33 + h
	}
	return combined, nil
}

// IsCascadingChange reports whether replacing old with new can change
// anything beyond old/new's own slot: a downstream section that depended on
// accumulated timing/tempo/tie state must be rebuilt too.
func IsCascadingChange(old, new score.Operation) bool {
	switch o := old.(type) {
	case score.Note:
		n, ok := new.(score.Note)
		if !ok {
			return true
		}
		return o.Duration != n.Duration || o.Tie != n.Tie
	case score.Rest:
		n, ok := new.(score.Rest)
		if !ok {
			return true
		}
		return o.Duration != n.Duration
	case score.Tempo, score.TimeSignature:
		return true
	case score.Loop:
		n, ok := new.(score.Loop)
		if !ok {
			return true
		}
		if o.Count != n.Count || len(o.Children) != len(n.Children) {
			return true
		}
		for i := range o.Children {
			if IsCascadingChange(o.Children[i], n.Children[i]) {
				return true
			}
		}
		return false
	case score.Stack:
		n, ok := new.(score.Stack)
		if !ok {
			return true
		}
		if len(o.Children) != len(n.Children) {
			return true
		}
		for i := range o.Children {
			if IsCascadingChange(o.Children[i], n.Children[i]) {
				return true
			}
		}
		return false
	case score.ClipRef:
		n, ok := new.(score.ClipRef)
		if !ok {
			return true
		}
		return isCascadingClip(o.Inner, n.Inner)
	case score.Scope:
		n, ok := new.(score.Scope)
		if !ok {
			return true
		}
		return IsCascadingChange(o.Inner, n.Inner)
	case score.Transpose:
		n, ok := new.(score.Transpose)
		if !ok {
			return true
		}
		return o.Semitones != n.Semitones || IsCascadingChange(o.Inner, n.Inner)
	case score.Control, score.Aftertouch, score.Vibrato, score.Automation, score.PitchBend, score.Block:
		return false
	default:
		return true
	}
}

func isCascadingClip(old, new *score.ClipNode) bool {
	if old == nil || new == nil {
		return old != new
	}
	if len(old.Operations) != len(new.Operations) {
		return true
	}
	for i := range old.Operations {
		if IsCascadingChange(old.Operations[i], new.Operations[i]) {
			return true
		}
	}
	return false
}

// BoundSections fills in each section's StartBeat/EndBeat by expanding and
// timing that section's operations in isolation. A section's own beat length
// doesn't depend on what precedes it (tie merging happens after timing, and
// changes note count, never total beat coverage), so these lengths can be
// computed independently and then laid end to end; only the resulting
// running offset ties them together.
func BoundSections(clip *score.ClipNode, sections []Section, limits expander.Limits) ([]Section, error) {
	out := make([]Section, len(sections))
	var cursor float64
	for i, s := range sections {
		sub := &score.ClipNode{
			Operations:    clip.Operations[s.StartIndex:s.EndIndex],
			Tempo:         clip.Tempo,
			TimeSignature: clip.TimeSignature,
		}
		expanded, err := expander.Expand(sub, limits)
		if err != nil {
			return nil, err
		}
		timed, err := timer.Run(expanded)
		if err != nil {
			return nil, err
		}
		var length float64
		for _, it := range timed.Items {
			if end := it.BeatStart + it.BeatDuration; end > length {
				length = end
			}
		}
		s.StartBeat = cursor
		s.EndBeat = cursor + length
		cursor = s.EndBeat
		out[i] = s
	}
	return out, nil
}

// LazyCompareResult reports where two section lists first diverge.
type LazyCompareResult struct {
	FirstChanged    int // index into sections; len(sections) if none changed
	ComparedSections int
}

// LazyCompare walks cached and fresh section hashes together and bails at
// the first mismatch, matching the contract's "compare one section at a
// time" requirement.
func LazyCompare(cached, fresh []Section) LazyCompareResult {
	n := len(cached)
	if len(fresh) < n {
		n = len(fresh)
	}
	for i := 0; i < n; i++ {
		if cached[i].Hash != fresh[i].Hash {
			return LazyCompareResult{FirstChanged: i, ComparedSections: i + 1}
		}
	}
	if len(fresh) != len(cached) {
		return LazyCompareResult{FirstChanged: n, ComparedSections: n}
	}
	return LazyCompareResult{FirstChanged: n, ComparedSections: n}
}
