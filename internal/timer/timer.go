// Package timer implements C4: assigning beat positions, measure numbers,
// and beat-in-measure to every item of an expanded sequence.
package timer

import (
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
)

// Item is an expander.Item augmented with timing. Only Note and Rest ever
// carry a non-zero BeatDuration; every other op (including markers)
// advances nothing.
type Item struct {
	expander.Item
	BeatStart     float64
	BeatDuration  float64
	Measure       int
	BeatInMeasure float64
}

// Sequence is the timed output of Timer.Run.
type Sequence struct {
	Items []Item
}

// segment is one run of the time-signature segment map: the measure and
// beat-in-measure the map was at when the segment's time signature took
// effect, so later lookups for any beat in range need only this one entry.
type segment struct {
	startBeat       float64
	beatsPerMeasure float64
	startMeasure    int
	startBeatInMsr  float64
}

const defaultBeatsPerMeasure = 4.0

type segmentMap struct {
	segments []segment
}

func newSegmentMap() *segmentMap {
	return &segmentMap{segments: []segment{{startBeat: 0, beatsPerMeasure: defaultBeatsPerMeasure}}}
}

func (m *segmentMap) append(startBeat, beatsPerMeasure float64, startMeasure int, startBeatInMsr float64) {
	m.segments = append(m.segments, segment{
		startBeat: startBeat, beatsPerMeasure: beatsPerMeasure,
		startMeasure: startMeasure, startBeatInMsr: startBeatInMsr,
	})
}

// at returns the segment covering beat (the last segment whose startBeat is
// <= beat).
func (m *segmentMap) at(beat float64) segment {
	chosen := m.segments[0]
	for _, s := range m.segments {
		if s.startBeat <= beat {
			chosen = s
		} else {
			break
		}
	}
	return chosen
}

// resolve computes (measure, beatInMeasure) for an arbitrary beat position,
// used both for forward advances and for the backward jumps a branch_start
// marker produces.
func (m *segmentMap) resolve(beat float64) (int, float64) {
	s := m.at(beat)
	total := s.startBeatInMsr + (beat - s.startBeat)
	bpm := s.beatsPerMeasure
	if bpm <= 0 {
		bpm = defaultBeatsPerMeasure
	}
	measureAdd := int(total / bpm)
	remainder := total - float64(measureAdd)*bpm
	if remainder < 0 {
		remainder = 0
	}
	return s.startMeasure + measureAdd, remainder
}

type stackFrame struct {
	startBeat   float64
	maxDuration float64
}

// Run assigns timing to every item in seq, in order.
func Run(seq expander.Sequence) (Sequence, error) {
	out := Sequence{Items: make([]Item, 0, len(seq.Items))}
	segs := newSegmentMap()
	var beat float64
	var stack []stackFrame

	for _, it := range seq.Items {
		timed := Item{Item: it, BeatStart: beat}

		switch it.Kind {
		case expander.ItemMarker:
			switch it.Marker {
			case expander.MarkStackStart:
				stack = append(stack, stackFrame{startBeat: beat, maxDuration: 0})
			case expander.MarkBranchStart:
				if len(stack) == 0 {
					return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "branch_start with no enclosing stack_start"}
				}
				beat = stack[len(stack)-1].startBeat
				timed.BeatStart = beat
			case expander.MarkBranchEnd:
				if len(stack) == 0 {
					return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "branch_end with no enclosing stack_start"}
				}
				top := &stack[len(stack)-1]
				extent := beat - top.startBeat
				if extent > top.maxDuration {
					top.maxDuration = extent
				}
			case expander.MarkStackEnd:
				if len(stack) == 0 {
					return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "stack_end with no matching stack_start"}
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				beat = top.startBeat + top.maxDuration
				timed.BeatStart = beat
			case expander.MarkScopeStart, expander.MarkScopeEnd, expander.MarkBlockMarker:
				// no timing effect of their own
			default:
				return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "unrecognized marker kind"}
			}

		case expander.ItemOperation:
			switch op := it.Op.(type) {
			case score.Note:
				timed.BeatDuration = op.Duration.BeatsFloat()
				beat += timed.BeatDuration
			case score.Rest:
				timed.BeatDuration = op.Duration.BeatsFloat()
				beat += timed.BeatDuration
			case score.TimeSignature:
				measure, beatInMsr := segs.resolve(beat)
				bpm := float64(op.Num) * 4.0 / float64(op.Denom)
				if op.Denom <= 0 {
					bpm = defaultBeatsPerMeasure
				}
				segs.append(beat, bpm, measure, beatInMsr)
			default:
				// all other ops carry zero duration
			}

		default:
			return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "item has neither operation nor marker kind"}
		}

		timed.Measure, timed.BeatInMeasure = segs.resolve(timed.BeatStart)
		out.Items = append(out.Items, timed)
	}

	if len(stack) != 0 {
		return Sequence{}, &scoreerr.InternalInvariantError{Component: "timer", Detail: "unclosed stack at end of sequence"}
	}
	return out, nil
}
