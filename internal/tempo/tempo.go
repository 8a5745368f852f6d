// Package tempo implements C6: building a piecewise BPM function from the
// Tempo ops in a coalesced sequence and answering beat→seconds queries.
package tempo

import (
	"scoretree/internal/duration"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
	"scoretree/internal/tie"
)

func toDurationCurve(c score.TempoCurve) duration.Curve {
	switch c {
	case score.CurveEaseIn:
		return duration.CurveEaseIn
	case score.CurveEaseOut:
		return duration.CurveEaseOut
	case score.CurveEaseInOut:
		return duration.CurveEaseInOut
	default:
		return duration.CurveLinear
	}
}

// segment is one run of the piecewise tempo function: a prevailing bpm
// starting at startBeat, optionally ramping to targetBPM over rampBeats
// beats via curve before settling at targetBPM for the segment's remainder.
type segment struct {
	startBeat         float64
	startBPM          float64
	isRamp            bool
	rampBeats         float64
	targetBPM         float64
	curve             score.TempoCurve
	constantBPM       float64 // bpm once any ramp in this segment has completed
	cumSecondsAtStart float64
	cumSecondsAtRamp  float64 // seconds elapsed across just the ramp portion, if isRamp
}

// Map is the compiled tempo function for one clip.
type Map struct {
	segments  []segment
	precision duration.Precision
}

// Point mirrors the data model's TempoMap point, exposed for inspection and
// for collaborators (e.g. a serializer) that want the raw piecewise shape.
type Point struct {
	BeatPosition    float64          `json:"beatPosition"`
	BPM             float64          `json:"bpm"`
	TargetBPM       *float64         `json:"targetBpm,omitempty"`
	TransitionBeats float64          `json:"transitionBeats,omitempty"`
	Curve           score.TempoCurve `json:"curve,omitempty"`
}

// Build walks items (post tie-coalescing) and constructs the tempo map.
// defaultBPM seeds the tempo prevailing before any Tempo op is seen.
func Build(items []tie.Item, defaultBPM float64, precision duration.Precision) (*Map, error) {
	if defaultBPM <= 0 {
		defaultBPM = 120
	}
	m := &Map{precision: precision}
	currentBPM := defaultBPM

	for _, it := range items {
		t, ok := it.Op.(score.Tempo)
		if !ok {
			continue
		}
		b := it.BeatStart
		if len(m.segments) == 0 && b > 0 {
			// default tempo prevails from beat 0 until the first Tempo op
			m.segments = append(m.segments, segment{
				startBeat: 0, startBPM: currentBPM, constantBPM: currentBPM,
			})
		}
		seg := segment{startBeat: b, startBPM: currentBPM}
		if t.Transition != nil && t.Transition.DurationBeats > 0 {
			seg.isRamp = true
			seg.rampBeats = t.Transition.DurationBeats
			seg.targetBPM = t.BPM
			seg.curve = mapOpCurve(t.Transition.Curve)
			seg.constantBPM = t.BPM
		} else {
			seg.constantBPM = t.BPM
		}
		m.segments = append(m.segments, seg)
		currentBPM = t.BPM
	}
	if len(m.segments) == 0 {
		m.segments = append(m.segments, segment{startBeat: 0, startBPM: currentBPM, constantBPM: currentBPM})
	}

	if err := m.computeCumulative(); err != nil {
		return nil, err
	}
	return m, nil
}

func mapOpCurve(c score.TempoCurve) score.TempoCurve {
	if c == score.CurveNone {
		return score.CurveLinear
	}
	return c
}

func (m *Map) computeCumulative() error {
	cum := 0.0
	for i := range m.segments {
		s := &m.segments[i]
		s.cumSecondsAtStart = cum
		var segEndBeat float64
		if i+1 < len(m.segments) {
			segEndBeat = m.segments[i+1].startBeat
		} else {
			segEndBeat = s.startBeat // open-ended; nothing more to accumulate
		}
		if s.isRamp {
			rampSeconds, err := duration.Integrate(s.rampBeats, s.startBPM, s.targetBPM, toDurationCurve(s.curve), m.precision, "")
			if err != nil {
				return err
			}
			s.cumSecondsAtRamp = rampSeconds
			if played := segEndBeat - s.startBeat; i+1 < len(m.segments) && played < s.rampBeats {
				// a later Tempo op cuts this ramp short: count only the part played
				if played > 0 {
					partial, err := duration.IntegratePartial(s.rampBeats, played, s.startBPM, s.targetBPM, toDurationCurve(s.curve), m.precision)
					if err != nil {
						return err
					}
					cum += partial
				}
				continue
			}
			cum += rampSeconds
			tailBeats := segEndBeat - (s.startBeat + s.rampBeats)
			if tailBeats > 0 {
				cum += 60 * tailBeats / s.constantBPM
			}
		} else {
			tailBeats := segEndBeat - s.startBeat
			if tailBeats > 0 {
				cum += 60 * tailBeats / s.constantBPM
			}
		}
	}
	return nil
}

func (m *Map) segmentAt(beat float64) (segment, int) {
	chosen := m.segments[0]
	idx := 0
	for i, s := range m.segments {
		if s.startBeat <= beat {
			chosen, idx = s, i
		} else {
			break
		}
	}
	return chosen, idx
}

// FromPoints rebuilds a queryable Map from the flat wire shape Points
// produces, the inverse conversion. A caller that only has a cached or
// deserialized CompiledClip's TempoMap (e.g. a live session resuming from a
// cachestore row) uses this to get BPMAt/BeatToSeconds/SecondsToBeat back,
// rather than recompiling the clip just to rebuild the tempo function.
func FromPoints(points []Point, precision duration.Precision) (*Map, error) {
	m := &Map{precision: precision, segments: make([]segment, len(points))}
	for i, p := range points {
		s := segment{startBeat: p.BeatPosition, startBPM: p.BPM, constantBPM: p.BPM}
		if p.TargetBPM != nil {
			s.isRamp = true
			s.rampBeats = p.TransitionBeats
			s.targetBPM = *p.TargetBPM
			s.curve = p.Curve
			s.constantBPM = *p.TargetBPM
		}
		m.segments[i] = s
	}
	if len(m.segments) == 0 {
		m.segments = []segment{{startBeat: 0, startBPM: 120, constantBPM: 120}}
	}
	if err := m.computeCumulative(); err != nil {
		return nil, err
	}
	return m, nil
}

// Points returns the piecewise tempo function as a flat list of Point, in
// beat order, for a serializer that needs the raw shape rather than a
// BPMAt/BeatToSeconds query interface.
func (m *Map) Points() []Point {
	out := make([]Point, len(m.segments))
	for i, s := range m.segments {
		p := Point{BeatPosition: s.startBeat, BPM: s.startBPM}
		if s.isRamp {
			target := s.targetBPM
			p.TargetBPM = &target
			p.TransitionBeats = s.rampBeats
			p.Curve = s.curve
		}
		out[i] = p
	}
	return out
}

// BPMAt returns the instantaneous bpm prevailing at beat.
func (m *Map) BPMAt(beat float64) float64 {
	s, _ := m.segmentAt(beat)
	if !s.isRamp {
		return s.constantBPM
	}
	if beat >= s.startBeat+s.rampBeats {
		return s.constantBPM
	}
	u := (beat - s.startBeat) / s.rampBeats
	return duration.BPMAt(u, s.startBPM, s.targetBPM, toDurationCurve(s.curve))
}

// BeatToSeconds converts an absolute beat position to elapsed seconds from
// beat 0. The result is monotonically non-decreasing in beat.
func (m *Map) BeatToSeconds(beat float64) (float64, error) {
	s, _ := m.segmentAt(beat)
	offset := beat - s.startBeat
	if offset <= 0 {
		return s.cumSecondsAtStart, nil
	}
	if !s.isRamp {
		return s.cumSecondsAtStart + 60*offset/s.constantBPM, nil
	}
	if offset >= s.rampBeats {
		tail := offset - s.rampBeats
		return s.cumSecondsAtStart + s.cumSecondsAtRamp + 60*tail/s.constantBPM, nil
	}
	partial, err := duration.IntegratePartial(s.rampBeats, offset, s.startBPM, s.targetBPM, toDurationCurve(s.curve), m.precision)
	if err != nil {
		return 0, err
	}
	return s.cumSecondsAtStart + partial, nil
}

// SecondsToBeat is the inverse of BeatToSeconds: given elapsed seconds from
// beat 0, it returns the beat position reached at that time. Used by a live
// player reporting playback position back in score terms. BeatToSeconds is
// monotonically non-decreasing in beat, so within a ramp segment the inverse
// is found by bisection rather than solved in closed form.
func (m *Map) SecondsToBeat(seconds float64) (float64, error) {
	if seconds <= 0 {
		return 0, nil
	}
	idx := 0
	for i := range m.segments {
		idx = i
		if i+1 >= len(m.segments) {
			break
		}
		secAtNext, err := m.BeatToSeconds(m.segments[i+1].startBeat)
		if err != nil {
			return 0, err
		}
		if seconds < secAtNext {
			break
		}
	}
	s := m.segments[idx]
	elapsed := seconds - s.cumSecondsAtStart
	if elapsed <= 0 {
		return s.startBeat, nil
	}
	if !s.isRamp {
		return s.startBeat + elapsed*s.constantBPM/60, nil
	}
	if elapsed >= s.cumSecondsAtRamp {
		tailSeconds := elapsed - s.cumSecondsAtRamp
		return s.startBeat + s.rampBeats + tailSeconds*s.constantBPM/60, nil
	}
	lo, hi := 0.0, s.rampBeats
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		partial, err := duration.IntegratePartial(s.rampBeats, mid, s.startBPM, s.targetBPM, toDurationCurve(s.curve), m.precision)
		if err != nil {
			return 0, err
		}
		if partial < elapsed {
			lo = mid
		} else {
			hi = mid
		}
	}
	return s.startBeat + (lo+hi)/2, nil
}

// DurationToSeconds converts a beat span into elapsed seconds.
func (m *Map) DurationToSeconds(startBeat, beats float64) (float64, error) {
	if beats <= 0 {
		return 0, nil
	}
	start, err := m.BeatToSeconds(startBeat)
	if err != nil {
		return 0, err
	}
	end, err := m.BeatToSeconds(startBeat + beats)
	if err != nil {
		return 0, err
	}
	if end < start {
		return 0, &scoreerr.InternalInvariantError{Component: "tempo.Map", Detail: "beatToSeconds produced a non-monotonic result"}
	}
	return end - start, nil
}
