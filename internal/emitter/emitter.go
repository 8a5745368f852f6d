// Package emitter implements C7: converting timed, tie-coalesced ops into a
// typed event stream, applying the quantize→groove→humanize tick pipeline
// and the tempo map's beat→seconds conversion.
package emitter

import (
	"math"
	"sort"

	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
	"scoretree/internal/tempo"
	"scoretree/internal/tie"
)

// EventKind identifies the shape of an emitted Event's payload.
type EventKind int

const (
	EventNote EventKind = iota + 1
	EventControl
	EventPitchBend
	EventAftertouch
	EventAutomation
	EventTempo
	EventVibrato
)

// Event is a flat, emitted playback event. Unused fields for a given Kind
// are left at their zero value.
type Event struct {
	Kind            EventKind
	StartSeconds    float64
	DurationSeconds float64
	Channel         int
	InputOrder      int

	Pitch        int
	Velocity     int // 0..127
	Articulation string
	DetuneCents  float64
	Timbre       string
	Pressure     float64
	Glide        bool

	Controller        int
	Value             float64
	Target            string
	Poly              bool
	Rate              float64
	TransitionSeconds float64
}

// QuantizeConfig snaps tick onsets toward a grid with a given strength.
type QuantizeConfig struct {
	GridTicks int
	Strength  float64 // 0..1
}

// HumanizeConfig adds bounded random jitter to onset tick and, optionally,
// velocity.
type HumanizeConfig struct {
	MaxTickJitter  int
	VelocityJitter float64 // 0..1, fraction of 127 the velocity may move by
}

// Config parameterizes one Emit run.
type Config struct {
	TicksPerBeat int
	Channel      int
	Quantize     QuantizeConfig
	Groove       *score.GrooveSpec
	Humanize     HumanizeConfig
	Seed         uint32

	// ResolveBlock splices in a precompiled block's already-emitted events,
	// offset by the block marker's beat-start-in-seconds. Nil means blocks
	// are skipped.
	ResolveBlock func(precompiledID string) ([]Event, error)
}

const defaultTicksPerBeat = 1920

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func BeatToTick(beat float64, ticksPerBeat int) int {
	return int(math.Round(beat * float64(ticksPerBeat)))
}

func TickToBeat(tick int, ticksPerBeat int) float64 {
	return float64(tick) / float64(ticksPerBeat)
}

func QuantizeTick(tick int, q QuantizeConfig) int {
	if q.GridTicks <= 0 {
		return tick
	}
	nearest := int(math.Round(float64(tick)/float64(q.GridTicks))) * q.GridTicks
	delta := float64(nearest-tick) * clamp01(q.Strength)
	return tick + int(math.Round(delta))
}

func ApplyGroove(tick, beatIndex int, g *score.GrooveSpec) int {
	if g == nil || len(g.OffsetsTicks) == 0 {
		return tick
	}
	cycle := g.CycleBeats
	if cycle <= 0 {
		cycle = len(g.OffsetsTicks)
	}
	idx := beatIndex % cycle
	if idx < 0 {
		idx += cycle
	}
	return tick + g.OffsetsTicks[idx%len(g.OffsetsTicks)]
}

func HumanizeTick(tick int, seed uint32, inputOrder, maxJitter int) int {
	if maxJitter <= 0 {
		return tick
	}
	rng := NewMulberry32(seed + uint32(inputOrder))
	jitter := int(math.Round((rng.Float64()*2 - 1) * float64(maxJitter)))
	return tick + jitter
}

func HumanizeVelocity(vel int, seed uint32, inputOrder int, spread float64) int {
	if spread <= 0 {
		return vel
	}
	rng := NewMulberry32(seed + uint32(inputOrder) + 0x9E3779B9)
	delta := int(math.Round((rng.Float64()*2 - 1) * spread * 127))
	vel += delta
	if vel < 0 {
		vel = 0
	}
	if vel > 127 {
		vel = 127
	}
	return vel
}

func (c Config) ticksPerBeat() int {
	if c.TicksPerBeat <= 0 {
		return defaultTicksPerBeat
	}
	return c.TicksPerBeat
}

// onsetBeat runs the quantize→groove→humanize pipeline on a beat position
// and returns the adjusted beat.
func (c Config) onsetBeat(beat float64, inputOrder int) float64 {
	tpb := c.ticksPerBeat()
	tick := BeatToTick(beat, tpb)
	tick = QuantizeTick(tick, c.Quantize)
	tick = ApplyGroove(tick, int(math.Floor(beat)), c.Groove)
	tick = HumanizeTick(tick, c.Seed, inputOrder, c.Humanize.MaxTickJitter)
	return TickToBeat(tick, tpb)
}

// Emit converts items into a flat, time-sorted event stream.
func Emit(items []tie.Item, tm *tempo.Map, cfg Config) ([]Event, error) {
	var events []Event

	for _, it := range items {
		switch op := it.Op.(type) {
		case score.Note:
			onset := cfg.onsetBeat(it.BeatStart, it.InputOrder)
			startSec, err := tm.BeatToSeconds(onset)
			if err != nil {
				return nil, err
			}
			durSec, err := tm.DurationToSeconds(it.BeatStart, it.BeatDuration)
			if err != nil {
				return nil, err
			}
			vel := int(math.Round(clamp01(op.Velocity) * 127))
			vel = HumanizeVelocity(vel, cfg.Seed, it.InputOrder, cfg.Humanize.VelocityJitter)
			events = append(events, Event{
				Kind: EventNote, StartSeconds: startSec, DurationSeconds: durSec,
				Channel: cfg.Channel, InputOrder: it.InputOrder,
				Pitch: op.Pitch, Velocity: vel, Articulation: op.Articulation,
				DetuneCents: op.DetuneCents, Timbre: op.Timbre, Pressure: op.Pressure, Glide: op.Glide,
			})

		case score.Rest:
			// advances time only; produces no event

		case score.Control:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			events = append(events, Event{
				Kind: EventControl, StartSeconds: startSec, Channel: cfg.Channel,
				InputOrder: it.InputOrder, Controller: op.Controller, Value: op.Value,
			})

		case score.PitchBend:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			events = append(events, Event{
				Kind: EventPitchBend, StartSeconds: startSec, Channel: cfg.Channel,
				InputOrder: it.InputOrder, Value: op.Normalized,
			})

		case score.Aftertouch:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			events = append(events, Event{
				Kind: EventAftertouch, StartSeconds: startSec, Channel: cfg.Channel,
				InputOrder: it.InputOrder, Value: op.Value, Poly: op.Poly, Pitch: op.Pitch,
			})

		case score.Vibrato:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			events = append(events, Event{
				Kind: EventVibrato, StartSeconds: startSec, Channel: cfg.Channel,
				InputOrder: it.InputOrder, Value: op.Depth, Rate: op.Rate,
			})

		case score.Automation:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			var rampSec float64
			if op.RampBeats > 0 {
				rampSec, err = tm.DurationToSeconds(it.BeatStart, op.RampBeats)
				if err != nil {
					return nil, err
				}
			}
			events = append(events, Event{
				Kind: EventAutomation, StartSeconds: startSec, Channel: cfg.Channel,
				InputOrder: it.InputOrder, Target: op.Target, Value: op.Value,
				TransitionSeconds: rampSec,
			})

		case score.Tempo:
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			var transSec float64
			if op.Transition != nil && op.Transition.DurationBeats > 0 {
				transSec, err = tm.DurationToSeconds(it.BeatStart, op.Transition.DurationBeats)
				if err != nil {
					return nil, err
				}
			}
			events = append(events, Event{
				Kind: EventTempo, StartSeconds: startSec, InputOrder: it.InputOrder,
				Value: op.BPM, TransitionSeconds: transSec,
			})

		case score.Block:
			if cfg.ResolveBlock == nil {
				continue
			}
			startSec, err := tm.BeatToSeconds(it.BeatStart)
			if err != nil {
				return nil, err
			}
			inner, err := cfg.ResolveBlock(op.PrecompiledID)
			if err != nil {
				return nil, err
			}
			for _, ev := range inner {
				ev.StartSeconds += startSec
				events = append(events, ev)
			}

		default:
			// structural markers (Stack, Loop, ClipRef, Scope, TimeSignature,
			// Transpose) carry no event of their own at this stage
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].StartSeconds != events[j].StartSeconds {
			return events[i].StartSeconds < events[j].StartSeconds
		}
		return events[i].InputOrder < events[j].InputOrder
	})

	for _, ev := range events {
		if math.IsNaN(ev.StartSeconds) || math.IsInf(ev.StartSeconds, 0) {
			return nil, &scoreerr.InternalInvariantError{Component: "emitter.Emit", Detail: "produced non-finite startSeconds"}
		}
	}
	return events, nil
}
