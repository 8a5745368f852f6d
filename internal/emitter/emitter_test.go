package emitter

import (
	"math"
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/tempo"
	"scoretree/internal/tie"
	"scoretree/internal/timer"
)

func noteTieItem(order int, pitch int, beat, dur, vel float64) tie.Item {
	return tie.Item{
		Item: timer.Item{
			Item:         expander.Item{Kind: expander.ItemOperation, Op: score.Note{Pitch: pitch, Velocity: vel}},
			BeatStart:    beat,
			BeatDuration: dur,
		},
		InputOrder: order,
	}
}

func flatTempoMap(t *testing.T, bpm float64) *tempo.Map {
	t.Helper()
	m, err := tempo.Build(nil, bpm, duration.Standard())
	if err != nil {
		t.Fatalf("tempo.Build: %v", err)
	}
	return m
}

func TestEmitNoteBasic(t *testing.T) {
	tm := flatTempoMap(t, 120)
	items := []tie.Item{noteTieItem(0, 60, 0, 1, 0.8)}
	events, err := Emit(items, tm, Config{Channel: 0})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventNote || ev.Pitch != 60 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Velocity != 102 { // round(0.8*127)
		t.Fatalf("expected velocity 102, got %d", ev.Velocity)
	}
	wantDur := 60.0 / 120
	if math.Abs(ev.DurationSeconds-wantDur) > 1e-9 {
		t.Fatalf("expected duration %g, got %g", wantDur, ev.DurationSeconds)
	}
}

func TestEmitSortsByStartSecondsThenInputOrder(t *testing.T) {
	tm := flatTempoMap(t, 120)
	items := []tie.Item{
		noteTieItem(1, 64, 1, 1, 0.5),
		noteTieItem(0, 60, 0, 1, 0.5),
	}
	events, err := Emit(items, tm, Config{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(events) != 2 || events[0].Pitch != 60 || events[1].Pitch != 64 {
		t.Fatalf("expected sorted by start time, got %+v", events)
	}
}

func TestQuantizeSnapsTickFully(t *testing.T) {
	cfg := Config{TicksPerBeat: 960, Quantize: QuantizeConfig{GridTicks: 480, Strength: 1}}
	tick := QuantizeTick(BeatToTick(0.2, 960), cfg.Quantize)
	if tick != 0 {
		t.Fatalf("expected snap to 0, got %d", tick)
	}
}

func TestHumanizeIsDeterministicPerSeed(t *testing.T) {
	a := HumanizeTick(1000, 42, 7, 50)
	b := HumanizeTick(1000, 42, 7, 50)
	if a != b {
		t.Fatalf("expected deterministic jitter for same seed/order, got %d vs %d", a, b)
	}
}

func TestEmitTempoEventCarriesTransitionSeconds(t *testing.T) {
	items := []tie.Item{
		{Item: timer.Item{Item: expander.Item{Kind: expander.ItemOperation, Op: score.Tempo{
			BPM: 120, Transition: &score.TempoTransition{DurationBeats: 4, Curve: score.CurveLinear},
		}}, BeatStart: 0}, InputOrder: 0},
	}
	m, err := tempo.Build(items, 60, duration.Standard())
	if err != nil {
		t.Fatalf("tempo.Build: %v", err)
	}
	events, err := Emit(items, m, Config{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventTempo {
		t.Fatalf("expected 1 tempo event, got %+v", events)
	}
	if events[0].TransitionSeconds <= 0 {
		t.Fatalf("expected positive transition seconds, got %g", events[0].TransitionSeconds)
	}
}
