package compiler

import (
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/score"
)

func TestCompileSimpleClip(t *testing.T) {
	bpm := 120.0
	c := &score.ClipNode{
		Name: "melody",
		Tempo: &bpm,
		Operations: []score.Operation{
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.9},
			score.Rest{Duration: duration.Quarter},
			score.Note{Pitch: 62, Duration: duration.Half, Velocity: 0.9},
		},
	}
	res, err := Compile(c, DefaultConfig())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 note events (rest produces none), got %d", len(res.Events))
	}
	if res.Events[0].Pitch != 60 || res.Events[1].Pitch != 62 {
		t.Fatalf("unexpected event order: %+v", res.Events)
	}
	if res.TotalBeats != 4 {
		t.Fatalf("expected total beats 4 (1+1+2), got %g", res.TotalBeats)
	}
}

func TestCompileWithTieMergesAcrossNotes(t *testing.T) {
	c := &score.ClipNode{
		Name: "tied",
		Operations: []score.Operation{
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.7, Tie: score.TieStart},
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.7, Tie: score.TieEnd},
		},
	}
	res, err := Compile(c, DefaultConfig())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(res.Events))
	}
	want := 2 * 60.0 / 120 // 2 beats at default 120bpm
	if diff := res.Events[0].DurationSeconds - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected merged duration %g, got %g", want, res.Events[0].DurationSeconds)
	}
}

func TestIncrementalCompileNoopOnIdenticalClip(t *testing.T) {
	c := &score.ClipNode{Operations: []score.Operation{score.Note{Pitch: 60, Duration: duration.Quarter}}}
	cfg := DefaultConfig()
	cache1, first, err := IncrementalCompile(nil, nil, c, cfg)
	if err != nil {
		t.Fatalf("initial IncrementalCompile: %v", err)
	}
	if len(first.Events) != 1 {
		t.Fatalf("expected 1 event from initial compile, got %d", len(first.Events))
	}
	cache2, second, err := IncrementalCompile(c, cache1, c, cfg)
	if err != nil {
		t.Fatalf("noop IncrementalCompile: %v", err)
	}
	if cache2 != cache1 {
		t.Fatalf("expected the same cache object to be reused on a no-op recompile")
	}
	if len(second.Events) != len(first.Events) {
		t.Fatalf("expected identical event count on no-op recompile")
	}
}
