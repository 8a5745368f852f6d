package tempo

import (
	"math"
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/tie"
	"scoretree/internal/timer"
)

func mkTempoItem(order int, beat float64, t score.Tempo) tie.Item {
	return tie.Item{
		Item: timer.Item{
			Item:      expander.Item{Kind: expander.ItemOperation, Op: t},
			BeatStart: beat,
		},
		InputOrder: order,
	}
}

func TestBeatToSecondsIsMonotonic(t *testing.T) {
	items := []tie.Item{
		mkTempoItem(0, 0, score.Tempo{BPM: 60}),
		mkTempoItem(1, 4, score.Tempo{BPM: 120, Transition: &score.TempoTransition{DurationBeats: 4, Curve: score.CurveLinear}}),
	}
	m, err := Build(items, 60, duration.Standard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	prev := -1.0
	for b := 0.0; b <= 12; b += 0.25 {
		sec, err := m.BeatToSeconds(b)
		if err != nil {
			t.Fatalf("BeatToSeconds(%g): %v", b, err)
		}
		if sec < prev {
			t.Fatalf("non-monotonic at beat %g: %g < %g", b, sec, prev)
		}
		prev = sec
	}
}

func TestLinearRampTotalMatchesClosedForm(t *testing.T) {
	items := []tie.Item{
		mkTempoItem(0, 0, score.Tempo{BPM: 60}),
		mkTempoItem(1, 0, score.Tempo{BPM: 120, Transition: &score.TempoTransition{DurationBeats: 4, Curve: score.CurveLinear}}),
	}
	m, err := Build(items, 60, duration.Standard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := m.BeatToSeconds(4)
	if err != nil {
		t.Fatalf("BeatToSeconds: %v", err)
	}
	want := 60 * math.Log(2) / 15
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("got %g want %g", got, want)
	}
}

func TestSecondsToBeatInvertsBeatToSeconds(t *testing.T) {
	items := []tie.Item{
		mkTempoItem(0, 0, score.Tempo{BPM: 60}),
		mkTempoItem(1, 4, score.Tempo{BPM: 120, Transition: &score.TempoTransition{DurationBeats: 4, Curve: score.CurveLinear}}),
	}
	m, err := Build(items, 60, duration.Standard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for b := 0.0; b <= 12; b += 0.5 {
		sec, err := m.BeatToSeconds(b)
		if err != nil {
			t.Fatalf("BeatToSeconds(%g): %v", b, err)
		}
		gotBeat, err := m.SecondsToBeat(sec)
		if err != nil {
			t.Fatalf("SecondsToBeat(%g): %v", sec, err)
		}
		if math.Abs(gotBeat-b) > 1e-3 {
			t.Fatalf("beat %g -> %g seconds -> %g beats (want ~%g)", b, sec, gotBeat, b)
		}
	}
}

func TestFromPointsRoundTripsBuild(t *testing.T) {
	items := []tie.Item{
		mkTempoItem(0, 0, score.Tempo{BPM: 90}),
		mkTempoItem(1, 4, score.Tempo{BPM: 150, Transition: &score.TempoTransition{DurationBeats: 2, Curve: score.CurveEaseIn}}),
	}
	m, err := Build(items, 90, duration.Standard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rebuilt, err := FromPoints(m.Points(), duration.Standard())
	if err != nil {
		t.Fatalf("FromPoints: %v", err)
	}
	for b := 0.0; b <= 8; b += 0.5 {
		want, err := m.BeatToSeconds(b)
		if err != nil {
			t.Fatalf("BeatToSeconds(%g): %v", b, err)
		}
		got, err := rebuilt.BeatToSeconds(b)
		if err != nil {
			t.Fatalf("rebuilt BeatToSeconds(%g): %v", b, err)
		}
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("beat %g: rebuilt map gave %g, original gave %g", b, got, want)
		}
	}
}

func TestConstantTempoLinearSeconds(t *testing.T) {
	items := []tie.Item{mkTempoItem(0, 0, score.Tempo{BPM: 120})}
	m, err := Build(items, 120, duration.Standard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := m.DurationToSeconds(0, 8)
	if err != nil {
		t.Fatalf("DurationToSeconds: %v", err)
	}
	want := 60.0 * 8 / 120
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %g want %g", got, want)
	}
}
