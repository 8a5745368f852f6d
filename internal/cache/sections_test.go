package cache

import (
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/score"
)

func clip(ops ...score.Operation) *score.ClipNode {
	return &score.ClipNode{Name: "t", Operations: ops}
}

func TestDetectSectionsSplitsOnBoundaries(t *testing.T) {
	c := clip(
		score.Note{Pitch: 60, Duration: duration.Quarter},
		score.Note{Pitch: 62, Duration: duration.Quarter},
		score.Tempo{BPM: 100},
		score.Note{Pitch: 64, Duration: duration.Quarter},
	)
	sections := DetectSections(c)
	if len(sections) != 3 {
		t.Fatalf("expected 3 sections, got %d: %+v", len(sections), sections)
	}
	if sections[0].StartIndex != 0 || sections[0].EndIndex != 2 {
		t.Errorf("first section should cover [0,2), got %+v", sections[0])
	}
	if sections[1].StartIndex != 2 || sections[1].EndIndex != 3 {
		t.Errorf("tempo should be its own section, got %+v", sections[1])
	}
	if sections[2].StartIndex != 3 || sections[2].EndIndex != 4 {
		t.Errorf("trailing note should be its own section, got %+v", sections[2])
	}
}

func TestIsCascadingChangeNoteRules(t *testing.T) {
	base := score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.5}
	pitchOnly := base
	pitchOnly.Pitch = 61
	if IsCascadingChange(base, pitchOnly) {
		t.Error("pitch-only change should be non-cascading")
	}
	durChange := base
	durChange.Duration = duration.Eighth
	if !IsCascadingChange(base, durChange) {
		t.Error("duration change should be cascading")
	}
}

func TestIsCascadingChangeTempoAlwaysCascades(t *testing.T) {
	if !IsCascadingChange(score.Tempo{BPM: 100}, score.Tempo{BPM: 100}) {
		t.Error("tempo ops should always be classified cascading, even if identical")
	}
}

func TestLazyCompareFindsFirstMismatch(t *testing.T) {
	oldC := clip(score.Note{Pitch: 60, Duration: duration.Quarter}, score.Tempo{BPM: 100})
	newC := clip(score.Note{Pitch: 61, Duration: duration.Quarter}, score.Tempo{BPM: 100})

	oldSections, err := HashSections(oldC, DetectSections(oldC))
	if err != nil {
		t.Fatalf("HashSections(old): %v", err)
	}
	newSections, err := HashSections(newC, DetectSections(newC))
	if err != nil {
		t.Fatalf("HashSections(new): %v", err)
	}
	res := LazyCompare(oldSections, newSections)
	if res.FirstChanged != 0 {
		t.Fatalf("expected mismatch at section 0, got %d", res.FirstChanged)
	}
}

func TestLazyCompareReportsNoChange(t *testing.T) {
	c := clip(score.Note{Pitch: 60, Duration: duration.Quarter})
	sections, err := HashSections(c, DetectSections(c))
	if err != nil {
		t.Fatalf("HashSections: %v", err)
	}
	res := LazyCompare(sections, sections)
	if res.FirstChanged != len(sections) {
		t.Fatalf("expected no mismatch, got firstChanged=%d", res.FirstChanged)
	}
}
