package tie

import (
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/timer"
)

func noteItem(pitch int, tieMode score.TieMode, beatStart, beatDur float64) timer.Item {
	return timer.Item{
		Item: expander.Item{
			Kind: expander.ItemOperation,
			Op:   score.Note{Pitch: pitch, Duration: duration.Quarter, Velocity: 0.8, Tie: tieMode},
		},
		BeatStart:    beatStart,
		BeatDuration: beatDur,
	}
}

func TestCoalesceMergesStartContinueEnd(t *testing.T) {
	seq := timer.Sequence{Items: []timer.Item{
		noteItem(60, score.TieStart, 0, 1),
		noteItem(60, score.TieContinue, 1, 1),
		noteItem(60, score.TieEnd, 2, 1),
	}}
	res := Coalesce(seq)
	if len(res.Diagnostics) != 0 {
		t.Fatalf("expected no diagnostics, got %v", res.Diagnostics)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 merged item, got %d", len(res.Items))
	}
	merged := res.Items[0]
	if merged.BeatDuration != 3 {
		t.Fatalf("expected merged duration 3, got %g", merged.BeatDuration)
	}
	if merged.BeatStart != 0 {
		t.Fatalf("expected merged beatStart 0, got %g", merged.BeatStart)
	}
	if merged.InputOrder != 2 {
		t.Fatalf("expected inputOrder from the end op (2), got %d", merged.InputOrder)
	}
}

func TestCoalesceOrphanedContinueAndEnd(t *testing.T) {
	seq := timer.Sequence{Items: []timer.Item{
		noteItem(60, score.TieContinue, 0, 1),
		noteItem(61, score.TieEnd, 1, 1),
	}}
	res := Coalesce(seq)
	if len(res.Diagnostics) != 2 {
		t.Fatalf("expected 2 orphan diagnostics, got %d: %v", len(res.Diagnostics), res.Diagnostics)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected both passed through, got %d", len(res.Items))
	}
}

func TestCoalesceFlushesDanglingStartAtEndOfStream(t *testing.T) {
	seq := timer.Sequence{Items: []timer.Item{
		noteItem(60, score.TieStart, 0, 1),
	}}
	res := Coalesce(seq)
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected 1 orphan-start diagnostic, got %d", len(res.Diagnostics))
	}
	if len(res.Items) != 1 || res.Items[0].BeatDuration != 1 {
		t.Fatalf("expected dangling start flushed with its own duration, got %+v", res.Items)
	}
}

func TestCoalesceDisplacedStartEmitsOrphan(t *testing.T) {
	seq := timer.Sequence{Items: []timer.Item{
		noteItem(60, score.TieStart, 0, 1),
		noteItem(60, score.TieStart, 1, 1),
		noteItem(60, score.TieEnd, 2, 1),
	}}
	res := Coalesce(seq)
	if len(res.Diagnostics) != 1 {
		t.Fatalf("expected 1 orphan diagnostic for the displaced first start, got %d", len(res.Diagnostics))
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected the orphaned first start plus the merged second start+end, got %d", len(res.Items))
	}
}

func TestStreamCoalescerMatchesBatchOnSimpleChain(t *testing.T) {
	sc := NewStreamCoalescer(nil)
	sc.Push(noteItem(60, score.TieStart, 0, 1))
	sc.Push(noteItem(60, score.TieContinue, 1, 1))
	sc.Push(noteItem(60, score.TieEnd, 2, 1))
	out := sc.Drain()
	if len(out) != 1 || out[0].BeatDuration != 3 {
		t.Fatalf("expected single merged 3-beat note, got %+v", out)
	}
}

func TestStreamCoalescerResumesFromSerializedState(t *testing.T) {
	sc := NewStreamCoalescer(nil)
	sc.Push(noteItem(60, score.TieStart, 0, 1))
	sc.Drain()
	state := sc.Serialize()
	if len(state) != 1 {
		t.Fatalf("expected 1 serialized active tie, got %d", len(state))
	}

	resumed := NewStreamCoalescer(state)
	resumed.Push(noteItem(60, score.TieEnd, 1, 1))
	out := resumed.Drain()
	if len(out) != 1 || out[0].BeatDuration != 2 {
		t.Fatalf("expected resumed merge to total 2 beats, got %+v", out)
	}
}
