package bytecode

import (
	"testing"

	"scoretree/internal/duration"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
)

func opcodes(instrs []Instruction) []Opcode {
	out := make([]Opcode, len(instrs))
	for i, in := range instrs {
		out[i] = in.Op
	}
	return out
}

func TestLowerSequentialNotesAndRest(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
			score.Rest{Duration: duration.Quarter},
			score.Note{Pitch: 64, Duration: duration.Quarter, Velocity: 0.8},
		},
	}
	instrs, err := Lower(clip, Config{})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	got := opcodes(instrs)
	want := []Opcode{OpNote, OpRest, OpNote, OpEOF}
	if len(got) != len(want) {
		t.Fatalf("opcode count: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("opcode[%d]: got %v want %v", i, got[i], want[i])
		}
	}
	if instrs[0].Pitch != 60 || instrs[2].Pitch != 64 {
		t.Fatalf("unexpected pitches: %+v", instrs)
	}
	if instrs[2].Tick <= instrs[0].Tick {
		t.Fatalf("expected second note's tick to come after the first: %+v", instrs)
	}
}

func TestLowerStructuralLoopEmitsLoopMarkers(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Loop{Count: 3, Children: []score.Operation{
				score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
			}},
		},
	}
	instrs, err := Lower(clip, Config{Mode: Structural})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	got := opcodes(instrs)
	want := []Opcode{OpLoopStart, OpNote, OpLoopEnd, OpEOF}
	if len(got) != len(want) {
		t.Fatalf("opcode count: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("opcode[%d]: got %v want %v", i, got[i], want[i])
		}
	}
	if instrs[0].Count != 3 {
		t.Fatalf("expected LOOP_START count 3, got %d", instrs[0].Count)
	}
}

func TestLowerUnrollFlattensAndResorts(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Loop{Count: 3, Children: []score.Operation{
				score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
			}},
		},
	}
	instrs, err := Lower(clip, Config{Mode: Unroll})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	noteCount := 0
	for _, in := range instrs {
		if in.Op == OpNote {
			noteCount++
		}
	}
	if noteCount != 3 {
		t.Fatalf("expected 3 unrolled notes, got %d", noteCount)
	}
	for i := 1; i < len(instrs); i++ {
		if instrs[i].Tick < instrs[i-1].Tick {
			t.Fatalf("expected non-decreasing ticks after re-sort, got %+v", instrs)
		}
	}
}

func TestLowerStackEmitsBranchMarkers(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Stack{Children: []score.Operation{
				score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
				score.Note{Pitch: 67, Duration: duration.Half, Velocity: 0.8},
			}},
		},
	}
	instrs, err := Lower(clip, Config{})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	got := opcodes(instrs)
	want := []Opcode{OpStackStart, OpBranchStart, OpNote, OpBranchEnd, OpBranchStart, OpNote, OpBranchEnd, OpStackEnd, OpEOF}
	if len(got) != len(want) {
		t.Fatalf("opcode count: got %v want %v", got, want)
	}
}

func TestLowerContextStackDepthLimit(t *testing.T) {
	var inner score.Operation = score.Note{Pitch: 60, Duration: duration.Quarter}
	for i := 0; i < 40; i++ {
		inner = score.ClipRef{Inner: &score.ClipNode{Operations: []score.Operation{inner}}}
	}
	clip := &score.ClipNode{Operations: []score.Operation{inner}}
	_, err := Lower(clip, Config{MaxContextStack: 8})
	if err == nil {
		t.Fatal("expected LimitExceeded error for deep ClipRef nesting")
	}
	if _, ok := err.(*scoreerr.LimitExceededError); !ok {
		t.Fatalf("expected *scoreerr.LimitExceededError, got %T", err)
	}
}

func TestLowerZeroAllocMatchesNoteCount(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
			score.Note{Pitch: 62, Duration: duration.Quarter, Velocity: 0.8},
		},
	}
	buf := make([]int32, 64)
	n, err := LowerZeroAlloc(clip, Config{}, buf)
	if err != nil {
		t.Fatalf("LowerZeroAlloc: %v", err)
	}
	wordsExpected := 3 * wordsPerInstruction // 2 notes + EOF
	if n != wordsExpected {
		t.Fatalf("expected %d words written, got %d", wordsExpected, n)
	}
	if buf[0] != int32(OpNote) || buf[2] != 60 {
		t.Fatalf("unexpected first instruction words: %v", buf[:5])
	}
	if buf[5] != int32(OpNote) || buf[7] != 62 {
		t.Fatalf("unexpected second instruction words: %v", buf[5:10])
	}
}

func TestLowerZeroAllocBufferTooSmall(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
		},
	}
	buf := make([]int32, 2)
	_, err := LowerZeroAlloc(clip, Config{}, buf)
	if err == nil {
		t.Fatal("expected ErrBufferTooSmall")
	}
	if _, ok := err.(*ErrBufferTooSmall); !ok {
		t.Fatalf("expected *ErrBufferTooSmall, got %T", err)
	}
}

func TestLowerZeroAllocStructuralLoopAdvancesParentBeat(t *testing.T) {
	clip := &score.ClipNode{
		Operations: []score.Operation{
			score.Loop{Count: 2, Children: []score.Operation{
				score.Note{Pitch: 60, Duration: duration.Quarter, Velocity: 0.8},
			}},
			score.Note{Pitch: 72, Duration: duration.Quarter, Velocity: 0.8},
		},
	}
	buf := make([]int32, 64)
	n, err := LowerZeroAlloc(clip, Config{}, buf)
	if err != nil {
		t.Fatalf("LowerZeroAlloc: %v", err)
	}
	// LOOP_START(5) + NOTE(5) + LOOP_END(5) + NOTE(5) + EOF(5)
	if n != 5*wordsPerInstruction {
		t.Fatalf("expected %d words, got %d", 5*wordsPerInstruction, n)
	}
	trailingNoteWordIdx := 3 * wordsPerInstruction
	if buf[trailingNoteWordIdx] != int32(OpNote) || buf[trailingNoteWordIdx+2] != 72 {
		t.Fatalf("unexpected trailing note words: %v", buf[trailingNoteWordIdx:trailingNoteWordIdx+5])
	}
	// the trailing note's tick must land after two full loop iterations,
	// i.e. at beat 2 (two quarter notes), not beat 1 (one).
	if buf[trailingNoteWordIdx+1] < int32(2*cfgTicksPerBeatDefault-1) {
		t.Fatalf("expected trailing note tick past two loop iterations, got %d", buf[trailingNoteWordIdx+1])
	}
}

const cfgTicksPerBeatDefault = 1920
